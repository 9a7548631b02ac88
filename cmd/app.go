package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/channel"
	"github.com/sells-group/prospect-cli/internal/composer"
	"github.com/sells-group/prospect-cli/internal/crmsync"
	"github.com/sells-group/prospect-cli/internal/dispatch"
	"github.com/sells-group/prospect-cli/internal/monitoring"
	"github.com/sells-group/prospect-cli/internal/ownership"
	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/internal/schedule"
	"github.com/sells-group/prospect-cli/internal/store"
	anthropicpkg "github.com/sells-group/prospect-cli/pkg/anthropic"
	"github.com/sells-group/prospect-cli/pkg/notion"
	"github.com/sells-group/prospect-cli/pkg/redsis"
	sfpkg "github.com/sells-group/prospect-cli/pkg/salesforce"
	"github.com/sells-group/prospect-cli/pkg/sms"
	"github.com/sells-group/prospect-cli/pkg/whatsapp"
)

// appEnv holds the wired components shared by the commands.
type appEnv struct {
	Store     store.Store
	Service   *dispatch.Service
	Ownership *ownership.Coordinator
	Adapter   *crmsync.Adapter
	Sync      *crmsync.Worker
	Checker   *monitoring.Checker
	Mappings  crmsync.MappingSource
	Notion    notion.Client // nil without a token
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// Activities exposes the scheduled jobs of the environment.
func (e *appEnv) Activities() *schedule.Activities {
	return &schedule.Activities{Dispatcher: e.Service, Sync: e.Sync, Health: e.Checker}
}

// initApp validates the configuration for mode, opens and migrates the store
// and wires every component. Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env, err := wireApp(st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// wireApp builds every component on top of an open store.
func wireApp(st store.Store) (*appEnv, error) {
	env := &appEnv{Store: st}
	rs := resilienceSettings()
	breakers := rs.Breakers()

	remote, err := initRemote()
	if err != nil {
		return nil, err
	}
	mappings, err := initMappings(remote)
	if err != nil {
		return nil, err
	}
	env.Mappings = mappings
	env.Adapter = crmsync.NewAdapter(st, remote, mappings)
	env.Sync = crmsync.NewWorker(st, env.Adapter, crmsync.WorkerConfig{
		BatchSize:   cfg.Sync.BatchSize,
		Concurrency: cfg.Sync.Concurrency,
		MaxAttempts: cfg.Sync.MaxAttempts,
		Backoff: resilience.Backoff{
			Base: time.Duration(cfg.Sync.BackoffBaseSecs) * time.Second,
			Max:  time.Duration(cfg.Sync.BackoffMaxSecs) * time.Second,
		},
		StaleAfter: time.Duration(cfg.Sync.StaleMinutes) * time.Minute,
	})
	env.Ownership = ownership.NewCoordinator(st)

	registry, err := initChannels(breakers)
	if err != nil {
		return nil, err
	}
	comp, err := initComposer(rs.Retry(), breakers)
	if err != nil {
		return nil, err
	}

	alerter := monitoring.NewAlerter(cfg.Monitoring)
	staleAfter := time.Duration(cfg.Dispatch.StaleClaimMinutes) * time.Minute
	env.Checker = monitoring.NewChecker(monitoring.NewCollector(st, staleAfter), alerter, cfg.Monitoring)

	orch := dispatch.NewOrchestrator(st, registry, comp, dispatch.Config{
		Concurrency:     cfg.Dispatch.Concurrency,
		StaleClaimAfter: staleAfter,
		Deadline:        time.Duration(cfg.Dispatch.DeadlineSecs) * time.Second,
		RetryBackoff: resilience.Backoff{
			Base: time.Duration(cfg.Dispatch.RetryBaseMinutes) * time.Minute,
			Max:  time.Duration(cfg.Dispatch.RetryMaxHours) * time.Hour,
		},
	},
		dispatch.WithStageMappings(mappings),
		dispatch.WithAlerter(alerter),
	)
	env.Service = dispatch.NewService(st, orch, cfg.Dispatch.BatchSize, dispatch.WithEnrollmentStages(mappings))

	if cfg.Notion.Token != "" {
		env.Notion = notion.NewClient(cfg.Notion.Token)
	}

	zap.L().Debug("app wired",
		zap.Strings("channels", channelNames(registry)),
		zap.String("crm", cfg.CRM.Provider),
	)
	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "prospect.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required for postgres (PROSPECT_STORE_DATABASE_URL)")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initRemote() (crmsync.Remote, error) {
	switch cfg.CRM.Provider {
	case "", "none":
		return crmsync.NopRemote{}, nil
	case "redsis":
		opts := []redsis.Option{redsis.WithRateLimit(cfg.CRM.Redsis.RatePerSec)}
		if cfg.CRM.Redsis.TimeoutSecs > 0 {
			opts = append(opts, redsis.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.CRM.Redsis.TimeoutSecs) * time.Second}))
		}
		return crmsync.NewRedsisRemote(redsis.NewClient(cfg.CRM.Redsis.BaseURL, cfg.CRM.Redsis.Token, opts...)), nil
	case "salesforce":
		sf, err := initSalesforce()
		if err != nil {
			return nil, err
		}
		return crmsync.NewSalesforceRemote(sf, cfg.CRM.Salesforce.StageField, cfg.CRM.Salesforce.OwnerField), nil
	default:
		return nil, eris.Errorf("unsupported crm provider: %s", cfg.CRM.Provider)
	}
}

func initSalesforce() (sfpkg.Client, error) {
	pemData, err := os.ReadFile(cfg.CRM.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}
	return sfpkg.Connect(sfpkg.Creds{
		LoginURL: cfg.CRM.Salesforce.LoginURL,
		Username: cfg.CRM.Salesforce.Username,
		ClientID: cfg.CRM.Salesforce.ClientID,
		KeyPEM:   string(pemData),
	})
}

// initMappings prefers the local stages file. Without one, mappings are read
// from the CRM on demand.
func initMappings(remote crmsync.Remote) (crmsync.MappingSource, error) {
	if cfg.CRM.StagesPath != "" {
		if _, err := os.Stat(cfg.CRM.StagesPath); err == nil {
			return crmsync.LoadMappings(cfg.CRM.StagesPath)
		}
		zap.L().Debug("stages file not found, using CRM mappings", zap.String("path", cfg.CRM.StagesPath))
	}
	return crmsync.NewRemoteMappings(remote, cfg.CRM.FunnelID, cfg.CRM.WorkableStage), nil
}

func initChannels(breakers *resilience.BreakerSet) (*channel.Registry, error) {
	reg := channel.NewRegistry()

	if cfg.WhatsApp.BaseURL != "" {
		client := whatsapp.NewClient(cfg.WhatsApp.APIKey,
			whatsapp.WithBaseURL(cfg.WhatsApp.BaseURL),
			whatsapp.WithHTTPClient(&http.Client{Timeout: seconds(cfg.WhatsApp.TimeoutSecs, 30)}),
		)
		reg.Register(channel.NewWhatsAppSender(client, cfg.WhatsApp.DefaultInstance, cfg.WhatsApp.RatePerSec, breakers))
	}

	if cfg.Email.Host != "" {
		ec := channel.EmailConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			Subject:  cfg.Email.Subject,
		}
		mailer, err := channel.NewSMTPMailer(ec)
		if err != nil {
			return nil, err
		}
		reg.Register(channel.NewEmailSender(mailer, ec, cfg.Email.RatePerSec, breakers))
	}

	if cfg.SMS.BaseURL != "" {
		client := sms.NewClient(cfg.SMS.APIKey,
			sms.WithBaseURL(cfg.SMS.BaseURL),
			sms.WithSender(cfg.SMS.Sender),
			sms.WithHTTPClient(&http.Client{Timeout: seconds(cfg.SMS.TimeoutSecs, 30)}),
		)
		reg.Register(channel.NewSMSSender(client, cfg.SMS.RatePerSec, breakers))
	}

	return reg, nil
}

// initComposer uses Claude when a key is configured and the default template
// otherwise.
func initComposer(retry resilience.RetryConfig, breakers *resilience.BreakerSet) (composer.Composer, error) {
	if cfg.Anthropic.Key == "" {
		return composer.NewTemplateComposer(cfg.Dispatch.DefaultTemplate)
	}
	client := anthropicpkg.NewClient(cfg.Anthropic.Key)
	return composer.NewLLMComposer(client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens,
		composer.WithRetry(retry),
		composer.WithBreaker(breakers.Get("anthropic")),
	), nil
}

func resilienceSettings() resilience.Settings {
	r := cfg.Resilience
	return resilience.Settings{
		MaxAttempts:      r.MaxAttempts,
		InitialBackoffMs: r.InitialBackoffMs,
		MaxBackoffMs:     r.MaxBackoffMs,
		FailureThreshold: r.FailureThreshold,
		ResetTimeoutSecs: r.ResetTimeoutSecs,
	}
}

func channelNames(reg *channel.Registry) []string {
	chs := reg.Channels()
	names := make([]string, len(chs))
	for i, ch := range chs {
		names[i] = string(ch)
	}
	return names
}

func seconds(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}
