package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	WhatsApp   WhatsAppConfig   `yaml:"whatsapp" mapstructure:"whatsapp"`
	Email      EmailConfig      `yaml:"email" mapstructure:"email"`
	SMS        SMSConfig        `yaml:"sms" mapstructure:"sms"`
	CRM        CRMConfig        `yaml:"crm" mapstructure:"crm"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the admin API and webhook server.
type ServerConfig struct {
	Port          int      `yaml:"port" mapstructure:"port"`
	CORSOrigins   []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	WebhookSecret string   `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	APIKey        string   `yaml:"api_key" mapstructure:"api_key"`
}

// DispatchConfig tunes the batch orchestrator.
type DispatchConfig struct {
	BatchSize         int    `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency       int    `yaml:"concurrency" mapstructure:"concurrency"`
	StaleClaimMinutes int    `yaml:"stale_claim_minutes" mapstructure:"stale_claim_minutes"`
	DeadlineSecs      int    `yaml:"deadline_secs" mapstructure:"deadline_secs"`
	RetryBaseMinutes  int    `yaml:"retry_base_minutes" mapstructure:"retry_base_minutes"`
	RetryMaxHours     int    `yaml:"retry_max_hours" mapstructure:"retry_max_hours"`
	Cron              string `yaml:"cron" mapstructure:"cron"`
	DefaultTemplate   string `yaml:"default_template" mapstructure:"default_template"`
}

// WhatsAppConfig holds the WhatsApp gateway credentials. Instances are chosen
// per campaign; DefaultInstance is used when a campaign names none.
type WhatsAppConfig struct {
	BaseURL         string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey          string  `yaml:"api_key" mapstructure:"api_key"`
	DefaultInstance string  `yaml:"default_instance" mapstructure:"default_instance"`
	RatePerSec      float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// EmailConfig holds the global SMTP configuration.
type EmailConfig struct {
	Host       string  `yaml:"host" mapstructure:"host"`
	Port       int     `yaml:"port" mapstructure:"port"`
	Username   string  `yaml:"username" mapstructure:"username"`
	Password   string  `yaml:"password" mapstructure:"password"`
	From       string  `yaml:"from" mapstructure:"from"`
	Subject    string  `yaml:"subject" mapstructure:"subject"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// SMSConfig holds the global SMS gateway configuration.
type SMSConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	Sender      string  `yaml:"sender" mapstructure:"sender"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// CRMConfig selects and configures the external CRM.
type CRMConfig struct {
	Provider      string           `yaml:"provider" mapstructure:"provider"`
	StagesPath    string           `yaml:"stages_path" mapstructure:"stages_path"`
	FunnelID      string           `yaml:"funnel_id" mapstructure:"funnel_id"`
	WorkableStage string           `yaml:"workable_stage" mapstructure:"workable_stage"`
	Redsis        RedsisConfig     `yaml:"redsis" mapstructure:"redsis"`
	Salesforce    SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
}

// RedsisConfig holds Redsis CRM API credentials.
type RedsisConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Token       string  `yaml:"token" mapstructure:"token"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID   string `yaml:"client_id" mapstructure:"client_id"`
	Username   string `yaml:"username" mapstructure:"username"`
	KeyPath    string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL   string `yaml:"login_url" mapstructure:"login_url"`
	StageField string `yaml:"stage_field" mapstructure:"stage_field"`
	OwnerField string `yaml:"owner_field" mapstructure:"owner_field"`
}

// AnthropicConfig configures the message composer model.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// NotionConfig holds Notion API credentials for dynamic enrollment lists.
type NotionConfig struct {
	Token  string `yaml:"token" mapstructure:"token"`
	LeadDB string `yaml:"lead_db" mapstructure:"lead_db"`
}

// TemporalConfig configures the schedule worker.
type TemporalConfig struct {
	HostPort             string `yaml:"host_port" mapstructure:"host_port"`
	Namespace            string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue            string `yaml:"task_queue" mapstructure:"task_queue"`
	DispatchIntervalSecs int    `yaml:"dispatch_interval_secs" mapstructure:"dispatch_interval_secs"`
	SyncIntervalSecs     int    `yaml:"sync_interval_secs" mapstructure:"sync_interval_secs"`
}

// SyncConfig tunes the CRM sync outbox worker.
type SyncConfig struct {
	BatchSize       int    `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency     int    `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts     int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBaseSecs int    `yaml:"backoff_base_secs" mapstructure:"backoff_base_secs"`
	BackoffMaxSecs  int    `yaml:"backoff_max_secs" mapstructure:"backoff_max_secs"`
	StaleMinutes    int    `yaml:"stale_minutes" mapstructure:"stale_minutes"`
	Cron            string `yaml:"cron" mapstructure:"cron"`
}

// ResilienceConfig configures in-call retries and circuit breakers for
// provider calls.
type ResilienceConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig configures terminal-failure alerting.
type MonitoringConfig struct {
	WebhookURL             string `yaml:"webhook_url" mapstructure:"webhook_url"`
	TerminalAlertThreshold int    `yaml:"terminal_alert_threshold" mapstructure:"terminal_alert_threshold"`
	BacklogAlertThreshold  int    `yaml:"backlog_alert_threshold" mapstructure:"backlog_alert_threshold"`
	CheckIntervalSecs      int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	// RepeatAfterMins silences an identical alert for this long after it fires.
	RepeatAfterMins int `yaml:"repeat_after_mins" mapstructure:"repeat_after_mins"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches the
// working directory for config.yaml; a named file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("PROSPECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "prospect.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("dispatch.batch_size", 50)
	v.SetDefault("dispatch.concurrency", 5)
	v.SetDefault("dispatch.stale_claim_minutes", 15)
	v.SetDefault("dispatch.deadline_secs", 240)
	v.SetDefault("dispatch.retry_base_minutes", 60)
	v.SetDefault("dispatch.retry_max_hours", 24)
	v.SetDefault("dispatch.cron", "@every 5m")
	v.SetDefault("dispatch.default_template", "Hi {{.FirstName}}{{if .Followup}}, just following up{{end}}!")
	v.SetDefault("whatsapp.rate_per_sec", 1.0)
	v.SetDefault("whatsapp.timeout_secs", 30)
	v.SetDefault("email.port", 587)
	v.SetDefault("email.subject", "Hello")
	v.SetDefault("email.rate_per_sec", 2.0)
	v.SetDefault("sms.rate_per_sec", 1.0)
	v.SetDefault("sms.timeout_secs", 30)
	v.SetDefault("crm.provider", "none")
	v.SetDefault("crm.stages_path", "stages.yaml")
	v.SetDefault("crm.redsis.rate_per_sec", 5.0)
	v.SetDefault("crm.redsis.timeout_secs", 30)
	v.SetDefault("crm.salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("crm.salesforce.stage_field", "Stage_Code__c")
	v.SetDefault("crm.salesforce.owner_field", "Owner_Lock__c")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "prospect-dispatch")
	v.SetDefault("temporal.dispatch_interval_secs", 300)
	v.SetDefault("temporal.sync_interval_secs", 60)
	v.SetDefault("sync.batch_size", 25)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.max_attempts", 8)
	v.SetDefault("sync.backoff_base_secs", 30)
	v.SetDefault("sync.backoff_max_secs", 3600)
	v.SetDefault("sync.stale_minutes", 10)
	v.SetDefault("sync.cron", "@every 1m")
	v.SetDefault("resilience.max_attempts", 2)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 5000)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 60)
	v.SetDefault("monitoring.terminal_alert_threshold", 5)
	v.SetDefault("monitoring.backlog_alert_threshold", 25)
	v.SetDefault("monitoring.check_interval_secs", 900)
	v.SetDefault("monitoring.repeat_after_mins", 240)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings a command mode depends on are present.
// Modes: serve, dispatch, worker, sync, enroll, migrate.
func (c *Config) Validate(mode string) error {
	var errs []string

	requireStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required")
			}
		case "sqlite":
			if c.Store.SQLitePath == "" {
				errs = append(errs, "store.sqlite_path is required")
			}
		default:
			errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
		}
	}
	requireDispatch := func() {
		if c.Dispatch.BatchSize < 1 || c.Dispatch.BatchSize > 1000 {
			errs = append(errs, "dispatch.batch_size must be between 1 and 1000")
		}
		if c.Dispatch.Concurrency < 1 || c.Dispatch.Concurrency > 50 {
			errs = append(errs, "dispatch.concurrency must be between 1 and 50")
		}
		if c.Dispatch.StaleClaimMinutes < 1 {
			errs = append(errs, "dispatch.stale_claim_minutes must be > 0")
		}
		if c.WhatsApp.BaseURL == "" && c.Email.Host == "" && c.SMS.BaseURL == "" {
			errs = append(errs, "at least one channel (whatsapp, email, sms) must be configured")
		}
	}
	requireCRM := func() {
		switch c.CRM.Provider {
		case "none":
		case "redsis":
			if c.CRM.Redsis.BaseURL == "" {
				errs = append(errs, "crm.redsis.base_url is required")
			}
		case "salesforce":
			if c.CRM.Salesforce.ClientID == "" || c.CRM.Salesforce.Username == "" || c.CRM.Salesforce.KeyPath == "" {
				errs = append(errs, "crm.salesforce.client_id, username and key_path are required")
			}
		default:
			errs = append(errs, fmt.Sprintf("crm.provider %q is not supported", c.CRM.Provider))
		}
	}

	switch mode {
	case "serve":
		requireStore()
		requireDispatch()
		requireCRM()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "dispatch":
		requireStore()
		requireDispatch()
	case "worker":
		requireStore()
		requireDispatch()
		requireCRM()
		if c.Temporal.HostPort == "" {
			errs = append(errs, "temporal.host_port is required")
		}
		if c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.task_queue is required")
		}
	case "sync":
		requireStore()
		requireCRM()
		if c.Sync.MaxAttempts < 1 {
			errs = append(errs, "sync.max_attempts must be > 0")
		}
	case "enroll", "migrate":
		requireStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
