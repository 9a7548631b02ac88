// Package composer produces outbound message text for a participant.
// Composition is opaque to the dispatcher: any failure is reported as
// transient and retried on the participant's backoff schedule.
package composer

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/pkg/anthropic"
)

// AgentConfig is the campaign-level voice of the composer.
type AgentConfig struct {
	CampaignID string
	Prompt     string
	Channel    model.Channel
}

// ParticipantContext is what the composer knows about the recipient.
type ParticipantContext struct {
	Name          string
	Temperature   model.Temperature
	ContactCount  int
	ResponseCount int
	LastContactAt *time.Time
	Stage         string
}

// ContextFor builds a ParticipantContext from a participant and its lead.
func ContextFor(p *model.Participant, lead *model.LeadState) ParticipantContext {
	pc := ParticipantContext{
		Name:          NormalizeName(p.Name),
		Temperature:   p.Temperature,
		ContactCount:  p.ContactCount,
		ResponseCount: p.ResponseCount,
		LastContactAt: p.LastContactAt,
	}
	if lead != nil {
		pc.Stage = lead.CurrentStage
	}
	return pc
}

// Composer produces message text.
type Composer interface {
	Compose(ctx context.Context, agent AgentConfig, pc ParticipantContext) (string, error)
}

// ErrEmptyMessage is returned when the model produced no usable text.
var ErrEmptyMessage = eris.New("composer: empty message")

// LLMComposer writes messages with Claude.
type LLMComposer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	retry     resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
}

// LLMOption configures an LLMComposer.
type LLMOption func(*LLMComposer)

// WithRetry sets the in-call retry policy.
func WithRetry(cfg resilience.RetryConfig) LLMOption {
	return func(c *LLMComposer) {
		c.retry = cfg
	}
}

// WithBreaker guards model calls with a circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) LLMOption {
	return func(c *LLMComposer) {
		c.breaker = cb
	}
}

// NewLLMComposer creates a composer backed by the Anthropic API.
func NewLLMComposer(client anthropic.Client, model string, maxTokens int64, opts ...LLMOption) *LLMComposer {
	c := &LLMComposer{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		retry:     resilience.RetryConfig{MaxAttempts: 1},
	}
	for _, o := range opts {
		o(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("anthropic", "compose")
	}
	return c
}

// Compose implements Composer.
func (c *LLMComposer) Compose(ctx context.Context, agent AgentConfig, pc ParticipantContext) (string, error) {
	req := anthropic.MessageRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    anthropic.CachedSystem(systemPrompt(agent)),
		Messages:  []anthropic.Message{{Role: "user", Content: userPrompt(pc)}},
	}

	call := func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if c.breaker != nil {
			return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
				return c.client.CreateMessage(ctx, req)
			})
		}
		return c.client.CreateMessage(ctx, req)
	}

	// Composer errors are all transient.
	retry := c.retry
	retry.ShouldRetry = func(error) bool { return true }

	resp, err := resilience.DoVal(ctx, retry, call)
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "composer: compose"), 0)
	}
	resp.Usage.LogCost(c.model, agent.CampaignID)

	text := resp.Text()
	if text == "" {
		return "", resilience.NewTransientError(ErrEmptyMessage, 0)
	}
	return text, nil
}

func systemPrompt(agent AgentConfig) string {
	var b strings.Builder
	if agent.Prompt != "" {
		b.WriteString(agent.Prompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Write one outbound prospecting message. Reply with the message text only, no preamble.")
	switch agent.Channel {
	case model.ChannelWhatsApp, model.ChannelSMS:
		b.WriteString(" Keep it under 300 characters and do not use markdown.")
	case model.ChannelEmail:
		b.WriteString(" Write a short plain-text email body without a subject line.")
	}
	return b.String()
}

func userPrompt(pc ParticipantContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recipient: %s\n", fallbackName(pc.Name))
	fmt.Fprintf(&b, "Engagement: %s\n", pc.Temperature)
	fmt.Fprintf(&b, "Messages already sent: %d\n", pc.ContactCount)
	fmt.Fprintf(&b, "Replies received: %d\n", pc.ResponseCount)
	if pc.LastContactAt != nil {
		fmt.Fprintf(&b, "Last contacted: %s\n", pc.LastContactAt.UTC().Format("2006-01-02"))
	}
	if pc.Stage != "" {
		fmt.Fprintf(&b, "Pipeline stage: %s\n", pc.Stage)
	}
	if pc.ContactCount == 0 {
		b.WriteString("This is the first message.")
	} else {
		b.WriteString("This is a follow-up; do not repeat earlier openings.")
	}
	return b.String()
}

func fallbackName(name string) string {
	if name == "" {
		return "(unknown)"
	}
	return name
}

// TemplateComposer renders a fixed text/template. It is used when no model is
// configured; the campaign agent prompt doubles as the template.
type TemplateComposer struct {
	fallback *template.Template
}

// NewTemplateComposer parses the default template used for campaigns without
// an agent prompt.
func NewTemplateComposer(defaultText string) (*TemplateComposer, error) {
	tpl, err := template.New("default").Parse(defaultText)
	if err != nil {
		return nil, eris.Wrap(err, "composer: parse template")
	}
	return &TemplateComposer{fallback: tpl}, nil
}

type templateData struct {
	Name      string
	FirstName string
	Stage     string
	Followup  bool
}

// Compose implements Composer.
func (c *TemplateComposer) Compose(_ context.Context, agent AgentConfig, pc ParticipantContext) (string, error) {
	tpl := c.fallback
	if agent.Prompt != "" {
		parsed, err := template.New(agent.CampaignID).Parse(agent.Prompt)
		if err != nil {
			zap.L().Warn("composer: campaign template invalid, using default",
				zap.String("campaign_id", agent.CampaignID), zap.Error(err))
		} else {
			tpl = parsed
		}
	}

	var b strings.Builder
	err := tpl.Execute(&b, templateData{
		Name:      pc.Name,
		FirstName: FirstName(pc.Name),
		Stage:     pc.Stage,
		Followup:  pc.ContactCount > 0,
	})
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "composer: render template"), 0)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", resilience.NewTransientError(ErrEmptyMessage, 0)
	}
	return text, nil
}
