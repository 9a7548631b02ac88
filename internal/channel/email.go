package channel

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/wneessen/go-mail"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
)

// Mailer delivers prepared messages. *mail.Client satisfies it.
type Mailer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// EmailConfig is the global SMTP configuration.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
}

// NewSMTPMailer builds a go-mail client with opportunistic TLS.
func NewSMTPMailer(cfg EmailConfig) (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "channel: smtp client")
	}
	return c, nil
}

// EmailSender sends plain-text email through SMTP.
type EmailSender struct {
	mailer  Mailer
	from    string
	subject string
	guard   *guard
}

// NewEmailSender creates an email sender.
func NewEmailSender(mailer Mailer, cfg EmailConfig, rps float64, breakers *resilience.BreakerSet) *EmailSender {
	return &EmailSender{
		mailer:  mailer,
		from:    cfg.From,
		subject: cfg.Subject,
		guard:   newGuard(model.ChannelEmail, rps, breakers),
	}
}

// Channel implements Sender.
func (s *EmailSender) Channel() model.Channel { return model.ChannelEmail }

// Send implements Sender.
func (s *EmailSender) Send(ctx context.Context, to model.Recipient, body string) (Delivery, error) {
	msg, err := s.build(to, body)
	if err != nil {
		return Delivery{}, &SendError{Channel: model.ChannelEmail, Kind: KindPermanent, Err: err}
	}
	return s.guard.run(ctx, func(ctx context.Context) (string, error) {
		if err := s.mailer.DialAndSendWithContext(ctx, msg); err != nil {
			return "", classifySMTP(err)
		}
		ids := msg.GetGenHeader(mail.HeaderMessageID)
		if len(ids) == 0 {
			return "", nil
		}
		return strings.Trim(ids[0], "<>"), nil
	})
}

func (s *EmailSender) build(to model.Recipient, body string) (*mail.Msg, error) {
	if to.Email == "" {
		return nil, eris.New("recipient has no email address")
	}
	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return nil, eris.Wrap(err, "from address")
	}
	if to.Name != "" {
		if err := msg.AddToFormat(to.Name, to.Email); err != nil {
			return nil, eris.Wrap(err, "to address")
		}
	} else if err := msg.To(to.Email); err != nil {
		return nil, eris.Wrap(err, "to address")
	}
	msg.Subject(s.subject)
	msg.SetMessageID()
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

// classifySMTP marks 5xx SMTP replies (unknown mailbox, policy rejection) as
// permanent. Temporary replies and connection failures stay transient.
func classifySMTP(err error) error {
	var se *mail.SendError
	if errors.As(err, &se) && !se.IsTemp() {
		return resilience.NewPermanentError(err, 0)
	}
	return resilience.NewTransientError(err, 0)
}
