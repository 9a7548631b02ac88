package channel

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/pkg/whatsapp"
)

// WhatsAppSender sends through a WhatsApp gateway instance.
type WhatsAppSender struct {
	client   whatsapp.Client
	instance string
	guard    *guard
}

// NewWhatsAppSender creates a sender bound to defaultInstance. Campaigns
// select their own instance through ForInstance.
func NewWhatsAppSender(client whatsapp.Client, defaultInstance string, rps float64, breakers *resilience.BreakerSet) *WhatsAppSender {
	return &WhatsAppSender{
		client:   client,
		instance: defaultInstance,
		guard:    newGuard(model.ChannelWhatsApp, rps, breakers),
	}
}

// Channel implements Sender.
func (s *WhatsAppSender) Channel() model.Channel { return model.ChannelWhatsApp }

// ForInstance returns a sender bound to instance sharing this sender's
// limiter and breaker.
func (s *WhatsAppSender) ForInstance(instance string) Sender {
	return &WhatsAppSender{client: s.client, instance: instance, guard: s.guard}
}

// Send implements Sender.
func (s *WhatsAppSender) Send(ctx context.Context, to model.Recipient, body string) (Delivery, error) {
	if to.Phone == "" {
		return Delivery{}, &SendError{
			Channel: model.ChannelWhatsApp,
			Kind:    KindPermanent,
			Err:     eris.New("recipient has no phone number"),
		}
	}
	return s.guard.run(ctx, func(ctx context.Context) (string, error) {
		resp, err := s.client.SendText(ctx, s.instance, whatsapp.SendTextRequest{
			Number: to.Phone,
			Text:   body,
		})
		if err != nil {
			return "", err
		}
		return resp.Key.ID, nil
	})
}
