package channel

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/pkg/sms"
)

// SMSSender sends through the global SMS gateway.
type SMSSender struct {
	client sms.Client
	guard  *guard
}

// NewSMSSender creates an SMS sender.
func NewSMSSender(client sms.Client, rps float64, breakers *resilience.BreakerSet) *SMSSender {
	return &SMSSender{client: client, guard: newGuard(model.ChannelSMS, rps, breakers)}
}

// Channel implements Sender.
func (s *SMSSender) Channel() model.Channel { return model.ChannelSMS }

// Send implements Sender.
func (s *SMSSender) Send(ctx context.Context, to model.Recipient, body string) (Delivery, error) {
	if to.Phone == "" {
		return Delivery{}, &SendError{
			Channel: model.ChannelSMS,
			Kind:    KindPermanent,
			Err:     eris.New("recipient has no phone number"),
		}
	}
	return s.guard.run(ctx, func(ctx context.Context) (string, error) {
		resp, err := s.client.Send(ctx, sms.SendRequest{To: to.Phone, Text: body})
		if err != nil {
			return "", err
		}
		return resp.ID, nil
	})
}
