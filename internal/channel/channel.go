// Package channel implements the message transports behind a uniform send
// contract. Callers resolve a Sender from a Registry and never special-case
// a channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
)

// Sender delivers one message body to one recipient.
type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, to model.Recipient, body string) (Delivery, error)
}

// InstanceSender is implemented by senders that route through a named
// provider instance chosen per campaign.
type InstanceSender interface {
	Sender
	ForInstance(instance string) Sender
}

// Delivery is the provider's acknowledgement of an accepted message.
type Delivery struct {
	Channel           model.Channel
	ProviderMessageID string
}

// ErrorKind classifies a send failure for retry decisions.
type ErrorKind string

const (
	// KindTransient failures are retried with backoff.
	KindTransient ErrorKind = "transient"
	// KindPermanent failures skip retries and go straight to fallback channels.
	KindPermanent ErrorKind = "permanent"
)

// SendError is returned by every Sender.
type SendError struct {
	Channel model.Channel
	Kind    ErrorKind
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send failed (%s): %v", e.Channel, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying the same channel is pointless.
func (e *SendError) Permanent() bool {
	return e.Kind == KindPermanent
}

// Classify wraps err as a SendError. Errors marked permanent by the transport
// stay permanent; everything else, including unknown errors, is transient.
func Classify(ch model.Channel, err error) error {
	if err == nil {
		return nil
	}
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	kind := KindTransient
	if resilience.IsPermanent(err) {
		kind = KindPermanent
	}
	return &SendError{Channel: ch, Kind: kind, Err: err}
}

// IsPermanent reports whether err is a permanent SendError.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent()
}

// ErrNoSender is returned when no sender is registered for a channel.
var ErrNoSender = eris.New("channel: no sender registered")

// Registry maps channel names to senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[model.Channel]Sender
}

// NewRegistry creates a registry holding the given senders.
func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[model.Channel]Sender)}
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the sender for its channel.
func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Channel()] = s
}

// Resolve returns the sender for ch. Instance-routed senders are bound to
// instance when it is non-empty.
func (r *Registry) Resolve(ch model.Channel, instance string) (Sender, error) {
	r.mu.RLock()
	s, ok := r.senders[ch]
	r.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrNoSender, "channel %q", ch)
	}
	if is, ok := s.(InstanceSender); ok && instance != "" {
		return is.ForInstance(instance), nil
	}
	return s, nil
}

// Channels lists the registered channels.
func (r *Registry) Channels() []model.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	return out
}

// guard throttles and circuit-breaks provider calls for one channel. Senders
// bound to different instances share it.
type guard struct {
	channel model.Channel
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

func newGuard(ch model.Channel, rps float64, breakers *resilience.BreakerSet) *guard {
	g := &guard{channel: ch}
	if rps > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
	}
	if breakers != nil {
		g.breaker = breakers.Get(string(ch))
	}
	return g
}

// run waits for the limiter, executes fn under the breaker and classifies
// the result.
func (g *guard) run(ctx context.Context, fn func(ctx context.Context) (string, error)) (Delivery, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Delivery{}, &SendError{Channel: g.channel, Kind: KindTransient, Err: eris.Wrap(err, "rate limit")}
		}
	}

	var (
		id  string
		err error
	)
	if g.breaker != nil {
		id, err = resilience.ExecuteVal(ctx, g.breaker, fn)
	} else {
		id, err = fn(ctx)
	}
	if err != nil {
		return Delivery{}, Classify(g.channel, err)
	}
	return Delivery{Channel: g.channel, ProviderMessageID: id}, nil
}
