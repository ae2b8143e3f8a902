package events

import (
	"context"
	"errors"
	"time"
)

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type multiPublisher []Publisher

// Multi publishes to every non-nil publisher and joins their errors.
func Multi(pubs ...Publisher) Publisher {
	out := make(multiPublisher, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (m multiPublisher) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopPublisher struct{}

func Nop() Publisher { return nopPublisher{} }

func (nopPublisher) Publish(ctx context.Context, evt Event) error { return nil }

type boundedPublisher struct {
	next    Publisher
	timeout time.Duration
}

// WithTimeout caps every publish on next at timeout. Events are published
// after the ledger has committed, so a slow sink must not hold the caller.
func WithTimeout(next Publisher, timeout time.Duration) Publisher {
	if timeout <= 0 {
		return next
	}
	return boundedPublisher{next: next, timeout: timeout}
}

func (b boundedPublisher) Publish(ctx context.Context, evt Event) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.next.Publish(ctx, evt)
}
