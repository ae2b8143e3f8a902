package pricefeed

import (
	"context"
	"time"

	"lv-futures/internal/events"

	"go.uber.org/zap"
)

const DefaultQuoteInterval = 2 * time.Second

type QuoteSource interface {
	Quote(ctx context.Context) (Quote, error)
}

// QuoteSink is the bus the quotes are fanned out on.
type QuoteSink interface {
	events.Publisher
	Subscribers() int
}

// RunQuotePublisher fetches one quote per tick and publishes it to sink,
// so connected clients share a single upstream request. Ticks with no
// subscribers skip the fetch. It returns when ctx is cancelled.
func RunQuotePublisher(ctx context.Context, quotes QuoteSource, sink QuoteSink, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = DefaultQuoteInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if sink.Subscribers() == 0 {
			continue
		}
		qctx, cancel := context.WithTimeout(ctx, interval)
		q, err := quotes.Quote(qctx)
		cancel()
		if err != nil {
			log.Debug("quote unavailable", zap.Error(err))
			continue
		}
		if err := sink.Publish(ctx, events.Event{Type: events.TypeQuote, Data: q}); err != nil {
			log.Warn("publish quote", zap.Error(err))
		}
	}
}
