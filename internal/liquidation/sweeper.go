package liquidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lv-futures/internal/events"
	"lv-futures/internal/model"
	"lv-futures/internal/positions"
	"lv-futures/internal/settlement"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval       = 10 * time.Second
	DefaultConcurrency    = 8
	DefaultPublishTimeout = 2 * time.Second
)

// Recorder receives every finished sweep, including skipped and failed ones.
type Recorder interface {
	RecordSweep(rep Report, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordSweep(Report, error) {}

type Options struct {
	Interval    time.Duration
	Concurrency int
	// PublishTimeout bounds the event publish after a committed
	// liquidation so a stalled broker cannot hold a worker slot.
	PublishTimeout time.Duration
	Recorder       Recorder
}

// Failure is a position the sweep could not evaluate or settle.
type Failure struct {
	PositionID string `json:"position_id"`
	Error      string `json:"error"`
}

type Report struct {
	Price       decimal.Decimal `json:"price"`
	Checked     int             `json:"checked"`
	Liquidated  []string        `json:"liquidated"`
	Raced       int             `json:"raced"`
	Quarantined int             `json:"quarantined"`
	Failures    []Failure       `json:"failures"`
	StartedAt   time.Time       `json:"started_at"`
	Duration    time.Duration   `json:"duration"`
}

// Sweeper liquidates RUNNING positions whose leveraged loss has used up
// their margin.
type Sweeper struct {
	ledger    positions.Ledger
	prices    positions.PriceSource
	publisher events.Publisher
	log       *zap.Logger
	opts      Options

	mu   sync.Mutex
	last *Report
	// quarantine maps a position id to the fingerprint of the data that
	// failed validation.
	quarantine map[string]string
}

func NewSweeper(ledger positions.Ledger, prices positions.PriceSource, publisher events.Publisher, opts Options, log *zap.Logger) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if publisher == nil {
		publisher = events.Nop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		ledger:     ledger,
		prices:     prices,
		publisher:  publisher,
		log:        log,
		opts:       opts,
		quarantine: make(map[string]string),
	}
}

func fingerprint(p model.Position) string {
	return fmt.Sprintf("%s|%s|%s|%d", p.Direction, p.EntryPrice, p.Margin, p.Leverage)
}

// Sweep evaluates every RUNNING position against one price snapshot. A
// price outage skips the whole pass without touching any position.
func (s *Sweeper) Sweep(ctx context.Context) (rep Report, err error) {
	rep = Report{StartedAt: time.Now().UTC(), Liquidated: []string{}, Failures: []Failure{}}
	defer func() {
		rep.Duration = time.Since(rep.StartedAt)
		s.opts.Recorder.RecordSweep(rep, err)
	}()

	open, err := s.ledger.ListOpen(ctx, "")
	if err != nil {
		return rep, fmt.Errorf("list running positions: %w", err)
	}
	if len(open) == 0 {
		return rep, nil
	}
	price, err := s.prices.EffectivePrice(ctx)
	if err != nil {
		s.log.Warn("liquidation sweep skipped", zap.Int("running", len(open)), zap.Error(err))
		return rep, err
	}
	rep.Price = price

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, p := range open {
		if s.quarantined(p) {
			mu.Lock()
			rep.Quarantined++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			liquidated, err := s.check(ctx, p, price)
			mu.Lock()
			defer mu.Unlock()
			rep.Checked++
			switch {
			case err == nil:
				if liquidated {
					rep.Liquidated = append(rep.Liquidated, p.ID)
				}
			case errors.Is(err, settlement.ErrAlreadySettled):
				rep.Raced++
			case errors.Is(err, settlement.ErrInvalidPosition):
				rep.Quarantined++
			default:
				rep.Failures = append(rep.Failures, Failure{PositionID: p.ID, Error: err.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()
	s.prune(open)

	s.mu.Lock()
	snapshot := rep
	snapshot.Duration = time.Since(rep.StartedAt)
	s.last = &snapshot
	s.mu.Unlock()

	s.log.Info("liquidation sweep finished",
		zap.Stringer("price", price),
		zap.Int("checked", rep.Checked),
		zap.Int("liquidated", len(rep.Liquidated)),
		zap.Int("raced", rep.Raced),
		zap.Int("quarantined", rep.Quarantined),
		zap.Int("failed", len(rep.Failures)),
	)
	return rep, nil
}

// LastReport returns the most recent completed sweep, if any.
func (s *Sweeper) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

func (s *Sweeper) check(ctx context.Context, p model.Position, price decimal.Decimal) (bool, error) {
	ev, err := settlement.Evaluate(p, price)
	if err != nil {
		if errors.Is(err, settlement.ErrInvalidPosition) {
			s.quarantineAdd(p, err)
		}
		return false, err
	}
	out, ok := settlement.LiquidationOutcome(ev)
	if !ok {
		return false, nil
	}
	settled, err := s.ledger.ApplySettlement(ctx, p.ID, out)
	if err != nil {
		if !errors.Is(err, settlement.ErrAlreadySettled) {
			s.log.Error("liquidation failed", zap.String("position_id", p.ID), zap.Error(err))
		}
		return false, err
	}
	s.log.Info("position liquidated",
		zap.String("position_id", settled.ID),
		zap.String("user_id", settled.UserID),
		zap.Stringer("entry_price", ev.EntryPrice),
		zap.Stringer("exit_price", out.ExitPrice),
		zap.Stringer("movement_pct", ev.MovementPct),
		zap.Stringer("loss", settled.Margin),
	)
	pubCtx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, events.Event{Type: events.TypePositionLiquidated, UserID: settled.UserID, Data: settled}); err != nil {
		s.log.Warn("publish liquidation event", zap.String("position_id", settled.ID), zap.Error(err))
	}
	return true, nil
}

func (s *Sweeper) quarantined(p model.Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.quarantine[p.ID]
	if !ok {
		return false
	}
	if fp == fingerprint(p) {
		return true
	}
	delete(s.quarantine, p.ID)
	return false
}

func (s *Sweeper) quarantineAdd(p model.Position, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantine[p.ID] = fingerprint(p)
	s.log.Error("position quarantined", zap.String("position_id", p.ID), zap.Error(err))
}

// prune forgets quarantined positions that are no longer RUNNING.
func (s *Sweeper) prune(open []model.Position) {
	live := make(map[string]struct{}, len(open))
	for _, p := range open {
		live[p.ID] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.quarantine {
		if _, ok := live[id]; !ok {
			delete(s.quarantine, id)
		}
	}
}

// Run sweeps on the configured interval until ctx is cancelled. After a
// failed pass the next one is brought forward by a jittered backoff,
// never later than the regular interval.
func (s *Sweeper) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = s.opts.Interval
	bo.RandomizationFactor = 0.5

	timer := time.NewTimer(s.opts.Interval)
	defer timer.Stop()
	s.log.Info("liquidation sweeper started", zap.Duration("interval", s.opts.Interval), zap.Int("concurrency", s.opts.Concurrency))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("liquidation sweeper stopped")
			return
		case <-timer.C:
		}
		next := s.opts.Interval
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			if wait := bo.NextBackOff(); wait > 0 && wait < next {
				next = wait
			}
			s.log.Warn("liquidation sweep failed", zap.Duration("retry_in", next), zap.Error(err))
		} else {
			bo.Reset()
		}
		timer.Reset(next)
	}
}
