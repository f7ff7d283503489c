// Package worker drains the pending event queue.
//
// A Pool runs a fixed number of loops. Each loop is sequential: claim
// one event, process it to finalization, claim again. All coordination
// between loops and between processes happens in the store's claim
// transaction, so pools can be scaled horizontally without any shared
// state beyond the database.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sluice-io/sluice/internal/metrics"
	"github.com/sluice-io/sluice/internal/store"
)

// Claimer hands out pending events. *store.Store implements it.
type Claimer interface {
	ClaimNext(ctx context.Context) (*store.ClaimedEvent, error)
}

// Processor runs one claimed event to finalization. *engine.Engine
// implements it.
type Processor interface {
	Process(ctx context.Context, claimed *store.ClaimedEvent) error
}

// Config sizes a Pool.
type Config struct {
	// Concurrency is the number of claim loops.
	Concurrency int

	// PollInterval is how long an idle loop waits before the next
	// claim attempt. Loops with work in hand re-poll immediately.
	PollInterval time.Duration
}

// Pool is a set of worker loops sharing one engine.
type Pool struct {
	id        string
	claimer   Claimer
	processor Processor
	metrics   *metrics.Metrics
	log       *zap.Logger
	cfg       Config
}

// NewPool creates a Pool. Concurrency below 1 is raised to 1.
func NewPool(claimer Claimer, processor Processor, cfg Config, m *metrics.Metrics, log *zap.Logger) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	id := uuid.NewString()
	return &Pool{
		id:        id,
		claimer:   claimer,
		processor: processor,
		metrics:   m,
		log:       log.With(zap.String("worker_id", id)),
		cfg:       cfg,
	}
}

// Run starts the loops and blocks until ctx is canceled and every
// in-flight event has been finalized.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Duration("poll_interval", p.cfg.PollInterval))

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= p.cfg.Concurrency; i++ {
		loop := i
		g.Go(func() error {
			p.run(gctx, loop)
			return nil
		})
	}
	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}

func (p *Pool) run(ctx context.Context, loop int) {
	log := p.log.With(zap.Int("loop", loop))
	log.Debug("worker loop started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker loop stopped")
			return
		default:
		}

		claimed, err := p.claimer.ClaimNext(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			p.metrics.ClaimPolls.WithLabelValues("error").Inc()
			log.Error("claim failed", zap.Error(err))

		case claimed == nil:
			p.metrics.ClaimPolls.WithLabelValues("empty").Inc()

		default:
			p.metrics.ClaimPolls.WithLabelValues("claimed").Inc()
			// Shutdown must not abandon a claimed event mid-pass: the
			// engine's own budget bounds the detached context.
			if err := p.processor.Process(context.WithoutCancel(ctx), claimed); err != nil {
				log.Error("event processing fault",
					zap.Int64("event_id", claimed.Event.ID),
					zap.Int64("attempt_id", claimed.AttemptID),
					zap.Error(err))
			}
			// There was work; poll again without waiting.
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.PollInterval):
		}
	}
}
