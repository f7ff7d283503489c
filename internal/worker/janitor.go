package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sluice-io/sluice/internal/metrics"
	"github.com/sluice-io/sluice/internal/store"
)

// Recoverer returns stuck events to the queue. *store.Store
// implements it.
type Recoverer interface {
	RecoverStuck(ctx context.Context, olderThan time.Duration) ([]store.Event, error)
}

// JanitorConfig schedules the stuck-event sweep.
type JanitorConfig struct {
	// Schedule is a five-field cron expression.
	Schedule string

	// OlderThan is the lease age past which a processing event counts
	// as stuck.
	OlderThan time.Duration
}

// sweepTimeout bounds one recovery pass.
const sweepTimeout = time.Minute

// Janitor periodically requeues events whose worker died between
// claim and finalize. It is the scheduled counterpart of the
// requeue-stuck endpoint; both call the same store procedure.
type Janitor struct {
	cron      *cron.Cron
	recoverer Recoverer
	olderThan time.Duration
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewJanitor validates the schedule and registers the sweep.
func NewJanitor(rec Recoverer, cfg JanitorConfig, m *metrics.Metrics, log *zap.Logger) (*Janitor, error) {
	j := &Janitor{
		cron:      cron.New(),
		recoverer: rec,
		olderThan: cfg.OlderThan,
		metrics:   m,
		log:       log,
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, j.sweep); err != nil {
		return nil, fmt.Errorf("invalid recovery schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

// Run starts the schedule and blocks until ctx is canceled and any
// running sweep has finished.
func (j *Janitor) Run(ctx context.Context) error {
	j.log.Info("recovery janitor started", zap.Duration("older_than", j.olderThan))
	j.cron.Start()
	<-ctx.Done()
	<-j.cron.Stop().Done()
	j.log.Info("recovery janitor stopped")
	return nil
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	events, err := j.recoverer.RecoverStuck(ctx, j.olderThan)
	if err != nil {
		j.log.Error("stuck event recovery failed", zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}
	j.metrics.EventsRecovered.Add(float64(len(events)))
	j.log.Warn("stuck events recovered",
		zap.Int("count", len(events)),
		zap.Duration("older_than", j.olderThan))
}
