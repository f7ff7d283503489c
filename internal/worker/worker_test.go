package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sluice-io/sluice/internal/metrics"
	"github.com/sluice-io/sluice/internal/store"
)

type stubClaimer struct {
	mu      sync.Mutex
	queue   []*store.ClaimedEvent
	errOnce error
}

func (c *stubClaimer) ClaimNext(ctx context.Context) (*store.ClaimedEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errOnce != nil {
		err := c.errOnce
		c.errOnce = nil
		return nil, err
	}
	if len(c.queue) == 0 {
		return nil, nil
	}
	ev := c.queue[0]
	c.queue = c.queue[1:]
	return ev, nil
}

type stubProcessor struct {
	mu        sync.Mutex
	processed []int64
	want      int
	done      chan struct{}
	err       error
}

func newStubProcessor(want int) *stubProcessor {
	return &stubProcessor{want: want, done: make(chan struct{})}
}

func (p *stubProcessor) Process(ctx context.Context, claimed *store.ClaimedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed = append(p.processed, claimed.Event.ID)
	if len(p.processed) == p.want {
		close(p.done)
	}
	return p.err
}

func claimed(id int64) *store.ClaimedEvent {
	return &store.ClaimedEvent{
		Event: store.Event{
			ID:      id,
			Type:    "order.created",
			Payload: types.JSONText(`{}`),
			State:   store.StateProcessing,
		},
		AttemptID: id + 100,
		StartedAt: time.Now(),
	}
}

func TestPoolDrainsQueueAcrossLoops(t *testing.T) {
	claimer := &stubClaimer{queue: []*store.ClaimedEvent{claimed(1), claimed(2), claimed(3)}}
	processor := newStubProcessor(3)
	m := metrics.New()
	pool := NewPool(claimer, processor, Config{Concurrency: 2, PollInterval: 2 * time.Millisecond}, m, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- pool.Run(ctx) }()

	select {
	case <-processor.done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue was not drained in time")
	}
	cancel()
	require.NoError(t, <-result)

	assert.ElementsMatch(t, []int64{1, 2, 3}, processor.processed)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ClaimPolls.WithLabelValues("claimed")))
}

func TestPoolContinuesAfterClaimError(t *testing.T) {
	claimer := &stubClaimer{
		errOnce: errors.New("connection reset"),
		queue:   []*store.ClaimedEvent{claimed(5)},
	}
	processor := newStubProcessor(1)
	m := metrics.New()
	pool := NewPool(claimer, processor, Config{Concurrency: 1, PollInterval: 2 * time.Millisecond}, m, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- pool.Run(ctx) }()

	select {
	case <-processor.done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not processed after claim error")
	}
	cancel()
	require.NoError(t, <-result)

	assert.Equal(t, []int64{5}, processor.processed)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ClaimPolls.WithLabelValues("error")))
}

func TestPoolKeepsPollingAfterProcessorFault(t *testing.T) {
	claimer := &stubClaimer{queue: []*store.ClaimedEvent{claimed(1), claimed(2)}}
	processor := newStubProcessor(2)
	processor.err = errors.New("finalize failed")
	m := metrics.New()
	pool := NewPool(claimer, processor, Config{Concurrency: 1, PollInterval: 2 * time.Millisecond}, m, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- pool.Run(ctx) }()

	select {
	case <-processor.done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool stopped after processor fault")
	}
	cancel()
	require.NoError(t, <-result)
	assert.Equal(t, []int64{1, 2}, processor.processed)
}

func TestPoolStopsPromptlyWhenIdle(t *testing.T) {
	claimer := &stubClaimer{}
	processor := newStubProcessor(1)
	pool := NewPool(claimer, processor, Config{Concurrency: 4, PollInterval: time.Hour}, metrics.New(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- pool.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop on cancel")
	}
	assert.Empty(t, processor.processed)
}
