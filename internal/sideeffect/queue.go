// Package sideeffect runs best-effort post-commit work (push notification
// fan-out, external tracker mirroring) on a bounded queue with worker
// retries. Effects never block or fail the request that enqueued them.
package sideeffect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crossbus/crossbus/common/retry"
)

// Effect kinds.
const (
	KindPushNotify    = "push_notify"
	KindTrackerMirror = "tracker_mirror"
)

// DefaultQueueDepth bounds the in-flight effect backlog. Enqueue drops with
// a warning once the queue is full.
const DefaultQueueDepth = 256

// Effect is one unit of deferred work.
type Effect struct {
	Kind     string
	TenantID string
	Subject  string
	Payload  map[string]string
}

// Sink delivers effects of one kind to the outside world.
type Sink interface {
	Deliver(ctx context.Context, e Effect) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e Effect) error

func (f SinkFunc) Deliver(ctx context.Context, e Effect) error { return f(ctx, e) }

// NoopSink discards effects. Used when no external integration is configured.
var NoopSink = SinkFunc(func(context.Context, Effect) error { return nil })

// Queue is the bounded effect queue with a worker pool.
type Queue struct {
	ch    chan Effect
	sinks map[string]Sink
	retry retry.Config

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// NewQueue creates a queue delivering each effect kind to its sink. Kinds
// without a sink are discarded. workers and depth fall back to defaults when
// non-positive.
func NewQueue(sinks map[string]Sink, workers, depth int) *Queue {
	if workers <= 0 {
		workers = 2
	}
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if sinks == nil {
		sinks = map[string]Sink{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		ch:     make(chan Effect, depth),
		sinks:  sinks,
		cancel: cancel,
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
	return q
}

// Enqueue submits an effect. It never blocks; on a full queue the effect is
// dropped and logged.
func (q *Queue) Enqueue(e Effect) {
	select {
	case q.ch <- e:
	default:
		slog.Warn("sideeffect: queue full, dropping effect",
			"kind", e.Kind, "tenant", e.TenantID, "subject", e.Subject)
	}
}

// Stop drains the queue and waits for in-flight deliveries.
func (q *Queue) Stop() {
	q.once.Do(func() {
		close(q.ch)
		q.wg.Wait()
		q.cancel()
	})
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for e := range q.ch {
		sink, ok := q.sinks[e.Kind]
		if !ok {
			continue
		}
		err := retry.Do(ctx, q.retry, func() error {
			return sink.Deliver(ctx, e)
		})
		if err != nil {
			slog.Warn("sideeffect: delivery failed",
				"kind", e.Kind, "tenant", e.TenantID, "subject", e.Subject, "err", err)
		}
	}
}
