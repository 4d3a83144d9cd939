package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-dispatch/internal/logging"
	"github.com/withObsrvr/obsrvr-dispatch/internal/metrics"
)

// Handle attempts one item and reports whether it should be retried on a
// later pass.
type Handle[T any] func(ctx context.Context, item T) (retry bool)

// Actor drains its queue on a fixed delay. Items that ask for a retry are put
// back once the pass is over, so a failing item is attempted at most once per
// pass.
type Actor[T any] struct {
	name   string
	queue  *Queue[T]
	handle Handle[T]
	log    *slog.Logger
}

// NewActor creates an actor over a fresh queue.
func NewActor[T any](name string, handle Handle[T]) *Actor[T] {
	return &Actor[T]{
		name:   name,
		queue:  NewQueue[T](),
		handle: handle,
		log:    logging.Component(name),
	}
}

// Enqueue schedules items for the next pass.
func (a *Actor[T]) Enqueue(items ...T) {
	a.queue.Add(items...)
	a.reportDepth()
}

// Len returns the queue depth.
func (a *Actor[T]) Len() int {
	return a.queue.Len()
}

// Pass drains the queue once and returns the number of items put back.
func (a *Actor[T]) Pass(ctx context.Context) int {
	items := a.queue.Drain()

	var again []T
	for i, item := range items {
		if ctx.Err() != nil {
			again = append(again, items[i:]...)
			break
		}
		if a.handle(ctx, item) {
			again = append(again, item)
		}
	}

	if len(again) > 0 {
		a.queue.Add(again...)
		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts(a.name)
		}
	}
	a.reportDepth()
	return len(again)
}

// Run executes passes until ctx is cancelled, waiting interval after each.
func (a *Actor[T]) Run(ctx context.Context, interval time.Duration) error {
	a.log.Info("actor started", "interval", interval)
	for {
		a.Pass(ctx)

		select {
		case <-ctx.Done():
			a.log.Info("actor stopped", "pending", a.queue.Len())
			return nil
		case <-time.After(interval):
		}
	}
}

func (a *Actor[T]) reportDepth() {
	if m := metrics.Get(); m != nil {
		m.SetActorQueueDepth(a.name, float64(a.queue.Len()))
	}
}
