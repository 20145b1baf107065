// Package worker defines the interface the pool supervisor uses to turn a
// spawned child into a running job processor, plus a minimal default
// implementation for hosts that have not wired in a real job backend.
//
// Per the design note in spec.md §9, the original dynamically instantiates
// a named worker class per queue list; here that becomes a Factory that
// the supervisor is constructed with.
package worker

import (
	"context"
	"time"
)

// Worker runs the per-child polling body. Work must return only when ctx
// is cancelled or the worker decides to exit on its own; the supervisor
// never interrupts it by any means other than the signals it was spawned
// to accept (a worker observes those itself, e.g. via signal.Notify in
// its own implementation, since it runs with default dispositions after
// the supervisor releases its handlers in the child).
type Worker interface {
	Work(ctx context.Context, interval time.Duration)
}

// Factory constructs a Worker bound to a specific, ordered queue list —
// the comma-split form of a queue-combination key. Queue order is
// significant: it is the polling priority order handed to the worker.
type Factory interface {
	New(queues []string) Worker
}

// Job is the minimal unit a Dequeuer hands back. Payload is opaque to
// this package; a real job backend defines its own richer type and
// Dequeuer implementation.
type Job struct {
	Queue   string
	Payload []byte
}

// Dequeuer abstracts the external queue backend a real deployment would
// connect to. The default PollFactory worker polls it in queue-priority
// order; this package deliberately does not implement a real one, per
// the no-backend-connection non-goal.
type Dequeuer interface {
	// Dequeue attempts to pop one job from queue without blocking. It
	// returns ok=false when the queue was empty.
	Dequeue(ctx context.Context, queue string) (job Job, ok bool, err error)
}

// Handler processes a dequeued job. Errors are the caller's concern to
// log; PollFactory's worker does not retry.
type Handler func(ctx context.Context, job Job) error

// PollFactory is the supplied default Factory: each Worker it builds
// polls its queues in priority order via the given Dequeuer and Handler,
// sleeping interval between empty sweeps of the full queue list.
type PollFactory struct {
	Dequeuer Dequeuer
	Handler  Handler
}

// New implements Factory.
func (f PollFactory) New(queues []string) Worker {
	return &pollWorker{
		queues:   append([]string(nil), queues...),
		dequeuer: f.Dequeuer,
		handler:  f.Handler,
	}
}

type pollWorker struct {
	queues   []string
	dequeuer Dequeuer
	handler  Handler
}

// Work implements Worker: it sweeps queues in priority order, processing
// at most one job per sweep per queue, and sleeps interval only after a
// sweep found nothing to do.
func (w *pollWorker) Work(ctx context.Context, interval time.Duration) {
	if w.dequeuer == nil {
		// No backend wired: block until cancelled, mirroring a
		// worker whose queue list is non-empty but unreachable.
		<-ctx.Done()
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		found := false
		for _, q := range w.queues {
			if ctx.Err() != nil {
				return
			}
			job, ok, err := w.dequeuer.Dequeue(ctx, q)
			if err != nil || !ok {
				continue
			}
			found = true
			if w.handler != nil {
				w.handler(ctx, job)
			}
		}

		if !found {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}
}
