package worker

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeDequeuer struct {
	mu    sync.Mutex
	jobs  map[string][]Job
	calls int
}

func (f *fakeDequeuer) Dequeue(ctx context.Context, queue string) (Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	q := f.jobs[queue]
	if len(q) == 0 {
		return Job{}, false, nil
	}
	job := q[0]
	f.jobs[queue] = q[1:]
	return job, true, nil
}

func TestPollWorkerProcessesInQueuePriorityOrder(t *testing.T) {
	fd := &fakeDequeuer{jobs: map[string][]Job{
		"high": {{Queue: "high", Payload: []byte("a")}},
		"low":  {{Queue: "low", Payload: []byte("b")}},
	}}

	var mu sync.Mutex
	var order []string
	handler := func(ctx context.Context, j Job) error {
		mu.Lock()
		order = append(order, j.Queue)
		mu.Unlock()
		return nil
	}

	f := PollFactory{Dequeuer: fd, Handler: handler}
	w := f.New([]string{"high", "low"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	w.Work(ctx, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "high" || order[1] != "low" {
		t.Fatalf("expected [high low], got %v", order)
	}
}

func TestPollWorkerWithoutDequeuerBlocksUntilCancel(t *testing.T) {
	f := PollFactory{}
	w := f.New([]string{"any"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Work(ctx, time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Work returned before cancellation")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Work did not return after cancellation")
	}
}

func TestPollWorkerRespectsQueueOrderIdentity(t *testing.T) {
	f := PollFactory{}
	w1 := f.New([]string{"a", "b"}).(*pollWorker)
	w2 := f.New([]string{"b", "a"}).(*pollWorker)

	if len(w1.queues) != 2 || w1.queues[0] != "a" || w1.queues[1] != "b" {
		t.Fatalf("unexpected queues for w1: %v", w1.queues)
	}
	if len(w2.queues) != 2 || w2.queues[0] != "b" || w2.queues[1] != "a" {
		t.Fatalf("unexpected queues for w2: %v", w2.queues)
	}
}
