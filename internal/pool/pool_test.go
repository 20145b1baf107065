package pool

import (
	"bytes"
	"context"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/resquepool/poold/internal/config"
	"github.com/resquepool/poold/internal/logger"
	"github.com/resquepool/poold/internal/platform"
	"github.com/resquepool/poold/internal/worker"
)

// instantWorker returns from Work immediately, so runChild can be
// exercised directly in a test without forking and without blocking
// forever the way PollFactory{} (no Dequeuer) would.
type instantWorker struct{}

func (instantWorker) Work(ctx context.Context, interval time.Duration) {}

type instantFactory struct{}

func (instantFactory) New(queues []string) worker.Worker { return instantWorker{} }

func newTestPool(t *testing.T, desired map[string]int, opts ...Option) (*Pool, *platform.FakePlatform) {
	t.Helper()
	fp := platform.NewFake()
	cfg := config.New(config.WithDesiredCounts(desired))
	log := logger.New(logger.Config{Level: logger.LevelDebug, Output: &bytes.Buffer{}})
	p := New(fp, cfg, log, worker.PollFactory{}, "testapp", opts...)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p, fp
}

func sortedInts(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	return out
}

func TestSpawnToTarget(t *testing.T) {
	p, fp := newTestPool(t, map[string]int{"foo": 3})

	pids := p.census.firstN("foo", p.census.liveCount("foo"))
	if len(pids) != 3 {
		t.Fatalf("expected 3 live pids for foo, got %v", pids)
	}
	if fp.ForkCount != 3 {
		t.Fatalf("expected 3 forks, got %d", fp.ForkCount)
	}
}

func TestDownsize(t *testing.T) {
	p, fp := newTestPool(t, map[string]int{"foo": 3})
	pids := sortedInts(p.census.firstN("foo", 3))

	*p.cfg = *config.New(config.WithDesiredCounts(map[string]int{"foo": 1}))
	p.MaintainWorkerCount()

	if len(fp.SignalCalls) == 0 {
		t.Fatal("expected a graceful-quit signal to be sent")
	}
	last := fp.SignalCalls[len(fp.SignalCalls)-1]
	got := sortedInts(last.Pids)
	want := pids[:2]
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected graceful-quit to the two oldest pids %v, got %v", want, got)
	}

	if p.census.liveCount("foo") != 3 {
		t.Fatal("census must be unchanged until the signaled pids are reaped")
	}

	fp.Reap(last.Pids[0], 0)
	fp.Reap(last.Pids[1], 0)
	p.ReapAllWorkers(false)

	if p.census.liveCount("foo") != 1 {
		t.Fatalf("expected 1 live pid for foo after reap, got %d", p.census.liveCount("foo"))
	}
}

func TestHangupReload(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/resque-pool.toml"
	if err := os.WriteFile(path, []byte("foo = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fp := platform.NewFake()
	cfg := config.New(config.WithFilePath(path))
	log := logger.New(logger.Config{Level: logger.LevelDebug, Output: &bytes.Buffer{}})
	p := New(fp, cfg, log, worker.PollFactory{}, "testapp")
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	oldFooPids := sortedInts(p.census.firstN("foo", 2))

	if err := os.WriteFile(path, []byte("foo = 2\nbar = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p.handleHangup()

	if len(fp.SignalCalls) == 0 {
		t.Fatal("expected graceful-quit sent to existing foo workers")
	}
	signaled := sortedInts(fp.SignalCalls[0].Pids)
	if len(signaled) != 2 || signaled[0] != oldFooPids[0] || signaled[1] != oldFooPids[1] {
		t.Fatalf("expected old foo pids %v signaled, got %v", oldFooPids, signaled)
	}

	if p.census.liveCount("bar") != 1 {
		t.Fatalf("expected 1 live pid for bar after reload reconciliation, got %d", p.census.liveCount("bar"))
	}
	if p.census.liveCount("foo") != 2 {
		t.Fatal("new foo workers should have been spawned alongside the still-draining old ones")
	}
	if p.census.totalCount("foo") != 4 {
		t.Fatalf("expected 4 total foo pids right after reload (2 draining old + 2 fresh), got %d", p.census.totalCount("foo"))
	}

	for _, pid := range signaled {
		fp.Reap(pid, 0)
	}
	p.ReapAllWorkers(false)
	if p.census.liveCount("foo") != 2 {
		t.Fatalf("expected 2 live foo workers (the fresh ones) after reaping the old pair, got %d", p.census.liveCount("foo"))
	}
	if p.census.totalCount("foo") != 2 {
		t.Fatalf("expected 2 total foo pids after reaping the draining pair, got %d", p.census.totalCount("foo"))
	}
}

func TestWindowChangeDrain(t *testing.T) {
	p, fp := newTestPool(t, map[string]int{"foo": 2}, WithHandleWinch(true))
	pids := sortedInts(p.census.firstN("foo", 2))

	p.handleWindowChange()

	if len(fp.SignalCalls) == 0 {
		t.Fatal("expected graceful-quit sent on window-change")
	}
	got := sortedInts(fp.SignalCalls[len(fp.SignalCalls)-1].Pids)
	if len(got) != 2 || got[0] != pids[0] || got[1] != pids[1] {
		t.Fatalf("expected both pids signaled, got %v", got)
	}

	for _, pid := range pids {
		fp.Reap(pid, 0)
	}
	p.ReapAllWorkers(false)

	if p.census.liveCount("foo") != 0 {
		t.Fatal("expected empty census after drain and reap")
	}
	if p.cfg.WorkerCount("foo") != 0 {
		t.Fatal("expected desired count to be zero after window-change")
	}
}

func TestWindowChangeIgnoredWhenNotHandled(t *testing.T) {
	p, fp := newTestPool(t, map[string]int{"foo": 2})
	before := len(fp.SignalCalls)

	p.handleWindowChange()

	if len(fp.SignalCalls) != before {
		t.Fatal("expected window-change to be a no-op when handleWinch is false")
	}
}

func TestTerminateGracefulAndWait(t *testing.T) {
	p, fp := newTestPool(t, map[string]int{"foo": 2}, WithTerminateMode(TerminateGracefulWait))
	pids := p.census.allPids()

	done := make(chan bool, 1)
	go func() {
		done <- p.handleTerminate()
	}()

	// handleTerminate calls ReapAllWorkers(true), which blocks until
	// every pid is reaped; simulate the kernel by reaping them now.
	for _, pid := range pids {
		fp.Reap(pid, 0)
	}

	if terminate := <-done; !terminate {
		t.Fatal("expected handleTerminate to signal loop exit")
	}

	if len(p.census.allPids()) != 0 {
		t.Fatal("expected empty census after graceful-and-wait terminate")
	}
	if !fp.QuitOnExit {
		t.Fatal("expected SetQuitOnExitSignal(true) after graceful-and-wait terminate")
	}
}

func TestConfigOverlayScenario(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/resque-pool.toml"
	body := "a = 1\nb = 2\n\n[prod]\na = 10\nc = 3\n\n[dev]\na = 2\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfgProd := config.New(config.WithFilePath(path), config.WithEnv("prod"))
	if err := cfgProd.Initialize(nil); err != nil {
		t.Fatal(err)
	}
	if cfgProd.WorkerCount("a") != 10 || cfgProd.WorkerCount("b") != 2 || cfgProd.WorkerCount("c") != 3 {
		t.Fatalf("unexpected prod overlay: a=%d b=%d c=%d", cfgProd.WorkerCount("a"), cfgProd.WorkerCount("b"), cfgProd.WorkerCount("c"))
	}

	cfgPlain := config.New(config.WithFilePath(path))
	if err := cfgPlain.Initialize(nil); err != nil {
		t.Fatal(err)
	}
	if cfgPlain.WorkerCount("a") != 1 || cfgPlain.WorkerCount("b") != 2 {
		t.Fatalf("unexpected unset-env map: a=%d b=%d", cfgPlain.WorkerCount("a"), cfgPlain.WorkerCount("b"))
	}
}

func TestAllKnownQueuesUnionsConfigAndCensus(t *testing.T) {
	p, _ := newTestPool(t, map[string]int{"foo": 1})
	*p.cfg = *config.New(config.WithDesiredCounts(map[string]int{}))

	keys := p.AllKnownQueues()
	found := false
	for _, k := range keys {
		if k == "foo" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected foo to remain known via the occupied census even though config dropped it")
	}
	if p.cfg.WorkerCount("foo") != 0 {
		t.Fatal("expected worker count for a config-dropped key to be 0")
	}
}

func TestAfterPreforkHookReceivesPoolAndWorker(t *testing.T) {
	fp := platform.NewFake()
	cfg := config.New(config.WithDesiredCounts(map[string]int{}))
	log := logger.New(logger.Config{Level: logger.LevelDebug, Output: &bytes.Buffer{}})

	var gotPool *Pool
	var gotWorker worker.Worker
	hook := func(p *Pool, w worker.Worker) {
		gotPool = p
		gotWorker = w
	}

	p := New(fp, cfg, log, instantFactory{}, "testapp", WithAfterPreforkHook(hook))
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p.runChild("foo")

	if gotPool != p {
		t.Fatal("expected the hook to receive the same Pool the child was spawned from")
	}
	if gotWorker == nil {
		t.Fatal("expected the hook to receive the Worker instance the factory built")
	}
	if !fp.Exited || fp.ExitCode != 0 {
		t.Fatal("expected runChild to exit(0) after the hook and Work returned")
	}
}
