package platform

import (
	"os"
	"sync"
	"syscall"
	"time"
)

// FakePlatform is a test double for Platform, grounded on the same
// record-and-stub approach as the teacher's process.MockSpawner: it
// records every call so tests can assert on them, and lets the test
// control fork outcomes and injected signals without touching the
// kernel.
type FakePlatform struct {
	mu sync.Mutex

	nextPid      int
	forkFail     bool
	forkFailOnce bool

	queue []os.Signal

	alive map[int]bool // pid -> still alive (not yet reaped)
	dead  []deadChild

	SignalCalls []SignalCall
	ForkCount   int

	QuitOnExit bool
	ExitCode   int
	Exited     bool
}

type deadChild struct {
	pid    int
	status int
}

// SignalCall records one SignalPids invocation.
type SignalCall struct {
	Pids []int
	Sig  syscall.Signal
}

// NewFake creates a FakePlatform with pids allocated starting at 100.
func NewFake() *FakePlatform {
	return &FakePlatform{
		nextPid: 100,
		alive:   make(map[int]bool),
	}
}

func (f *FakePlatform) InstallSignalTrap(sig ...os.Signal) {}

// Inject appends a signal to the pending queue, as if delivered by the
// kernel.
func (f *FakePlatform) Inject(sig os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, sig)
}

func (f *FakePlatform) NextSignal() os.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil
	}
	sig := f.queue[0]
	f.queue = f.queue[1:]
	return sig
}

func (f *FakePlatform) PendingSignalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

func (f *FakePlatform) Sleep(d time.Duration) {}

// FailNextFork makes the next Fork call (and only the next one) fail.
func (f *FakePlatform) FailNextFork() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forkFailOnce = true
}

// FailAllForks makes every future Fork call fail.
func (f *FakePlatform) FailAllForks() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forkFail = true
}

// Fork always returns as the "parent" branch in tests: FakePlatform never
// actually duplicates the test process (doing so under `go test` would be
// unsafe), so it never returns 0. Tests exercise the child-side protocol
// by calling the pool's runChild directly instead.
func (f *FakePlatform) Fork() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ForkCount++

	if f.forkFail || f.forkFailOnce {
		f.forkFailOnce = false
		return NoPID, syscall.EAGAIN
	}

	pid := f.nextPid
	f.nextPid++
	f.alive[pid] = true
	return pid, nil
}

func (f *FakePlatform) SignalPids(pids []int, sig syscall.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]int, len(pids))
	copy(cp, pids)
	f.SignalCalls = append(f.SignalCalls, SignalCall{Pids: cp, Sig: sig})
}

// Reap marks pid as exited with status, making it visible to a future
// NextDeadChild call.
func (f *FakePlatform) Reap(pid, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive[pid] {
		return
	}
	delete(f.alive, pid)
	f.dead = append(f.dead, deadChild{pid: pid, status: status})
}

func (f *FakePlatform) NextDeadChild(wait bool) (int, int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dead) == 0 {
		return 0, 0, false
	}
	d := f.dead[0]
	f.dead = f.dead[1:]
	return d.pid, d.status, true
}

func (f *FakePlatform) ReleaseSignals() {}

func (f *FakePlatform) SetQuitOnExitSignal(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QuitOnExit = v
}

func (f *FakePlatform) Exit(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Exited = true
	f.ExitCode = code
}
