// Package platform abstracts the host operating system operations the
// pool supervisor needs: forking, signal delivery and buffering, sleeping,
// and reaping exited children. It is the only package in this module that
// touches the kernel directly.
package platform

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NoPID is returned by Fork on failure.
const NoPID = -1

// Platform is the contract the pool supervisor drives. There is exactly
// one Platform per process: the signal queue and installed handlers are
// process-global kernel state, so constructing more than one is a bug.
type Platform interface {
	// InstallSignalTrap registers handlers for sig that append to the
	// internal signal queue. Safe to call once at startup.
	InstallSignalTrap(sig ...os.Signal)

	// NextSignal pops the oldest buffered signal, or nil if none is
	// pending.
	NextSignal() os.Signal

	// PendingSignalCount returns the number of buffered signals.
	PendingSignalCount() int

	// Sleep suspends the caller for up to d, returning early if a signal
	// arrives.
	Sleep(d time.Duration)

	// Fork duplicates the calling process. It returns the child's pid in
	// the parent, 0 in the child, or NoPID on failure.
	Fork() (int, error)

	// SignalPids delivers sig to each pid. Missing pids are ignored: a
	// race with reaping is expected and not an error.
	SignalPids(pids []int, sig syscall.Signal)

	// NextDeadChild returns the next (pid, exit status) of a child that
	// has exited. When wait is false it is non-blocking and returns
	// (0, 0, false) if nothing has exited yet. When wait is true it
	// blocks until a tracked child exits.
	NextDeadChild(wait bool) (pid int, status int, ok bool)

	// ReleaseSignals restores default dispositions. Called in the child
	// immediately after Fork returns 0.
	ReleaseSignals()

	// SetQuitOnExitSignal marks that the process should translate its
	// final exit code from the terminating signal rather than exiting 0.
	SetQuitOnExitSignal(bool)

	// Exit terminates the process with code, honoring
	// SetQuitOnExitSignal's effect on the supervisor's own exit path.
	Exit(code int)
}

// posixPlatform is the production Platform, backed by raw fork(2) (not
// fork+exec) and waitpid(2), the same technique msantos/goreap uses for
// reaping and the teacher's daemon_fork*.go files use for the double-fork
// daemonizer -- applied here to a single fork per spawned worker instead.
type posixPlatform struct {
	mu           sync.Mutex
	queue        []os.Signal
	sigCh        chan os.Signal
	quitOnSignal bool
	lastSignal   syscall.Signal
}

// New returns the production Platform for this host.
func New() Platform {
	return &posixPlatform{
		sigCh: make(chan os.Signal, 64),
	}
}

func (p *posixPlatform) InstallSignalTrap(sig ...os.Signal) {
	signal.Notify(p.sigCh, sig...)
	go p.drain()
}

// drain moves signals delivered on the Go runtime's notification channel
// into the ordered queue. The Go signal.Notify channel already does the
// async-signal-safe buffering the kernel's handler context would
// otherwise need to do by hand; this goroutine just transfers entries
// into our own FIFO so NextSignal/PendingSignalCount have a synchronous,
// lock-protected view consistent with spec's single-consumer contract.
func (p *posixPlatform) drain() {
	for sig := range p.sigCh {
		p.mu.Lock()
		p.queue = append(p.queue, sig)
		p.mu.Unlock()
	}
}

func (p *posixPlatform) NextSignal() os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	sig := p.queue[0]
	p.queue = p.queue[1:]
	if s, ok := sig.(syscall.Signal); ok {
		p.lastSignal = s
	}
	return sig
}

func (p *posixPlatform) PendingSignalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *posixPlatform) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-timer.C:
			return
		case <-tick.C:
			if p.PendingSignalCount() > 0 {
				return
			}
		}
	}
}

func (p *posixPlatform) Fork() (int, error) {
	pid, errno := sysFork()
	if errno != 0 {
		return NoPID, errno
	}
	return int(pid), nil
}

func (p *posixPlatform) SignalPids(pids []int, sig syscall.Signal) {
	for _, pid := range pids {
		if err := syscall.Kill(pid, sig); err != nil && err != syscall.ESRCH {
			// Any failure other than "no such process" is not
			// actionable here: the caller only cares that the
			// signal was attempted. Logging is the caller's job,
			// since this package has no Logger dependency.
			_ = err
		}
	}
}

func (p *posixPlatform) NextDeadChild(wait bool) (int, int, bool) {
	var ws syscall.WaitStatus
	opt := syscall.WNOHANG
	if wait {
		opt = 0
	}
	for {
		pid, err := syscall.Wait4(-1, &ws, opt, nil)
		switch {
		case err == syscall.EINTR:
			continue
		case err == syscall.ECHILD:
			return 0, 0, false
		case err != nil:
			return 0, 0, false
		case pid <= 0:
			return 0, 0, false
		default:
			return pid, exitStatus(ws), true
		}
	}
}

func exitStatus(ws syscall.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return ws.ExitStatus()
	}
}

func (p *posixPlatform) ReleaseSignals() {
	signal.Reset()
}

func (p *posixPlatform) SetQuitOnExitSignal(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quitOnSignal = v
}

func (p *posixPlatform) Exit(code int) {
	p.mu.Lock()
	quit := p.quitOnSignal
	last := p.lastSignal
	p.mu.Unlock()

	if quit && code == 0 && last != 0 {
		os.Exit(128 + int(last))
	}
	os.Exit(code)
}

// SetProcessTitle best-effort renames the process as seen in ps(1). Linux
// only; absence of support elsewhere is silently ignored per spec. The
// kernel truncates comm to 15 bytes plus a NUL, mirroring PR_SET_NAME's
// documented limit.
func SetProcessTitle(title string) {
	b := []byte(title)
	if len(b) > 15 {
		b = b[:15]
	}
	b = append(b, 0)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}
