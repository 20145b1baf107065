// Package pool implements the reconciliation engine: it drives a live
// census of forked worker processes toward a desired-count map, reaps
// exited children, and translates signals into lifecycle actions. It is
// the direct analogue of resque-pool's own supervisor loop.
package pool

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/resquepool/poold/internal/config"
	"github.com/resquepool/poold/internal/logger"
	"github.com/resquepool/poold/internal/metrics"
	"github.com/resquepool/poold/internal/platform"
	"github.com/resquepool/poold/internal/worker"
)

// State is one of the three supervisor lifecycle states, entered in
// order and never revisited (spec.md §4.4 "State machine").
type State int

const (
	StateStarting State = iota
	StateRunning
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// TerminateMode selects what the terminate signal does, per spec.md
// §4.4's signal semantics table.
type TerminateMode string

const (
	// TerminateGracefulWait behaves like the quit signal: graceful-quit
	// every child, then block until all are reaped.
	TerminateGracefulWait TerminateMode = "graceful_worker_shutdown_and_wait"
	// TerminateGraceful behaves like interrupt: graceful-quit every
	// child and return without waiting.
	TerminateGraceful TerminateMode = "graceful_worker_shutdown"
	// TerminateImmediate (the default) sends an immediate terminate
	// signal to every child and returns without waiting.
	TerminateImmediate TerminateMode = ""
)

// The supervised signal set (spec.md §4.4). gracefulQuitSignal is what
// gets sent to children to ask them to finish their current job and
// exit; it happens to be the same signal the supervisor itself accepts
// as its own "quit" signal, matching resque-pool's convention that
// workers treat QUIT as the graceful-shutdown request.
const (
	sigQuit      = syscall.SIGQUIT
	sigInterrupt = syscall.SIGINT
	sigTerminate = syscall.SIGTERM
	sigUser1     = syscall.SIGUSR1
	sigUser2     = syscall.SIGUSR2
	sigContinue  = syscall.SIGCONT
	sigHangup    = syscall.SIGHUP
	sigWinch     = syscall.SIGWINCH
	sigChild     = syscall.SIGCHLD

	gracefulQuitSignal = sigQuit
)

func supervisedSignals() []os.Signal {
	return []os.Signal{sigQuit, sigInterrupt, sigTerminate, sigUser1, sigUser2, sigContinue, sigHangup, sigWinch, sigChild}
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithHandleWinch enables the window-change signal's conditional drain
// behavior. When false (the default) window-change is received but
// ignored, matching a host that hasn't opted in.
func WithHandleWinch(enabled bool) Option {
	return func(p *Pool) { p.handleWinch = enabled }
}

// WithTerminateMode selects the terminate signal's behavior.
func WithTerminateMode(mode TerminateMode) Option {
	return func(p *Pool) { p.terminateMode = mode }
}

// WithMetrics attaches a metrics collector. If omitted, a private
// unregistered collector is created so Pool never has to nil-check it.
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pool) { p.metrics = m }
}

// AfterPreforkFunc is invoked in the child immediately after Fork, once
// the worker has been built but before its main loop starts (spec.md
// §4.2: the hook receives "the supervisor handle and the worker
// instance"). It runs in the forked child, which shares no memory with
// the parent going forward: mutations to p only affect the child's copy.
type AfterPreforkFunc func(p *Pool, w worker.Worker)

// WithAfterPreforkHook sets the optional after-prefork hook.
func WithAfterPreforkHook(fn AfterPreforkFunc) Option {
	return func(p *Pool) { p.afterFork = fn }
}

// Pool is the supervisor. Exactly one should exist per process, since it
// owns the process-global Platform.
type Pool struct {
	mu sync.Mutex

	platform platform.Platform
	cfg      *config.Config
	log      *logger.Logger
	factory  worker.Factory
	metrics  *metrics.Collector
	census   *census

	appName       string
	handleWinch   bool
	terminateMode TerminateMode
	afterFork     AfterPreforkFunc

	state State
}

// New constructs a Pool in the starting state. Call Start then Join.
func New(p platform.Platform, cfg *config.Config, log *logger.Logger, factory worker.Factory, appName string, opts ...Option) *Pool {
	pl := &Pool{
		platform: p,
		cfg:      cfg,
		log:      log,
		factory:  factory,
		metrics:  metrics.New(),
		census:   newCensus(),
		appName:  appName,
		state:    StateStarting,
	}
	for _, opt := range opts {
		opt(pl)
	}
	return pl
}

func (p *Pool) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// State returns the current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start initializes configuration, installs the signal trap, performs a
// first reconciliation, and logs the set of live pids (spec.md §4.4
// "start()").
func (p *Pool) Start() error {
	if err := p.cfg.Initialize(func(msg string) { p.log.Warn(supervisorFields(), msg) }); err != nil {
		p.log.Error(supervisorFields(), "configuration error: %v", err)
		return err
	}

	p.setProcessTitle("starting")
	p.platform.InstallSignalTrap(supervisedSignals()...)

	p.MaintainWorkerCount()
	p.ReportWorkerPoolPids()

	p.setState(StateRunning)
	p.setProcessTitle("running")
	return nil
}

// Join runs the supervisor loop until a terminating signal is handled,
// then logs and returns. The process's eventual exit code is governed by
// whatever SetQuitOnExitSignal state the quit path left on Platform.
func (p *Pool) Join() {
	for {
		p.ReapAllWorkers(false)

		sig := p.platform.NextSignal()
		if sig != nil {
			if p.handleSignal(sig) {
				break
			}
			continue
		}

		p.MaintainWorkerCount()
		p.platform.Sleep(p.pollInterval())
		p.setProcessTitle("running")
	}

	p.setState(StateShuttingDown)
	p.log.Notice(supervisorFields(), "shutting down, pids=%s", p.pidSummary())
}

func (p *Pool) pollInterval() time.Duration {
	return time.Duration(p.cfg.Interval) * time.Second
}

// handleSignal dispatches one signal per spec.md §4.4's table. It
// returns true when the loop should terminate.
func (p *Pool) handleSignal(sig os.Signal) (terminate bool) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return false
	}

	switch s {
	case sigChild:
		// Installed only to make Sleep interruptible; reaping
		// already happens unconditionally at the top of the loop.
		return false

	case sigUser1, sigUser2, sigContinue:
		p.log.Notice(supervisorFields(), "forwarding %s to all workers", signalName(s))
		p.signalAll(s)
		return false

	case sigHangup:
		p.handleHangup()
		return false

	case sigWinch:
		p.handleWindowChange()
		return false

	case sigQuit:
		p.log.Notice(supervisorFields(), "quit received, graceful shutdown and wait")
		p.signalAll(gracefulQuitSignal)
		p.ReapAllWorkers(true)
		p.platform.SetQuitOnExitSignal(true)
		return true

	case sigInterrupt:
		p.log.Notice(supervisorFields(), "interrupt received, graceful shutdown, not waiting")
		p.signalAll(gracefulQuitSignal)
		return true

	case sigTerminate:
		return p.handleTerminate()

	default:
		p.log.Warn(supervisorFields(), "unhandled signal %s", signalName(s))
		return false
	}
}

func (p *Pool) handleHangup() {
	p.log.Notice(supervisorFields(), "hangup received, reloading configuration")
	outgoing := p.census.allPids()
	p.signalAll(gracefulQuitSignal)
	// Exclude the outgoing generation from the live counts reconciliation
	// uses: they are still tracked (and still get reaped normally), but a
	// key whose desired count is unchanged must spawn its replacements
	// now rather than waiting for the old pids to exit (spec.md §8
	// Scenario 3).
	p.census.markDraining(outgoing)

	prev := *p.cfg
	p.cfg.ResetQueues()
	if err := p.cfg.Initialize(func(msg string) { p.log.Warn(supervisorFields(), msg) }); err != nil {
		// Open question resolved (spec.md §9): keep the previous
		// configuration rather than crash the supervisor.
		*p.cfg = prev
		p.log.Error(supervisorFields(), "reload failed, keeping previous configuration: %v", err)
		p.metrics.IncReload(false)
		return
	}
	p.metrics.IncReload(true)
	p.MaintainWorkerCount()
}

func (p *Pool) handleWindowChange() {
	if !p.handleWinch {
		return
	}
	p.log.Notice(supervisorFields(), "window-change received, draining all workers")
	p.cfg.Zero()
	for _, key := range p.AllKnownQueues() {
		p.signalFirstN(key, p.census.liveCount(key))
	}
}

func (p *Pool) handleTerminate() (terminate bool) {
	switch p.terminateMode {
	case TerminateGracefulWait:
		p.log.Notice(supervisorFields(), "terminate received (graceful+wait mode)")
		p.signalAll(gracefulQuitSignal)
		p.ReapAllWorkers(true)
		p.platform.SetQuitOnExitSignal(true)
		return true
	case TerminateGraceful:
		p.log.Notice(supervisorFields(), "terminate received (graceful mode)")
		p.signalAll(gracefulQuitSignal)
		return true
	default:
		p.log.Notice(supervisorFields(), "terminate received (immediate)")
		p.signalAll(sigTerminate)
		return true
	}
}

func (p *Pool) signalAll(sig syscall.Signal) {
	pids := p.census.allPids()
	if len(pids) == 0 {
		return
	}
	p.platform.SignalPids(pids, sig)
	p.metrics.IncSignalForward(signalName(sig))
}

func (p *Pool) signalFirstN(key string, n int) {
	pids := p.census.firstN(key, n)
	if len(pids) == 0 {
		return
	}
	p.platform.SignalPids(pids, gracefulQuitSignal)
	p.metrics.IncSignalForward(signalName(gracefulQuitSignal))
}

// MaintainWorkerCount reconciles the census against the desired-count
// map (spec.md §4.4 "maintain-worker-count()"). For the union of keys in
// both, it forks up to the deficit or signals a surplus's oldest pids to
// quit.
func (p *Pool) MaintainWorkerCount() {
	for _, key := range p.AllKnownQueues() {
		desired := p.cfg.WorkerCount(key)
		live := p.census.liveCount(key)
		delta := desired - live

		switch {
		case delta > 0:
			for i := 0; i < delta; i++ {
				if err := p.spawn(key); err != nil {
					p.log.Error(supervisorFields(), "fork failed for %s: %v", key, err)
					p.metrics.IncSpawnError()
					p.platform.Exit(1)
					return
				}
			}
		case delta < 0:
			p.signalFirstN(key, -delta)
		}

		p.metrics.SetCensus(key, desired, p.census.liveCount(key))
	}
}

// AllKnownQueues unions configured keys with currently-occupied census
// keys, so a key removed from configuration still gets its surplus
// workers signaled to quit.
func (p *Pool) AllKnownQueues() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range p.cfg.KnownQueues() {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	for _, k := range p.census.occupiedKeys() {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

// AllPids returns every live pid across all keys.
func (p *Pool) AllPids() []int { return p.census.allPids() }

// WorkerQueues returns the key pid belongs to, or ("", false).
func (p *Pool) WorkerQueues(pid int) (string, bool) { return p.census.workerQueues(pid) }

// spawn implements the fork/spawn protocol (spec.md §4.4).
func (p *Pool) spawn(key string) error {
	pid, err := p.platform.Fork()
	if err != nil {
		return err
	}

	if pid == 0 {
		p.runChild(key)
		// runChild never returns: the worker body exits the process.
		return nil
	}

	p.census.insert(key, pid)
	p.metrics.IncSpawn(key)
	p.log.Notice(supervisorFields(), "spawned pid %d for %s", pid, key)
	return nil
}

// runChild is the child side of the fork/spawn protocol. It never
// returns to the caller: it always terminates the process.
func (p *Pool) runChild(key string) {
	p.platform.ReleaseSignals()

	queues := strings.Split(key, ",")
	w := p.factory.New(queues)

	platform.SetProcessTitle(fmt.Sprintf("resque-pool-worker[%s]: %s", p.appName, key))

	if p.afterFork != nil {
		p.afterFork(p, w)
	}

	w.Work(context.Background(), p.pollInterval())
	p.platform.Exit(0)
}

// ReapAllWorkers drains exited children via Platform.NextDeadChild, and
// removes each from the census. When wait is true it blocks until every
// currently-live pid has been reaped (used by the quit/terminate-and-wait
// paths); when false it only collects what has already exited.
func (p *Pool) ReapAllWorkers(wait bool) {
	if wait {
		for len(p.census.allPids()) > 0 {
			p.reapOne(true)
		}
		return
	}

	for {
		pid, status, ok := p.platform.NextDeadChild(false)
		if !ok {
			return
		}
		p.recordReap(pid, status)
	}
}

func (p *Pool) reapOne(wait bool) {
	pid, status, ok := p.platform.NextDeadChild(wait)
	if !ok {
		return
	}
	p.recordReap(pid, status)
}

func (p *Pool) recordReap(pid, status int) {
	key, ok := p.census.remove(pid)
	if !ok {
		return
	}
	p.metrics.IncReap(key)
	p.log.Notice(supervisorFields(), "reaped pid %d from %s, status %d", pid, key, status)
	if p.census.totalCount(key) == 0 && p.cfg.WorkerCount(key) == 0 {
		p.metrics.RemoveKey(key)
	}
}

// ReportWorkerPoolPids logs the current census, one line per key. This
// includes pids still draining from a hangup-reload alongside the fresh
// generation, so the logged list matches what's actually running.
func (p *Pool) ReportWorkerPoolPids() {
	for _, key := range p.AllKnownQueues() {
		p.log.Notice(supervisorFields(), "%s: %v", key, p.census.orderedPids(key))
	}
}

func (p *Pool) pidSummary() string {
	return fmt.Sprintf("%v", p.census.allPids())
}

func (p *Pool) setProcessTitle(state string) {
	platform.SetProcessTitle(fmt.Sprintf("resque-pool-manager[%s]: %s", p.appName, state))
}

func supervisorFields() logger.Fields {
	return logger.Fields{"role": "manager"}
}

func signalName(s syscall.Signal) string {
	switch s {
	case sigQuit:
		return "QUIT"
	case sigInterrupt:
		return "INT"
	case sigTerminate:
		return "TERM"
	case sigUser1:
		return "USR1"
	case sigUser2:
		return "USR2"
	case sigContinue:
		return "CONT"
	case sigHangup:
		return "HUP"
	case sigWinch:
		return "WINCH"
	case sigChild:
		return "CHLD"
	default:
		return s.String()
	}
}
