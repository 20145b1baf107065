package pool

import "sync"

// census is the supervisor's live-pid bookkeeping: for each
// queue-combination key, the ordered set of pids currently running that
// key's workers. Order matters for downsizing (spec.md §4.4:
// "first |delta| pids ... insertion order").
//
// A pid can be marked "draining": still tracked (reaped normally, still
// signaled by a broadcast) but excluded from liveCount/firstN, the views
// reconciliation uses to decide how many fresh pids a key needs. This is
// how a hangup-reload's outgoing generation stops counting against its
// own key the moment it's signaled to quit, so replacements fork
// immediately instead of waiting for the reap.
type census struct {
	mu       sync.Mutex
	byKey    map[string][]int
	keyOf    map[int]string
	draining map[int]bool
}

func newCensus() *census {
	return &census{
		byKey:    make(map[string][]int),
		keyOf:    make(map[int]string),
		draining: make(map[int]bool),
	}
}

// insert adds pid to key's live set, at the end (most recently spawned).
func (c *census) insert(key string, pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[key] = append(c.byKey[key], pid)
	c.keyOf[pid] = key
}

// remove drops pid from the census, returning the key it belonged to and
// whether it was found. A pid not in the census (double-reap, or a
// stray child) returns ok=false.
func (c *census) remove(pid int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.keyOf[pid]
	if !ok {
		return "", false
	}
	delete(c.keyOf, pid)
	delete(c.draining, pid)
	pids := c.byKey[key]
	for i, p := range pids {
		if p == pid {
			c.byKey[key] = append(pids[:i], pids[i+1:]...)
			break
		}
	}
	if len(c.byKey[key]) == 0 {
		delete(c.byKey, key)
	}
	return key, true
}

// markDraining excludes pids from liveCount/firstN without removing them
// from the census: they are still reaped normally, just no longer
// counted against their key's desired total.
func (c *census) markDraining(pids []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pid := range pids {
		if _, ok := c.keyOf[pid]; ok {
			c.draining[pid] = true
		}
	}
}

// liveCount returns the number of non-draining pids for key: the count
// reconciliation compares against the desired-count map.
func (c *census) liveCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, pid := range c.byKey[key] {
		if !c.draining[pid] {
			n++
		}
	}
	return n
}

// totalCount returns every pid for key, draining or not.
func (c *census) totalCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey[key])
}

// firstN returns (a copy of) the first n non-draining pids for key in
// insertion order, or all of them if fewer than n are live. Used to pick
// signal targets for a surplus, so pids already draining (signaled by a
// hangup-reload) are never selected again. Pids signaled by a downsize
// are not marked draining and stay selectable until they are reaped.
func (c *census) firstN(key string, n int) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var live []int
	for _, pid := range c.byKey[key] {
		if !c.draining[pid] {
			live = append(live, pid)
		}
	}
	if n > len(live) {
		n = len(live)
	}
	out := make([]int, n)
	copy(out, live[:n])
	return out
}

// orderedPids returns every pid for key (live and draining) in insertion
// order, for reporting.
func (c *census) orderedPids(key string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.byKey[key]))
	copy(out, c.byKey[key])
	return out
}

// allPids returns the concatenation of every key's live pid set.
func (c *census) allPids() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.keyOf))
	for _, pids := range c.byKey {
		out = append(out, pids...)
	}
	return out
}

// workerQueues returns the key pid belongs to, or ("", false).
func (c *census) workerQueues(pid int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.keyOf[pid]
	return key, ok
}

// occupiedKeys returns every key that currently has at least one live
// pid, used by allKnownQueues to union with the configured key set.
func (c *census) occupiedKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.byKey))
	for k := range c.byKey {
		out = append(out, k)
	}
	return out
}
