// Package config loads and exposes the declarative desired-count document
// that drives pool reconciliation: a mapping from queue-combination keys
// to the number of workers that should be running for that key.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultSearchPaths is the ordered list of config file paths tried when
// no explicit path is given. Mirrors the teacher's DefaultSearchPaths.
var DefaultSearchPaths = []string{
	"./resque-pool.toml",
	"./config/resque-pool.toml",
}

// Config holds the effective desired-count map plus the inputs needed to
// (re)load it.
type Config struct {
	Env        string
	Interval   int
	FilePath   string
	LogLevel   string
	desired    map[string]int
	loadedFrom string
}

// Option configures a Config at construction.
type Option func(*Config)

// WithEnv sets the active environment overlay name (RESQUE_ENV).
func WithEnv(env string) Option {
	return func(c *Config) { c.Env = env }
}

// WithInterval sets the worker polling interval in seconds (INTERVAL).
func WithInterval(seconds int) Option {
	return func(c *Config) { c.Interval = seconds }
}

// WithFilePath sets an explicit config file path (RESQUE_POOL_CONFIG).
func WithFilePath(path string) Option {
	return func(c *Config) { c.FilePath = path }
}

// WithDesiredCounts supplies an in-memory desired-count map, bypassing
// file discovery entirely. Used by tests and by callers that build their
// configuration programmatically.
func WithDesiredCounts(m map[string]int) Option {
	return func(c *Config) { c.desired = cloneMap(m) }
}

// New constructs a Config. Initialize must be called before WorkerCount
// is meaningful, unless WithDesiredCounts was supplied.
func New(opts ...Option) *Config {
	c := &Config{
		Interval: 5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromEnv builds a Config from the environment variables spec.md §6
// names: RESQUE_ENV, INTERVAL, RESQUE_POOL_CONFIG.
func NewFromEnv() *Config {
	c := New(WithEnv(os.Getenv("RESQUE_ENV")))
	if v := os.Getenv("INTERVAL"); v != "" {
		if n, err := parseInt(v); err == nil {
			c.Interval = n
		}
	}
	if v := os.Getenv("RESQUE_POOL_CONFIG"); v != "" {
		c.FilePath = v
	}
	return c
}

// Initialize loads the desired-count map if one has not already been
// supplied in-memory (spec.md §4.2). An explicitly named file that
// doesn't exist is logged via warn and Initialize falls back to the
// default search path list; if nothing is found there either, the
// effective map ends up empty (spec.md §7: "a no-op steady state"), which
// is not an error. Only a malformed file that was actually found is
// fatal.
func (c *Config) Initialize(warn func(string)) error {
	if c.desired != nil {
		return nil
	}

	path, found := c.resolvePath(warn)
	if !found {
		c.desired = map[string]int{}
		return nil
	}

	doc, err := loadDocument(path)
	if err != nil {
		return fmt.Errorf("config parse error in %s: %w", path, err)
	}

	c.desired = effectiveMap(doc, c.Env)
	c.loadedFrom = path
	return nil
}

// resolvePath applies the search rule from spec.md §4.2/§6: an explicit
// path takes precedence; on miss it is logged and the default search
// list is tried; found is false if nothing matched either way.
func (c *Config) resolvePath(warn func(string)) (path string, found bool) {
	if c.FilePath != "" {
		if _, err := os.Stat(c.FilePath); err == nil {
			return c.FilePath, true
		}
		if warn != nil {
			warn(fmt.Sprintf("config file not found: %s, falling back to default search paths", c.FilePath))
		}
	}

	for _, p := range DefaultSearchPaths {
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}

	return "", false
}

// WorkerCount returns the desired count for key, or 0 if absent.
func (c *Config) WorkerCount(key string) int {
	if c.desired == nil {
		return 0
	}
	return c.desired[key]
}

// KnownQueues enumerates all queue-combination keys currently in the
// desired-count map, in sorted order for deterministic logging/tests.
func (c *Config) KnownQueues() []string {
	keys := make([]string, 0, len(c.desired))
	for k := range c.desired {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ResetQueues empties the desired-count map so the next Initialize call
// reparses from disk.
func (c *Config) ResetQueues() {
	c.desired = nil
}

// Zero replaces the desired-count map with an empty one in place, without
// marking it for reparse. Used by the window-change drain (spec.md
// §4.4): the supervisor wants every key's desired count to become 0
// right now, not whatever is currently on disk.
func (c *Config) Zero() {
	c.desired = map[string]int{}
}

// LoadedFrom returns the path the current desired-count map was loaded
// from, or "" if it came from an in-memory map or hasn't loaded yet.
func (c *Config) LoadedFrom() string { return c.loadedFrom }

func cloneMap(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	cp := make(map[string]int, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func loadDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data, err = renderIfScripted(path, data)
	if err != nil {
		return nil, err
	}
	return decodeDocument(data)
}

func decodeDocument(data []byte) (map[string]any, error) {
	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// effectiveMap applies the environment overlay: the named environment's
// sub-map (if any) is overlaid on top of the document's integer-valued
// top-level entries, and every non-integer entry (the other
// environments' sub-maps, or stray strings/nulls) is dropped in the same
// pass, per spec.md §4.2/§9.
func effectiveMap(doc map[string]any, env string) map[string]int {
	result := make(map[string]int)

	for k, v := range doc {
		if n, ok := asInt(v); ok {
			result[k] = n
		}
	}

	if env != "" {
		if sub, ok := doc[env]; ok {
			if table, ok := sub.(map[string]any); ok {
				for k, v := range table {
					if n, ok := asInt(v); ok {
						result[k] = n
					}
				}
			}
		}
	}

	return result
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
