// ABOUTME: Component health registry: named checks, cached runs, change listeners.
// ABOUTME: Overall status is the worst critical result; non-critical checks only report.

// Package health runs named component checks and aggregates them into
// an overall status. Results are cached for a short window so frequent
// polling stays cheap, and listeners hear when the overall level moves.
package health

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Level orders health from best to worst.
type Level int

const (
	Healthy Level = iota
	Degraded
	Unhealthy
)

func (l Level) String() string {
	switch l {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	}
	return "unknown"
}

// MarshalJSON renders the level as its string form.
func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

// Status is the result of one check.
type Status struct {
	Level   Level
	Message string
	Latency time.Duration
}

// OK builds a healthy status.
func OK(msg string) Status { return Status{Level: Healthy, Message: msg} }

// Warn builds a degraded status.
func Warn(msg string) Status { return Status{Level: Degraded, Message: msg} }

// Fail builds an unhealthy status.
func Fail(msg string) Status { return Status{Level: Unhealthy, Message: msg} }

// CheckFunc probes one component.
type CheckFunc func() Status

// ChangeListener hears overall level transitions.
type ChangeListener func(old, new Level)

const (
	// DefaultMaxChecks bounds the registry when unset.
	DefaultMaxChecks = 16

	// DefaultCacheWindow reuses results for five seconds.
	DefaultCacheWindow = 5 * time.Second
)

var (
	ErrCheckExists   = errors.New("health check already registered")
	ErrCheckNotFound = errors.New("health check not found")
	ErrTooManyChecks = errors.New("health check limit reached")
	ErrNilCheck      = errors.New("health check function is nil")
)

type entry struct {
	name     string
	fn       CheckFunc
	critical bool
	enabled  bool
	last     Status
	lastRun  time.Time
}

// Config controls the checker. Zero values take the defaults.
type Config struct {
	MaxChecks   int
	CacheWindow time.Duration
}

// CheckReport is one check's slice of a Report.
type CheckReport struct {
	Status    Level  `json:"status"`
	Message   string `json:"message"`
	LatencyMs int64  `json:"latencyMs"`
	Critical  bool   `json:"critical"`
	Enabled   bool   `json:"enabled"`
}

// Report is the full serialized health document.
type Report struct {
	Status    Level                  `json:"status"`
	Checks    map[string]CheckReport `json:"checks"`
	TotalRuns uint64                 `json:"totalRuns"`
	UptimeMs  int64                  `json:"uptimeMs"`
}

// Checker owns the check registry.
type Checker struct {
	mu          sync.Mutex
	checks      map[string]*entry
	order       []string
	maxChecks   int
	cacheWindow time.Duration
	enabled     bool
	lastOverall Level
	lastRun     time.Time
	totalRuns   uint64
	listeners   map[int]ChangeListener
	nextID      int
	startedAt   time.Time

	now func() time.Time
}

// NewChecker creates a checker.
func NewChecker(cfg Config) *Checker {
	if cfg.MaxChecks <= 0 {
		cfg.MaxChecks = DefaultMaxChecks
	}
	if cfg.CacheWindow == 0 {
		cfg.CacheWindow = DefaultCacheWindow
	}
	c := &Checker{
		checks:      make(map[string]*entry),
		maxChecks:   cfg.MaxChecks,
		cacheWindow: cfg.CacheWindow,
		enabled:     true,
		listeners:   make(map[int]ChangeListener),
		now:         time.Now,
	}
	c.startedAt = c.now()
	return c
}

// AddCheck registers a critical check: an unhealthy result makes the
// overall status unhealthy.
func (c *Checker) AddCheck(name string, fn CheckFunc) error {
	return c.add(name, fn, true)
}

// AddNonCriticalCheck registers a check that appears in reports but
// never affects the overall status.
func (c *Checker) AddNonCriticalCheck(name string, fn CheckFunc) error {
	return c.add(name, fn, false)
}

func (c *Checker) add(name string, fn CheckFunc, critical bool) error {
	if fn == nil {
		return ErrNilCheck
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.checks[name]; ok {
		return fmt.Errorf("%w: %s", ErrCheckExists, name)
	}
	if len(c.checks) >= c.maxChecks {
		return fmt.Errorf("%w: max %d", ErrTooManyChecks, c.maxChecks)
	}
	c.checks[name] = &entry{
		name:     name,
		fn:       fn,
		critical: critical,
		enabled:  true,
		last:     OK("Not yet checked"),
	}
	c.order = append(c.order, name)
	return nil
}

// RemoveCheck drops a check.
func (c *Checker) RemoveCheck(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.checks[name]; !ok {
		return false
	}
	delete(c.checks, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// SetCheckEnabled skips or resumes a single check without removing it.
func (c *Checker) SetCheckEnabled(name string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.checks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCheckNotFound, name)
	}
	e.enabled = enabled
	return nil
}

// SetEnabled turns the whole system on or off. While disabled, Run
// reports healthy without probing anything.
func (c *Checker) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// SetCacheWindow changes how long results are reused. Zero disables
// caching.
func (c *Checker) SetCacheWindow(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheWindow = d
}

// HasCheck reports whether a check is registered.
func (c *Checker) HasCheck(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.checks[name]
	return ok
}

// CheckNames lists checks in registration order.
func (c *Checker) CheckNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.order))
	copy(names, c.order)
	return names
}

// CheckCount returns the number of registered checks.
func (c *Checker) CheckCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.checks)
}

// Run executes every enabled check, unless a cached result is still
// fresh, and returns the overall level. Check functions run outside
// the checker lock.
func (c *Checker) Run() Level {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return Healthy
	}
	now := c.now()
	if c.cacheWindow > 0 && !c.lastRun.IsZero() && now.Sub(c.lastRun) < c.cacheWindow {
		overall := c.lastOverall
		c.mu.Unlock()
		return overall
	}
	type job struct {
		name string
		fn   CheckFunc
	}
	jobs := make([]job, 0, len(c.order))
	for _, name := range c.order {
		if e := c.checks[name]; e.enabled {
			jobs = append(jobs, job{name, e.fn})
		}
	}
	c.mu.Unlock()

	results := make(map[string]Status, len(jobs))
	for _, j := range jobs {
		start := c.now()
		st := j.fn()
		st.Latency = c.now().Sub(start)
		results[j.name] = st
	}

	c.mu.Lock()
	overall := Healthy
	for name, st := range results {
		e, ok := c.checks[name]
		if !ok {
			continue
		}
		e.last = st
		e.lastRun = now
		if e.critical && st.Level > overall {
			overall = st.Level
		}
	}
	c.totalRuns++
	c.lastRun = now
	old := c.lastOverall
	c.lastOverall = overall
	var notify []ChangeListener
	if overall != old {
		notify = make([]ChangeListener, 0, len(c.listeners))
		for _, fn := range c.listeners {
			notify = append(notify, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range notify {
		fn(old, overall)
	}
	return overall
}

// Result returns a check's last recorded status.
func (c *Checker) Result(name string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.checks[name]
	if !ok {
		return Status{}, false
	}
	return e.last, true
}

// Overall returns the last computed level without re-running.
func (c *Checker) Overall() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOverall
}

// OnChange registers a listener for overall level transitions and
// returns its removal ID.
func (c *Checker) OnChange(fn ChangeListener) int {
	if fn == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.listeners[c.nextID] = fn
	return c.nextID
}

// RemoveListener drops a change listener.
func (c *Checker) RemoveListener(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.listeners[id]; !ok {
		return false
	}
	delete(c.listeners, id)
	return true
}

// TotalRuns counts uncached runs since creation.
func (c *Checker) TotalRuns() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalRuns
}

// Invalidate drops the cache so the next Run re-probes everything.
func (c *Checker) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRun = time.Time{}
}

// Reset removes all checks and listeners and clears counters.
func (c *Checker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = make(map[string]*entry)
	c.order = nil
	c.listeners = make(map[int]ChangeListener)
	c.lastOverall = Healthy
	c.lastRun = time.Time{}
	c.totalRuns = 0
}

// Snapshot builds the full report, running checks first if the cache
// has gone stale.
func (c *Checker) Snapshot() Report {
	c.Run()
	c.mu.Lock()
	defer c.mu.Unlock()
	rep := Report{
		Status:    c.lastOverall,
		Checks:    make(map[string]CheckReport, len(c.checks)),
		TotalRuns: c.totalRuns,
		UptimeMs:  c.now().Sub(c.startedAt).Milliseconds(),
	}
	for _, e := range c.checks {
		rep.Checks[e.name] = CheckReport{
			Status:    e.last.Level,
			Message:   e.last.Message,
			LatencyMs: e.last.Latency.Milliseconds(),
			Critical:  e.critical,
			Enabled:   e.enabled,
		}
	}
	return rep
}

// Stats is the abbreviated counters view.
type Stats struct {
	Enabled    bool   `json:"enabled"`
	CheckCount int    `json:"checkCount"`
	MaxChecks  int    `json:"maxChecks"`
	TotalRuns  uint64 `json:"totalRuns"`
	Overall    Level  `json:"overall"`
	CacheMs    int64  `json:"cacheMs"`
}

// StatsSnapshot returns counters without running any checks.
func (c *Checker) StatsSnapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Enabled:    c.enabled,
		CheckCount: len(c.checks),
		MaxChecks:  c.maxChecks,
		TotalRuns:  c.totalRuns,
		Overall:    c.lastOverall,
		CacheMs:    c.cacheWindow.Milliseconds(),
	}
}
