// ABOUTME: Threshold alert engine with hysteresis, cooldown, and acknowledgement.
// ABOUTME: Rules fire on a clear-to-active edge and notify per-rule and global listeners.

// Package alerts evaluates numeric samples against named threshold
// rules. A rule fires once on the transition from clear to active and
// notifies again when it clears; hysteresis keeps a rule active until
// the value retreats past the threshold by a margin, and a cooldown
// suppresses immediate re-fires after a clear.
package alerts

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultMaxRules bounds the rule table when no capacity is configured.
const DefaultMaxRules = 32

// Op is a comparison operator between a sample and a rule threshold.
type Op string

const (
	OpGreaterThan  Op = ">"
	OpGreaterEqual Op = ">="
	OpLessThan     Op = "<"
	OpLessEqual    Op = "<="
	OpEqual        Op = "=="
	OpNotEqual     Op = "!="
	OpOutsideRange Op = "outside_range"
	OpInsideRange  Op = "inside_range"
)

// epsilon is the tolerance for == and != comparisons.
const epsilon = 1e-9

// IsRange reports whether the operator compares against a low/high pair.
func (o Op) IsRange() bool {
	return o == OpOutsideRange || o == OpInsideRange
}

// Valid reports whether the operator is known.
func (o Op) Valid() bool {
	switch o {
	case OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual,
		OpEqual, OpNotEqual, OpOutsideRange, OpInsideRange:
		return true
	}
	return false
}

// Severity labels how serious a firing rule is.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// State is the lifecycle position of a rule.
type State string

const (
	StateClear        State = "clear"
	StateActive       State = "active"
	StateAcknowledged State = "acknowledged"
)

// Event describes a rule transition delivered to listeners.
type Event struct {
	Rule     string
	Fired    bool // true on clear-to-active, false on the clearing edge
	State    State
	Severity Severity
	Value    float64
}

// Listener receives rule transitions. Listeners run outside the engine
// lock, after the transition is recorded.
type Listener func(Event)

var (
	ErrRuleExists   = errors.New("alert rule already exists")
	ErrRuleNotFound = errors.New("alert rule not found")
	ErrTooManyRules = errors.New("alert rule limit reached")
	ErrInvalidRule  = errors.New("invalid alert rule")
)

type rule struct {
	name          string
	op            Op
	threshold     float64
	thresholdHigh float64
	hysteresis    float64
	cooldown      time.Duration
	severity      Severity
	enabled       bool
	state         State
	lastValue     float64
	fireCount     uint64
	checkCount    uint64
	lastFired     time.Time
	lastCleared   time.Time
	onTransition  Listener
}

// Snapshot is the full serialized form of one rule.
type Snapshot struct {
	Name          string   `json:"name"`
	Op            Op       `json:"op"`
	Threshold     float64  `json:"threshold"`
	ThresholdHigh *float64 `json:"thresholdHigh,omitempty"`
	Hysteresis    float64  `json:"hysteresis"`
	CooldownMs    int64    `json:"cooldownMs"`
	Severity      Severity `json:"severity"`
	Enabled       bool     `json:"enabled"`
	State         State    `json:"state"`
	LastValue     float64  `json:"lastValue"`
	FireCount     uint64   `json:"fireCount"`
	CheckCount    uint64   `json:"checkCount"`
	LastFiredMs   int64    `json:"lastFiredMs"`
	LastClearedMs int64    `json:"lastClearedMs"`
}

// ActiveSnapshot is the abbreviated form used for active-alert listings.
type ActiveSnapshot struct {
	Name        string   `json:"name"`
	State       State    `json:"state"`
	Severity    Severity `json:"severity"`
	LastValue   float64  `json:"lastValue"`
	FireCount   uint64   `json:"fireCount"`
	LastFiredMs int64    `json:"lastFiredMs"`
}

// Config controls the engine.
type Config struct {
	// MaxRules caps the rule table. Zero means DefaultMaxRules.
	MaxRules int
}

// Engine owns the rule table and evaluates samples against it.
type Engine struct {
	mu        sync.Mutex
	rules     map[string]*rule
	order     []string
	maxRules  int
	listeners []Listener

	now func() time.Time
}

// NewEngine creates an alert engine.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxRules <= 0 {
		cfg.MaxRules = DefaultMaxRules
	}
	return &Engine{
		rules:    make(map[string]*rule),
		maxRules: cfg.MaxRules,
		now:      time.Now,
	}
}

// AddRule registers a single-threshold rule. An empty severity
// defaults to warning. Range operators need AddRangeRule.
func (e *Engine) AddRule(name string, op Op, threshold float64, severity Severity) error {
	if op.IsRange() {
		return fmt.Errorf("%w: operator %q needs a range rule", ErrInvalidRule, op)
	}
	return e.add(name, op, threshold, 0, severity)
}

// AddRangeRule registers a rule comparing against a [low, high] band.
// Only outside_range and inside_range are accepted.
func (e *Engine) AddRangeRule(name string, op Op, low, high float64, severity Severity) error {
	if !op.IsRange() {
		return fmt.Errorf("%w: operator %q is not a range operator", ErrInvalidRule, op)
	}
	return e.add(name, op, low, high, severity)
}

func (e *Engine) add(name string, op Op, threshold, thresholdHigh float64, severity Severity) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRule)
	}
	if !op.Valid() {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, op)
	}
	if severity == "" {
		severity = SeverityWarning
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[name]; ok {
		return fmt.Errorf("%w: %s", ErrRuleExists, name)
	}
	if len(e.rules) >= e.maxRules {
		return fmt.Errorf("%w: max %d", ErrTooManyRules, e.maxRules)
	}
	e.rules[name] = &rule{
		name:          name,
		op:            op,
		threshold:     threshold,
		thresholdHigh: thresholdHigh,
		severity:      severity,
		enabled:       true,
		state:         StateClear,
	}
	e.order = append(e.order, name)
	return nil
}

// SetHysteresis sets the clearing margin for a rule. Negative values
// are folded to their absolute value.
func (e *Engine) SetHysteresis(name string, h float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	r.hysteresis = math.Abs(h)
	return nil
}

// SetCooldown sets the minimum gap between a clear and the next fire.
func (e *Engine) SetCooldown(name string, d time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	r.cooldown = d
	return nil
}

// SetEnabled toggles a rule. Disabled rules never match and never
// record checks.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	r.enabled = enabled
	return nil
}

// OnRule attaches a per-rule transition callback. It runs before the
// global listeners.
func (e *Engine) OnRule(name string, fn Listener) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	r.onTransition = fn
	return nil
}

// AddListener attaches a global transition callback.
func (e *Engine) AddListener(fn Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Check evaluates one sample against a rule. It returns true when the
// rule fires on this sample or is already active. Unknown and disabled
// rules return false.
func (e *Engine) Check(name string, value float64) bool {
	result, ev := e.evaluate(name, value)
	if ev != nil {
		e.deliver(*ev)
	}
	return result
}

// CheckAll evaluates one sample against every rule whose name starts
// with prefix and returns how many reported active.
func (e *Engine) CheckAll(prefix string, value float64) int {
	e.mu.Lock()
	var names []string
	for _, name := range e.order {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			names = append(names, name)
		}
	}
	e.mu.Unlock()

	active := 0
	for _, name := range names {
		if e.Check(name, value) {
			active++
		}
	}
	return active
}

func (e *Engine) evaluate(name string, value float64) (bool, *Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[name]
	if !ok || !r.enabled {
		return false, nil
	}
	r.checkCount++
	r.lastValue = value

	met := conditionMet(r, value)
	now := e.now()

	if met && r.state == StateClear {
		if r.cooldown > 0 && !r.lastFired.IsZero() && now.Sub(r.lastFired) < r.cooldown {
			return false, nil
		}
		r.state = StateActive
		r.lastFired = now
		r.fireCount++
		return true, e.eventLocked(r, true, value)
	}

	if !met && r.state != StateClear {
		if r.hysteresis > 0 && !clearConditionMet(r, value) {
			return r.state == StateActive, nil
		}
		r.state = StateClear
		r.lastCleared = now
		return false, e.eventLocked(r, false, value)
	}

	return r.state == StateActive, nil
}

func (e *Engine) eventLocked(r *rule, fired bool, value float64) *Event {
	return &Event{
		Rule:     r.name,
		Fired:    fired,
		State:    r.state,
		Severity: r.severity,
		Value:    value,
	}
}

// deliver runs the per-rule callback first, then the global listeners,
// all outside the engine lock.
func (e *Engine) deliver(ev Event) {
	e.mu.Lock()
	var perRule Listener
	if r, ok := e.rules[ev.Rule]; ok {
		perRule = r.onTransition
	}
	global := make([]Listener, len(e.listeners))
	copy(global, e.listeners)
	e.mu.Unlock()

	if perRule != nil {
		perRule(ev)
	}
	for _, fn := range global {
		fn(ev)
	}
}

func conditionMet(r *rule, v float64) bool {
	switch r.op {
	case OpGreaterThan:
		return v > r.threshold
	case OpGreaterEqual:
		return v >= r.threshold
	case OpLessThan:
		return v < r.threshold
	case OpLessEqual:
		return v <= r.threshold
	case OpEqual:
		return math.Abs(v-r.threshold) < epsilon
	case OpNotEqual:
		return math.Abs(v-r.threshold) >= epsilon
	case OpOutsideRange:
		return v < r.threshold || v > r.thresholdHigh
	case OpInsideRange:
		return r.threshold <= v && v <= r.thresholdHigh
	}
	return false
}

// clearConditionMet requires the value to retreat past the threshold
// by the hysteresis margin before an active rule may clear.
func clearConditionMet(r *rule, v float64) bool {
	h := r.hysteresis
	switch r.op {
	case OpGreaterThan, OpGreaterEqual:
		return v < r.threshold-h
	case OpLessThan, OpLessEqual:
		return v > r.threshold+h
	case OpEqual:
		return math.Abs(v-r.threshold) > h
	case OpNotEqual:
		return math.Abs(v-r.threshold) < epsilon
	case OpOutsideRange:
		return v >= r.threshold+h && v <= r.thresholdHigh-h
	case OpInsideRange:
		return v < r.threshold-h || v > r.thresholdHigh+h
	}
	return false
}

// Acknowledge marks an active rule as seen. Only active rules can be
// acknowledged; the rule stays non-clear until its value retreats.
func (e *Engine) Acknowledge(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[name]
	if !ok || r.state != StateActive {
		return false
	}
	r.state = StateAcknowledged
	return true
}

// Reset forces a rule back to clear without notifying listeners.
// Counters and timestamps are kept.
func (e *Engine) Reset(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[name]
	if !ok {
		return false
	}
	r.state = StateClear
	return true
}

// ResetAll forces every rule back to clear without notifying.
func (e *Engine) ResetAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.rules {
		r.state = StateClear
	}
}

// Remove deletes a rule.
func (e *Engine) Remove(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[name]; !ok {
		return false
	}
	delete(e.rules, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true
}

// Count returns the number of rules.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules)
}

// ActiveCount returns how many rules are active or acknowledged.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeCountLocked()
}

func (e *Engine) activeCountLocked() int {
	n := 0
	for _, r := range e.rules {
		if r.state != StateClear {
			n++
		}
	}
	return n
}

// State returns a rule's lifecycle state, or clear for unknown rules.
func (e *Engine) State(name string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.rules[name]; ok {
		return r.state
	}
	return StateClear
}

// Rules snapshots every rule in registration order.
func (e *Engine) Rules() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.order))
	for _, name := range e.order {
		r := e.rules[name]
		s := Snapshot{
			Name:          r.name,
			Op:            r.op,
			Threshold:     r.threshold,
			Hysteresis:    r.hysteresis,
			CooldownMs:    r.cooldown.Milliseconds(),
			Severity:      r.severity,
			Enabled:       r.enabled,
			State:         r.state,
			LastValue:     sanitize(r.lastValue),
			FireCount:     r.fireCount,
			CheckCount:    r.checkCount,
			LastFiredMs:   unixMs(r.lastFired),
			LastClearedMs: unixMs(r.lastCleared),
		}
		if r.op.IsRange() {
			high := r.thresholdHigh
			s.ThresholdHigh = &high
		}
		out = append(out, s)
	}
	return out
}

// Active snapshots the rules that are currently active or acknowledged.
func (e *Engine) Active() []ActiveSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ActiveSnapshot
	for _, name := range e.order {
		r := e.rules[name]
		if r.state == StateClear {
			continue
		}
		out = append(out, ActiveSnapshot{
			Name:        r.name,
			State:       r.state,
			Severity:    r.severity,
			LastValue:   sanitize(r.lastValue),
			FireCount:   r.fireCount,
			LastFiredMs: unixMs(r.lastFired),
		})
	}
	return out
}

// Summary returns a one-line digest like "Alerts: 3 rules, 1 active".
func (e *Engine) Summary() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf("Alerts: %d rules, %d active", len(e.rules), e.activeCountLocked())
}

// sanitize maps NaN and infinities to zero so snapshots stay
// JSON-encodable.
func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
