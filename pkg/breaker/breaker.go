// Package breaker keeps one circuit breaker per upstream. State transitions are
// driven purely by failure counters and wall-clock reads; there are no timers.
//
// A breaker is Closed while consecutive failures stay below the threshold. Once
// the threshold is reached it is Open until the backoff has elapsed since the
// last failure, then Half-Open: exactly one trial call is let through. A failed
// trial grows the backoff and restarts the window; a success closes the breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the externally visible breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is matched by every *OpenError.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned when a call is rejected without being attempted.
type OpenError struct {
	ID         string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker open for %s (retry in %s)", e.ID, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker open for %s (trial in flight)", e.ID)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Config controls thresholds and backoff growth.
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// MinBackoff is the first open interval after crossing the threshold.
	MinBackoff time.Duration
	// MaxBackoff caps exponential growth. It also bounds how long an
	// unreported trial holds the half-open slot.
	MaxBackoff time.Duration
}

// DefaultConfig returns threshold 5, 1s minimum and 60s maximum backoff.
func DefaultConfig() Config {
	return Config{Threshold: 5, MinBackoff: time.Second, MaxBackoff: time.Minute}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = d.MinBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	return c
}

// Snapshot is a point-in-time copy of one breaker.
type Snapshot struct {
	State       State
	Failures    int
	Backoff     time.Duration
	LastFailure time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithStateChange registers a hook invoked after every state transition. It
// runs outside the entry lock.
func WithStateChange(fn func(id string, from, to State)) Option {
	return func(m *Manager) { m.onChange = fn }
}

// Manager owns the breakers for a set of upstreams. Entries are created lazily
// on first failure and each one is guarded by its own mutex, so different
// upstreams never contend.
type Manager struct {
	cfg      Config
	now      func() time.Time
	onChange func(id string, from, to State)

	entries sync.Map // id -> *entry
}

type entry struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	backoff     time.Duration
	trialing    bool
	trialAt     time.Time
}

// NewManager builds a Manager. Zero config fields fall back to DefaultConfig.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{cfg: cfg.withDefaults(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) lookup(id string) *entry {
	if v, ok := m.entries.Load(id); ok {
		return v.(*entry)
	}
	return nil
}

func (m *Manager) load(id string) *entry {
	if e := m.lookup(id); e != nil {
		return e
	}
	v, _ := m.entries.LoadOrStore(id, &entry{backoff: m.cfg.MinBackoff})
	return v.(*entry)
}

// Permitted reports whether a call to id may proceed. In the half-open window
// the first caller receives true and reserves the trial; later callers get
// false until the trial reports back.
func (m *Manager) Permitted(id string) bool {
	return m.acquire(id) == nil
}

func (m *Manager) acquire(id string) error {
	e := m.lookup(id)
	if e == nil {
		return nil
	}
	now := m.now()
	e.mu.Lock()
	if e.failures < m.cfg.Threshold {
		e.mu.Unlock()
		return nil
	}
	elapsed := now.Sub(e.lastFailure)
	if elapsed < e.backoff {
		retry := e.backoff - elapsed
		e.mu.Unlock()
		return &OpenError{ID: id, RetryAfter: retry}
	}
	if e.trialing && now.Sub(e.trialAt) < m.cfg.MaxBackoff {
		e.mu.Unlock()
		return &OpenError{ID: id}
	}
	e.trialing = true
	e.trialAt = now
	e.mu.Unlock()
	m.notify(id, StateOpen, StateHalfOpen)
	return nil
}

// RecordSuccess resets id to zero failures and the minimum backoff.
func (m *Manager) RecordSuccess(id string) {
	e := m.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	from := m.stateLocked(e, m.now())
	e.failures = 0
	e.backoff = m.cfg.MinBackoff
	e.lastFailure = time.Time{}
	e.trialing = false
	e.mu.Unlock()
	if from != StateClosed {
		m.notify(id, from, StateClosed)
	}
}

// RecordFailure counts one failed attempt against id.
func (m *Manager) RecordFailure(id string) {
	e := m.load(id)
	now := m.now()
	e.mu.Lock()
	from := m.stateLocked(e, now)
	e.failures++
	e.lastFailure = now
	e.trialing = false
	e.backoff = m.backoffFor(e.failures)
	to := m.stateLocked(e, now)
	e.mu.Unlock()
	if from != to {
		m.notify(id, from, to)
	}
}

// release gives back a trial reservation without counting an outcome.
func (m *Manager) release(id string) {
	e := m.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.trialing = false
	e.mu.Unlock()
}

// Reset forgets all state for id.
func (m *Manager) Reset(id string) {
	m.entries.Delete(id)
}

// Snapshot returns the current state of id.
func (m *Manager) Snapshot(id string) Snapshot {
	e := m.lookup(id)
	if e == nil {
		return Snapshot{State: StateClosed, Backoff: m.cfg.MinBackoff}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		State:       m.stateLocked(e, m.now()),
		Failures:    e.failures,
		Backoff:     e.backoff,
		LastFailure: e.lastFailure,
	}
}

func (m *Manager) stateLocked(e *entry, now time.Time) State {
	switch {
	case e.failures < m.cfg.Threshold:
		return StateClosed
	case now.Sub(e.lastFailure) < e.backoff:
		return StateOpen
	default:
		return StateHalfOpen
	}
}

func (m *Manager) backoffFor(failures int) time.Duration {
	if failures < m.cfg.Threshold {
		return m.cfg.MinBackoff
	}
	backoff := m.cfg.MinBackoff
	for i := 0; i < failures-m.cfg.Threshold; i++ {
		backoff *= 2
		if backoff >= m.cfg.MaxBackoff {
			return m.cfg.MaxBackoff
		}
	}
	return backoff
}

func (m *Manager) notify(id string, from, to State) {
	if m.onChange != nil {
		m.onChange(id, from, to)
	}
}

// Do runs op if the breaker for id permits it and records the outcome. A
// rejected call returns an error matching ErrOpen and performs no accounting.
// Cancellation by the caller is not an outcome: the trial slot is released and
// no counter changes.
func Do[T any](ctx context.Context, m *Manager, id string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := m.acquire(id); err != nil {
		return zero, err
	}
	result, err := op(ctx)
	switch {
	case err == nil:
		m.RecordSuccess(id)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		m.release(id)
	default:
		m.RecordFailure(id)
	}
	return result, err
}
