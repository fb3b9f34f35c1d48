package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestClosedBelowThreshold(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{Threshold: 3, MinBackoff: time.Second, MaxBackoff: 10 * time.Second}, WithClock(clock.Now))

	assert.True(t, m.Permitted("u"), "unknown upstream is permitted")
	m.RecordFailure("u")
	m.RecordFailure("u")
	assert.True(t, m.Permitted("u"))
	assert.Equal(t, StateClosed, m.Snapshot("u").State)
}

// threshold=2, minBackoff=1s: two failures open the breaker, one trial after
// 1s, a failed trial doubles the backoff to 2s.
func TestThresholdTwoScenario(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{Threshold: 2, MinBackoff: time.Second, MaxBackoff: time.Minute}, WithClock(clock.Now))

	m.RecordFailure("u")
	m.RecordFailure("u")
	assert.False(t, m.Permitted("u"), "open immediately after threshold")

	clock.Advance(999 * time.Millisecond)
	assert.False(t, m.Permitted("u"))

	clock.Advance(time.Millisecond)
	assert.True(t, m.Permitted("u"), "half-open trial")
	assert.False(t, m.Permitted("u"), "only one trial per window")

	m.RecordFailure("u")
	snap := m.Snapshot("u")
	assert.Equal(t, 2*time.Second, snap.Backoff)
	assert.Equal(t, StateOpen, snap.State)

	clock.Advance(1999 * time.Millisecond)
	assert.False(t, m.Permitted("u"))
	clock.Advance(time.Millisecond)
	assert.True(t, m.Permitted("u"))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{Threshold: 1, MinBackoff: time.Second, MaxBackoff: 5 * time.Second}, WithClock(clock.Now))

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, expected := range want {
		m.RecordFailure("u")
		assert.Equal(t, expected, m.Snapshot("u").Backoff, "after failure %d", i+1)
	}
}

func TestSuccessHeals(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{Threshold: 2, MinBackoff: time.Second, MaxBackoff: time.Minute}, WithClock(clock.Now))

	for i := 0; i < 7; i++ {
		m.RecordFailure("u")
	}
	require.Equal(t, 7, m.Snapshot("u").Failures)

	m.RecordSuccess("u")
	snap := m.Snapshot("u")
	assert.Equal(t, 0, snap.Failures)
	assert.Equal(t, time.Second, snap.Backoff)
	assert.Equal(t, StateClosed, snap.State)
	assert.True(t, m.Permitted("u"))
}

func TestUpstreamsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{Threshold: 1}, WithClock(clock.Now))
	m.RecordFailure("a")
	assert.False(t, m.Permitted("a"))
	assert.True(t, m.Permitted("b"))
}

func TestDoRejectsWithoutCallingOperation(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{Threshold: 1, MinBackoff: time.Minute}, WithClock(clock.Now))
	m.RecordFailure("u")

	called := false
	_, err := Do(context.Background(), m, "u", func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, time.Minute, openErr.RetryAfter)
	assert.False(t, called)
	assert.Equal(t, 1, m.Snapshot("u").Failures, "rejection is not a failure")
}

func TestDoRecordsOutcomes(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{Threshold: 2}, WithClock(clock.Now))
	boom := errors.New("upstream returned an error response")

	_, err := Do(context.Background(), m, "u", func(context.Context) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, m.Snapshot("u").Failures)

	got, err := Do(context.Background(), m, "u", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 0, m.Snapshot("u").Failures)
}

func TestDoCancellationReleasesTrial(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{Threshold: 1, MinBackoff: time.Second}, WithClock(clock.Now))
	m.RecordFailure("u")
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, m, "u", func(ctx context.Context) (int, error) { return 0, ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, m.Snapshot("u").Failures)
	assert.True(t, m.Permitted("u"), "trial slot was released")
}

func TestUnreportedTrialExpires(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{Threshold: 1, MinBackoff: time.Second, MaxBackoff: 4 * time.Second}, WithClock(clock.Now))
	m.RecordFailure("u")
	clock.Advance(time.Second)
	require.True(t, m.Permitted("u"))
	assert.False(t, m.Permitted("u"))

	clock.Advance(4 * time.Second)
	assert.True(t, m.Permitted("u"), "stale trial reservation is reclaimed")
}

func TestStateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var transitions []State
	m := NewManager(Config{Threshold: 1, MinBackoff: time.Second}, WithClock(clock.Now), WithStateChange(func(_ string, _, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}))

	m.RecordFailure("u")
	clock.Advance(time.Second)
	m.Permitted("u")
	m.RecordSuccess("u")

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestConcurrentAccounting(t *testing.T) {
	m := NewManager(Config{Threshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				m.RecordFailure("u")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 500, m.Snapshot("u").Failures)
}
