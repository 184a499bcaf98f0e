package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFailed = errors.New("failed")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(settings Settings) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := New("test", settings)
	b.now = clock.now
	return b, clock
}

func run(b *Breaker, ok bool) error {
	return b.Do(func() error {
		if ok {
			return nil
		}
		return errFailed
	})
}

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name          string
		settings      Settings
		requests      []bool // true = success, false = failure
		expectedState State
	}{
		{
			name:          "stays closed on successes",
			settings:      Settings{Threshold: 2},
			requests:      []bool{true, true, true},
			expectedState: StateClosed,
		},
		{
			name:          "opens after consecutive failures",
			settings:      Settings{Threshold: 3},
			requests:      []bool{false, false, false},
			expectedState: StateOpen,
		},
		{
			name:          "success resets the failure run",
			settings:      Settings{Threshold: 3},
			requests:      []bool{false, false, true, false, false},
			expectedState: StateClosed,
		},
		{
			name:          "zero threshold never opens",
			settings:      Settings{},
			requests:      []bool{false, false, false, false},
			expectedState: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breaker, _ := newTestBreaker(tt.settings)
			for _, success := range tt.requests {
				_ = run(breaker, success)
			}
			assert.Equal(t, tt.expectedState, breaker.State())
		})
	}
}

func TestBreakerOpenState(t *testing.T) {
	breaker, _ := newTestBreaker(Settings{Threshold: 2, Cooldown: time.Minute})

	require.ErrorIs(t, run(breaker, false), errFailed)
	require.ErrorIs(t, run(breaker, false), errFailed)
	assert.Equal(t, StateOpen, breaker.State())

	called := false
	err := breaker.Do(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenState(t *testing.T) {
	breaker, clock := newTestBreaker(Settings{Threshold: 2, Cooldown: time.Second, Probes: 2})

	_ = run(breaker, false)
	_ = run(breaker, false)
	require.Equal(t, StateOpen, breaker.State())

	clock.advance(time.Second)
	assert.Equal(t, StateHalfOpen, breaker.State())

	first, err := breaker.Allow()
	require.NoError(t, err)
	second, err := breaker.Allow()
	require.NoError(t, err)
	_, err = breaker.Allow()
	assert.ErrorIs(t, err, ErrTooManyRequests)

	breaker.Report(first, true)
	assert.Equal(t, StateHalfOpen, breaker.State())
	breaker.Report(second, true)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	breaker, clock := newTestBreaker(Settings{Threshold: 1, Cooldown: time.Second})

	_ = run(breaker, false)
	clock.advance(time.Second)
	require.Equal(t, StateHalfOpen, breaker.State())

	_ = run(breaker, false)
	assert.Equal(t, StateOpen, breaker.State())
}

func TestBreakerIgnoresStaleReports(t *testing.T) {
	breaker, _ := newTestBreaker(Settings{Threshold: 1, Cooldown: time.Minute})

	stale, err := breaker.Allow()
	require.NoError(t, err)
	_ = run(breaker, false)
	require.Equal(t, StateOpen, breaker.State())

	// A success admitted before the breaker opened does not close it.
	breaker.Report(stale, true)
	assert.Equal(t, StateOpen, breaker.State())
}

func TestBreakerCounts(t *testing.T) {
	breaker, _ := newTestBreaker(Settings{Threshold: 5})

	require.NoError(t, run(breaker, true))
	counts := breaker.Counts()
	assert.Equal(t, uint32(1), counts.Requests)
	assert.Equal(t, uint32(1), counts.ConsecutiveSuccesses)

	assert.Error(t, run(breaker, false))
	counts = breaker.Counts()
	assert.Equal(t, uint32(2), counts.Requests)
	assert.Equal(t, uint32(1), counts.ConsecutiveFailures)
	assert.Equal(t, uint32(0), counts.ConsecutiveSuccesses)
}

func TestBreakerCallbacks(t *testing.T) {
	var transitions []string
	breaker, clock := newTestBreaker(Settings{
		Threshold: 2,
		Cooldown:  time.Second,
		OnStateChange: func(name string, from State, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = run(breaker, false)
	_ = run(breaker, false)
	clock.advance(time.Second)
	_ = run(breaker, true)

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestNilBreakerAllowsEverything(t *testing.T) {
	var breaker *Breaker
	assert.False(t, breaker.Enabled())
	assert.NoError(t, run(breaker, true))
	assert.ErrorIs(t, run(breaker, false), errFailed)
	assert.Equal(t, StateClosed, breaker.State())
}
