package securefetch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://api.example.com"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func newTestBreakers(threshold int, coolDown time.Duration, clock *fakeClock) *BreakerRegistry {
	r := NewBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: threshold,
		CoolDown:         coolDown,
		IdleTTL:          time.Hour,
	})
	r.now = clock.Now
	return r
}

func TestNewBreakerRegistryDefaults(t *testing.T) {
	r := NewBreakerRegistry(CircuitBreakerConfig{})

	assert.Equal(t, 10, r.config.FailureThreshold)
	assert.Equal(t, 60*time.Second, r.config.CoolDown)
	assert.Equal(t, 10*time.Minute, r.config.IdleTTL)
	assert.Equal(t, StateClosed, r.State(testOrigin))
	assert.True(t, r.Allow(testOrigin))
	assert.Zero(t, r.Len(), "Allow on an unknown origin must not create state")
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	r := newTestBreakers(3, 30*time.Second, clock)

	for i := 0; i < 2; i++ {
		assert.Equal(t, StateClosed, r.RecordFailure(testOrigin))
		assert.True(t, r.Allow(testOrigin))
	}

	assert.Equal(t, StateOpen, r.RecordFailure(testOrigin))
	assert.False(t, r.Allow(testOrigin))
	assert.Equal(t, 3, r.Failures(testOrigin))
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	clock := newFakeClock()
	r := newTestBreakers(2, 30*time.Second, clock)

	r.RecordFailure(testOrigin)
	r.RecordFailure(testOrigin)
	require.Equal(t, StateOpen, r.State(testOrigin))

	clock.Advance(30 * time.Second)
	assert.False(t, r.Allow(testOrigin), "cool-down must be strictly exceeded")

	clock.Advance(time.Millisecond)
	assert.True(t, r.Allow(testOrigin), "first call after cool-down is the probe")
	assert.Equal(t, StateHalfOpen, r.State(testOrigin))
	assert.False(t, r.Allow(testOrigin), "only one probe is admitted")

	assert.Equal(t, StateClosed, r.RecordSuccess(testOrigin))
	assert.Zero(t, r.Failures(testOrigin))
	assert.True(t, r.Allow(testOrigin))
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	r := newTestBreakers(2, 10*time.Second, clock)

	r.RecordFailure(testOrigin)
	r.RecordFailure(testOrigin)
	clock.Advance(11 * time.Second)
	require.True(t, r.Allow(testOrigin))

	assert.Equal(t, StateOpen, r.RecordFailure(testOrigin))
	assert.False(t, r.Allow(testOrigin))

	clock.Advance(11 * time.Second)
	assert.True(t, r.Allow(testOrigin))
}

func TestBreakerReleaseFreesAbandonedProbe(t *testing.T) {
	clock := newFakeClock()
	r := newTestBreakers(2, 10*time.Second, clock)

	r.RecordFailure(testOrigin)
	r.RecordFailure(testOrigin)
	clock.Advance(11 * time.Second)
	require.True(t, r.Allow(testOrigin))
	require.False(t, r.Allow(testOrigin))

	r.Release(testOrigin)
	assert.Equal(t, StateHalfOpen, r.State(testOrigin))
	assert.True(t, r.Allow(testOrigin), "a released slot admits the next probe")
	assert.False(t, r.Allow(testOrigin))

	r.Release("https://unknown.example.com")
	assert.Zero(t, r.Failures("https://unknown.example.com"))
}

func TestBreakerAggregatesPerOrigin(t *testing.T) {
	clock := newFakeClock()
	r := newTestBreakers(1, time.Minute, clock)

	r.RecordFailure(originOf("https://API.example.com/users/1"))

	assert.False(t, r.Allow(originOf("https://api.example.com/orders")))
	assert.True(t, r.Allow(originOf("https://other.example.com/orders")))
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	clock := newFakeClock()
	r := newTestBreakers(3, time.Minute, clock)

	r.RecordFailure(testOrigin)
	r.RecordFailure(testOrigin)
	r.RecordSuccess(testOrigin)
	r.RecordFailure(testOrigin)
	r.RecordFailure(testOrigin)

	assert.Equal(t, StateClosed, r.State(testOrigin))
}

func TestBreakerSweepRemovesIdleOrigins(t *testing.T) {
	clock := newFakeClock()
	r := newTestBreakers(5, time.Minute, clock)

	r.RecordFailure("https://a.example.com")
	clock.Advance(30 * time.Minute)
	r.RecordFailure("https://b.example.com")
	clock.Advance(45 * time.Minute)

	assert.Equal(t, 1, r.Sweep(clock.Now()))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, r.Failures("https://b.example.com"))
	assert.Zero(t, r.Failures("https://a.example.com"))
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{CircuitState(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}

func BenchmarkBreakerAllow(b *testing.B) {
	r := NewBreakerRegistry(CircuitBreakerConfig{})
	r.RecordSuccess(testOrigin)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Allow(testOrigin)
	}
}
