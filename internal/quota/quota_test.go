package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDailyLimit(t *testing.T) {
	l := New(3)
	l.burstRPS = 1000 // keep the burst gate out of the way
	l.burst = 1000

	for i := 0; i < 3; i++ {
		allowed, remaining := l.Check("anon-1")
		assert.True(t, allowed)
		assert.Equal(t, 3-i, remaining)
		l.Increment("anon-1")
	}

	allowed, remaining := l.Check("anon-1")
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)

	// Other keys are unaffected.
	allowed, _ = l.Check("anon-2")
	assert.True(t, allowed)
}

func TestDayRollover(t *testing.T) {
	l := New(1)
	l.burstRPS = 1000
	l.burst = 1000

	current := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return current }

	l.Increment("anon-1")
	allowed, _ := l.Check("anon-1")
	assert.False(t, allowed)

	current = current.Add(2 * time.Hour) // past midnight UTC
	allowed, remaining := l.Check("anon-1")
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)
}

func TestBurstGate(t *testing.T) {
	l := New(100)
	l.burstRPS = 0.001
	l.burst = 2

	allowed, _ := l.Check("anon-1")
	assert.True(t, allowed)
	allowed, _ = l.Check("anon-1")
	assert.True(t, allowed)

	// Bucket drained; daily quota still has room but the burst gate holds.
	allowed, remaining := l.Check("anon-1")
	assert.False(t, allowed)
	assert.Greater(t, remaining, 0)
}
