package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 5 * time.Second, Factor: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicyFactorBelowOneIsConstant(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Factor: 0.5}
	assert.Equal(t, 100*time.Millisecond, p.Delay(4))
}

func TestPolicyCeiling(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Factor: 2, MaxAttempts: 3}

	for attempt := 1; attempt <= 3; attempt++ {
		_, ok := p.Next(attempt)
		assert.True(t, ok, "attempt %d should be allowed", attempt)
	}
	_, ok := p.Next(4)
	assert.False(t, ok)

	unlimited := Policy{Initial: time.Millisecond}
	_, ok = unlimited.Next(1000)
	assert.True(t, ok)
}

func TestCounterResetsAfterStableRun(t *testing.T) {
	c := Counter{
		Policy:     Policy{Initial: time.Second, Factor: 2, MaxAttempts: 2},
		ResetAfter: time.Minute,
	}

	d, ok := c.Failed(time.Second)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)

	d, ok = c.Failed(time.Second)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	_, ok = c.Failed(time.Second)
	assert.False(t, ok, "third quick failure exceeds the ceiling")

	// a long run forgets earlier crashes
	d, ok = c.Failed(2 * time.Minute)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)
	assert.Equal(t, 1, c.Failures())
}

func TestSleepInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
