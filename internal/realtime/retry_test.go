package realtime

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelayDoublesUpToCap(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	st := &RetryState{}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, d := range want {
		assert.Equal(t, d, p.NextDelay(st), "attempt %d", i+1)
		assert.Equal(t, i+1, st.Attempts())
		assert.Equal(t, d, st.Delay())
	}
}

func TestShouldRetryStopsAtMax(t *testing.T) {
	p := DefaultRetryPolicy()
	st := &RetryState{}

	scheduled := 0
	for p.ShouldRetry(st) {
		p.NextDelay(st)
		scheduled++
		require.LessOrEqual(t, scheduled, p.MaxAttempts)
	}
	assert.Equal(t, 5, scheduled)
}

func TestResetRestartsSequence(t *testing.T) {
	p := DefaultRetryPolicy()
	st := &RetryState{}

	p.NextDelay(st)
	p.NextDelay(st)
	st.markExhausted()
	require.True(t, st.Exhausted())

	st.Reset()
	assert.Equal(t, 0, st.Attempts())
	assert.False(t, st.Exhausted())
	assert.Equal(t, time.Second, p.NextDelay(st))
}

func TestArmKeepsOneTimer(t *testing.T) {
	st := &RetryState{}
	var fired atomic.Int32

	require.True(t, st.arm(10*time.Millisecond, func() { fired.Add(1) }))
	assert.False(t, st.arm(10*time.Millisecond, func() { fired.Add(1) }))
	assert.True(t, st.Pending())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, st.Pending())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestResetCancelsPendingTimer(t *testing.T) {
	st := &RetryState{}
	var fired atomic.Int32

	require.True(t, st.arm(20*time.Millisecond, func() { fired.Add(1) }))
	st.Reset()
	assert.False(t, st.Pending())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
