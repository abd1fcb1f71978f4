package realtime

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds automatic resubscription of a failed channel.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns 5 attempts, 1s doubling up to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// ShouldRetry reports whether another attempt is allowed.
func (p RetryPolicy) ShouldRetry(s *RetryState) bool {
	return s.Attempts() < p.MaxAttempts
}

// NextDelay counts one more attempt on s and returns the delay before it:
// min(BaseDelay * 2^(n-1), MaxDelay) for the nth attempt.
func (p RetryPolicy) NextDelay(s *RetryState) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backoff == nil {
		s.backoff = p.newBackOff()
	}
	s.attempts++
	s.delay = s.backoff.NextBackOff()
	return s.delay
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()
	return b
}

// RetryState is the retry bookkeeping of one logical channel name.
type RetryState struct {
	mu        sync.Mutex
	attempts  int
	delay     time.Duration
	exhausted bool
	backoff   *backoff.ExponentialBackOff
	timer     *time.Timer
}

// Attempts returns the number of retries scheduled since the last reset.
func (s *RetryState) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Delay returns the most recently computed delay.
func (s *RetryState) Delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}

// Exhausted reports whether the attempts ran out.
func (s *RetryState) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// Reset clears the counters and cancels a pending retry.
func (s *RetryState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
	s.delay = 0
	s.exhausted = false
	if s.backoff != nil {
		s.backoff.Reset()
	}
	s.stopLocked()
}

// Pending reports whether a retry timer is armed.
func (s *RetryState) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *RetryState) markExhausted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted = true
	s.stopLocked()
}

// arm schedules fn after d unless a timer is already armed.
func (s *RetryState) arm(d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return false
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		fired := s.timer == t
		if fired {
			s.timer = nil
		}
		s.mu.Unlock()
		if fired {
			fn()
		}
	})
	s.timer = t
	return true
}

func (s *RetryState) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *RetryState) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
