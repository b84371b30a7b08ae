package realtime

import (
	"math"
	"time"

	backoffv4 "github.com/cenkalti/backoff/v4"
)

// WakePolicy schedules reconnects after the gateway reports the tenant
// namespace as not ready.
type WakePolicy struct {
	Delay      time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// MaxAttempts bounds consecutive wake episodes; zero means unlimited.
	MaxAttempts int
}

// DefaultWakePolicy retries every 5 seconds without limit.
func DefaultWakePolicy() WakePolicy {
	return WakePolicy{Delay: 5 * time.Second, Multiplier: 1}
}

// Backoff returns the delay before the given 1-based attempt.
func (p WakePolicy) Backoff(attempt int) time.Duration {
	return backoff(p.Delay, p.MaxDelay, p.Multiplier, attempt)
}

// Exhausted reports whether attempt exceeds the policy.
func (p WakePolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// ReconnectPolicy bounds reconnects after transient transport errors.
type ReconnectPolicy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultReconnectPolicy makes five attempts backing off from 1 to 5 seconds.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Attempts: 5, Delay: time.Second, MaxDelay: 5 * time.Second}
}

// Backoff returns the delay before the given 1-based attempt.
func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	return backoff(p.Delay, p.MaxDelay, 2, attempt)
}

// Exhausted reports whether attempt exceeds the policy.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return attempt > p.Attempts
}

// backoff replays a jitter-free exponential schedule up to attempt. A zero
// ceiling leaves the schedule uncapped.
func backoff(base, ceiling time.Duration, multiplier float64, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if multiplier < 1 {
		multiplier = 1
	}
	if ceiling <= 0 {
		ceiling = time.Duration(math.MaxInt64)
	}
	if base > ceiling {
		return ceiling
	}
	b := backoffv4.NewExponentialBackOff(
		backoffv4.WithInitialInterval(base),
		backoffv4.WithMultiplier(multiplier),
		backoffv4.WithMaxInterval(ceiling),
		backoffv4.WithRandomizationFactor(0),
		backoffv4.WithMaxElapsedTime(0),
	)
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
