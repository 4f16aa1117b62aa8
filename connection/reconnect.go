package connection

import (
	"time"

	"github.com/AlectoTheFirst/hoas-cresontrol/pkg/retry"
)

// Policy decides when and whether to attempt reconnection after a drop.
// The attempt counter it evaluates is 1-based: attempt 1 is the first
// retry after a failure and waits the initial delay.
type Policy struct {
	Backoff     retry.Config
	MaxAttempts int // 0 = retry forever
	AddJitter   bool
}

// NewPolicy builds a reconnect policy from explicit backoff parameters.
func NewPolicy(initial, max time.Duration, multiplier float64, maxAttempts int) Policy {
	return Policy{
		Backoff: retry.Config{
			InitialDelay: initial,
			MaxDelay:     max,
			Multiplier:   multiplier,
		},
		MaxAttempts: maxAttempts,
	}
}

// Exhausted reports whether the given attempt number is past the cap.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Delay returns how long to wait before the given attempt.
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.Backoff.DelayForAttempt(attempt)
	if p.AddJitter {
		delay = retry.Jitter(delay)
	}
	return delay
}
