package phx

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// ReconnectDelayStrategy computes the wait before the next reconnect
// attempt. NextDelay advances the attempt counter; Reset rewinds it after
// a successful connect.
type ReconnectDelayStrategy interface {
	NextDelay() time.Duration
	Reset()
}

// FixedDelayStrategy waits the same duration between every attempt.
type FixedDelayStrategy struct {
	Delay time.Duration
}

// NewFixedDelayStrategy returns a new FixedDelayStrategy.
func NewFixedDelayStrategy(delay time.Duration) *FixedDelayStrategy {
	if delay < 0 {
		delay = 0
	}
	return &FixedDelayStrategy{Delay: delay}
}

// NextDelay returns the configured fixed delay.
func (strategy *FixedDelayStrategy) NextDelay() time.Duration {
	if strategy == nil {
		return 0
	}
	return strategy.Delay
}

// Reset executes the exported reset operation.
func (strategy *FixedDelayStrategy) Reset() {
	if strategy == nil {
		return
	}
}

// ExponentialDelayStrategy grows the delay by Factor per attempt up to
// MaxDelay, with a randomized jitter fraction applied to each wait so a
// fleet of clients does not reconnect in lockstep.
type ExponentialDelayStrategy struct {
	lock      sync.Mutex
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	Jitter    float64
	attempts  uint32
}

// NewExponentialDelayStrategy returns a new ExponentialDelayStrategy.
func NewExponentialDelayStrategy(baseDelay time.Duration, maxDelay time.Duration, factor float64, jitter float64) *ExponentialDelayStrategy {
	if baseDelay < 0 {
		baseDelay = 0
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if factor < 1 {
		factor = 2
	}
	if jitter < 0 || jitter >= 1 {
		jitter = 0.25
	}
	return &ExponentialDelayStrategy{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		Factor:    factor,
		Jitter:    jitter,
	}
}

// NextDelay returns the capped exponential delay for the current attempt.
func (strategy *ExponentialDelayStrategy) NextDelay() time.Duration {
	if strategy == nil {
		return 0
	}

	strategy.lock.Lock()
	defer strategy.lock.Unlock()

	attempt := strategy.attempts
	strategy.attempts = attempt + 1

	delay := strategy.BaseDelay
	if attempt > 0 && delay > 0 {
		delayFloat := float64(delay) * math.Pow(strategy.Factor, float64(attempt))
		if delayFloat > float64(strategy.MaxDelay) {
			delayFloat = float64(strategy.MaxDelay)
		}
		delay = time.Duration(delayFloat)
	}
	if delay > strategy.MaxDelay {
		delay = strategy.MaxDelay
	}
	if strategy.Jitter > 0 && delay > 0 {
		spread := float64(delay) * strategy.Jitter
		delay = time.Duration(float64(delay) - spread/2 + rand.Float64()*spread)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Reset rewinds the attempt counter.
func (strategy *ExponentialDelayStrategy) Reset() {
	if strategy == nil {
		return
	}
	strategy.lock.Lock()
	strategy.attempts = 0
	strategy.lock.Unlock()
}

// DelayFuncStrategy adapts a caller-supplied attempt-to-delay function.
// The function receives the attempt number starting at 1.
type DelayFuncStrategy struct {
	lock    sync.Mutex
	fn      func(attempt int) time.Duration
	attempt int
}

// NewDelayFuncStrategy returns a new DelayFuncStrategy.
func NewDelayFuncStrategy(fn func(attempt int) time.Duration) *DelayFuncStrategy {
	return &DelayFuncStrategy{fn: fn}
}

// NextDelay calls the wrapped function with the next attempt number.
func (strategy *DelayFuncStrategy) NextDelay() time.Duration {
	if strategy == nil || strategy.fn == nil {
		return 0
	}
	strategy.lock.Lock()
	strategy.attempt++
	attempt := strategy.attempt
	strategy.lock.Unlock()

	delay := strategy.fn(attempt)
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Reset rewinds the attempt counter.
func (strategy *DelayFuncStrategy) Reset() {
	if strategy == nil {
		return
	}
	strategy.lock.Lock()
	strategy.attempt = 0
	strategy.lock.Unlock()
}
