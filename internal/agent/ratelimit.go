package agent

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket for throttling LLM API calls.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = defaultRateBurst
	}
	if ratePerMinute <= 0 {
		ratePerMinute = defaultRatePerMinute
	}
	return &RateLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0,
		lastTime: time.Now(),
	}
}

func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
		if rl.tokens > rl.max {
			rl.tokens = rl.max
		}
		rl.lastTime = now

		if rl.tokens >= 1.0 {
			rl.tokens -= 1.0
			rl.mu.Unlock()
			return nil
		}

		waitSec := (1.0 - rl.tokens) / rl.rate
		rl.mu.Unlock()

		timer := time.NewTimer(time.Duration(waitSec * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// providerLimiters hands out one bucket per provider so a chatty session
// cannot exhaust a shared API key.
type providerLimiters struct {
	mu       sync.Mutex
	burst    int
	limiters map[string]*RateLimiter
}

func newProviderLimiters(burst int) *providerLimiters {
	return &providerLimiters{burst: burst, limiters: make(map[string]*RateLimiter)}
}

// Wait blocks until the provider's bucket has a token. perMinute <= 0 uses the default rate.
func (p *providerLimiters) Wait(ctx context.Context, providerID string, perMinute float64) error {
	p.mu.Lock()
	rl, ok := p.limiters[providerID]
	if !ok {
		rl = NewRateLimiter(p.burst, perMinute)
		p.limiters[providerID] = rl
	}
	p.mu.Unlock()
	return rl.Wait(ctx)
}
