package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a budget cannot be acquired in time.
var ErrRateLimited = eris.New("rate budget exhausted")

// BucketConfig configures a token bucket. Units are caller-defined cost
// units (the pipeline uses kilotokens of estimated volume).
type BucketConfig struct {
	Capacity     int           `mapstructure:"capacity"`
	RefillPerSec float64       `mapstructure:"refill_per_sec"`
	WaitInitial  time.Duration `mapstructure:"wait_initial"`
	WaitMax      time.Duration `mapstructure:"wait_max"`
}

// BucketSnapshot is a point-in-time view of a bucket.
type BucketSnapshot struct {
	Capacity     int       `json:"capacity"`
	Available    float64   `json:"available"`
	RefillPerSec float64   `json:"refill_per_sec"`
	LastRefill   time.Time `json:"last_refill"`
}

// TokenBucket is a continuously refilling budget. The underlying limiter
// serializes every mutation, so concurrent callers never double-spend.
type TokenBucket struct {
	lim         *rate.Limiter
	capacity    int
	refill      float64
	waitInitial time.Duration
	waitMax     time.Duration

	// nowFunc and sleep allow test injection of time.
	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(cfg BucketConfig) *TokenBucket {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.RefillPerSec <= 0 {
		// refill the whole bucket once per minute
		cfg.RefillPerSec = float64(cfg.Capacity) / 60
	}
	if cfg.WaitInitial <= 0 {
		cfg.WaitInitial = 100 * time.Millisecond
	}
	if cfg.WaitMax <= 0 {
		cfg.WaitMax = 5 * time.Second
	}
	return &TokenBucket{
		lim:         rate.NewLimiter(rate.Limit(cfg.RefillPerSec), cfg.Capacity),
		capacity:    cfg.Capacity,
		refill:      cfg.RefillPerSec,
		waitInitial: cfg.WaitInitial,
		waitMax:     cfg.WaitMax,
		nowFunc:     time.Now,
		sleep:       sleepCtx,
	}
}

// Capacity returns the bucket size.
func (b *TokenBucket) Capacity() int {
	return b.capacity
}

// Acquire deducts n units if at least n are available now. It never drives
// the budget negative. Requests larger than capacity always fail.
func (b *TokenBucket) Acquire(n int) bool {
	if n <= 0 {
		return true
	}
	if n > b.capacity {
		return false
	}
	return b.lim.AllowN(b.nowFunc(), n)
}

// Available returns the current budget in [0, capacity].
func (b *TokenBucket) Available() float64 {
	return clampTokens(b.lim.TokensAt(b.nowFunc()), b.capacity)
}

// AcquireWithWait retries Acquire with exponential backoff plus jitter until
// it succeeds or maxWait elapses. It returns ErrRateLimited on timeout and
// the context error if ctx ends first.
func (b *TokenBucket) AcquireWithWait(ctx context.Context, n int, maxWait time.Duration) error {
	if b.Acquire(n) {
		return nil
	}
	if n > b.capacity {
		return eris.Wrapf(ErrRateLimited, "request of %d exceeds capacity %d", n, b.capacity)
	}

	deadline := b.nowFunc().Add(maxWait)
	for attempt := 0; ; attempt++ {
		remaining := deadline.Sub(b.nowFunc())
		if remaining <= 0 {
			return eris.Wrapf(ErrRateLimited, "waited %s for %d units", maxWait, n)
		}
		delay := b.backoff(attempt)
		if delay > remaining {
			delay = remaining
		}
		if err := b.sleep(ctx, delay); err != nil {
			return eris.Wrap(err, "resilience: acquire canceled")
		}
		if b.Acquire(n) {
			return nil
		}
	}
}

// Snapshot returns the bucket state.
func (b *TokenBucket) Snapshot() BucketSnapshot {
	now := b.nowFunc()
	return BucketSnapshot{
		Capacity:     b.capacity,
		Available:    clampTokens(b.lim.TokensAt(now), b.capacity),
		RefillPerSec: b.refill,
		LastRefill:   now,
	}
}

func (b *TokenBucket) backoff(attempt int) time.Duration {
	d := float64(b.waitInitial) * math.Pow(2, float64(attempt))
	if d > float64(b.waitMax) {
		d = float64(b.waitMax)
	}
	// ±25% jitter
	d += (rand.Float64()*2 - 1) * d * 0.25
	if d < float64(time.Millisecond) {
		d = float64(time.Millisecond)
	}
	return time.Duration(d)
}

func clampTokens(v float64, capacity int) float64 {
	if v < 0 {
		return 0
	}
	if v > float64(capacity) {
		return float64(capacity)
	}
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
