package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/model"
)

// GuardConfig configures per-tier admission control.
type GuardConfig struct {
	Breaker CircuitBreakerConfig
	Buckets map[model.Tier]BucketConfig
	Default BucketConfig
}

// TierGuard pairs a tier's rate budget with its circuit breaker.
type TierGuard struct {
	Tier    model.Tier
	Bucket  *TokenBucket
	Breaker *CircuitBreaker
}

// Admit waits up to maxWait for units of budget, failing fast when the
// circuit is open so no budget is spent on a rejected call.
func (g *TierGuard) Admit(ctx context.Context, units int, maxWait time.Duration) error {
	if g.Breaker.Rejecting() {
		return ErrCircuitOpen
	}
	return g.Bucket.AcquireWithWait(ctx, units, maxWait)
}

// LimiterStatus reports a tier's budget and circuit state.
type LimiterStatus struct {
	Tier    string          `json:"tier"`
	Budget  BucketSnapshot  `json:"budget"`
	Circuit CircuitSnapshot `json:"circuit"`
}

// Guards is the process-local registry of per-tier guards.
type Guards struct {
	mu     sync.RWMutex
	cfg    GuardConfig
	guards map[model.Tier]*TierGuard
}

// NewGuards creates a registry; guards are built lazily per tier.
func NewGuards(cfg GuardConfig) *Guards {
	return &Guards{
		cfg:    cfg,
		guards: make(map[model.Tier]*TierGuard),
	}
}

// For returns the guard for tier, creating it if needed.
func (g *Guards) For(tier model.Tier) *TierGuard {
	g.mu.RLock()
	tg, ok := g.guards[tier]
	g.mu.RUnlock()
	if ok {
		return tg
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if tg, ok = g.guards[tier]; ok {
		return tg
	}

	bcfg, ok := g.cfg.Buckets[tier]
	if !ok {
		bcfg = g.cfg.Default
	}
	ccfg := g.cfg.Breaker
	userHook := ccfg.OnStateChange
	name := tier.String()
	ccfg.OnStateChange = func(from, to CircuitState) {
		zap.L().Warn("resilience: circuit state change",
			zap.String("tier", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		if userHook != nil {
			userHook(from, to)
		}
	}

	tg = &TierGuard{
		Tier:    tier,
		Bucket:  NewTokenBucket(bcfg),
		Breaker: NewCircuitBreaker(ccfg),
	}
	g.guards[tier] = tg
	return tg
}

// Status returns the limiter status of tier.
func (g *Guards) Status(tier model.Tier) LimiterStatus {
	tg := g.For(tier)
	return LimiterStatus{
		Tier:    tier.String(),
		Budget:  tg.Bucket.Snapshot(),
		Circuit: tg.Breaker.Snapshot(),
	}
}

// States returns a snapshot of every known tier's circuit state.
func (g *Guards) States() map[model.Tier]CircuitState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[model.Tier]CircuitState, len(g.guards))
	for t, tg := range g.guards {
		out[t] = tg.Breaker.State()
	}
	return out
}
