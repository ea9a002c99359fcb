package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/config"
)

const (
	defaultCheckInterval = time.Minute
	defaultFlushInterval = 30 * time.Second
	defaultLookback      = 15 * time.Minute
)

// Checker evaluates alert thresholds over a trailing window and drains the
// durable sink on its own cadence.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	flusher   Flusher

	interval   time.Duration
	flushEvery time.Duration
	lookback   time.Duration
	log        *zap.Logger
}

// NewChecker wires a checker from the monitoring config. flusher may be nil
// when the sink writes through.
func NewChecker(collector *Collector, alerter *Alerter, flusher Flusher, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector:  collector,
		alerter:    alerter,
		flusher:    flusher,
		interval:   orDefault(time.Duration(cfg.CheckIntervalSecs)*time.Second, defaultCheckInterval),
		flushEvery: orDefault(time.Duration(cfg.FlushIntervalSecs)*time.Second, defaultFlushInterval),
		lookback:   orDefault(time.Duration(cfg.LookbackWindowMins)*time.Minute, defaultLookback),
		log:        zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Run blocks until ctx is canceled. Buffered sink rows get a final flush
// on the way out.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("starting alert checker",
		zap.Duration("interval", c.interval),
		zap.Duration("flush_every", c.flushEvery),
		zap.Duration("lookback", c.lookback),
	)

	check := time.NewTicker(c.interval)
	defer check.Stop()
	flush := time.NewTicker(c.flushEvery)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush(context.WithoutCancel(ctx))
			c.log.Info("alert checker stopped")
			return
		case <-check.C:
			c.check(ctx)
		case <-flush.C:
			c.flush(ctx)
		}
	}
}

// check evaluates one window and returns the alerts that fired.
func (c *Checker) check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		c.log.Error("monitoring: collect window", zap.Error(err))
		return nil
	}
	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return nil
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Info("monitoring: thresholds breached",
		zap.Int("alerts", len(alerts)),
		zap.Int("delivered", sent),
		zap.Float64("hourly_cost_usd", snap.HourlyCostUSD),
	)
	return alerts
}

func (c *Checker) flush(ctx context.Context) {
	if c.flusher == nil {
		return
	}
	n, err := c.flusher.Flush(ctx)
	switch {
	case err != nil:
		c.log.Warn("monitoring: sink flush failed", zap.Error(err))
	case n > 0:
		c.log.Debug("monitoring: sink flushed", zap.Int64("rows", n))
	}
}
