package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertHourlyCost AlertType = "hourly_cost"
	AlertLatency    AlertType = "avg_latency"
	AlertErrorRate  AlertType = "error_rate"
)

const defaultMinSamples = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached. An alert type
// that fired is suppressed until its cooldown elapses.
type Alerter struct {
	cfg     config.MonitoringConfig
	client  *http.Client
	metrics *Metrics
	nowFunc func() time.Time

	mu        sync.Mutex
	lastFired map[AlertType]time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
// metrics may be nil.
func NewAlerter(cfg config.MonitoringConfig, metrics *Metrics) *Alerter {
	return &Alerter{
		cfg:       cfg,
		client:    &http.Client{Timeout: 10 * time.Second},
		metrics:   metrics,
		nowFunc:   time.Now,
		lastFired: make(map[AlertType]time.Time),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.nowFunc().UTC()
	recent := snap.Recent

	minSamples := a.cfg.MinSamples
	if minSamples <= 0 {
		minSamples = defaultMinSamples
	}

	if a.cfg.HourlyCostThresholdUSD > 0 && snap.HourlyCostUSD > a.cfg.HourlyCostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertHourlyCost,
			Severity: "high",
			Message: fmt.Sprintf(
				"Provider spend $%.2f in the last hour exceeds threshold $%.2f",
				snap.HourlyCostUSD, a.cfg.HourlyCostThresholdUSD,
			),
			Details: map[string]any{
				"cost_usd":      snap.HourlyCostUSD,
				"threshold_usd": a.cfg.HourlyCostThresholdUSD,
			},
			Timestamp: now,
		})
	}

	if a.cfg.LatencyThresholdMs > 0 && recent.ProviderCalls >= minSamples &&
		recent.AvgLatencyMs > a.cfg.LatencyThresholdMs {
		alerts = append(alerts, Alert{
			Type:     AlertLatency,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Average provider latency %.0fms exceeds threshold %.0fms (%d calls in last %s)",
				recent.AvgLatencyMs, a.cfg.LatencyThresholdMs, recent.ProviderCalls, snap.Lookback,
			),
			Details: map[string]any{
				"avg_latency_ms": recent.AvgLatencyMs,
				"threshold_ms":   a.cfg.LatencyThresholdMs,
				"calls":          recent.ProviderCalls,
			},
			Timestamp: now,
		})
	}

	if a.cfg.ErrorRateThreshold > 0 && recent.Requests >= minSamples &&
		recent.ErrorRate > a.cfg.ErrorRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertErrorRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Error rate %.1f%% exceeds threshold %.1f%% (%d failed / %d requests in last %s)",
				recent.ErrorRate*100, a.cfg.ErrorRateThreshold*100,
				recent.Failed, recent.Requests, snap.Lookback,
			),
			Details: map[string]any{
				"error_rate": recent.ErrorRate,
				"threshold":  a.cfg.ErrorRateThreshold,
				"failed":     recent.Failed,
				"requests":   recent.Requests,
				"dlq_depth":  snap.DLQDepth,
			},
			Timestamp: now,
		})
	}

	return a.applyCooldown(alerts, now)
}

func (a *Alerter) applyCooldown(alerts []Alert, now time.Time) []Alert {
	cooldown := time.Duration(a.cfg.AlertCooldownSecs) * time.Second

	a.mu.Lock()
	defer a.mu.Unlock()
	out := alerts[:0]
	for _, al := range alerts {
		if last, ok := a.lastFired[al.Type]; ok && cooldown > 0 && now.Sub(last) < cooldown {
			continue
		}
		a.lastFired[al.Type] = now
		if a.metrics != nil {
			a.metrics.observeAlert(al)
		}
		out = append(out, al)
	}
	return out
}

// SendAlerts logs every alert and delivers it to the configured webhook URL.
// Returns the number of alerts successfully posted.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	for _, alert := range alerts {
		zap.L().Warn("monitoring: alert",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("message", alert.Message),
		)
	}
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
