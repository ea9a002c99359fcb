package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enrich/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		HourlyCostThresholdUSD: 10,
		LatencyThresholdMs:     5000,
		ErrorRateThreshold:     0.10,
		MinSamples:             5,
		AlertCooldownSecs:      600,
	}
}

func newTestAlerter(cfg config.MonitoringConfig) (*Alerter, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := NewAlerter(cfg, nil)
	a.nowFunc = clk.Now
	return a, clk
}

func healthySnapshot() *MetricsSnapshot {
	return &MetricsSnapshot{
		HourlyCostUSD: 2,
		Lookback:      "15m0s",
		Recent: Report{
			Requests:      100,
			Failed:        2,
			ErrorRate:     0.02,
			ProviderCalls: 60,
			AvgLatencyMs:  1200,
		},
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a, _ := newTestAlerter(testMonitoringConfig())
	assert.Empty(t, a.Evaluate(healthySnapshot()))
}

func TestAlerter_Evaluate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MetricsSnapshot)
		want   []AlertType
	}{
		{"hourly cost", func(s *MetricsSnapshot) { s.HourlyCostUSD = 12.5 }, []AlertType{AlertHourlyCost}},
		{"latency", func(s *MetricsSnapshot) { s.Recent.AvgLatencyMs = 9000 }, []AlertType{AlertLatency}},
		{"error rate", func(s *MetricsSnapshot) {
			s.Recent.Failed = 40
			s.Recent.ErrorRate = 0.4
		}, []AlertType{AlertErrorRate}},
		{"latency below min samples", func(s *MetricsSnapshot) {
			s.Recent.AvgLatencyMs = 9000
			s.Recent.ProviderCalls = 2
		}, nil},
		{"error rate below min samples", func(s *MetricsSnapshot) {
			s.Recent.Requests = 3
			s.Recent.Failed = 3
			s.Recent.ErrorRate = 1
		}, nil},
		{"all", func(s *MetricsSnapshot) {
			s.HourlyCostUSD = 50
			s.Recent.AvgLatencyMs = 9000
			s.Recent.ErrorRate = 0.5
		}, []AlertType{AlertHourlyCost, AlertLatency, AlertErrorRate}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAlerter(testMonitoringConfig())
			snap := healthySnapshot()
			tt.mutate(snap)

			var got []AlertType
			for _, al := range a.Evaluate(snap) {
				got = append(got, al.Type)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAlerter_Evaluate_ErrorRateMessage(t *testing.T) {
	a, _ := newTestAlerter(testMonitoringConfig())
	snap := healthySnapshot()
	snap.Recent.Failed = 40
	snap.Recent.ErrorRate = 0.4

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Contains(t, alerts[0].Message, "15m0s")
}

func TestAlerter_ZeroThresholdsDisabled(t *testing.T) {
	a, _ := newTestAlerter(config.MonitoringConfig{})
	snap := healthySnapshot()
	snap.HourlyCostUSD = 1e6
	snap.Recent.ErrorRate = 1
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Cooldown(t *testing.T) {
	a, clk := newTestAlerter(testMonitoringConfig())
	snap := healthySnapshot()
	snap.HourlyCostUSD = 20

	require.Len(t, a.Evaluate(snap), 1)
	clk.Advance(5 * time.Minute)
	assert.Empty(t, a.Evaluate(snap))
	clk.Advance(6 * time.Minute)
	assert.Len(t, a.Evaluate(snap), 1)
}

func TestAlerter_CountsAlerts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	a := NewAlerter(testMonitoringConfig(), m)
	snap := healthySnapshot()
	snap.HourlyCostUSD = 20

	a.Evaluate(snap)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.alertsRaised.WithLabelValues(string(AlertHourlyCost))), 1e-9)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	var lastAlert Alert

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&lastAlert)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	a, _ := newTestAlerter(cfg)

	alerts := []Alert{
		{Type: AlertHourlyCost, Severity: "high", Message: "spend"},
		{Type: AlertLatency, Severity: "medium", Message: "slow"},
	}
	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
	assert.Equal(t, AlertLatency, lastAlert.Type)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a, _ := newTestAlerter(testMonitoringConfig())
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertErrorRate}}))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	a, _ := newTestAlerter(cfg)

	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertErrorRate}}))
}
