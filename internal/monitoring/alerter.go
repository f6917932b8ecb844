package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-validation/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertFlagRate       AlertType = "flag_rate"
	AlertLowSourceTrust AlertType = "low_source_trust"
)

// Minimum sample sizes before a rate is trusted enough to alert on.
const (
	minFinishedRuns    = 5
	minRecords         = 20
	minTrustValidation = 10
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RunsCompleted + snap.RunsFailed
	if finished >= minFinishedRuns && snap.RunFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.RunFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.RunFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.FlagRateThreshold > 0 && snap.RecordsTotal >= minRecords && snap.FlagRate > a.cfg.FlagRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFlagRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%.1f%% of records flagged in last %dh, threshold %.1f%% (%d of %d)",
				snap.FlagRate*100, snap.LookbackHours, a.cfg.FlagRateThreshold*100,
				snap.RecordsFlagged, snap.RecordsTotal,
			),
			Details: map[string]any{
				"flag_rate":          snap.FlagRate,
				"threshold":          a.cfg.FlagRateThreshold,
				"flagged":            snap.RecordsFlagged,
				"records":            snap.RecordsTotal,
				"average_confidence": snap.AverageConfidence,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MinTrustScore > 0 {
		var low []string
		for _, e := range snap.Trust {
			if e.TotalValidations >= minTrustValidation && e.Score < a.cfg.MinTrustScore {
				low = append(low, fmt.Sprintf("%s/%s=%.2f", e.Source, e.Field, e.Score))
			}
		}
		if len(low) > 0 {
			alerts = append(alerts, Alert{
				Type:     AlertLowSourceTrust,
				Severity: "medium",
				Message: fmt.Sprintf(
					"%d source field(s) below trust %.2f: %s",
					len(low), a.cfg.MinTrustScore, strings.Join(low, ", "),
				),
				Details: map[string]any{
					"entries":   low,
					"min_score": a.cfg.MinTrustScore,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
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
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

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
