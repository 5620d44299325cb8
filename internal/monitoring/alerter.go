package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/granule-sync/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDatasetStale   AlertType = "dataset_stale"
	AlertDatasetError   AlertType = "dataset_error"
	AlertGranuleFailure AlertType = "granule_failures"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Dataset   string         `json:"dataset"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns a HealthSnapshot into alerts and sends them via webhook.
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

// Evaluate returns one alert per unhealthy condition in the snapshot.
func (a *Alerter) Evaluate(snap *HealthSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt

	for _, d := range snap.Datasets {
		if d.Status.IsError() {
			alerts = append(alerts, Alert{
				Type:      AlertDatasetError,
				Severity:  "high",
				Dataset:   d.Dataset,
				Message:   fmt.Sprintf("Dataset %s reports status %q", d.Dataset, d.Status),
				Details:   map[string]any{"status": string(d.Status)},
				Timestamp: now,
			})
		}

		if d.Stale {
			last := "never"
			if d.LastChecked != nil {
				last = d.LastChecked.Format(time.RFC3339)
			}
			alerts = append(alerts, Alert{
				Type:     AlertDatasetStale,
				Severity: "medium",
				Dataset:  d.Dataset,
				Message: fmt.Sprintf("Dataset %s not checked in %dh (last checked %s)",
					d.Dataset, snap.StaleAfterHours, last),
				Details: map[string]any{
					"last_checked":      last,
					"stale_after_hours": snap.StaleAfterHours,
				},
				Timestamp: now,
			})
		}

		if d.FailedGranules > 0 {
			alerts = append(alerts, Alert{
				Type:      AlertGranuleFailure,
				Severity:  "low",
				Dataset:   d.Dataset,
				Message:   fmt.Sprintf("%d granule(s) of %s failed their latest fetch", d.FailedGranules, d.Dataset),
				Details:   map[string]any{"failed_granules": d.FailedGranules},
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
				zap.String("dataset", alert.Dataset),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("dataset", alert.Dataset),
			zap.String("severity", alert.Severity),
		)
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
