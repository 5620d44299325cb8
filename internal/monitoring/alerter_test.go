package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/granule-sync/internal/config"
	"github.com/sells-group/granule-sync/internal/model"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{StaleAfterHours: 24})

	snap := &HealthSnapshot{
		Datasets: []DatasetHealth{
			{Dataset: "ice", Status: model.StatusTransformed},
			{Dataset: "sst", Status: model.StatusHarvested},
		},
		StaleAfterHours: 24,
		CollectedAt:     collectedAt,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_ErrorStatus(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &HealthSnapshot{
		Datasets:    []DatasetHealth{{Dataset: "ice", Status: model.StatusNoFiles}},
		CollectedAt: collectedAt,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDatasetError, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Equal(t, "ice", alerts[0].Dataset)
	assert.Contains(t, alerts[0].Message, "no files found")
	assert.Equal(t, collectedAt, alerts[0].Timestamp)
}

func TestAlerter_Evaluate_Stale(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	last := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	snap := &HealthSnapshot{
		Datasets: []DatasetHealth{
			{Dataset: "ice", Status: model.StatusHarvested, LastChecked: &last, Stale: true},
			{Dataset: "sst", Status: model.StatusHarvested, Stale: true},
		},
		StaleAfterHours: 48,
		CollectedAt:     collectedAt,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertDatasetStale, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "48h")
	assert.Contains(t, alerts[0].Message, "2024-05-01T00:00:00Z")
	assert.Contains(t, alerts[1].Message, "never")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &HealthSnapshot{
		Datasets: []DatasetHealth{
			{Dataset: "ice", Status: model.StatusNoFiles, Stale: true, FailedGranules: 3},
		},
		StaleAfterHours: 24,
		CollectedAt:     collectedAt,
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertDatasetError])
	assert.True(t, types[AlertDatasetStale])
	assert.True(t, types[AlertGranuleFailure])
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		assert.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		assert.NotEmpty(t, alert.Dataset)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertDatasetError, Dataset: "ice", Severity: "high", Message: "test alert 1"},
		{Type: AlertDatasetStale, Dataset: "sst", Severity: "medium", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertDatasetError, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDatasetError, Message: "test"}})
	assert.Equal(t, 0, sent)
}
