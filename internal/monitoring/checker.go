package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/granule-sync/internal/config"
	"github.com/sells-group/granule-sync/internal/metrics"
)

// Checker runs periodic health checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	metrics   *metrics.Metrics
}

// NewChecker creates a background health checker. m may be nil.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, m *metrics.Metrics) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		metrics:   m,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Int("stale_after_hours", c.cfg.StaleAfterHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			if _, _, err := c.Check(ctx); err != nil {
				log.Error("monitoring: health check failed", zap.Error(err))
			}
		}
	}
}

// Check collects one snapshot, updates the unhealthy gauge and sends any
// alerts. It returns the snapshot and the alerts raised.
func (c *Checker) Check(ctx context.Context) (*HealthSnapshot, []Alert, error) {
	snap, err := c.collector.Collect(ctx, c.cfg.StaleAfterHours)
	if err != nil {
		return nil, nil, err
	}
	c.metrics.SetUnhealthy(len(snap.Unhealthy()))

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		zap.L().Debug("monitoring: no alerts triggered")
		return snap, nil, nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	zap.L().Info("monitoring: health check complete",
		zap.Int("datasets", len(snap.Datasets)),
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return snap, alerts, nil
}
