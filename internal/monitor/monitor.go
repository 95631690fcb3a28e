// Package monitor is the live-market broadcast loop: on a fixed period it
// scans the registry for live events and pushes their current odds and
// status to every subscriber of that event's topic.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"odds-market/internal/market"
	"odds-market/internal/metrics"
	"odds-market/internal/pubsub"
)

type Monitor struct {
	registry *market.Registry
	publish  pubsub.PublishFunc
	interval time.Duration
	log      *zap.Logger
}

func New(registry *market.Registry, publish pubsub.PublishFunc, interval time.Duration, log *zap.Logger) *Monitor {
	return &Monitor{registry: registry, publish: publish, interval: interval, log: log}
}

// Run ticks until ctx is cancelled. Ticks execute inline on the loop
// goroutine so they never overlap, and the one fire time.Ticker buffers
// during a slow scan is drained afterwards: a tick that came due mid-scan is
// skipped, not run back-to-back. An in-flight publish completes before the
// loop observes cancellation.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("live monitor started", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			m.log.Info("live monitor stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// tick publishes one odds/status snapshot per live event. Broadcast is
// best-effort: a failed scan is logged and the next tick retries from
// scratch.
func (m *Monitor) tick(ctx context.Context) {
	events, err := m.registry.ListLive(ctx)
	if err != nil {
		m.log.Warn("live scan failed", zap.Error(err))
		return
	}
	for _, e := range events {
		metrics.BroadcastMessages.WithLabelValues("event").Inc()
		m.publish(pubsub.EventTopic(e.ID), "odds_update", map[string]any{
			"event_id": e.ID,
			"status":   e.Status,
			"odds":     market.CurrentOdds(&e),
		})
	}
}
