// Package metrics exposes the Prometheus instruments shared by the core
// components. The HTTP layer serves them on /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WagersPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oddsmarket_wagers_placed_total",
		Help: "Wagers successfully placed.",
	})
	WagersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oddsmarket_wagers_rejected_total",
		Help: "Wager placements rejected, by reason.",
	}, []string{"reason"})
	WagersSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oddsmarket_wagers_settled_total",
		Help: "Wagers settled, by outcome (won/lost).",
	}, []string{"outcome"})
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oddsmarket_settlement_failures_total",
		Help: "Per-wager settlement failures left pending for the next sweep.",
	})
	OddsUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oddsmarket_odds_updates_total",
		Help: "Odds entries appended to live events.",
	})
	BroadcastMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oddsmarket_broadcast_messages_total",
		Help: "Messages published to the broadcast hub, by topic class.",
	}, []string{"kind"})
)
