package reputation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus families for the rating engine.
type Metrics struct {
	AgentRating       *prometheus.GaugeVec
	AgentTransactions *prometheus.GaugeVec
	Settlements       *prometheus.CounterVec
}

// NewMetrics creates all reputation metrics, registered against reg so
// each relay instance owns its own registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AgentRating: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentchat_agent_rating",
				Help: "Current ELO rating per agent",
			},
			[]string{"agent_id"},
		),
		AgentTransactions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentchat_agent_transactions",
				Help: "Completed transaction count per agent",
			},
			[]string{"agent_id"},
		),
		Settlements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_settlements_total",
				Help: "Total proposal settlements by outcome",
			},
			[]string{"outcome"}, // completed, disputed, mutual, expired
		),
	}
}

// SetRating updates the per-agent gauges.
func (m *Metrics) SetRating(agentID string, rating, transactions int) {
	m.AgentRating.WithLabelValues(agentID).Set(float64(rating))
	m.AgentTransactions.WithLabelValues(agentID).Set(float64(transactions))
}

// RecordSettlement counts one settlement outcome.
func (m *Metrics) RecordSettlement(outcome string) {
	m.Settlements.WithLabelValues(outcome).Inc()
}
