package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// serverMetrics holds the Prometheus families for the relay itself.
type serverMetrics struct {
	AgentsConnected    prometheus.Gauge
	AgentsWithIdentity prometheus.Gauge
	ChannelsTotal      prometheus.Gauge
	FramesIn           *prometheus.CounterVec
	ErrorsOut          *prometheus.CounterVec
	Broadcasts         prometheus.Counter
	DroppedFrames      prometheus.Counter
	DispatchSeconds    prometheus.Histogram
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)
	return &serverMetrics{
		AgentsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentchat_agents_connected",
			Help: "Currently connected agents",
		}),
		AgentsWithIdentity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentchat_agents_with_identity",
			Help: "Connected agents with a pubkey-backed identity",
		}),
		ChannelsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentchat_channels_total",
			Help: "Live channels",
		}),
		FramesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentchat_frames_in_total",
			Help: "Inbound frames by type",
		}, []string{"type"}),
		ErrorsOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentchat_errors_total",
			Help: "ERROR frames sent by code",
		}, []string{"code"}),
		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentchat_broadcasts_total",
			Help: "Channel broadcast fan-outs",
		}),
		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentchat_dropped_frames_total",
			Help: "Outbound frames dropped on saturated peers",
		}),
		DispatchSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentchat_dispatch_seconds",
			Help:    "Handler latency per inbound frame",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
	}
}
