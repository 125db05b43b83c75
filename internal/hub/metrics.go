package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	connections     prometheus.Gauge
	inboundMessages *prometheus.CounterVec
	runnerEvents    *prometheus.CounterVec
	toolExecutions  *prometheus.CounterVec
	hostedAgents    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flohub",
			Name:      "connections_active",
			Help:      "Currently connected WebSocket clients.",
		}),
		inboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flohub",
			Name:      "inbound_messages_total",
			Help:      "Inbound protocol messages by type.",
		}, []string{"type"}),
		runnerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flohub",
			Name:      "runner_events_total",
			Help:      "Runner events emitted by type.",
		}, []string{"type"}),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flohub",
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool name.",
		}, []string{"tool"}),
		hostedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flohub",
			Name:      "hosted_agents",
			Help:      "Agents currently hosted in memory.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.inboundMessages, m.runnerEvents, m.toolExecutions, m.hostedAgents)
	}
	return m
}
