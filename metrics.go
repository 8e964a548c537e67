package wiotp

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors updated by a Client and its ManagedDevice.
// A nil *Metrics records nothing.
type Metrics struct {
	publishes         *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	commands          prometheus.Counter
	dmMessages        *prometheus.CounterVec
	droppedResponses  prometheus.Counter
}

// NewMetrics creates the client collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wiotp",
				Subsystem: "client",
				Name:      "publishes_total",
				Help:      "MQTT publish attempts by result.",
			},
			[]string{"result"},
		),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wiotp",
			Subsystem: "client",
			Name:      "reconnect_attempts_total",
			Help:      "Connection attempts made by RetryConnect.",
		}),
		commands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wiotp",
			Subsystem: "client",
			Name:      "commands_total",
			Help:      "Commands delivered to the command handler.",
		}),
		dmMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wiotp",
				Subsystem: "dm",
				Name:      "messages_total",
				Help:      "Inbound device management messages by topic.",
			},
			[]string{"topic"},
		),
		droppedResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wiotp",
			Subsystem: "dm",
			Name:      "dropped_responses_total",
			Help:      "Device management responses that matched no pending request.",
		}),
	}

	reg.MustRegister(m.publishes, m.reconnectAttempts, m.commands, m.dmMessages, m.droppedResponses)
	return m
}

func (m *Metrics) publish(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.publishes.WithLabelValues(result).Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) command() {
	if m == nil {
		return
	}
	m.commands.Inc()
}

func (m *Metrics) dmMessage(topic string) {
	if m == nil {
		return
	}
	m.dmMessages.WithLabelValues(topic).Inc()
}

func (m *Metrics) droppedResponse() {
	if m == nil {
		return
	}
	m.droppedResponses.Inc()
}
