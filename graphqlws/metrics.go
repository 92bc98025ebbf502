package graphqlws

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the transport's Prometheus collectors. It satisfies the
// connection stats sink, so wiring is WithMetrics(NewMetrics(registerer)).
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	OperationsActive  prometheus.Gauge
	MessagesSent      *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graphqlws_connections_active",
			Help: "Number of open graphql-ws connections.",
		}),
		OperationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graphqlws_operations_active",
			Help: "Number of in-flight operations across all connections.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graphqlws_messages_sent_total",
			Help: "Outbound protocol messages by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.ConnectionsActive, m.OperationsActive, m.MessagesSent)
	return m
}

func (m *Metrics) ConnectionOpened() { m.ConnectionsActive.Inc() }
func (m *Metrics) ConnectionClosed() { m.ConnectionsActive.Dec() }
func (m *Metrics) OperationStarted() { m.OperationsActive.Inc() }
func (m *Metrics) OperationStopped() { m.OperationsActive.Dec() }

func (m *Metrics) MessageSent(msgType string) {
	m.MessagesSent.WithLabelValues(msgType).Inc()
}
