package graphqlws

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsLifecycle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ConnectionOpened()
	m.OperationStarted()
	m.MessageSent("data")
	m.MessageSent("data")
	m.MessageSent("complete")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsActive))

	m.OperationStopped()
	m.ConnectionClosed()

	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionsActive))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OperationsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("complete")))
}
