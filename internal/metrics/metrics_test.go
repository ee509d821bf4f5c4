package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	t.Run("should count by label", func(t *testing.T) {
		m := New(prometheus.NewRegistry())
		m.RemoteCommand(OutcomeOK)
		m.RemoteCommand(OutcomeOK)
		m.RemoteCommand(OutcomeTransport)
		m.StoreWrite("devices", nil)
		m.StoreWrite("devices", errors.New("disk full"))
		m.LocalCommand("ip", OutcomeOK)
		m.Reconcile("kernel", nil)
		m.APIRequest("POST", "/api/nat/rules", "2xx")

		assert.Equal(t, 2.0, testutil.ToFloat64(m.RemoteCommands.WithLabelValues(OutcomeOK)))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.RemoteCommands.WithLabelValues(OutcomeTransport)))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreWrites.WithLabelValues("devices", OutcomeError)))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.LocalCommands.WithLabelValues("ip", OutcomeOK)))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconciles.WithLabelValues("kernel", OutcomeOK)))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.APIRequests.WithLabelValues("POST", "/api/nat/rules", "2xx")))
	})

	t.Run("should tolerate a nil receiver", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.RemoteCommand(OutcomeOK)
			m.LocalCommand("iptables", OutcomeError)
			m.StoreWrite("routes", nil)
			m.Reconcile("device", nil)
			m.APIRequest("GET", "/health", "2xx")
		})
	})
}
