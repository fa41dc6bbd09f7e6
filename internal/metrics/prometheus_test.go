package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.SessionAuthenticated("key", 1)
		m.Command("CONNECT", "ok")
		m.WrongKey()
		m.Published("key", TargetUser, 3)
		m.APIRequest("users", 200)
		m.SetTenants(2)
	})
}

func TestPublishedCountsDeliveries(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Published("key", TargetChannel, 3)
	m.Published("key", TargetChannel, 2)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.messagesDelivered.WithLabelValues("key", TargetChannel)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.publishesTotal.WithLabelValues("key", TargetChannel)))
}

func TestStatusClass(t *testing.T) {
	for status, want := range map[int]string{200: "2xx", 302: "3xx", 404: "4xx", 503: "5xx"} {
		assert.Equal(t, want, statusClass(status))
	}
}
