package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkMetricsRegisterAndExpose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewNetworkMetrics(reg)

	m.EventsEmitted.WithLabelValues("peer_connected").Inc()
	m.ConnectedPeers.Set(3)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsEmitted.WithLabelValues("peer_connected")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "rnr_network_connected_peers 3"))
	assert.True(t, strings.Contains(body, "rnr_network_events_emitted_total"))
}

func TestNetworkMetricsWithoutRegistry(t *testing.T) {
	m := NewNetworkMetrics(nil)
	m.PublishFailures.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures))
}

func TestNetworkMetricsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewNetworkMetrics(reg)

	var second *NetworkMetrics
	require.NotPanics(t, func() { second = NewNetworkMetrics(reg) })

	second.PublishFailures.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(first.PublishFailures))
}
