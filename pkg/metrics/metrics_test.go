package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersUpdateCounters(t *testing.T) {
	m := New()

	m.RecordPropagation("delivered", time.Microsecond)
	m.RecordPropagation("delivered", time.Microsecond)
	m.RecordPropagation("duplicate", time.Microsecond)
	m.RecordDelivery("graph_layer", false)
	m.RecordQueueOverflow("delay")
	m.RecordCache("routing", true)
	m.RecordTranslation("kernel_to_fuse", "synchronous", "success", time.Microsecond, 1)
	m.RecordConflict("last_writer_wins")
	m.RecordConfigReload("routing", "success")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.propagations.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.propagations.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("graph_layer", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueOverflows.WithLabelValues("delay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routingCache.WithLabelValues("routing", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.translations.WithLabelValues("kernel_to_fuse", "synchronous", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts.WithLabelValues("last_writer_wins")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.configReloads.WithLabelValues("routing", "success")))

	m.SetLatencyQuantiles(2*time.Millisecond, 3*time.Millisecond, 1500)
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.peakThroughput))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPropagation("delivered", time.Second)
		m.RecordFilterVerdict("block", time.Second)
		m.SetArenaSlotsInUse(3)
		m.RecordLatencyTargetMiss("routing")
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.RecordRuleMatch("r1")

	srv := httptest.NewServer(m.Middleware(m.Handler()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "metrics", "200")))
}
