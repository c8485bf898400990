package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	m := New()
	m.ObservePatch("initial", 10*time.Millisecond)
	m.ObservePatch("", time.Millisecond)
	m.ObservePatch("", time.Millisecond)
	m.IndexRequested(3)
	m.IndexTimedOut()
	m.SyncRetried()
	m.SyncSkipped()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.patches.WithLabelValues("initial")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.patches.WithLabelValues("events")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.indexRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.indexTimeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncSkipped))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.SyncRetried()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relaymail_sync_retries_total 1")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObservePatch("final", time.Second)
	m.IndexRequested(1)
	m.IndexTimedOut()
	m.SyncRetried()
	m.SyncSkipped()
	assert.Nil(t, m.Registry())
}
