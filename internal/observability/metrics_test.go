package observability

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsAreIsolatedPerInstance(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.BatchRuns.WithLabelValues("success").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.BatchRuns.WithLabelValues("success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.BatchRuns.WithLabelValues("success")))
}

func TestHandlerExposesNamespacedMetrics(t *testing.T) {
	m := NewMetrics()
	m.TradeCloses.WithLabelValues("recorded").Add(3)
	m.OverridesActive.Set(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `edgelearn_trade_closes_total{status="recorded"} 3`)
	assert.Contains(t, string(body), "edgelearn_overrides_active 7")
}
