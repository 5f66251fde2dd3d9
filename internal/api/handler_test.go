package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestSilentHandlerIsRecordedAsOK(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := &Handler{logger: zap.New(core)}
	silent := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "200")
	before := counterValue(t, counter)

	rec := httptest.NewRecorder()
	h.withMetrics(h.withAccessLog(silent)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/quiet", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, before+1, counterValue(t, counter))

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(http.StatusOK), entries[0].ContextMap()["status"])
}

func TestRecorderKeepsFirstStatus(t *testing.T) {
	rec := recorder(httptest.NewRecorder())
	rec.WriteHeader(http.StatusCreated)
	rec.WriteHeader(http.StatusInternalServerError)
	_, _ = rec.Write([]byte("{}"))

	assert.Equal(t, http.StatusCreated, rec.status)
	assert.Equal(t, 2, rec.size)
}
