package metrics

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPrometheusMetrics_Singleton(t *testing.T) {
	assert.Same(t, NewPrometheusMetrics(), GetMetrics())
}

func TestPrometheusMetrics_BootstrapCounters(t *testing.T) {
	m := GetMetrics()

	before := testutil.ToFloat64(m.StageOutcomes.WithLabelValues("test_stage", "warn"))
	m.ObserveStage("test_stage", "warn", 0.01)
	assert.Equal(t, before+1, testutil.ToFloat64(m.StageOutcomes.WithLabelValues("test_stage", "warn")))

	m.SetLifecycleState(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LifecycleState))

	m.SetCacheEntriesLoaded("key_cache", 12)
	assert.Equal(t, 12.0, testutil.ToFloat64(m.CacheEntriesLoaded.WithLabelValues("key_cache")))

	replayed := testutil.ToFloat64(m.CommitLogMutationsReplayed)
	m.AddMutationsReplayed(5)
	assert.Equal(t, replayed+5, testutil.ToFloat64(m.CommitLogMutationsReplayed))

	m.SetPreparedStatementsLoaded(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PreparedStatementsLoaded))

	m.SetClusterNodesTotal(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ClusterNodesTotal))
}

func TestMetricsMiddleware_LabelsRouteTemplate(t *testing.T) {
	m := GetMetrics()

	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/kv/{key}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodGet)

	counter := m.RequestsTotal.WithLabelValues(http.MethodGet, "/kv/{key}", "404")
	before := testutil.ToFloat64(counter)

	for _, key := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/kv/"+key, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RequestsInFlight))
}

func TestHandler_ServesScrape(t *testing.T) {
	GetMetrics().SetClusterNodesTotal(1)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cluster_nodes_total")
}

func TestGCObserver_RegisterAndClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewGCObserver(reg, clock.NewMock(), zap.NewNop())

	require.NoError(t, o.Register())
	assert.Error(t, o.Register(), "registering twice is rejected by the registry")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "gc_last_pause_seconds")
	assert.Contains(t, names, "gc_collections_total")

	o.Close()
	o.Close()
	families, err = reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestGCObserver_LogsLongPauses(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	mock := clock.NewMock()
	o := NewGCObserver(prometheus.NewRegistry(), mock, zap.New(core))
	o.SetWarnThreshold(0)
	require.NoError(t, o.Register())
	defer o.Close()

	runtime.GC()
	assert.Eventually(t, func() bool {
		mock.Add(time.Second)
		return logs.FilterMessage("Long GC pause").Len() > 0
	}, 2*time.Second, 10*time.Millisecond)
}
