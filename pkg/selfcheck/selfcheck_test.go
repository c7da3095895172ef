package selfcheck

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/mbiondo/scLogger/core"
	"github.com/mbiondo/scLogger/pkg/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCore(t *testing.T, failing bool) *core.Core {
	t.Helper()
	ok := core.NewCallbackSink(func(*core.Record, string) error { return nil })
	sinks := []core.NamedSink{{Name: "ok", Sink: ok}}
	if failing {
		bad := core.NewCallbackSink(func(*core.Record, string) error { return errors.New("unreachable") })
		sinks = append(sinks, core.NamedSink{Name: "bad", Sink: bad})
	}

	c, err := core.NewConfigured(core.Options{
		Level:        core.LevelInfo,
		Sinks:        sinks,
		ErrorHandler: func(error) {},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

func TestCollectorMetrics(t *testing.T) {
	c := newCore(t, true)
	c.Info("one")
	c.Info("two")
	c.Debug("filtered")

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(c, "app"))

	expected := `
# HELP app_selfcheck_sink_dropped_total Records the sink failed to write
# TYPE app_selfcheck_sink_dropped_total counter
app_selfcheck_sink_dropped_total{sink="bad"} 2
app_selfcheck_sink_dropped_total{sink="ok"} 0
# HELP app_selfcheck_sink_written_total Records accepted by the sink
# TYPE app_selfcheck_sink_written_total counter
app_selfcheck_sink_written_total{sink="bad"} 0
app_selfcheck_sink_written_total{sink="ok"} 2
# HELP app_selfcheck_sink_health 1 for the current health of the sink
# TYPE app_selfcheck_sink_health gauge
app_selfcheck_sink_health{health="degraded",sink="bad"} 1
app_selfcheck_sink_health{health="healthy",sink="ok"} 1
# HELP app_selfcheck_state 1 for the current lifecycle state
# TYPE app_selfcheck_state gauge
app_selfcheck_state{state="configured"} 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"app_selfcheck_sink_dropped_total",
		"app_selfcheck_sink_written_total",
		"app_selfcheck_sink_health",
		"app_selfcheck_state",
	)
	assert.NoError(t, err)
}

func TestCollectorCountsRejectedCalls(t *testing.T) {
	c := core.New()
	_ = c.Log(core.LevelInfo, core.Location{}, "too early")

	reg := prometheus.NewRegistry()
	collector := NewCollector(c, "")
	reg.MustRegister(collector)
	assert.Equal(t, 3, testutil.CollectAndCount(collector), "counters and state without sinks")

	expected := `
# HELP sclogger_selfcheck_unconfigured_total Log calls made before the first Configure
# TYPE sclogger_selfcheck_unconfigured_total counter
sclogger_selfcheck_unconfigured_total 1
# HELP sclogger_selfcheck_state 1 for the current lifecycle state
# TYPE sclogger_selfcheck_state gauge
sclogger_selfcheck_state{state="unconfigured"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"sclogger_selfcheck_unconfigured_total", "sclogger_selfcheck_state"))
}

func TestNewReport(t *testing.T) {
	healthy := NewReport(newCore(t, false))
	assert.True(t, healthy.Healthy())
	assert.Equal(t, "configured", healthy.State)

	c := newCore(t, true)
	c.Warn("lost")
	report := NewReport(c)
	assert.False(t, report.Healthy())
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, uint64(1), report.Dropped)
	require.Len(t, report.Sinks, 2)
	assert.Equal(t, "bad", report.Sinks[1].Name)
	assert.Equal(t, "unreachable", report.Sinks[1].LastError)

	assert.Equal(t, "unconfigured", NewReport(core.New()).Status)
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		failing bool
		status  int
		want    string
	}{
		{name: "healthy", status: http.StatusOK, want: "ok"},
		{name: "degraded", failing: true, status: http.StatusServiceUnavailable, want: "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCore(t, tt.failing)
			c.Info("probe")

			srv := &Server{core: c, registry: prometheus.NewRegistry()}
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var report Report
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Equal(t, tt.want, report.Status)
		})
	}
}

func TestServerServesMetrics(t *testing.T) {
	c := newCore(t, false)
	c.Info("probe")

	srv, err := NewServer(c, "127.0.0.1:0", "")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Run() }()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Contains(t, string(body), `sclogger_selfcheck_sink_written_total{sink="ok"} 1`)
	assert.Contains(t, string(body), "go_goroutines")

	require.NoError(t, srv.Shutdown())
	assert.NoError(t, <-done)
}

func TestServerWithAuth(t *testing.T) {
	store := auth.NewKeyStore()
	require.NoError(t, store.Add(auth.APIKey{ID: "prom", Secret: "scrape-secret-0123456789", Permissions: []string{auth.PermissionMetrics}}))

	c := newCore(t, false)
	srv, err := NewServer(c, "127.0.0.1:0", "", WithAuth(auth.NewMiddleware(store).AllowAnonymous("/healthz")))
	require.NoError(t, err)
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set(auth.HeaderName, "scrape-secret-0123456789")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, srv.listener.Close())
}
