package monitoring

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/INLOpen/nexusreplay/archive"
	"github.com/INLOpen/nexusreplay/config"
	"github.com/INLOpen/nexusreplay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMetricsServer_Routes(t *testing.T) {
	srv := NewMetricsServer(&config.DebugConfig{
		PProfEnabled:     true,
		MetricsEnabled:   true,
		MonitorUIEnabled: true,
	}, discardLogger())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, path := range []string{"/metrics", "/debug/pprof/cmdline"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err, "GET %s", path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, "GET %s", path)
	}
}

func TestMetricsServer_DisabledRoutes(t *testing.T) {
	srv := NewMetricsServer(&config.DebugConfig{}, discardLogger())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "metrics endpoint should be off by default")
}

func TestPublishArchiveStats(t *testing.T) {
	a, err := archive.NewArchive(archive.Options{Store: testutil.NewUnavailableStore()})
	require.NoError(t, err)
	defer a.Close(context.Background())

	PublishArchiveStats("test_archive_stats", a)
	require.NotNil(t, expvar.Get("test_archive_stats"))

	// Re-publishing the same name must not panic the expvar registry.
	PublishArchiveStats("test_archive_stats", a)
}

func TestSystemCollector_Collect(t *testing.T) {
	sc := NewSystemCollector(t.TempDir(), time.Second, discardLogger())
	sc.collectOnce()

	// Memory usage of a running test process is never zero.
	assert.Greater(t, memUsagePercent.Value(), 0.0)

	// Constructing a second collector reuses the shared expvar vars instead
	// of re-registering them.
	require.NotPanics(t, func() {
		NewSystemCollector(t.TempDir(), time.Second, discardLogger())
	})

	sc.Start()
	sc.Stop()
}
