package server

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/devrev/ddbd/internal/health"
	"github.com/devrev/ddbd/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetricsServer_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("hub.test", reg)
	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		Name:         "hub.test",
		DataDir:      t.TempDir(),
		MaxDiskUsage: 1,
	}, zap.NewNop())
	checker.RunChecks()

	srv := NewMetricsServer(&MetricsServerConfig{Host: "127.0.0.1", Path: "/metrics"}, reg, m, checker, zap.NewNop())
	require.NoError(t, srv.Start())
	defer srv.Stop()

	m.RecordApplied("n", "write")
	base := fmt.Sprintf("http://%s", srv.Addr())

	body := get(t, base+"/metrics", http.StatusOK)
	assert.Contains(t, body, "ddb_system_goroutines_total")
	assert.Contains(t, body, `node_id="hub.test"`)

	get(t, base+"/health", http.StatusOK)
	get(t, base+"/ready", http.StatusOK)

	checker.SetReadiness(false)
	get(t, base+"/ready", http.StatusServiceUnavailable)
}

func get(t *testing.T, url string, status int) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, status, resp.StatusCode)
	return string(data)
}
