package metrics_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmuteeullah/CoreCam/internal/metrics"
)

func TestPromhttpExposure(t *testing.T) {
	metrics.RecordReload("metrics-test", "stalled")

	srv := httptest.NewServer(promhttp.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `corecam_monitor_reloads_total{camera="metrics-test",reason="stalled"}`))
}

func TestRecordEscalation(t *testing.T) {
	before := testutil.ToFloat64(metrics.MonitorEscalationsTotal.WithLabelValues("esc-test", "error"))
	metrics.RecordEscalation("esc-test", errors.New("boom"))
	metrics.RecordEscalation("esc-test", nil)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.MonitorEscalationsTotal.WithLabelValues("esc-test", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MonitorEscalationsTotal.WithLabelValues("esc-test", "ok")))
}

func TestObserveAndForgetCamera(t *testing.T) {
	metrics.ObserveMonitor("gauge-test", 3*time.Second, 1.5, 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.MonitorStallSeconds.WithLabelValues("gauge-test")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.MonitorRetries.WithLabelValues("gauge-test")))

	metrics.ForgetCamera("gauge-test")
	assert.False(t, metrics.MonitorRetries.DeleteLabelValues("gauge-test"), "series already removed")
	assert.False(t, metrics.MonitorStallSeconds.DeleteLabelValues("gauge-test"), "series already removed")
}

func TestSetUp(t *testing.T) {
	metrics.SetUp(metrics.StreamUp, "up-test", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StreamUp.WithLabelValues("up-test")))
	metrics.SetUp(metrics.StreamUp, "up-test", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.StreamUp.WithLabelValues("up-test")))
}
