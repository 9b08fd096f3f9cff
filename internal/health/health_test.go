package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCameraStatus(t *testing.T) {
	assert.Equal(t, StatusHealthy, CameraStatus(true, true))
	assert.Equal(t, StatusDegraded, CameraStatus(true, false))
	assert.Equal(t, StatusDegraded, CameraStatus(false, true))
	assert.Equal(t, StatusUnhealthy, CameraStatus(false, false))
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	cams := []CameraHealth{
		{ID: "yard", Recording: true, LiveStream: false},
		{ID: "front", Recording: true, LiveStream: true},
	}
	m := NewMonitor(Options{
		Version: "test",
		Paths:   []Path{{Role: "record", Path: dir}},
		Cameras: func() []CameraHealth { return cams },
	})

	h := m.Check()
	require.Len(t, h.Cameras, 2)
	assert.Equal(t, "front", h.Cameras[0].ID)
	assert.Equal(t, StatusHealthy, h.Cameras[0].Status)
	assert.Equal(t, StatusDegraded, h.Cameras[1].Status)
	assert.True(t, h.Checks["storage_accessible"])
	assert.True(t, h.Checks["cameras_recording"])
	assert.False(t, h.Checks["cameras_healthy"])

	// Storage usage of the test machine decides between degraded and
	// unhealthy, but never healthy with a degraded camera.
	assert.NotEqual(t, StatusHealthy, h.Status)
}

func TestCheckMissingStorage(t *testing.T) {
	m := NewMonitor(Options{
		Paths: []Path{{Role: "record", Path: filepath.Join(t.TempDir(), "missing")}},
	})
	h := m.Check()
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Contains(t, h.Messages, "Storage not accessible")
	assert.False(t, h.Storage[0].Mounted)
}

func TestHandler(t *testing.T) {
	m := NewMonitor(Options{
		Paths: []Path{{Role: "record", Path: filepath.Join(t.TempDir(), "missing")}},
		Now:   func() time.Time { return time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC) },
	})

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", rec.Body.String())

	rec = httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health?detail=true", nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Len(t, resp.Storage, 1)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, []Path{{Role: "record", Path: "/r"}, {Role: "backup", Path: "/b"}, {Role: "live", Path: "/l"}}, Paths("/r", "/b", "/l"))
	assert.Equal(t, []Path{{Role: "record", Path: "/r"}}, Paths("/r", "", "/r/"))
}
