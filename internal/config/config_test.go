package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
storage:
  base_path: /srv/corecam
  retention_days: 3
cameras:
  - id: front
    url: rtsp://10.0.0.2/stream1
    enabled: true
  - id: garage
    url: rtsp://10.0.0.3/stream1
    enabled: false
monitor:
  enabled: true
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "/srv/corecam/live", cfg.Storage.LivePath)
	assert.Equal(t, "/srv/corecam/record", cfg.Storage.RecordPath)
	assert.Equal(t, "/srv/corecam/corecam.db", cfg.Storage.DatabasePath)
	assert.Equal(t, 21, cfg.Storage.BackupRetentionDays)
	assert.Equal(t, 1800, cfg.Storage.SegmentDuration)

	assert.Equal(t, 4.0, cfg.Monitor.TickInterval)
	assert.Equal(t, 12.0, cfg.Monitor.StallThreshold)
	assert.Equal(t, 2.0, cfg.Monitor.BufferLow)
	assert.Equal(t, 0.5, cfg.Monitor.BufferCritical)
	assert.Equal(t, 6.0, cfg.Monitor.ProgressTimeout)
	assert.Equal(t, 0.1, cfg.Monitor.Nudge)
	assert.Equal(t, 2.0, cfg.Monitor.ReloadDelay)
	assert.Equal(t, 5, cfg.Monitor.MaxRetries)
	assert.Equal(t, "http://127.0.0.1:8080/live/{id}/{id}.m3u8", cfg.Monitor.ManifestURL)

	assert.Equal(t, 10, cfg.Streaming.MaxConcurrentStreams)
	assert.Equal(t, "front", cfg.Cameras[0].Name)
	assert.Equal(t, -1, cfg.Cameras[0].MaxRetries)

	enabled := cfg.EnabledCameras()
	require.Len(t, enabled, 1)
	assert.Equal(t, "front", enabled[0].ID)
	assert.True(t, enabled[0].Recording())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no base path", `
cameras:
  - {id: a, url: rtsp://x, enabled: true}
`},
		{"no enabled camera", `
storage: {base_path: /srv}
cameras:
  - {id: a, url: rtsp://x, enabled: false}
`},
		{"duplicate id", `
storage: {base_path: /srv}
cameras:
  - {id: a, url: rtsp://x, enabled: true}
  - {id: a, url: rtsp://y, enabled: true}
`},
		{"id with slash", `
storage: {base_path: /srv}
cameras:
  - {id: ../a, url: rtsp://x, enabled: true}
`},
		{"critical above low", `
storage: {base_path: /srv}
cameras:
  - {id: a, url: rtsp://x, enabled: true}
monitor: {enabled: true, buffer_low: 1, buffer_critical: 2}
`},
		{"auth without hash", `
storage: {base_path: /srv}
cameras:
  - {id: a, url: rtsp://x, enabled: true}
webui:
  authentication: {enabled: true, username: admin}
`},
		{"negative tick interval", `
storage: {base_path: /srv}
cameras:
  - {id: a, url: rtsp://x, enabled: true}
monitor: {enabled: true, tick_interval: -1}
`},
		{"negative reload delay", `
storage: {base_path: /srv}
cameras:
  - {id: a, url: rtsp://x, enabled: true}
monitor: {enabled: true, reload_delay: -2}
`},
		{"negative load timeout", `
storage: {base_path: /srv}
cameras:
  - {id: a, url: rtsp://x, enabled: true}
monitor: {enabled: true, load_timeout: -10}
`},
		{"negative progress timeout", `
storage: {base_path: /srv}
cameras:
  - {id: a, url: rtsp://x, enabled: true}
monitor: {enabled: true, progress_timeout: -6}
`},
		{"negative stall threshold", `
storage: {base_path: /srv}
cameras:
  - {id: a, url: rtsp://x, enabled: true}
monitor: {enabled: true, stall_threshold: -12, tick_interval: -20}
`},
		{"negative max retries", `
storage: {base_path: /srv}
cameras:
  - {id: a, url: rtsp://x, enabled: true}
monitor: {enabled: true, max_retries: -1}
`},
		{"negative recovery interval", `
storage: {base_path: /srv}
cameras:
  - {id: a, url: rtsp://x, enabled: true}
recovery: {enabled: true, health_check_interval: -5}
`},
		{"negative stream check interval", `
storage: {base_path: /srv}
cameras:
  - {id: a, url: rtsp://x, enabled: true}
streaming: {check_interval: -3}
`},
		{"short api token", `
storage: {base_path: /srv}
cameras:
  - {id: a, url: rtsp://x, enabled: true}
webui:
  authentication: {enabled: true, username: admin, password_hash: x, api_token: short}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestRecordingOptOut(t *testing.T) {
	off := false
	cam := CameraConfig{ID: "a", Enabled: true, Record: &off}
	assert.False(t, cam.Recording())
	cam.Enabled = false
	cam.Record = nil
	assert.False(t, cam.Recording())
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, Seconds(0.5))
	assert.Equal(t, 12*time.Second, Seconds(12))
}

func TestHolderReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))

	initial, err := Load(path)
	require.NoError(t, err)
	h := NewHolder(initial, path)

	updates := make(chan *Config, 1)
	h.Subscribe(updates)

	require.NoError(t, os.WriteFile(path, []byte("cameras: ["), 0o600))
	assert.Error(t, h.Reload())
	assert.Same(t, initial, h.Get())
	assert.Empty(t, updates)

	next := minimalYAML + "\n  tick_interval: 3\n"
	require.NoError(t, os.WriteFile(path, []byte(next), 0o600))
	require.NoError(t, h.Reload())
	assert.Equal(t, 3.0, h.Get().Monitor.TickInterval)

	select {
	case got := <-updates:
		assert.Same(t, h.Get(), got)
	default:
		t.Fatal("expected reload notification")
	}
}
