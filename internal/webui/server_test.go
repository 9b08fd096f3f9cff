package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmuteeullah/CoreCam/internal/auth"
	"github.com/mmuteeullah/CoreCam/internal/config"
	"github.com/mmuteeullah/CoreCam/internal/history"
	"github.com/mmuteeullah/CoreCam/internal/monitor"
	"github.com/mmuteeullah/CoreCam/internal/recorder"
	"github.com/mmuteeullah/CoreCam/internal/recordings"
	"github.com/mmuteeullah/CoreCam/internal/storage"
	"github.com/mmuteeullah/CoreCam/internal/streaming"
)

type fakeStreams struct {
	mu        sync.Mutex
	restarted []string
	missing   map[string]bool
}

func (f *fakeStreams) Restart(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[id] {
		return fmt.Errorf("%w: %s", streaming.ErrUnknownCamera, id)
	}
	f.restarted = append(f.restarted, id)
	return nil
}

func (f *fakeStreams) RestartAll() []string {
	var out []string
	for _, id := range []string{"front", "yard"} {
		if f.Restart(id) == nil {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeStreams) Status(id string) (streaming.Status, error) {
	if id != "front" {
		return streaming.Status{}, fmt.Errorf("%w: %s", streaming.ErrUnknownCamera, id)
	}
	return streaming.Status{CameraID: "front", Running: true, Healthy: true}, nil
}

func (f *fakeStreams) Statuses() []streaming.Status {
	return []streaming.Status{{CameraID: "front", Running: true, Healthy: true}}
}

func (f *fakeStreams) ActiveCount() int { return 1 }

type fakeRecorders struct {
	started, stopped []string
	stopAll          int
}

func (f *fakeRecorders) Start(id string) error {
	if id == "ghost" {
		return fmt.Errorf("%w: %s", recorder.ErrUnknownCamera, id)
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRecorders) Stop(id string) error {
	f.stopped = append(f.stopped, id)
	return recorder.ErrNotRunning
}

func (f *fakeRecorders) StartAll() map[string]error { return nil }
func (f *fakeRecorders) StopAll()                   { f.stopAll++ }

func (f *fakeRecorders) Statuses() []recorder.Status {
	return []recorder.Status{{CameraID: "front", Running: true, Recording: true, StartedAt: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}}
}

type fakeMonitors struct{ reloads []string }

func (f *fakeMonitors) Snapshots() []monitor.Snapshot {
	return []monitor.Snapshot{{CameraID: "front", Status: "Playing", Active: true}}
}

func (f *fakeMonitors) Snapshot(id string) (monitor.Snapshot, error) {
	if id != "front" {
		return monitor.Snapshot{}, monitor.ErrUnknownCamera
	}
	return f.Snapshots()[0], nil
}

func (f *fakeMonitors) Reload(id string) (bool, error) {
	if id != "front" {
		return false, monitor.ErrUnknownCamera
	}
	f.reloads = append(f.reloads, id)
	return true, nil
}

type fakeStorage struct {
	small    int
	cleanups int
}

func (f *fakeStorage) Cleanup() storage.Result {
	f.cleanups++
	return storage.Result{Status: "success", FilesDeleted: 3, Message: "deleted 3 old recordings"}
}

func (f *fakeStorage) CleanSmall(int64) int { f.small++; return 2 }

func (f *fakeStorage) DiskSpace() (storage.DiskSpace, error) {
	return storage.DiskSpace{RecordPath: "/srv/record", RecordFreeGB: 42}, nil
}

func (f *fakeStorage) PathUsage() map[string]storage.Usage {
	return map[string]storage.Usage{"/srv/record": {Total: 100, Used: 40, Free: 60, Percent: 40}}
}

type fakeEvents struct{ err error }

func (f fakeEvents) Recent(_ context.Context, limit int, camera string) ([]history.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []history.Event{{ID: 1, Camera: camera, Kind: history.KindMonitorReload, Detail: fmt.Sprint(limit)}}, nil
}

type fixture struct {
	srv       *Server
	cfg       *config.Config
	streams   *fakeStreams
	recorders *fakeRecorders
	monitors  *fakeMonitors
	storage   *fakeStorage
}

func newFixture(t *testing.T, sessions *auth.SessionManager) *fixture {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{
		Storage: config.StorageConfig{
			LivePath:   filepath.Join(base, "live"),
			RecordPath: filepath.Join(base, "record"),
			BackupPath: filepath.Join(base, "backup"),
		},
		Cameras: []config.CameraConfig{
			{ID: "front", Name: "Front door", Enabled: true},
			{ID: "yard", Name: "Yard", Enabled: true},
			{ID: "attic", Name: "Attic", Enabled: false},
		},
	}
	f := &fixture{
		cfg:       cfg,
		streams:   &fakeStreams{missing: map[string]bool{}},
		recorders: &fakeRecorders{},
		monitors:  &fakeMonitors{},
		storage:   &fakeStorage{},
	}
	f.srv = NewServer(Deps{
		Config:    func() *config.Config { return cfg },
		Streams:   f.streams,
		Recorders: f.recorders,
		Monitors:  f.monitors,
		Storage:   f.storage,
		Catalog:   recordings.NewCatalog(cfg.Storage.RecordPath, cfg.Storage.BackupPath),
		Events:    fakeEvents{},
		Sessions:  sessions,
	})
	return f
}

func (f *fixture) do(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRestartStream(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/streams/front/restart")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[restartResult](t, rec)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "Front door")
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = f.do(http.MethodGet, "/api/streams/front/restart")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/api/streams/ghost/restart")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, decode[restartResult](t, rec).Success)

	rec = f.do(http.MethodPost, "/api/streams/attic/restart")
	assert.Equal(t, http.StatusNotFound, rec.Code, "disabled camera")

	assert.Equal(t, []string{"front", "front"}, f.streams.restarted)
}

func TestRestartAll(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/api/streams/restart-all")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", decode[restartAllResult](t, rec).Status)

	f.streams.missing["yard"] = true
	rec = f.do(http.MethodPost, "/api/streams/restart-all")
	res := decode[restartAllResult](t, rec)
	assert.Equal(t, "partial", res.Status)
	assert.Contains(t, res.Message, "yard")

	f.streams.missing["front"] = true
	rec = f.do(http.MethodPost, "/api/streams/restart-all")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "error", decode[restartAllResult](t, rec).Status)
}

func TestLiveFiles(t *testing.T) {
	f := newFixture(t, nil)
	dir := filepath.Join(f.cfg.Storage.LivePath, "front")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "front.m3u8"), []byte("#EXTM3U\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "front-00001.ts"), []byte("ts"), 0o644))

	rec := f.do(http.MethodGet, "/live/front/front.m3u8")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "#EXTM3U\n", rec.Body.String())

	rec = f.do(http.MethodGet, "/live/front/front-00001.ts")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/live/front/front-00002.ts").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/live/front/notes.txt").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/live/front/..").Code)
}

func TestRecordings(t *testing.T) {
	f := newFixture(t, nil)
	dir := filepath.Join(f.cfg.Storage.RecordPath, "front")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "front_20250314093000.mp4"), []byte("mp4"), 0o644))

	rec := f.do(http.MethodGet, "/api/recordings")
	require.Equal(t, http.StatusOK, rec.Code)
	cams := decode[[]recordings.Camera](t, rec)
	require.Len(t, cams, 1)
	require.Len(t, cams[0].Recordings, 1)
	url := cams[0].Recordings[0].URL
	assert.Equal(t, "/record/front/front_20250314093000.mp4", url)

	rec = f.do(http.MethodGet, url)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mp4", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/record/front/front_20250101000000.mp4").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/record/front/secret.txt").Code)

	rec = f.do(http.MethodGet, "/api/backup-recordings")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecordingControl(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/recordings/front/start").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/recordings/ghost/start").Code)

	rec := f.do(http.MethodPost, "/api/recordings/front/stop")
	assert.Equal(t, http.StatusOK, rec.Code, "stopping a stopped recorder is fine")
	assert.Equal(t, 1, f.storage.small)

	rec = f.do(http.MethodPost, "/api/recordings/start-all")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.recorders.stopAll)

	rec = f.do(http.MethodPost, "/api/recordings/stop-all")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode[map[string]any](t, rec)["small_files_removed"])
}

func TestMonitorEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/monitor")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]monitor.Snapshot](t, rec), 1)

	rec = f.do(http.MethodPost, "/api/monitor/front/reload")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[restartResult](t, rec).Success)
	assert.Equal(t, []string{"front"}, f.monitors.reloads)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/monitor/ghost/reload").Code)

	rec = f.do(http.MethodGet, "/api/monitor/front")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Playing", decode[monitor.Snapshot](t, rec).Status)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/monitor/ghost").Code)
}

func TestStreamStatus(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/streams/front")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[streaming.Status](t, rec).Healthy)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/streams/ghost").Code)

	rec = f.do(http.MethodGet, "/api/streams/%66ront")
	require.Equal(t, http.StatusOK, rec.Code, "escaped id is unescaped")
	assert.Equal(t, "front", decode[streaming.Status](t, rec).CameraID)
}

func TestCameras(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/api/cameras")
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]cameraView](t, rec)
	require.Len(t, views, 3)

	front := views[0]
	assert.Equal(t, "/live/front/front.m3u8", front.LiveURL)
	assert.Equal(t, "Playing", front.MonitorStatus)
	require.NotNil(t, front.Stream)
	assert.True(t, front.Stream.Healthy)
	require.NotNil(t, front.Recorder)
	assert.True(t, front.Recorder.Recording)

	assert.Nil(t, views[1].Stream)
	assert.False(t, views[2].Enabled)
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/admin/status")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[adminStatus](t, rec)
	assert.Equal(t, 1, st.Streaming.ActiveCount)
	assert.Equal(t, 1, st.Streaming.Processes)
	assert.Equal(t, 1, st.Recording.ActiveProcesses)
	assert.Contains(t, st.Recording.StartTimes, "front")
	assert.InDelta(t, 40, st.Disk["/srv/record"].Percent, 0.001)

	rec = f.do(http.MethodGet, "/api/admin/disk-space")
	assert.Equal(t, 42.0, decode[storage.DiskSpace](t, rec).RecordFreeGB)

	rec = f.do(http.MethodPost, "/api/admin/cleanup")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[storage.Result](t, rec).FilesDeleted)
}

func TestEvents(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/api/events?camera=front&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]history.Event](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, "front", events[0].Camera)
	assert.Equal(t, "5", events[0].Detail)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/events?limit=0").Code)

	f.srv.deps.Events = fakeEvents{err: errors.New("database is locked")}
	assert.Equal(t, http.StatusInternalServerError, f.do(http.MethodGet, "/api/events").Code)
}

func TestAuthRequired(t *testing.T) {
	sessions := auth.NewSessionManager("admin", "", "internal", time.Hour)
	f := newFixture(t, sessions)

	rec := f.do(http.MethodGet, "/api/cameras")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/")
	assert.Equal(t, http.StatusSeeOther, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/streams/front/restart", nil)
	req.Header.Set("Authorization", "Bearer internal")
	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/login")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "login-form"))

	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("username=admin&password=wrong"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/metrics").Code, "metrics are public")
}

func TestRateLimitedControlRoutes(t *testing.T) {
	f := newFixture(t, nil)
	var last int
	for range 31 {
		last = f.do(http.MethodPost, "/api/monitor/front/reload").Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/monitor").Code, "reads are not limited")
}
