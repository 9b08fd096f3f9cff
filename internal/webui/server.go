// Package webui serves the dashboard, the live HLS files and the JSON API.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mmuteeullah/CoreCam/internal/auth"
	"github.com/mmuteeullah/CoreCam/internal/config"
	"github.com/mmuteeullah/CoreCam/internal/health"
	"github.com/mmuteeullah/CoreCam/internal/history"
	cclog "github.com/mmuteeullah/CoreCam/internal/log"
	"github.com/mmuteeullah/CoreCam/internal/monitor"
	"github.com/mmuteeullah/CoreCam/internal/recorder"
	"github.com/mmuteeullah/CoreCam/internal/recordings"
	"github.com/mmuteeullah/CoreCam/internal/storage"
	"github.com/mmuteeullah/CoreCam/internal/streaming"
)

// smallRecording is the size below which stopped recordings are discarded.
const smallRecording = 1 << 20

// Streams is the live stream manager.
type Streams interface {
	Restart(id string) error
	RestartAll() []string
	Status(id string) (streaming.Status, error)
	Statuses() []streaming.Status
	ActiveCount() int
}

// Recorders is the recorder manager.
type Recorders interface {
	Start(id string) error
	Stop(id string) error
	StartAll() map[string]error
	StopAll()
	Statuses() []recorder.Status
}

// Monitors is the stream health monitor supervisor.
type Monitors interface {
	Snapshot(cameraID string) (monitor.Snapshot, error)
	Snapshots() []monitor.Snapshot
	Reload(cameraID string) (bool, error)
}

// Storage runs cleanup and reports disk space.
type Storage interface {
	Cleanup() storage.Result
	CleanSmall(minSize int64) int
	DiskSpace() (storage.DiskSpace, error)
	PathUsage() map[string]storage.Usage
}

// Events reads the event history.
type Events interface {
	Recent(ctx context.Context, limit int, camera string) ([]history.Event, error)
}

// Deps are the components behind the API. Nil Monitors, Events, Feed or
// Sessions disable their routes.
type Deps struct {
	Config    func() *config.Config
	Streams   Streams
	Recorders Recorders
	Monitors  Monitors
	Storage   Storage
	Catalog   *recordings.Catalog
	Events    Events
	Health    *health.Monitor
	Feed      http.Handler
	Sessions  *auth.SessionManager
}

// Server represents the web UI server
type Server struct {
	deps   Deps
	logger zerolog.Logger
	router chi.Router
}

// NewServer creates the router.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, logger: cclog.WithComponent("webui")}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestID)
	r.Use(instrument)
	r.Use(cclog.Middleware())

	// Public routes.
	if s.deps.Health != nil {
		r.Get("/health", s.deps.Health.Handler())
	}
	r.Handle("/metrics", promhttp.Handler())
	if s.deps.Sessions != nil {
		r.Get("/login", s.handleLoginPage)
		r.Post("/login", s.handleLogin)
		r.Get("/logout", s.handleLogout)
		r.Post("/logout", s.handleLogout)
	}

	r.Group(func(r chi.Router) {
		if s.deps.Sessions != nil {
			r.Use(s.deps.Sessions.Middleware)
		}

		r.Get("/", s.handleIndex)
		r.Get("/live/{id}/{file}", s.handleLive)
		r.Get("/record/{id}/{file}", s.handleRecordingFile(recordings.KindRecord))
		r.Get("/backup/{id}/{file}", s.handleRecordingFile(recordings.KindBackup))
		if s.deps.Feed != nil {
			r.Handle("/ws/status", s.deps.Feed)
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/cameras", s.handleCameras)
			r.Get("/streams", s.handleStreams)
			r.Get("/streams/{id}", s.handleStream)
			r.Get("/monitor", s.handleMonitor)
			r.Get("/monitor/{id}", s.handleMonitorCamera)
			r.Get("/recordings", s.handleRecordings(recordings.KindRecord))
			r.Get("/backup-recordings", s.handleRecordings(recordings.KindBackup))
			r.Get("/events", s.handleEvents)
			r.Get("/admin/status", s.handleAdminStatus)
			r.Get("/admin/disk-space", s.handleDiskSpace)

			// Routes that start or stop processes.
			r.Group(func(r chi.Router) {
				r.Use(rateLimit(30, time.Minute))
				r.Get("/streams/{id}/restart", s.handleRestartStream)
				r.Post("/streams/{id}/restart", s.handleRestartStream)
				r.Post("/streams/restart-all", s.handleRestartAll)
				r.Post("/monitor/{id}/reload", s.handleMonitorReload)
				r.Post("/recordings/start-all", s.handleStartAllRecordings)
				r.Post("/recordings/stop-all", s.handleStopAllRecordings)
				r.Post("/recordings/{id}/start", s.handleStartRecording)
				r.Post("/recordings/{id}/stop", s.handleStopRecording)
				r.Post("/admin/cleanup", s.handleCleanup)
			})
		})
	})
	return r
}

// idParam returns the camera id route parameter. chi matches on the raw
// path when the request carries one, so the segment may still be escaped.
func idParam(r *http.Request) string {
	id := chi.URLParam(r, "id")
	if v, err := url.PathUnescape(id); err == nil {
		return v
	}
	return id
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"status": "error", "message": msg})
}

// handleIndex serves the dashboard
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(dashboardTemplate))
}

// handleLive serves live playlists and segments with caching disabled.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	file := chi.URLParam(r, "file")
	if !plainName(id) || !plainName(file) {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	switch filepath.Ext(file) {
	case ".m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	case ".ts":
		w.Header().Set("Content-Type", "video/mp2t")
	default:
		http.Error(w, "invalid file type", http.StatusBadRequest)
		return
	}
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	path := filepath.Join(s.deps.Config().Storage.LivePath, id, file)
	if fi, err := os.Stat(path); err != nil || !fi.Mode().IsRegular() {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

func plainName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func (s *Server) handleRecordingFile(kind recordings.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := s.deps.Catalog.Resolve(kind, idParam(r), chi.URLParam(r, "file"))
		switch {
		case errors.Is(err, recordings.ErrInvalidPath):
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		case err != nil:
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		http.ServeFile(w, r, path)
	}
}

func (s *Server) handleRecordings(kind recordings.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cams, err := s.deps.Catalog.List(kind)
		if err != nil {
			logger := cclog.FromContext(r.Context())
			logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to list recordings")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cams)
	}
}

// cameraView is one entry of /api/cameras.
type cameraView struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Enabled       bool              `json:"enabled"`
	Record        bool              `json:"record"`
	LiveURL       string            `json:"live_url"`
	Stream        *streaming.Status `json:"stream,omitempty"`
	Recorder      *recorder.Status  `json:"recorder,omitempty"`
	MonitorStatus string            `json:"monitor_status,omitempty"`
	Monitor       *monitor.Snapshot `json:"monitor,omitempty"`
}

// LiveURL is the playlist path of a camera on this server.
func LiveURL(id string) string {
	return "/live/" + id + "/" + id + ".m3u8"
}

func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Config()

	streams := make(map[string]streaming.Status)
	for _, st := range s.deps.Streams.Statuses() {
		streams[st.CameraID] = st
	}
	recs := make(map[string]recorder.Status)
	for _, st := range s.deps.Recorders.Statuses() {
		recs[st.CameraID] = st
	}
	snaps := make(map[string]monitor.Snapshot)
	if s.deps.Monitors != nil {
		for _, sn := range s.deps.Monitors.Snapshots() {
			snaps[sn.CameraID] = sn
		}
	}

	out := make([]cameraView, 0, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		v := cameraView{
			ID:      cam.ID,
			Name:    cam.Name,
			Enabled: cam.Enabled,
			Record:  cam.Recording(),
			LiveURL: LiveURL(cam.ID),
		}
		if st, ok := streams[cam.ID]; ok {
			v.Stream = &st
		}
		if st, ok := recs[cam.ID]; ok {
			v.Recorder = &st
		}
		if sn, ok := snaps[cam.ID]; ok {
			v.Monitor = &sn
			v.MonitorStatus = sn.Status
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Streams.Statuses())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Streams.Status(idParam(r))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitors == nil {
		writeJSON(w, http.StatusOK, []monitor.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Monitors.Snapshots())
}

func (s *Server) handleMonitorCamera(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitors == nil {
		writeError(w, http.StatusNotFound, "health monitor disabled")
		return
	}
	snap, err := s.deps.Monitors.Snapshot(idParam(r))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMonitorReload(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	if s.deps.Monitors == nil {
		writeJSON(w, http.StatusNotFound, restartResult{Message: "health monitor disabled"})
		return
	}
	started, err := s.deps.Monitors.Reload(id)
	if errors.Is(err, monitor.ErrUnknownCamera) {
		writeJSON(w, http.StatusNotFound, restartResult{Message: fmt.Sprintf("camera %s not found", id)})
		return
	}
	if !started {
		writeJSON(w, http.StatusOK, restartResult{Success: false, Message: "reload already in progress"})
		return
	}
	writeJSON(w, http.StatusOK, restartResult{Success: true, Message: fmt.Sprintf("player reload started for %s", id)})
}

type restartResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleRestartStream(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	cam, ok := s.deps.Config().Camera(id)
	if !ok || !cam.Enabled {
		writeJSON(w, http.StatusNotFound, restartResult{Message: fmt.Sprintf("camera %s not found", id)})
		return
	}
	if err := s.deps.Streams.Restart(id); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, streaming.ErrUnknownCamera) {
			code = http.StatusNotFound
		}
		writeJSON(w, code, restartResult{Message: err.Error()})
		return
	}
	logger := cclog.FromContext(r.Context())
	logger.Info().
		Str(cclog.FieldEvent, "stream.restart_requested").
		Str(cclog.FieldCamera, id).
		Msg("stream restart requested")
	writeJSON(w, http.StatusOK, restartResult{Success: true, Message: fmt.Sprintf("stream restart requested for %s", cam.Name)})
}

type restartAllResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleRestartAll(w http.ResponseWriter, r *http.Request) {
	cams := s.deps.Config().EnabledCameras()
	restarted := make(map[string]bool)
	for _, id := range s.deps.Streams.RestartAll() {
		restarted[id] = true
	}
	var failed []string
	for _, cam := range cams {
		if !restarted[cam.ID] {
			failed = append(failed, cam.ID)
		}
	}

	ok := len(cams) - len(failed)
	switch {
	case len(cams) == 0:
		writeJSON(w, http.StatusOK, restartAllResult{Status: "error", Message: "no enabled cameras"})
	case len(failed) == 0:
		writeJSON(w, http.StatusOK, restartAllResult{Status: "success", Message: fmt.Sprintf("restart requested for %d streams", ok)})
	case ok > 0:
		writeJSON(w, http.StatusOK, restartAllResult{Status: "partial", Message: fmt.Sprintf("%d of %d streams restarted, failed: %s", ok, len(cams), strings.Join(failed, ", "))})
	default:
		writeJSON(w, http.StatusInternalServerError, restartAllResult{Status: "error", Message: "no stream could be restarted"})
	}
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	if err := s.deps.Recorders.Start(id); err != nil && !errors.Is(err, recorder.ErrRunning) {
		writeError(w, recorderCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recording started"})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	if err := s.deps.Recorders.Stop(id); err != nil && !errors.Is(err, recorder.ErrNotRunning) {
		writeError(w, recorderCode(err), err.Error())
		return
	}
	s.deps.Storage.CleanSmall(smallRecording)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recording stopped"})
}

func recorderCode(err error) int {
	if errors.Is(err, recorder.ErrUnknownCamera) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// handleStartAllRecordings restarts every recorder from a clean state.
func (s *Server) handleStartAllRecordings(w http.ResponseWriter, r *http.Request) {
	s.deps.Recorders.StopAll()
	s.deps.Storage.CleanSmall(smallRecording)

	failed := s.deps.Recorders.StartAll()
	if len(failed) > 0 {
		for id, err := range failed {
			logger := cclog.FromContext(r.Context())
			logger.Error().Err(err).Str(cclog.FieldCamera, id).Msg("failed to start recording")
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "some recordings failed to start",
			"failed": len(failed),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "all recordings started"})
}

func (s *Server) handleStopAllRecordings(w http.ResponseWriter, r *http.Request) {
	s.deps.Recorders.StopAll()
	n := s.deps.Storage.CleanSmall(smallRecording)
	writeJSON(w, http.StatusOK, map[string]any{"status": "all recordings stopped", "small_files_removed": n})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Storage.Cleanup()
	code := http.StatusOK
	if res.Status != "success" {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, res)
}

func (s *Server) handleDiskSpace(w http.ResponseWriter, r *http.Request) {
	ds, err := s.deps.Storage.DiskSpace()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

type adminStatus struct {
	Timestamp time.Time                `json:"timestamp"`
	System    health.SystemHealth      `json:"system"`
	Disk      map[string]storage.Usage `json:"disk"`
	Streaming streamingStatus          `json:"streaming"`
	Recording recordingStatus          `json:"recording"`
}

type streamingStatus struct {
	ActiveCount int                `json:"active_count"`
	Processes   int                `json:"processes"`
	Streams     []streaming.Status `json:"streams"`
}

type recordingStatus struct {
	ActiveProcesses int                  `json:"active_processes"`
	StartTimes      map[string]time.Time `json:"start_times"`
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	st := adminStatus{
		Timestamp: time.Now(),
		Disk:      s.deps.Storage.PathUsage(),
		Recording: recordingStatus{StartTimes: make(map[string]time.Time)},
	}
	if s.deps.Health != nil {
		st.System = s.deps.Health.SystemHealth()
	}

	streams := s.deps.Streams.Statuses()
	st.Streaming.ActiveCount = s.deps.Streams.ActiveCount()
	st.Streaming.Streams = streams
	for _, ss := range streams {
		if ss.Running {
			st.Streaming.Processes++
		}
	}
	for _, rs := range s.deps.Recorders.Statuses() {
		if rs.Recording {
			st.Recording.ActiveProcesses++
			st.Recording.StartTimes[rs.CameraID] = rs.StartedAt
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeJSON(w, http.StatusOK, []history.Event{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	events, err := s.deps.Events.Recent(r.Context(), limit, r.URL.Query().Get("camera"))
	if err != nil {
		logger := cclog.FromContext(r.Context())
		logger.Error().Err(err).Msg("failed to read events")
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(loginTemplate))
}

// handleLogin checks credentials and sets the session cookie
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid form data"})
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")
	remember := r.FormValue("remember") == "on"

	logger := cclog.FromContext(r.Context())
	if !s.deps.Sessions.Authenticate(username, password) {
		logger.Warn().Str(cclog.FieldEvent, "auth.login_failed").Str("remote", clientIP(r)).Msg("login failed")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid username or password"})
		return
	}

	sessionID, err := s.deps.Sessions.CreateSession(username)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to create session"})
		return
	}

	maxAge := 0
	if remember {
		maxAge = 30 * 24 * 60 * 60
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})

	logger.Info().Str(cclog.FieldEvent, "auth.login").Str("user", username).Msg("user logged in")
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleLogout ends the session and returns to the login page
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.CookieName); err == nil {
		s.deps.Sessions.DestroySession(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
