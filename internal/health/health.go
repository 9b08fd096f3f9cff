// Package health aggregates camera, storage and process health for /health.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cclog "github.com/mmuteeullah/CoreCam/internal/log"
	"github.com/mmuteeullah/CoreCam/internal/storage"
)

// Status represents the health check status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CameraHealth represents health status of a single camera
type CameraHealth struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	Recording     bool      `json:"recording"`
	LiveStream    bool      `json:"live_stream"`
	LastRecording time.Time `json:"last_recording,omitzero"`
	Restarts      int       `json:"restarts"`
	MonitorStatus string    `json:"monitor_status,omitempty"`
	MonitorRetry  int       `json:"monitor_retries"`
}

// SystemHealth represents system resource health
type SystemHealth struct {
	CPUUsage      float64    `json:"cpu_usage_percent"`
	MemoryUsed    uint64     `json:"memory_used_bytes"`
	MemoryTotal   uint64     `json:"memory_total_bytes"`
	MemoryPercent float64    `json:"memory_percent"`
	LoadAverage   [3]float64 `json:"load_average"`
	Uptime        int64      `json:"uptime_seconds"`
	GoRoutines    int        `json:"goroutines"`
}

// StorageHealth represents storage health
type StorageHealth struct {
	Role           string  `json:"role"`
	Path           string  `json:"path"`
	TotalBytes     uint64  `json:"total_bytes"`
	UsedBytes      uint64  `json:"used_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsagePercent   float64 `json:"usage_percent"`
	Mounted        bool    `json:"mounted"`
	Writable       bool    `json:"writable"`
}

// Response represents the complete health check response
type Response struct {
	Status    Status          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version"`
	Uptime    string          `json:"uptime"`
	System    SystemHealth    `json:"system"`
	Storage   []StorageHealth `json:"storage"`
	Cameras   []CameraHealth  `json:"cameras"`
	Checks    map[string]bool `json:"checks"`
	Messages  []string        `json:"messages,omitempty"`
}

// Path is a storage location checked by the monitor.
type Path struct {
	Role string
	Path string
}

// Options wires the monitor to the running components.
type Options struct {
	Version string
	Paths   []Path
	// Cameras reports the current per-camera state. Status is derived by
	// the monitor.
	Cameras func() []CameraHealth
	Now     func() time.Time
}

// Monitor computes health responses on demand.
type Monitor struct {
	opts      Options
	startTime time.Time
	logger    zerolog.Logger

	mu         sync.Mutex
	lastStatus Status
}

// NewMonitor creates a new health monitor
func NewMonitor(opts Options) *Monitor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cameras == nil {
		opts.Cameras = func() []CameraHealth { return nil }
	}
	return &Monitor{
		opts:      opts,
		startTime: opts.Now(),
		logger:    cclog.WithComponent("health"),
	}
}

// CameraStatus classifies a camera from its recorder and live stream state.
func CameraStatus(recording, live bool) Status {
	switch {
	case recording && live:
		return StatusHealthy
	case recording || live:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// SystemHealth returns current system health metrics
func (m *Monitor) SystemHealth() SystemHealth {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	h := SystemHealth{
		MemoryUsed:  memStats.Alloc,
		MemoryTotal: memStats.Sys,
		GoRoutines:  runtime.NumGoroutine(),
		Uptime:      int64(m.opts.Now().Sub(m.startTime).Seconds()),
	}
	if memStats.Sys > 0 {
		h.MemoryPercent = float64(memStats.Alloc) * 100 / float64(memStats.Sys)
	}

	if loadavg, err := os.ReadFile("/proc/loadavg"); err == nil {
		var l1, l5, l15 float64
		if _, err := fmt.Sscanf(string(loadavg), "%f %f %f", &l1, &l5, &l15); err == nil {
			h.LoadAverage = [3]float64{l1, l5, l15}
		}
	}
	// Load average per CPU; good enough for a dashboard.
	if n := runtime.NumCPU(); n > 0 {
		h.CPUUsage = h.LoadAverage[0] * 100 / float64(n)
	}
	return h
}

// StorageHealthOf checks one storage path.
func StorageHealthOf(p Path) StorageHealth {
	h := StorageHealth{Role: p.Role, Path: p.Path}

	if _, err := os.Stat(p.Path); err != nil {
		return h
	}
	h.Mounted = true

	if f, err := os.CreateTemp(p.Path, ".health_check*"); err == nil {
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		h.Writable = true
	}

	if u, err := storage.DiskUsage(p.Path); err == nil {
		h.TotalBytes = u.Total
		h.AvailableBytes = u.Free
		h.UsedBytes = u.Used
		h.UsagePercent = u.Percent
	}
	return h
}

// Check performs a complete health check
func (m *Monitor) Check() Response {
	now := m.opts.Now()
	resp := Response{
		Timestamp: now,
		Version:   m.opts.Version,
		Uptime:    now.Sub(m.startTime).Round(time.Second).String(),
		System:    m.SystemHealth(),
		Storage:   make([]StorageHealth, 0, len(m.opts.Paths)),
		Cameras:   make([]CameraHealth, 0),
		Checks:    make(map[string]bool),
	}

	for _, p := range m.opts.Paths {
		resp.Storage = append(resp.Storage, StorageHealthOf(p))
	}
	for _, c := range m.opts.Cameras() {
		c.Status = CameraStatus(c.Recording, c.LiveStream)
		resp.Cameras = append(resp.Cameras, c)
	}
	sort.Slice(resp.Cameras, func(i, j int) bool { return resp.Cameras[i].ID < resp.Cameras[j].ID })

	storageOK, storageFull, storageCritical := true, false, false
	for _, s := range resp.Storage {
		if !s.Mounted || !s.Writable {
			storageOK = false
		}
		if s.UsagePercent >= 90 {
			storageFull = true
		}
		if s.UsagePercent >= 95 {
			storageCritical = true
		}
	}

	allCamerasHealthy := true
	anyCameraRecording := false
	for _, c := range resp.Cameras {
		if c.Status != StatusHealthy {
			allCamerasHealthy = false
		}
		if c.Recording {
			anyCameraRecording = true
		}
	}

	resp.Checks["storage_accessible"] = storageOK
	resp.Checks["storage_space"] = !storageFull
	resp.Checks["cameras_healthy"] = allCamerasHealthy
	resp.Checks["cameras_recording"] = anyCameraRecording

	switch {
	case !storageOK:
		resp.Status = StatusUnhealthy
		resp.Messages = append(resp.Messages, "Storage not accessible")
	case storageCritical:
		resp.Status = StatusUnhealthy
		resp.Messages = append(resp.Messages, "Storage critically full")
	case storageFull:
		resp.Status = StatusDegraded
		resp.Messages = append(resp.Messages, "Storage nearly full")
	case !allCamerasHealthy:
		resp.Status = StatusDegraded
		resp.Messages = append(resp.Messages, "Some cameras are not healthy")
	default:
		resp.Status = StatusHealthy
	}
	return resp
}

// Handler serves the health check. ?detail=true returns the full JSON
// response; otherwise the body is "ok" or the status word.
func (m *Monitor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := m.Check()

		code := http.StatusOK
		if h.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}

		if r.URL.Query().Get("detail") == "true" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_ = json.NewEncoder(w).Encode(h)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(code)
		if h.Status == StatusHealthy {
			_, _ = w.Write([]byte("ok"))
			return
		}
		_, _ = w.Write([]byte(h.Status))
	}
}

// Run performs periodic checks and logs status transitions.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.observe(m.Check())
		}
	}
}

func (m *Monitor) observe(h Response) {
	m.mu.Lock()
	prev := m.lastStatus
	m.lastStatus = h.Status
	m.mu.Unlock()

	if h.Status == prev {
		return
	}
	ev := m.logger.Info()
	if h.Status != StatusHealthy {
		ev = m.logger.Warn()
	}
	ev.Str(cclog.FieldEvent, "health.status_changed").
		Str("from", string(prev)).
		Str("to", string(h.Status)).
		Strs("messages", h.Messages).
		Msg("health status changed")
}

// Paths returns the storage paths checked by default for a storage root.
func Paths(record, backup, live string) []Path {
	out := []Path{{Role: "record", Path: record}}
	if backup != "" {
		out = append(out, Path{Role: "backup", Path: backup})
	}
	if live != "" && filepath.Clean(live) != filepath.Clean(record) {
		out = append(out, Path{Role: "live", Path: live})
	}
	return out
}
