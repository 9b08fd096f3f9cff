// Package streaming runs one ffmpeg live HLS process per camera and restarts
// it when it exits or its playlist stops advancing.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/mmuteeullah/CoreCam/internal/config"
	"github.com/mmuteeullah/CoreCam/internal/ffmpeg"
	cclog "github.com/mmuteeullah/CoreCam/internal/log"
	"github.com/mmuteeullah/CoreCam/internal/metrics"
)

// ErrUnknownCamera is returned for camera ids without a live stream.
var ErrUnknownCamera = errors.New("unknown camera")

const (
	maxRestartCount = 5
	maxCooldown     = 300 * time.Second
)

// Restart causes.
const (
	CauseExited      = "exited"
	CauseStale       = "stale"
	CauseStartFailed = "start_failed"
	CauseManual      = "manual"
)

// Settings control the live pipeline.
type Settings struct {
	FFmpegPath      string
	LivePath        string
	SegmentTime     int
	ListSize        int
	BufferSize      string
	MaxConcurrent   int
	CheckInterval   time.Duration
	UpdateTimeout   time.Duration
	CooldownStep    time.Duration
	CleanupInterval time.Duration
	RestartDelay    time.Duration
	StopGrace       time.Duration
}

// SettingsFromConfig converts the streaming and storage config sections.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := cfg.Streaming
	return Settings{
		FFmpegPath:      s.FFmpegPath,
		LivePath:        cfg.Storage.LivePath,
		SegmentTime:     s.HLSSegmentTime,
		ListSize:        s.HLSListSize,
		BufferSize:      s.BufferSize,
		MaxConcurrent:   s.MaxConcurrentStreams,
		CheckInterval:   time.Duration(s.CheckInterval) * time.Second,
		UpdateTimeout:   time.Duration(s.UpdateTimeout) * time.Second,
		CooldownStep:    time.Duration(s.RestartCooldown) * time.Second,
		CleanupInterval: time.Duration(s.CleanupInterval) * time.Second,
		RestartDelay:    2 * time.Second,
		StopGrace:       5 * time.Second,
	}
}

// Cooldown is the wait before the count-th consecutive restart. The first
// five restarts are immediate, after that the wait grows by step per
// restart up to five minutes.
func Cooldown(count int, step time.Duration) time.Duration {
	if count <= maxRestartCount {
		return 0
	}
	d := step * time.Duration(count-maxRestartCount+1)
	if d > maxCooldown {
		return maxCooldown
	}
	return d
}

// Options are the Manager's collaborators.
type Options struct {
	Launch ffmpeg.Launcher
	Now    func() time.Time
	// OnRestart is called before a stream waits out its restart delay.
	OnRestart func(cameraID, cause string, count int, delay time.Duration)
}

// Status describes one live stream.
type Status struct {
	CameraID     string    `json:"camera_id"`
	Running      bool      `json:"running"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	Healthy      bool      `json:"healthy"`
	LastHealthy  time.Time `json:"last_healthy,omitzero"`
	Reason       string    `json:"reason,omitempty"`
	RestartCount int       `json:"restart_count"`
	Restarts     int       `json:"restarts_total"`
}

// Manager owns the live streams.
type Manager struct {
	settings Settings
	opts     Options
	logger   zerolog.Logger
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	cam     config.CameraConfig
	dir     string
	logger  zerolog.Logger
	restart chan string
	cancel  context.CancelFunc
	done    chan struct{}

	mu          sync.Mutex
	proc        ffmpeg.Handle
	startedAt   time.Time
	healthy     bool
	lastHealthy time.Time
	reason      string
	count       int
	total       int
}

// New creates a Manager with no streams. Call Sync to start cameras.
func New(settings Settings, opts Options) *Manager {
	if opts.Launch == nil {
		opts.Launch = ffmpeg.Launch
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	limit := int64(settings.MaxConcurrent)
	if limit <= 0 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		settings: settings,
		opts:     opts,
		logger:   cclog.WithComponent("streaming"),
		sem:      semaphore.NewWeighted(limit),
		ctx:      ctx,
		cancel:   cancel,
		streams:  make(map[string]*stream),
	}
}

// Run cleans orphaned segments every CleanupInterval until ctx is cancelled,
// then stops every stream.
func (m *Manager) Run(ctx context.Context) error {
	defer m.StopAll()

	interval := m.settings.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CleanAll(false)
		}
	}
}

// Sync starts streams for new or changed enabled cameras and stops the
// streams of removed or disabled ones.
func (m *Manager) Sync(cameras []config.CameraConfig) {
	wanted := make(map[string]config.CameraConfig, len(cameras))
	for _, c := range cameras {
		if c.Enabled {
			wanted[c.ID] = c
		}
	}

	var toStop []*stream
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	for id, st := range m.streams {
		c, ok := wanted[id]
		if !ok || c.URL != st.cam.URL {
			toStop = append(toStop, st)
			delete(m.streams, id)
		}
	}
	for id, c := range wanted {
		if _, ok := m.streams[id]; ok {
			continue
		}
		m.streams[id] = m.launch(c)
	}
	m.mu.Unlock()

	for _, st := range toStop {
		st.logger.Info().Str(cclog.FieldEvent, "stream.remove").Msg("stopping live stream")
		st.cancel()
		<-st.done
	}
}

// launch must be called with m.mu held.
func (m *Manager) launch(cam config.CameraConfig) *stream {
	ctx, cancel := context.WithCancel(m.ctx)
	st := &stream{
		cam:     cam,
		dir:     filepath.Join(m.settings.LivePath, cam.ID),
		logger:  cclog.WithCamera("streaming", cam.ID),
		restart: make(chan string, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(st.done)
		m.supervise(ctx, st)
	}()
	return st
}

func (m *Manager) supervise(ctx context.Context, st *stream) {
	id := st.cam.ID
	for {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return
		}
		cause := ""
		proc, err := m.start(st)
		if err != nil {
			st.logger.Error().Err(err).Str(cclog.FieldEvent, "stream.start_failed").Msg("failed to start live stream")
			st.setReason(err.Error())
			cause = CauseStartFailed
		} else {
			cause = m.watch(ctx, st, proc)
			if err := proc.Stop(m.settings.StopGrace); err != nil && cause != CauseExited {
				st.logger.Debug().Err(err).Msg("encoder stopped")
			}
			st.stopped()
			metrics.SetUp(metrics.StreamUp, id, false)
		}
		m.sem.Release(1)
		if cause == "" {
			return
		}

		count := st.bump()
		delay := max(Cooldown(count, m.settings.CooldownStep), m.settings.RestartDelay)
		metrics.StreamRestartsTotal.WithLabelValues(id, cause).Inc()
		st.logger.Warn().
			Str(cclog.FieldEvent, "stream.restart").
			Str(cclog.FieldReason, cause).
			Int(cclog.FieldAttempt, count).
			Dur("delay", delay).
			Msg("restarting live stream")
		if m.opts.OnRestart != nil {
			m.opts.OnRestart(id, cause, count, delay)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (m *Manager) start(st *stream) (ffmpeg.Handle, error) {
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create live dir: %w", err)
	}
	if err := ClearLive(st.dir); err != nil {
		st.logger.Warn().Err(err).Msg("could not clear previous live files")
	}
	opts := ffmpeg.HLSOptions{
		InputURL:    st.cam.URL,
		Dir:         st.dir,
		Name:        st.cam.ID,
		SegmentTime: m.settings.SegmentTime,
		ListSize:    m.settings.ListSize,
		BufferSize:  m.settings.BufferSize,
	}
	proc, err := m.opts.Launch(m.settings.FFmpegPath, ffmpeg.HLSArgs(opts), st.logger)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	st.proc = proc
	st.startedAt = m.opts.Now()
	st.healthy = false
	st.reason = ""
	st.mu.Unlock()

	metrics.SetUp(metrics.StreamUp, st.cam.ID, true)
	st.logger.Info().
		Str(cclog.FieldEvent, "stream.start").
		Int("pid", proc.Pid()).
		Str("url", ffmpeg.Redact(st.cam.URL)).
		Msg("live stream started")
	return proc, nil
}

// watch returns the restart cause, or "" when ctx is done.
func (m *Manager) watch(ctx context.Context, st *stream, proc ffmpeg.Handle) string {
	interval := m.settings.CheckInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	started := m.opts.Now()
	var lastOK time.Time
	for {
		select {
		case <-ctx.Done():
			return ""
		case <-proc.Done():
			if err := proc.Err(); err != nil {
				st.setReason("encoder exited: " + err.Error())
			} else {
				st.setReason("encoder exited")
			}
			return CauseExited
		case cause := <-st.restart:
			return cause
		case <-ticker.C:
			now := m.opts.Now()
			h := CheckPlaylist(st.dir, st.cam.ID, now, m.settings.UpdateTimeout)
			if h.OK {
				if lastOK.IsZero() {
					st.logger.Info().Str(cclog.FieldEvent, "stream.healthy").Msg("live playlist is advancing")
				}
				st.markHealthy(now, lastOK.IsZero())
				lastOK = now
				if err := WriteBackup(st.dir, st.cam.ID); err != nil {
					st.logger.Debug().Err(err).Msg("backup playlist not written")
				}
				continue
			}
			st.markUnhealthy(h.Reason)
			since, grace := lastOK, m.settings.UpdateTimeout
			if since.IsZero() {
				// Never healthy since start: give the encoder time to connect.
				since, grace = started, 2*m.settings.UpdateTimeout
			}
			if now.Sub(since) > grace {
				st.logger.Warn().Str(cclog.FieldReason, h.Reason).Msg("live playlist is stale")
				return CauseStale
			}
		}
	}
}

// Restart asks the stream to restart. The restart cooldown still applies.
func (m *Manager) Restart(id string) error {
	m.mu.Lock()
	st, ok := m.streams[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCamera, id)
	}
	select {
	case st.restart <- CauseManual:
	default:
	}
	return nil
}

// RestartAll asks every stream to restart and returns the camera ids.
func (m *Manager) RestartAll() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	var restarted []string
	for _, id := range ids {
		if err := m.Restart(id); err == nil {
			restarted = append(restarted, id)
		}
	}
	return restarted
}

// CleanAll removes orphaned segments for every stream.
func (m *Manager) CleanAll(force bool) int {
	m.mu.Lock()
	dirs := make(map[string]string, len(m.streams))
	for id, st := range m.streams {
		dirs[id] = st.dir
	}
	m.mu.Unlock()

	total := 0
	now := m.opts.Now()
	for id, dir := range dirs {
		n, err := CleanSegments(dir, id, now, force)
		if err != nil {
			m.logger.Warn().Err(err).Str(cclog.FieldCamera, id).Msg("segment cleanup failed")
			continue
		}
		total += n
	}
	if total > 0 {
		metrics.SegmentsRemovedTotal.Add(float64(total))
		m.logger.Info().Int("removed", total).Msg("removed orphaned live segments")
	}
	return total
}

// Status returns the status of one stream.
func (m *Manager) Status(id string) (Status, error) {
	m.mu.Lock()
	st, ok := m.streams[id]
	m.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownCamera, id)
	}
	return st.status(), nil
}

// Statuses returns every stream ordered by camera id.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.streams))
	for _, st := range m.streams {
		out = append(out, st.status())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// ActiveCount is the number of running encoders.
func (m *Manager) ActiveCount() int {
	n := 0
	for _, s := range m.Statuses() {
		if s.Running {
			n++
		}
	}
	return n
}

// StopAll stops every stream and waits for the encoders to exit. The
// Manager cannot be restarted afterwards.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.cancel()
	streams := m.streams
	m.streams = make(map[string]*stream)
	m.mu.Unlock()

	for _, st := range streams {
		<-st.done
		metrics.ForgetCamera(st.cam.ID)
	}
}

func (st *stream) status() Status {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := Status{
		CameraID:     st.cam.ID,
		Running:      st.proc != nil,
		StartedAt:    st.startedAt,
		Healthy:      st.healthy,
		LastHealthy:  st.lastHealthy,
		Reason:       st.reason,
		RestartCount: st.count,
		Restarts:     st.total,
	}
	if st.proc != nil {
		s.PID = st.proc.Pid()
	}
	return s
}

// markHealthy records a passing check. The first one after a start resets
// the consecutive restart count.
func (st *stream) markHealthy(now time.Time, first bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.healthy = true
	st.lastHealthy = now
	st.reason = ""
	if first {
		st.count = 0
	}
}

func (st *stream) markUnhealthy(reason string) {
	st.mu.Lock()
	st.healthy = false
	st.reason = reason
	st.mu.Unlock()
}

func (st *stream) setReason(reason string) {
	st.mu.Lock()
	st.reason = reason
	st.mu.Unlock()
}

func (st *stream) stopped() {
	st.mu.Lock()
	st.proc = nil
	st.healthy = false
	st.mu.Unlock()
}

func (st *stream) bump() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.count++
	st.total++
	return st.count
}
