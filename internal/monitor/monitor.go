// Package monitor watches each camera's live HLS stream the way a viewer's
// player would and recovers it when it stalls: local player reloads first,
// then a server-side stream restart once retries are exhausted.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmuteeullah/CoreCam/internal/config"
	cclog "github.com/mmuteeullah/CoreCam/internal/log"
	"github.com/mmuteeullah/CoreCam/internal/metrics"
	"github.com/mmuteeullah/CoreCam/internal/player"
)

// ErrLoadTimeout is returned by Initialize when the player is not ready within the load timeout.
var ErrLoadTimeout = errors.New("player not ready within load timeout")

const escalationTimeout = 15 * time.Second

// Player is the part of a player handle the monitor drives.
type Player interface {
	Ready() <-chan struct{}
	State() (player.State, error)
	Play() error
	Pause() error
	Seek(pos float64) error
	RecoverMediaError() error
	Destroy() error
}

// OpenFunc creates a player for a manifest URL.
type OpenFunc func(ctx context.Context, url string, opts player.Options) (Player, error)

// OpenHLS opens a headless HLS player.
func OpenHLS(ctx context.Context, url string, opts player.Options) (Player, error) {
	h, err := player.Open(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Escalator requests a server-side restart of a camera's stream.
type Escalator interface {
	RestartStream(ctx context.Context, cameraID string) error
}

// Camera is the read-only descriptor a monitor is built for.
type Camera struct {
	ID      string
	Name    string
	Enabled bool
}

// Settings are the health heuristics. Durations come from the monitor config section.
type Settings struct {
	ManifestURL     string
	StallThreshold  time.Duration
	LoadGrace       time.Duration
	LoadTimeout     time.Duration
	BufferLow       float64 // seconds
	BufferCritical  float64 // seconds
	ProgressTimeout time.Duration
	Nudge           float64 // seconds
	ReloadDelay     time.Duration
	MaxRetries      int
}

// SettingsFromConfig converts the monitor config section.
func SettingsFromConfig(c config.MonitorConfig) Settings {
	return Settings{
		ManifestURL:     c.ManifestURL,
		StallThreshold:  config.Seconds(c.StallThreshold),
		LoadGrace:       config.Seconds(c.LoadGrace),
		LoadTimeout:     config.Seconds(c.LoadTimeout),
		BufferLow:       c.BufferLow,
		BufferCritical:  c.BufferCritical,
		ProgressTimeout: config.Seconds(c.ProgressTimeout),
		Nudge:           c.Nudge,
		ReloadDelay:     config.Seconds(c.ReloadDelay),
		MaxRetries:      c.MaxRetries,
	}
}

// Action is what a tick did.
type Action string

const (
	ActionInactive  Action = "inactive"
	ActionNone      Action = "none"
	ActionLoading   Action = "loading"
	ActionBuffering Action = "buffering"
	ActionRefill    Action = "refill"
	ActionNudge     Action = "nudge"
	ActionReload    Action = "reload"
)

// Reload reasons, used as metric labels and history details.
const (
	ReasonNotLoaded    = "not_loaded"
	ReasonStalled      = "stalled"
	ReasonFatalNetwork = "fatal_network"
	ReasonFatalOther   = "fatal_other"
	ReasonPlayerState  = "player_state"
	ReasonNudgeFailed  = "nudge_failed"
	ReasonManual       = "manual"
)

// EventKind classifies monitor events.
type EventKind string

const (
	EventInitialized    EventKind = "initialized"
	EventInitTimeout    EventKind = "init_timeout"
	EventReload         EventKind = "reload"
	EventEscalate       EventKind = "escalate"
	EventEscalateFailed EventKind = "escalate_failed"
	EventMediaRecovery  EventKind = "media_recovery"
)

// Event is reported to Hooks.OnEvent.
type Event struct {
	Camera     string
	Kind       EventKind
	Reason     string
	RetryCount int
	Err        error
	At         time.Time
}

// Hooks receive monitor events and status text changes. They are called
// without monitor locks held and must not block.
type Hooks struct {
	OnEvent  func(Event)
	OnStatus func(cameraID, status string)
}

// Options wires a monitor's collaborators. Zero values get real implementations.
type Options struct {
	Clock     Clock
	Open      OpenFunc
	Escalator Escalator
	Hooks     Hooks
	Player    player.Options
}

// Snapshot is a point-in-time view of a monitor for the API.
type Snapshot struct {
	CameraID      string    `json:"camera_id"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	Active        bool      `json:"active"`
	Loaded        bool      `json:"loaded"`
	Paused        bool      `json:"paused"`
	RetryCount    int       `json:"retry_count"`
	Escalated     bool      `json:"escalated"`
	LastDataAt    time.Time `json:"last_data_at"`
	StalledFor    float64   `json:"stalled_for_seconds"`
	BufferedAhead float64   `json:"buffered_ahead_seconds"`
	Position      float64   `json:"position_seconds"`
	Fragments     int       `json:"fragments"`
	Reloads       int       `json:"reloads"`
	Escalations   int       `json:"escalations"`
}

// Monitor owns one camera's player handle and health state.
type Monitor struct {
	cam      Camera
	settings Settings
	clock    Clock
	open     OpenFunc
	esc      Escalator
	hooks    Hooks
	popts    player.Options
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// active is false while a reload is in flight, before the first
	// initialize completes and after Stop.
	active atomic.Bool
	wg     sync.WaitGroup

	mu             sync.Mutex
	stopped        bool
	handle         Player
	gen            uint64
	initAt         time.Time
	lastDataAt     time.Time
	lastPosition   float64
	lastProgressAt time.Time
	retryCount     int
	escalated      bool
	status         string
	fragments      int
	reloads        int
	escalations    int
}

// New creates an idle monitor. Call Start to begin.
func New(cam Camera, s Settings, opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Open == nil {
		opts.Open = OpenHLS
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cam:      cam,
		settings: s,
		clock:    opts.Clock,
		open:     opts.Open,
		esc:      opts.Escalator,
		hooks:    opts.Hooks,
		popts:    opts.Player,
		logger:   cclog.WithCamera("monitor", cam.ID),
		ctx:      ctx,
		cancel:   cancel,
		status:   "idle",
	}
}

// Camera returns the descriptor the monitor was built for.
func (m *Monitor) Camera() Camera { return m.cam }

// Settings returns the monitor's heuristics.
func (m *Monitor) Settings() Settings { return m.settings }

// Start initializes the player in the background and activates the monitor
// once initialization finishes, whether or not the player became ready.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		_ = m.Initialize()
		m.activate()
	}()
}

// Initialize destroys any existing handle, opens a new player against a
// cache-busted manifest URL and waits up to the load timeout for it to
// become ready. Success resets the retry count and the escalation latch.
// On failure the new handle stays live.
func (m *Monitor) Initialize() error {
	if err := m.ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	old := m.handle
	m.handle = nil
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	if old != nil {
		_ = old.Destroy()
	}

	start := m.clock.Now()
	u, err := manifestURL(m.settings.ManifestURL, m.cam.ID, start)
	if err != nil {
		m.setStatus("error: " + err.Error())
		return err
	}

	opts := m.popts
	opts.OnFragmentLoaded = func(player.Fragment) { m.onFragment(gen) }
	opts.OnError = func(e *player.Error) { m.onError(gen, e) }

	h, err := m.open(m.ctx, u, opts)
	if err != nil {
		m.setStatus("error: " + err.Error())
		m.logger.Error().Err(err).Str(cclog.FieldEvent, "monitor.open_failed").Msg("failed to create player")
		return fmt.Errorf("open player: %w", err)
	}

	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		_ = h.Destroy()
		return context.Canceled
	}
	m.handle = h
	m.initAt = start
	m.lastDataAt = start
	m.lastProgressAt = start
	m.lastPosition = 0
	m.mu.Unlock()
	m.setStatus("connecting")

	if err := m.waitReady(h); err != nil {
		if errors.Is(err, ErrLoadTimeout) {
			metrics.ObserveInit(false, m.clock.Now().Sub(start))
			m.setStatus("loading timed out")
			m.logger.Warn().Str(cclog.FieldEvent, "monitor.init_timeout").Dur("timeout", m.settings.LoadTimeout).Msg("player not ready")
			m.emit(Event{Kind: EventInitTimeout, RetryCount: m.RetryCount()})
		}
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return context.Canceled
	}
	m.retryCount = 0
	m.escalated = false
	m.mu.Unlock()

	metrics.ObserveInit(true, m.clock.Now().Sub(start))
	m.setStatus("live")
	m.logger.Info().Str(cclog.FieldEvent, "monitor.initialized").Msg("player ready")
	m.emit(Event{Kind: EventInitialized})
	return nil
}

func (m *Monitor) waitReady(h Player) error {
	ready := h.Ready()
	select {
	case <-ready:
		return nil
	default:
	}
	select {
	case <-ready:
		return nil
	case <-m.clock.After(m.settings.LoadTimeout):
		return ErrLoadTimeout
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
}

// Tick runs one health check and returns the action it took.
func (m *Monitor) Tick() Action {
	if !m.active.Load() {
		return ActionInactive
	}

	now := m.clock.Now()
	m.mu.Lock()
	h := m.handle
	elapsed := now.Sub(m.lastDataAt)
	sinceInit := now.Sub(m.initAt)
	retries := m.retryCount
	m.mu.Unlock()

	if h == nil {
		return m.reloadAction(ReasonNotLoaded)
	}
	st, err := h.State()
	if err != nil {
		m.logger.Warn().Err(err).Msg("player state unavailable")
		return m.reloadAction(ReasonPlayerState)
	}
	metrics.ObserveMonitor(m.cam.ID, elapsed, st.BufferedAhead, retries)

	if !st.Loaded {
		if sinceInit >= m.settings.LoadGrace {
			return m.reloadAction(ReasonNotLoaded)
		}
		if elapsed < m.settings.StallThreshold {
			return ActionLoading
		}
	}
	if elapsed >= m.settings.StallThreshold {
		m.logger.Warn().Dur("elapsed", elapsed).Str(cclog.FieldEvent, "monitor.stalled").Msg("no data received")
		return m.reloadAction(ReasonStalled)
	}

	if st.Paused {
		m.mu.Lock()
		m.lastProgressAt = now
		m.lastPosition = st.Position
		m.mu.Unlock()
		return ActionNone
	}

	action := ActionNone
	switch {
	case st.BufferedAhead < m.settings.BufferCritical:
		m.setStatus("buffering")
		err := h.Pause()
		if err == nil {
			err = h.Play()
		}
		if err != nil {
			m.logger.Warn().Err(err).Msg("buffer refill failed")
			return m.reloadAction(ReasonPlayerState)
		}
		metrics.MonitorNudgesTotal.WithLabelValues(m.cam.ID, string(ActionRefill)).Inc()
		action = ActionRefill
	case st.BufferedAhead < m.settings.BufferLow:
		m.setStatus("buffering")
		action = ActionBuffering
	default:
		m.setStatus("live")
	}

	m.mu.Lock()
	if st.Position != m.lastPosition {
		m.lastPosition = st.Position
		m.lastProgressAt = now
	}
	stuck := now.Sub(m.lastProgressAt)
	m.mu.Unlock()

	if stuck >= m.settings.ProgressTimeout {
		m.logger.Info().Float64("position", st.Position).Dur("stuck", stuck).Str(cclog.FieldEvent, "monitor.nudge").Msg("playback not progressing, nudging playhead")
		err := h.Seek(max(st.Position-m.settings.Nudge, 0))
		if err == nil {
			err = h.Play()
		}
		if err != nil {
			m.logger.Warn().Err(err).Msg("nudge failed")
			return m.reloadAction(ReasonNudgeFailed)
		}
		m.mu.Lock()
		m.lastProgressAt = now
		m.mu.Unlock()
		metrics.MonitorNudgesTotal.WithLabelValues(m.cam.ID, string(ActionNudge)).Inc()
		action = ActionNudge
	}
	return action
}

func (m *Monitor) reloadAction(reason string) Action {
	if m.Reload(reason) {
		return ActionReload
	}
	return ActionInactive
}

// Reload starts a reload in the background. It returns false when the
// monitor is inactive, which includes a reload already being in flight.
func (m *Monitor) Reload(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || !m.active.CompareAndSwap(true, false) {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reload(reason)
	}()
	return true
}

func (m *Monitor) reload(reason string) {
	m.mu.Lock()
	old := m.handle
	m.handle = nil
	m.gen++
	m.reloads++
	m.mu.Unlock()

	if old != nil {
		_ = old.Destroy()
	}

	m.setStatus("reloading")
	m.logger.Info().Str(cclog.FieldEvent, "monitor.reload").Str(cclog.FieldReason, reason).Msg("reloading player")
	metrics.RecordReload(m.cam.ID, reason)

	select {
	case <-m.clock.After(m.settings.ReloadDelay):
	case <-m.ctx.Done():
		return
	}

	m.mu.Lock()
	m.retryCount++
	retries := m.retryCount
	m.mu.Unlock()
	m.emit(Event{Kind: EventReload, Reason: reason, RetryCount: retries})

	m.Escalate()

	_ = m.Initialize()
	m.activate()
}

// Escalate requests a server-side stream restart once retries exceed the
// maximum. It fires at most once until the next successful Initialize and
// does not wait for the request to finish.
func (m *Monitor) Escalate() bool {
	m.mu.Lock()
	if m.stopped || m.escalated || m.retryCount <= m.settings.MaxRetries {
		m.mu.Unlock()
		return false
	}
	m.escalated = true
	m.escalations++
	retries := m.retryCount
	m.wg.Add(1)
	m.mu.Unlock()

	m.setStatus("restarting stream")
	m.logger.Warn().Int(cclog.FieldAttempt, retries).Str(cclog.FieldEvent, "monitor.escalate").Msg("retries exhausted, requesting stream restart")
	m.emit(Event{Kind: EventEscalate, RetryCount: retries})

	go func() {
		defer m.wg.Done()
		var err error
		if m.esc == nil {
			err = errors.New("no escalator configured")
		} else {
			ctx, cancel := context.WithTimeout(m.ctx, escalationTimeout)
			err = m.esc.RestartStream(ctx, m.cam.ID)
			cancel()
		}
		metrics.RecordEscalation(m.cam.ID, err)
		if err != nil {
			m.logger.Error().Err(err).Str(cclog.FieldEvent, "monitor.escalate_failed").Msg("stream restart request failed")
			m.emit(Event{Kind: EventEscalateFailed, RetryCount: retries, Err: err})
		}
	}()
	return true
}

// Stop destroys the player and waits for in-flight reloads and escalations.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.active.Store(false)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.gen++
	m.mu.Unlock()
	if h != nil {
		_ = h.Destroy()
	}
	m.setStatus("stopped")
	metrics.ForgetCamera(m.cam.ID)
}

// Active reports whether ticks currently run checks.
func (m *Monitor) Active() bool { return m.active.Load() }

// RetryCount returns the reloads since the last successful initialize.
func (m *Monitor) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// Snapshot returns the monitor's current state.
func (m *Monitor) Snapshot() Snapshot {
	now := m.clock.Now()
	m.mu.Lock()
	snap := Snapshot{
		CameraID:    m.cam.ID,
		Name:        m.cam.Name,
		Status:      m.status,
		Active:      m.active.Load(),
		RetryCount:  m.retryCount,
		Escalated:   m.escalated,
		LastDataAt:  m.lastDataAt,
		Fragments:   m.fragments,
		Reloads:     m.reloads,
		Escalations: m.escalations,
	}
	if !m.lastDataAt.IsZero() {
		snap.StalledFor = now.Sub(m.lastDataAt).Seconds()
	}
	h := m.handle
	m.mu.Unlock()

	if h != nil {
		if st, err := h.State(); err == nil {
			snap.Loaded = st.Loaded
			snap.Paused = st.Paused
			snap.BufferedAhead = st.BufferedAhead
			snap.Position = st.Position
		}
	}
	return snap
}

func (m *Monitor) activate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.active.Store(true)
	}
}

func (m *Monitor) onFragment(gen uint64) {
	now := m.clock.Now()
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.lastDataAt = now
	m.fragments++
	m.mu.Unlock()
	metrics.MonitorFragmentsTotal.WithLabelValues(m.cam.ID).Inc()
}

func (m *Monitor) onError(gen uint64, e *player.Error) {
	m.mu.Lock()
	current := gen == m.gen
	h := m.handle
	m.mu.Unlock()
	if !current {
		return
	}

	if !e.Fatal {
		m.setStatus("error: " + e.Kind.String())
		return
	}

	switch e.Kind {
	case player.KindMedia:
		m.logger.Warn().Err(e).Str(cclog.FieldEvent, "monitor.media_recovery").Msg("recovering media error in place")
		metrics.MonitorMediaRecoveriesTotal.WithLabelValues(m.cam.ID).Inc()
		m.emit(Event{Kind: EventMediaRecovery, Err: e})
		if h != nil {
			_ = h.RecoverMediaError()
		}
	case player.KindNetwork:
		m.logger.Warn().Err(e).Msg("fatal network error")
		m.Reload(ReasonFatalNetwork)
	default:
		m.logger.Warn().Err(e).Msg("fatal player error")
		m.Reload(ReasonFatalOther)
	}
}

func (m *Monitor) setStatus(status string) {
	m.mu.Lock()
	changed := m.status != status
	m.status = status
	m.mu.Unlock()
	if changed && m.hooks.OnStatus != nil {
		m.hooks.OnStatus(m.cam.ID, status)
	}
}

func (m *Monitor) emit(ev Event) {
	ev.Camera = m.cam.ID
	ev.At = m.clock.Now()
	if m.hooks.OnEvent != nil {
		m.hooks.OnEvent(ev)
	}
}
