// Package recovery watches recordings for staleness and walks a ladder of
// recovery actions: restart the recorder, reboot the camera, alert.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmuteeullah/CoreCam/internal/config"
	cclog "github.com/mmuteeullah/CoreCam/internal/log"
	"github.com/mmuteeullah/CoreCam/internal/metrics"
	"github.com/mmuteeullah/CoreCam/internal/notify"
)

// Recovery actions.
const (
	ActionRecorderRestart = "recorder_restart"
	ActionCameraReboot    = "camera_reboot"
	ActionAlert           = "alert"
	ActionRecovered       = "recovered"
)

// Target is a recording camera.
type Target interface {
	Camera() config.CameraConfig
	LastRecordingTime() time.Time
}

// CameraRebooter reboots camera hardware.
type CameraRebooter interface {
	Reboot(ctx context.Context, cam config.CameraConfig) error
}

// Settings are the ladder timings.
type Settings struct {
	StaleThreshold    time.Duration
	VerificationDelay time.Duration
	CheckInterval     time.Duration
	RestartSettle     time.Duration
}

// SettingsFromConfig converts the recovery config section.
func SettingsFromConfig(c config.RecoveryConfig) Settings {
	return Settings{
		StaleThreshold:    time.Duration(c.StaleThreshold) * time.Second,
		VerificationDelay: time.Duration(c.VerificationDelay) * time.Second,
		CheckInterval:     time.Duration(c.HealthCheckInterval) * time.Second,
		RestartSettle:     time.Duration(c.RestartSettle) * time.Second,
	}
}

// Action records one recovery step.
type Action struct {
	Camera  string
	Action  string
	Success bool
	Err     error
	At      time.Time
}

// Options are the Manager's collaborators.
type Options struct {
	Targets         func() []Target
	RestartRecorder func(id string) error
	Rebooter        CameraRebooter
	Notifier        notify.Notifier
	Now             func() time.Time
	// OnAction is called after every recovery step.
	OnAction func(Action)
}

// cameraState tracks recovery state for a camera
type cameraState struct {
	failureDetectedAt time.Time
	settleUntil       time.Time
	attempted         map[string]bool
	alerted           bool
}

// Manager handles camera recovery
type Manager struct {
	settings Settings
	opts     Options
	logger   zerolog.Logger

	mu     sync.Mutex
	states map[string]*cameraState
}

// NewManager creates a new recovery manager
func NewManager(settings Settings, opts Options) *Manager {
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		settings: settings,
		opts:     opts,
		logger:   cclog.WithComponent("recovery"),
		states:   make(map[string]*cameraState),
	}
}

// Run checks every camera each CheckInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info().Dur("interval", m.settings.CheckInterval).Msg("starting camera recovery monitor")
	ticker := time.NewTicker(m.settings.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll checks health of all cameras
func (m *Manager) CheckAll(ctx context.Context) {
	seen := make(map[string]bool)
	for _, t := range m.opts.Targets() {
		cam := t.Camera()
		seen[cam.ID] = true
		m.check(ctx, cam, t.LastRecordingTime())
	}
	m.mu.Lock()
	for id := range m.states {
		if !seen[id] {
			delete(m.states, id)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) state(id string) *cameraState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		st = &cameraState{attempted: make(map[string]bool)}
		m.states[id] = st
	}
	return st
}

// check runs one step of the ladder for a camera. Only CheckAll calls it.
func (m *Manager) check(ctx context.Context, cam config.CameraConfig, last time.Time) {
	st := m.state(cam.ID)
	log := m.logger.With().Str(cclog.FieldCamera, cam.ID).Logger()
	now := m.opts.Now()

	if last.IsZero() {
		log.Debug().Msg("no recordings found yet")
		return
	}
	age := now.Sub(last)
	if age < m.settings.StaleThreshold {
		if !st.failureDetectedAt.IsZero() {
			log.Info().Str(cclog.FieldEvent, "recovery.recovered").Dur("age", age.Round(time.Second)).Msg("camera recovered, recording is fresh")
			m.opts.Notifier.Notify(ctx, notify.Alert{Level: notify.LevelInfo, Title: "Camera Recovered", Camera: cam.ID, Detail: "Recording resumed successfully"})
			m.record(cam.ID, ActionRecovered, nil)
			*st = cameraState{attempted: make(map[string]bool)}
		}
		return
	}

	if st.failureDetectedAt.IsZero() {
		st.failureDetectedAt = now
		log.Warn().Dur("age", age.Round(time.Second)).Msg("stale recording detected")
		return
	}
	if since := now.Sub(st.failureDetectedAt); since < m.settings.VerificationDelay {
		log.Debug().Dur("since", since.Round(time.Second)).Msg("waiting to verify failure is persistent")
		return
	}
	if now.Before(st.settleUntil) {
		return
	}

	log.Warn().Dur("age", age.Round(time.Second)).Msg("recording stale, starting recovery")
	m.recover(ctx, cam, st, now)
}

func (m *Manager) recover(ctx context.Context, cam config.CameraConfig, st *cameraState, now time.Time) {
	switch {
	case !st.attempted[ActionRecorderRestart]:
		st.attempted[ActionRecorderRestart] = true
		st.settleUntil = now.Add(m.settings.RestartSettle)
		m.opts.Notifier.Notify(ctx, notify.Alert{Level: notify.LevelWarning, Title: "Recovery Started", Camera: cam.ID, Detail: "Action: restarting recorder"})
		err := m.opts.RestartRecorder(cam.ID)
		m.record(cam.ID, ActionRecorderRestart, err)

	case !st.attempted[ActionCameraReboot] && m.opts.Rebooter != nil:
		st.attempted[ActionCameraReboot] = true
		st.settleUntil = now.Add(m.settings.RestartSettle)
		m.opts.Notifier.Notify(ctx, notify.Alert{Level: notify.LevelWarning, Title: "Escalating Recovery", Camera: cam.ID, Detail: "Action: rebooting camera"})
		err := m.opts.Rebooter.Reboot(ctx, cam)
		m.record(cam.ID, ActionCameraReboot, err)
		if err != nil {
			m.opts.Notifier.Notify(ctx, notify.Alert{Level: notify.LevelWarning, Title: "Camera Reboot Failed", Camera: cam.ID, Detail: fmt.Sprintf("Error: %v", err)})
		}

	case !st.alerted:
		st.alerted = true
		m.opts.Notifier.Notify(ctx, notify.Alert{
			Level:  notify.LevelCritical,
			Title:  "CRITICAL: All Recovery Attempts Failed",
			Camera: cam.ID,
			Detail: "All recovery methods exhausted\nImmediate attention required",
		})
		m.record(cam.ID, ActionAlert, nil)
	}
}

func (m *Manager) record(camera, action string, err error) {
	metrics.RecoveryActionsTotal.WithLabelValues(camera, action).Inc()
	ev := m.logger.Info()
	if err != nil {
		ev = m.logger.Error().Err(err)
	}
	ev.Str(cclog.FieldCamera, camera).Str(cclog.FieldEvent, "recovery."+action).Msg("recovery action")
	if m.opts.OnAction != nil {
		m.opts.OnAction(Action{Camera: camera, Action: action, Success: err == nil, Err: err, At: m.opts.Now()})
	}
}
