package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cclog "github.com/mmuteeullah/CoreCam/internal/log"
)

// ErrUnknownCamera is returned for camera ids without a monitor.
var ErrUnknownCamera = errors.New("unknown camera")

// Supervisor owns one monitor per enabled camera and drives their ticks.
type Supervisor struct {
	tick   time.Duration
	opts   Options
	logger zerolog.Logger

	mu       sync.RWMutex
	settings Settings
	monitors map[string]*Monitor
}

// NewSupervisor creates a supervisor with no monitors. Call Sync to add cameras.
func NewSupervisor(settings Settings, tick time.Duration, opts Options) *Supervisor {
	return &Supervisor{
		tick:     tick,
		opts:     opts,
		settings: settings,
		monitors: make(map[string]*Monitor),
		logger:   cclog.WithComponent("supervisor"),
	}
}

// Sync starts monitors for new or changed enabled cameras and stops monitors
// for removed or disabled ones. A settings change restarts every monitor.
func (s *Supervisor) Sync(cameras []Camera, settings Settings) {
	var toStop []*Monitor
	var toStart []*Monitor

	s.mu.Lock()
	settingsChanged := settings != s.settings
	s.settings = settings

	wanted := make(map[string]Camera, len(cameras))
	for _, c := range cameras {
		if c.Enabled {
			wanted[c.ID] = c
		}
	}
	for id, m := range s.monitors {
		c, ok := wanted[id]
		if !ok || settingsChanged || c != m.Camera() {
			toStop = append(toStop, m)
			delete(s.monitors, id)
		}
	}
	for id, c := range wanted {
		if _, ok := s.monitors[id]; ok {
			continue
		}
		m := New(c, settings, s.opts)
		s.monitors[id] = m
		toStart = append(toStart, m)
	}
	s.mu.Unlock()

	for _, m := range toStop {
		s.logger.Info().Str(cclog.FieldCamera, m.Camera().ID).Str(cclog.FieldEvent, "supervisor.monitor_stop").Msg("stopping monitor")
		m.Stop()
	}
	for _, m := range toStart {
		s.logger.Info().Str(cclog.FieldCamera, m.Camera().ID).Str(cclog.FieldEvent, "supervisor.monitor_start").Msg("starting monitor")
		m.Start()
	}
}

// Run ticks every monitor until ctx is done, then stops them all.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.StopAll()

	s.logger.Info().Dur("interval", s.tick).Int("monitors", s.Len()).Msg("health monitor supervisor started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.TickAll()
		}
	}
}

// TickAll runs one tick on every monitor and returns the actions taken.
func (s *Supervisor) TickAll() map[string]Action {
	s.mu.RLock()
	monitors := make([]*Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		monitors = append(monitors, m)
	}
	s.mu.RUnlock()

	actions := make(map[string]Action, len(monitors))
	for _, m := range monitors {
		a := m.Tick()
		actions[m.Camera().ID] = a
		if a == ActionReload {
			s.logger.Debug().Str(cclog.FieldCamera, m.Camera().ID).Msg("tick triggered reload")
		}
	}
	return actions
}

// Reload forces a reload of one camera's player.
func (s *Supervisor) Reload(cameraID string) (bool, error) {
	m, ok := s.get(cameraID)
	if !ok {
		return false, ErrUnknownCamera
	}
	return m.Reload(ReasonManual), nil
}

// Snapshot returns one monitor's state.
func (s *Supervisor) Snapshot(cameraID string) (Snapshot, error) {
	m, ok := s.get(cameraID)
	if !ok {
		return Snapshot{}, ErrUnknownCamera
	}
	return m.Snapshot(), nil
}

// Snapshots returns every monitor's state ordered by camera id.
func (s *Supervisor) Snapshots() []Snapshot {
	s.mu.RLock()
	monitors := make([]*Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		monitors = append(monitors, m)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(monitors))
	for _, m := range monitors {
		out = append(out, m.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// Len returns the number of monitors.
func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.monitors)
}

// StopAll stops every monitor and releases their players.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	monitors := s.monitors
	s.monitors = make(map[string]*Monitor)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range monitors {
		wg.Add(1)
		go func(m *Monitor) {
			defer wg.Done()
			m.Stop()
		}(m)
	}
	wg.Wait()
	if len(monitors) > 0 {
		s.logger.Info().Int("monitors", len(monitors)).Msg("all monitors stopped")
	}
}

func (s *Supervisor) get(id string) (*Monitor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.monitors[id]
	return m, ok
}
