package recorder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mmuteeullah/CoreCam/internal/config"
	"github.com/mmuteeullah/CoreCam/internal/ffmpeg"
	cclog "github.com/mmuteeullah/CoreCam/internal/log"
)

// ErrUnknownCamera is returned for camera ids without a recorder.
var ErrUnknownCamera = errors.New("unknown camera")

// Manager owns one recorder per recording camera. Recorders run under the
// Manager's own context so they outlive the request that started them.
type Manager struct {
	settings Settings
	launch   ffmpeg.Launcher
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	recorders map[string]*Recorder
}

// NewManager creates a Manager with no recorders.
func NewManager(settings Settings, launch ffmpeg.Launcher) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		settings:  settings,
		launch:    launch,
		logger:    cclog.WithComponent("recorder"),
		ctx:       ctx,
		cancel:    cancel,
		recorders: make(map[string]*Recorder),
	}
}

// Sync creates and starts recorders for new or changed recording cameras and
// stops and removes the others.
func (m *Manager) Sync(cameras []config.CameraConfig) {
	wanted := make(map[string]config.CameraConfig, len(cameras))
	for _, c := range cameras {
		if c.Recording() {
			wanted[c.ID] = c
		}
	}

	var stop, start []*Recorder
	m.mu.Lock()
	for id, r := range m.recorders {
		c, ok := wanted[id]
		if !ok || c.URL != r.camera.URL || c.RetryDelay != r.camera.RetryDelay || c.MaxRetries != r.camera.MaxRetries {
			stop = append(stop, r)
			delete(m.recorders, id)
		}
	}
	for id, c := range wanted {
		if _, ok := m.recorders[id]; ok {
			continue
		}
		r := New(c, m.settings, m.launch)
		m.recorders[id] = r
		start = append(start, r)
	}
	m.mu.Unlock()

	for _, r := range stop {
		_ = r.Stop()
	}
	for _, r := range start {
		if err := r.Start(m.ctx); err != nil && !errors.Is(err, ErrRunning) {
			m.logger.Error().Err(err).Str(cclog.FieldCamera, r.CameraID()).Msg("failed to start recorder")
		}
	}
}

// Get returns the recorder of a camera.
func (m *Manager) Get(id string) (*Recorder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recorders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, id)
	}
	return r, nil
}

// Recorders returns every recorder ordered by camera id.
func (m *Manager) Recorders() []*Recorder {
	m.mu.Lock()
	out := make([]*Recorder, 0, len(m.recorders))
	for _, r := range m.recorders {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID() < out[j].CameraID() })
	return out
}

// Start starts one recorder.
func (m *Manager) Start(id string) error {
	r, err := m.Get(id)
	if err != nil {
		return err
	}
	return r.Start(m.ctx)
}

// Stop stops one recorder.
func (m *Manager) Stop(id string) error {
	r, err := m.Get(id)
	if err != nil {
		return err
	}
	return r.Stop()
}

// Restart restarts one recorder.
func (m *Manager) Restart(id string) error {
	r, err := m.Get(id)
	if err != nil {
		return err
	}
	return r.Restart(m.ctx)
}

// StartAll starts every stopped recorder. Recorders that are already
// running are not an error.
func (m *Manager) StartAll() map[string]error {
	failed := make(map[string]error)
	for _, r := range m.Recorders() {
		if err := r.Start(m.ctx); err != nil && !errors.Is(err, ErrRunning) {
			failed[r.CameraID()] = err
		}
	}
	return failed
}

// StopAll stops every running recorder in parallel.
func (m *Manager) StopAll() {
	var wg sync.WaitGroup
	for _, r := range m.Recorders() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Stop()
		}()
	}
	wg.Wait()
}

// Statuses returns every recorder status ordered by camera id.
func (m *Manager) Statuses() []Status {
	recs := m.Recorders()
	out := make([]Status, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Status())
	}
	return out
}

// Close stops every recorder. The Manager cannot start recorders afterwards.
func (m *Manager) Close() {
	m.cancel()
	m.StopAll()
}
