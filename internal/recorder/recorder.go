// Package recorder records each camera into clock-aligned mp4 segments.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmuteeullah/CoreCam/internal/config"
	"github.com/mmuteeullah/CoreCam/internal/ffmpeg"
	cclog "github.com/mmuteeullah/CoreCam/internal/log"
	"github.com/mmuteeullah/CoreCam/internal/metrics"
)

var (
	// ErrRunning is returned when starting a recorder that is already running.
	ErrRunning = errors.New("recorder already running")
	// ErrNotRunning is returned when stopping a recorder that is not running.
	ErrNotRunning = errors.New("recorder not running")
)

// A recording that ran this long resets the retry budget.
const stableRun = time.Minute

// Settings are shared by every recorder.
type Settings struct {
	FFmpegPath      string
	RecordPath      string
	SegmentDuration int // seconds
	StopGrace       time.Duration
}

// SettingsFromConfig converts the storage and streaming config sections.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		FFmpegPath:      cfg.Streaming.FFmpegPath,
		RecordPath:      cfg.Storage.RecordPath,
		SegmentDuration: cfg.Storage.SegmentDuration,
		StopGrace:       5 * time.Second,
	}
}

// Status describes one recorder.
type Status struct {
	CameraID      string    `json:"camera_id"`
	Running       bool      `json:"running"`
	Recording     bool      `json:"recording"`
	PID           int       `json:"pid,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	Attempt       int       `json:"attempt"`
	LastError     string    `json:"last_error,omitempty"`
	LastRecording time.Time `json:"last_recording,omitzero"`
}

// Recorder handles recording for a single camera
type Recorder struct {
	camera   config.CameraConfig
	settings Settings
	launch   ffmpeg.Launcher
	logger   zerolog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	proc      ffmpeg.Handle
	startedAt time.Time
	attempt   int
	lastErr   string
}

// New creates a new Recorder instance
func New(camera config.CameraConfig, settings Settings, launch ffmpeg.Launcher) *Recorder {
	if launch == nil {
		launch = ffmpeg.Launch
	}
	return &Recorder{
		camera:   camera,
		settings: settings,
		launch:   launch,
		logger:   cclog.WithCamera("recorder", camera.ID),
	}
}

// CameraID returns the camera id.
func (r *Recorder) CameraID() string { return r.camera.ID }

// Camera returns the camera the recorder was built for.
func (r *Recorder) Camera() config.CameraConfig { return r.camera }

// Dir is <record_path>/<id>.
func (r *Recorder) Dir() string { return filepath.Join(r.settings.RecordPath, r.camera.ID) }

// Start begins recording in the background until ctx is cancelled or Stop
// is called.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.attempt = 0
	r.lastErr = ""
	go r.run(ctx, done)
	return nil
}

// Stop stops recording and waits for ffmpeg to exit.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if done == nil {
		return ErrNotRunning
	}
	r.logger.Info().Str(cclog.FieldEvent, "recorder.stop").Msg("stopping recording")
	cancel()
	<-done
	return nil
}

// Restart stops and restarts the recorder
func (r *Recorder) Restart(ctx context.Context) error {
	r.logger.Info().Str(cclog.FieldEvent, "recorder.restart").Msg("restarting recorder")
	if err := r.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return r.Start(ctx)
}

// Running reports whether the retry loop is active.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done != nil
}

// Status returns the recorder status.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	s := Status{
		CameraID:  r.camera.ID,
		Running:   r.done != nil,
		Recording: r.proc != nil,
		StartedAt: r.startedAt,
		Attempt:   r.attempt,
		LastError: r.lastErr,
	}
	if r.proc != nil {
		s.PID = r.proc.Pid()
	}
	r.mu.Unlock()
	s.LastRecording = r.LastRecordingTime()
	return s
}

// LastRecordingTime returns the modification time of the newest segment.
func (r *Recorder) LastRecordingTime() time.Time {
	entries, err := os.ReadDir(r.Dir())
	if err != nil {
		return time.Time{}
	}
	var latest time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".mp4") {
			continue
		}
		if info, err := e.Info(); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}

func (r *Recorder) run(ctx context.Context, done chan struct{}) {
	defer func() {
		r.mu.Lock()
		r.done = nil
		r.cancel = nil
		r.mu.Unlock()
		close(done)
	}()

	retryDelay := time.Duration(r.camera.RetryDelay) * time.Second
	for {
		r.mu.Lock()
		attempt := r.attempt
		r.mu.Unlock()
		if r.camera.MaxRetries >= 0 && attempt > r.camera.MaxRetries {
			r.logger.Error().Int("max_retries", r.camera.MaxRetries).Msg("max retries reached, giving up")
			return
		}

		began := time.Now()
		err := r.record(ctx, attempt+1)
		if ctx.Err() != nil {
			return
		}
		r.mu.Lock()
		if time.Since(began) >= stableRun {
			r.attempt = 0
		}
		r.attempt++
		if err != nil {
			r.lastErr = err.Error()
		}
		r.mu.Unlock()
		r.logger.Warn().Err(err).Int(cclog.FieldAttempt, attempt+1).Dur("retry_in", retryDelay).Msg("recording failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

// record runs one ffmpeg instance until it exits or ctx is cancelled.
func (r *Recorder) record(ctx context.Context, attempt int) error {
	if err := os.MkdirAll(r.Dir(), 0o755); err != nil {
		return fmt.Errorf("creating recordings directory: %w", err)
	}
	args := ffmpeg.RecordArgs(ffmpeg.RecordOptions{
		InputURL:        r.camera.URL,
		Dir:             r.Dir(),
		Name:            r.camera.ID,
		SegmentDuration: r.settings.SegmentDuration,
	})
	proc, err := r.launch(r.settings.FFmpegPath, args, r.logger)
	if err != nil {
		return fmt.Errorf("starting recording ffmpeg: %w", err)
	}

	r.mu.Lock()
	r.proc = proc
	r.startedAt = time.Now()
	r.mu.Unlock()
	metrics.SetUp(metrics.RecorderUp, r.camera.ID, true)
	r.logger.Info().
		Str(cclog.FieldEvent, "recorder.start").
		Int(cclog.FieldAttempt, attempt).
		Int("pid", proc.Pid()).
		Int("segment_seconds", r.settings.SegmentDuration).
		Msg("recording started")

	defer func() {
		r.mu.Lock()
		r.proc = nil
		r.mu.Unlock()
		metrics.SetUp(metrics.RecorderUp, r.camera.ID, false)
	}()

	select {
	case <-ctx.Done():
		if err := proc.Stop(r.settings.StopGrace); err != nil {
			r.logger.Debug().Err(err).Msg("recording ffmpeg stopped")
		}
		return nil
	case <-proc.Done():
		if err := proc.Err(); err != nil {
			return fmt.Errorf("recording ffmpeg exited: %w", err)
		}
		return errors.New("recording ffmpeg exited")
	}
}
