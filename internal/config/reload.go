package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	cclog "github.com/mmuteeullah/CoreCam/internal/log"
)

const reloadDebounce = 500 * time.Millisecond

// Holder holds the active configuration and swaps it on reload.
// A reload that fails to parse or validate keeps the previous config.
type Holder struct {
	mu      sync.RWMutex
	current *Config
	path    string
	logger  zerolog.Logger

	listenersMu sync.RWMutex
	listeners   []chan<- *Config
}

// NewHolder creates a holder around an already loaded config.
func NewHolder(initial *Config, path string) *Holder {
	return &Holder{
		current: initial,
		path:    path,
		logger:  cclog.WithComponent("config"),
	}
}

// Get returns the current configuration. Callers must not mutate it.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the config file and notifies listeners on success.
func (h *Holder) Reload() error {
	h.logger.Info().Str(cclog.FieldEvent, "config.reload_start").Msg("reloading configuration")

	next, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str(cclog.FieldEvent, "config.reload_failed").Msg("keeping previous configuration")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.mu.Unlock()

	h.logChanges(prev, next)
	h.notify(next)

	h.logger.Info().Str(cclog.FieldEvent, "config.reload_success").Msg("configuration reloaded")
	return nil
}

// Subscribe registers a channel that receives every successfully reloaded config.
// Sends are non-blocking; a full channel misses the update.
func (h *Holder) Subscribe(ch chan<- *Config) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notify(cfg *Config) {
	h.listenersMu.RLock()
	defer h.listenersMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Str(cclog.FieldEvent, "config.listener_skip").Msg("listener channel full")
		}
	}
}

// Watch reloads the config whenever the file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by rename are seen.
func (h *Holder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(h.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(h.path)

	h.logger.Info().Str(cclog.FieldEvent, "config.watcher_started").Str(cclog.FieldPath, h.path).Msg("watching config file")

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str(cclog.FieldEvent, "config.watcher_stopped").Msg("config watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			h.logger.Debug().Str(cclog.FieldEvent, "config.file_changed").Str("op", event.Op.String()).Msg("config file changed")
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				_ = h.Reload()
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Error().Err(err).Str(cclog.FieldEvent, "config.watcher_error").Msg("config watcher error")
		}
	}
}

func (h *Holder) logChanges(prev, next *Config) {
	before := make(map[string]CameraConfig, len(prev.Cameras))
	for _, c := range prev.Cameras {
		before[c.ID] = c
	}
	for _, c := range next.Cameras {
		old, ok := before[c.ID]
		switch {
		case !ok:
			h.logger.Info().Str(cclog.FieldCamera, c.ID).Msg("config changed: camera added")
		case old.Enabled != c.Enabled:
			h.logger.Info().Str(cclog.FieldCamera, c.ID).Bool("enabled", c.Enabled).Msg("config changed: camera enabled")
		case old.URL != c.URL:
			h.logger.Info().Str(cclog.FieldCamera, c.ID).Msg("config changed: camera url")
		}
		delete(before, c.ID)
	}
	for id := range before {
		h.logger.Info().Str(cclog.FieldCamera, id).Msg("config changed: camera removed")
	}
	if prev.Monitor != next.Monitor {
		h.logger.Info().Msg("config changed: monitor settings")
	}
}
