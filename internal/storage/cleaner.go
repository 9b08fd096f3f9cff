// Package storage enforces recording retention, watches disk usage and
// reports free space.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmuteeullah/CoreCam/internal/config"
	cclog "github.com/mmuteeullah/CoreCam/internal/log"
	"github.com/mmuteeullah/CoreCam/internal/metrics"
	"github.com/mmuteeullah/CoreCam/internal/notify"
)

// Disk alert levels
const (
	DiskAlertNone      = 0
	DiskAlertWarning   = 1 // 80% full
	DiskAlertCritical  = 2 // 90% full
	DiskAlertEmergency = 3 // 95% full
)

const (
	backupMaxFiles   = 50
	logMaxAge        = 30 * 24 * time.Hour
	logMaxFiles      = 50
	corruptSize      = 1024
	realertInterval  = time.Hour
	emergencyKeep    = 48 * time.Hour
	emergencyFreePct = 10.0
)

// Policy bounds a directory of recordings. Zero fields are unbounded.
type Policy struct {
	MaxAge   time.Duration
	MaxFiles int
}

// Result reports one retention run.
type Result struct {
	Status       string `json:"status"`
	FilesDeleted int    `json:"files_deleted"`
	Message      string `json:"message"`
}

// DiskSpace is the free space of the recording and backup paths.
type DiskSpace struct {
	RecordPath      string  `json:"record_path"`
	RecordFreeBytes uint64  `json:"record_free_bytes"`
	RecordFreeGB    float64 `json:"record_free_gb"`
	BackupPath      string  `json:"backup_path"`
	BackupFreeBytes uint64  `json:"backup_free_bytes"`
	BackupFreeGB    float64 `json:"backup_free_gb"`
	FreeSpace       string  `json:"free_space"`
}

// Cleaner handles deletion of old recordings
type Cleaner struct {
	cfg      config.StorageConfig
	notifier notify.Notifier
	logger   zerolog.Logger
	now      func() time.Time
	usage    func(string) (Usage, error)

	// mu serializes cleanup runs and guards the alert state.
	mu             sync.Mutex
	lastAlertLevel int
	lastAlertTime  time.Time
}

// NewCleaner creates a new storage cleaner
func NewCleaner(cfg config.StorageConfig, notifier notify.Notifier) *Cleaner {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Cleaner{
		cfg:      cfg,
		notifier: notifier,
		logger:   cclog.WithComponent("storage"),
		now:      time.Now,
		usage:    DiskUsage,
	}
}

// Run checks disk usage and applies retention now and then every interval
// until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) error {
	c.logger.Info().
		Int("retention_days", c.cfg.RetentionDays).
		Dur("interval", interval).
		Msg("starting storage manager")

	c.tick(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Cleaner) tick(ctx context.Context) {
	c.MonitorDiskUsage(ctx)
	c.Cleanup()
	if _, err := c.CleanLogs(); err != nil {
		c.logger.Warn().Err(err).Msg("log cleanup failed")
	}
}

// RecordPolicy is the retention for live recordings.
func (c *Cleaner) RecordPolicy() Policy {
	return Policy{MaxAge: days(c.cfg.RetentionDays), MaxFiles: c.cfg.MaxFilesPerCamera}
}

// BackupPolicy is the retention for backup copies.
func (c *Cleaner) BackupPolicy() Policy {
	return Policy{MaxAge: days(c.cfg.BackupRetentionDays), MaxFiles: backupMaxFiles}
}

// Cleanup applies the record and backup policies to every camera directory.
func (c *Cleaner) Cleanup() Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var errs []error
	total := 0
	for _, t := range []struct {
		kind   string
		base   string
		policy Policy
	}{
		{"record", c.cfg.RecordPath, c.RecordPolicy()},
		{"backup", c.cfg.BackupPath, c.BackupPolicy()},
	} {
		n, err := CleanTree(t.base, ".mp4", now, t.policy)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.kind, err))
		}
		if n > 0 {
			metrics.FilesRemovedTotal.WithLabelValues(t.kind).Add(float64(n))
		}
		total += n
	}

	if err := errors.Join(errs...); err != nil {
		c.logger.Error().Err(err).Int("deleted", total).Msg("cleanup finished with errors")
		return Result{Status: "error", FilesDeleted: total, Message: err.Error()}
	}
	if total > 0 {
		c.logger.Info().Int("deleted", total).Str(cclog.FieldEvent, "storage.cleanup").Msg("removed old recordings")
	}
	return Result{
		Status:       "success",
		FilesDeleted: total,
		Message:      fmt.Sprintf("deleted %d old recording files", total),
	}
}

// CleanSmall removes recordings below minSize bytes, which ffmpeg leaves
// behind when a recording is interrupted.
func (c *Cleaner) CleanSmall(minSize int64) int {
	total := 0
	for _, base := range []string{c.cfg.RecordPath, c.cfg.BackupPath} {
		n, err := CleanSmall(base, minSize)
		if err != nil {
			c.logger.Warn().Err(err).Str(cclog.FieldPath, base).Msg("small file cleanup failed")
		}
		total += n
	}
	if total > 0 {
		metrics.FilesRemovedTotal.WithLabelValues("small").Add(float64(total))
		c.logger.Info().Int("deleted", total).Msg("removed incomplete recordings")
	}
	return total
}

// CleanLogs keeps at most 50 log files younger than 30 days.
func (c *Cleaner) CleanLogs() (int, error) {
	if c.cfg.LogPath == "" {
		return 0, nil
	}
	n, err := CleanDir(c.cfg.LogPath, ".log", c.now(), Policy{MaxAge: logMaxAge, MaxFiles: logMaxFiles})
	if n > 0 {
		metrics.FilesRemovedTotal.WithLabelValues("log").Add(float64(n))
	}
	return n, err
}

// MonitorDiskUsage checks disk usage and triggers alerts/cleanup if needed
func (c *Cleaner) MonitorDiskUsage(ctx context.Context) {
	u, err := c.usage(c.cfg.RecordPath)
	if err != nil {
		c.logger.Error().Err(err).Msg("error checking disk usage")
		return
	}
	metrics.DiskUsagePercent.WithLabelValues(c.cfg.RecordPath).Set(u.Percent)
	c.logger.Debug().
		Float64("percent", u.Percent).
		Float64("used_gb", u.UsedGB()).
		Float64("free_gb", u.FreeGB()).
		Msg("disk usage")

	level := alertLevel(u.Percent)

	c.mu.Lock()
	now := c.now()
	send := level > c.lastAlertLevel ||
		(level > DiskAlertNone && now.Sub(c.lastAlertTime) > realertInterval)
	if send {
		c.lastAlertTime = now
	}
	c.lastAlertLevel = level
	c.mu.Unlock()

	if send {
		c.sendDiskAlert(ctx, level, u)
	}

	switch level {
	case DiskAlertEmergency:
		c.logger.Warn().Str(cclog.FieldEvent, "storage.emergency").Msg("disk usage at 95%+, triggering emergency cleanup")
		c.emergencyCleanup(ctx)
	case DiskAlertCritical:
		c.logger.Warn().Msg("disk usage at 90%+, running cleanup")
		c.Cleanup()
	}
}

func alertLevel(percent float64) int {
	switch {
	case percent >= 95:
		return DiskAlertEmergency
	case percent >= 90:
		return DiskAlertCritical
	case percent >= 80:
		return DiskAlertWarning
	default:
		return DiskAlertNone
	}
}

func (c *Cleaner) sendDiskAlert(ctx context.Context, level int, u Usage) {
	names := map[int]string{
		DiskAlertWarning:   "WARNING",
		DiskAlertCritical:  "CRITICAL",
		DiskAlertEmergency: "EMERGENCY",
	}
	name, ok := names[level]
	if !ok {
		return
	}
	nl := notify.LevelWarning
	if level >= DiskAlertCritical {
		nl = notify.LevelCritical
	}
	c.notifier.Notify(ctx, notify.Alert{
		Level: nl,
		Title: "Disk Usage " + name,
		Detail: fmt.Sprintf("Usage: %.1f%%\nAvailable: %.2f GB\nPath: %s",
			u.Percent, u.FreeGB(), c.cfg.RecordPath),
	})
}

// emergencyCleanup deletes the oldest recordings until 10% of the disk is
// free. Recordings from the last two days are kept.
func (c *Cleaner) emergencyCleanup(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	files, err := recordingFiles(c.cfg.RecordPath, ".mp4")
	if err != nil {
		c.logger.Error().Err(err).Msg("emergency cleanup: listing recordings failed")
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	cutoff := c.now().Add(-emergencyKeep)
	deleted := 0
	var freed int64
	for _, f := range files {
		u, err := c.usage(c.cfg.RecordPath)
		if err != nil || 100-u.Percent >= emergencyFreePct {
			break
		}
		if f.mod.After(cutoff) {
			break
		}
		if err := os.Remove(f.path); err != nil {
			c.logger.Warn().Err(err).Str(cclog.FieldPath, f.path).Msg("emergency delete failed")
			continue
		}
		deleted++
		freed += f.size
	}
	metrics.FilesRemovedTotal.WithLabelValues("emergency").Add(float64(deleted))
	c.logger.Warn().Int("deleted", deleted).Float64("freed_gb", round2(float64(freed)/gib)).Msg("emergency cleanup complete")

	c.notifier.Notify(ctx, notify.Alert{
		Level:  notify.LevelCritical,
		Title:  "Emergency Cleanup Completed",
		Detail: fmt.Sprintf("Deleted %d recordings\nFreed %.2f GB of space", deleted, float64(freed)/gib),
	})
}

// DiskSpace reports free space of the record and backup paths.
func (c *Cleaner) DiskSpace() (DiskSpace, error) {
	rec, err := c.usage(c.cfg.RecordPath)
	if err != nil {
		return DiskSpace{}, err
	}
	bak, err := c.usage(c.cfg.BackupPath)
	if err != nil {
		return DiskSpace{}, err
	}
	return DiskSpace{
		RecordPath:      c.cfg.RecordPath,
		RecordFreeBytes: rec.Free,
		RecordFreeGB:    rec.FreeGB(),
		BackupPath:      c.cfg.BackupPath,
		BackupFreeBytes: bak.Free,
		BackupFreeGB:    bak.FreeGB(),
		FreeSpace:       fmt.Sprintf("record: %.2f GB, backup: %.2f GB", rec.FreeGB(), bak.FreeGB()),
	}, nil
}

// PathUsage reports usage of the record and backup paths, keyed by path.
// Paths that cannot be read are omitted.
func (c *Cleaner) PathUsage() map[string]Usage {
	out := make(map[string]Usage, 2)
	for _, p := range []string{c.cfg.RecordPath, c.cfg.BackupPath} {
		if u, err := c.usage(p); err == nil {
			out[p] = u
		}
	}
	return out
}

// CleanTree applies CleanDir to every camera directory under base.
func CleanTree(base, ext string, now time.Time, p Policy) (int, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	total := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := CleanDir(filepath.Join(base, e.Name()), ext, now, p)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// CleanDir removes files with the extension ext from dir that are under
// 1 KiB, older than p.MaxAge, or beyond the p.MaxFiles newest.
func CleanDir(dir, ext string, now time.Time, p Policy) (int, error) {
	files, err := listFiles(dir, ext)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	var doomed []fileInfo
	kept := 0
	for _, f := range files {
		switch {
		case f.size < corruptSize:
			doomed = append(doomed, f)
		case p.MaxAge > 0 && now.Sub(f.mod) > p.MaxAge:
			doomed = append(doomed, f)
		case p.MaxFiles > 0 && kept >= p.MaxFiles:
			doomed = append(doomed, f)
		default:
			kept++
		}
	}
	return removeFiles(doomed)
}

// CleanSmall removes .mp4 files under minSize bytes from every camera
// directory under base.
func CleanSmall(base string, minSize int64) (int, error) {
	files, err := recordingFiles(base, ".mp4")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var doomed []fileInfo
	for _, f := range files {
		if f.size < minSize {
			doomed = append(doomed, f)
		}
	}
	return removeFiles(doomed)
}

type fileInfo struct {
	path string
	mod  time.Time
	size int64
}

func listFiles(dir, ext string) ([]fileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []fileInfo
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileInfo{path: filepath.Join(dir, e.Name()), mod: info.ModTime(), size: info.Size()})
	}
	return out, nil
}

// recordingFiles lists files with ext in the camera directories under base.
func recordingFiles(base, ext string) ([]fileInfo, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, err
	}
	var out []fileInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, err := listFiles(filepath.Join(base, e.Name()), ext)
		if err != nil {
			continue
		}
		out = append(out, files...)
	}
	return out, nil
}

func removeFiles(files []fileInfo) (int, error) {
	n := 0
	var errs []error
	for _, f := range files {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
