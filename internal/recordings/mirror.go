package recordings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	cclog "github.com/mmuteeullah/CoreCam/internal/log"
)

// Mirror copies finished recordings from the record tree into the backup
// tree. A recording is finished once it has not been written for Settle.
type Mirror struct {
	record string
	backup string
	settle time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewMirror creates a Mirror.
func NewMirror(recordPath, backupPath string, settle time.Duration) *Mirror {
	return &Mirror{
		record: recordPath,
		backup: backupPath,
		settle: settle,
		now:    time.Now,
		logger: cclog.WithComponent("backup"),
	}
}

// Run mirrors every interval until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := m.Sync(ctx); err != nil {
			m.logger.Warn().Err(err).Int("copied", n).Msg("backup pass finished with errors")
		} else if n > 0 {
			m.logger.Info().Int("copied", n).Str(cclog.FieldEvent, "backup.copied").Msg("backed up recordings")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sync copies finished recordings missing from the backup tree and returns
// how many were copied.
func (m *Mirror) Sync(ctx context.Context) (int, error) {
	cams, err := os.ReadDir(m.record)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := m.now().Add(-m.settle)
	copied := 0
	var errs []error
	for _, cam := range cams {
		if !cam.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(m.record, cam.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, f := range files {
			if ctx.Err() != nil {
				return copied, ctx.Err()
			}
			if !f.Type().IsRegular() || !strings.HasSuffix(f.Name(), ".mp4") {
				continue
			}
			info, err := f.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			dst := filepath.Join(m.backup, cam.Name(), f.Name())
			if _, err := os.Stat(dst); err == nil {
				continue
			}
			if err := CopyFile(filepath.Join(m.record, cam.Name(), f.Name()), dst); err != nil {
				errs = append(errs, err)
				continue
			}
			copied++
		}
	}
	return copied, errors.Join(errs...)
}

// CopyFile copies src to dst atomically, creating dst's directory and
// keeping src's modification time.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	t, err := renameio.TempFile("", dst)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer t.Cleanup()

	if _, err := io.Copy(t, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := t.Chmod(0o644); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
