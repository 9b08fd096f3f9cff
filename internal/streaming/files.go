package streaming

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/mmuteeullah/CoreCam/internal/player"
)

const (
	minPlaylistSize = 100
	orphanAge       = 60 * time.Second
)

// Health is the result of one playlist health check.
type Health struct {
	OK     bool
	Reason string
	// Newest is the modification time of the freshest .ts segment.
	Newest time.Time
}

// PlaylistPath is <dir>/<id>.m3u8.
func PlaylistPath(dir, id string) string { return filepath.Join(dir, id+".m3u8") }

// BackupPath is <dir>/<id>_backup.m3u8.
func BackupPath(dir, id string) string { return filepath.Join(dir, id+"_backup.m3u8") }

// CheckPlaylist reports whether the live playlist in dir is being written:
// it must exist, be recently modified, reference segments, and the newest
// segment on disk must also be recent.
func CheckPlaylist(dir, id string, now time.Time, maxAge time.Duration) Health {
	path := PlaylistPath(dir, id)
	fi, err := os.Stat(path)
	if err != nil {
		return Health{Reason: "playlist missing"}
	}
	if age := now.Sub(fi.ModTime()); age > maxAge {
		return Health{Reason: fmt.Sprintf("playlist not updated for %s", age.Round(time.Second))}
	}
	if fi.Size() < minPlaylistSize {
		return Health{Reason: "playlist too small"}
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return Health{Reason: "playlist unreadable"}
	}
	if !strings.Contains(string(body), ".ts") {
		return Health{Reason: "playlist has no segments"}
	}

	segs, err := segmentFiles(dir)
	if err != nil || len(segs) == 0 {
		return Health{Reason: "no segments on disk"}
	}
	var newest time.Time
	for _, s := range segs {
		if s.mod.After(newest) {
			newest = s.mod
		}
	}
	if age := now.Sub(newest); age > maxAge {
		return Health{Reason: fmt.Sprintf("newest segment is %s old", age.Round(time.Second)), Newest: newest}
	}
	return Health{OK: true, Newest: newest}
}

// WriteBackup atomically copies the live playlist to the backup playlist.
func WriteBackup(dir, id string) error {
	body, err := os.ReadFile(PlaylistPath(dir, id))
	if err != nil {
		return fmt.Errorf("read playlist: %w", err)
	}
	if err := renameio.WriteFile(BackupPath(dir, id), body, 0o644); err != nil {
		return fmt.Errorf("write backup playlist: %w", err)
	}
	return nil
}

// CleanSegments removes .ts files in dir that the live playlist no longer
// references and that are older than a minute. When the playlist is missing
// and force is set every segment is removed.
func CleanSegments(dir, id string, now time.Time, force bool) (int, error) {
	segs, err := segmentFiles(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	f, err := os.Open(PlaylistPath(dir, id))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || !force {
			return 0, nil
		}
		return removeAll(segs), nil
	}
	pl, perr := player.ParsePlaylist(f)
	f.Close()
	if perr != nil {
		// A half-written playlist is not a reason to delete anything.
		return 0, nil
	}

	referenced := make(map[string]bool, len(pl.Segments))
	for _, s := range pl.Segments {
		referenced[filepath.Base(s.URI)] = true
	}
	var stale []segmentFile
	for _, s := range segs {
		if !referenced[s.name] && now.Sub(s.mod) > orphanAge {
			stale = append(stale, s)
		}
	}
	return removeAll(stale), nil
}

// ClearLive removes playlists and segments left in dir by a previous run.
func ClearLive(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var errs []error
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !(strings.HasSuffix(n, ".ts") || strings.HasSuffix(n, ".m3u8")) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, n)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type segmentFile struct {
	name string
	path string
	mod  time.Time
}

func segmentFiles(dir string) ([]segmentFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []segmentFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ts") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, segmentFile{name: e.Name(), path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	return out, nil
}

func removeAll(files []segmentFile) int {
	n := 0
	for _, f := range files {
		if err := os.Remove(f.path); err == nil {
			n++
		}
	}
	return n
}
