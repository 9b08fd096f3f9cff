// Package recordings lists recorded segments, resolves them for download and
// mirrors finished recordings into the backup tree.
package recordings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Kind selects the recording tree.
type Kind string

const (
	KindRecord Kind = "record"
	KindBackup Kind = "backup"
)

// ErrInvalidPath is returned for camera or file names that could escape the
// recording tree.
var ErrInvalidPath = errors.New("invalid recording path")

const stampLayout = "20060102150405"

// Recording is one mp4 segment.
type Recording struct {
	CameraID string    `json:"camera_id"`
	Filename string    `json:"filename"`
	URL      string    `json:"url"`
	Size     int64     `json:"size"`
	Time     time.Time `json:"time"`
}

// Camera groups the recordings of one camera, newest first.
type Camera struct {
	CameraID   string      `json:"camera_id"`
	Count      int         `json:"count"`
	Recordings []Recording `json:"recordings"`
}

// Catalog reads the record and backup trees.
type Catalog struct {
	record string
	backup string
}

// NewCatalog creates a Catalog over the two trees.
func NewCatalog(recordPath, backupPath string) *Catalog {
	return &Catalog{record: recordPath, backup: backupPath}
}

func (c *Catalog) base(kind Kind) (string, error) {
	switch kind {
	case KindRecord:
		return c.record, nil
	case KindBackup:
		return c.backup, nil
	default:
		return "", fmt.Errorf("unknown recording kind %q", kind)
	}
}

// List returns every camera directory of the tree with its recordings.
// A missing tree is empty.
func (c *Catalog) List(kind Kind) ([]Camera, error) {
	base, err := c.base(kind)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Camera{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}

	out := []Camera{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		recs, err := c.camera(kind, base, e.Name())
		if err != nil {
			continue
		}
		out = append(out, Camera{CameraID: e.Name(), Count: len(recs), Recordings: recs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out, nil
}

func (c *Catalog) camera(kind Kind, base, id string) ([]Recording, error) {
	entries, err := os.ReadDir(filepath.Join(base, id))
	if err != nil {
		return nil, err
	}
	recs := []Recording{}
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasSuffix(name, ".mp4") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		ts, ok := ParseTime(id, name)
		if !ok {
			ts = info.ModTime()
		}
		recs = append(recs, Recording{
			CameraID: id,
			Filename: name,
			URL:      "/" + string(kind) + "/" + id + "/" + name,
			Size:     info.Size(),
			Time:     ts,
		})
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Time.Equal(recs[j].Time) {
			return recs[i].Filename > recs[j].Filename
		}
		return recs[i].Time.After(recs[j].Time)
	})
	return recs, nil
}

// ParseTime extracts the local start time from <id>_YYYYmmddHHMMSS.mp4.
func ParseTime(id, name string) (time.Time, bool) {
	stamp, ok := strings.CutPrefix(strings.TrimSuffix(name, ".mp4"), id+"_")
	if !ok || len(stamp) != len(stampLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(stampLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Resolve returns the path of a recording file. Names containing path
// separators or dot segments are rejected.
func (c *Catalog) Resolve(kind Kind, camera, file string) (string, error) {
	base, err := c.base(kind)
	if err != nil {
		return "", err
	}
	if !safeName(camera) || !safeName(file) || !strings.HasSuffix(file, ".mp4") {
		return "", ErrInvalidPath
	}
	path := filepath.Join(base, camera, file)
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", ErrInvalidPath
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fs.ErrNotExist
	}
	return path, nil
}

func safeName(s string) bool {
	return s != "" && s != "." && s != ".." &&
		!strings.ContainsAny(s, `/\`) && !strings.ContainsRune(s, 0)
}
