package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

const gib = 1024 * 1024 * 1024

// Usage is a filesystem usage snapshot.
type Usage struct {
	Total   uint64  `json:"total"`
	Used    uint64  `json:"used"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

// FreeGB is Free in GiB rounded to two decimals.
func (u Usage) FreeGB() float64 { return round2(float64(u.Free) / gib) }

// UsedGB is Used in GiB rounded to two decimals.
func (u Usage) UsedGB() float64 { return round2(float64(u.Used) / gib) }

// DiskUsage returns usage of the filesystem holding path. A missing path is
// resolved to its nearest existing parent.
func DiskUsage(path string) (Usage, error) {
	path = existingParent(path)

	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return Usage{}, fmt.Errorf("failed to get disk stats: %w", err)
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	u := Usage{Total: total, Free: free}
	if total > free {
		u.Used = total - free
	}
	if total > 0 {
		u.Percent = 100.0 * float64(u.Used) / float64(total)
	}
	return u, nil
}

func existingParent(path string) string {
	for {
		if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
