package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mmuteeullah/CoreCam/internal/config"
	"github.com/mmuteeullah/CoreCam/internal/ffmpeg"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProc struct {
	done chan struct{}
	once sync.Once
}

func (p *fakeProc) Pid() int                 { return 42 }
func (p *fakeProc) Done() <-chan struct{}    { return p.done }
func (p *fakeProc) Err() error               { return errors.New("exit status 1") }
func (p *fakeProc) Stop(time.Duration) error { p.exit(); return nil }
func (p *fakeProc) exit()                    { p.once.Do(func() { close(p.done) }) }

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProc
	args  [][]string
}

func (f *fakeLauncher) Launch(_ string, args []string, _ zerolog.Logger) (ffmpeg.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeProc{done: make(chan struct{})}
	f.procs = append(f.procs, p)
	f.args = append(f.args, args)
	return p, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeLauncher) proc(i int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func testSettings(t *testing.T) Settings {
	return Settings{FFmpegPath: "ffmpeg", RecordPath: t.TempDir(), SegmentDuration: 1800, StopGrace: time.Second}
}

func TestRecorderStartStop(t *testing.T) {
	f := &fakeLauncher{}
	cam := config.CameraConfig{ID: "front", URL: "rtsp://10.0.0.2/s1", Enabled: true, MaxRetries: -1}
	r := New(cam, testSettings(t), f.Launch)

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrRunning)
	require.Eventually(t, func() bool { return r.Status().Recording }, 2*time.Second, time.Millisecond)

	f.mu.Lock()
	args := f.args[0]
	f.mu.Unlock()
	assert.Equal(t, filepath.Join(r.Dir(), "front_%Y%m%d%H%M%S.mp4"), args[len(args)-1])
	assert.DirExists(t, r.Dir())

	require.NoError(t, r.Stop())
	assert.False(t, r.Running())
	assert.True(t, isClosed(f.proc(0).done))
	assert.ErrorIs(t, r.Stop(), ErrNotRunning)
}

func TestRecorderRetriesUntilMaxRetries(t *testing.T) {
	f := &fakeLauncher{}
	cam := config.CameraConfig{ID: "front", URL: "rtsp://x", Enabled: true, MaxRetries: 2, RetryDelay: 0}
	r := New(cam, testSettings(t), f.Launch)
	require.NoError(t, r.Start(context.Background()))

	for i := range 3 {
		require.Eventually(t, func() bool { return f.count() == i+1 }, 2*time.Second, time.Millisecond)
		f.proc(i).exit()
	}
	require.Eventually(t, func() bool { return !r.Running() }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 3, f.count(), "first attempt plus two retries")
	assert.Contains(t, r.Status().LastError, "exit status 1")
}

func TestRecorderRestart(t *testing.T) {
	f := &fakeLauncher{}
	r := New(config.CameraConfig{ID: "front", Enabled: true, MaxRetries: -1}, testSettings(t), f.Launch)
	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return f.count() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, r.Restart(context.Background()))
	require.Eventually(t, func() bool { return f.count() == 2 }, 2*time.Second, time.Millisecond)
	assert.True(t, isClosed(f.proc(0).done))
	require.NoError(t, r.Stop())
}

func TestLastRecordingTime(t *testing.T) {
	r := New(config.CameraConfig{ID: "front"}, testSettings(t), nil)
	assert.True(t, r.LastRecordingTime().IsZero())

	require.NoError(t, os.MkdirAll(r.Dir(), 0o755))
	newest := time.Now().Add(-time.Minute).Truncate(time.Second)
	for name, mod := range map[string]time.Time{
		"front_1.mp4": newest.Add(-time.Hour),
		"front_2.mp4": newest,
		"notes.txt":   newest.Add(time.Hour),
	} {
		p := filepath.Join(r.Dir(), name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		require.NoError(t, os.Chtimes(p, mod, mod))
	}
	assert.True(t, newest.Equal(r.LastRecordingTime()))
}

func TestManagerSyncAndControl(t *testing.T) {
	f := &fakeLauncher{}
	m := NewManager(testSettings(t), f.Launch)
	t.Cleanup(m.Close)

	off := false
	m.Sync([]config.CameraConfig{
		{ID: "front", URL: "rtsp://a", Enabled: true, MaxRetries: -1},
		{ID: "yard", URL: "rtsp://b", Enabled: true, Record: &off},
		{ID: "attic", URL: "rtsp://c", Enabled: false},
	})
	require.Eventually(t, func() bool { return f.count() == 1 }, 2*time.Second, time.Millisecond)
	require.Len(t, m.Recorders(), 1)

	require.NoError(t, m.Stop("front"))
	assert.False(t, m.Statuses()[0].Running)
	assert.Empty(t, m.StartAll())
	require.Eventually(t, func() bool { return f.count() == 2 }, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, m.Start("yard"), ErrUnknownCamera)
	assert.ErrorIs(t, m.Start("front"), ErrRunning)

	m.Sync(nil)
	assert.Empty(t, m.Recorders())
	assert.True(t, isClosed(f.proc(1).done))
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
