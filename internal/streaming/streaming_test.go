package streaming

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
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

const livePlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:7
#EXTINF:2.000000,
front-00007.ts
#EXTINF:2.000000,
front-00008.ts
`

func writeFile(t *testing.T, path, body string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestCooldown(t *testing.T) {
	step := 30 * time.Second
	cases := map[int]time.Duration{
		1:  0,
		5:  0,
		6:  60 * time.Second,
		7:  90 * time.Second,
		14: 300 * time.Second,
		50: 300 * time.Second,
	}
	for count, want := range cases {
		assert.Equal(t, want, Cooldown(count, step), "count %d", count)
	}
}

func TestCheckPlaylist(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	maxAge := 10 * time.Second

	h := CheckPlaylist(dir, "front", now, maxAge)
	assert.False(t, h.OK)
	assert.Equal(t, "playlist missing", h.Reason)

	writeFile(t, PlaylistPath(dir, "front"), "#EXTM3U\n", now)
	assert.Equal(t, "playlist too small", CheckPlaylist(dir, "front", now, maxAge).Reason)

	writeFile(t, PlaylistPath(dir, "front"), livePlaylist, now)
	assert.Equal(t, "no segments on disk", CheckPlaylist(dir, "front", now, maxAge).Reason)

	writeFile(t, filepath.Join(dir, "front-00008.ts"), "x", now.Add(-30*time.Second))
	h = CheckPlaylist(dir, "front", now, maxAge)
	assert.False(t, h.OK)
	assert.Contains(t, h.Reason, "newest segment")

	writeFile(t, filepath.Join(dir, "front-00009.ts"), "x", now.Add(-time.Second))
	h = CheckPlaylist(dir, "front", now, maxAge)
	assert.True(t, h.OK, h.Reason)
	assert.WithinDuration(t, now.Add(-time.Second), h.Newest, time.Second)

	writeFile(t, PlaylistPath(dir, "front"), livePlaylist, now.Add(-time.Minute))
	h = CheckPlaylist(dir, "front", now, maxAge)
	assert.False(t, h.OK)
	assert.True(t, strings.HasPrefix(h.Reason, "playlist not updated"), h.Reason)
}

func TestWriteBackup(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, WriteBackup(dir, "front"))

	writeFile(t, PlaylistPath(dir, "front"), livePlaylist, time.Now())
	require.NoError(t, WriteBackup(dir, "front"))
	got, err := os.ReadFile(BackupPath(dir, "front"))
	require.NoError(t, err)
	assert.Equal(t, livePlaylist, string(got))
}

func TestCleanSegments(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := now.Add(-2 * time.Minute)

	writeFile(t, PlaylistPath(dir, "front"), livePlaylist, now)
	writeFile(t, filepath.Join(dir, "front-00007.ts"), "x", old)
	writeFile(t, filepath.Join(dir, "front-00008.ts"), "x", old)
	writeFile(t, filepath.Join(dir, "front-00003.ts"), "x", old)
	writeFile(t, filepath.Join(dir, "front-00009.ts"), "x", now)

	n, err := CleanSegments(dir, "front", now, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, filepath.Join(dir, "front-00003.ts"))
	assert.FileExists(t, filepath.Join(dir, "front-00007.ts"))
	assert.FileExists(t, filepath.Join(dir, "front-00009.ts"), "recent orphan is kept")

	require.NoError(t, os.Remove(PlaylistPath(dir, "front")))
	n, err = CleanSegments(dir, "front", now, false)
	require.NoError(t, err)
	assert.Zero(t, n, "no playlist and no force keeps everything")

	n, err = CleanSegments(dir, "front", now, true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = CleanSegments(filepath.Join(dir, "missing"), "front", now, true)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClearLive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.ts"), "x", time.Now())
	writeFile(t, filepath.Join(dir, "a.m3u8"), "x", time.Now())
	writeFile(t, filepath.Join(dir, "keep.txt"), "x", time.Now())

	require.NoError(t, ClearLive(dir))
	assert.NoFileExists(t, filepath.Join(dir, "a.ts"))
	assert.NoFileExists(t, filepath.Join(dir, "a.m3u8"))
	assert.FileExists(t, filepath.Join(dir, "keep.txt"))
	assert.NoError(t, ClearLive(filepath.Join(dir, "missing")))
}

type fakeProc struct {
	pid  int
	done chan struct{}
	once sync.Once
	err  error
}

func (p *fakeProc) Pid() int              { return p.pid }
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) Err() error            { return p.err }
func (p *fakeProc) exit()                 { p.once.Do(func() { close(p.done) }) }

func (p *fakeProc) Stop(time.Duration) error {
	p.exit()
	return nil
}

// fakeLauncher records launches. When healthy is set it writes a live
// playlist and a fresh segment where ffmpeg would.
type fakeLauncher struct {
	mu      sync.Mutex
	procs   []*fakeProc
	args    [][]string
	healthy bool
	fail    error
}

func (f *fakeLauncher) Launch(_ string, args []string, _ zerolog.Logger) (ffmpeg.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	if f.healthy {
		playlist := args[len(args)-1]
		dir := filepath.Dir(playlist)
		_ = os.WriteFile(playlist, []byte(livePlaylist), 0o644)
		_ = os.WriteFile(filepath.Join(dir, "front-00008.ts"), []byte("x"), 0o644)
	}
	p := &fakeProc{pid: 1000 + len(f.procs), done: make(chan struct{})}
	f.procs = append(f.procs, p)
	f.args = append(f.args, args)
	return p, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeLauncher) argsOf(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.args[i]
}

func (f *fakeLauncher) proc(i int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

type restartLog struct {
	mu     sync.Mutex
	causes []string
	counts []int
}

func (r *restartLog) record(_ string, cause string, count int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.causes = append(r.causes, cause)
	r.counts = append(r.counts, count)
}

func (r *restartLog) snapshot() ([]string, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.causes...), append([]int(nil), r.counts...)
}

func testSettings(t *testing.T) Settings {
	return Settings{
		FFmpegPath:      "ffmpeg",
		LivePath:        t.TempDir(),
		SegmentTime:     2,
		ListSize:        12,
		MaxConcurrent:   10,
		CheckInterval:   time.Hour,
		UpdateTimeout:   10 * time.Second,
		CooldownStep:    30 * time.Second,
		CleanupInterval: time.Hour,
		RestartDelay:    5 * time.Millisecond,
		StopGrace:       time.Second,
	}
}

func newTestManager(t *testing.T, s Settings, f *fakeLauncher, log *restartLog) *Manager {
	t.Helper()
	m := New(s, Options{Launch: f.Launch, OnRestart: log.record})
	t.Cleanup(m.StopAll)
	return m
}

var front = config.CameraConfig{ID: "front", URL: "rtsp://10.0.0.2/stream1", Enabled: true}

func TestManagerRestartsExitedEncoder(t *testing.T) {
	f := &fakeLauncher{}
	log := &restartLog{}
	m := newTestManager(t, testSettings(t), f, log)
	m.Sync([]config.CameraConfig{front})

	require.Eventually(t, func() bool { return f.count() == 1 }, 2*time.Second, time.Millisecond)
	f.proc(0).exit()
	require.Eventually(t, func() bool { return f.count() == 2 }, 2*time.Second, time.Millisecond)

	causes, counts := log.snapshot()
	assert.Equal(t, []string{CauseExited}, causes)
	assert.Equal(t, []int{1}, counts)

	st, err := m.Status("front")
	require.NoError(t, err)
	assert.Equal(t, 1, st.RestartCount)
	assert.Equal(t, 1, st.Restarts)
	args := f.argsOf(0)
	assert.Equal(t, filepath.Join(m.settings.LivePath, "front", "front.m3u8"), args[len(args)-1])
}

func TestManagerManualRestart(t *testing.T) {
	f := &fakeLauncher{}
	log := &restartLog{}
	m := newTestManager(t, testSettings(t), f, log)
	m.Sync([]config.CameraConfig{front})
	require.Eventually(t, func() bool { return f.count() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, m.Restart("front"))
	require.Eventually(t, func() bool { return f.count() == 2 }, 2*time.Second, time.Millisecond)
	assert.True(t, isClosed(f.proc(0).done), "old encoder stopped")

	causes, _ := log.snapshot()
	assert.Equal(t, []string{CauseManual}, causes)

	assert.ErrorIs(t, m.Restart("nope"), ErrUnknownCamera)
	assert.Equal(t, []string{"front"}, m.RestartAll())
}

func TestManagerStalePlaylistRestarts(t *testing.T) {
	s := testSettings(t)
	s.CheckInterval = 2 * time.Millisecond
	s.UpdateTimeout = 10 * time.Millisecond
	f := &fakeLauncher{}
	log := &restartLog{}
	m := newTestManager(t, s, f, log)
	m.Sync([]config.CameraConfig{front})

	require.Eventually(t, func() bool { return f.count() >= 2 }, 2*time.Second, time.Millisecond)
	causes, _ := log.snapshot()
	require.NotEmpty(t, causes)
	assert.Equal(t, CauseStale, causes[0])
}

func TestManagerHealthyStreamWritesBackupAndResetsCount(t *testing.T) {
	s := testSettings(t)
	s.CheckInterval = 2 * time.Millisecond
	f := &fakeLauncher{healthy: true}
	log := &restartLog{}
	m := newTestManager(t, s, f, log)
	m.Sync([]config.CameraConfig{front})

	require.Eventually(t, func() bool { return f.count() == 1 }, 2*time.Second, time.Millisecond)
	f.proc(0).exit()
	require.Eventually(t, func() bool {
		st, err := m.Status("front")
		return err == nil && st.Healthy && f.count() == 2
	}, 2*time.Second, time.Millisecond)

	st, err := m.Status("front")
	require.NoError(t, err)
	assert.Zero(t, st.RestartCount, "healthy start resets the consecutive count")
	assert.Equal(t, 1, st.Restarts)
	assert.True(t, st.Running)
	assert.FileExists(t, BackupPath(filepath.Join(s.LivePath, "front"), "front"))
	assert.Equal(t, 1, m.ActiveCount())
}

func TestManagerStartFailureRetries(t *testing.T) {
	f := &fakeLauncher{fail: errors.New("no such file")}
	log := &restartLog{}
	m := newTestManager(t, testSettings(t), f, log)
	m.Sync([]config.CameraConfig{front})

	require.Eventually(t, func() bool {
		causes, _ := log.snapshot()
		return len(causes) >= 2
	}, 2*time.Second, time.Millisecond)
	causes, counts := log.snapshot()
	assert.Equal(t, CauseStartFailed, causes[0])
	assert.Equal(t, 1, counts[0])
	assert.Equal(t, 2, counts[1])

	st, err := m.Status("front")
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, "no such file", st.Reason)
}

func TestManagerConcurrencyLimit(t *testing.T) {
	s := testSettings(t)
	s.MaxConcurrent = 1
	f := &fakeLauncher{}
	m := newTestManager(t, s, f, &restartLog{})

	yard := config.CameraConfig{ID: "yard", URL: "rtsp://10.0.0.3/stream1", Enabled: true}
	m.Sync([]config.CameraConfig{front, yard})
	require.Eventually(t, func() bool { return f.count() == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.count(), "second stream waits for a slot")

	// Removing the running camera frees its slot.
	running := "front"
	if strings.Contains(strings.Join(f.argsOf(0), " "), "yard") {
		running = "yard"
	}
	if running == "front" {
		m.Sync([]config.CameraConfig{yard})
	} else {
		m.Sync([]config.CameraConfig{front})
	}
	require.Eventually(t, func() bool { return f.count() == 2 }, 2*time.Second, time.Millisecond)
}

func TestManagerSyncRemovesStreams(t *testing.T) {
	f := &fakeLauncher{}
	m := newTestManager(t, testSettings(t), f, &restartLog{})
	m.Sync([]config.CameraConfig{front})
	require.Eventually(t, func() bool { return f.count() == 1 }, 2*time.Second, time.Millisecond)

	disabled := front
	disabled.Enabled = false
	m.Sync([]config.CameraConfig{disabled})
	assert.True(t, isClosed(f.proc(0).done))
	assert.Empty(t, m.Statuses())

	_, err := m.Status("front")
	assert.ErrorIs(t, err, ErrUnknownCamera)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
