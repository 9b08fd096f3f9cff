// Package player implements a headless HLS client. It polls a live media
// playlist, downloads and validates fragments, and simulates a playback
// position against the buffered media so stalls can be detected without
// decoding video.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	cclog "github.com/mmuteeullah/CoreCam/internal/log"
)

const (
	tsSyncByte   = 0x47
	tsPacketSize = 188

	defaultMaxManifestFailures = 3
	defaultLiveSyncCount       = 3
	minReloadInterval          = 500 * time.Millisecond
	backBuffer                 = 30.0 // seconds kept behind the playhead
)

var (
	// ErrDestroyed is returned by every operation on a destroyed handle.
	ErrDestroyed = errors.New("player destroyed")
	// ErrNotLoaded is returned by playback operations before the first fragment.
	ErrNotLoaded = errors.New("player not loaded")
)

// ErrorKind classifies player errors the way a browser HLS player does.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindMedia
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindMedia:
		return "media"
	default:
		return "other"
	}
}

// Error is reported through Options.OnError.
type Error struct {
	Kind  ErrorKind
	Fatal bool
	Err   error
}

func (e *Error) Error() string {
	sev := "non-fatal"
	if e.Fatal {
		sev = "fatal"
	}
	return fmt.Sprintf("%s %s error: %v", sev, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fragment describes a downloaded media segment.
type Fragment struct {
	Sequence int64
	Duration float64
	Size     int64
}

// State is a snapshot of the handle's playback state.
type State struct {
	Loaded        bool
	Paused        bool
	Position      float64
	BufferedStart float64
	BufferedEnd   float64
	BufferedAhead float64
	Fragments     int
}

// Options configures a handle. Callbacks run on the handle's loop goroutine
// and must not call Destroy on the same handle.
type Options struct {
	Client              *http.Client
	Now                 func() time.Time
	OnFragmentLoaded    func(Fragment)
	OnError             func(*Error)
	MaxManifestFailures int
	// LiveSyncCount is how many segments behind the live edge loading starts.
	LiveSyncCount int
	Logger        *zerolog.Logger
}

// Handle is one player instance bound to one playlist URL.
type Handle struct {
	id     string
	url    *url.URL
	opts   Options
	logger zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
	ready  chan struct{}

	destroyOnce sync.Once

	mu            sync.Mutex
	destroyed     bool
	loaded        bool
	paused        bool
	position      float64
	bufferedStart float64
	bufferedEnd   float64
	anchor        time.Time
	fragments     int
	nextSeq       int64 // next sequence to load, or syncLive/syncNewest
	mediaFailed   bool
}

const (
	syncLive   = -1 // start LiveSyncCount segments behind the edge
	syncNewest = -2 // start at the newest segment
)

// Open starts a handle polling rawURL. It returns once the loop is running;
// readiness is signalled through Ready.
func Open(ctx context.Context, rawURL string, opts Options) (*Handle, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse playlist url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported playlist url scheme %q", u.Scheme)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxManifestFailures <= 0 {
		opts.MaxManifestFailures = defaultMaxManifestFailures
	}
	if opts.LiveSyncCount <= 0 {
		opts.LiveSyncCount = defaultLiveSyncCount
	}

	h := &Handle{
		id:      uuid.NewString(),
		url:     u,
		opts:    opts,
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		ready:   make(chan struct{}),
		nextSeq: syncLive,
	}
	base := cclog.WithComponent("player")
	if opts.Logger != nil {
		base = *opts.Logger
	}
	h.logger = base.With().Str(cclog.FieldHandle, h.id).Logger()

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	go h.run(loopCtx)
	return h, nil
}

// ID identifies the handle in logs.
func (h *Handle) ID() string { return h.id }

// Ready is closed once the playlist is parsed and the first fragment is buffered.
func (h *Handle) Ready() <-chan struct{} { return h.ready }

// Done is closed when the loop goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the current playback state.
func (h *Handle) State() (State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return State{}, ErrDestroyed
	}
	h.advanceLocked()
	return State{
		Loaded:        h.loaded,
		Paused:        h.paused,
		Position:      h.position,
		BufferedStart: h.bufferedStart,
		BufferedEnd:   h.bufferedEnd,
		BufferedAhead: h.bufferedEnd - h.position,
		Fragments:     h.fragments,
	}, nil
}

// Play resumes playback.
func (h *Handle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return ErrDestroyed
	}
	h.advanceLocked()
	h.paused = false
	return nil
}

// Pause stops the playback clock.
func (h *Handle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return ErrDestroyed
	}
	h.advanceLocked()
	h.paused = true
	return nil
}

// Seek moves the playhead, clamped to the buffered range.
func (h *Handle) Seek(pos float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return ErrDestroyed
	}
	if !h.loaded {
		return ErrNotLoaded
	}
	h.advanceLocked()
	h.position = min(max(pos, h.bufferedStart), h.bufferedEnd)
	return nil
}

// RecoverMediaError resumes fetching after a fatal media error at the newest
// segment of the playlist.
func (h *Handle) RecoverMediaError() error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return ErrDestroyed
	}
	h.mediaFailed = false
	h.nextSeq = syncNewest
	h.mu.Unlock()

	h.logger.Info().Str(cclog.FieldEvent, "player.media_recover").Msg("recovering from media error")
	select {
	case h.wake <- struct{}{}:
	default:
	}
	return nil
}

// Destroy stops the loop and waits for it to exit. It is safe to call twice.
func (h *Handle) Destroy() error {
	h.destroyOnce.Do(func() {
		h.mu.Lock()
		h.destroyed = true
		h.mu.Unlock()
		h.cancel()
		<-h.done
		h.logger.Debug().Str(cclog.FieldEvent, "player.destroyed").Msg("player destroyed")
	})
	return nil
}

// advanceLocked moves the playhead forward by the wall time elapsed since the
// last update, never past the buffered end.
func (h *Handle) advanceLocked() {
	now := h.opts.Now()
	if h.loaded && !h.paused {
		dt := now.Sub(h.anchor).Seconds()
		if dt > 0 {
			h.position = min(h.position+dt, h.bufferedEnd)
		}
	}
	h.anchor = now
	if h.position-h.bufferedStart > backBuffer {
		h.bufferedStart = h.position - backBuffer
	}
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		interval, stop := h.poll(ctx, &failures)
		if stop {
			return
		}
		timer.Reset(interval)
	}
}

// poll performs one playlist refresh and fragment download pass. It reports
// the delay until the next pass and whether the loop must stop.
func (h *Handle) poll(ctx context.Context, failures *int) (time.Duration, bool) {
	h.mu.Lock()
	waiting := h.mediaFailed
	h.mu.Unlock()
	if waiting {
		return time.Second, false
	}

	pl, err := h.fetchPlaylist(ctx)
	if ctx.Err() != nil {
		return 0, true
	}
	if err != nil {
		if errors.Is(err, ErrNotPlaylist) {
			h.emit(&Error{Kind: KindOther, Fatal: true, Err: err})
			return 0, true
		}
		*failures++
		fatal := *failures >= h.opts.MaxManifestFailures
		h.emit(&Error{Kind: KindNetwork, Fatal: fatal, Err: err})
		if fatal {
			return 0, true
		}
		return time.Second, false
	}
	*failures = 0

	interval := time.Duration(pl.TargetDuration / 2 * float64(time.Second))
	if interval < minReloadInterval {
		interval = minReloadInterval
	}

	for _, seg := range h.pending(pl) {
		frag, err := h.fetchSegment(ctx, seg)
		if ctx.Err() != nil {
			return 0, true
		}
		if err != nil {
			var perr *Error
			if errors.As(err, &perr) && perr.Kind == KindMedia {
				h.mu.Lock()
				h.mediaFailed = true
				h.nextSeq = seg.Sequence + 1
				h.mu.Unlock()
				h.emit(perr)
				return interval, false
			}
			h.emit(&Error{Kind: KindNetwork, Err: err})
			break
		}
		h.buffer(frag)
		if h.opts.OnFragmentLoaded != nil {
			h.opts.OnFragmentLoaded(frag)
		}
	}
	return interval, false
}

// pending selects the segments after the last loaded one, or the last
// LiveSyncCount segments when starting.
func (h *Handle) pending(pl *Playlist) []Segment {
	h.mu.Lock()
	next := h.nextSeq
	h.mu.Unlock()

	segs := pl.Segments
	if len(segs) == 0 {
		return nil
	}
	if next == syncNewest {
		return segs[len(segs)-1:]
	}
	// Resync when the loader fell off the playlist or the encoder restarted
	// its sequence numbering.
	if next < 0 || next < segs[0].Sequence || next > segs[len(segs)-1].Sequence+1 {
		start := max(len(segs)-h.opts.LiveSyncCount, 0)
		return segs[start:]
	}
	for i, s := range segs {
		if s.Sequence >= next {
			return segs[i:]
		}
	}
	return nil
}

func (h *Handle) buffer(frag Fragment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.advanceLocked()
	h.bufferedEnd += frag.Duration
	h.fragments++
	h.nextSeq = frag.Sequence + 1
	if !h.loaded {
		h.loaded = true
		h.anchor = h.opts.Now()
		close(h.ready)
		h.logger.Debug().Str(cclog.FieldEvent, "player.ready").Msg("first fragment buffered")
	}
}

func (h *Handle) emit(err *Error) {
	ev := h.logger.Debug()
	if err.Fatal {
		ev = h.logger.Warn()
	}
	ev.Err(err.Err).Str("kind", err.Kind.String()).Bool("fatal", err.Fatal).Msg("player error")
	if h.opts.OnError != nil {
		h.opts.OnError(err)
	}
}

func (h *Handle) fetchPlaylist(ctx context.Context) (*Playlist, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := h.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch playlist: status %d", resp.StatusCode)
	}
	pl, err := ParsePlaylist(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if errors.Is(err, ErrNotPlaylist) {
			return nil, err
		}
		return nil, fmt.Errorf("parse playlist: %w", err)
	}
	return pl, nil
}

func (h *Handle) fetchSegment(ctx context.Context, seg Segment) (Fragment, error) {
	ref, err := resolve(h.url, seg.URI)
	if err != nil {
		return Fragment{}, fmt.Errorf("segment url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return Fragment{}, err
	}
	resp, err := h.opts.Client.Do(req)
	if err != nil {
		return Fragment{}, fmt.Errorf("fetch segment %d: %w", seg.Sequence, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Fragment{}, fmt.Errorf("fetch segment %d: status %d", seg.Sequence, resp.StatusCode)
	}

	head := make([]byte, tsPacketSize+1)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Fragment{}, fmt.Errorf("read segment %d: %w", seg.Sequence, err)
	}
	rest, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return Fragment{}, fmt.Errorf("read segment %d: %w", seg.Sequence, err)
	}

	if n == 0 {
		return Fragment{}, &Error{Kind: KindMedia, Fatal: true, Err: fmt.Errorf("segment %d is empty", seg.Sequence)}
	}
	if head[0] != tsSyncByte || (n > tsPacketSize && head[tsPacketSize] != tsSyncByte) {
		return Fragment{}, &Error{Kind: KindMedia, Fatal: true, Err: fmt.Errorf("segment %d has no transport stream sync byte", seg.Sequence)}
	}

	return Fragment{Sequence: seg.Sequence, Duration: seg.Duration, Size: int64(n) + rest}, nil
}
