package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmuteeullah/CoreCam/internal/player"
)

type waiter struct {
	at time.Time
	ch chan time.Time
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, waiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

func (c *fakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

type fakePlayer struct {
	id    int
	opts  player.Options
	ready chan struct{}

	mu        sync.Mutex
	state     player.State
	destroyed bool
	seeks     []float64
	plays     int
	pauses    int
	recovers  int
	seekErr   error
}

func (p *fakePlayer) Ready() <-chan struct{} { return p.ready }

func (p *fakePlayer) State() (player.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return player.State{}, player.ErrDestroyed
	}
	return p.state, nil
}

func (p *fakePlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return player.ErrDestroyed
	}
	p.plays++
	p.state.Paused = false
	return nil
}

func (p *fakePlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return player.ErrDestroyed
	}
	p.pauses++
	p.state.Paused = true
	return nil
}

func (p *fakePlayer) Seek(pos float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return player.ErrDestroyed
	}
	if p.seekErr != nil {
		return p.seekErr
	}
	p.seeks = append(p.seeks, pos)
	return nil
}

func (p *fakePlayer) RecoverMediaError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return player.ErrDestroyed
	}
	p.recovers++
	return nil
}

func (p *fakePlayer) Destroy() error {
	p.mu.Lock()
	already := p.destroyed
	p.destroyed = true
	p.mu.Unlock()
	if !already {
		journal.add(fmt.Sprintf("destroy %d", p.id))
	}
	return nil
}

func (p *fakePlayer) set(fn func(*player.State)) {
	p.mu.Lock()
	fn(&p.state)
	p.mu.Unlock()
}

func (p *fakePlayer) isDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// eventJournal records opens, destroys and monitor events in order.
type eventJournal struct {
	mu      sync.Mutex
	entries []string
}

func (j *eventJournal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *eventJournal) reset() {
	j.mu.Lock()
	j.entries = nil
	j.mu.Unlock()
}

func (j *eventJournal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// journal is shared by the fakes of the running test. Monitor tests do not run in parallel.
var journal = &eventJournal{}

type fakeFactory struct {
	readyOnOpen atomic.Bool

	mu      sync.Mutex
	players []*fakePlayer
	urls    []string
}

func (f *fakeFactory) Open(_ context.Context, url string, opts player.Options) (Player, error) {
	f.mu.Lock()
	p := &fakePlayer{id: len(f.players) + 1, opts: opts, ready: make(chan struct{})}
	p.state = player.State{Position: 1, BufferedAhead: 5}
	f.players = append(f.players, p)
	f.urls = append(f.urls, url)
	f.mu.Unlock()

	live := 0
	f.mu.Lock()
	for _, other := range f.players {
		if !other.isDestroyed() {
			live++
		}
	}
	f.mu.Unlock()
	journal.add(fmt.Sprintf("open %d live=%d", p.id, live))

	if f.readyOnOpen.Load() {
		p.set(func(s *player.State) { s.Loaded = true })
		close(p.ready)
	}
	return p, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.players)
}

func (f *fakeFactory) last() *fakePlayer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.players[len(f.players)-1]
}

func (f *fakeFactory) get(i int) *fakePlayer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.players[i]
}

type fakeEscalator struct {
	calls atomic.Int32
	fail  bool
}

func (e *fakeEscalator) RestartStream(_ context.Context, cameraID string) error {
	e.calls.Add(1)
	if e.fail {
		return errors.New("backend unavailable")
	}
	return nil
}
