// Package ffmpeg builds ffmpeg command lines for live HLS and segmented
// recording, and supervises the resulting processes.
package ffmpeg

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmuteeullah/CoreCam/internal/procgroup"
)

// ErrNotStarted is returned when stopping a process that never started.
var ErrNotStarted = errors.New("process not started")

// Process is one running ffmpeg instance in its own process group.
type Process struct {
	cmd     *exec.Cmd
	waitCh  chan error
	done    chan struct{}
	started time.Time

	mu      sync.Mutex
	exitErr error
	exited  bool
}

// Start launches bin with args. Stderr lines are logged at warn level.
func Start(bin string, args []string, logger zerolog.Logger) (*Process, error) {
	cmd := exec.Command(bin, args...)
	procgroup.Set(cmd)
	cmd.Stderr = &stderrWriter{logger: logger}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}

	p := &Process{
		cmd:     cmd,
		waitCh:  make(chan error, 1),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.exited = true
		p.mu.Unlock()
		p.waitCh <- err
		close(p.done)
	}()
	return p, nil
}

// Pid returns the process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// StartedAt returns when the process was launched.
func (p *Process) StartedAt() time.Time { return p.started }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Running reports whether the process has not exited yet.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// Err returns the exit error once the process has exited.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stop terminates the process group: SIGTERM, then SIGKILL after grace.
func (p *Process) Stop(grace time.Duration) error {
	if p == nil {
		return ErrNotStarted
	}
	if !p.Running() {
		return nil
	}
	err := procgroup.Terminate(p.cmd, p.waitCh, grace)
	// Terminate consumed the wait result; put it back for any later Stop.
	select {
	case p.waitCh <- err:
	default:
	}
	<-p.done
	return err
}

// stderrWriter forwards ffmpeg's stderr to the logger line by line.
type stderrWriter struct {
	logger zerolog.Logger
	buf    []byte
}

func (w *stderrWriter) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(w.buf[:i])
		if len(line) > 0 {
			w.logger.Warn().Str("source", "ffmpeg").Msg(string(line))
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > 4096 {
		w.logger.Warn().Str("source", "ffmpeg").Msg(string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(b), nil
}

// Handle is the control surface of a started process.
type Handle interface {
	Pid() int
	Done() <-chan struct{}
	Err() error
	Stop(grace time.Duration) error
}

// Launcher starts a process. Tests substitute fakes.
type Launcher func(bin string, args []string, logger zerolog.Logger) (Handle, error)

// Launch is the production Launcher.
func Launch(bin string, args []string, logger zerolog.Logger) (Handle, error) {
	p, err := Start(bin, args, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}
