// Package procgroup starts child processes in their own process group so the
// whole tree (ffmpeg and anything it forks) can be signalled at once.
package procgroup

import (
	"os/exec"
	"syscall"
	"time"
)

// Terminate sends SIGTERM to the command's process group, waits up to grace
// for waitCh, then sends SIGKILL and drains waitCh. It returns the wait error.
// It is safe to call with a nil command.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = Kill(cmd, syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-timer.C:
		_ = Kill(cmd, syscall.SIGKILL)
		return <-waitCh
	}
}
