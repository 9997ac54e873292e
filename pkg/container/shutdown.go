package container

import (
	"context"
	"syscall"
	"time"

	"github.com/sitharaj88/novapm/pkg/types"
)

// shutdownTimeout returns T, the base escalation timeout.
func (c *Container) shutdownTimeout() time.Duration {
	if c.Definition.KillTimeout > 0 {
		return c.Definition.KillTimeout
	}
	return DefaultShutdownTimeout
}

// Stop runs the graceful shutdown escalation: INT, then TERM at T, then
// KILL at T+T/2, resolving with nil (meaning: treat as killed) at
// T+T/2+500ms if the child still hasn't exited. force=true skips
// straight to KILL. The returned *int is the child's exit code, or nil
// if it never reported one (killed or already gone).
//
// novapm's children are plain OS processes with no structured IPC
// channel, so the spec's "send a shutdown message over IPC" first step
// has nothing to address here and is skipped.
func (c *Container) Stop(ctx context.Context, force bool) (*int, error) {
	if !c.IsRunning() {
		return c.exitCodePtr(), nil
	}
	c.setState(types.StateStopping)

	if force {
		c.Kill()
		select {
		case <-c.exitedCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return c.exitCodePtr(), nil
	}

	c.signal(syscall.SIGINT)

	t := c.shutdownTimeout()
	termTimer := time.NewTimer(t)
	killTimer := time.NewTimer(t + t/2)
	giveUpTimer := time.NewTimer(t + t/2 + 500*time.Millisecond)
	defer termTimer.Stop()
	defer killTimer.Stop()
	defer giveUpTimer.Stop()

	for {
		select {
		case <-c.exitedCh:
			return c.exitCodePtr(), nil
		case <-termTimer.C:
			c.signal(syscall.SIGTERM)
		case <-killTimer.C:
			c.signal(syscall.SIGKILL)
		case <-giveUpTimer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Kill sends SIGKILL immediately. "No such process" is treated as
// success since the desired end state (the process gone) already
// holds.
func (c *Container) Kill() {
	c.signal(syscall.SIGKILL)
}

// signal sends sig to the child's process group so any descendants it
// spawned are reached too. ESRCH (no such process) is swallowed.
func (c *Container) signal(sig syscall.Signal) {
	pid := c.PID()
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		if err == syscall.ESRCH {
			return
		}
		_ = syscall.Kill(pid, sig)
	}
}

func (c *Container) exitCodePtr() *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.ProcessState == nil {
		return nil
	}
	code := c.cmd.ProcessState.ExitCode()
	if code == -1 {
		return nil // terminated by a signal: no exit code was reported
	}
	return &code
}
