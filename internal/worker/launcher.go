package worker

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// Process is a launched external worker
type Process interface {
	PID() int
	// Terminate requests a graceful shutdown (SIGTERM)
	Terminate() error
	// Kill ends the process immediately
	Kill() error
	// Wait blocks until the process exits
	Wait() error
}

// ProcessLauncher starts external worker processes. The exec launcher is
// the production implementation; tests substitute a fake.
type ProcessLauncher interface {
	Launch(ctx context.Context, name string, queues []string, jobTimeout time.Duration) (Process, error)
}

// ExecLauncher shells out to the worker binary with the standard flags
type ExecLauncher struct {
	// Binary is the worker command, "rq" by default
	Binary string
	// RedisURL is passed through to the child
	RedisURL string
}

// NewExecLauncher creates the launcher for a Redis URL
func NewExecLauncher(redisURL string) *ExecLauncher {
	return &ExecLauncher{Binary: "rq", RedisURL: redisURL}
}

// Launch starts one external worker draining the given queues in the
// order passed
func (l *ExecLauncher) Launch(ctx context.Context, name string, queues []string, jobTimeout time.Duration) (Process, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("external worker needs at least one queue")
	}
	args := []string{
		"worker",
		"--url", l.RedisURL,
		"--name", name,
		"--job-timeout", fmt.Sprintf("%d", int(jobTimeout.Seconds())),
	}
	args = append(args, queues...)

	cmd := exec.CommandContext(ctx, l.Binary, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}
