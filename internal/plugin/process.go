package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// SpawnSpec describes one worker process
type SpawnSpec struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the host environment
	Env []string
	// Output receives the worker's stdout and stderr
	Output io.Writer
}

// Process is a running worker
type Process interface {
	Pid() int
	// Terminate asks the process to exit
	Terminate() error
	// Kill forces the process to exit
	Kill() error
	// Wait blocks until the process exits and returns its exit code.
	// A process killed by a signal reports -1.
	Wait() (int, error)
}

// Spawner starts worker processes
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// ExecSpawner starts workers as OS processes
type ExecSpawner struct{}

// Spawn starts the process and returns once the OS reports it running
func (ExecSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	if spec.Output != nil {
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
