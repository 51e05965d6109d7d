//go:build unix

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExecLauncher starts workers as child processes. Each child gets its own
// process group so Kill also reaps anything the worker started.
type ExecLauncher struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Stdout and Stderr receive the child's output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

// NewExecLauncher returns a launcher that forwards child output to stderr.
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{Stderr: os.Stderr}
}

// Launch starts spec.Program.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Program, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go p.reap()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// Kill sends SIGKILL to the child's process group.
func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	pid := p.cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", pid, err)
	}
	return nil
}

// Wait blocks until the child has been reaped.
func (p *execProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
