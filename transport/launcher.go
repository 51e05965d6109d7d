package transport

import "context"

// LaunchSpec describes a process the Hub wants started.
type LaunchSpec struct {
	// Name is a short label used for logs and container names.
	Name    string
	Program string
	Args    []string
	// Env holds KEY=VALUE pairs added to the process environment.
	Env []string
}

// Process is a launched worker process.
type Process interface {
	// Kill terminates the process and everything it started.
	Kill() error
	// Wait blocks until the process has exited.
	Wait() error
}

// Launcher starts worker processes for a Hub.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, spec LaunchSpec) (Process, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	return f(ctx, spec)
}
