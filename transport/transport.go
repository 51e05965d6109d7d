// Package transport provides the message bus the orchestrator uses to spawn
// worker processes and exchange telegrams with them.
//
// Two buses are provided. Local runs registered Go functions as workers inside
// the current process and is used for tests and single-binary runs. Hub is a
// TCP bus: it launches real processes through a Launcher and routes frames
// between them, the way a process-group message bus would.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/everydev1618/spikenet/wire"
)

var (
	// ErrTimeout is returned by Receive when no telegram arrived in time.
	ErrTimeout = errors.New("receive timed out")

	// ErrClosed is returned after the bus or endpoint has been closed.
	ErrClosed = errors.New("transport closed")

	// ErrNotStarted is returned when the bus is used before Start.
	ErrNotStarted = errors.New("transport not started")

	// ErrUnknownHandle is returned when sending to a handle with no endpoint.
	ErrUnknownHandle = errors.New("unknown handle")

	// ErrUnknownProgram is returned by Local.Spawn for unregistered programs.
	ErrUnknownProgram = errors.New("unknown program")

	// ErrMailboxFull is returned when a receiver is not draining its mailbox.
	ErrMailboxFull = errors.New("mailbox full")
)

// Environment variables a Hub passes to the processes it launches.
const (
	EnvHubAddr = "SPIKENET_HUB"
	EnvHandle  = "SPIKENET_HANDLE"
	EnvParent  = "SPIKENET_PARENT"
	EnvToken   = "SPIKENET_TOKEN"
)

// Transport is the controller side of the bus.
type Transport interface {
	// Start brings the bus up or attaches to it if it is already running.
	// Attaching to a running bus is not an error.
	Start(ctx context.Context) error

	// Release detaches the caller without shutting the bus down for other
	// users. Telegrams still queued for the caller are discarded.
	Release() error

	// Self returns the caller's own handle.
	Self() wire.Handle

	// Spawn launches program with args and returns the handle the new
	// endpoint will use.
	Spawn(ctx context.Context, program string, args []string) (wire.Handle, error)

	// Send delivers one telegram to the endpoint identified by to.
	Send(to wire.Handle, tag wire.Tag, payload []byte) error

	// Receive waits up to timeout for a telegram from any endpoint.
	// It returns ErrTimeout if none arrived.
	Receive(timeout time.Duration) (wire.Message, error)
}

// Endpoint is the worker side of the bus.
type Endpoint interface {
	Self() wire.Handle
	Parent() wire.Handle
	Send(to wire.Handle, tag wire.Tag, payload []byte) error
	Receive(timeout time.Duration) (wire.Message, error)
	Close() error
}

// receiveFrom waits on a mailbox channel with a bounded timeout.
func receiveFrom(ch <-chan wire.Message, timeout time.Duration) (wire.Message, error) {
	if timeout <= 0 {
		select {
		case m, ok := <-ch:
			if !ok {
				return wire.Message{}, ErrClosed
			}
			return m, nil
		default:
			return wire.Message{}, ErrTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m, ok := <-ch:
		if !ok {
			return wire.Message{}, ErrClosed
		}
		return m, nil
	case <-timer.C:
		return wire.Message{}, ErrTimeout
	}
}

// drain discards every telegram currently queued on ch.
func drain(ch <-chan wire.Message) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
