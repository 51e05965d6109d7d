package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/everydev1618/spikenet/wire"
)

const mailboxSize = 4096

// Program is a worker body run by the Local bus. It must return when ctx is
// cancelled.
type Program func(ctx context.Context, ep Endpoint, args []string) error

// Local is an in-process bus. Spawned programs run as goroutines and each
// endpoint owns a buffered mailbox.
type Local struct {
	programs map[string]Program
	logger   *slog.Logger

	mu       sync.RWMutex
	boxes    map[wire.Handle]chan wire.Message
	self     wire.Handle
	next     wire.Handle
	attached bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// LocalOption configures a Local bus.
type LocalOption func(*Local)

// WithLocalLogger sets the logger used for program failures.
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) {
		l.logger = logger
	}
}

// WithProgram registers a program under name.
func WithProgram(name string, p Program) LocalOption {
	return func(l *Local) {
		l.programs[name] = p
	}
}

// NewLocal creates an in-process bus.
func NewLocal(opts ...LocalOption) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Local{
		programs: make(map[string]Program),
		logger:   slog.Default(),
		boxes:    make(map[wire.Handle]chan wire.Message),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register adds a program that Spawn can start by name.
func (l *Local) Register(name string, p Program) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.programs[name] = p
}

// Start attaches the caller to the bus.
func (l *Local) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.attached {
		return nil
	}
	if !l.self.Valid() {
		l.self = l.allocLocked()
	}
	l.attached = true
	return nil
}

// Release detaches the caller and discards its queued telegrams. Running
// programs are left alone.
func (l *Local) Release() error {
	l.mu.Lock()
	box := l.boxes[l.self]
	l.attached = false
	l.mu.Unlock()

	if box != nil {
		if n := drain(box); n > 0 {
			l.logger.Debug("discarded queued telegrams on release", "count", n)
		}
	}
	return nil
}

// Self returns the controller handle.
func (l *Local) Self() wire.Handle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.self
}

// Spawn starts a registered program in a new goroutine. A program that
// returns without having sent TaskExited to its parent gets one sent for it.
func (l *Local) Spawn(ctx context.Context, program string, args []string) (wire.Handle, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return wire.NoHandle, ErrClosed
	}
	if !l.attached {
		l.mu.Unlock()
		return wire.NoHandle, ErrNotStarted
	}
	p, ok := l.programs[program]
	if !ok {
		l.mu.Unlock()
		return wire.NoHandle, fmt.Errorf("%w: %s", ErrUnknownProgram, program)
	}
	h := l.allocLocked()
	ep := &localEndpoint{bus: l, self: h, parent: l.self, box: l.boxes[h]}
	l.wg.Add(1)
	l.mu.Unlock()

	argv := append([]string(nil), args...)
	go func() {
		defer l.wg.Done()
		defer ep.Close()
		if err := p(l.ctx, ep, argv); err != nil {
			l.logger.Warn("local program failed", "program", program, "handle", h, "error", err)
		}
		if !ep.exited.Load() {
			if err := l.deliver(h, ep.parent, wire.TagTaskExited, nil); err != nil && l.ctx.Err() == nil {
				l.logger.Warn("could not report program exit", "program", program, "handle", h, "error", err)
			}
		}
	}()

	return h, nil
}

// Send delivers a telegram from the controller.
func (l *Local) Send(to wire.Handle, tag wire.Tag, payload []byte) error {
	return l.deliver(l.Self(), to, tag, payload)
}

// Receive waits for a telegram addressed to the controller.
func (l *Local) Receive(timeout time.Duration) (wire.Message, error) {
	l.mu.RLock()
	box := l.boxes[l.self]
	closed := l.closed
	l.mu.RUnlock()

	if closed {
		return wire.Message{}, ErrClosed
	}
	if box == nil {
		return wire.Message{}, ErrNotStarted
	}
	return receiveFrom(box, timeout)
}

// Close cancels every program and waits for them to return.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	return nil
}

func (l *Local) allocLocked() wire.Handle {
	l.next++
	h := l.next
	l.boxes[h] = make(chan wire.Message, mailboxSize)
	return h
}

func (l *Local) deliver(from, to wire.Handle, tag wire.Tag, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}
	box, ok := l.boxes[to]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, to)
	}

	m := wire.Message{Tag: tag, Sender: from, Dest: to, Payload: payload}
	select {
	case box <- m:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrMailboxFull, to)
	}
}

func (l *Local) remove(h wire.Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.boxes, h)
}

// localEndpoint is the worker side of a Local bus.
type localEndpoint struct {
	bus    *Local
	self   wire.Handle
	parent wire.Handle
	box    chan wire.Message

	once   sync.Once
	mu     sync.RWMutex
	closed bool
	exited atomic.Bool
}

func (e *localEndpoint) Self() wire.Handle   { return e.self }
func (e *localEndpoint) Parent() wire.Handle { return e.parent }

func (e *localEndpoint) Send(to wire.Handle, tag wire.Tag, payload []byte) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.bus.deliver(e.self, to, tag, payload); err != nil {
		return err
	}
	if tag == wire.TagTaskExited && to == e.parent {
		e.exited.Store(true)
	}
	return nil
}

func (e *localEndpoint) Receive(timeout time.Duration) (wire.Message, error) {
	if e.isClosed() {
		return wire.Message{}, ErrClosed
	}
	return receiveFrom(e.box, timeout)
}

// Close removes the endpoint's mailbox from the bus. Later sends to its
// handle fail with ErrUnknownHandle.
func (e *localEndpoint) Close() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.bus.remove(e.self)
	})
	return nil
}

func (e *localEndpoint) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}
