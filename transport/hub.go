package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/everydev1618/spikenet/wire"
)

// HubHandle is the handle of the controller attached to a Hub.
const HubHandle wire.Handle = 1

const (
	defaultHelloTimeout = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Hub is a TCP message bus. Spawned processes dial back to the hub, claim
// the handle they were launched with, and from then on every frame they send
// is delivered to the controller or routed to the destination endpoint.
// A connection that drops before its endpoint sent TaskExited is reported to
// the controller with a TaskExited in the endpoint's name.
type Hub struct {
	addr         string
	launcher     Launcher
	logger       *slog.Logger
	token        string
	helloTimeout time.Duration
	writeTimeout time.Duration

	mu       sync.Mutex
	ln       net.Listener
	conns    map[wire.Handle]*hubConn
	procs    map[wire.Handle]Process
	reserved map[wire.Handle]struct{}
	next     wire.Handle
	attached bool
	closed   bool

	inbox  chan wire.Message
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithHelloTimeout bounds how long a new connection may take to identify itself.
func WithHelloTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		h.helloTimeout = d
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		h.writeTimeout = d
	}
}

// NewHub creates a hub that will listen on addr and start processes with
// launcher. Use "127.0.0.1:0" to pick a free port.
func NewHub(addr string, launcher Launcher, opts ...HubOption) *Hub {
	h := &Hub{
		addr:         addr,
		launcher:     launcher,
		logger:       slog.Default(),
		token:        uuid.New().String(),
		helloTimeout: defaultHelloTimeout,
		writeTimeout: defaultWriteTimeout,
		conns:        make(map[wire.Handle]*hubConn),
		procs:        make(map[wire.Handle]Process),
		reserved:     make(map[wire.Handle]struct{}),
		next:         HubHandle,
		inbox:        make(chan wire.Message, mailboxSize),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Addr returns the address the hub is listening on, or the configured
// address before Start.
func (h *Hub) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln != nil {
		return h.ln.Addr().String()
	}
	return h.addr
}

// Token returns the secret launched processes must present in their hello.
func (h *Hub) Token() string {
	return h.token
}

// Start listens if the hub is not running yet and attaches the caller.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.ln != nil {
		h.attached = true
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.addr, err)
	}

	gctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(gctx)
	h.ln = ln
	h.group = g
	h.ctx = gctx
	h.cancel = cancel
	h.attached = true

	g.Go(func() error {
		return h.acceptLoop(ln)
	})

	h.logger.Info("hub listening", "addr", ln.Addr().String())
	return nil
}

// Release detaches the controller, discards its queued telegrams and kills
// launched processes that never connected or have already disconnected.
// Connected processes and the listener are left running.
func (h *Hub) Release() error {
	h.mu.Lock()
	h.attached = false
	var orphans []Process
	for handle, p := range h.procs {
		if _, ok := h.conns[handle]; ok {
			continue
		}
		orphans = append(orphans, p)
		delete(h.procs, handle)
		delete(h.reserved, handle)
	}
	h.mu.Unlock()

	var errs []error
	for _, p := range orphans {
		if err := p.Kill(); err != nil {
			errs = append(errs, err)
		}
	}

	if n := drain(h.inbox); n > 0 {
		h.logger.Debug("discarded queued telegrams on release", "count", n)
	}
	return errors.Join(errs...)
}

// Self returns HubHandle.
func (h *Hub) Self() wire.Handle {
	return HubHandle
}

// Spawn reserves a handle and launches program with the hub coordinates in
// its environment. The process is not reachable until it has dialed back.
func (h *Hub) Spawn(ctx context.Context, program string, args []string) (wire.Handle, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return wire.NoHandle, ErrClosed
	}
	if h.ln == nil || !h.attached {
		h.mu.Unlock()
		return wire.NoHandle, ErrNotStarted
	}
	h.next++
	handle := h.next
	h.reserved[handle] = struct{}{}
	addr := h.ln.Addr().String()
	h.mu.Unlock()

	spec := LaunchSpec{
		Name:    fmt.Sprintf("%s-%d", h.token[:8], handle),
		Program: program,
		Args:    args,
		Env: []string{
			EnvHubAddr + "=" + addr,
			fmt.Sprintf("%s=%d", EnvHandle, handle),
			fmt.Sprintf("%s=%d", EnvParent, HubHandle),
			EnvToken + "=" + h.token,
		},
	}

	proc, err := h.launcher.Launch(ctx, spec)
	if err != nil {
		h.mu.Lock()
		delete(h.reserved, handle)
		h.mu.Unlock()
		return wire.NoHandle, err
	}

	h.mu.Lock()
	h.procs[handle] = proc
	h.mu.Unlock()

	go func() {
		err := proc.Wait()
		h.logger.Debug("worker process exited", "handle", handle, "error", err)

		h.mu.Lock()
		delete(h.procs, handle)
		h.mu.Unlock()
	}()

	return handle, nil
}

// Kill terminates the process behind handle.
func (h *Hub) Kill(handle wire.Handle) error {
	h.mu.Lock()
	p, ok := h.procs[handle]
	delete(h.procs, handle)
	delete(h.reserved, handle)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, handle)
	}
	return p.Kill()
}

// Send writes a telegram to a connected endpoint.
func (h *Hub) Send(to wire.Handle, tag wire.Tag, payload []byte) error {
	h.mu.Lock()
	hc, ok := h.conns[to]
	closed := h.closed
	h.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, to)
	}
	return hc.write(wire.Message{Tag: tag, Sender: HubHandle, Dest: to, Payload: payload})
}

// Receive waits for a telegram addressed to the controller.
func (h *Hub) Receive(timeout time.Duration) (wire.Message, error) {
	h.mu.Lock()
	started := h.ln != nil
	closed := h.closed
	h.mu.Unlock()

	if closed {
		return wire.Message{}, ErrClosed
	}
	if !started {
		return wire.Message{}, ErrNotStarted
	}
	return receiveFrom(h.inbox, timeout)
}

// Close stops the listener, drops every connection and kills every process.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	ln := h.ln
	conns := make([]*hubConn, 0, len(h.conns))
	for _, hc := range h.conns {
		conns = append(conns, hc)
	}
	procs := make([]Process, 0, len(h.procs))
	for _, p := range h.procs {
		procs = append(procs, p)
	}
	h.procs = make(map[wire.Handle]Process)
	h.mu.Unlock()

	if ln == nil {
		return nil
	}

	h.cancel()
	ln.Close()
	for _, hc := range conns {
		hc.conn.Close()
	}

	var errs []error
	for _, p := range procs {
		if err := p.Kill(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *Hub) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if h.isClosed() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		h.group.Go(func() error {
			h.serveConn(conn)
			return nil
		})
	}
}

func (h *Hub) serveConn(conn net.Conn) {
	defer conn.Close()

	hc, err := h.handshake(conn)
	if err != nil {
		h.logger.Warn("rejected connection", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	exited := false
	defer func() {
		h.unregister(hc)
		if !exited {
			h.reportExit(hc.handle)
		}
	}()

	for {
		m, err := wire.ReadFrame(conn)
		if err != nil {
			if !h.isClosed() {
				h.logger.Debug("connection closed", "handle", hc.handle, "error", err)
			}
			return
		}
		m.Sender = hc.handle
		if m.Tag == wire.TagTaskExited && m.Dest == HubHandle {
			exited = true
		}
		h.route(m)
	}
}

// reportExit tells the controller that handle went away without sending
// TaskExited itself.
func (h *Hub) reportExit(handle wire.Handle) {
	if h.isClosed() {
		return
	}
	h.logger.Debug("endpoint gone without exit telegram", "handle", handle)
	h.route(wire.Message{Tag: wire.TagTaskExited, Sender: handle, Dest: HubHandle})
}

// handshake reads the hello frame and binds the connection to its handle.
func (h *Hub) handshake(conn net.Conn) (*hubConn, error) {
	conn.SetReadDeadline(time.Now().Add(h.helloTimeout))
	m, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if m.Tag != wire.TagHello {
		return nil, fmt.Errorf("expected hello, got %s", m.Tag)
	}
	hello, err := wire.DecodeHello(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode hello: %w", err)
	}
	if hello.Token != h.token {
		return nil, errors.New("bad token")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.reserved[hello.Handle]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, hello.Handle)
	}
	delete(h.reserved, hello.Handle)

	hc := &hubConn{conn: conn, handle: hello.Handle, writeTimeout: h.writeTimeout}
	h.conns[hello.Handle] = hc
	return hc, nil
}

func (h *Hub) unregister(hc *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[hc.handle] == hc {
		delete(h.conns, hc.handle)
	}
}

// route delivers m to the controller inbox or forwards it to another endpoint.
func (h *Hub) route(m wire.Message) {
	if m.Dest == HubHandle || !m.Dest.Valid() {
		select {
		case h.inbox <- m:
		case <-h.ctx.Done():
		}
		return
	}

	h.mu.Lock()
	dst, ok := h.conns[m.Dest]
	h.mu.Unlock()

	if !ok {
		h.logger.Warn("dropping telegram for unknown handle", "tag", m.Tag.String(), "from", m.Sender, "to", m.Dest)
		return
	}
	if err := dst.write(m); err != nil {
		h.logger.Warn("forward failed", "tag", m.Tag.String(), "to", m.Dest, "error", err)
	}
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type hubConn struct {
	conn         net.Conn
	handle       wire.Handle
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *hubConn) write(m wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return wire.WriteFrame(c.conn, m)
}
