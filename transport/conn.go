package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/everydev1618/spikenet/wire"
)

// Conn is the worker side of a Hub connection.
type Conn struct {
	conn         net.Conn
	self         wire.Handle
	parent       wire.Handle
	writeTimeout time.Duration

	inbox chan wire.Message
	done  chan struct{}
	once  sync.Once
	wmu   sync.Mutex
}

// Dial connects to the hub at addr and claims handle self.
func Dial(ctx context.Context, addr string, self, parent wire.Handle, token string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", addr, err)
	}

	c := &Conn{
		conn:         nc,
		self:         self,
		parent:       parent,
		writeTimeout: defaultWriteTimeout,
		inbox:        make(chan wire.Message, mailboxSize),
		done:         make(chan struct{}),
	}

	hello := wire.Hello{Handle: self, Token: token}
	if err := c.write(wire.Message{Tag: wire.TagHello, Sender: self, Dest: parent, Payload: hello.Encode()}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// DialEnv connects using the coordinates a Hub put in the environment.
func DialEnv(ctx context.Context) (*Conn, error) {
	addr := os.Getenv(EnvHubAddr)
	if addr == "" {
		return nil, fmt.Errorf("%s is not set; was this process started by a hub?", EnvHubAddr)
	}
	self, err := parseHandle(EnvHandle)
	if err != nil {
		return nil, err
	}
	parent, err := parseHandle(EnvParent)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, addr, self, parent, os.Getenv(EnvToken))
}

func parseHandle(key string) (wire.Handle, error) {
	v, err := strconv.ParseUint(os.Getenv(key), 10, 32)
	if err != nil {
		return wire.NoHandle, fmt.Errorf("parse %s: %w", key, err)
	}
	return wire.Handle(v), nil
}

func (c *Conn) Self() wire.Handle   { return c.self }
func (c *Conn) Parent() wire.Handle { return c.parent }

// Send writes one telegram. The hub routes it to to.
func (c *Conn) Send(to wire.Handle, tag wire.Tag, payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.write(wire.Message{Tag: tag, Sender: c.self, Dest: to, Payload: payload})
}

// Receive waits up to timeout for the next telegram.
func (c *Conn) Receive(timeout time.Duration) (wire.Message, error) {
	return receiveFrom(c.inbox, timeout)
}

// Close drops the connection.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) write(m wire.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return wire.WriteFrame(c.conn, m)
}

func (c *Conn) readLoop() {
	defer close(c.inbox)
	for {
		m, err := wire.ReadFrame(c.conn)
		if err != nil {
			return
		}
		select {
		case c.inbox <- m:
		case <-c.done:
			return
		}
	}
}
