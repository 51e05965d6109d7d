package transport

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/spikenet/wire"
)

// echoProgram confirms the spawn, then echoes every telegram back to its
// parent until it receives Exit.
func echoProgram(ctx context.Context, ep Endpoint, args []string) error {
	if err := ep.Send(ep.Parent(), wire.TagSpawnConfirm, wire.EncodeText(strings.Join(args, " "))); err != nil {
		return err
	}
	for {
		m, err := ep.Receive(20 * time.Millisecond)
		if err == ErrTimeout {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if err != nil {
			return err
		}
		if m.Tag == wire.TagExit {
			return ep.Send(ep.Parent(), wire.TagTaskExited, nil)
		}
		if err := ep.Send(ep.Parent(), m.Tag, m.Payload); err != nil {
			return err
		}
	}
}

func TestLocalSpawnAndEcho(t *testing.T) {
	bus := NewLocal(WithProgram("echo", echoProgram))
	defer bus.Close()

	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Start(ctx), "attaching twice is not an error")

	h, err := bus.Spawn(ctx, "echo", []string{"group", "7"})
	require.NoError(t, err)
	assert.NotEqual(t, bus.Self(), h)

	m, err := bus.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.TagSpawnConfirm, m.Tag)
	assert.Equal(t, h, m.Sender)
	text, _ := wire.DecodeText(m.Payload)
	assert.Equal(t, "group 7", text)

	require.NoError(t, bus.Send(h, wire.TagInjectNoise, wire.EncodeFloat64(0.5)))
	m, err = bus.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.TagInjectNoise, m.Tag)

	require.NoError(t, bus.Send(h, wire.TagExit, nil))
	m, err = bus.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.TagTaskExited, m.Tag)

	// Once the program has returned its handle is gone.
	require.Eventually(t, func() bool {
		return bus.Send(h, wire.TagStart, nil) != nil
	}, time.Second, 5*time.Millisecond)
}

func confirmAndQuit(ctx context.Context, ep Endpoint, args []string) error {
	return ep.Send(ep.Parent(), wire.TagSpawnConfirm, nil)
}

func TestLocalReportsSilentExit(t *testing.T) {
	bus := NewLocal(
		WithProgram("quit", confirmAndQuit),
		WithProgram("polite", func(ctx context.Context, ep Endpoint, args []string) error {
			return ep.Send(ep.Parent(), wire.TagTaskExited, nil)
		}),
	)
	defer bus.Close()
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))

	h, err := bus.Spawn(ctx, "quit", nil)
	require.NoError(t, err)

	m, err := bus.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.TagSpawnConfirm, m.Tag)
	m, err = bus.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.TagTaskExited, m.Tag)
	assert.Equal(t, h, m.Sender)

	// A program that said goodbye itself is not reported twice.
	h, err = bus.Spawn(ctx, "polite", nil)
	require.NoError(t, err)
	m, err = bus.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.TagTaskExited, m.Tag)
	assert.Equal(t, h, m.Sender)

	_, err = bus.Receive(100 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLocalReceiveTimeout(t *testing.T) {
	bus := NewLocal()
	defer bus.Close()
	require.NoError(t, bus.Start(context.Background()))

	start := time.Now()
	_, err := bus.Receive(30 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	_, err = bus.Receive(0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLocalSpawnErrors(t *testing.T) {
	bus := NewLocal()
	defer bus.Close()

	_, err := bus.Spawn(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, bus.Start(context.Background()))
	_, err = bus.Spawn(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownProgram)

	assert.ErrorIs(t, bus.Send(99, wire.TagStart, nil), ErrUnknownHandle)
}

func TestLocalReleaseDiscardsQueuedTelegrams(t *testing.T) {
	bus := NewLocal(WithProgram("echo", echoProgram))
	defer bus.Close()
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))

	_, err := bus.Spawn(ctx, "echo", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.boxes[bus.self]) > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Release())
	require.NoError(t, bus.Start(ctx))

	_, err = bus.Receive(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLocalCloseStopsPrograms(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	bus := NewLocal(WithProgram("block", func(ctx context.Context, ep Endpoint, args []string) error {
		defer wg.Done()
		<-ctx.Done()
		return nil
	}))
	require.NoError(t, bus.Start(context.Background()))
	_, err := bus.Spawn(context.Background(), "block", nil)
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	wg.Wait()

	_, err = bus.Receive(time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, bus.Close())
}

// goroutineLauncher runs prog in-process, dialing the hub exactly like a
// launched binary would.
type goroutineLauncher struct {
	prog Program
	mu   sync.Mutex
	envs [][]string
}

type goroutineProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *goroutineProcess) Kill() error { p.cancel(); return nil }
func (p *goroutineProcess) Wait() error { <-p.done; return nil }

func envValue(env []string, key string) string {
	for _, kv := range env {
		if strings.HasPrefix(kv, key+"=") {
			return strings.TrimPrefix(kv, key+"=")
		}
	}
	return ""
}

func (l *goroutineLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	l.envs = append(l.envs, spec.Env)
	l.mu.Unlock()

	self, _ := strconv.ParseUint(envValue(spec.Env, EnvHandle), 10, 32)
	parent, _ := strconv.ParseUint(envValue(spec.Env, EnvParent), 10, 32)

	pctx, cancel := context.WithCancel(context.Background())
	p := &goroutineProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		conn, err := Dial(pctx, envValue(spec.Env, EnvHubAddr), wire.Handle(self), wire.Handle(parent), envValue(spec.Env, EnvToken))
		if err != nil {
			return
		}
		defer conn.Close()
		_ = l.prog(pctx, conn, spec.Args)
	}()
	return p, nil
}

func TestHubSpawnHandshakeAndExit(t *testing.T) {
	launcher := &goroutineLauncher{prog: echoProgram}
	hub := NewHub("127.0.0.1:0", launcher)
	defer hub.Close()

	ctx := context.Background()
	require.NoError(t, hub.Start(ctx))
	require.NoError(t, hub.Start(ctx))

	h, err := hub.Spawn(ctx, "worker", []string{"--group", "3"})
	require.NoError(t, err)
	assert.Equal(t, HubHandle+1, h)

	m, err := hub.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.TagSpawnConfirm, m.Tag)
	assert.Equal(t, h, m.Sender)

	require.NoError(t, hub.Send(h, wire.TagFireNeurons, wire.EncodeNeuronIDs([]uint32{1, 2})))
	m, err = hub.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.TagFireNeurons, m.Tag)
	ids, err := wire.DecodeNeuronIDs(m.Payload)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, ids)

	require.NoError(t, hub.Send(h, wire.TagExit, nil))
	m, err = hub.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.TagTaskExited, m.Tag)

	require.Len(t, launcher.envs, 1)
	assert.Equal(t, hub.Addr(), envValue(launcher.envs[0], EnvHubAddr))
	assert.Equal(t, hub.Token(), envValue(launcher.envs[0], EnvToken))
}

func TestHubRoutesBetweenEndpoints(t *testing.T) {
	// The first worker forwards a telegram to handle 3, which reports it home.
	launcher := &goroutineLauncher{prog: func(ctx context.Context, ep Endpoint, args []string) error {
		if err := ep.Send(ep.Parent(), wire.TagSpawnConfirm, nil); err != nil {
			return err
		}
		for ctx.Err() == nil {
			m, err := ep.Receive(20 * time.Millisecond)
			if err != nil {
				continue
			}
			switch m.Tag {
			case wire.TagStart:
				_ = ep.Send(ep.Self()+1, wire.TagInfo, wire.EncodeText("hi"))
			case wire.TagInfo:
				_ = ep.Send(ep.Parent(), wire.TagInfo, m.Payload)
			}
		}
		return nil
	}}
	hub := NewHub("127.0.0.1:0", launcher)
	defer hub.Close()

	ctx := context.Background()
	require.NoError(t, hub.Start(ctx))

	first, err := hub.Spawn(ctx, "w", nil)
	require.NoError(t, err)
	second, err := hub.Spawn(ctx, "w", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		m, err := hub.Receive(2 * time.Second)
		require.NoError(t, err)
		require.Equal(t, wire.TagSpawnConfirm, m.Tag)
	}

	require.NoError(t, hub.Send(first, wire.TagStart, nil))
	m, err := hub.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.TagInfo, m.Tag)
	assert.Equal(t, second, m.Sender)
}

func TestHubRejectsBadToken(t *testing.T) {
	hub := NewHub("127.0.0.1:0", &goroutineLauncher{prog: echoProgram}, WithHelloTimeout(time.Second))
	defer hub.Close()
	require.NoError(t, hub.Start(context.Background()))

	conn, err := Dial(context.Background(), hub.Addr(), 2, HubHandle, "wrong")
	require.NoError(t, err)
	defer conn.Close()

	// The hub drops the connection, which closes the client's inbox.
	_, err = conn.Receive(2 * time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHubReleaseKillsUnconnectedProcesses(t *testing.T) {
	var killed sync.WaitGroup
	killed.Add(1)
	launcher := LauncherFunc(func(ctx context.Context, spec LaunchSpec) (Process, error) {
		return &goroutineProcess{cancel: killed.Done, done: make(chan struct{})}, nil
	})
	hub := NewHub("127.0.0.1:0", launcher)
	defer hub.Close()
	require.NoError(t, hub.Start(context.Background()))

	_, err := hub.Spawn(context.Background(), "silent", nil)
	require.NoError(t, err)

	require.NoError(t, hub.Release())
	killed.Wait()

	_, err = hub.Spawn(context.Background(), "silent", nil)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestHubForgetsExitedProcesses(t *testing.T) {
	hub := NewHub("127.0.0.1:0", &goroutineLauncher{prog: echoProgram})
	defer hub.Close()
	ctx := context.Background()
	require.NoError(t, hub.Start(ctx))

	h, err := hub.Spawn(ctx, "worker", nil)
	require.NoError(t, err)
	m, err := hub.Receive(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.TagSpawnConfirm, m.Tag)

	require.NoError(t, hub.Send(h, wire.TagExit, nil))
	m, err = hub.Receive(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.TagTaskExited, m.Tag)

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.procs[h]
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, hub.Kill(h), ErrUnknownHandle)
}

func TestHubReportsDroppedConnection(t *testing.T) {
	hub := NewHub("127.0.0.1:0", &goroutineLauncher{prog: confirmAndQuit})
	defer hub.Close()
	ctx := context.Background()
	require.NoError(t, hub.Start(ctx))

	h, err := hub.Spawn(ctx, "worker", nil)
	require.NoError(t, err)

	m, err := hub.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.TagSpawnConfirm, m.Tag)

	m, err = hub.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.TagTaskExited, m.Tag)
	assert.Equal(t, h, m.Sender)
}
