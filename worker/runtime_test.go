package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/spikenet/transport"
	"github.com/everydev1618/spikenet/wire"
)

type failingModel struct {
	NullModel
}

func (failingModel) SaveWeights() error { return errors.New("disk full") }

func spawn(t *testing.T, model Model, args ...string) (*transport.Local, wire.Handle) {
	t.Helper()

	bus := transport.NewLocal(transport.WithProgram("worker", Program(func(Settings) Model { return model })))
	t.Cleanup(func() { bus.Close() })
	require.NoError(t, bus.Start(context.Background()))

	h, err := bus.Spawn(context.Background(), "worker", args)
	require.NoError(t, err)

	m := expect(t, bus, wire.TagSpawnConfirm)
	assert.Equal(t, h, m.Sender)
	return bus, h
}

func expect(t *testing.T, bus *transport.Local, tag wire.Tag) wire.Message {
	t.Helper()
	m, err := bus.Receive(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, tag, m.Tag, "got %s", m.Tag)
	return m
}

func TestParseArgs(t *testing.T) {
	s, err := ParseArgs([]string{"--network", "4", "--group", "9", "--mode", "spikes", "--param", "dt=0.5", "--param", "seed=7"})
	require.NoError(t, err)
	assert.Equal(t, uint32(4), s.Network)
	assert.Equal(t, uint32(9), s.Group)
	assert.Equal(t, "spikes", s.Mode)
	assert.Equal(t, map[string]string{"dt": "0.5", "seed": "7"}, s.Params)

	_, err = ParseArgs([]string{"--mode", "voltage"})
	assert.Error(t, err)

	_, err = ParseArgs([]string{"--param", "novalue"})
	assert.Error(t, err)
}

func TestWorkerLoadsAndFires(t *testing.T) {
	model := &NullModel{}
	bus, h := spawn(t, model, "--group", "2")

	load := wire.LoadData{Mode: wire.PatternDriven, PatternID: 3, TimeStepsPerPattern: 10}
	require.NoError(t, bus.Send(h, wire.TagLoadData, load.Encode()))
	expect(t, bus, wire.TagLoadingComplete)

	require.NoError(t, bus.Send(h, wire.TagFireNeurons, wire.EncodeNeuronIDs([]uint32{5, 6, 5})))
	require.NoError(t, bus.Send(h, wire.TagStep, nil))

	m := expect(t, bus, wire.TagFiringNeurons)
	f, err := wire.DecodeFiring(m.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), f.Tick)
	assert.Equal(t, []uint32{5, 6}, f.Neurons)

	require.NoError(t, bus.Send(h, wire.TagExit, nil))
	expect(t, bus, wire.TagTaskExited)
	assert.Equal(t, load, model.Loaded())
}

func TestWorkerSpikesMode(t *testing.T) {
	bus, h := spawn(t, &NullModel{}, "--mode", "spikes")

	require.NoError(t, bus.Send(h, wire.TagFireNeurons, wire.EncodeNeuronIDs([]uint32{8})))
	require.NoError(t, bus.Send(h, wire.TagStep, nil))

	m := expect(t, bus, wire.TagSpikes)
	s, err := wire.DecodeSpikes(m.Payload)
	require.NoError(t, err)
	assert.Equal(t, []uint32{8}, s.Neurons())
}

func TestWorkerMonitorOffSuppressesFiring(t *testing.T) {
	bus, h := spawn(t, &NullModel{})

	require.NoError(t, bus.Send(h, wire.TagMonitorOff, nil))
	require.NoError(t, bus.Send(h, wire.TagFireNeurons, wire.EncodeNeuronIDs([]uint32{1})))
	require.NoError(t, bus.Send(h, wire.TagStep, nil))
	require.NoError(t, bus.Send(h, wire.TagSaveWeights, nil))

	// The first telegram back is the acknowledgement, not a firing report.
	expect(t, bus, wire.TagWeightsSaved)
}

func TestWorkerAcknowledgesWeights(t *testing.T) {
	bus, h := spawn(t, &NullModel{})

	require.NoError(t, bus.Send(h, wire.TagSaveWeights, nil))
	expect(t, bus, wire.TagWeightsSaved)
	require.NoError(t, bus.Send(h, wire.TagLoadWeights, nil))
	expect(t, bus, wire.TagWeightsLoaded)
	require.NoError(t, bus.Send(h, wire.TagSaveViewWeights, nil))
	expect(t, bus, wire.TagViewWeightsSaved)
}

func TestWorkerReportsModelErrors(t *testing.T) {
	bus, h := spawn(t, &failingModel{})

	require.NoError(t, bus.Send(h, wire.TagSaveWeights, nil))
	m := expect(t, bus, wire.TagError)
	text, err := wire.DecodeText(m.Payload)
	require.NoError(t, err)
	assert.Contains(t, text, "disk full")
}

func TestWorkerMonitorsNeuron(t *testing.T) {
	bus, h := spawn(t, &NullModel{})

	require.NoError(t, bus.Send(h, wire.TagMonitorNeuronStart, wire.MonitorKey{From: 12}.Encode()))
	m := expect(t, bus, wire.TagMonitorNeuronInfo)
	info, err := wire.DecodeMonitorInfo(m.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), info.Key.From)
	assert.Equal(t, []string{"membrane_potential"}, info.Variables)

	require.NoError(t, bus.Send(h, wire.TagStep, nil))
	m = expect(t, bus, wire.TagMonitorNeuronData)
	data, err := wire.DecodeMonitorData(m.Payload)
	require.NoError(t, err)
	assert.Equal(t, 1.0, data.Time)
	assert.Len(t, data.Values, 1)

	require.NoError(t, bus.Send(h, wire.TagMonitorNeuronStop, wire.MonitorKey{From: 12}.Encode()))
	require.NoError(t, bus.Send(h, wire.TagStep, nil))
	require.NoError(t, bus.Send(h, wire.TagSaveWeights, nil))
	expect(t, bus, wire.TagWeightsSaved)
}

func TestWorkerRunsUntilStopped(t *testing.T) {
	model := &NullModel{}
	bus, h := spawn(t, model)

	require.NoError(t, bus.Send(h, wire.TagMonitorNeuronStart, wire.MonitorKey{From: 1}.Encode()))
	expect(t, bus, wire.TagMonitorNeuronInfo)

	require.NoError(t, bus.Send(h, wire.TagStart, nil))
	first := expect(t, bus, wire.TagMonitorNeuronData)
	second := expect(t, bus, wire.TagMonitorNeuronData)

	a, _ := wire.DecodeMonitorData(first.Payload)
	b, _ := wire.DecodeMonitorData(second.Payload)
	assert.Less(t, a.Time, b.Time)

	require.NoError(t, bus.Send(h, wire.TagStop, nil))
	require.NoError(t, bus.Send(h, wire.TagExit, nil))
	require.Eventually(t, func() bool {
		m, err := bus.Receive(10 * time.Millisecond)
		return err == nil && m.Tag == wire.TagTaskExited
	}, 2*time.Second, time.Millisecond)
}

func TestWorkerRejectsBadArgs(t *testing.T) {
	bus := transport.NewLocal(transport.WithProgram("worker", Program(NewNullModel)))
	defer bus.Close()
	require.NoError(t, bus.Start(context.Background()))

	_, err := bus.Spawn(context.Background(), "worker", []string{"--mode", "bogus"})
	require.NoError(t, err)
	expect(t, bus, wire.TagError)
}

// refusingEndpoint delivers telegrams from in and records what the worker
// sends. The first telegram tagged refuse fails with refuseErr.
type refusingEndpoint struct {
	in        chan wire.Message
	refuse    wire.Tag
	refuseErr error

	mu      sync.Mutex
	refused bool
	sent    []wire.Message
}

func (e *refusingEndpoint) Self() wire.Handle   { return 2 }
func (e *refusingEndpoint) Parent() wire.Handle { return 1 }
func (e *refusingEndpoint) Close() error        { return nil }

func (e *refusingEndpoint) Send(to wire.Handle, tag wire.Tag, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tag == e.refuse && !e.refused {
		e.refused = true
		return e.refuseErr
	}
	e.sent = append(e.sent, wire.Message{Tag: tag, Sender: 2, Dest: to, Payload: payload})
	return nil
}

func (e *refusingEndpoint) Receive(timeout time.Duration) (wire.Message, error) {
	select {
	case m := <-e.in:
		return m, nil
	case <-time.After(timeout):
		return wire.Message{}, transport.ErrTimeout
	}
}

func (e *refusingEndpoint) tags() []wire.Tag {
	e.mu.Lock()
	defer e.mu.Unlock()
	tags := make([]wire.Tag, 0, len(e.sent))
	for _, m := range e.sent {
		tags = append(tags, m.Tag)
	}
	return tags
}

func runWorker(ep transport.Endpoint) <-chan error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	done := make(chan error, 1)
	go func() {
		done <- New(ep, &NullModel{}, Settings{Group: 4}, WithLogger(logger)).Run(context.Background())
	}()
	return done
}

func TestWorkerSurvivesFullMailbox(t *testing.T) {
	ep := &refusingEndpoint{
		in:        make(chan wire.Message, 4),
		refuse:    wire.TagWeightsSaved,
		refuseErr: fmt.Errorf("%w: 1", transport.ErrMailboxFull),
	}
	done := runWorker(ep)

	ep.in <- wire.Message{Tag: wire.TagSaveWeights}
	ep.in <- wire.Message{Tag: wire.TagSaveWeights}
	ep.in <- wire.Message{Tag: wire.TagExit}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}

	assert.Equal(t, []wire.Tag{wire.TagSpawnConfirm, wire.TagError, wire.TagWeightsSaved, wire.TagTaskExited}, ep.tags())

	ep.mu.Lock()
	text, err := wire.DecodeText(ep.sent[1].Payload)
	ep.mu.Unlock()
	require.NoError(t, err)
	assert.Contains(t, text, "weights_saved")
}

func TestWorkerStopsOnClosedEndpoint(t *testing.T) {
	ep := &refusingEndpoint{
		in:        make(chan wire.Message, 4),
		refuse:    wire.TagWeightsSaved,
		refuseErr: transport.ErrClosed,
	}
	done := runWorker(ep)

	ep.in <- wire.Message{Tag: wire.TagSaveWeights}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("worker kept running on a closed endpoint")
	}
	assert.Equal(t, []wire.Tag{wire.TagSpawnConfirm}, ep.tags())
}
