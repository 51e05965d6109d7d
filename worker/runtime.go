// Package worker is the runtime of a worker process. It speaks the
// orchestrator's protocol on a transport endpoint and drives a Model that
// simulates one neuron group.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/everydev1618/spikenet/transport"
	"github.com/everydev1618/spikenet/wire"
)

const (
	idlePoll    = 100 * time.Millisecond
	minStepTime = time.Millisecond
)

// Runtime runs one worker.
type Runtime struct {
	ep       transport.Endpoint
	model    Model
	settings Settings
	logger   *slog.Logger

	running      bool
	reportFiring bool
	minStep      time.Duration
	lastStep     time.Time
	tick         uint32
	neuronWatch  map[uint32]struct{}
	synapseWatch map[wire.MonitorKey]struct{}
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// New creates a runtime for model on ep.
func New(ep transport.Endpoint, model Model, s Settings, opts ...Option) *Runtime {
	r := &Runtime{
		ep:           ep,
		model:        model,
		settings:     s,
		logger:       slog.Default(),
		reportFiring: true,
		minStep:      minStepTime,
		neuronWatch:  make(map[uint32]struct{}),
		synapseWatch: make(map[wire.MonitorKey]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("group", s.Group)
	return r
}

// Program adapts the runtime to a transport program. newModel builds the
// model for the parsed settings.
func Program(newModel func(Settings) Model, opts ...Option) transport.Program {
	return func(ctx context.Context, ep transport.Endpoint, args []string) error {
		s, err := ParseArgs(args)
		if err != nil {
			_ = ep.Send(ep.Parent(), wire.TagError, wire.EncodeText(err.Error()))
			return err
		}
		return New(ep, newModel(s), s, opts...).Run(ctx)
	}
}

// Run confirms the spawn and serves telegrams until Exit arrives or ctx ends.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.ep.Send(r.ep.Parent(), wire.TagSpawnConfirm, nil); err != nil {
		return fmt.Errorf("confirm spawn: %w", err)
	}
	r.logger.Debug("worker started", "network", r.settings.Network)

	for ctx.Err() == nil {
		m, err := r.ep.Receive(r.wait())
		switch {
		case errors.Is(err, transport.ErrTimeout):
		case err != nil:
			return err
		default:
			exit, err := r.handle(m)
			if err != nil {
				return err
			}
			if exit {
				r.logger.Debug("worker exiting")
				return r.send(wire.TagTaskExited, nil)
			}
		}

		if r.running && time.Since(r.lastStep) >= r.minStep {
			if err := r.step(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runtime) wait() time.Duration {
	if !r.running {
		return idlePoll
	}
	if d := r.minStep - time.Since(r.lastStep); d > 0 {
		return d
	}
	return 0
}

// handle processes one telegram. It reports whether the worker should exit.
func (r *Runtime) handle(m wire.Message) (bool, error) {
	switch m.Tag {
	case wire.TagExit:
		return true, nil

	case wire.TagLoadData:
		data, err := wire.DecodeLoadData(m.Payload)
		if err != nil {
			return false, r.fail("decode load data", err)
		}
		if err := r.model.Load(data); err != nil {
			return false, r.fail("load", err)
		}
		r.logger.Debug("loaded", "input", data.Mode)
		return false, r.send(wire.TagLoadingComplete, nil)

	case wire.TagStart:
		r.running = true
	case wire.TagStop:
		r.running = false
	case wire.TagStep:
		r.running = false
		return false, r.step()

	case wire.TagSaveWeights:
		return false, r.acknowledge(r.model.SaveWeights, "save weights", wire.TagWeightsSaved)
	case wire.TagLoadWeights:
		return false, r.acknowledge(r.model.LoadWeights, "load weights", wire.TagWeightsLoaded)
	case wire.TagSaveViewWeights:
		return false, r.acknowledge(r.model.SaveViewWeights, "save view weights", wire.TagViewWeightsSaved)

	case wire.TagMonitorOn:
		r.reportFiring = true
	case wire.TagMonitorOff:
		r.reportFiring = false

	case wire.TagMonitorNeuronStart:
		key, err := wire.DecodeMonitorKey(m.Payload)
		if err != nil {
			return false, r.fail("decode monitor key", err)
		}
		names, _, ok := r.model.NeuronVariables(key.From)
		if !ok {
			return false, r.fail("monitor neuron", fmt.Errorf("neuron %d is not in group %d", key.From, r.settings.Group))
		}
		r.neuronWatch[key.From] = struct{}{}
		return false, r.send(wire.TagMonitorNeuronInfo, wire.MonitorInfo{Key: key, Variables: names}.Encode())
	case wire.TagMonitorNeuronStop:
		key, err := wire.DecodeMonitorKey(m.Payload)
		if err == nil {
			delete(r.neuronWatch, key.From)
		}

	case wire.TagMonitorSynapseStart:
		key, err := wire.DecodeMonitorKey(m.Payload)
		if err != nil {
			return false, r.fail("decode monitor key", err)
		}
		names, _, ok := r.model.SynapseVariables(key.From, key.To)
		if !ok {
			return false, r.fail("monitor synapse", fmt.Errorf("no synapse %d->%d in group %d", key.From, key.To, r.settings.Group))
		}
		r.synapseWatch[key] = struct{}{}
		return false, r.send(wire.TagMonitorSynapseInfo, wire.MonitorInfo{Key: key, Variables: names}.Encode())
	case wire.TagMonitorSynapseStop:
		key, err := wire.DecodeMonitorKey(m.Payload)
		if err == nil {
			delete(r.synapseWatch, key)
		}

	case wire.TagInjectNoise:
		percent, err := wire.DecodeFloat64(m.Payload)
		if err != nil {
			return false, r.fail("decode noise", err)
		}
		r.model.InjectNoise(percent)

	case wire.TagFireNeurons:
		ids, err := wire.DecodeNeuronIDs(m.Payload)
		if err != nil {
			return false, r.fail("decode neurons", err)
		}
		r.model.Fire(ids)

	case wire.TagSetMinTimestep:
		us, err := wire.DecodeUint32(m.Payload)
		if err != nil {
			return false, r.fail("decode timestep", err)
		}
		r.minStep = max(time.Duration(us)*time.Microsecond, minStepTime)

	default:
		r.logger.Debug("ignoring telegram", "tag", m.Tag, "sender", m.Sender)
	}
	return false, nil
}

// step advances the model and reports firing and monitored variables.
func (r *Runtime) step() error {
	r.tick++
	r.lastStep = time.Now()

	spikes, err := r.model.Step(r.tick)
	if err != nil {
		return r.fail("step", err)
	}

	if r.reportFiring && len(spikes) > 0 {
		s := wire.Spikes{Tick: r.tick, Spikes: spikes}
		if r.settings.Mode == "spikes" {
			err = r.send(wire.TagSpikes, s.Encode())
		} else {
			err = r.send(wire.TagFiringNeurons, wire.Firing{Tick: r.tick, Neurons: s.Neurons()}.Encode())
		}
		if err != nil {
			return err
		}
	}

	t := float64(r.tick)
	for n := range r.neuronWatch {
		_, values, ok := r.model.NeuronVariables(n)
		if !ok {
			continue
		}
		data := wire.MonitorData{Key: wire.MonitorKey{From: n}, Time: t, Values: values}
		if err := r.send(wire.TagMonitorNeuronData, data.Encode()); err != nil {
			return err
		}
	}
	for key := range r.synapseWatch {
		_, values, ok := r.model.SynapseVariables(key.From, key.To)
		if !ok {
			continue
		}
		data := wire.MonitorData{Key: key, Time: t, Values: values}
		if err := r.send(wire.TagMonitorSynapseData, data.Encode()); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) acknowledge(op func() error, name string, ack wire.Tag) error {
	if err := op(); err != nil {
		return r.fail(name, err)
	}
	return r.send(ack, nil)
}

// fail reports err to the orchestrator. Only a closed endpoint is returned.
func (r *Runtime) fail(op string, err error) error {
	r.logger.Warn("worker error", "op", op, "error", err)
	return r.send(wire.TagError, wire.EncodeText(fmt.Sprintf("%s: %v", op, err)))
}

// send delivers a telegram to the orchestrator. A telegram that cannot be
// delivered is logged and reported with an Error telegram, and the worker
// carries on. Only transport.ErrClosed is returned.
func (r *Runtime) send(tag wire.Tag, payload []byte) error {
	err := r.ep.Send(r.ep.Parent(), tag, payload)
	if err == nil || errors.Is(err, transport.ErrClosed) {
		return err
	}
	r.logger.Warn("send failed", "tag", tag.String(), "error", err)
	if tag == wire.TagError {
		return nil
	}
	report := wire.EncodeText(fmt.Sprintf("send %s: %v", tag, err))
	if err := r.ep.Send(r.ep.Parent(), wire.TagError, report); errors.Is(err, transport.ErrClosed) {
		return err
	}
	return nil
}
