package spikenet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/everydev1618/spikenet/wire"
)

// AckOp names an operation whose completion is tracked per worker.
type AckOp int

const (
	OpSaveWeights AckOp = iota
	OpLoadWeights
	OpSaveViewWeights
)

func (op AckOp) String() string {
	switch op {
	case OpSaveWeights:
		return "save_weights"
	case OpLoadWeights:
		return "load_weights"
	case OpSaveViewWeights:
		return "save_view_weights"
	default:
		return "unknown"
	}
}

func (o *Orchestrator) requireInitialised() error {
	if !o.IsInitialised() {
		return ErrNotInitialised
	}
	return nil
}

// broadcast sends one telegram to every worker. Failures are recorded and
// joined; the remaining workers are still addressed.
func (o *Orchestrator) broadcast(tag wire.Tag, payload []byte) error {
	var errs []error
	for _, h := range o.registry.Handles() {
		if err := o.transport.Send(h, tag, payload); err != nil {
			g, _ := o.registry.GroupOf(h)
			werr := &WorkerError{Op: tag.String(), Group: g, Handle: h, Err: err}
			o.addRunError(werr)
			errs = append(errs, werr)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) sendTo(g GroupID, tag wire.Tag, payload []byte) error {
	if err := o.requireInitialised(); err != nil {
		return err
	}
	h, ok := o.registry.HandleOf(g)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownGroup, g)
	}
	if err := o.transport.Send(h, tag, payload); err != nil {
		werr := &WorkerError{Op: tag.String(), Group: g, Handle: h, Err: err}
		o.addRunError(werr)
		return werr
	}
	return nil
}

// Start runs the simulation continuously.
func (o *Orchestrator) Start() error {
	if err := o.requireInitialised(); err != nil {
		return err
	}
	if err := o.broadcast(wire.TagStart, nil); err != nil {
		return err
	}

	o.mu.Lock()
	o.simulating = true
	o.mu.Unlock()
	o.setState(StateRunning)
	o.logger.Info("simulation started")
	return nil
}

// Stop pauses the simulation. Workers stay loaded.
func (o *Orchestrator) Stop() error {
	if err := o.requireInitialised(); err != nil {
		return err
	}
	err := o.broadcast(wire.TagStop, nil)

	o.mu.Lock()
	o.simulating = false
	o.mu.Unlock()
	o.setState(StateRunning)
	o.logger.Info("simulation stopped")
	return err
}

// Step advances the simulation by one time step.
func (o *Orchestrator) Step() error {
	if err := o.requireInitialised(); err != nil {
		return err
	}
	if err := o.broadcast(wire.TagStep, nil); err != nil {
		return err
	}

	o.mu.Lock()
	o.simulating = false
	o.mu.Unlock()
	o.setState(StateStepped)
	return nil
}

// InjectNoise makes the given percentage of the group's neurons fire.
func (o *Orchestrator) InjectNoise(g GroupID, percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: noise %v%% outside [0,100]", ErrInvalidInput, percent)
	}
	return o.sendTo(g, wire.TagInjectNoise, wire.EncodeFloat64(percent))
}

// FireNeurons makes the listed neurons of the group fire.
func (o *Orchestrator) FireNeurons(g GroupID, neurons []NeuronID) error {
	ids := make([]uint32, len(neurons))
	for i, n := range neurons {
		ids[i] = uint32(n)
	}
	return o.sendTo(g, wire.TagFireNeurons, wire.EncodeNeuronIDs(ids))
}

// SetMinTimestepDuration sets the minimum wall-clock duration of one step.
func (o *Orchestrator) SetMinTimestepDuration(d time.Duration) error {
	if err := o.requireInitialised(); err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("%w: negative timestep %v", ErrInvalidInput, d)
	}
	if d.Microseconds() > math.MaxUint32 {
		return fmt.Errorf("%w: timestep %v does not fit in 32 bits of microseconds", ErrInvalidInput, d)
	}
	return o.broadcast(wire.TagSetMinTimestep, wire.EncodeUint32(uint32(d.Microseconds())))
}

// SetFiringMonitor turns firing reports from the workers on or off.
func (o *Orchestrator) SetFiringMonitor(on bool) error {
	if err := o.requireInitialised(); err != nil {
		return err
	}
	tag := wire.TagMonitorOff
	if on {
		tag = wire.TagMonitorOn
	}
	return o.broadcast(tag, nil)
}

// SetArchiving turns forwarding of firing data to the archiver on or off.
func (o *Orchestrator) SetArchiving(on bool) error {
	if err := o.requireInitialised(); err != nil {
		return err
	}
	archiver := o.Archiver()
	if !archiver.Valid() {
		return ErrNoArchiver
	}

	tag := wire.TagStopArchiving
	if on {
		tag = wire.TagStartArchiving
	}
	if err := o.transport.Send(archiver, tag, nil); err != nil {
		err = fmt.Errorf("%s: %w", tag, err)
		o.addRunError(err)
		return err
	}

	o.mu.Lock()
	o.archiving = on
	o.mu.Unlock()
	return nil
}

// StartNeuronMonitor asks the group's worker to report a neuron's variables
// to sink.
func (o *Orchestrator) StartNeuronMonitor(g GroupID, neuron NeuronID, sink PlotSink) error {
	key := NeuronKey{Group: g, Neuron: neuron}

	o.monitorMu.Lock()
	o.neuronSinks[key] = sink
	o.monitorMu.Unlock()

	err := o.sendTo(g, wire.TagMonitorNeuronStart, wire.MonitorKey{From: uint32(neuron)}.Encode())
	if err != nil {
		o.monitorMu.Lock()
		delete(o.neuronSinks, key)
		o.monitorMu.Unlock()
	}
	return err
}

// StopNeuronMonitor ends a neuron monitor.
func (o *Orchestrator) StopNeuronMonitor(g GroupID, neuron NeuronID) error {
	o.monitorMu.Lock()
	delete(o.neuronSinks, NeuronKey{Group: g, Neuron: neuron})
	o.monitorMu.Unlock()

	return o.sendTo(g, wire.TagMonitorNeuronStop, wire.MonitorKey{From: uint32(neuron)}.Encode())
}

// StartSynapseMonitor asks the group's worker to report a synapse's
// variables to sink.
func (o *Orchestrator) StartSynapseMonitor(g GroupID, from, to NeuronID, sink PlotSink) error {
	key := SynapseKey{From: from, To: to}

	o.monitorMu.Lock()
	o.synapseSinks[key] = sink
	o.monitorMu.Unlock()

	err := o.sendTo(g, wire.TagMonitorSynapseStart, wire.MonitorKey{From: uint32(from), To: uint32(to)}.Encode())
	if err != nil {
		o.monitorMu.Lock()
		delete(o.synapseSinks, key)
		o.monitorMu.Unlock()
	}
	return err
}

// StopSynapseMonitor ends a synapse monitor.
func (o *Orchestrator) StopSynapseMonitor(g GroupID, from, to NeuronID) error {
	o.monitorMu.Lock()
	delete(o.synapseSinks, SynapseKey{From: from, To: to})
	o.monitorMu.Unlock()

	return o.sendTo(g, wire.TagMonitorSynapseStop, wire.MonitorKey{From: uint32(from), To: uint32(to)}.Encode())
}

// SaveWeights asks every worker to persist its weights. Completion is
// reported by WeightsSaved.
func (o *Orchestrator) SaveWeights() error {
	return o.broadcastTracked(o.saveWeights, wire.TagSaveWeights)
}

// LoadWeights asks every worker to reload its weights. Completion is
// reported by WeightsLoaded.
func (o *Orchestrator) LoadWeights() error {
	return o.broadcastTracked(o.loadWeights, wire.TagLoadWeights)
}

// SaveViewWeights asks every worker to persist the weights shown in the
// view. Completion is reported by ViewWeightsSaved.
func (o *Orchestrator) SaveViewWeights() error {
	return o.broadcastTracked(o.saveViewWeights, wire.TagSaveViewWeights)
}

func (o *Orchestrator) broadcastTracked(t *AckTracker, tag wire.Tag) error {
	if err := o.requireInitialised(); err != nil {
		return err
	}
	err := t.Broadcast(o.transport, o.registry, tag, nil)
	if err != nil {
		o.addRunError(err)
	}
	return err
}

// WeightsSaved reports whether every worker acknowledged the last SaveWeights.
func (o *Orchestrator) WeightsSaved() bool { return o.saveWeights.Done() }

// WeightsLoaded reports whether every worker acknowledged the last LoadWeights.
func (o *Orchestrator) WeightsLoaded() bool { return o.loadWeights.Done() }

// ViewWeightsSaved reports whether every worker acknowledged the last
// SaveViewWeights.
func (o *Orchestrator) ViewWeightsSaved() bool { return o.saveViewWeights.Done() }

// Await blocks until every worker has acknowledged the most recent op.
func (o *Orchestrator) Await(ctx context.Context, op AckOp) error {
	switch op {
	case OpSaveWeights:
		return o.saveWeights.Await(ctx)
	case OpLoadWeights:
		return o.loadWeights.Await(ctx)
	case OpSaveViewWeights:
		return o.saveViewWeights.Await(ctx)
	default:
		return fmt.Errorf("%w: ack op %d", ErrInvalidInput, op)
	}
}
