package spikenet

import (
	"context"
	"errors"
	"fmt"

	"github.com/everydev1618/spikenet/transport"
	"github.com/everydev1618/spikenet/wire"
)

// receiveLoop dispatches telegrams until Destroy sets the stop flag or a
// fatal error occurs. It always runs cleanup before closing done.
func (o *Orchestrator) receiveLoop(done chan struct{}) {
	defer close(done)

	o.logger.Debug("receive loop started")
	for !o.stop.Load() {
		m, err := o.transport.Receive(o.receiveTimeout)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			o.recordSimError(0, fmt.Sprintf("receive: %v", err))
			break
		}
		if fatal := o.dispatch(m); fatal {
			break
		}
	}

	if err := o.cleanup(context.Background()); err != nil {
		o.logger.Warn("cleanup after simulation", "error", err)
	}
	o.logger.Debug("receive loop stopped")
}

// dispatch handles one telegram from a worker or the archiver. It reports
// whether the telegram ends the simulation.
func (o *Orchestrator) dispatch(m wire.Message) bool {
	group, known := o.registry.GroupOf(m.Sender)

	switch m.Tag {
	case wire.TagFiringNeurons:
		f, err := wire.DecodeFiring(m.Payload)
		if err != nil {
			o.addRunError(&WorkerError{Op: "decode firing", Group: group, Handle: m.Sender, Err: err})
			return false
		}
		if known {
			o.handleFiring(m.Sender, group, f.Tick, f.Neurons)
		}

	case wire.TagSpikes:
		s, err := wire.DecodeSpikes(m.Payload)
		if err != nil {
			o.addRunError(&WorkerError{Op: "decode spikes", Group: group, Handle: m.Sender, Err: err})
			return false
		}
		if known {
			o.handleFiring(m.Sender, group, s.Tick, s.Neurons())
		}

	case wire.TagMonitorNeuronInfo, wire.TagMonitorSynapseInfo:
		info, err := wire.DecodeMonitorInfo(m.Payload)
		if err != nil {
			o.addRunError(&WorkerError{Op: "decode monitor info", Group: group, Handle: m.Sender, Err: err})
			return false
		}
		if vs, ok := o.monitorSink(m.Tag, group, info.Key).(VariableSink); ok {
			vs.SetVariables(info.Variables)
		}

	case wire.TagMonitorNeuronData, wire.TagMonitorSynapseData:
		data, err := wire.DecodeMonitorData(m.Payload)
		if err != nil {
			o.addRunError(&WorkerError{Op: "decode monitor data", Group: group, Handle: m.Sender, Err: err})
			return false
		}
		if sink := o.monitorSink(m.Tag, group, data.Key); sink != nil {
			sink.AddPoint(data.Time, data.Values)
		}
		typ := EventNeuronData
		if m.Tag == wire.TagMonitorSynapseData {
			typ = EventSynapseData
		}
		o.broker.Publish(Event{
			Type:    typ,
			Group:   group,
			Worker:  m.Sender,
			Neurons: []uint32{data.Key.From, data.Key.To},
			Time:    data.Time,
			Values:  data.Values,
		})

	case wire.TagWeightsSaved:
		o.ack(o.saveWeights, m.Sender)
	case wire.TagWeightsLoaded:
		o.ack(o.loadWeights, m.Sender)
	case wire.TagViewWeightsSaved:
		o.ack(o.saveViewWeights, m.Sender)

	case wire.TagError:
		text, _ := wire.DecodeText(m.Payload)
		o.recordSimError(group, fmt.Sprintf("%s: %s", o.describe(m.Sender), text))

	case wire.TagInfo:
		text, _ := wire.DecodeText(m.Payload)
		o.logger.Info("worker info", "group", group, "worker", m.Sender, "message", text)
		o.broker.Publish(Event{Type: EventWorkerInfo, Group: group, Worker: m.Sender, Message: text})

	case wire.TagTaskExited:
		return o.handleExit(m.Sender, group, known)

	case wire.TagSpawnConfirm, wire.TagLoadingComplete:
		o.logger.Debug("late telegram", "tag", m.Tag, "worker", m.Sender)

	default:
		o.logger.Warn("unexpected telegram", "tag", m.Tag, "worker", m.Sender)
	}
	return false
}

// handleFiring paints the display, publishes the firing and forwards it to
// the archiver while archiving is on.
func (o *Orchestrator) handleFiring(sender WorkerHandle, group GroupID, tick uint32, neurons []uint32) {
	if o.display != nil && len(neurons) > 0 {
		colors := make(map[NeuronID]Color, len(neurons))
		for _, n := range neurons {
			colors[NeuronID(n)] = o.firingColor
		}
		o.display.SetFiringColors(colors)
	}

	o.broker.Publish(Event{Type: EventFiring, Group: group, Worker: sender, Tick: tick, Neurons: neurons})

	o.mu.RLock()
	archiving, archiver := o.archiving, o.archiver
	o.mu.RUnlock()
	if !archiving || !archiver.Valid() {
		return
	}

	rec := wire.ArchiveFiring{Group: uint32(group), Tick: tick, Neurons: neurons}
	if err := o.transport.Send(archiver, wire.TagArchiveFiring, rec.Encode()); err != nil {
		o.addRunError(fmt.Errorf("forward firing of group %d to archiver: %w", group, err))
	}
}

// handleExit deals with a TaskExited that nobody asked for. A lost worker ends
// the simulation; a lost archiver only ends archiving.
func (o *Orchestrator) handleExit(sender WorkerHandle, group GroupID, known bool) bool {
	o.mu.Lock()
	isArchiver := sender == o.archiver && sender.Valid()
	if isArchiver {
		o.archiver = NoWorker
		o.archiving = false
	}
	o.mu.Unlock()

	switch {
	case isArchiver:
		o.addRunError(fmt.Errorf("archiver: %w", ErrWorkerExited))
		return false
	case known:
		o.recordSimError(group, fmt.Sprintf("group %d: %v", group, ErrWorkerExited))
		return true
	default:
		o.logger.Debug("unregistered worker exited", "worker", sender)
		return false
	}
}

func (o *Orchestrator) ack(t *AckTracker, sender WorkerHandle) {
	if !t.Ack(sender) {
		o.logger.Debug("unexpected acknowledgement", "op", t.Name(), "worker", sender)
		return
	}
	o.broker.Publish(Event{Type: EventAck, Worker: sender, Message: t.Name()})
	if t.Done() {
		o.logger.Info("all workers acknowledged", "op", t.Name())
	}
}

func (o *Orchestrator) monitorSink(tag wire.Tag, group GroupID, key wire.MonitorKey) PlotSink {
	o.monitorMu.RLock()
	defer o.monitorMu.RUnlock()

	switch tag {
	case wire.TagMonitorNeuronInfo, wire.TagMonitorNeuronData:
		return o.neuronSinks[NeuronKey{Group: group, Neuron: NeuronID(key.From)}]
	default:
		return o.synapseSinks[SynapseKey{From: NeuronID(key.From), To: NeuronID(key.To)}]
	}
}

func (o *Orchestrator) describe(h WorkerHandle) string {
	if g, ok := o.registry.GroupOf(h); ok {
		return fmt.Sprintf("group %d", g)
	}
	if h == o.Archiver() {
		return "archiver"
	}
	return fmt.Sprintf("worker %d", h)
}
