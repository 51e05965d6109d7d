package spikenet

import (
	"fmt"
	"strings"

	"github.com/everydev1618/spikenet/wire"
)

// NetworkID identifies a network in the collaborator store.
type NetworkID uint32

// GroupID identifies a neuron group. Each group is simulated by one worker.
type GroupID uint32

// NeuronID identifies a neuron. Neuron IDs are unique across a network.
type NeuronID uint32

// WorkerHandle is the bus handle of a spawned worker.
type WorkerHandle = wire.Handle

// NoWorker is the sentinel stored for groups that have no live worker.
const NoWorker WorkerHandle = wire.NoHandle

// VirtualTag marks edges created only to give every group an inbound partner.
const VirtualTag = "virtual"

// Edge is a connection between two neuron groups.
type Edge struct {
	From GroupID
	To   GroupID
	Tag  string
}

// Virtual reports whether e was synthesized for reciprocity.
func (e Edge) Virtual() bool {
	return e.Tag == VirtualTag
}

func (e Edge) String() string {
	if e.Virtual() {
		return fmt.Sprintf("%d->%d (virtual)", e.From, e.To)
	}
	return fmt.Sprintf("%d->%d", e.From, e.To)
}

// Color is an RGBA color with components in [0,1].
type Color struct {
	R, G, B, A float32
}

// DefaultFiringColor is used to highlight neurons that fired.
var DefaultFiringColor = Color{R: 1, G: 0, B: 0, A: 1}

// MonitorMode selects what the archiver records.
type MonitorMode int

const (
	// MonitorFiringNeurons records which neurons fired each tick.
	MonitorFiringNeurons MonitorMode = iota
	// MonitorSpikes records individual spikes with sub-tick timing.
	MonitorSpikes
)

func (m MonitorMode) String() string {
	switch m {
	case MonitorFiringNeurons:
		return "firing_neurons"
	case MonitorSpikes:
		return "spikes"
	default:
		return "unknown"
	}
}

// ParseMonitorMode parses the names produced by MonitorMode.String.
func ParseMonitorMode(s string) (MonitorMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "firing_neurons", "firing-neurons", "firing":
		return MonitorFiringNeurons, nil
	case "spikes":
		return MonitorSpikes, nil
	default:
		return 0, fmt.Errorf("unknown monitor mode %q", s)
	}
}

// LifecycleState is the orchestrator's state.
type LifecycleState int

const (
	StateIdle LifecycleState = iota
	StateInitializing
	StateRunning
	StateStepped
	StateCleaningUp
)

func (s LifecycleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStepped:
		return "stepped"
	case StateCleaningUp:
		return "cleaning_up"
	default:
		return "unknown"
	}
}

// StartResult is the outcome of Initialize. Started and Cancelled are never
// both true; both false means the initialisation failed.
type StartResult struct {
	Started   bool
	Cancelled bool
}

// PatternInput drives a group from a stored pattern.
type PatternInput struct {
	PatternID           uint32
	TimeStepsPerPattern uint32
}

// DeviceInput drives a group from an external device.
type DeviceInput struct {
	DeviceID uint32
}

// InitRequest describes the simulation to bring up.
type InitRequest struct {
	NetworkID   NetworkID
	ArchiveName string

	PatternInputs     map[GroupID]PatternInput
	DeviceInputs      map[GroupID]DeviceInput
	DeviceFiringModes map[GroupID]int32

	// Params are passed to every worker as --param key=value.
	Params map[string]string
}

func (r InitRequest) validate() error {
	for g := range r.PatternInputs {
		if _, ok := r.DeviceInputs[g]; ok {
			return fmt.Errorf("group %d cannot be driven by both a pattern and a device", g)
		}
	}
	for g := range r.DeviceFiringModes {
		if _, ok := r.DeviceInputs[g]; !ok {
			return fmt.Errorf("group %d has a firing mode but no device", g)
		}
	}
	return nil
}

// loadData returns the LoadData variant for group g.
func (r InitRequest) loadData(g GroupID) wire.LoadData {
	if p, ok := r.PatternInputs[g]; ok {
		return wire.LoadData{
			Mode:                wire.PatternDriven,
			PatternID:           p.PatternID,
			TimeStepsPerPattern: p.TimeStepsPerPattern,
		}
	}
	if d, ok := r.DeviceInputs[g]; ok {
		return wire.LoadData{
			Mode:       wire.DeviceDriven,
			DeviceID:   d.DeviceID,
			FiringMode: r.DeviceFiringModes[g],
		}
	}
	return wire.LoadData{Mode: wire.NoInput}
}

// Progress reports how far Initialize has got.
type Progress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}
