// Package wire defines the telegrams exchanged between the orchestrator and
// its worker processes, and the length-prefixed frame format that carries them.
package wire

import "fmt"

// Handle identifies an endpoint on the message bus.
type Handle uint32

// NoHandle is the invalid handle. It is never assigned to a live endpoint.
const NoHandle Handle = 0

// Valid reports whether h refers to an endpoint.
func (h Handle) Valid() bool {
	return h != NoHandle
}

// Tag identifies the kind of telegram.
type Tag uint16

const (
	TagInvalid Tag = iota

	// Transport
	TagHello

	// Handshake and diagnostics
	TagSpawnConfirm
	TagError
	TagInfo

	// Lifecycle
	TagStart
	TagStop
	TagStep
	TagExit
	TagTaskExited

	// Loading
	TagLoadData
	TagLoadingComplete

	// Weights
	TagSaveWeights
	TagWeightsSaved
	TagLoadWeights
	TagWeightsLoaded
	TagSaveViewWeights
	TagViewWeightsSaved

	// Monitoring
	TagMonitorNeuronStart
	TagMonitorNeuronStop
	TagMonitorNeuronInfo
	TagMonitorNeuronData
	TagMonitorSynapseStart
	TagMonitorSynapseStop
	TagMonitorSynapseInfo
	TagMonitorSynapseData
	TagMonitorOn
	TagMonitorOff
	TagSpikes
	TagFiringNeurons

	// Run-time control
	TagInjectNoise
	TagFireNeurons
	TagSetMinTimestep

	// Archiver
	TagStartArchiving
	TagStopArchiving
	TagArchiveFiring

	tagCount
)

var tagNames = [...]string{
	TagInvalid:             "invalid",
	TagHello:               "hello",
	TagSpawnConfirm:        "spawn_confirm",
	TagError:               "error",
	TagInfo:                "info",
	TagStart:               "start",
	TagStop:                "stop",
	TagStep:                "step",
	TagExit:                "exit",
	TagTaskExited:          "task_exited",
	TagLoadData:            "load_data",
	TagLoadingComplete:     "loading_complete",
	TagSaveWeights:         "save_weights",
	TagWeightsSaved:        "weights_saved",
	TagLoadWeights:         "load_weights",
	TagWeightsLoaded:       "weights_loaded",
	TagSaveViewWeights:     "save_view_weights",
	TagViewWeightsSaved:    "view_weights_saved",
	TagMonitorNeuronStart:  "monitor_neuron_start",
	TagMonitorNeuronStop:   "monitor_neuron_stop",
	TagMonitorNeuronInfo:   "monitor_neuron_info",
	TagMonitorNeuronData:   "monitor_neuron_data",
	TagMonitorSynapseStart: "monitor_synapse_start",
	TagMonitorSynapseStop:  "monitor_synapse_stop",
	TagMonitorSynapseInfo:  "monitor_synapse_info",
	TagMonitorSynapseData:  "monitor_synapse_data",
	TagMonitorOn:           "monitor_on",
	TagMonitorOff:          "monitor_off",
	TagSpikes:              "spikes",
	TagFiringNeurons:       "firing_neurons",
	TagInjectNoise:         "inject_noise",
	TagFireNeurons:         "fire_neurons",
	TagSetMinTimestep:      "set_min_timestep",
	TagStartArchiving:      "start_archiving",
	TagStopArchiving:       "stop_archiving",
	TagArchiveFiring:       "archive_firing",
}

// String returns the tag name.
func (t Tag) String() string {
	if t < tagCount {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(%d)", uint16(t))
}

// Known reports whether t is a tag this package understands.
func (t Tag) Known() bool {
	return t > TagInvalid && t < tagCount
}
