package worker

import (
	"math/rand/v2"

	"github.com/everydev1618/spikenet/wire"
)

// Model is the numerical simulation of one neuron group. The runtime calls it
// from a single goroutine.
type Model interface {
	// Load prepares the group for the given input source.
	Load(data wire.LoadData) error

	// Step advances one time step and returns the spikes it produced.
	Step(tick uint32) ([]wire.Spike, error)

	// InjectNoise makes percent of the group's neurons fire on the next step.
	InjectNoise(percent float64)

	// Fire makes the given neurons fire on the next step.
	Fire(neurons []uint32)

	SaveWeights() error
	SaveViewWeights() error
	LoadWeights() error

	// NeuronVariables returns the names and current values of a neuron's
	// monitored variables. ok is false for neurons outside the group.
	NeuronVariables(neuron uint32) (names []string, values []float64, ok bool)

	// SynapseVariables is NeuronVariables for the synapse from -> to.
	SynapseVariables(from, to uint32) (names []string, values []float64, ok bool)
}

// NullModel has no dynamics. Neurons fire only when told to, which is enough
// to exercise the protocol end to end.
type NullModel struct {
	// Neurons lists the group's neurons; InjectNoise picks from them.
	Neurons []uint32

	pending []uint32
	loaded  wire.LoadData
}

// NewNullModel builds a NullModel; it matches the factory Program expects.
func NewNullModel(Settings) Model {
	return &NullModel{}
}

func (m *NullModel) Load(data wire.LoadData) error {
	m.loaded = data
	return nil
}

// Loaded returns the input the model was last loaded with.
func (m *NullModel) Loaded() wire.LoadData {
	return m.loaded
}

func (m *NullModel) Step(tick uint32) ([]wire.Spike, error) {
	if len(m.pending) == 0 {
		return nil, nil
	}
	spikes := make([]wire.Spike, len(m.pending))
	for i, n := range m.pending {
		spikes[i] = wire.Spike{Neuron: n}
	}
	m.pending = m.pending[:0]
	return spikes, nil
}

func (m *NullModel) InjectNoise(percent float64) {
	for _, n := range m.Neurons {
		if rand.Float64()*100 < percent {
			m.pending = append(m.pending, n)
		}
	}
}

func (m *NullModel) Fire(neurons []uint32) {
	m.pending = append(m.pending, neurons...)
}

func (m *NullModel) SaveWeights() error     { return nil }
func (m *NullModel) SaveViewWeights() error { return nil }
func (m *NullModel) LoadWeights() error     { return nil }

func (m *NullModel) NeuronVariables(neuron uint32) ([]string, []float64, bool) {
	return []string{"membrane_potential"}, []float64{0}, true
}

func (m *NullModel) SynapseVariables(from, to uint32) ([]string, []float64, bool) {
	return []string{"weight"}, []float64{0}, true
}
