package spikenet

// DisplaySink receives the colors of neurons that fired during a tick.
type DisplaySink interface {
	SetFiringColors(colors map[NeuronID]Color)
}

// DisplaySinkFunc adapts a function to DisplaySink.
type DisplaySinkFunc func(colors map[NeuronID]Color)

func (f DisplaySinkFunc) SetFiringColors(colors map[NeuronID]Color) { f(colors) }

// PlotSink receives samples from a neuron or synapse monitor.
type PlotSink interface {
	AddPoint(t float64, values []float64)
}

// PlotSinkFunc adapts a function to PlotSink.
type PlotSinkFunc func(t float64, values []float64)

func (f PlotSinkFunc) AddPoint(t float64, values []float64) { f(t, values) }

// VariableSink is implemented by plot sinks that want the names of the
// monitored variables before the first sample arrives.
type VariableSink interface {
	SetVariables(names []string)
}

// NeuronKey identifies a neuron monitor.
type NeuronKey struct {
	Group  GroupID
	Neuron NeuronID
}

// SynapseKey identifies a synapse monitor.
type SynapseKey struct {
	From NeuronID
	To   NeuronID
}
