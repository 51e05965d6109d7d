package serve

import (
	"time"

	"github.com/everydev1618/spikenet"
)

// --- API Request Types ---

// ToggleRequest switches a feature on or off.
type ToggleRequest struct {
	On bool `json:"on"`
}

// NoiseRequest is the body of POST /api/groups/{id}/noise.
type NoiseRequest struct {
	Percent float64 `json:"percent"`
}

// FireRequest is the body of POST /api/groups/{id}/fire.
type FireRequest struct {
	Neurons []spikenet.NeuronID `json:"neurons"`
}

// TimestepRequest is the body of POST /api/timestep.
type TimestepRequest struct {
	Microseconds int64 `json:"microseconds"`
}

// --- API Response Types ---

// StatusResponse is the orchestrator status plus server metadata.
type StatusResponse struct {
	spikenet.Status
	Uptime string `json:"uptime"`
}

// WeightsResponse reports which weight operations every worker acknowledged.
type WeightsResponse struct {
	Saved     bool `json:"saved"`
	Loaded    bool `json:"loaded"`
	ViewSaved bool `json:"view_saved"`
}

// RecordResponse is one archived firing record.
type RecordResponse struct {
	Group   uint32   `json:"group"`
	Tick    uint32   `json:"tick"`
	Neurons []uint32 `json:"neurons"`
}

// OKResponse acknowledges a command.
type OKResponse struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
