package serve

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/everydev1618/spikenet"
)

// --- Status Handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status: s.orch.Status(),
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleWeights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, WeightsResponse{
		Saved:     s.orch.WeightsSaved(),
		Loaded:    s.orch.WeightsLoaded(),
		ViewSaved: s.orch.ViewWeightsSaved(),
	})
}

// --- Control Handlers ---

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.command(w, "started", s.orch.Start())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.command(w, "stopped", s.orch.Stop())
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	s.command(w, "stepped", s.orch.Step())
}

func (s *Server) handleTimestep(w http.ResponseWriter, r *http.Request) {
	var req TimestepRequest
	if !decode(w, r, &req) {
		return
	}
	s.command(w, "timestep set", s.orch.SetMinTimestepDuration(time.Duration(req.Microseconds)*time.Microsecond))
}

func (s *Server) handleFiringMonitor(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if !decode(w, r, &req) {
		return
	}
	s.command(w, "firing monitor set", s.orch.SetFiringMonitor(req.On))
}

func (s *Server) handleArchiving(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if !decode(w, r, &req) {
		return
	}
	s.command(w, "archiving set", s.orch.SetArchiving(req.On))
}

func (s *Server) handleNoise(w http.ResponseWriter, r *http.Request) {
	g, ok := groupParam(w, r)
	if !ok {
		return
	}
	var req NoiseRequest
	if !decode(w, r, &req) {
		return
	}
	s.command(w, "noise injected", s.orch.InjectNoise(g, req.Percent))
}

func (s *Server) handleFire(w http.ResponseWriter, r *http.Request) {
	g, ok := groupParam(w, r)
	if !ok {
		return
	}
	var req FireRequest
	if !decode(w, r, &req) {
		return
	}
	s.command(w, "neurons fired", s.orch.FireNeurons(g, req.Neurons))
}

func (s *Server) handleWeightOp(w http.ResponseWriter, r *http.Request) {
	var err error
	switch op := r.PathValue("op"); op {
	case "save":
		err = s.orch.SaveWeights()
	case "load":
		err = s.orch.LoadWeights()
	case "save-view":
		err = s.orch.SaveViewWeights()
	default:
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown weight operation " + op})
		return
	}
	s.command(w, "requested", err)
}

// --- Archive Handlers ---

func (s *Server) handleListArchives(w http.ResponseWriter, r *http.Request) {
	if s.archives == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no archive store"})
		return
	}

	network := s.orch.Network()
	if v := r.URL.Query().Get("network"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid network"})
			return
		}
		network = spikenet.NetworkID(n)
	}

	list, err := s.archives.ListArchives(r.Context(), network)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if list == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleArchiveRecords(w http.ResponseWriter, r *http.Request) {
	if s.archives == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no archive store"})
		return
	}

	recs, err := s.archives.FiringRecords(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	resp := make([]RecordResponse, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, RecordResponse{Group: rec.Group, Tick: rec.Tick, Neurons: rec.Neurons})
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Helpers ---

// command writes the outcome of a control call.
func (s *Server) command(w http.ResponseWriter, status string, err error) {
	if err != nil {
		s.logger.Warn("api command failed", "status", status, "error", err)
		writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{Status: status, At: time.Now()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, spikenet.ErrNotInitialised),
		errors.Is(err, spikenet.ErrNoArchiver),
		errors.Is(err, spikenet.ErrInitInProgress):
		return http.StatusConflict
	case errors.Is(err, spikenet.ErrUnknownGroup):
		return http.StatusNotFound
	case errors.Is(err, spikenet.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func groupParam(w http.ResponseWriter, r *http.Request) (spikenet.GroupID, bool) {
	n, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid group id"})
		return 0, false
	}
	return spikenet.GroupID(n), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
