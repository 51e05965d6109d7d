package spikenet

import (
	"context"
	"fmt"
	"log/slog"
)

// EdgeSource is the persistent edge table.
type EdgeSource interface {
	ListEdges(ctx context.Context, network NetworkID) ([]Edge, error)
	InsertEdge(ctx context.Context, network NetworkID, e Edge) error
	DeleteEdgesTagged(ctx context.Context, network NetworkID, tag string) (int, error)
}

// GroupAssignmentStore records which worker simulates each neuron group.
type GroupAssignmentStore interface {
	ListGroups(ctx context.Context, network NetworkID) ([]GroupID, error)
	WorkerFor(ctx context.Context, group GroupID) (WorkerHandle, error)
	AssignWorker(ctx context.Context, group GroupID, h WorkerHandle) error
}

// Reciprocate returns the virtual edges needed so that for every edge A->B
// there is also an edge B->A. Edges already present in either direction are
// never duplicated. Output order follows the input order.
func Reciprocate(edges []Edge) []Edge {
	type pair struct{ from, to GroupID }

	have := make(map[pair]struct{}, len(edges))
	for _, e := range edges {
		have[pair{e.From, e.To}] = struct{}{}
	}

	var out []Edge
	for _, e := range edges {
		rev := pair{e.To, e.From}
		if _, ok := have[rev]; ok {
			continue
		}
		have[rev] = struct{}{}
		out = append(out, Edge{From: e.To, To: e.From, Tag: VirtualTag})
	}
	return out
}

// ReciprocitySynthesizer adds and removes the virtual edges of one network.
type ReciprocitySynthesizer struct {
	edges   EdgeSource
	network NetworkID
	logger  *slog.Logger
}

// NewReciprocitySynthesizer binds a synthesizer to a network.
func NewReciprocitySynthesizer(edges EdgeSource, network NetworkID, logger *slog.Logger) *ReciprocitySynthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReciprocitySynthesizer{edges: edges, network: network, logger: logger}
}

// Apply inserts the missing reverse edges and returns them.
func (r *ReciprocitySynthesizer) Apply(ctx context.Context) ([]Edge, error) {
	existing, err := r.edges.ListEdges(ctx, r.network)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}

	added := Reciprocate(existing)
	for i, e := range added {
		if err := r.edges.InsertEdge(ctx, r.network, e); err != nil {
			return added[:i], fmt.Errorf("insert virtual edge %s: %w", e, err)
		}
	}

	if len(added) > 0 {
		r.logger.Info("added virtual edges", "network", r.network, "count", len(added))
	}
	return added, nil
}

// Cleanup deletes every virtual edge of the network. It is safe to call
// repeatedly.
func (r *ReciprocitySynthesizer) Cleanup(ctx context.Context) (int, error) {
	n, err := r.edges.DeleteEdgesTagged(ctx, r.network, VirtualTag)
	if err != nil {
		return n, fmt.Errorf("delete virtual edges: %w", err)
	}
	if n > 0 {
		r.logger.Info("removed virtual edges", "network", r.network, "count", n)
	}
	return n, nil
}
