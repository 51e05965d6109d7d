package spikenet

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReciprocate(t *testing.T) {
	tests := []struct {
		name  string
		edges []Edge
		want  []Edge
	}{
		{"empty", nil, nil},
		{
			name:  "single edge",
			edges: []Edge{{From: 1, To: 2}},
			want:  []Edge{{From: 2, To: 1, Tag: VirtualTag}},
		},
		{
			name:  "already reciprocal",
			edges: []Edge{{From: 1, To: 2}, {From: 2, To: 1}},
		},
		{
			name:  "duplicate edges",
			edges: []Edge{{From: 1, To: 2}, {From: 1, To: 2}},
			want:  []Edge{{From: 2, To: 1, Tag: VirtualTag}},
		},
		{
			name:  "self loop",
			edges: []Edge{{From: 4, To: 4}},
		},
		{
			name:  "chain",
			edges: []Edge{{From: 1, To: 2}, {From: 2, To: 3}, {From: 3, To: 2}},
			want:  []Edge{{From: 2, To: 1, Tag: VirtualTag}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reciprocate(tt.edges))
		})
	}
}

func TestReciprocateRandomGraphs(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	type pair struct{ from, to GroupID }

	for round := 0; round < 200; round++ {
		n := rng.IntN(30)
		edges := make([]Edge, n)
		for i := range edges {
			edges[i] = Edge{From: GroupID(rng.IntN(8) + 1), To: GroupID(rng.IntN(8) + 1)}
		}

		added := Reciprocate(edges)

		have := make(map[pair]bool)
		for _, e := range edges {
			have[pair{e.From, e.To}] = true
		}
		seen := make(map[pair]bool)
		for _, e := range added {
			p := pair{e.From, e.To}
			assert.True(t, e.Virtual())
			assert.False(t, have[p], "round %d: %s already existed", round, e)
			assert.False(t, seen[p], "round %d: %s added twice", round, e)
			seen[p] = true
		}

		all := make(map[pair]bool)
		for p := range have {
			all[p] = true
		}
		for p := range seen {
			all[p] = true
		}
		for p := range all {
			assert.True(t, all[pair{p.to, p.from}], "round %d: %d->%d has no partner", round, p.from, p.to)
		}

		assert.Equal(t, added, Reciprocate(edges), "deterministic")
	}
}
