// Package store persists networks, worker assignments and firing archives.
//
// SQLite is the durable implementation. Memory keeps everything in process
// and is used for demo networks and tests.
package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/everydev1618/spikenet"
	"github.com/everydev1618/spikenet/archiver"
)

// ArchiveInfo summarises one archive.
type ArchiveInfo struct {
	ID      string     `json:"id"`
	Network uint32     `json:"network"`
	Name    string     `json:"name"`
	Mode    string     `json:"mode"`
	Started time.Time  `json:"started"`
	Ended   *time.Time `json:"ended,omitempty"`
	Records int        `json:"records"`
}

// Store is everything the command line and HTTP API need from persistence.
type Store interface {
	spikenet.EdgeSource
	spikenet.GroupAssignmentStore
	archiver.Recorder

	AddGroup(ctx context.Context, network spikenet.NetworkID, g spikenet.GroupID, name string) error
	ListArchives(ctx context.Context, network spikenet.NetworkID) ([]ArchiveInfo, error)
	FiringRecords(ctx context.Context, archiveID string) ([]archiver.Record, error)
	Close() error
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Memory)(nil)
)

type memGroup struct {
	network spikenet.NetworkID
	name    string
	worker  spikenet.WorkerHandle
}

type memEdge struct {
	network spikenet.NetworkID
	edge    spikenet.Edge
}

// Memory is an in-process Store.
type Memory struct {
	mu       sync.RWMutex
	groups   map[spikenet.GroupID]*memGroup
	edges    []memEdge
	archives map[string]*ArchiveInfo
	firing   map[string][]archiver.Record
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		groups:   make(map[spikenet.GroupID]*memGroup),
		archives: make(map[string]*ArchiveInfo),
		firing:   make(map[string][]archiver.Record),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) AddGroup(ctx context.Context, network spikenet.NetworkID, g spikenet.GroupID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g]; ok {
		return fmt.Errorf("group %d already exists", g)
	}
	m.groups[g] = &memGroup{network: network, name: name}
	return nil
}

func (m *Memory) ListGroups(ctx context.Context, network spikenet.NetworkID) ([]spikenet.GroupID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []spikenet.GroupID
	for id, g := range m.groups {
		if g.network == network {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *Memory) WorkerFor(ctx context.Context, g spikenet.GroupID) (spikenet.WorkerHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grp, ok := m.groups[g]
	if !ok {
		return spikenet.NoWorker, fmt.Errorf("%w: %d", spikenet.ErrUnknownGroup, g)
	}
	return grp.worker, nil
}

func (m *Memory) AssignWorker(ctx context.Context, g spikenet.GroupID, h spikenet.WorkerHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	grp, ok := m.groups[g]
	if !ok {
		return fmt.Errorf("%w: %d", spikenet.ErrUnknownGroup, g)
	}
	grp.worker = h
	return nil
}

func (m *Memory) ListEdges(ctx context.Context, network spikenet.NetworkID) ([]spikenet.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []spikenet.Edge
	for _, e := range m.edges {
		if e.network == network {
			out = append(out, e.edge)
		}
	}
	return out, nil
}

func (m *Memory) InsertEdge(ctx context.Context, network spikenet.NetworkID, e spikenet.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges = append(m.edges, memEdge{network: network, edge: e})
	return nil
}

func (m *Memory) DeleteEdgesTagged(ctx context.Context, network spikenet.NetworkID, tag string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := len(m.edges)
	m.edges = slices.DeleteFunc(m.edges, func(e memEdge) bool {
		return e.network == network && e.edge.Tag == tag
	})
	return before - len(m.edges), nil
}

func (m *Memory) CreateArchive(ctx context.Context, a archiver.Archive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.archives[a.ID]; ok {
		return fmt.Errorf("archive %s already exists", a.ID)
	}
	m.archives[a.ID] = &ArchiveInfo{ID: a.ID, Network: a.Network, Name: a.Name, Mode: a.Mode, Started: a.Started}
	return nil
}

func (m *Memory) AppendFiring(ctx context.Context, archiveID string, recs []archiver.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.archives[archiveID]
	if !ok {
		return fmt.Errorf("unknown archive %s", archiveID)
	}
	for _, r := range recs {
		r.Neurons = slices.Clone(r.Neurons)
		m.firing[archiveID] = append(m.firing[archiveID], r)
	}
	a.Records += len(recs)
	return nil
}

func (m *Memory) CloseArchive(ctx context.Context, archiveID string, ended time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.archives[archiveID]
	if !ok {
		return fmt.Errorf("unknown archive %s", archiveID)
	}
	a.Ended = &ended
	return nil
}

func (m *Memory) ListArchives(ctx context.Context, network spikenet.NetworkID) ([]ArchiveInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ArchiveInfo
	for _, a := range m.archives {
		if a.Network == uint32(network) {
			out = append(out, *a)
		}
	}
	slices.SortFunc(out, func(a, b ArchiveInfo) int {
		return b.Started.Compare(a.Started)
	})
	return out, nil
}

func (m *Memory) FiringRecords(ctx context.Context, archiveID string) ([]archiver.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := slices.Clone(m.firing[archiveID])
	slices.SortStableFunc(out, func(a, b archiver.Record) int {
		return cmp.Compare(a.Tick, b.Tick)
	})
	return out, nil
}
