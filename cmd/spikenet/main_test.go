package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/spikenet"
	"github.com/everydev1618/spikenet/config"
	"github.com/everydev1618/spikenet/store"
	"github.com/everydev1618/spikenet/transport"
	"github.com/everydev1618/spikenet/worker"
)

func setInputs(t *testing.T, archive string, patterns, devices []string) {
	t.Helper()
	runArchive, runPatterns, runDevices = archive, patterns, devices
	t.Cleanup(func() { runArchive, runPatterns, runDevices = "", nil, nil })
}

func TestInitRequestFromFlags(t *testing.T) {
	setInputs(t, "override", []string{"3=7:20"}, []string{"4=2:1", "5=9"})

	req, err := initRequest(2, "configured", map[string]string{"tau": "20"})
	require.NoError(t, err)

	assert.Equal(t, spikenet.NetworkID(2), req.NetworkID)
	assert.Equal(t, "override", req.ArchiveName)
	assert.Equal(t, map[string]string{"tau": "20"}, req.Params)
	assert.Equal(t, map[spikenet.GroupID]spikenet.PatternInput{
		3: {PatternID: 7, TimeStepsPerPattern: 20},
	}, req.PatternInputs)
	assert.Equal(t, map[spikenet.GroupID]spikenet.DeviceInput{
		4: {DeviceID: 2},
		5: {DeviceID: 9},
	}, req.DeviceInputs)
	assert.Equal(t, map[spikenet.GroupID]int32{4: 1}, req.DeviceFiringModes)
}

func TestInitRequestRejectsBadInputs(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		devices  []string
	}{
		{"pattern without steps", []string{"3=7"}, nil},
		{"pattern without group", []string{"7:20"}, nil},
		{"pattern bad group", []string{"x=7:20"}, nil},
		{"device bad id", nil, []string{"4=dev"}},
		{"device bad mode", nil, []string{"4=2:fast"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setInputs(t, "", tt.patterns, tt.devices)
			_, err := initRequest(1, "", nil)
			assert.Error(t, err)
		})
	}
}

func TestSeedWritesTopology(t *testing.T) {
	cfg := config.Default()
	cfg.NetworkID = 4
	cfg.Topology = config.TopologyConfig{
		Groups: []config.GroupConfig{{ID: 1, Name: "in"}, {ID: 2, Name: "out"}},
		Edges:  [][2]uint32{{1, 2}},
	}

	db := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, seed(ctx, db, cfg))

	groups, err := db.ListGroups(ctx, 4)
	require.NoError(t, err)
	assert.ElementsMatch(t, []spikenet.GroupID{1, 2}, groups)

	edges, err := db.ListEdges(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []spikenet.Edge{{From: 1, To: 2}}, edges)
}

func TestNeuronModelsUseTopology(t *testing.T) {
	cfg := config.Default()
	cfg.Topology.Groups = []config.GroupConfig{{ID: 3, Neurons: []uint32{30, 31}}}

	m := neuronModels(cfg)(worker.Settings{Group: 3})
	require.IsType(t, &worker.NullModel{}, m)
	assert.Equal(t, []uint32{30, 31}, m.(*worker.NullModel).Neurons)

	empty := neuronModels(cfg)(worker.Settings{Group: 9})
	assert.Empty(t, empty.(*worker.NullModel).Neurons)
}

func TestSubcommandArgs(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, []string{"worker", "--log-level", "info"}, subcommandArgs("worker", cfg))

	configPath = "/etc/spikenet.yaml"
	t.Cleanup(func() { configPath = "" })
	assert.Equal(t, []string{"archiver", "--log-level", "info", "--config", "/etc/spikenet.yaml"},
		subcommandArgs("archiver", cfg))
}

func TestInitialiseTreatsInterruptAsCleanExit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := transport.NewLocal(transport.WithLocalLogger(logger))
	defer bus.Close()
	db := store.NewMemory()
	orch := spikenet.NewOrchestrator(bus, db, db, spikenet.WithLogger(logger), spikenet.WithoutArchiver())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	started, err := initialise(ctx, orch, spikenet.InitRequest{NetworkID: 1})
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, spikenet.StateIdle, orch.State())

	started, err = initialise(context.Background(), orch, spikenet.InitRequest{NetworkID: 1})
	require.NoError(t, err)
	assert.True(t, started)

	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	require.NoError(t, orch.Destroy(dctx))
}
