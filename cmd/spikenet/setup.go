package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/everydev1618/spikenet"
	"github.com/everydev1618/spikenet/archiver"
	"github.com/everydev1618/spikenet/config"
	"github.com/everydev1618/spikenet/store"
	"github.com/everydev1618/spikenet/transport"
	"github.com/everydev1618/spikenet/worker"
)

// containerProgram is the binary inside the worker image.
const containerProgram = "spikenet"

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger, err := config.NewLogger(os.Stderr, cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStore opens the configured database, or builds an in-memory store from
// the config's topology when no database is set.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database != "" {
		db, err := store.OpenSQLite(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database %s: %w", cfg.Database, err)
		}
		return db, nil
	}

	mem := store.NewMemory()
	if err := seed(ctx, mem, cfg); err != nil {
		return nil, err
	}
	return mem, nil
}

// seed writes the config's topology into s.
func seed(ctx context.Context, s store.Store, cfg *config.Config) error {
	network := spikenet.NetworkID(cfg.NetworkID)
	for _, g := range cfg.Topology.Groups {
		if err := s.AddGroup(ctx, network, spikenet.GroupID(g.ID), g.Name); err != nil {
			return fmt.Errorf("add group %d: %w", g.ID, err)
		}
	}
	for _, e := range cfg.Topology.Edges {
		edge := spikenet.Edge{From: spikenet.GroupID(e[0]), To: spikenet.GroupID(e[1])}
		if err := s.InsertEdge(ctx, network, edge); err != nil {
			return fmt.Errorf("add edge %s: %w", edge, err)
		}
	}
	return nil
}

// bus is the transport a run uses plus the orchestrator options that point
// it at the right programs.
type bus struct {
	transport.Transport
	opts  []spikenet.Option
	close func() error
}

func openBus(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) (*bus, error) {
	if cfg.Transport.Kind == "local" {
		models := neuronModels(cfg)
		local := transport.NewLocal(
			transport.WithLocalLogger(logger),
			transport.WithProgram("worker", worker.Program(models, worker.WithLogger(logger))),
			transport.WithProgram("archiver", archiver.Program(st, archiver.WithLogger(logger))),
		)
		return &bus{Transport: local, close: local.Close}, nil
	}

	var launcher transport.Launcher
	var closeLauncher func() error
	defaultProgram := ""

	switch cfg.Transport.Launcher {
	case "docker":
		var opts []transport.ContainerOption
		if cfg.Transport.Docker.Network != "" {
			opts = append(opts, transport.WithContainerNetwork(cfg.Transport.Docker.Network))
		}
		for _, m := range cfg.Transport.Docker.Mounts {
			src, dst, ok := strings.Cut(m, ":")
			if !ok {
				return nil, fmt.Errorf("mount %q is not source:target", m)
			}
			opts = append(opts, transport.WithContainerMount(src, dst))
		}
		cl, err := transport.NewContainerLauncher(ctx, cfg.Transport.Docker.Image, opts...)
		if err != nil {
			return nil, fmt.Errorf("docker launcher: %w", err)
		}
		if n, err := cl.RemoveStale(ctx); err != nil {
			logger.Warn("failed to remove stale worker containers", "error", err)
		} else if n > 0 {
			logger.Info("removed stale worker containers", "count", n)
		}
		launcher, closeLauncher = cl, cl.Close
		defaultProgram = containerProgram
	default:
		launcher = transport.NewExecLauncher()
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		defaultProgram = self
	}

	hub := transport.NewHub(cfg.Transport.Listen, launcher, transport.WithHubLogger(logger))

	sim := cfg.Simulation
	workerProg, workerArgs := sim.WorkerProgram, []string(nil)
	if workerProg == "" {
		workerProg, workerArgs = defaultProgram, subcommandArgs("worker", cfg)
	}
	archiverProg, archiverArgs := sim.ArchiverProgram, []string(nil)
	if archiverProg == "" {
		archiverProg, archiverArgs = defaultProgram, subcommandArgs("archiver", cfg)
	}

	return &bus{
		Transport: hub,
		opts: []spikenet.Option{
			spikenet.WithWorkerProgram(workerProg, workerArgs...),
			spikenet.WithArchiverProgram(archiverProg, archiverArgs...),
			spikenet.WithArchiveDatabase(cfg.Database),
		},
		close: func() error {
			err := hub.Close()
			if closeLauncher != nil {
				err = errors.Join(err, closeLauncher())
			}
			return err
		},
	}, nil
}

// subcommandArgs starts the command line of a child spawned from this
// executable. The child reads the same config file so workers see the
// topology.
func subcommandArgs(name string, cfg *config.Config) []string {
	args := []string{name, "--log-level", cfg.Logging.Level}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return args
}

// neuronModels returns the model factory for every worker. The neurons a
// group owns come from the seeded topology.
func neuronModels(cfg *config.Config) func(worker.Settings) worker.Model {
	neurons := make(map[uint32][]uint32, len(cfg.Topology.Groups))
	for _, g := range cfg.Topology.Groups {
		neurons[g.ID] = g.Neurons
	}
	return func(s worker.Settings) worker.Model {
		return &worker.NullModel{Neurons: neurons[s.Group]}
	}
}

func orchestratorOptions(cfg *config.Config, logger *slog.Logger) ([]spikenet.Option, error) {
	sim := cfg.Simulation
	mode, err := spikenet.ParseMonitorMode(sim.MonitorMode)
	if err != nil {
		return nil, err
	}
	return []spikenet.Option{
		spikenet.WithLogger(logger),
		spikenet.WithHandshakeTimeout(sim.HandshakeTimeout),
		spikenet.WithReceiveTimeout(sim.ReceiveTimeout),
		spikenet.WithMaxLoadDuration(sim.MaxLoadDuration),
		spikenet.WithPollSlice(sim.PollSlice),
		spikenet.WithCleanupTimeout(sim.CleanupTimeout),
		spikenet.WithArchiverTimeout(sim.ArchiverExitTimeout),
		spikenet.WithMonitorMode(mode),
	}, nil
}
