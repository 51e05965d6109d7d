package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/everydev1618/spikenet"
	"github.com/everydev1618/spikenet/serve"
)

const defaultServeAddr = "127.0.0.1:8080"

var (
	runServe     bool
	runArchive   string
	runArchiving bool
	runStart     bool
	runPatterns  []string
	runDevices   []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bring up a simulation and run it until interrupted",
	Long: `Run spawns one worker per neuron group of the configured network, loads
them, starts the archiver and then keeps the simulation up until it is
interrupted or every worker has gone away.

Inputs:
  --pattern 3=7:20     drive group 3 from pattern 7, 20 time steps per pattern
  --device 4=2:1       drive group 4 from device 2 with firing mode 1`,
	RunE: runSimulation,
}

func init() {
	runCmd.Flags().BoolVar(&runServe, "serve", false, "serve the HTTP API while the simulation runs (on serve.addr or "+defaultServeAddr+")")
	runCmd.Flags().StringVar(&runArchive, "archive", "", "archive name (overrides simulation.archive_name)")
	runCmd.Flags().BoolVar(&runArchiving, "archiving", false, "turn archiving on once initialised")
	runCmd.Flags().BoolVar(&runStart, "start", false, "start the simulation once initialised")
	runCmd.Flags().StringArrayVar(&runPatterns, "pattern", nil, "pattern input as group=pattern:steps (repeatable)")
	runCmd.Flags().StringArrayVar(&runDevices, "device", nil, "device input as group=device[:mode] (repeatable)")
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req, err := initRequest(cfg.NetworkID, cfg.Simulation.ArchiveName, cfg.Simulation.Params)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	b, err := openBus(ctx, cfg, st, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn("transport close failed", "error", err)
		}
	}()

	opts, err := orchestratorOptions(cfg, logger)
	if err != nil {
		return err
	}
	opts = append(opts, b.opts...)
	opts = append(opts, spikenet.WithProgress(func(p spikenet.Progress) {
		logger.Info("initialising", "phase", p.Phase, "done", p.Done, "total", p.Total)
	}))

	orch := spikenet.NewOrchestrator(b, st, st, opts...)
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), cfg.Simulation.CleanupTimeout+cfg.Simulation.ArchiverExitTimeout)
		defer cancel()
		if err := orch.Destroy(dctx); err != nil {
			logger.Warn("cleanup finished with errors", "error", err)
		}
	}()

	started, err := initialise(ctx, orch, req)
	if err != nil {
		return err
	}
	if !started {
		logger.Info("initialisation cancelled")
		return nil
	}

	if d := cfg.Simulation.MinTimestep; d > 0 {
		if err := orch.SetMinTimestepDuration(d); err != nil {
			return err
		}
	}
	if runArchiving || cfg.Simulation.Archive {
		if err := orch.SetArchiving(true); err != nil {
			return err
		}
	}
	if runStart {
		if err := orch.Start(); err != nil {
			return err
		}
	}

	addr := cfg.Serve.Addr
	if runServe && addr == "" {
		addr = defaultServeAddr
	}
	if addr != "" {
		srv := serve.New(orch, st, logger, serve.Config{Addr: addr})
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("api server failed", "error", err)
				stop()
			}
		}()
	}

	logger.Info("simulation up", "network", cfg.NetworkID, "workers", len(orch.Workers()))
	return waitForEnd(ctx, orch)
}

// initialise brings the simulation up. An interrupt before it is up is not
// an error: it reports false and a nil error.
func initialise(ctx context.Context, orch *spikenet.Orchestrator, req spikenet.InitRequest) (bool, error) {
	res, err := orch.Initialize(ctx, req)
	if res.Cancelled || errors.Is(err, spikenet.ErrCancelled) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("initialise: %w", err)
	}
	return res.Started, nil
}

// waitForEnd blocks until ctx ends or the orchestrator leaves the running
// states on its own.
func waitForEnd(ctx context.Context, orch *spikenet.Orchestrator) error {
	events := orch.Events().Subscribe()
	if events == nil {
		<-ctx.Done()
		return nil
	}
	defer orch.Events().Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type == spikenet.EventState && ev.State == spikenet.StateIdle.String() {
				if msg := orch.SimulationErrorMessage(); msg != "" {
					return errors.New(msg)
				}
				return nil
			}
		}
	}
}

// initRequest builds the request from the config and the --archive,
// --pattern and --device flags.
func initRequest(network uint32, archive string, params map[string]string) (spikenet.InitRequest, error) {
	req := spikenet.InitRequest{
		NetworkID:   spikenet.NetworkID(network),
		ArchiveName: archive,
		Params:      params,
	}
	if runArchive != "" {
		req.ArchiveName = runArchive
	}

	for _, p := range runPatterns {
		g, rest, err := splitInput(p)
		if err != nil {
			return req, err
		}
		id, steps, ok := strings.Cut(rest, ":")
		if !ok {
			return req, fmt.Errorf("pattern %q: want group=pattern:steps", p)
		}
		pid, err := parseUint32(id)
		if err != nil {
			return req, fmt.Errorf("pattern %q: %w", p, err)
		}
		n, err := parseUint32(steps)
		if err != nil {
			return req, fmt.Errorf("pattern %q: %w", p, err)
		}
		if req.PatternInputs == nil {
			req.PatternInputs = make(map[spikenet.GroupID]spikenet.PatternInput)
		}
		req.PatternInputs[g] = spikenet.PatternInput{PatternID: pid, TimeStepsPerPattern: n}
	}

	for _, d := range runDevices {
		g, rest, err := splitInput(d)
		if err != nil {
			return req, err
		}
		id, mode, hasMode := strings.Cut(rest, ":")
		did, err := parseUint32(id)
		if err != nil {
			return req, fmt.Errorf("device %q: %w", d, err)
		}
		if req.DeviceInputs == nil {
			req.DeviceInputs = make(map[spikenet.GroupID]spikenet.DeviceInput)
		}
		req.DeviceInputs[g] = spikenet.DeviceInput{DeviceID: did}
		if hasMode {
			m, err := strconv.ParseInt(mode, 10, 32)
			if err != nil {
				return req, fmt.Errorf("device %q: bad firing mode: %w", d, err)
			}
			if req.DeviceFiringModes == nil {
				req.DeviceFiringModes = make(map[spikenet.GroupID]int32)
			}
			req.DeviceFiringModes[g] = int32(m)
		}
	}
	return req, nil
}

func splitInput(s string) (spikenet.GroupID, string, error) {
	group, rest, ok := strings.Cut(s, "=")
	if !ok {
		return 0, "", fmt.Errorf("input %q: missing '='", s)
	}
	g, err := parseUint32(group)
	if err != nil {
		return 0, "", fmt.Errorf("input %q: %w", s, err)
	}
	return spikenet.GroupID(g), rest, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
