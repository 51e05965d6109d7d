package spikenet

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/everydev1618/spikenet/transport"
	"github.com/everydev1618/spikenet/wire"
)

var errWaitExpired = errors.New("wait expired")

// Initialize brings the simulation up. It synthesizes reciprocal edges,
// spawns and confirms one worker per neuron group, checks the persisted
// assignments, loads every worker and spawns the archiver. On success the
// receive loop is running and the orchestrator is in StateRunning.
//
// Any failure or cancellation of ctx tears down whatever was created before
// Initialize returns. Cancellation is reported as StartResult{Cancelled: true}
// with an error wrapping ErrCancelled.
func (o *Orchestrator) Initialize(ctx context.Context, req InitRequest) (StartResult, error) {
	if err := req.validate(); err != nil {
		return StartResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	o.mu.Lock()
	switch o.state {
	case StateIdle:
	case StateInitializing:
		o.mu.Unlock()
		return StartResult{}, ErrInitInProgress
	default:
		o.mu.Unlock()
		return StartResult{}, ErrAlreadyInitialised
	}
	o.state = StateInitializing
	o.network = req.NetworkID
	o.groupIDs = nil
	o.synth = nil
	o.simulating = false
	o.archiving = false
	o.initErrors = nil
	o.runErrors = nil
	o.cleanupErrors = nil
	o.simError = false
	o.simErrorMsg = ""
	o.mu.Unlock()

	// Acknowledgements from a previous simulation do not carry over.
	for _, t := range []*AckTracker{o.loading, o.saveWeights, o.loadWeights, o.saveViewWeights} {
		t.Reset()
	}
	o.stop.Store(false)
	o.broker.Publish(Event{Type: EventState, State: StateInitializing.String()})

	start := time.Now()
	o.logger.Info("initialising simulation", "network", req.NetworkID, "archive", req.ArchiveName)

	err := o.initialize(ctx, req)
	if err == nil {
		done := make(chan struct{})
		o.mu.Lock()
		o.loopDone = done
		o.mu.Unlock()

		o.setState(StateRunning)
		go o.receiveLoop(done)

		o.logger.Info("simulation initialised",
			"network", req.NetworkID,
			"workers", o.registry.Len(),
			"duration", time.Since(start),
		)
		return StartResult{Started: true}, nil
	}

	cancelled := errors.Is(err, ErrCancelled)
	if !cancelled && ctx.Err() != nil {
		cancelled = true
		err = fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if cancelled {
		o.logger.Info("initialisation cancelled", "network", req.NetworkID)
	} else {
		o.addInitError(err)
	}

	if cerr := o.cleanup(context.WithoutCancel(ctx)); cerr != nil {
		o.logger.Warn("cleanup after failed initialisation", "error", cerr)
	}

	if cancelled {
		return StartResult{Cancelled: true}, err
	}
	return StartResult{}, err
}

func (o *Orchestrator) initialize(ctx context.Context, req InitRequest) error {
	// Reciprocity and topology.
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	synth := NewReciprocitySynthesizer(o.edges, req.NetworkID, o.logger)
	o.mu.Lock()
	o.synth = synth
	o.mu.Unlock()

	if _, err := synth.Cleanup(ctx); err != nil {
		return err
	}
	if _, err := synth.Apply(ctx); err != nil {
		return err
	}
	groups, err := o.groups.ListGroups(ctx, req.NetworkID)
	if err != nil {
		return fmt.Errorf("list neuron groups: %w", err)
	}
	o.mu.Lock()
	o.groupIDs = groups
	o.mu.Unlock()
	o.reportProgress("reciprocity", 1, 1)

	// Transport.
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	if err := o.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	// Workers.
	for i, g := range groups {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		if err := o.spawnWorker(ctx, g, req); err != nil {
			return err
		}
		o.reportProgress("spawn", i+1, len(groups))
	}

	// Assignment cross-check.
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	if err := o.verifyAssignments(ctx, groups); err != nil {
		return err
	}

	// Data loading.
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	if err := o.loadWorkers(ctx, groups, req); err != nil {
		return err
	}

	// Archiver.
	if o.archiverDisabled {
		return nil
	}
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	if err := o.spawnArchiver(ctx, req); err != nil {
		return err
	}
	o.reportProgress("archiver", 1, 1)
	return nil
}

func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return nil
}

func (o *Orchestrator) spawnWorker(ctx context.Context, g GroupID, req InitRequest) error {
	h, err := o.transport.Spawn(ctx, o.workerProgram, o.workerArgv(g, req))
	if err != nil {
		return &WorkerError{Op: "spawn", Group: g, Err: err}
	}

	if err := o.awaitConfirm(ctx, h); err != nil {
		// The worker may still come up late; ask it to go away.
		_ = o.transport.Send(h, wire.TagExit, nil)
		if errors.Is(err, ErrCancelled) {
			return err
		}
		return &WorkerError{Op: "handshake", Group: g, Handle: h, Err: err}
	}

	if err := o.registry.Add(g, h); err != nil {
		return &WorkerError{Op: "register", Group: g, Handle: h, Err: err}
	}
	if err := o.groups.AssignWorker(ctx, g, h); err != nil {
		o.addInitError(&WorkerError{Op: "assign", Group: g, Handle: h, Err: err})
	}

	o.logger.Debug("worker confirmed", "group", g, "worker", h)
	return nil
}

func (o *Orchestrator) spawnArchiver(ctx context.Context, req InitRequest) error {
	h, err := o.transport.Spawn(ctx, o.archiverProgram, o.archiverArgv(req))
	if err != nil {
		return fmt.Errorf("spawn archiver: %w", err)
	}

	if err := o.awaitConfirm(ctx, h); err != nil {
		_ = o.transport.Send(h, wire.TagExit, nil)
		if errors.Is(err, ErrCancelled) {
			return err
		}
		return fmt.Errorf("archiver handshake: %w", err)
	}

	o.mu.Lock()
	o.archiver = h
	o.mu.Unlock()

	o.logger.Debug("archiver confirmed", "worker", h)
	return nil
}

// awaitConfirm waits for h to send SpawnConfirm.
func (o *Orchestrator) awaitConfirm(ctx context.Context, h WorkerHandle) error {
	err := o.await(ctx, o.handshakeTimeout, func(m wire.Message) (bool, error) {
		if m.Sender != h {
			return false, o.strayTelegram(m)
		}
		switch m.Tag {
		case wire.TagSpawnConfirm:
			return true, nil
		case wire.TagError:
			text, _ := wire.DecodeText(m.Payload)
			return false, fmt.Errorf("%w: %s", ErrWorkerReported, text)
		case wire.TagTaskExited:
			return false, ErrWorkerExited
		default:
			return false, o.strayTelegram(m)
		}
	})
	if errors.Is(err, errWaitExpired) {
		return ErrHandshakeTimeout
	}
	return err
}

func (o *Orchestrator) verifyAssignments(ctx context.Context, groups []GroupID) error {
	var mismatched []string
	for _, g := range groups {
		want, _ := o.registry.HandleOf(g)
		got, err := o.groups.WorkerFor(ctx, g)
		if err != nil {
			o.addInitError(&WorkerError{Op: "read assignment", Group: g, Handle: want, Err: err})
			mismatched = append(mismatched, fmt.Sprintf("group %d unreadable", g))
			continue
		}
		if got != want {
			mismatched = append(mismatched, fmt.Sprintf("group %d stored %d spawned %d", g, got, want))
		}
	}
	if len(mismatched) > 0 {
		return fmt.Errorf("%w: %s", ErrAssignmentMismatch, strings.Join(mismatched, "; "))
	}
	return nil
}

func (o *Orchestrator) loadWorkers(ctx context.Context, groups []GroupID, req InitRequest) error {
	handles := o.registry.Handles()
	total := len(handles)
	o.loading.Expect(handles)

	for _, g := range groups {
		h, _ := o.registry.HandleOf(g)
		if err := o.transport.Send(h, wire.TagLoadData, req.loadData(g).Encode()); err != nil {
			return &WorkerError{Op: "load", Group: g, Handle: h, Err: err}
		}
	}
	if o.loading.Done() {
		return nil
	}

	err := o.await(ctx, o.maxLoadDuration, func(m wire.Message) (bool, error) {
		if m.Tag != wire.TagLoadingComplete {
			return false, o.strayTelegram(m)
		}
		if o.loading.Ack(m.Sender) {
			o.reportProgress("load", total-len(o.loading.Pending()), total)
		}
		return o.loading.Done(), nil
	})
	if errors.Is(err, errWaitExpired) {
		var waiting []string
		for _, h := range o.loading.Pending() {
			g, _ := o.registry.GroupOf(h)
			waiting = append(waiting, strconv.FormatUint(uint64(g), 10))
		}
		return fmt.Errorf("%w: groups %s", ErrLoadTimeout, strings.Join(waiting, ","))
	}
	return err
}

// strayTelegram handles a telegram that arrives during initialisation but is
// not the one being waited for. Errors and exits from confirmed workers abort
// the initialisation.
func (o *Orchestrator) strayTelegram(m wire.Message) error {
	g, known := o.registry.GroupOf(m.Sender)

	switch m.Tag {
	case wire.TagError:
		text, _ := wire.DecodeText(m.Payload)
		if known {
			return &WorkerError{Op: "initialise", Group: g, Handle: m.Sender, Err: fmt.Errorf("%w: %s", ErrWorkerReported, text)}
		}
		o.logger.Warn("error from unregistered worker", "worker", m.Sender, "message", text)
	case wire.TagTaskExited:
		if known {
			return &WorkerError{Op: "initialise", Group: g, Handle: m.Sender, Err: ErrWorkerExited}
		}
		o.logger.Debug("unregistered worker exited", "worker", m.Sender)
	case wire.TagInfo:
		text, _ := wire.DecodeText(m.Payload)
		o.logger.Info("worker info", "group", g, "worker", m.Sender, "message", text)
	default:
		o.logger.Debug("ignoring telegram during initialisation", "tag", m.Tag, "worker", m.Sender)
	}
	return nil
}

// await receives telegrams in pollSlice steps until handle reports done,
// handle fails, ctx is cancelled or timeout passes.
func (o *Orchestrator) await(ctx context.Context, timeout time.Duration, handle func(wire.Message) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errWaitExpired
		}

		m, err := o.transport.Receive(min(o.pollSlice, remaining))
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		done, err := handle(m)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (o *Orchestrator) workerArgv(g GroupID, req InitRequest) []string {
	args := append([]string(nil), o.workerArgs...)
	args = append(args,
		"--network", strconv.FormatUint(uint64(req.NetworkID), 10),
		"--group", strconv.FormatUint(uint64(g), 10),
		"--mode", o.monitorMode.String(),
	)
	for _, k := range slices.Sorted(maps.Keys(req.Params)) {
		args = append(args, "--param", k+"="+req.Params[k])
	}
	return args
}

func (o *Orchestrator) archiverArgv(req InitRequest) []string {
	args := append([]string(nil), o.archiverArgs...)
	args = append(args,
		"--network", strconv.FormatUint(uint64(req.NetworkID), 10),
		"--mode", o.monitorMode.String(),
	)
	if req.ArchiveName != "" {
		args = append(args, "--archive", req.ArchiveName)
	}
	if o.archiveDSN != "" {
		args = append(args, "--db", o.archiveDSN)
	}
	return args
}
