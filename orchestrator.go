package spikenet

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/everydev1618/spikenet/transport"
)

const maxRecordedErrors = 100

// Orchestrator brings a simulation up across one worker per neuron group,
// relays control commands while it runs, and tears everything down again.
type Orchestrator struct {
	transport transport.Transport
	edges     EdgeSource
	groups    GroupAssignmentStore
	logger    *slog.Logger
	broker    *EventBroker

	// Configuration
	handshakeTimeout time.Duration
	receiveTimeout   time.Duration
	maxLoadDuration  time.Duration
	pollSlice        time.Duration
	cleanupTimeout   time.Duration
	archiverTimeout  time.Duration
	workerProgram    string
	workerArgs       []string
	archiverProgram  string
	archiverArgs     []string
	archiverDisabled bool
	archiveDSN       string
	monitorMode      MonitorMode
	firingColor      Color
	display          DisplaySink
	onProgress       []func(Progress)

	registry        *WorkerRegistry
	saveWeights     *AckTracker
	loadWeights     *AckTracker
	saveViewWeights *AckTracker
	loading         *AckTracker

	mu            sync.RWMutex
	state         LifecycleState
	simulating    bool
	archiving     bool
	network       NetworkID
	groupIDs      []GroupID
	archiver      WorkerHandle
	synth         *ReciprocitySynthesizer
	loopDone      chan struct{}
	initErrors    []string
	runErrors     []string
	cleanupErrors []string
	simError      bool
	simErrorMsg   string

	monitorMu    sync.RWMutex
	neuronSinks  map[NeuronKey]PlotSink
	synapseSinks map[SynapseKey]PlotSink

	cleanupMu sync.Mutex
	stop      atomic.Bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// NewOrchestrator creates an idle orchestrator that spawns workers over t
// and reads topology from the given stores.
func NewOrchestrator(t transport.Transport, edges EdgeSource, groups GroupAssignmentStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		transport:        t,
		edges:            edges,
		groups:           groups,
		logger:           slog.Default(),
		broker:           NewEventBroker(),
		handshakeTimeout: 30 * time.Second,
		receiveTimeout:   5 * time.Second,
		maxLoadDuration:  2 * time.Minute,
		pollSlice:        200 * time.Millisecond,
		cleanupTimeout:   30 * time.Second,
		archiverTimeout:  10 * time.Second,
		workerProgram:    "worker",
		archiverProgram:  "archiver",
		firingColor:      DefaultFiringColor,
		registry:         NewWorkerRegistry(),
		saveWeights:      NewAckTracker("save_weights"),
		loadWeights:      NewAckTracker("load_weights"),
		saveViewWeights:  NewAckTracker("save_view_weights"),
		loading:          NewAckTracker("loading"),
		neuronSinks:      make(map[NeuronKey]PlotSink),
		synapseSinks:     make(map[SynapseKey]PlotSink),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithHandshakeTimeout bounds the wait for each spawn confirmation.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.handshakeTimeout = d
	}
}

// WithReceiveTimeout sets how long one receive in the running loop blocks.
// It also bounds how quickly Destroy is noticed.
func WithReceiveTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.receiveTimeout = d
	}
}

// WithMaxLoadDuration bounds the wait for every worker to finish loading.
func WithMaxLoadDuration(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.maxLoadDuration = d
	}
}

// WithPollSlice sets the slice used for bounded waits so cancellation is
// observed promptly.
func WithPollSlice(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.pollSlice = d
	}
}

// WithCleanupTimeout bounds the wait for workers to confirm exit.
func WithCleanupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.cleanupTimeout = d
	}
}

// WithArchiverTimeout bounds the wait for the archiver to confirm exit.
func WithArchiverTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.archiverTimeout = d
	}
}

// WithWorkerProgram sets the program spawned for each group. The args come
// before the per-group arguments.
func WithWorkerProgram(program string, args ...string) Option {
	return func(o *Orchestrator) {
		o.workerProgram = program
		o.workerArgs = args
	}
}

// WithArchiverProgram sets the program spawned as the archiver.
func WithArchiverProgram(program string, args ...string) Option {
	return func(o *Orchestrator) {
		o.archiverProgram = program
		o.archiverArgs = args
	}
}

// WithoutArchiver skips spawning the archiver.
func WithoutArchiver() Option {
	return func(o *Orchestrator) {
		o.archiverDisabled = true
	}
}

// WithArchiveDatabase is passed to the archiver as the database to write to.
func WithArchiveDatabase(dsn string) Option {
	return func(o *Orchestrator) {
		o.archiveDSN = dsn
	}
}

// WithMonitorMode selects what the archiver records.
func WithMonitorMode(m MonitorMode) Option {
	return func(o *Orchestrator) {
		o.monitorMode = m
	}
}

// WithDisplaySink receives firing colors while the simulation runs.
func WithDisplaySink(s DisplaySink) Option {
	return func(o *Orchestrator) {
		o.display = s
	}
}

// WithFiringColor sets the color given to neurons that fired.
func WithFiringColor(c Color) Option {
	return func(o *Orchestrator) {
		o.firingColor = c
	}
}

// WithProgress registers a callback for initialisation progress.
func WithProgress(fn func(Progress)) Option {
	return func(o *Orchestrator) {
		o.onProgress = append(o.onProgress, fn)
	}
}

// State returns the lifecycle state.
func (o *Orchestrator) State() LifecycleState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// IsInitialised reports whether workers are live and the receive loop runs.
func (o *Orchestrator) IsInitialised() bool {
	s := o.State()
	return s == StateRunning || s == StateStepped
}

// IsRunning reports whether the simulation is advancing continuously.
func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.simulating
}

// IsArchiving reports whether firing data is forwarded to the archiver.
func (o *Orchestrator) IsArchiving() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.archiving
}

// SimulationError reports whether a worker or the transport failed while
// running. It stays set until the next Initialize.
func (o *Orchestrator) SimulationError() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.simError
}

// SimulationErrorMessage returns the first recorded simulation error.
func (o *Orchestrator) SimulationErrorMessage() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.simErrorMsg
}

// InitErrors returns the messages recorded by the last Initialize.
func (o *Orchestrator) InitErrors() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.initErrors...)
}

// RunErrors returns non-fatal errors recorded while running.
func (o *Orchestrator) RunErrors() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.runErrors...)
}

// CleanupErrors returns the errors recorded by the last cleanup.
func (o *Orchestrator) CleanupErrors() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.cleanupErrors...)
}

// Workers returns a copy of the group to worker mapping.
func (o *Orchestrator) Workers() map[GroupID]WorkerHandle {
	return o.registry.Snapshot()
}

// Archiver returns the archiver handle, or NoWorker.
func (o *Orchestrator) Archiver() WorkerHandle {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.archiver
}

// Network returns the network of the current or last simulation.
func (o *Orchestrator) Network() NetworkID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.network
}

// Events returns the broker that simulation events are published on.
func (o *Orchestrator) Events() *EventBroker {
	return o.broker
}

// Status is a point-in-time summary of the orchestrator.
type Status struct {
	State         string                   `json:"state"`
	Network       NetworkID                `json:"network"`
	Running       bool                     `json:"running"`
	Archiving     bool                     `json:"archiving"`
	Workers       map[GroupID]WorkerHandle `json:"workers"`
	Archiver      WorkerHandle             `json:"archiver"`
	Error         string                   `json:"error,omitempty"`
	InitErrors    []string                 `json:"init_errors,omitempty"`
	RunErrors     []string                 `json:"run_errors,omitempty"`
	CleanupErrors []string                 `json:"cleanup_errors,omitempty"`
}

// Status returns a snapshot of the orchestrator.
func (o *Orchestrator) Status() Status {
	workers := o.registry.Snapshot()

	o.mu.RLock()
	defer o.mu.RUnlock()

	return Status{
		State:         o.state.String(),
		Network:       o.network,
		Running:       o.simulating,
		Archiving:     o.archiving,
		Workers:       workers,
		Archiver:      o.archiver,
		Error:         o.simErrorMsg,
		InitErrors:    append([]string(nil), o.initErrors...),
		RunErrors:     append([]string(nil), o.runErrors...),
		CleanupErrors: append([]string(nil), o.cleanupErrors...),
	}
}

func (o *Orchestrator) setState(s LifecycleState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.broker.Publish(Event{Type: EventState, State: s.String()})
}

func (o *Orchestrator) reportProgress(phase string, done, total int) {
	p := Progress{Phase: phase, Done: done, Total: total}
	for _, fn := range o.onProgress {
		fn(p)
	}
	o.broker.Publish(Event{Type: EventProgress, Progress: &p})
}

func (o *Orchestrator) addInitError(err error) {
	o.logger.Error("initialisation error", "error", err)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.initErrors = appendCapped(o.initErrors, err.Error())
}

func (o *Orchestrator) addRunError(err error) {
	o.logger.Warn("simulation error", "error", err)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runErrors = appendCapped(o.runErrors, err.Error())
}

// recordSimError sets the sticky simulation error. Only the first message is
// kept; later ones are logged.
func (o *Orchestrator) recordSimError(group GroupID, msg string) {
	o.mu.Lock()
	first := !o.simError
	if first {
		o.simError = true
		o.simErrorMsg = msg
	}
	o.mu.Unlock()

	if first {
		o.logger.Error("simulation error", "group", group, "message", msg)
	} else {
		o.logger.Warn("further simulation error", "group", group, "message", msg)
	}
	o.broker.Publish(Event{Type: EventWorkerError, Group: group, Message: msg})
}

func appendCapped(s []string, v string) []string {
	if len(s) >= maxRecordedErrors {
		return s
	}
	return append(s, v)
}
