// Package archiver is the runtime of the archiver process. It receives the
// firing data the orchestrator forwards while archiving is on and writes it
// to a Recorder in batches.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/everydev1618/spikenet/transport"
	"github.com/everydev1618/spikenet/wire"
)

const (
	defaultBatchSize     = 256
	defaultFlushInterval = time.Second
)

// Archive describes one archiving run.
type Archive struct {
	ID      string
	Network uint32
	Name    string
	Mode    string
	Started time.Time
}

// Record is the set of neurons of one group that fired in one tick.
type Record struct {
	Group   uint32
	Tick    uint32
	Neurons []uint32
}

// Recorder persists archives.
type Recorder interface {
	CreateArchive(ctx context.Context, a Archive) error
	AppendFiring(ctx context.Context, archiveID string, recs []Record) error
	CloseArchive(ctx context.Context, archiveID string, ended time.Time) error
}

// Settings are the arguments the orchestrator spawns the archiver with.
type Settings struct {
	Network uint32
	Archive string
	Mode    string
	DB      string
}

// BindFlags registers the archiver flags on fs.
func (s *Settings) BindFlags(fs *pflag.FlagSet) {
	fs.Uint32Var(&s.Network, "network", 0, "network being simulated")
	fs.StringVar(&s.Archive, "archive", "", "archive name")
	fs.StringVar(&s.Mode, "mode", "firing_neurons", "what is archived: firing_neurons or spikes")
	fs.StringVar(&s.DB, "db", "", "database to write to")
}

// ParseArgs parses an archiver command line.
func ParseArgs(args []string) (Settings, error) {
	var s Settings
	fs := pflag.NewFlagSet("archiver", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	s.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Runtime runs the archiver.
type Runtime struct {
	ep       transport.Endpoint
	rec      Recorder
	settings Settings
	logger   *slog.Logger

	batchSize     int
	flushInterval time.Duration

	archiving bool
	archive   string
	buf       []Record
	written   int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithBatchSize sets how many records are buffered before a write.
func WithBatchSize(n int) Option {
	return func(r *Runtime) {
		r.batchSize = n
	}
}

// WithFlushInterval sets how long records may sit in the buffer.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Runtime) {
		r.flushInterval = d
	}
}

// New creates an archiver runtime.
func New(ep transport.Endpoint, rec Recorder, s Settings, opts ...Option) *Runtime {
	r := &Runtime{
		ep:            ep,
		rec:           rec,
		settings:      s,
		logger:        slog.Default(),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Program adapts the runtime to a transport program writing to rec.
func Program(rec Recorder, opts ...Option) transport.Program {
	return func(ctx context.Context, ep transport.Endpoint, args []string) error {
		s, err := ParseArgs(args)
		if err != nil {
			_ = ep.Send(ep.Parent(), wire.TagError, wire.EncodeText(err.Error()))
			return err
		}
		return New(ep, rec, s, opts...).Run(ctx)
	}
}

// Run confirms the spawn and archives until Exit arrives or ctx ends.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.send(wire.TagSpawnConfirm, nil); err != nil {
		return fmt.Errorf("confirm spawn: %w", err)
	}

	for ctx.Err() == nil {
		m, err := r.ep.Receive(r.flushInterval)
		if errors.Is(err, transport.ErrTimeout) {
			r.flush(ctx)
			continue
		}
		if err != nil {
			r.finish(context.WithoutCancel(ctx))
			return err
		}

		switch m.Tag {
		case wire.TagStartArchiving:
			r.start(ctx)
		case wire.TagStopArchiving:
			r.flush(ctx)
			r.archiving = false
		case wire.TagArchiveFiring:
			r.record(ctx, m.Payload)
		case wire.TagExit:
			r.finish(ctx)
			return r.send(wire.TagTaskExited, nil)
		default:
			r.logger.Debug("archiver ignoring telegram", "tag", m.Tag, "sender", m.Sender)
		}
	}

	r.finish(context.WithoutCancel(ctx))
	return nil
}

// Written returns the number of records written so far.
func (r *Runtime) Written() int {
	return r.written
}

func (r *Runtime) start(ctx context.Context) {
	r.archiving = true
	if r.archive != "" {
		return
	}

	name := r.settings.Archive
	if name == "" {
		name = "archive " + time.Now().Format(time.DateTime)
	}
	a := Archive{
		ID:      uuid.NewString(),
		Network: r.settings.Network,
		Name:    name,
		Mode:    r.settings.Mode,
		Started: time.Now(),
	}
	if err := r.rec.CreateArchive(ctx, a); err != nil {
		r.report("create archive", err)
		r.archiving = false
		return
	}
	r.archive = a.ID
	r.logger.Info("archiving started", "archive", a.ID, "name", a.Name)
}

func (r *Runtime) record(ctx context.Context, payload []byte) {
	if !r.archiving {
		return
	}
	a, err := wire.DecodeArchiveFiring(payload)
	if err != nil {
		r.report("decode firing", err)
		return
	}
	r.buf = append(r.buf, Record{Group: a.Group, Tick: a.Tick, Neurons: a.Neurons})
	if len(r.buf) >= r.batchSize {
		r.flush(ctx)
	}
}

func (r *Runtime) flush(ctx context.Context) {
	if len(r.buf) == 0 || r.archive == "" {
		return
	}
	batch := r.buf
	r.buf = nil
	if err := r.rec.AppendFiring(ctx, r.archive, batch); err != nil {
		r.report("append firing", err)
		return
	}
	r.written += len(batch)
}

func (r *Runtime) finish(ctx context.Context) {
	r.flush(ctx)
	r.archiving = false
	if r.archive == "" {
		return
	}
	if err := r.rec.CloseArchive(ctx, r.archive, time.Now()); err != nil {
		r.report("close archive", err)
	}
	r.logger.Info("archive closed", "archive", r.archive, "records", r.written)
	r.archive = ""
}

// report tells the orchestrator about a failure. The archiver keeps running.
func (r *Runtime) report(op string, err error) {
	r.logger.Warn("archiver error", "op", op, "error", err)
	_ = r.send(wire.TagError, wire.EncodeText(fmt.Sprintf("archiver %s: %v", op, err)))
}

func (r *Runtime) send(tag wire.Tag, payload []byte) error {
	return r.ep.Send(r.ep.Parent(), tag, payload)
}
