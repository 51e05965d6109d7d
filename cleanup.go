package spikenet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/everydev1618/spikenet/wire"
)

// Destroy stops the receive loop and waits for it to finish tearing the
// simulation down. Without a running loop it performs the teardown itself,
// so calling it on an idle orchestrator is harmless.
func (o *Orchestrator) Destroy(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateInitializing {
		o.mu.Unlock()
		return ErrInitInProgress
	}
	done := o.loopDone
	o.loopDone = nil
	o.mu.Unlock()

	if done == nil {
		return o.cleanup(ctx)
	}

	o.stop.Store(true)
	select {
	case <-done:
	case <-ctx.Done():
		o.mu.Lock()
		if o.loopDone == nil {
			o.loopDone = done
		}
		o.mu.Unlock()
		return ctx.Err()
	}

	if msgs := o.CleanupErrors(); len(msgs) > 0 {
		return fmt.Errorf("cleanup: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// cleanup tears down everything Initialize created. Every step runs even if
// an earlier one failed. Running it again on a torn down orchestrator leaves
// the same end state.
func (o *Orchestrator) cleanup(ctx context.Context) error {
	o.cleanupMu.Lock()
	defer o.cleanupMu.Unlock()

	o.mu.Lock()
	o.simulating = false
	o.archiving = false
	synth := o.synth
	groups := append([]GroupID(nil), o.groupIDs...)
	archiver := o.archiver
	o.mu.Unlock()
	o.setState(StateCleaningUp)

	var errs []error

	// Workers.
	pending := make(map[WorkerHandle]struct{})
	for _, h := range o.registry.Handles() {
		if err := o.transport.Send(h, wire.TagExit, nil); err != nil {
			g, _ := o.registry.GroupOf(h)
			errs = append(errs, &WorkerError{Op: "exit", Group: g, Handle: h, Err: err})
			continue
		}
		pending[h] = struct{}{}
	}
	errs = append(errs, o.awaitExits(pending, o.cleanupTimeout)...)

	// Virtual edges.
	if synth != nil {
		if _, err := synth.Cleanup(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	// Persisted assignments.
	for _, g := range groups {
		if err := o.groups.AssignWorker(ctx, g, NoWorker); err != nil {
			errs = append(errs, &WorkerError{Op: "reset assignment", Group: g, Err: err})
		}
	}

	// Archiver.
	if archiver.Valid() {
		if err := o.transport.Send(archiver, wire.TagExit, nil); err != nil {
			errs = append(errs, fmt.Errorf("stop archiver: %w", err))
		} else {
			errs = append(errs, o.awaitExits(map[WorkerHandle]struct{}{archiver: {}}, o.archiverTimeout)...)
		}
	}

	o.registry.Clear()
	o.monitorMu.Lock()
	clear(o.neuronSinks)
	clear(o.synapseSinks)
	o.monitorMu.Unlock()

	if err := o.transport.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release transport: %w", err))
	}

	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		o.logger.Warn("cleanup error", "error", err)
		msgs = appendCapped(msgs, err.Error())
	}

	o.mu.Lock()
	o.archiver = NoWorker
	o.cleanupErrors = msgs
	o.mu.Unlock()
	o.setState(StateIdle)

	return errors.Join(errs...)
}

// awaitExits waits for TaskExited from every handle in pending. Duplicate
// exits are ignored. Error telegrams and telegrams with an unknown tag are
// collected and waiting continues.
func (o *Orchestrator) awaitExits(pending map[WorkerHandle]struct{}, timeout time.Duration) []error {
	if len(pending) == 0 {
		return nil
	}

	var errs []error
	err := o.await(context.Background(), timeout, func(m wire.Message) (bool, error) {
		switch m.Tag {
		case wire.TagTaskExited:
			delete(pending, m.Sender)
		case wire.TagError:
			text, _ := wire.DecodeText(m.Payload)
			errs = append(errs, fmt.Errorf("%s: %w: %s", o.describe(m.Sender), ErrWorkerReported, text))
		default:
			if !m.Tag.Known() {
				errs = append(errs, fmt.Errorf("%s: unrecognised telegram %s during cleanup", o.describe(m.Sender), m.Tag))
			} else {
				o.logger.Debug("ignoring telegram during cleanup", "tag", m.Tag, "worker", m.Sender)
			}
		}
		return len(pending) == 0, nil
	})

	switch {
	case errors.Is(err, errWaitExpired):
		left := make([]WorkerHandle, 0, len(pending))
		for h := range pending {
			left = append(left, h)
		}
		slices.Sort(left)
		errs = append(errs, fmt.Errorf("%w: %v", ErrExitTimeout, left))
	case err != nil:
		errs = append(errs, err)
	}
	return errs
}
