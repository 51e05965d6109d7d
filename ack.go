package spikenet

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/everydev1618/spikenet/wire"
)

// Sender delivers a telegram to one worker.
type Sender interface {
	Send(to WorkerHandle, tag wire.Tag, payload []byte) error
}

// AckTracker collects acknowledgements for an operation broadcast to every
// worker. It is done once every addressed worker has answered.
//
// Each operation owns its own tracker so sets never leak between operations.
type AckTracker struct {
	name string

	mu      sync.Mutex
	pending map[WorkerHandle]struct{}
	done    bool
	doneCh  chan struct{}
}

// NewAckTracker creates a tracker that is not done.
func NewAckTracker(name string) *AckTracker {
	return &AckTracker{
		name:   name,
		doneCh: make(chan struct{}),
	}
}

// Name returns the operation name.
func (a *AckTracker) Name() string {
	return a.name
}

// Expect starts a new round waiting on handles. An empty list completes the
// round immediately.
func (a *AckTracker) Expect(handles []WorkerHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending = make(map[WorkerHandle]struct{}, len(handles))
	for _, h := range handles {
		a.pending[h] = struct{}{}
	}
	a.done = false
	a.doneCh = make(chan struct{})
	if len(a.pending) == 0 {
		a.finishLocked()
	}
}

// Broadcast sends tag to every registered worker and waits on all of them.
// With no workers it is done at once and nothing is sent. The pending set is
// created before the first send so a fast acknowledgement is never lost.
func (a *AckTracker) Broadcast(s Sender, reg *WorkerRegistry, tag wire.Tag, payload []byte) error {
	handles := reg.Handles()
	a.Expect(handles)

	var errs []error
	for _, h := range handles {
		if err := s.Send(h, tag, payload); err != nil {
			g, _ := reg.GroupOf(h)
			errs = append(errs, &WorkerError{Op: tag.String(), Group: g, Handle: h, Err: err})
		}
	}
	return errors.Join(errs...)
}

// Ack removes h from the pending set. It reports whether h was pending;
// duplicate or unexpected acknowledgements are ignored.
func (a *AckTracker) Ack(h WorkerHandle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.pending[h]; !ok {
		return false
	}
	delete(a.pending, h)
	if len(a.pending) == 0 && !a.done {
		a.finishLocked()
	}
	return true
}

func (a *AckTracker) finishLocked() {
	a.done = true
	close(a.doneCh)
}

// Done reports whether the current round has completed.
func (a *AckTracker) Done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Pending returns the handles still to answer, sorted.
func (a *AckTracker) Pending() []WorkerHandle {
	a.mu.Lock()
	defer a.mu.Unlock()

	hs := make([]WorkerHandle, 0, len(a.pending))
	for h := range a.pending {
		hs = append(hs, h)
	}
	slices.Sort(hs)
	return hs
}

// Await blocks until the current round completes or ctx ends.
func (a *AckTracker) Await(ctx context.Context) error {
	a.mu.Lock()
	ch := a.doneCh
	a.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset forgets the current round.
func (a *AckTracker) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending = nil
	a.done = false
	a.doneCh = make(chan struct{})
}
