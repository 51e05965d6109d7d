package spikenet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/spikenet/wire"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []WorkerHandle
	fail map[WorkerHandle]bool
}

func (s *recordingSender) Send(to WorkerHandle, tag wire.Tag, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[to] {
		return errors.New("unreachable")
	}
	s.sent = append(s.sent, to)
	return nil
}

func TestAckTrackerZeroWorkers(t *testing.T) {
	a := NewAckTracker("save_weights")
	assert.False(t, a.Done(), "a tracker that never broadcast is not done")

	s := &recordingSender{}
	require.NoError(t, a.Broadcast(s, NewWorkerRegistry(), wire.TagSaveWeights, nil))
	assert.True(t, a.Done())
	assert.Empty(t, s.sent)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, a.Await(ctx))
}

func TestAckTrackerRound(t *testing.T) {
	reg := NewWorkerRegistry()
	for i := 1; i <= 3; i++ {
		require.NoError(t, reg.Add(GroupID(i), WorkerHandle(10+i)))
	}

	a := NewAckTracker("load_weights")
	s := &recordingSender{}
	require.NoError(t, a.Broadcast(s, reg, wire.TagLoadWeights, nil))
	assert.Equal(t, []WorkerHandle{11, 12, 13}, s.sent)
	assert.Equal(t, []WorkerHandle{11, 12, 13}, a.Pending())

	assert.True(t, a.Ack(12))
	assert.False(t, a.Ack(12), "duplicate")
	assert.False(t, a.Ack(99), "unknown")
	assert.False(t, a.Done())

	assert.True(t, a.Ack(11))
	assert.True(t, a.Ack(13))
	assert.True(t, a.Done())
	assert.Empty(t, a.Pending())

	// A new round starts over.
	a.Expect([]WorkerHandle{11})
	assert.False(t, a.Done())
	a.Reset()
	assert.False(t, a.Done())
	assert.Empty(t, a.Pending())
}

func TestAckTrackerAwait(t *testing.T) {
	a := NewAckTracker("save_view_weights")
	a.Expect([]WorkerHandle{1, 2})

	go func() {
		time.Sleep(10 * time.Millisecond)
		a.Ack(1)
		a.Ack(2)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Await(ctx))

	a.Expect([]WorkerHandle{3})
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, a.Await(short), context.DeadlineExceeded)
}

func TestAckTrackerBroadcastFailure(t *testing.T) {
	reg := NewWorkerRegistry()
	require.NoError(t, reg.Add(1, 11))
	require.NoError(t, reg.Add(2, 12))

	a := NewAckTracker("save_weights")
	s := &recordingSender{fail: map[WorkerHandle]bool{12: true}}
	err := a.Broadcast(s, reg, wire.TagSaveWeights, nil)
	require.Error(t, err)

	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, GroupID(2), werr.Group)
	assert.Equal(t, []WorkerHandle{11}, s.sent)

	// The unreachable worker stays pending.
	a.Ack(11)
	assert.False(t, a.Done())
	assert.Equal(t, []WorkerHandle{12}, a.Pending())
}
