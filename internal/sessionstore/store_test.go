package sessionstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/internal/flowerr"
	"github.com/flowgate/flowgate/internal/wire"
)

func uid(b byte) wire.InstanceUID {
	var u wire.InstanceUID
	for i := range u {
		u[i] = b
	}
	return u
}

// recordingSender collects every message handed to it, in order.
type recordingSender struct {
	mu  sync.Mutex
	got []*wire.ServerToAgent
	sig chan struct{}
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sig: make(chan struct{}, 64)}
}

func (r *recordingSender) send(_ context.Context, msg *wire.ServerToAgent) error {
	r.mu.Lock()
	r.got = append(r.got, msg)
	r.mu.Unlock()
	r.sig <- struct{}{}
	return nil
}

func (r *recordingSender) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.sig:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d/%d", i+1, n)
		}
	}
}

func TestOpen_SupersedesPriorSession(t *testing.T) {
	st := New(nil)
	a := newRecordingSender()
	b := newRecordingSender()

	s1, err := st.Open(context.Background(), uid(1), TransportStream, 4, a.send)
	require.NoError(t, err)

	s2, err := st.Open(context.Background(), uid(1), TransportStream, 4, b.send)
	require.NoError(t, err)

	assert.True(t, s1.isClosed())
	got, ok := st.Lookup(uid(1))
	require.True(t, ok)
	assert.Equal(t, s2.ID(), got.ID())
	assert.Equal(t, 1, st.Count())
}

func TestSend_DeliversInOrder(t *testing.T) {
	st := New(nil)
	sender := newRecordingSender()
	_, err := st.Open(context.Background(), uid(2), TransportPoll, 4, sender.send)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		err := st.Send(uid(2), KindRemoteConfig, &wire.ServerToAgent{InstanceUID: uid(2), Capabilities: uint64(i)})
		require.NoError(t, err)
	}

	sender.waitFor(t, 3)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.got, 3)
	for i, m := range sender.got {
		assert.Equal(t, uint64(i), m.Capabilities)
	}
}

func TestSend_UnknownInstance_ReturnsNotFound(t *testing.T) {
	st := New(nil)
	err := st.Send(uid(9), KindRemoteConfig, &wire.ServerToAgent{})
	assert.ErrorIs(t, err, flowerr.ErrNotFound)
}

// TestQueue_DropsOldestOfSameKindWhenFull exercises the back-pressure rule
// directly against the queue, avoiding a race with the drain goroutine.
func TestQueue_DropsOldestOfSameKindWhenFull(t *testing.T) {
	q := newOutboundQueue(2)

	ok, _, evicted := q.push(KindRemoteConfig, &wire.ServerToAgent{Capabilities: 1})
	require.True(t, ok)
	require.False(t, evicted)

	ok, _, evicted = q.push(KindErrorResponse, &wire.ServerToAgent{Capabilities: 2})
	require.True(t, ok)
	require.False(t, evicted)

	// Queue full (2/2). A second remote_config should evict the first
	// remote_config, not the error_response.
	ok, evictedKind, evicted := q.push(KindRemoteConfig, &wire.ServerToAgent{Capabilities: 3})
	require.True(t, ok)
	require.True(t, evicted)
	assert.Equal(t, KindRemoteConfig, evictedKind)
	require.Equal(t, 2, q.len())

	first, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, KindErrorResponse, first.kind)

	second, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(3), second.msg.Capabilities)
}

// TestQueue_NonSupersedableFullQueue_RejectsPush models a queue saturated
// with restart commands: nothing can be evicted, so the push fails and the
// caller (Store.Send) surfaces Overloaded.
func TestQueue_NonSupersedableFullQueue_RejectsPush(t *testing.T) {
	q := newOutboundQueue(1)
	ok, _, _ := q.push(KindCommand, &wire.ServerToAgent{})
	require.True(t, ok)

	ok, _, _ = q.push(KindCommand, &wire.ServerToAgent{})
	assert.False(t, ok)
}

func TestSend_OverloadedWhenQueueSaturatedWithCommands(t *testing.T) {
	st := New(nil)
	blocked := make(chan struct{})
	sender := func(ctx context.Context, msg *wire.ServerToAgent) error {
		<-blocked
		return nil
	}
	_, err := st.Open(context.Background(), uid(3), TransportStream, 1, sender)
	require.NoError(t, err)

	// First command gets picked up by the drain loop and blocks it; queue
	// capacity is 1, so a second non-supersedable command cannot fit.
	require.NoError(t, st.Send(uid(3), KindCommand, &wire.ServerToAgent{}))
	require.Eventually(t, func() bool {
		s, _ := st.Lookup(uid(3))
		return s.queueDepth() == 0
	}, time.Second, time.Millisecond, "first command should have been dequeued")

	require.NoError(t, st.Send(uid(3), KindCommand, &wire.ServerToAgent{}))
	err = st.Send(uid(3), KindCommand, &wire.ServerToAgent{})
	var overloaded *flowerr.OverloadedError
	assert.ErrorAs(t, err, &overloaded)

	close(blocked)
}

func TestClose_IsIdempotent(t *testing.T) {
	st := New(nil)
	sender := newRecordingSender()
	s, err := st.Open(context.Background(), uid(4), TransportStream, 4, sender.send)
	require.NoError(t, err)

	st.Close(s.ID(), ReasonClientClosed)
	st.Close(s.ID(), ReasonClientClosed) // must not panic or block

	_, ok := st.Lookup(uid(4))
	assert.False(t, ok)
}

func TestSnapshot_ReflectsLiveSessions(t *testing.T) {
	st := New(nil)
	sender := newRecordingSender()
	_, err := st.Open(context.Background(), uid(5), TransportStream, 4, sender.send)
	require.NoError(t, err)
	_, err = st.Open(context.Background(), uid(6), TransportPoll, 4, sender.send)
	require.NoError(t, err)

	snap := st.Snapshot()
	assert.Len(t, snap, 2)

	byUID := map[wire.InstanceUID]Info{}
	for _, info := range snap {
		byUID[info.InstanceUID] = info
	}
	assert.Equal(t, TransportStream, byUID[uid(5)].Transport)
	assert.Equal(t, TransportPoll, byUID[uid(6)].Transport)
}

func TestCloseAll_ClosesEverySession(t *testing.T) {
	st := New(nil)
	sender := newRecordingSender()
	for _, b := range []byte{1, 2, 3} {
		_, err := st.Open(context.Background(), uid(b), TransportStream, 4, sender.send)
		require.NoError(t, err)
	}
	require.Equal(t, 3, st.Count())

	st.CloseAll(ReasonShuttingDown)
	assert.Equal(t, 0, st.Count())
}
