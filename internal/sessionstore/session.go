package sessionstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowgate/flowgate/internal/flowerr"
	"github.com/flowgate/flowgate/internal/wire"
)

// Session is one live agent connection, independent of which transport
// terminator owns the underlying socket or HTTP request. It owns the
// outbound queue and the goroutine that drains it through SendFunc.
//
// Modeled on the teacher's session.Session: a mutex-guarded struct with
// small thread-safe methods, plus a background loop in place of the
// teacher's heartbeat goroutine.
type Session struct {
	id            string
	instanceUID   wire.InstanceUID
	transport     TransportKind
	establishedAt time.Time
	log           *slog.Logger

	mu          sync.Mutex
	queue       *outboundQueue
	inboundSeq  uint64
	closed      bool
	closeReason CloseReason
	notify      chan struct{} // buffered(1); signals the drain loop
	done        chan struct{} // closed once the drain loop has exited

	ctx    context.Context
	cancel context.CancelFunc
	send   SendFunc
}

func newSession(id string, instanceUID wire.InstanceUID, transport TransportKind, capacity int, send SendFunc, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:            id,
		instanceUID:   instanceUID,
		transport:     transport,
		establishedAt: time.Now(),
		log:           log,
		queue:         newOutboundQueue(capacity),
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		send:          send,
	}
	go s.drainLoop()
	return s
}

// ID returns the session_id assigned at Open.
func (s *Session) ID() string { return s.id }

// InstanceUID returns the agent instance_uid this session belongs to.
func (s *Session) InstanceUID() wire.InstanceUID { return s.instanceUID }

// Transport returns which terminator owns this session.
func (s *Session) Transport() TransportKind { return s.transport }

// EstablishedAt returns when the session was opened.
func (s *Session) EstablishedAt() time.Time { return s.establishedAt }

// SetInboundSequence records the last accepted AgentToServer.sequence_num on
// this session, for diagnostics (the Agent Registry is the source of truth
// for monotonicity enforcement).
func (s *Session) SetInboundSequence(n uint64) {
	s.mu.Lock()
	s.inboundSeq = n
	s.mu.Unlock()
}

// enqueue adds msg to the outbound queue, evicting a supersedable entry if
// the queue is full. Never blocks. Returns flowerr.ErrOverloaded (wrapped)
// if the queue is full and holds no supersedable entry to evict.
func (s *Session) enqueue(kind OutboundKind, msg *wire.ServerToAgent) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return flowerr.ErrNotFound
	}
	ok, evictedKind, evicted := s.queue.push(kind, msg)
	depth := s.queue.len()
	s.mu.Unlock()

	if !ok {
		return flowerr.NewOverloaded("session_outbound_queue", 2*time.Second)
	}
	if evicted {
		s.log.Debug("outbound message superseded under back-pressure",
			"session_id", s.id, "evicted_kind", evictedKind, "new_kind", kind, "queue_depth", depth)
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// queueDepth reports the current number of pending outbound messages.
func (s *Session) queueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// drainLoop pops queued messages and hands them to SendFunc in order. A
// send failure closes the session with ReasonProtocolError — the transport
// terminator is expected to have already torn down its side when SendFunc
// started failing.
func (s *Session) drainLoop() {
	defer close(s.done)
	for {
		msg, ok := s.nextMessage()
		if !ok {
			<-s.notify
			if s.isClosed() {
				return
			}
			continue
		}
		if err := s.send(s.ctx, msg.msg); err != nil {
			s.log.Warn("session send failed, closing", "session_id", s.id, "error", err)
			s.closeLocked(ReasonProtocolError)
			return
		}
	}
}

func (s *Session) nextMessage() (queuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return queuedMessage{}, false
	}
	return s.queue.pop()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close is idempotent: closing an already-closed session is a no-op.
func (s *Session) close(reason CloseReason) {
	s.closeLocked(reason)
	s.cancel()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	<-s.done
}

func (s *Session) closeLocked(reason CloseReason) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeReason = reason
	s.mu.Unlock()
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:     s.id,
		InstanceUID:   s.instanceUID,
		Transport:     s.transport,
		EstablishedAt: s.establishedAt,
		QueueDepth:    s.queue.len(),
		Closed:        s.closed,
	}
}
