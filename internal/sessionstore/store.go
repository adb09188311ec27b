package sessionstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/flowgate/flowgate/internal/flowerr"
	"github.com/flowgate/flowgate/internal/wire"
)

// DefaultQueueCapacity bounds how many outbound messages a session holds
// before the drop-oldest-of-same-kind policy kicks in (spec §4.2).
const DefaultQueueCapacity = 16

// Store is the concurrent instance_uid -> Session map described in spec
// §4.2. Grounded on the teacher's session.Manager: a mutex-protected map
// with small, independently-lockable methods, generalized here to add the
// open-supersedes-prior and bounded-queue semantics the teacher's manager
// didn't need.
type Store struct {
	log *slog.Logger

	mu         sync.RWMutex
	byUID      map[wire.InstanceUID]*Session
	byID       map[string]*Session
	nextSeqNum atomic.Uint64
}

// New builds an empty Store.
func New(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:   log,
		byUID: make(map[wire.InstanceUID]*Session),
		byID:  make(map[string]*Session),
	}
}

// Open installs a new session for instanceUID, superseding (closing) any
// session already open for that instance first. send is the transport's
// delivery function; queueCapacity <= 0 uses DefaultQueueCapacity.
func (st *Store) Open(ctx context.Context, instanceUID wire.InstanceUID, transport TransportKind, queueCapacity int, send SendFunc) (*Session, error) {
	if send == nil {
		return nil, fmt.Errorf("sessionstore: Open requires a non-nil SendFunc")
	}
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}

	st.mu.Lock()
	prior := st.byUID[instanceUID]
	id := st.newSessionID(instanceUID)
	session := newSession(id, instanceUID, transport, queueCapacity, send, st.log)
	st.byUID[instanceUID] = session
	st.byID[id] = session
	st.mu.Unlock()

	if prior != nil {
		st.log.Info("session superseded", "instance_uid", fmt.Sprintf("%x", instanceUID), "old_session_id", prior.ID(), "new_session_id", id)
		prior.close(ReasonSuperseded)
		st.mu.Lock()
		delete(st.byID, prior.ID())
		st.mu.Unlock()
	}

	return session, nil
}

func (st *Store) newSessionID(instanceUID wire.InstanceUID) string {
	n := st.nextSeqNum.Add(1)
	return fmt.Sprintf("%x-%d", instanceUID, n)
}

// Send enqueues msg onto the session currently open for instanceUID. Never
// blocks. Returns flowerr.ErrNotFound if no session is open for that agent.
func (st *Store) Send(instanceUID wire.InstanceUID, kind OutboundKind, msg *wire.ServerToAgent) error {
	st.mu.RLock()
	session := st.byUID[instanceUID]
	st.mu.RUnlock()
	if session == nil {
		return flowerr.ErrNotFound
	}
	return session.enqueue(kind, msg)
}

// Close closes the session identified by sessionID, if it is still the
// live session for its instance_uid. Idempotent: closing an unknown or
// already-closed session_id is a no-op.
func (st *Store) Close(sessionID string, reason CloseReason) {
	st.mu.Lock()
	session := st.byID[sessionID]
	if session == nil {
		st.mu.Unlock()
		return
	}
	delete(st.byID, sessionID)
	if st.byUID[session.InstanceUID()] == session {
		delete(st.byUID, session.InstanceUID())
	}
	st.mu.Unlock()

	session.close(reason)
}

// CloseAll closes every live session, for graceful shutdown.
func (st *Store) CloseAll(reason CloseReason) {
	st.mu.Lock()
	sessions := make([]*Session, 0, len(st.byID))
	for _, s := range st.byID {
		sessions = append(sessions, s)
	}
	st.byID = make(map[string]*Session)
	st.byUID = make(map[wire.InstanceUID]*Session)
	st.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.close(reason)
		}(s)
	}
	wg.Wait()
}

// Lookup returns the live session for instanceUID, if any.
func (st *Store) Lookup(instanceUID wire.InstanceUID) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.byUID[instanceUID]
	return s, ok
}

// Snapshot returns a point-in-time list of every live session (spec §4.2:
// "snapshot() -> iterator of (instance_uid, transport, established_at)").
func (st *Store) Snapshot() []Info {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Info, 0, len(st.byUID))
	for _, s := range st.byUID {
		out = append(out, s.info())
	}
	return out
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byUID)
}
