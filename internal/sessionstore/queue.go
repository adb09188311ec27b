package sessionstore

import "github.com/flowgate/flowgate/internal/wire"

// queuedMessage is one pending outbound frame, tagged with the semantic
// kind used to decide supersession.
type queuedMessage struct {
	kind OutboundKind
	msg  *wire.ServerToAgent
}

// outboundQueue is a bounded FIFO of queuedMessage, with a drop-oldest-of-
// same-kind eviction policy used when the queue is full (spec §4.2).
//
// It is not safe for concurrent use on its own; callers hold Session.mu.
type outboundQueue struct {
	items    []queuedMessage
	capacity int
}

func newOutboundQueue(capacity int) *outboundQueue {
	return &outboundQueue{capacity: capacity}
}

func (q *outboundQueue) len() int { return len(q.items) }

// push appends msg, making room if necessary. It returns ok=false if the
// queue was full and no supersedable entry could be evicted to make room —
// the caller's message is not enqueued in that case.
func (q *outboundQueue) push(kind OutboundKind, msg *wire.ServerToAgent) (ok bool, evictedKind OutboundKind, evicted bool) {
	if len(q.items) < q.capacity {
		q.items = append(q.items, queuedMessage{kind: kind, msg: msg})
		return true, "", false
	}

	// Full: first prefer evicting the oldest entry of the SAME kind, then
	// fall back to the oldest supersedable entry of any kind.
	if idx := q.oldestIndexOfKind(kind); idx >= 0 {
		evictedKind = q.items[idx].kind
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		q.items = append(q.items, queuedMessage{kind: kind, msg: msg})
		return true, evictedKind, true
	}
	if idx := q.oldestSupersedableIndex(); idx >= 0 {
		evictedKind = q.items[idx].kind
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		q.items = append(q.items, queuedMessage{kind: kind, msg: msg})
		return true, evictedKind, true
	}
	return false, "", false
}

func (q *outboundQueue) oldestIndexOfKind(kind OutboundKind) int {
	for i, it := range q.items {
		if it.kind == kind && it.kind.Supersedable() {
			return i
		}
	}
	return -1
}

func (q *outboundQueue) oldestSupersedableIndex() int {
	for i, it := range q.items {
		if it.kind.Supersedable() {
			return i
		}
	}
	return -1
}

// pop removes and returns the oldest message, if any.
func (q *outboundQueue) pop() (queuedMessage, bool) {
	if len(q.items) == 0 {
		return queuedMessage{}, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}
