// Package sessionstore tracks live transport sessions: a concurrent map of
// instance_uid to session handle, each with a bounded, semantically-aware
// outbound queue (spec §4.2). It is deliberately transport-agnostic — the
// stream and poll terminators both open a session here and hand it a
// SendFunc that knows how to actually deliver a frame.
package sessionstore

import (
	"context"
	"time"

	"github.com/flowgate/flowgate/internal/wire"
)

// TransportKind is the Session.transport attribute from the data model.
type TransportKind string

const (
	TransportStream TransportKind = "stream"
	TransportPoll   TransportKind = "poll"
)

// CloseReason records why a session ended, for logging and for the closure
// signal sent to the transport.
type CloseReason string

const (
	ReasonSuperseded    CloseReason = "superseded"
	ReasonClientClosed  CloseReason = "client_closed"
	ReasonProtocolError CloseReason = "protocol_error"
	ReasonOverloaded    CloseReason = "overloaded"
	ReasonShuttingDown  CloseReason = "server_shutting_down"
	ReasonIdleTimeout   CloseReason = "idle_timeout"
)

// OutboundKind classifies a queued ServerToAgent message so the queue can
// decide what's supersedable. Spec §4.2: "a stale remote-config is
// superseded by a newer one."
type OutboundKind string

const (
	KindRemoteConfig    OutboundKind = "remote_config"
	KindCapabilityOnly  OutboundKind = "capability_confirmation"
	KindErrorResponse   OutboundKind = "error_response"
	KindCommand         OutboundKind = "command"
	KindReportRequest   OutboundKind = "report_request_flag"
)

// Supersedable reports whether messages of this kind may be dropped under
// back-pressure in favor of a fresher one of the same kind. Commands (e.g.
// restart) are never supersedable — the spec requires the session be closed
// with Overloaded instead of silently dropping them.
func (k OutboundKind) Supersedable() bool {
	return k != KindCommand
}

// SendFunc actually delivers a frame to the agent. For the stream terminator
// this writes to the live socket; for the poll terminator it appends to the
// pending-response buffer returned by the current HTTP request.
type SendFunc func(ctx context.Context, msg *wire.ServerToAgent) error

// Info is the read-only snapshot shape returned by Store.Snapshot, for
// diagnostics and the Control API.
type Info struct {
	SessionID     string
	InstanceUID   wire.InstanceUID
	Transport     TransportKind
	EstablishedAt time.Time
	QueueDepth    int
	Closed        bool
}
