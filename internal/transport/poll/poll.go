// Package poll implements the request/response polling transport terminator
// (spec §4.8): one AgentToServer per request, one ServerToAgent per
// response, a virtual session opened and closed within the request's
// lifetime.
package poll

import (
	"context"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/flowgate/flowgate/internal/reconcile"
	"github.com/flowgate/flowgate/internal/registry"
	"github.com/flowgate/flowgate/internal/sessionstore"
	"github.com/flowgate/flowgate/internal/token"
	"github.com/flowgate/flowgate/internal/transport"
	"github.com/flowgate/flowgate/internal/wire"
)

// MaxInboundFrameBytes enforces spec §4.8's inbound size cap for poll
// requests, mirroring the stream terminator's limit.
const MaxInboundFrameBytes = 1 << 20

// Terminator adapts one-shot HTTP requests to the Reconciliation Loop via a
// virtual, request-scoped session. Because the session exists only for the
// lifetime of this request, its outbound queue can hold at most the one
// message this request's own Reconciliation Loop call decides on — there is
// no other writer that could have enqueued onto it in the meantime — so the
// response is built directly from that decision rather than by draining the
// session store's asynchronous queue.
type Terminator struct {
	sessions        *sessionstore.Store
	reconcile       *reconcile.Loop
	registry        *registry.Registry
	agentTokens     *token.AgentService
	maxInboundBytes int64
}

func New(sessions *sessionstore.Store, loop *reconcile.Loop, reg *registry.Registry, agentTokens *token.AgentService) *Terminator {
	return &Terminator{sessions: sessions, reconcile: loop, registry: reg, agentTokens: agentTokens, maxInboundBytes: MaxInboundFrameBytes}
}

// SetMaxInboundBytes overrides the maximum inbound frame size with an
// operator-configured value (flowconfig.Config.MaxInboundFrameSize).
func (t *Terminator) SetMaxInboundBytes(n int64) {
	if n > 0 {
		t.maxInboundBytes = n
	}
}

// Handle processes one poll cycle: authenticate, decode the single inbound
// frame, run it through the Reconciliation Loop, and return the resulting
// ServerToAgent (if any) as the response.
func (t *Terminator) Handle(c *echo.Context) error {
	tok, ok := transport.ExtractToken(c.Request())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
	}

	ctx := c.Request().Context()
	auth, err := transport.Authenticate(ctx, t.agentTokens, t.registry, tok)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, t.maxInboundBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if int64(len(body)) > t.maxInboundBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "frame exceeds maximum inbound size")
	}

	msg, err := wire.DecodeAgentToServer(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed frame")
	}
	if err := transport.CheckBinding(auth, msg); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}

	sess, err := t.sessions.Open(ctx, auth.InstanceUID, sessionstore.TransportPoll, sessionstore.DefaultQueueCapacity, func(context.Context, *wire.ServerToAgent) error {
		return nil
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	defer t.sessions.Close(sess.ID(), sessionstore.ReasonClientClosed)

	result, err := t.reconcile.Handle(ctx, auth.AgentID, auth.OrganizationID, auth.InstanceUID, msg, true)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "registry error, retry")
	}

	out := result.Outbound
	if out == nil {
		out = &wire.ServerToAgent{InstanceUID: auth.InstanceUID}
	}
	frame, err := wire.EncodeServerToAgent(out)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to encode response frame")
	}
	return c.Blob(http.StatusOK, "application/x-protobuf", frame)
}
