// Package stream implements the full-duplex streaming transport terminator
// (spec §4.8). Grounded on the teacher's pkg/events.ConnectionManager: one
// reader goroutine per connection feeding a shared processing loop, one
// dedicated writer draining the connection's outbound queue, coder/websocket
// for the wire transport.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	echo "github.com/labstack/echo/v5"

	"github.com/flowgate/flowgate/internal/reconcile"
	"github.com/flowgate/flowgate/internal/registry"
	"github.com/flowgate/flowgate/internal/sessionstore"
	"github.com/flowgate/flowgate/internal/token"
	"github.com/flowgate/flowgate/internal/transport"
	"github.com/flowgate/flowgate/internal/wire"
)

// MaxInboundFrameBytes enforces spec §4.8's "configurable maximum inbound
// message size".
const MaxInboundFrameBytes = 1 << 20

// IdleTimeout closes a stream session that has sent nothing for this long
// (spec §5: "per-connection idle timeout closes a stream session").
const IdleTimeout = 5 * time.Minute

// Terminator adapts coder/websocket connections to the Reconciliation Loop.
type Terminator struct {
	sessions        *sessionstore.Store
	reconcile       *reconcile.Loop
	registry        *registry.Registry
	agentTokens     *token.AgentService
	log             *slog.Logger
	idleTimeout     time.Duration
	maxInboundBytes int64
}

func New(sessions *sessionstore.Store, loop *reconcile.Loop, reg *registry.Registry, agentTokens *token.AgentService, log *slog.Logger) *Terminator {
	if log == nil {
		log = slog.Default()
	}
	return &Terminator{
		sessions:        sessions,
		reconcile:       loop,
		registry:        reg,
		agentTokens:     agentTokens,
		log:             log,
		idleTimeout:     IdleTimeout,
		maxInboundBytes: MaxInboundFrameBytes,
	}
}

// SetLimits overrides the idle timeout and maximum inbound frame size with
// operator-configured values (flowconfig.Config.StreamIdleTimeout and
// MaxInboundFrameSize), in place of this package's defaults.
func (t *Terminator) SetLimits(idleTimeout time.Duration, maxInboundBytes int64) {
	if idleTimeout > 0 {
		t.idleTimeout = idleTimeout
	}
	if maxInboundBytes > 0 {
		t.maxInboundBytes = maxInboundBytes
	}
}

// Handle upgrades the HTTP request to a WebSocket connection, authenticates
// it, opens a session, and blocks processing inbound frames until the
// connection closes (spec §4.8 steps 1-4). Registered against Echo v5 the
// same way the teacher's wsHandler wires up its ConnectionManager.
func (t *Terminator) Handle(c *echo.Context) error {
	tok, ok := transport.ExtractToken(c.Request())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
	}

	auth, err := transport.Authenticate(c.Request().Context(), t.agentTokens, t.registry, tok)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	conn.SetReadLimit(t.maxInboundBytes)

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	sess, err := t.sessions.Open(ctx, auth.InstanceUID, sessionstore.TransportStream, sessionstore.DefaultQueueCapacity, func(sendCtx context.Context, msg *wire.ServerToAgent) error {
		frame, err := wire.EncodeServerToAgent(msg)
		if err != nil {
			t.log.Error("stream: encode failed, dropping outbound frame", "agent_id", auth.AgentID, "error", err)
			return nil
		}
		return conn.Write(sendCtx, websocket.MessageBinary, frame)
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	defer t.sessions.Close(sess.ID(), sessionstore.ReasonClientClosed)

	first := true
	for {
		readCtx, readCancel := context.WithTimeout(ctx, t.idleTimeout)
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				t.sessions.Close(sess.ID(), sessionstore.ReasonIdleTimeout)
			}
			return nil
		}

		msg, err := wire.DecodeAgentToServer(data)
		if err != nil {
			t.log.Warn("stream: malformed frame, closing session", "agent_id", auth.AgentID, "error", err)
			t.sessions.Close(sess.ID(), sessionstore.ReasonProtocolError)
			return nil
		}
		if err := transport.CheckBinding(auth, msg); err != nil {
			t.sessions.Close(sess.ID(), sessionstore.ReasonProtocolError)
			return nil
		}

		result, err := t.reconcile.Handle(ctx, auth.AgentID, auth.OrganizationID, auth.InstanceUID, msg, first)
		first = false
		if err != nil {
			t.log.Error("stream: reconcile failed", "agent_id", auth.AgentID, "error", err)
			continue
		}
		if result.Outbound != nil {
			if err := t.reconcile.Enqueue(auth.InstanceUID, result.Outbound); err != nil {
				t.log.Warn("stream: enqueue failed, closing session", "agent_id", auth.AgentID, "error", err)
				t.sessions.Close(sess.ID(), sessionstore.ReasonOverloaded)
				return nil
			}
		}
	}
}
