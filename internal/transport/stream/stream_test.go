package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/internal/capability"
	"github.com/flowgate/flowgate/internal/deployment"
	"github.com/flowgate/flowgate/internal/reconcile"
	"github.com/flowgate/flowgate/internal/registry"
	"github.com/flowgate/flowgate/internal/sessionstore"
	"github.com/flowgate/flowgate/internal/store/memstore"
	"github.com/flowgate/flowgate/internal/token"
	"github.com/flowgate/flowgate/internal/wire"
)

func setupTestTerminator(t *testing.T) (*httptest.Server, string, wire.InstanceUID) {
	t.Helper()
	s := memstore.New()
	regSvc := token.NewRegistrationService(s, []byte("salt"))
	lookup := func(organizationID, agentID string) (bool, bool) {
		_, err := s.GetAgentByID(context.Background(), organizationID, agentID)
		return err == nil, false
	}
	agentTokens := token.NewAgentService([]token.SigningKey{{ID: "k1", Secret: []byte("secret")}}, time.Hour, lookup)
	reg := registry.New(s, s, regSvc, agentTokens, nil)
	eng := deployment.New(s, s, nil)
	sessions := sessionstore.New(nil)
	loop := reconcile.New(reg, eng, s, s, s, sessions, nil)

	plaintext, _, err := regSvc.Issue(context.Background(), "org1", time.Hour)
	require.NoError(t, err)
	var uid wire.InstanceUID
	uid[0] = 7
	_, agentTok, err := reg.Register(context.Background(), plaintext, registry.DeclaredIdentity{
		InstanceUID: uid, ManagementMode: capability.ModeSupervisor,
	})
	require.NoError(t, err)

	term := New(sessions, loop, reg, agentTokens, nil)
	e := echo.New()
	e.GET("/stream", term.Handle)
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return server, agentTok, uid
}

func dialStream(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):] + "/stream?token=" + token
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestHandle_FirstFrame_ReturnsServerCapabilities(t *testing.T) {
	server, agentTok, uid := setupTestTerminator(t)
	conn := dialStream(t, server, agentTok)

	body, err := wire.EncodeAgentToServer(&wire.AgentToServer{InstanceUID: uid, SequenceNum: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, body))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	resp, err := wire.DecodeServerToAgent(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(capability.ServerCapabilities), resp.Capabilities)
}

func TestHandle_MissingToken_RejectsUpgrade(t *testing.T) {
	server, _, _ := setupTestTerminator(t)
	url := "ws" + server.URL[len("http"):] + "/stream"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestHandle_InstanceUIDMismatch_ClosesConnection(t *testing.T) {
	server, agentTok, _ := setupTestTerminator(t)
	conn := dialStream(t, server, agentTok)

	var wrongUID wire.InstanceUID
	wrongUID[0] = 99
	body, err := wire.EncodeAgentToServer(&wire.AgentToServer{InstanceUID: wrongUID, SequenceNum: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, body))

	_, _, err = conn.Read(ctx)
	require.Error(t, err, "the terminator must close the connection on an instance_uid binding mismatch")
}
