package poll

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/internal/capability"
	"github.com/flowgate/flowgate/internal/deployment"
	"github.com/flowgate/flowgate/internal/reconcile"
	"github.com/flowgate/flowgate/internal/registry"
	"github.com/flowgate/flowgate/internal/sessionstore"
	"github.com/flowgate/flowgate/internal/store"
	"github.com/flowgate/flowgate/internal/store/memstore"
	"github.com/flowgate/flowgate/internal/token"
	"github.com/flowgate/flowgate/internal/wire"
)

func newTestTerminator(t *testing.T) (*Terminator, string, *memstore.Store) {
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

	term := New(sessions, loop, reg, agentTokens)
	return term, agentTok, s
}

func TestHandle_MissingToken_Unauthorized(t *testing.T) {
	term, _, _ := newTestTerminator(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/poll", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := term.Handle(c)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
}

func TestHandle_ValidFrame_ReturnsCapabilities(t *testing.T) {
	term, agentTok, _ := newTestTerminator(t)

	var uid wire.InstanceUID
	uid[0] = 7
	body, err := wire.EncodeAgentToServer(&wire.AgentToServer{InstanceUID: uid, SequenceNum: 1})
	require.NoError(t, err)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/poll?token="+agentTok, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, term.Handle(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-protobuf", rec.Header().Get(echo.HeaderContentType))

	resp, err := wire.DecodeServerToAgent(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint64(capability.ServerCapabilities), resp.Capabilities)
}

func TestHandle_ActiveDeployment_ReturnsFullRemoteConfig(t *testing.T) {
	term, agentTok, s := newTestTerminator(t)

	depID, err := deployment.New(s, s, nil).CreateDeployment(context.Background(), deployment.CreateRequest{
		OrganizationID: "org1", Name: "d", DocumentRef: "doc1", Strategy: deployment.StrategyImmediate,
	})
	require.NoError(t, err)
	require.NotEmpty(t, depID)

	payload := []byte("config: value\n")
	require.NoError(t, s.Put(context.Background(), store.ConfigurationDocumentRecord{
		DocID: "doc1", OrganizationID: "org1", Payload: payload, Hash: []byte{1, 2, 3},
	}))

	var uid wire.InstanceUID
	uid[0] = 7
	body, err := wire.EncodeAgentToServer(&wire.AgentToServer{
		InstanceUID:  uid,
		SequenceNum:  1,
		Capabilities: uint64(capability.AcceptsRemoteConfig),
	})
	require.NoError(t, err)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/poll?token="+agentTok, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, term.Handle(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	resp, err := wire.DecodeServerToAgent(rec.Body.Bytes())
	require.NoError(t, err)
	require.NotNil(t, resp.RemoteConfig)
	assert.Equal(t, []byte{1, 2, 3}, resp.RemoteConfig.Hash)
	assert.Equal(t, payload, resp.RemoteConfig.ConfigMap["config.yaml"])
}

func TestHandle_InstanceUIDMismatch_Forbidden(t *testing.T) {
	term, agentTok, _ := newTestTerminator(t)

	var wrongUID wire.InstanceUID
	wrongUID[0] = 99
	body, err := wire.EncodeAgentToServer(&wire.AgentToServer{InstanceUID: wrongUID, SequenceNum: 1})
	require.NoError(t, err)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/poll?token="+agentTok, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err = term.Handle(c)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)
}
