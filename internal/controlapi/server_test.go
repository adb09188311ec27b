package controlapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/internal/deployment"
)

func newTestServer(t *testing.T) (*Server, *Service) {
	t.Helper()
	svc, _, _ := newTestService(t)
	return NewServer(svc), svc
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func TestPublishDocumentHandler_MissingOrganization_BadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", jsonBody(t, PublishDocumentHTTPRequest{Payload: []byte("x")}))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := srv.publishDocumentHandler(c)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestPublishDocumentHandler_Succeeds(t *testing.T) {
	srv, _ := newTestServer(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", jsonBody(t, PublishDocumentHTTPRequest{Payload: []byte("config: v1")}))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Organization-ID", "org1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, srv.publishDocumentHandler(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp DocumentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.DocID)
	assert.NotEmpty(t, resp.Hash)
}

func TestIssueRegistrationTokenHandler_Succeeds(t *testing.T) {
	srv, _ := newTestServer(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/registration-tokens", jsonBody(t, IssueRegistrationTokenHTTPRequest{}))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Organization-ID", "org1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, srv.issueRegistrationTokenHandler(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp RegistrationTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
}

func TestGetAgentHandler_UnknownAgent_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/00000000000000000000000000000000", nil)
	req.Header.Set("X-Organization-ID", "org1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("instance_uid")
	c.SetParamValues("00000000000000000000000000000000")

	err := srv.getAgentHandler(c)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, httpErr.Code)
}

func TestCreateDeploymentHandler_EmptyDocumentRef_BadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deployments", jsonBody(t, CreateDeploymentHTTPRequest{
		Name:     "rollout-1",
		Strategy: string(deployment.StrategyImmediate),
	}))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Organization-ID", "org1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := srv.createDeploymentHandler(c)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}
