package controlapi

import (
	"context"
	"encoding/hex"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/flowgate/flowgate/internal/deployment"
	"github.com/flowgate/flowgate/internal/wire"
)

// MaxRequestBodyBytes bounds Control API request bodies, the HTTP-surface
// analogue of the transport terminators' MaxInboundFrameBytes.
const MaxRequestBodyBytes = 4 << 20

// Server is the HTTP surface for Service, grounded on the teacher's
// pkg/api.Server: an *echo.Echo plus the service it dispatches to,
// routes registered once at construction.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	service    *Service
}

// NewServer builds a Control API HTTP server over svc.
func NewServer(svc *Service) *Server {
	e := echo.New()
	s := &Server{echo: e, service: svc}
	e.Use(middleware.BodyLimit(MaxRequestBodyBytes))
	s.setupRoutes()
	return s
}

// Handler returns the underlying echo.Echo so callers can mount it alongside
// the transport terminators' routes or start it directly.
func (s *Server) Handler() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	v1 := s.echo.Group("/api/v1")

	v1.POST("/documents", s.publishDocumentHandler)

	v1.POST("/registration-tokens", s.issueRegistrationTokenHandler)

	v1.POST("/deployments", s.createDeploymentHandler)
	v1.POST("/deployments/:id/promote-canary", s.promoteCanaryHandler)
	v1.POST("/deployments/:id/advance-stage", s.advanceStageHandler)
	v1.POST("/deployments/:id/rollback", s.rollbackHandler)

	v1.GET("/agents", s.listAgentsHandler)
	v1.GET("/agents/:instance_uid", s.getAgentHandler)
	v1.POST("/agents/:instance_uid/request-effective-config", s.requestEffectiveConfigHandler)
	v1.POST("/agents/:instance_uid/compare-effective-config", s.compareEffectiveConfigHandler)
}

// extractOrganizationID extracts the caller's organization (spec §4.9:
// "the caller's organization is required and enforced"), the same
// header-first convention the teacher uses for its author identity
// (pkg/api/auth.go's extractAuthor).
func extractOrganizationID(c *echo.Context) string {
	return c.Request().Header.Get("X-Organization-ID")
}

func requireOrganizationID(c *echo.Context) (string, error) {
	organizationID := extractOrganizationID(c)
	if organizationID == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "X-Organization-ID header is required")
	}
	return organizationID, nil
}

func parseInstanceUID(s string) (wire.InstanceUID, error) {
	var uid wire.InstanceUID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(uid) {
		return wire.InstanceUID{}, echo.NewHTTPError(http.StatusBadRequest, "instance_uid must be 32 hex characters")
	}
	copy(uid[:], b)
	return uid, nil
}

func (s *Server) publishDocumentHandler(c *echo.Context) error {
	organizationID, err := requireOrganizationID(c)
	if err != nil {
		return err
	}
	var req PublishDocumentHTTPRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Payload) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "payload must not be empty")
	}

	docID, hash, err := s.service.PublishDocument(c.Request().Context(), organizationID, req.Payload, req.OriginRef)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, DocumentResponse{DocID: docID, Hash: hex.EncodeToString(hash)})
}

func (s *Server) issueRegistrationTokenHandler(c *echo.Context) error {
	organizationID, err := requireOrganizationID(c)
	if err != nil {
		return err
	}
	var req IssueRegistrationTokenHTTPRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	plaintext, expiresAt, err := s.service.IssueRegistrationToken(c.Request().Context(), organizationID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, RegistrationTokenResponse{Token: plaintext, ExpiresAt: expiresAt})
}

func (s *Server) createDeploymentHandler(c *echo.Context) error {
	organizationID, err := requireOrganizationID(c)
	if err != nil {
		return err
	}
	var req CreateDeploymentHTTPRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.DocumentRef == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "document_ref is required")
	}

	deploymentID, err := s.service.CreateDeployment(c.Request().Context(), CreateDeploymentRequest{
		OrganizationID:   organizationID,
		Name:             req.Name,
		DocumentRef:      req.DocumentRef,
		Strategy:         deployment.RolloutStrategy(req.Strategy),
		CanaryPercent:    req.CanaryPercent,
		StageSize:        req.StageSize,
		TolerateFailures: req.TolerateFailures,
		Targeting:        targetingFromAttrs(req.TargetAttributes, req.ExcludeInactive),
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, DeploymentResponse{DeploymentID: deploymentID})
}

func (s *Server) promoteCanaryHandler(c *echo.Context) error {
	organizationID, err := requireOrganizationID(c)
	if err != nil {
		return err
	}
	if err := s.service.PromoteCanary(c.Request().Context(), organizationID, c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, DeploymentResponse{DeploymentID: c.Param("id")})
}

func (s *Server) advanceStageHandler(c *echo.Context) error {
	organizationID, err := requireOrganizationID(c)
	if err != nil {
		return err
	}
	if err := s.service.AdvanceStage(c.Request().Context(), organizationID, c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, DeploymentResponse{DeploymentID: c.Param("id")})
}

func (s *Server) rollbackHandler(c *echo.Context) error {
	organizationID, err := requireOrganizationID(c)
	if err != nil {
		return err
	}
	newID, err := s.service.Rollback(c.Request().Context(), organizationID, c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, DeploymentResponse{DeploymentID: newID})
}

func (s *Server) getAgentHandler(c *echo.Context) error {
	organizationID, err := requireOrganizationID(c)
	if err != nil {
		return err
	}
	uid, err := parseInstanceUID(c.Param("instance_uid"))
	if err != nil {
		return err
	}
	view, err := s.service.GetAgent(c.Request().Context(), organizationID, uid)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, toAgentResponse(view))
}

func (s *Server) listAgentsHandler(c *echo.Context) error {
	organizationID, err := requireOrganizationID(c)
	if err != nil {
		return err
	}
	filter := map[string]string{}
	for k, v := range c.Request().URL.Query() {
		if len(v) > 0 {
			filter[k] = v[0]
		}
	}
	views, err := s.service.ListAgents(c.Request().Context(), organizationID, filter)
	if err != nil {
		return mapServiceError(err)
	}
	resp := ListAgentsResponse{Agents: make([]AgentResponse, 0, len(views))}
	for _, v := range views {
		resp.Agents = append(resp.Agents, toAgentResponse(v))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) requestEffectiveConfigHandler(c *echo.Context) error {
	organizationID, err := requireOrganizationID(c)
	if err != nil {
		return err
	}
	uid, err := parseInstanceUID(c.Param("instance_uid"))
	if err != nil {
		return err
	}
	ticketID, err := s.service.RequestEffectiveConfig(c.Request().Context(), organizationID, uid)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, TicketResponse{TicketID: ticketID})
}

func (s *Server) compareEffectiveConfigHandler(c *echo.Context) error {
	organizationID, err := requireOrganizationID(c)
	if err != nil {
		return err
	}
	uid, err := parseInstanceUID(c.Param("instance_uid"))
	if err != nil {
		return err
	}
	var req CompareEffectiveConfigHTTPRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	diff, err := s.service.CompareEffectiveConfig(c.Request().Context(), organizationID, uid, req.ReferenceDocument)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, DiffSummaryResponse{
		Match:         diff.Match,
		AgentHash:     hex.EncodeToString(diff.AgentHash),
		ReferenceHash: hex.EncodeToString(diff.ReferenceHash),
	})
}
