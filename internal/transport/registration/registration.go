// Package registration implements the agent-facing registration endpoint
// (spec §4.3's register operation): an unauthenticated HTTP request that
// trades a one-time registration token and a declared identity for an
// agent_id and an agent token, before any stream or poll session is
// opened. Grounded on the Control API's HTTP surface (internal/controlapi)
// generalized to registry.Registry.Register instead of the Service's
// organization-scoped operations.
package registration

import (
	"encoding/hex"
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/flowgate/flowgate/internal/capability"
	"github.com/flowgate/flowgate/internal/flowerr"
	"github.com/flowgate/flowgate/internal/registry"
)

// Terminator adapts HTTP registration requests to registry.Registry.Register.
type Terminator struct {
	registry *registry.Registry
}

func New(reg *registry.Registry) *Terminator {
	return &Terminator{registry: reg}
}

// Request is the JSON body a registering agent presents.
type Request struct {
	RegistrationToken   string            `json:"registration_token"`
	InstanceUID         string            `json:"instance_uid"`
	Name                string            `json:"name,omitempty"`
	IdentifyingAttrs    map[string]string `json:"identifying_attributes,omitempty"`
	NonIdentifyingAttrs map[string]string `json:"non_identifying_attributes,omitempty"`
	ManagementMode      string            `json:"management_mode,omitempty"`
}

// Response is returned on successful registration. AgentToken is the
// long-lived agent token, returned exactly once (spec §4.7).
type Response struct {
	AgentID    string `json:"agent_id"`
	AgentToken string `json:"agent_token"`
}

// Handle decodes Request, redeems the registration token, and returns the
// newly minted (or, for a retried instance_uid, existing) agent's
// credentials.
func (t *Terminator) Handle(c *echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RegistrationToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "registration_token is required")
	}

	uidBytes, err := hex.DecodeString(req.InstanceUID)
	if err != nil || len(uidBytes) != 16 {
		return echo.NewHTTPError(http.StatusBadRequest, "instance_uid must be 32 hex characters")
	}
	var uid [16]byte
	copy(uid[:], uidBytes)

	mode := capability.ManagementMode(req.ManagementMode)
	if mode == "" {
		mode = capability.ModeSupervisor
	}

	agentID, agentToken, err := t.registry.Register(c.Request().Context(), req.RegistrationToken, registry.DeclaredIdentity{
		InstanceUID:         uid,
		Name:                req.Name,
		IdentifyingAttrs:    req.IdentifyingAttrs,
		NonIdentifyingAttrs: req.NonIdentifyingAttrs,
		ManagementMode:      mode,
	})
	if err != nil {
		return mapRegisterError(err)
	}
	return c.JSON(http.StatusCreated, Response{AgentID: agentID, AgentToken: agentToken})
}

func mapRegisterError(err error) *echo.HTTPError {
	var authErr *flowerr.AuthError
	if errors.As(err, &authErr) {
		return echo.NewHTTPError(http.StatusUnauthorized, authErr.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "registration failed")
}
