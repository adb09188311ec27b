// Package transport holds the pieces shared by both transport terminators
// (spec §4.8): token extraction, authentication, and the instance_uid
// binding check. The stream and poll subpackages each adapt this to their
// own request/response shape.
package transport

import (
	"context"
	"net/http"
	"strings"

	"github.com/flowgate/flowgate/internal/flowerr"
	"github.com/flowgate/flowgate/internal/registry"
	"github.com/flowgate/flowgate/internal/token"
	"github.com/flowgate/flowgate/internal/wire"
)

// ExtractToken pulls the bearer token from a query parameter or an
// Authorization: Bearer header (spec §4.8: "token is taken from a query
// parameter or an Authorization: Bearer … header").
func ExtractToken(r *http.Request) (string, bool) {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix), true
	}
	return "", false
}

// Authenticated is what a successful handshake establishes for the
// remainder of a connection or request.
type Authenticated struct {
	AgentID        string
	OrganizationID string
	InstanceUID    wire.InstanceUID
}

// Authenticate verifies tokenString and resolves the instance_uid bound to
// the token's agent_id, so inbound frames can be checked against it (spec
// §4.8: "reject any message whose instance_uid does not match the token's
// agent_id-bound instance_uid").
func Authenticate(ctx context.Context, agentTokens *token.AgentService, reg *registry.Registry, tokenString string) (Authenticated, error) {
	agentID, organizationID, err := agentTokens.VerifyUnbound(tokenString)
	if err != nil {
		return Authenticated{}, err
	}
	view, err := reg.LookupByID(ctx, organizationID, agentID)
	if err != nil {
		return Authenticated{}, flowerr.NewAuthError(flowerr.TokenUnknownAgent, err)
	}
	return Authenticated{AgentID: agentID, OrganizationID: organizationID, InstanceUID: view.InstanceUID}, nil
}

// CheckBinding enforces that msg's instance_uid matches the authenticated
// session's bound instance_uid.
func CheckBinding(auth Authenticated, msg *wire.AgentToServer) error {
	if msg.InstanceUID != auth.InstanceUID {
		return flowerr.NewAuthError(flowerr.InstanceUIDBinding, nil)
	}
	return nil
}
