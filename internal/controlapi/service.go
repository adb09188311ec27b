// Package controlapi implements the Control API (spec §4.9): the
// organization-scoped surface the UI/REST layer uses to create deployments,
// inspect agents, and request on-demand configuration reporting. Service
// holds the business logic; server.go wraps it in an Echo v5 HTTP surface,
// grounded on the teacher's pkg/api.Server.
package controlapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowgate/flowgate/internal/deployment"
	"github.com/flowgate/flowgate/internal/flowerr"
	"github.com/flowgate/flowgate/internal/redact"
	"github.com/flowgate/flowgate/internal/registry"
	"github.com/flowgate/flowgate/internal/store"
	"github.com/flowgate/flowgate/internal/token"
	"github.com/flowgate/flowgate/internal/wire"
)

// DefaultTicketTTL bounds how long a request_effective_config ticket stays
// pending before it expires unresolved (spec §3: "resolved by the next
// inbound message whose effective_config is populated or on expiry").
const DefaultTicketTTL = 10 * time.Minute

// Service implements every operation spec §4.9 names. Every method takes an
// organizationID and enforces it: cross-organization access to an existing
// resource is refused the same way a nonexistent one would be, never
// distinguishing the two (spec §6: "never acknowledging existence").
type Service struct {
	store        store.Store
	registry     *registry.Registry
	deployment   *deployment.Engine
	registration *token.RegistrationService
	log          *slog.Logger
	now          func() time.Time
}

// New builds a Service over the given store, registry, deployment engine,
// and registration token service.
func New(st store.Store, reg *registry.Registry, eng *deployment.Engine, registration *token.RegistrationService, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, registry: reg, deployment: eng, registration: registration, log: log, now: time.Now}
}

// IssueRegistrationToken mints a one-time registration token for
// organizationID, handed to an operator to provision a new agent (spec
// §4.7). The plaintext is returned exactly once, here.
func (s *Service) IssueRegistrationToken(ctx context.Context, organizationID string, ttl time.Duration) (plaintext string, expiresAt time.Time, err error) {
	return s.registration.Issue(ctx, organizationID, ttl)
}

// CreateDeploymentRequest is the organization-scoped input to
// CreateDeployment.
type CreateDeploymentRequest struct {
	OrganizationID   string
	Name             string
	DocumentRef      string
	Strategy         deployment.RolloutStrategy
	CanaryPercent    int
	StageSize        int
	Targeting        store.AgentPredicate
	TolerateFailures bool
}

// CreateDeployment creates and starts rolling out a deployment (spec §4.5,
// §4.9).
func (s *Service) CreateDeployment(ctx context.Context, req CreateDeploymentRequest) (string, error) {
	req.Targeting.OrganizationID = req.OrganizationID
	return s.deployment.CreateDeployment(ctx, deployment.CreateRequest{
		OrganizationID:   req.OrganizationID,
		Name:             req.Name,
		DocumentRef:      req.DocumentRef,
		Strategy:         req.Strategy,
		CanaryPercent:    req.CanaryPercent,
		StageSize:        req.StageSize,
		Targeting:        req.Targeting,
		TolerateFailures: req.TolerateFailures,
	})
}

// PromoteCanary offers the remaining canary targets (spec §4.5, §4.9).
func (s *Service) PromoteCanary(ctx context.Context, organizationID, deploymentID string) error {
	return s.deployment.PromoteCanary(ctx, organizationID, deploymentID)
}

// AdvanceStage offers the next staged-rollout wave (spec §4.5, §4.9).
func (s *Service) AdvanceStage(ctx context.Context, organizationID, deploymentID string) error {
	return s.deployment.AdvanceStage(ctx, organizationID, deploymentID)
}

// Rollback creates a fresh immediate-strategy deployment pinning every
// affected target back to its last applied document (spec §4.5, §4.9).
func (s *Service) Rollback(ctx context.Context, organizationID, deploymentID string) (string, error) {
	return s.deployment.Rollback(ctx, organizationID, deploymentID)
}

// PublishDocument content-addresses payload (spec §6: "hash algorithm is
// SHA-256") and stores it, returning the docID callers pass as DocumentRef
// to CreateDeployment. Publishing the same bytes twice returns the existing
// docID rather than creating a duplicate row.
func (s *Service) PublishDocument(ctx context.Context, organizationID string, payload []byte, originRef string) (docID string, hash []byte, err error) {
	sum := sha256.Sum256(payload)
	hash = sum[:]

	if existing, found, err := s.store.GetByHash(ctx, organizationID, hash); err != nil {
		return "", nil, err
	} else if found {
		return existing.DocID, hash, nil
	}

	id, err := newDocID()
	if err != nil {
		return "", nil, err
	}
	doc := store.ConfigurationDocumentRecord{
		DocID:          id,
		OrganizationID: organizationID,
		Payload:        payload,
		Hash:           hash,
		CreatedAt:      s.now(),
		OriginRef:      originRef,
	}
	if err := s.store.Put(ctx, doc); err != nil {
		return "", nil, err
	}
	s.log.Info("published configuration document", "doc_id", id, "organization_id", organizationID, "payload_preview", logPreview(payload))
	return id, hash, nil
}

// logPreview returns a short, log-safe excerpt of a document payload: Secret
// data is redacted before truncation so a Secret's cleartext values never
// reach a log line, even when the payload is larger than the preview window.
func logPreview(payload []byte) string {
	safe := payload
	if redact.LooksLikeSecret(payload) {
		safe = redact.Payload(payload)
	}
	const maxPreview = 200
	if len(safe) <= maxPreview {
		return string(safe)
	}
	return string(safe[:maxPreview]) + "...(truncated)"
}

// GetAgent returns the decoded view of instanceUID within organizationID
// (spec §4.9). A lookup that finds the agent in a different organization is
// reported identically to one that finds nothing.
func (s *Service) GetAgent(ctx context.Context, organizationID string, instanceUID wire.InstanceUID) (registry.AgentView, error) {
	view, err := s.registry.Lookup(ctx, instanceUID)
	if err != nil {
		return registry.AgentView{}, flowerr.ErrNotFound
	}
	if view.OrganizationID != organizationID {
		return registry.AgentView{}, flowerr.ErrNotFound
	}
	return view, nil
}

// ListAgents returns every agent in organizationID matching filter (spec
// §4.9).
func (s *Service) ListAgents(ctx context.Context, organizationID string, filter map[string]string) ([]registry.AgentView, error) {
	return s.registry.List(ctx, store.AgentPredicate{
		OrganizationID:  organizationID,
		AttributeEquals: filter,
	})
}

// RequestEffectiveConfig opens a ConfigRequestTicket that flags the next
// outbound message to instanceUID's agent with FlagReportFullState (spec
// §4.6, §4.9).
func (s *Service) RequestEffectiveConfig(ctx context.Context, organizationID string, instanceUID wire.InstanceUID) (string, error) {
	agent, err := s.GetAgent(ctx, organizationID, instanceUID)
	if err != nil {
		return "", err
	}

	ticketID, err := newTicketID()
	if err != nil {
		return "", err
	}
	now := s.now()
	ticket := store.ConfigRequestTicketRecord{
		TicketID:  ticketID,
		AgentID:   agent.AgentID,
		State:     "pending",
		CreatedAt: now,
		ExpiresAt: now.Add(DefaultTicketTTL),
	}
	if err := s.store.Create(ctx, ticket); err != nil {
		return "", err
	}
	return ticketID, nil
}

// DiffSummary is the result of CompareEffectiveConfig.
type DiffSummary struct {
	Match         bool
	AgentHash     []byte
	ReferenceHash []byte
}

// CompareEffectiveConfig compares instanceUID's last-reported
// effective_config hash against referenceDocument, byte for byte via their
// SHA-256 digests (spec §6: "byte-for-byte equality is what defines 'same
// configuration'").
func (s *Service) CompareEffectiveConfig(ctx context.Context, organizationID string, instanceUID wire.InstanceUID, referenceDocument []byte) (DiffSummary, error) {
	agent, err := s.GetAgent(ctx, organizationID, instanceUID)
	if err != nil {
		return DiffSummary{}, err
	}
	refSum := sha256.Sum256(referenceDocument)
	return DiffSummary{
		Match:         bytesEqual(agent.EffectiveConfigHash, refSum[:]),
		AgentHash:     agent.EffectiveConfigHash,
		ReferenceHash: refSum[:],
	}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newDocID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("controlapi: generating doc_id: %w", err)
	}
	return "doc_" + hex.EncodeToString(b), nil
}

func newTicketID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("controlapi: generating ticket_id: %w", err)
	}
	return "tkt_" + hex.EncodeToString(b), nil
}
