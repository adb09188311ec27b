// Package store defines the persistence contract the control plane depends
// on (spec §6): upsert-with-CAS by agent_id, transactional deployment
// creation, secondary lookups by instance_uid and by organization+predicate,
// and a content-addressed blob store for configuration documents. The core
// never imports a concrete database driver directly — only this package's
// interfaces, matching spec.md §1's "persistence backend... the core
// depends only on their contracts."
package store

import (
	"context"
	"time"
)

// AgentRecord is the persisted shape of the Agent entity (spec §3).
type AgentRecord struct {
	AgentID              string
	InstanceUID          [16]byte
	OrganizationID       string
	Name                 string
	IdentifyingAttrs     map[string]string
	NonIdentifyingAttrs  map[string]string
	ManagementMode       string
	AgentCapabilities    uint64
	ServerCapabilities   uint64
	LastSeen             time.Time
	LastSequenceNum      uint64
	EffectiveConfigHash  []byte
	RemoteConfigHash     []byte
	RemoteConfigStatus   string
	HealthHealthy        bool
	HealthStartTimeNanos uint64
	HealthLastError      string
	RegistrationState    string

	// Version is the CAS token: callers pass the Version they read back to
	// UpsertCAS, which fails with ErrCASConflict if it no longer matches.
	Version uint64
}

// DeploymentRecord is the persisted shape of the Deployment entity.
type DeploymentRecord struct {
	DeploymentID     string
	OrganizationID   string
	Name             string
	DocumentRef      string
	RolloutStrategy  string
	CanaryPercent    int
	TargetingJSON    []byte
	TolerateFailures bool
	State            string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Supersedes       string
}

// AgentDeploymentStatusRecord is the persisted shape of the join row.
type AgentDeploymentStatusRecord struct {
	DeploymentID     string
	AgentID          string
	Phase            string
	LastReportedHash []byte
	Error            string
	UpdatedAt        time.Time

	// Wave is the staged-rollout wave index this target was assigned at
	// deployment creation (0 for immediate/canary strategies, where it's
	// unused).
	Wave int
}

// ConfigRequestTicketRecord is the persisted shape of a ConfigRequestTicket.
type ConfigRequestTicketRecord struct {
	TicketID      string
	AgentID       string
	State         string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	ResultPayload []byte
}

// ConfigurationDocumentRecord is the persisted, content-addressed shape of a
// ConfigurationDocument.
type ConfigurationDocumentRecord struct {
	DocID          string
	OrganizationID string
	Payload        []byte
	Hash           []byte
	CreatedAt      time.Time
	OriginRef      string
}

// AgentPredicate selects agents within an organization by identifying
// attributes. A nil/empty map matches every agent in the organization (spec
// §4.5: "empty = match all in organization").
type AgentPredicate struct {
	OrganizationID   string
	AttributeEquals  map[string]string
	ExcludeInactive  bool
}

// AgentStore is the agent_id-keyed contract (spec §6 (i), (iii)).
type AgentStore interface {
	// UpsertCAS creates or updates an agent row. On update, rec.Version must
	// match the currently stored version or flowerr.ErrRegistryConflict is
	// returned. The stored record's Version is always rec.Version+1 on
	// success.
	UpsertCAS(ctx context.Context, rec AgentRecord) (AgentRecord, error)

	GetAgentByID(ctx context.Context, organizationID, agentID string) (AgentRecord, error)
	GetByInstanceUID(ctx context.Context, instanceUID [16]byte) (AgentRecord, error)
	List(ctx context.Context, pred AgentPredicate) ([]AgentRecord, error)
}

// DeploymentStore is the deployment-and-status contract (spec §6 (ii)).
type DeploymentStore interface {
	// CreateWithStatuses transactionally inserts dep and every status row in
	// statuses. Both succeed or both fail.
	CreateWithStatuses(ctx context.Context, dep DeploymentRecord, statuses []AgentDeploymentStatusRecord) error

	GetDeployment(ctx context.Context, organizationID, deploymentID string) (DeploymentRecord, error)
	UpdateDeploymentState(ctx context.Context, organizationID, deploymentID, state string, startedAt, completedAt *time.Time) error
	ListActiveForTarget(ctx context.Context, organizationID, agentID string) ([]DeploymentRecord, error)

	GetStatus(ctx context.Context, deploymentID, agentID string) (AgentDeploymentStatusRecord, error)
	ListStatuses(ctx context.Context, deploymentID string) ([]AgentDeploymentStatusRecord, error)
	// UpdateStatusCAS applies a phase transition only if the row's current
	// phase equals expectPhase, guarding against two workers racing on the
	// same (deployment_id, agent_id) pair (spec §5).
	UpdateStatusCAS(ctx context.Context, rec AgentDeploymentStatusRecord, expectPhase string) error

	// LastAppliedDocument returns the document_ref of the last terminal
	// "applied" status row for agentID, across any deployment, used by
	// rollback (spec §4.5).
	LastAppliedDocument(ctx context.Context, organizationID, agentID string, excludeDeploymentID string) (string, error)
}

// TicketStore is the ConfigRequestTicket contract.
type TicketStore interface {
	Create(ctx context.Context, t ConfigRequestTicketRecord) error
	GetPendingForAgent(ctx context.Context, agentID string) (ConfigRequestTicketRecord, bool, error)
	Resolve(ctx context.Context, ticketID, state string, resultPayload []byte) error
	ExpirePast(ctx context.Context, now time.Time) (int, error)
}

// DocumentStore is the content-addressed blob store contract (spec §6
// (iv)). Documents are immutable once written.
type DocumentStore interface {
	Put(ctx context.Context, doc ConfigurationDocumentRecord) error
	GetByHash(ctx context.Context, organizationID string, hash []byte) (ConfigurationDocumentRecord, bool, error)
	GetDocumentByID(ctx context.Context, organizationID, docID string) (ConfigurationDocumentRecord, bool, error)
}

// TokenDigestStore persists salted registration-token digests for the Token
// Service. Agent-token signing keys are supplied by flowconfig and are not
// stored here.
type TokenDigestStore interface {
	PutRegistrationToken(ctx context.Context, organizationID, digest string, expiresAt time.Time) error
	ConsumeRegistrationToken(ctx context.Context, digest string) (organizationID string, ok bool, err error)
	RevokeRegistrationToken(ctx context.Context, digest string) error
}

// Store aggregates every sub-contract the control plane needs. Concrete
// adapters (memory, postgres) implement all of it; components depend on the
// narrower sub-interfaces they actually use.
type Store interface {
	AgentStore
	DeploymentStore
	TicketStore
	DocumentStore
	TokenDigestStore
}
