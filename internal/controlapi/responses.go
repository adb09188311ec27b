package controlapi

import "time"

// DeploymentResponse is returned by POST /api/v1/deployments and the
// promote/advance/rollback actions.
type DeploymentResponse struct {
	DeploymentID string `json:"deployment_id"`
}

// DocumentResponse is returned by POST /api/v1/documents.
type DocumentResponse struct {
	DocID string `json:"doc_id"`
	Hash  string `json:"hash"`
}

// RegistrationTokenResponse is returned by POST
// /api/v1/registration-tokens. Token is the plaintext value, returned
// exactly once.
type RegistrationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AgentResponse is the HTTP projection of registry.AgentView returned by
// get_agent and list_agents.
type AgentResponse struct {
	AgentID             string            `json:"agent_id"`
	InstanceUID         string            `json:"instance_uid"`
	Name                string            `json:"name"`
	IdentifyingAttrs    map[string]string `json:"identifying_attributes,omitempty"`
	NonIdentifyingAttrs map[string]string `json:"non_identifying_attributes,omitempty"`
	ManagementMode      string            `json:"management_mode"`
	AgentCapabilities   []string          `json:"agent_capabilities"`
	ServerCapabilities  []string          `json:"server_capabilities"`
	LastSeen            time.Time         `json:"last_seen"`
	EffectiveConfigHash string            `json:"effective_config_hash,omitempty"`
	RemoteConfigHash    string            `json:"remote_config_hash,omitempty"`
	RemoteConfigStatus  string            `json:"remote_config_status"`
	HealthHealthy       bool              `json:"health_healthy"`
	HealthLastError     string            `json:"health_last_error,omitempty"`
	RegistrationState   string            `json:"registration_state"`
}

// ListAgentsResponse is returned by GET /api/v1/agents.
type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
}

// TicketResponse is returned by POST
// /api/v1/agents/:instance_uid/request-effective-config.
type TicketResponse struct {
	TicketID string `json:"ticket_id"`
}

// DiffSummaryResponse is returned by POST
// /api/v1/agents/:instance_uid/compare-effective-config.
type DiffSummaryResponse struct {
	Match         bool   `json:"match"`
	AgentHash     string `json:"agent_hash,omitempty"`
	ReferenceHash string `json:"reference_hash"`
}
