// Package registry implements the Agent Registry (spec §4.3): authoritative
// per-agent state, backed by the store.Store persistence contract, with
// capability inference and remote-config-status transition rules applied on
// every inbound message.
package registry

import (
	"time"

	"github.com/flowgate/flowgate/internal/capability"
	"github.com/flowgate/flowgate/internal/wire"
)

// DeclaredIdentity is what a registering agent presents: enough to create
// the Agent row (spec §4.3's register operation).
type DeclaredIdentity struct {
	InstanceUID         wire.InstanceUID
	Name                string
	IdentifyingAttrs    map[string]string
	NonIdentifyingAttrs map[string]string
	ManagementMode      capability.ManagementMode
}

// AgentView is the read-oriented projection returned by Lookup and by the
// Control API's get_agent: hashes stay as raw bytes, capabilities are both
// the opaque bit-field and the decoded named set.
type AgentView struct {
	AgentID              string
	InstanceUID          wire.InstanceUID
	OrganizationID       string
	Name                 string
	IdentifyingAttrs     map[string]string
	NonIdentifyingAttrs  map[string]string
	ManagementMode       capability.ManagementMode
	AgentCapabilities    capability.Set
	ServerCapabilities   capability.Set
	LastSeen             time.Time
	LastSequenceNum      uint64
	EffectiveConfigHash  []byte
	RemoteConfigHash     []byte
	RemoteConfigStatus   wire.RemoteConfigStatusEnum
	HealthHealthy        bool
	HealthStartTimeNanos uint64
	HealthLastError      string
	RegistrationState    string
	Version              uint64
}

// RegistryDelta enumerates what an ApplyInbound call actually changed, so
// the Reconciliation Loop can decide what to send back without re-deriving
// it from before/after snapshots (spec §4.3, §4.6).
type RegistryDelta struct {
	Agent AgentView

	IsReplay               bool // sequence_num <= last stored; only last_seen moved
	SequenceAccepted       bool
	CapabilitiesChanged    bool
	EffectiveConfigUpdated bool
	RemoteConfigStatusNew  bool
	HealthChanged          bool
	ResolvedTicketID       string
}

const (
	registrationStateRegistered = "registered"
	registrationStateActive     = "active"
	registrationStateInactive   = "inactive"
	registrationStateError      = "error"
)

func remoteConfigStatusName(s wire.RemoteConfigStatusEnum) string {
	switch s {
	case wire.RemoteConfigStatusApplying:
		return "APPLYING"
	case wire.RemoteConfigStatusApplied:
		return "APPLIED"
	case wire.RemoteConfigStatusFailed:
		return "FAILED"
	default:
		return "UNSET"
	}
}

func parseRemoteConfigStatus(s string) wire.RemoteConfigStatusEnum {
	switch s {
	case "APPLYING":
		return wire.RemoteConfigStatusApplying
	case "APPLIED":
		return wire.RemoteConfigStatusApplied
	case "FAILED":
		return wire.RemoteConfigStatusFailed
	default:
		return wire.RemoteConfigStatusUnset
	}
}
