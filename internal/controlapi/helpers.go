package controlapi

import (
	"encoding/hex"

	"github.com/flowgate/flowgate/internal/registry"
	"github.com/flowgate/flowgate/internal/store"
	"github.com/flowgate/flowgate/internal/wire"
)

func targetingFromAttrs(attrs map[string]string, excludeInactive bool) store.AgentPredicate {
	return store.AgentPredicate{
		AttributeEquals: attrs,
		ExcludeInactive: excludeInactive,
	}
}

func toAgentResponse(v registry.AgentView) AgentResponse {
	return AgentResponse{
		AgentID:             v.AgentID,
		InstanceUID:         hex.EncodeToString(v.InstanceUID[:]),
		Name:                v.Name,
		IdentifyingAttrs:    v.IdentifyingAttrs,
		NonIdentifyingAttrs: v.NonIdentifyingAttrs,
		ManagementMode:      string(v.ManagementMode),
		AgentCapabilities:   v.AgentCapabilities.Names(),
		ServerCapabilities:  v.ServerCapabilities.Names(),
		LastSeen:            v.LastSeen,
		EffectiveConfigHash: hex.EncodeToString(v.EffectiveConfigHash),
		RemoteConfigHash:    hex.EncodeToString(v.RemoteConfigHash),
		RemoteConfigStatus:  remoteConfigStatusLabel(v.RemoteConfigStatus),
		HealthHealthy:       v.HealthHealthy,
		HealthLastError:     v.HealthLastError,
		RegistrationState:   v.RegistrationState,
	}
}

// remoteConfigStatusLabel renders the enum the way the HTTP surface shows
// it, mirroring the names the wire protocol itself uses.
func remoteConfigStatusLabel(s wire.RemoteConfigStatusEnum) string {
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
