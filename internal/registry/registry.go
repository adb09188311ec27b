package registry

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowgate/flowgate/internal/capability"
	"github.com/flowgate/flowgate/internal/flowerr"
	"github.com/flowgate/flowgate/internal/store"
	"github.com/flowgate/flowgate/internal/token"
	"github.com/flowgate/flowgate/internal/wire"
)

// maxCASRetries bounds the load-merge-persist retry loop under contention
// before a write gives up and surfaces RegistryConflict (spec §7).
const maxCASRetries = 5

// Registry is the authoritative per-agent state keeper. Grounded on the
// teacher's pattern of a thin service type wrapping a store interface —
// compare pkg/database.Client wrapping ent — generalized here to the
// store.Store contract instead of a concrete ORM client.
type Registry struct {
	agents       store.AgentStore
	tickets      store.TicketStore
	registration *token.RegistrationService
	agentTokens  *token.AgentService
	log          *slog.Logger
	now          func() time.Time
}

// New builds a Registry over the given store sub-interfaces and token
// services.
func New(agents store.AgentStore, tickets store.TicketStore, registration *token.RegistrationService, agentTokens *token.AgentService, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{agents: agents, tickets: tickets, registration: registration, agentTokens: agentTokens, log: log, now: time.Now}
}

// Register validates registrationToken, creates the agent row if
// instance_uid is new (or returns the existing one idempotently), and
// mints a fresh agent token (spec §4.3).
func (r *Registry) Register(ctx context.Context, registrationToken string, declared DeclaredIdentity) (agentID string, agentToken string, err error) {
	organizationID, err := r.registration.Redeem(ctx, registrationToken)
	if err != nil {
		return "", "", err
	}

	mode := declared.ManagementMode
	if mode == "" {
		mode = capability.ModeSupervisor
	}

	existing, err := r.agents.GetByInstanceUID(ctx, [16]byte(declared.InstanceUID))
	if err == nil {
		if existing.OrganizationID != organizationID {
			return "", "", flowerr.NewAuthError(flowerr.TokenOrgMismatch, nil)
		}
		tok, err := r.agentTokens.Issue(existing.AgentID, organizationID)
		if err != nil {
			return "", "", err
		}
		return existing.AgentID, tok, nil
	}

	agentID, err = newAgentID()
	if err != nil {
		return "", "", fmt.Errorf("registry: generating agent_id: %w", err)
	}

	rec := store.AgentRecord{
		AgentID:             agentID,
		InstanceUID:         [16]byte(declared.InstanceUID),
		OrganizationID:      organizationID,
		Name:                declared.Name,
		IdentifyingAttrs:    declared.IdentifyingAttrs,
		NonIdentifyingAttrs: declared.NonIdentifyingAttrs,
		ManagementMode:      string(mode),
		ServerCapabilities:  capability.ServerCapabilities,
		LastSeen:            r.now(),
		RemoteConfigStatus:  remoteConfigStatusName(wire.RemoteConfigStatusUnset),
		RegistrationState:   registrationStateRegistered,
	}
	if _, err := r.agents.UpsertCAS(ctx, rec); err != nil {
		return "", "", fmt.Errorf("registry: creating agent row: %w", err)
	}

	agentToken, err = r.agentTokens.Issue(agentID, organizationID)
	if err != nil {
		return "", "", err
	}
	return agentID, agentToken, nil
}

// Lookup returns the current state of the agent identified by instanceUID.
func (r *Registry) Lookup(ctx context.Context, instanceUID wire.InstanceUID) (AgentView, error) {
	rec, err := r.agents.GetByInstanceUID(ctx, [16]byte(instanceUID))
	if err != nil {
		return AgentView{}, err
	}
	return toView(rec), nil
}

// LookupByID returns the current state of agentID within organizationID.
func (r *Registry) LookupByID(ctx context.Context, organizationID, agentID string) (AgentView, error) {
	rec, err := r.agents.GetAgentByID(ctx, organizationID, agentID)
	if err != nil {
		return AgentView{}, err
	}
	return toView(rec), nil
}

// List returns every agent in organizationID matching pred.
func (r *Registry) List(ctx context.Context, pred store.AgentPredicate) ([]AgentView, error) {
	recs, err := r.agents.List(ctx, pred)
	if err != nil {
		return nil, err
	}
	out := make([]AgentView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toView(rec))
	}
	return out, nil
}

// ApplyInbound merges an inbound AgentToServer into the agent's state per
// spec §4.3's rules, retrying the load-merge-persist cycle under CAS
// contention.
func (r *Registry) ApplyInbound(ctx context.Context, agentID string, organizationID string, msg *wire.AgentToServer) (RegistryDelta, error) {
	var delta RegistryDelta
	var lastErr error

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		rec, err := r.agents.GetAgentByID(ctx, organizationID, agentID)
		if err != nil {
			return RegistryDelta{}, err
		}

		updated, d := merge(rec, msg, r.now())
		if d.IsReplay {
			updated.LastSeen = r.now()
			saved, err := r.agents.UpsertCAS(ctx, updated)
			if err != nil {
				lastErr = err
				continue
			}
			d.Agent = toView(saved)
			return d, nil
		}

		saved, err := r.agents.UpsertCAS(ctx, updated)
		if err != nil {
			lastErr = err
			continue
		}

		if d.EffectiveConfigUpdated && r.tickets != nil {
			if ticket, found, terr := r.tickets.GetPendingForAgent(ctx, agentID); terr == nil && found {
				if rerr := r.tickets.Resolve(ctx, ticket.TicketID, "completed", msg.EffectiveConfig.Hash); rerr == nil {
					d.ResolvedTicketID = ticket.TicketID
				}
			}
		}

		d.Agent = toView(saved)
		return d, nil
	}

	return RegistryDelta{}, flowerr.NewRegistryError(agentID, "apply_inbound", lastErr)
}

// merge computes the post-merge record and delta per spec §4.3's rules. It
// does not touch storage.
func merge(rec store.AgentRecord, msg *wire.AgentToServer, now time.Time) (store.AgentRecord, RegistryDelta) {
	delta := RegistryDelta{}

	if msg.SequenceNum <= rec.LastSequenceNum && rec.LastSequenceNum != 0 {
		delta.IsReplay = true
		return rec, delta
	}
	delta.SequenceAccepted = true
	rec.LastSequenceNum = msg.SequenceNum
	rec.LastSeen = now

	if msg.Capabilities != 0 {
		if rec.AgentCapabilities != msg.Capabilities {
			delta.CapabilitiesChanged = true
		}
		rec.AgentCapabilities = msg.Capabilities
	} else if rec.ManagementMode == string(capability.ModeSupervisor) {
		inferred := capability.Resolve(capability.ModeSupervisor, 0)
		if rec.AgentCapabilities != inferred {
			delta.CapabilitiesChanged = true
		}
		rec.AgentCapabilities = inferred
	}

	if msg.AgentDescription != nil {
		if len(msg.AgentDescription.IdentifyingAttributes) > 0 {
			rec.IdentifyingAttrs = msg.AgentDescription.IdentifyingAttributes
		}
		if len(msg.AgentDescription.NonIdentifyingAttributes) > 0 {
			rec.NonIdentifyingAttrs = msg.AgentDescription.NonIdentifyingAttributes
		}
	}

	if msg.EffectiveConfig != nil {
		rec.EffectiveConfigHash = msg.EffectiveConfig.Hash
		delta.EffectiveConfigUpdated = true
	}

	if msg.RemoteConfigStatus != nil {
		current := parseRemoteConfigStatus(rec.RemoteConfigStatus)
		reported := msg.RemoteConfigStatus.Status
		// A self-reported APPLIED whose effective_config_hash disagrees with
		// the last_remote_config_hash it's reporting alongside is incoherent
		// — the agent cannot have applied a config it doesn't also report as
		// effective — so it's treated as FAILED instead (spec §9 Open
		// Question #1's resolution).
		if reported == wire.RemoteConfigStatusApplied && !bytes.Equal(rec.EffectiveConfigHash, msg.RemoteConfigStatus.LastRemoteConfigHash) {
			reported = wire.RemoteConfigStatusFailed
		}
		if isValidTransition(current, reported) {
			rec.RemoteConfigStatus = remoteConfigStatusName(reported)
			rec.RemoteConfigHash = msg.RemoteConfigStatus.LastRemoteConfigHash
			delta.RemoteConfigStatusNew = true
		}
	}

	if msg.Health != nil {
		rec.HealthHealthy = msg.Health.Healthy
		rec.HealthStartTimeNanos = msg.Health.StartTimeNanos
		rec.HealthLastError = msg.Health.LastError
		delta.HealthChanged = true
	}

	if rec.RegistrationState == registrationStateRegistered || rec.RegistrationState == registrationStateInactive {
		rec.RegistrationState = registrationStateActive
	}

	return rec, delta
}

// isValidTransition enforces spec §4.3: UNSET -> APPLYING -> APPLIED|FAILED,
// or a fresh APPLYING from any state (new application cycle).
func isValidTransition(current, reported wire.RemoteConfigStatusEnum) bool {
	if reported == wire.RemoteConfigStatusApplying {
		return true
	}
	switch current {
	case wire.RemoteConfigStatusApplying:
		return reported == wire.RemoteConfigStatusApplied || reported == wire.RemoteConfigStatusFailed
	case wire.RemoteConfigStatusUnset:
		return false
	default:
		return reported == current
	}
}

func toView(rec store.AgentRecord) AgentView {
	return AgentView{
		AgentID:              rec.AgentID,
		InstanceUID:          wire.InstanceUID(rec.InstanceUID),
		OrganizationID:       rec.OrganizationID,
		Name:                 rec.Name,
		IdentifyingAttrs:     rec.IdentifyingAttrs,
		NonIdentifyingAttrs:  rec.NonIdentifyingAttrs,
		ManagementMode:       capability.ManagementMode(rec.ManagementMode),
		AgentCapabilities:    capability.Decode(rec.AgentCapabilities),
		ServerCapabilities:   capability.Decode(rec.ServerCapabilities),
		LastSeen:             rec.LastSeen,
		LastSequenceNum:      rec.LastSequenceNum,
		EffectiveConfigHash:  rec.EffectiveConfigHash,
		RemoteConfigHash:     rec.RemoteConfigHash,
		RemoteConfigStatus:   parseRemoteConfigStatus(rec.RemoteConfigStatus),
		HealthHealthy:        rec.HealthHealthy,
		HealthStartTimeNanos: rec.HealthStartTimeNanos,
		HealthLastError:      rec.HealthLastError,
		RegistrationState:    rec.RegistrationState,
		Version:              rec.Version,
	}
}

func newAgentID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "agt_" + hex.EncodeToString(b), nil
}
