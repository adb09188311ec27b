// Package reconcile implements the Reconciliation Loop (spec §4.6): given an
// inbound AgentToServer, it updates the registry, advances deployment
// status, computes the outbound ServerToAgent, and enqueues it via the
// session store. Exactly one Loop call runs per session at a time — callers
// (the transport terminators) are responsible for the single-writer
// guarantee (spec §5); the Loop itself holds no per-session state.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/flowgate/flowgate/internal/capability"
	"github.com/flowgate/flowgate/internal/deployment"
	"github.com/flowgate/flowgate/internal/registry"
	"github.com/flowgate/flowgate/internal/sessionstore"
	"github.com/flowgate/flowgate/internal/store"
	"github.com/flowgate/flowgate/internal/wire"
)

// Loop wires the registry, deployment engine, document store, and session
// store together to turn one inbound message into zero-or-one outbound
// message. Grounded on the teacher's pkg/queue processing pattern
// generalized from "dequeue a job, run a handler" to "merge a delta, decide
// a response" — the session-per-goroutine fan-out lives in the transport
// terminators, not here.
type Loop struct {
	registry   *registry.Registry
	deployment *deployment.Engine
	deployStore store.DeploymentStore
	docs       store.DocumentStore
	tickets    store.TicketStore
	sessions   *sessionstore.Store
	log        *slog.Logger

	ticketGroup singleflight.Group
}

func New(reg *registry.Registry, dep *deployment.Engine, deployStore store.DeploymentStore, docs store.DocumentStore, tickets store.TicketStore, sessions *sessionstore.Store, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{registry: reg, deployment: dep, deployStore: deployStore, docs: docs, tickets: tickets, sessions: sessions, log: log}
}

// Result describes what the loop decided, for callers (poll terminator)
// that need the outbound message directly rather than via the session
// store's queue.
type Result struct {
	Delta    registry.RegistryDelta
	Outbound *wire.ServerToAgent
}

// Handle processes one inbound message for agentID/organizationID within
// instanceUID's session, returning the delta and the outbound message (if
// any) it decided on. firstMessage marks whether this is the first message
// of the session, forcing a server-capabilities announcement (spec §4.6
// step 3's "always include server capabilities on the first message").
func (l *Loop) Handle(ctx context.Context, agentID, organizationID string, instanceUID wire.InstanceUID, msg *wire.AgentToServer, firstMessage bool) (Result, error) {
	delta, err := l.registry.ApplyInbound(ctx, agentID, organizationID, msg)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: applying inbound: %w", err)
	}

	if !delta.IsReplay {
		if rcs := msg.RemoteConfigStatus; rcs != nil {
			l.advanceDeployment(ctx, organizationID, agentID, rcs, delta)
		}
	}

	out, err := l.buildOutbound(ctx, organizationID, agentID, delta, firstMessage)
	if err != nil {
		return Result{}, err
	}

	return Result{Delta: delta, Outbound: out}, nil
}

// advanceDeployment reports the agent's remote-config application outcome
// to the deployment engine. The APPLIED check needs two genuinely distinct
// hashes to mean anything (spec §3/§4.5: "applied requires the agent's
// reported effective_config_hash == document hash"): the document hash
// comes from the deployment actually targeting this agent right now
// (activeDeploymentFor), not from the agent's own status report, which is
// exactly the value being checked against it.
func (l *Loop) advanceDeployment(ctx context.Context, organizationID, agentID string, rcs *wire.RemoteConfigStatusReport, delta registry.RegistryDelta) {
	if l.deployment == nil {
		return
	}
	active, err := l.activeDeploymentFor(ctx, organizationID, agentID)
	if err != nil {
		return
	}
	if err := l.deployment.AdvanceFromReport(ctx, organizationID, agentID, rcs.Status, delta.Agent.EffectiveConfigHash, active.document.Hash); err != nil {
		l.log.Warn("reconcile: advancing deployment from report failed", "agent_id", agentID, "error", err)
	}
}

// buildOutbound implements spec §4.6 step 3.
func (l *Loop) buildOutbound(ctx context.Context, organizationID, agentID string, delta registry.RegistryDelta, firstMessage bool) (*wire.ServerToAgent, error) {
	out := &wire.ServerToAgent{InstanceUID: delta.Agent.InstanceUID}
	included := false

	if firstMessage {
		out.Capabilities = capability.ServerCapabilities
		included = true
	}

	active, err := l.activeDeploymentFor(ctx, organizationID, agentID)
	if err == nil && active.deployment.DeploymentID != "" {
		if active.status.Phase == "queued" || active.status.Phase == "offered" {
			if delta.Agent.AgentCapabilities.Has(capability.AcceptsRemoteConfig) {
				if string(delta.Agent.EffectiveConfigHash) != string(active.document.Hash) {
					out.RemoteConfig = &wire.RemoteConfig{
						ConfigMap: decodeConfigMap(active.document.Payload),
						Hash:      active.document.Hash,
					}
					included = true
				} else {
					out.Capabilities = capability.ServerCapabilities
					included = true
				}
			}
		}
	}

	if l.tickets != nil {
		if ticket, found, terr := l.ticketGroupGet(ctx, agentID); terr == nil && found && ticket.State == "pending" {
			out.Flags |= wire.FlagReportFullState
			included = true
		}
	}

	if !included {
		return nil, nil
	}
	return out, nil
}

// ticketGroupGet coalesces concurrent pending-ticket lookups for the same
// agent_id behind a single store round-trip (spec's domain stack: this is
// the singleflight use the Reconciliation Loop gets from having many
// sessions potentially check the same agent's tickets in a tight window).
func (l *Loop) ticketGroupGet(ctx context.Context, agentID string) (store.ConfigRequestTicketRecord, bool, error) {
	type result struct {
		ticket store.ConfigRequestTicketRecord
		found  bool
	}
	v, err, _ := l.ticketGroup.Do(agentID, func() (interface{}, error) {
		ticket, found, err := l.tickets.GetPendingForAgent(ctx, agentID)
		return result{ticket: ticket, found: found}, err
	})
	if err != nil {
		return store.ConfigRequestTicketRecord{}, false, err
	}
	r := v.(result)
	return r.ticket, r.found, nil
}

type activeDeployment struct {
	deployment store.DeploymentRecord
	status     store.AgentDeploymentStatusRecord
	document   store.ConfigurationDocumentRecord
}

func (l *Loop) activeDeploymentFor(ctx context.Context, organizationID, agentID string) (activeDeployment, error) {
	deps, err := l.deployStore.ListActiveForTarget(ctx, organizationID, agentID)
	if err != nil || len(deps) == 0 {
		return activeDeployment{}, fmt.Errorf("reconcile: no active deployment")
	}
	dep := deps[0]
	status, err := l.deployStore.GetStatus(ctx, dep.DeploymentID, agentID)
	if err != nil {
		return activeDeployment{}, err
	}
	doc, found, err := l.docs.GetDocumentByID(ctx, organizationID, dep.DocumentRef)
	if err != nil || !found {
		return activeDeployment{}, fmt.Errorf("reconcile: document %s not found", dep.DocumentRef)
	}
	return activeDeployment{deployment: dep, status: status, document: doc}, nil
}

func decodeConfigMap(payload []byte) map[string][]byte {
	return map[string][]byte{"config.yaml": payload}
}

// Enqueue pushes out onto the session's outbound queue, choosing an
// OutboundKind so supersession (spec §4.2/§4.6 back-pressure) applies
// correctly.
func (l *Loop) Enqueue(instanceUID wire.InstanceUID, out *wire.ServerToAgent) error {
	kind := sessionstore.KindCapabilityOnly
	switch {
	case out.RemoteConfig != nil:
		kind = sessionstore.KindRemoteConfig
	case out.ErrorResponse != nil:
		kind = sessionstore.KindErrorResponse
	case out.Command != nil:
		kind = sessionstore.KindCommand
	case out.Flags&wire.FlagReportFullState != 0:
		kind = sessionstore.KindReportRequest
	}
	return l.sessions.Send(instanceUID, kind, out)
}
