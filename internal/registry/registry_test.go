package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/internal/capability"
	"github.com/flowgate/flowgate/internal/store"
	"github.com/flowgate/flowgate/internal/store/memstore"
	"github.com/flowgate/flowgate/internal/token"
	"github.com/flowgate/flowgate/internal/wire"
)

func newTestRegistry(t *testing.T) (*Registry, *memstore.Store, *token.RegistrationService) {
	t.Helper()
	s := memstore.New()
	reg := token.NewRegistrationService(s, []byte("salt"))
	lookup := func(organizationID, agentID string) (bool, bool) {
		_, err := s.GetAgentByID(context.Background(), organizationID, agentID)
		return err == nil, false
	}
	agentTokens := token.NewAgentService([]token.SigningKey{{ID: "k1", Secret: []byte("agent-secret")}}, time.Hour, lookup)
	return New(s, s, reg, agentTokens, nil), s, reg
}

func uidOf(b byte) wire.InstanceUID {
	var u wire.InstanceUID
	for i := range u {
		u[i] = b
	}
	return u
}

func TestRegister_NewAgent(t *testing.T) {
	r, _, reg := newTestRegistry(t)
	ctx := context.Background()

	plaintext, _, err := reg.Issue(ctx, "org1", time.Hour)
	require.NoError(t, err)

	agentID, agentToken, err := r.Register(ctx, plaintext, DeclaredIdentity{
		InstanceUID:    uidOf(1),
		Name:           "collector-1",
		ManagementMode: capability.ModeSupervisor,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, agentID)
	assert.NotEmpty(t, agentToken)

	view, err := r.Lookup(ctx, uidOf(1))
	require.NoError(t, err)
	assert.Equal(t, agentID, view.AgentID)
	assert.Equal(t, "org1", view.OrganizationID)
}

func TestRegister_ReconnectSameInstanceUID_Idempotent(t *testing.T) {
	r, _, reg := newTestRegistry(t)
	ctx := context.Background()

	p1, _, _ := reg.Issue(ctx, "org1", time.Hour)
	agentID1, _, err := r.Register(ctx, p1, DeclaredIdentity{InstanceUID: uidOf(2)})
	require.NoError(t, err)

	p2, _, _ := reg.Issue(ctx, "org1", time.Hour)
	agentID2, _, err := r.Register(ctx, p2, DeclaredIdentity{InstanceUID: uidOf(2)})
	require.NoError(t, err)

	assert.Equal(t, agentID1, agentID2)
}

func TestApplyInbound_ReplayDoesNotMutate(t *testing.T) {
	r, _, reg := newTestRegistry(t)
	ctx := context.Background()

	p, _, _ := reg.Issue(ctx, "org1", time.Hour)
	agentID, _, err := r.Register(ctx, p, DeclaredIdentity{InstanceUID: uidOf(3), ManagementMode: capability.ModeSupervisor})
	require.NoError(t, err)

	d1, err := r.ApplyInbound(ctx, agentID, "org1", &wire.AgentToServer{InstanceUID: uidOf(3), SequenceNum: 5})
	require.NoError(t, err)
	assert.True(t, d1.SequenceAccepted)
	assert.False(t, d1.IsReplay)

	d2, err := r.ApplyInbound(ctx, agentID, "org1", &wire.AgentToServer{InstanceUID: uidOf(3), SequenceNum: 5, Capabilities: 0xFF})
	require.NoError(t, err)
	assert.True(t, d2.IsReplay)
	assert.Equal(t, uint64(5), d2.Agent.LastSequenceNum)
	assert.Equal(t, d1.Agent.AgentCapabilities.Bits(), d2.Agent.AgentCapabilities.Bits(), "a replayed message must not mutate capabilities")
}

func TestApplyInbound_SupervisorZeroCapabilities_Inferred(t *testing.T) {
	r, _, reg := newTestRegistry(t)
	ctx := context.Background()

	p, _, _ := reg.Issue(ctx, "org1", time.Hour)
	agentID, _, err := r.Register(ctx, p, DeclaredIdentity{InstanceUID: uidOf(4), ManagementMode: capability.ModeSupervisor})
	require.NoError(t, err)

	d, err := r.ApplyInbound(ctx, agentID, "org1", &wire.AgentToServer{InstanceUID: uidOf(4), SequenceNum: 1, Capabilities: 0})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7DE7), d.Agent.AgentCapabilities.Bits())
}

func TestApplyInbound_RemoteConfigStatusTransitions(t *testing.T) {
	r, _, reg := newTestRegistry(t)
	ctx := context.Background()

	p, _, _ := reg.Issue(ctx, "org1", time.Hour)
	agentID, _, err := r.Register(ctx, p, DeclaredIdentity{InstanceUID: uidOf(5)})
	require.NoError(t, err)

	// UNSET -> FAILED directly is invalid; should be ignored (stays UNSET).
	d, err := r.ApplyInbound(ctx, agentID, "org1", &wire.AgentToServer{
		InstanceUID: uidOf(5), SequenceNum: 1,
		RemoteConfigStatus: &wire.RemoteConfigStatusReport{Status: wire.RemoteConfigStatusFailed},
	})
	require.NoError(t, err)
	assert.False(t, d.RemoteConfigStatusNew)
	assert.Equal(t, wire.RemoteConfigStatusUnset, d.Agent.RemoteConfigStatus)

	// UNSET -> APPLYING is a fresh cycle, always valid.
	d, err = r.ApplyInbound(ctx, agentID, "org1", &wire.AgentToServer{
		InstanceUID: uidOf(5), SequenceNum: 2,
		RemoteConfigStatus: &wire.RemoteConfigStatusReport{Status: wire.RemoteConfigStatusApplying},
	})
	require.NoError(t, err)
	assert.True(t, d.RemoteConfigStatusNew)
	assert.Equal(t, wire.RemoteConfigStatusApplying, d.Agent.RemoteConfigStatus)

	// APPLYING -> APPLIED is valid when the agent's effective_config_hash
	// agrees with the last_remote_config_hash it's reporting.
	d, err = r.ApplyInbound(ctx, agentID, "org1", &wire.AgentToServer{
		InstanceUID:        uidOf(5),
		SequenceNum:        3,
		EffectiveConfig:    &wire.EffectiveConfig{Hash: []byte{9}},
		RemoteConfigStatus: &wire.RemoteConfigStatusReport{Status: wire.RemoteConfigStatusApplied, LastRemoteConfigHash: []byte{9}},
	})
	require.NoError(t, err)
	assert.True(t, d.RemoteConfigStatusNew)
	assert.Equal(t, wire.RemoteConfigStatusApplied, d.Agent.RemoteConfigStatus)
}

func TestApplyInbound_AppliedWithDivergentEffectiveConfigHash_TreatedAsFailed(t *testing.T) {
	r, _, reg := newTestRegistry(t)
	ctx := context.Background()

	p, _, _ := reg.Issue(ctx, "org1", time.Hour)
	agentID, _, err := r.Register(ctx, p, DeclaredIdentity{InstanceUID: uidOf(55)})
	require.NoError(t, err)

	_, err = r.ApplyInbound(ctx, agentID, "org1", &wire.AgentToServer{
		InstanceUID: uidOf(55), SequenceNum: 1,
		RemoteConfigStatus: &wire.RemoteConfigStatusReport{Status: wire.RemoteConfigStatusApplying},
	})
	require.NoError(t, err)

	// Agent reports APPLIED alongside last_remote_config_hash={9}, but its
	// own effective_config_hash disagrees ({1,2,3}) — spec §9 Open Question
	// #1 resolves this divergence as FAILED, not APPLIED.
	d, err := r.ApplyInbound(ctx, agentID, "org1", &wire.AgentToServer{
		InstanceUID:        uidOf(55),
		SequenceNum:        2,
		EffectiveConfig:    &wire.EffectiveConfig{Hash: []byte{1, 2, 3}},
		RemoteConfigStatus: &wire.RemoteConfigStatusReport{Status: wire.RemoteConfigStatusApplied, LastRemoteConfigHash: []byte{9}},
	})
	require.NoError(t, err)
	assert.True(t, d.RemoteConfigStatusNew)
	assert.Equal(t, wire.RemoteConfigStatusFailed, d.Agent.RemoteConfigStatus)
}

func TestApplyInbound_EffectiveConfigResolvesTicket(t *testing.T) {
	r, s, reg := newTestRegistry(t)
	ctx := context.Background()

	p, _, _ := reg.Issue(ctx, "org1", time.Hour)
	agentID, _, err := r.Register(ctx, p, DeclaredIdentity{InstanceUID: uidOf(6)})
	require.NoError(t, err)

	require.NoError(t, s.Create(ctx, store.ConfigRequestTicketRecord{
		TicketID: "t1", AgentID: agentID, State: "pending",
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}))

	d, err := r.ApplyInbound(ctx, agentID, "org1", &wire.AgentToServer{
		InstanceUID: uidOf(6), SequenceNum: 1,
		EffectiveConfig: &wire.EffectiveConfig{Hash: []byte{1, 2, 3}, ConfigMap: map[string][]byte{"a.yaml": []byte("x")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", d.ResolvedTicketID)
}
