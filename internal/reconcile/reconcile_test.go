package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/internal/capability"
	"github.com/flowgate/flowgate/internal/deployment"
	"github.com/flowgate/flowgate/internal/registry"
	"github.com/flowgate/flowgate/internal/sessionstore"
	"github.com/flowgate/flowgate/internal/store"
	"github.com/flowgate/flowgate/internal/store/memstore"
	"github.com/flowgate/flowgate/internal/token"
	"github.com/flowgate/flowgate/internal/wire"
)

func newTestLoop(t *testing.T) (*Loop, *memstore.Store, *registry.Registry, *deployment.Engine, *sessionstore.Store) {
	t.Helper()
	s := memstore.New()
	reg := token.NewRegistrationService(s, []byte("salt"))
	lookup := func(organizationID, agentID string) (bool, bool) {
		_, err := s.GetAgentByID(context.Background(), organizationID, agentID)
		return err == nil, false
	}
	agentTokens := token.NewAgentService([]token.SigningKey{{ID: "k1", Secret: []byte("secret")}}, time.Hour, lookup)
	reg2 := registry.New(s, s, reg, agentTokens, nil)
	eng := deployment.New(s, s, nil)
	sessions := sessionstore.New(nil)
	loop := New(reg2, eng, s, s, s, sessions, nil)
	return loop, s, reg2, eng, sessions
}

func uidOf(b byte) wire.InstanceUID {
	var u wire.InstanceUID
	for i := range u {
		u[i] = b
	}
	return u
}

func TestHandle_FirstMessage_IncludesServerCapabilities(t *testing.T) {
	loop, s, reg, _, _ := newTestLoop(t)
	ctx := context.Background()
	uid := uidOf(1)

	regSvc := token.NewRegistrationService(s, []byte("salt"))
	plaintext, _, err := regSvc.Issue(ctx, "org1", time.Hour)
	require.NoError(t, err)
	agentID, _, err := reg.Register(ctx, plaintext, registry.DeclaredIdentity{InstanceUID: uid, ManagementMode: capability.ModeSupervisor})
	require.NoError(t, err)

	result, err := loop.Handle(ctx, agentID, "org1", uid, &wire.AgentToServer{InstanceUID: uid, SequenceNum: 1}, true)
	require.NoError(t, err)
	require.NotNil(t, result.Outbound)
	assert.Equal(t, uint64(capability.ServerCapabilities), result.Outbound.Capabilities)
}

func TestHandle_Replay_FlagsDeltaAsReplay(t *testing.T) {
	loop, s, reg, _, _ := newTestLoop(t)
	ctx := context.Background()
	uid := uidOf(2)

	regSvc := token.NewRegistrationService(s, []byte("salt"))
	plaintext, _, err := regSvc.Issue(ctx, "org1", time.Hour)
	require.NoError(t, err)
	agentID, _, err := reg.Register(ctx, plaintext, registry.DeclaredIdentity{InstanceUID: uid})
	require.NoError(t, err)

	_, err = loop.Handle(ctx, agentID, "org1", uid, &wire.AgentToServer{InstanceUID: uid, SequenceNum: 5}, true)
	require.NoError(t, err)

	result, err := loop.Handle(ctx, agentID, "org1", uid, &wire.AgentToServer{InstanceUID: uid, SequenceNum: 5}, false)
	require.NoError(t, err)
	assert.True(t, result.Delta.IsReplay)
}

func TestHandle_OffersDeploymentRemoteConfig(t *testing.T) {
	loop, s, reg, eng, _ := newTestLoop(t)
	ctx := context.Background()
	uid := uidOf(3)

	regSvc := token.NewRegistrationService(s, []byte("salt"))
	plaintext, _, err := regSvc.Issue(ctx, "org1", time.Hour)
	require.NoError(t, err)
	agentID, _, err := reg.Register(ctx, plaintext, registry.DeclaredIdentity{InstanceUID: uid, ManagementMode: capability.ModeSupervisor})
	require.NoError(t, err)

	docHash := []byte{1, 2, 3}
	require.NoError(t, s.Put(ctx, store.ConfigurationDocumentRecord{
		DocID: "doc1", OrganizationID: "org1", Payload: []byte("key: value"), Hash: docHash,
	}))

	_, err = eng.CreateDeployment(ctx, deployment.CreateRequest{
		OrganizationID: "org1", Name: "d1", DocumentRef: "doc1", Strategy: deployment.StrategyImmediate,
	})
	require.NoError(t, err)

	result, err := loop.Handle(ctx, agentID, "org1", uid, &wire.AgentToServer{InstanceUID: uid, SequenceNum: 1}, false)
	require.NoError(t, err)
	require.NotNil(t, result.Outbound)
	require.NotNil(t, result.Outbound.RemoteConfig)
	assert.Equal(t, docHash, result.Outbound.RemoteConfig.Hash)
}

func TestHandle_NoOutboundWhenNothingToSay(t *testing.T) {
	loop, s, reg, _, _ := newTestLoop(t)
	ctx := context.Background()
	uid := uidOf(4)

	regSvc := token.NewRegistrationService(s, []byte("salt"))
	plaintext, _, err := regSvc.Issue(ctx, "org1", time.Hour)
	require.NoError(t, err)
	agentID, _, err := reg.Register(ctx, plaintext, registry.DeclaredIdentity{InstanceUID: uid})
	require.NoError(t, err)

	result, err := loop.Handle(ctx, agentID, "org1", uid, &wire.AgentToServer{InstanceUID: uid, SequenceNum: 1}, false)
	require.NoError(t, err)
	assert.Nil(t, result.Outbound)
}

func TestEnqueue_RoutesByKind(t *testing.T) {
	loop, _, _, _, sessions := newTestLoop(t)
	ctx := context.Background()
	uid := uidOf(5)

	var delivered *wire.ServerToAgent
	done := make(chan struct{}, 1)
	_, err := sessions.Open(ctx, uid, sessionstore.TransportStream, sessionstore.DefaultQueueCapacity, func(_ context.Context, msg *wire.ServerToAgent) error {
		delivered = msg
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	out := &wire.ServerToAgent{InstanceUID: uid, RemoteConfig: &wire.RemoteConfig{Hash: []byte{1}}}
	require.NoError(t, loop.Enqueue(uid, out))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
	require.NotNil(t, delivered)
	assert.Equal(t, []byte{1}, delivered.RemoteConfig.Hash)
}
