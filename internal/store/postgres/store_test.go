package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/internal/flowerr"
	"github.com/flowgate/flowgate/internal/store"
)

func TestUpsertCAS_CreateThenConflictingUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := store.AgentRecord{
		OrganizationID:   "org-a",
		AgentID:          "agent-1",
		InstanceUID:      [16]byte{1},
		IdentifyingAttrs: map[string]string{"host": "h1"},
		RegistrationState: "registered",
	}

	created, err := s.UpsertCAS(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), created.Version)

	created.Name = "renamed"
	updated, err := s.UpsertCAS(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.Version)
	assert.Equal(t, "renamed", updated.Name)

	stale := created
	stale.Name = "stale-write"
	_, err = s.UpsertCAS(ctx, stale)
	var registryErr *flowerr.RegistryError
	require.ErrorAs(t, err, &registryErr)
	assert.ErrorIs(t, err, flowerr.ErrRegistryConflict)
}

func TestGetByInstanceUID_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	uid := [16]byte{9, 9, 9}
	_, err := s.UpsertCAS(ctx, store.AgentRecord{
		OrganizationID: "org-a",
		AgentID:        "agent-uid",
		InstanceUID:    uid,
	})
	require.NoError(t, err)

	got, err := s.GetByInstanceUID(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, "agent-uid", got.AgentID)

	_, err = s.GetByInstanceUID(ctx, [16]byte{0xff})
	assert.ErrorIs(t, err, flowerr.ErrNotFound)
}

func TestList_FiltersByOrgAttributesAndInactive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, store.AgentRecord{
		OrganizationID: "org-a", AgentID: "a1", InstanceUID: [16]byte{1},
		IdentifyingAttrs: map[string]string{"region": "us"}, RegistrationState: "registered",
	})
	mustUpsert(t, s, store.AgentRecord{
		OrganizationID: "org-a", AgentID: "a2", InstanceUID: [16]byte{2},
		IdentifyingAttrs: map[string]string{"region": "eu"}, RegistrationState: "registered",
	})
	mustUpsert(t, s, store.AgentRecord{
		OrganizationID: "org-a", AgentID: "a3", InstanceUID: [16]byte{3},
		IdentifyingAttrs: map[string]string{"region": "us"}, RegistrationState: "inactive",
	})
	mustUpsert(t, s, store.AgentRecord{
		OrganizationID: "org-b", AgentID: "b1", InstanceUID: [16]byte{4},
		IdentifyingAttrs: map[string]string{"region": "us"}, RegistrationState: "registered",
	})

	out, err := s.List(ctx, store.AgentPredicate{OrganizationID: "org-a", AttributeEquals: map[string]string{"region": "us"}})
	require.NoError(t, err)
	require.Len(t, out, 2)

	out, err = s.List(ctx, store.AgentPredicate{OrganizationID: "org-a", AttributeEquals: map[string]string{"region": "us"}, ExcludeInactive: true})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a1", out[0].AgentID)
}

func mustUpsert(t *testing.T, s *Store, rec store.AgentRecord) store.AgentRecord {
	t.Helper()
	got, err := s.UpsertCAS(context.Background(), rec)
	require.NoError(t, err)
	return got
}

func TestCreateWithStatuses_AndLastAppliedDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dep := store.DeploymentRecord{
		OrganizationID:  "org-a",
		DeploymentID:    "dep-1",
		DocumentRef:     "doc-a",
		RolloutStrategy: "immediate",
		State:           "active",
		CreatedAt:       time.Now(),
	}
	statuses := []store.AgentDeploymentStatusRecord{
		{DeploymentID: "dep-1", AgentID: "agent-1", Phase: "applied", UpdatedAt: time.Now()},
	}
	require.NoError(t, s.CreateWithStatuses(ctx, dep, statuses))

	got, err := s.GetDeployment(ctx, "org-a", "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-a", got.DocumentRef)

	st, err := s.GetStatus(ctx, "dep-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "applied", st.Phase)

	ref, err := s.LastAppliedDocument(ctx, "org-a", "agent-1", "dep-none")
	require.NoError(t, err)
	assert.Equal(t, "doc-a", ref)

	_, err = s.LastAppliedDocument(ctx, "org-a", "agent-1", "dep-1")
	assert.ErrorIs(t, err, flowerr.ErrNotFound)
}

func TestUpdateStatusCAS_RejectsStalePhase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dep := store.DeploymentRecord{OrganizationID: "org-a", DeploymentID: "dep-2", DocumentRef: "doc-b", RolloutStrategy: "canary", State: "active", CreatedAt: time.Now()}
	statuses := []store.AgentDeploymentStatusRecord{{DeploymentID: "dep-2", AgentID: "agent-2", Phase: "pending", UpdatedAt: time.Now()}}
	require.NoError(t, s.CreateWithStatuses(ctx, dep, statuses))

	err := s.UpdateStatusCAS(ctx, store.AgentDeploymentStatusRecord{DeploymentID: "dep-2", AgentID: "agent-2", Phase: "applied", UpdatedAt: time.Now()}, "pending")
	require.NoError(t, err)

	err = s.UpdateStatusCAS(ctx, store.AgentDeploymentStatusRecord{DeploymentID: "dep-2", AgentID: "agent-2", Phase: "failed", UpdatedAt: time.Now()}, "pending")
	var registryErr *flowerr.RegistryError
	require.ErrorAs(t, err, &registryErr)
}

func TestTickets_PendingSelectionAndExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	require.NoError(t, s.Create(ctx, store.ConfigRequestTicketRecord{
		TicketID: "tkt-old", AgentID: "agent-3", State: "pending", CreatedAt: older, ExpiresAt: older.Add(time.Minute),
	}))
	require.NoError(t, s.Create(ctx, store.ConfigRequestTicketRecord{
		TicketID: "tkt-new", AgentID: "agent-3", State: "pending", CreatedAt: newer, ExpiresAt: newer.Add(time.Hour),
	}))

	pending, ok, err := s.GetPendingForAgent(ctx, "agent-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tkt-old", pending.TicketID)

	n, err := s.ExpirePast(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, ok, err = s.GetPendingForAgent(ctx, "agent-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tkt-new", pending.TicketID)

	require.NoError(t, s.Resolve(ctx, "tkt-new", "fulfilled", []byte("payload")))
	_, ok, err = s.GetPendingForAgent(ctx, "agent-3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDocuments_DedupeByHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := store.ConfigurationDocumentRecord{
		OrganizationID: "org-a", DocID: "doc-1", Payload: []byte("config: v1"), Hash: []byte("hash-v1"), CreatedAt: time.Now(),
	}
	require.NoError(t, s.Put(ctx, doc))

	got, ok, err := s.GetByHash(ctx, "org-a", []byte("hash-v1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "doc-1", got.DocID)

	_, ok, err = s.GetByHash(ctx, "org-a", []byte("hash-missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistrationTokens_ConsumeOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRegistrationToken(ctx, "org-a", "digest-1", time.Now().Add(time.Hour)))

	orgID, ok, err := s.ConsumeRegistrationToken(ctx, "digest-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "org-a", orgID)

	_, ok, err = s.ConsumeRegistrationToken(ctx, "digest-1")
	require.NoError(t, err)
	assert.False(t, ok, "a consumed token must not be consumable twice")

	require.NoError(t, s.PutRegistrationToken(ctx, "org-b", "digest-2", time.Now().Add(time.Hour)))
	require.NoError(t, s.RevokeRegistrationToken(ctx, "digest-2"))
	_, ok, err = s.ConsumeRegistrationToken(ctx, "digest-2")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.RevokeRegistrationToken(ctx, "digest-missing")
	assert.True(t, errors.Is(err, flowerr.ErrNotFound))
}
