// Package memstore is an in-memory store.Store implementation, used in
// tests and as the reference implementation the postgres adapter is
// checked against. Grounded on the teacher's session.Manager pattern: one
// mutex, plain Go maps, Clone()-style defensive copies out.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/flowgate/flowgate/internal/flowerr"
	"github.com/flowgate/flowgate/internal/store"
)

type Store struct {
	mu sync.Mutex

	agentsByID  map[string]store.AgentRecord // key: organization_id/agent_id
	agentsByUID map[[16]byte]string          // instance_uid -> composite agent key

	deployments map[string]store.DeploymentRecord                // key: organization_id/deployment_id
	statuses    map[string]map[string]store.AgentDeploymentStatusRecord // deployment_id -> agent_id -> row

	tickets map[string]store.ConfigRequestTicketRecord

	docsByHash map[string]store.ConfigurationDocumentRecord // key: organization_id/hex(hash)
	docsByID   map[string]store.ConfigurationDocumentRecord // key: organization_id/doc_id

	regTokens map[string]regToken // digest -> token
}

type regToken struct {
	organizationID string
	expiresAt      time.Time
	consumed       bool
	revoked        bool
}

func New() *Store {
	return &Store{
		agentsByID:  make(map[string]store.AgentRecord),
		agentsByUID: make(map[[16]byte]string),
		deployments: make(map[string]store.DeploymentRecord),
		statuses:    make(map[string]map[string]store.AgentDeploymentStatusRecord),
		tickets:     make(map[string]store.ConfigRequestTicketRecord),
		docsByHash:  make(map[string]store.ConfigurationDocumentRecord),
		docsByID:    make(map[string]store.ConfigurationDocumentRecord),
		regTokens:   make(map[string]regToken),
	}
}

func agentKey(organizationID, agentID string) string { return organizationID + "/" + agentID }
func docHashKey(organizationID string, hash []byte) string { return organizationID + "/" + string(hash) }
func docIDKey(organizationID, docID string) string { return organizationID + "/" + docID }

func (s *Store) UpsertCAS(_ context.Context, rec store.AgentRecord) (store.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := agentKey(rec.OrganizationID, rec.AgentID)
	existing, found := s.agentsByID[key]
	if found {
		if existing.Version != rec.Version {
			return store.AgentRecord{}, flowerr.NewRegistryError(rec.AgentID, "upsert_cas", flowerr.ErrRegistryConflict)
		}
	} else if rec.Version != 0 {
		return store.AgentRecord{}, flowerr.NewRegistryError(rec.AgentID, "upsert_cas", flowerr.ErrRegistryConflict)
	}

	rec.Version = rec.Version + 1
	s.agentsByID[key] = rec
	s.agentsByUID[rec.InstanceUID] = key
	return rec, nil
}

func (s *Store) GetAgentByID(_ context.Context, organizationID, agentID string) (store.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agentsByID[agentKey(organizationID, agentID)]
	if !ok {
		return store.AgentRecord{}, flowerr.ErrNotFound
	}
	return rec, nil
}

func (s *Store) GetByInstanceUID(_ context.Context, instanceUID [16]byte) (store.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.agentsByUID[instanceUID]
	if !ok {
		return store.AgentRecord{}, flowerr.ErrNotFound
	}
	return s.agentsByID[key], nil
}

func (s *Store) List(_ context.Context, pred store.AgentPredicate) ([]store.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.AgentRecord
	for _, rec := range s.agentsByID {
		if rec.OrganizationID != pred.OrganizationID {
			continue
		}
		if pred.ExcludeInactive && rec.RegistrationState == "inactive" {
			continue
		}
		if !matchesAttrs(rec, pred.AttributeEquals) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func matchesAttrs(rec store.AgentRecord, want map[string]string) bool {
	for k, v := range want {
		if rec.IdentifyingAttrs[k] != v {
			return false
		}
	}
	return true
}

func (s *Store) CreateWithStatuses(_ context.Context, dep store.DeploymentRecord, statuses []store.AgentDeploymentStatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := agentKey(dep.OrganizationID, dep.DeploymentID)
	s.deployments[key] = dep
	rows := make(map[string]store.AgentDeploymentStatusRecord, len(statuses))
	for _, st := range statuses {
		rows[st.AgentID] = st
	}
	s.statuses[dep.DeploymentID] = rows
	return nil
}

func (s *Store) GetDeployment(_ context.Context, organizationID, deploymentID string) (store.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dep, ok := s.deployments[agentKey(organizationID, deploymentID)]
	if !ok {
		return store.DeploymentRecord{}, flowerr.ErrNotFound
	}
	return dep, nil
}

func (s *Store) UpdateDeploymentState(_ context.Context, organizationID, deploymentID, state string, startedAt, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := agentKey(organizationID, deploymentID)
	dep, ok := s.deployments[key]
	if !ok {
		return flowerr.ErrNotFound
	}
	dep.State = state
	if startedAt != nil {
		dep.StartedAt = startedAt
	}
	if completedAt != nil {
		dep.CompletedAt = completedAt
	}
	s.deployments[key] = dep
	return nil
}

func (s *Store) ListActiveForTarget(_ context.Context, organizationID, agentID string) ([]store.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.DeploymentRecord
	for _, dep := range s.deployments {
		if dep.OrganizationID != organizationID {
			continue
		}
		if dep.State == "completed" || dep.State == "failed" || dep.State == "rolled_back" {
			continue
		}
		if rows, ok := s.statuses[dep.DeploymentID]; ok {
			if _, targeted := rows[agentID]; targeted {
				out = append(out, dep)
			}
		}
	}
	return out, nil
}

func (s *Store) GetStatus(_ context.Context, deploymentID, agentID string) (store.AgentDeploymentStatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.statuses[deploymentID]
	if !ok {
		return store.AgentDeploymentStatusRecord{}, flowerr.ErrNotFound
	}
	rec, ok := rows[agentID]
	if !ok {
		return store.AgentDeploymentStatusRecord{}, flowerr.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ListStatuses(_ context.Context, deploymentID string) ([]store.AgentDeploymentStatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.statuses[deploymentID]
	if !ok {
		return nil, nil
	}
	out := make([]store.AgentDeploymentStatusRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) UpdateStatusCAS(_ context.Context, rec store.AgentDeploymentStatusRecord, expectPhase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.statuses[rec.DeploymentID]
	if !ok {
		return flowerr.ErrNotFound
	}
	current, ok := rows[rec.AgentID]
	if !ok {
		return flowerr.ErrNotFound
	}
	if current.Phase != expectPhase {
		return flowerr.NewRegistryError(rec.AgentID, "update_status_cas", flowerr.ErrRegistryConflict)
	}
	rows[rec.AgentID] = rec
	return nil
}

func (s *Store) LastAppliedDocument(_ context.Context, organizationID, agentID, excludeDeploymentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best store.AgentDeploymentStatusRecord
	var bestDocRef string
	found := false
	for _, dep := range s.deployments {
		if dep.OrganizationID != organizationID || dep.DeploymentID == excludeDeploymentID {
			continue
		}
		rows, ok := s.statuses[dep.DeploymentID]
		if !ok {
			continue
		}
		rec, ok := rows[agentID]
		if !ok || rec.Phase != "applied" {
			continue
		}
		if !found || rec.UpdatedAt.After(best.UpdatedAt) {
			best = rec
			bestDocRef = dep.DocumentRef
			found = true
		}
	}
	if !found {
		return "", flowerr.ErrNotFound
	}
	return bestDocRef, nil
}

func (s *Store) Create(_ context.Context, t store.ConfigRequestTicketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.TicketID] = t
	return nil
}

func (s *Store) GetPendingForAgent(_ context.Context, agentID string) (store.ConfigRequestTicketRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best store.ConfigRequestTicketRecord
	found := false
	for _, t := range s.tickets {
		if t.AgentID != agentID || t.State != "pending" {
			continue
		}
		if !found || t.CreatedAt.Before(best.CreatedAt) {
			best = t
			found = true
		}
	}
	return best, found, nil
}

func (s *Store) Resolve(_ context.Context, ticketID, state string, resultPayload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return flowerr.ErrNotFound
	}
	t.State = state
	t.ResultPayload = resultPayload
	s.tickets[ticketID] = t
	return nil
}

func (s *Store) ExpirePast(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tickets {
		if t.State == "pending" && now.After(t.ExpiresAt) {
			t.State = "expired"
			s.tickets[id] = t
			n++
		}
	}
	return n, nil
}

func (s *Store) Put(_ context.Context, doc store.ConfigurationDocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docsByHash[docHashKey(doc.OrganizationID, doc.Hash)] = doc
	s.docsByID[docIDKey(doc.OrganizationID, doc.DocID)] = doc
	return nil
}

func (s *Store) GetByHash(_ context.Context, organizationID string, hash []byte) (store.ConfigurationDocumentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docsByHash[docHashKey(organizationID, hash)]
	return doc, ok, nil
}

func (s *Store) GetDocumentByID(_ context.Context, organizationID, docID string) (store.ConfigurationDocumentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docsByID[docIDKey(organizationID, docID)]
	return doc, ok, nil
}

func (s *Store) PutRegistrationToken(_ context.Context, organizationID, digest string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regTokens[digest] = regToken{organizationID: organizationID, expiresAt: expiresAt}
	return nil
}

func (s *Store) ConsumeRegistrationToken(_ context.Context, digest string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.regTokens[digest]
	if !ok || t.consumed || t.revoked || time.Now().After(t.expiresAt) {
		return "", false, nil
	}
	t.consumed = true
	s.regTokens[digest] = t
	return t.organizationID, true, nil
}

func (s *Store) RevokeRegistrationToken(_ context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.regTokens[digest]
	if !ok {
		return flowerr.ErrNotFound
	}
	t.revoked = true
	s.regTokens[digest] = t
	return nil
}

var _ store.Store = (*Store)(nil)
