package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/flowgate/flowgate/internal/flowerr"
	"github.com/flowgate/flowgate/internal/store"
)

func (s *Store) UpsertCAS(ctx context.Context, rec store.AgentRecord) (store.AgentRecord, error) {
	identifying, err := json.Marshal(rec.IdentifyingAttrs)
	if err != nil {
		return store.AgentRecord{}, err
	}
	nonIdentifying, err := json.Marshal(rec.NonIdentifyingAttrs)
	if err != nil {
		return store.AgentRecord{}, err
	}

	const upsert = `
INSERT INTO agents (
	organization_id, agent_id, instance_uid, name, identifying_attrs, non_identifying_attrs,
	management_mode, agent_capabilities, server_capabilities, last_seen, last_sequence_num,
	effective_config_hash, remote_config_hash, remote_config_status, health_healthy,
	health_start_time_nanos, health_last_error, registration_state, version
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,1)
ON CONFLICT (organization_id, agent_id) DO UPDATE SET
	instance_uid = EXCLUDED.instance_uid, name = EXCLUDED.name,
	identifying_attrs = EXCLUDED.identifying_attrs, non_identifying_attrs = EXCLUDED.non_identifying_attrs,
	management_mode = EXCLUDED.management_mode, agent_capabilities = EXCLUDED.agent_capabilities,
	server_capabilities = EXCLUDED.server_capabilities, last_seen = EXCLUDED.last_seen,
	last_sequence_num = EXCLUDED.last_sequence_num, effective_config_hash = EXCLUDED.effective_config_hash,
	remote_config_hash = EXCLUDED.remote_config_hash, remote_config_status = EXCLUDED.remote_config_status,
	health_healthy = EXCLUDED.health_healthy, health_start_time_nanos = EXCLUDED.health_start_time_nanos,
	health_last_error = EXCLUDED.health_last_error, registration_state = EXCLUDED.registration_state,
	version = agents.version + 1
WHERE agents.version = $19
RETURNING version`

	row := s.pool.QueryRow(ctx, upsert,
		rec.OrganizationID, rec.AgentID, rec.InstanceUID[:], rec.Name, identifying, nonIdentifying,
		rec.ManagementMode, rec.AgentCapabilities, rec.ServerCapabilities, rec.LastSeen, rec.LastSequenceNum,
		rec.EffectiveConfigHash, rec.RemoteConfigHash, rec.RemoteConfigStatus, rec.HealthHealthy,
		rec.HealthStartTimeNanos, rec.HealthLastError, rec.RegistrationState, rec.Version,
	)
	var newVersion uint64
	if err := row.Scan(&newVersion); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.AgentRecord{}, flowerr.NewRegistryError(rec.AgentID, "upsert_cas", flowerr.ErrRegistryConflict)
		}
		return store.AgentRecord{}, err
	}
	rec.Version = newVersion
	return rec, nil
}

func (s *Store) GetAgentByID(ctx context.Context, organizationID, agentID string) (store.AgentRecord, error) {
	const q = `SELECT ` + agentColumns + ` FROM agents WHERE organization_id = $1 AND agent_id = $2`
	return scanAgent(s.pool.QueryRow(ctx, q, organizationID, agentID))
}

func (s *Store) GetByInstanceUID(ctx context.Context, instanceUID [16]byte) (store.AgentRecord, error) {
	const q = `SELECT ` + agentColumns + ` FROM agents WHERE instance_uid = $1`
	return scanAgent(s.pool.QueryRow(ctx, q, instanceUID[:]))
}

func (s *Store) List(ctx context.Context, pred store.AgentPredicate) ([]store.AgentRecord, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE organization_id = $1`
	args := []any{pred.OrganizationID}

	if pred.ExcludeInactive {
		q += ` AND registration_state != 'inactive'`
	}
	if len(pred.AttributeEquals) > 0 {
		attrs, err := json.Marshal(pred.AttributeEquals)
		if err != nil {
			return nil, err
		}
		args = append(args, attrs)
		q += ` AND identifying_attrs @> $2::jsonb`
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AgentRecord
	for rows.Next() {
		rec, err := scanAgentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const agentColumns = `
	organization_id, agent_id, instance_uid, name, identifying_attrs, non_identifying_attrs,
	management_mode, agent_capabilities, server_capabilities, last_seen, last_sequence_num,
	effective_config_hash, remote_config_hash, remote_config_status, health_healthy,
	health_start_time_nanos, health_last_error, registration_state, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row pgx.Row) (store.AgentRecord, error) {
	rec, err := scanAgentRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.AgentRecord{}, flowerr.ErrNotFound
	}
	return rec, err
}

func scanAgentRow(row rowScanner) (store.AgentRecord, error) {
	var rec store.AgentRecord
	var uid []byte
	var identifying, nonIdentifying []byte

	err := row.Scan(
		&rec.OrganizationID, &rec.AgentID, &uid, &rec.Name, &identifying, &nonIdentifying,
		&rec.ManagementMode, &rec.AgentCapabilities, &rec.ServerCapabilities, &rec.LastSeen, &rec.LastSequenceNum,
		&rec.EffectiveConfigHash, &rec.RemoteConfigHash, &rec.RemoteConfigStatus, &rec.HealthHealthy,
		&rec.HealthStartTimeNanos, &rec.HealthLastError, &rec.RegistrationState, &rec.Version,
	)
	if err != nil {
		return store.AgentRecord{}, err
	}
	copy(rec.InstanceUID[:], uid)
	if len(identifying) > 0 {
		if err := json.Unmarshal(identifying, &rec.IdentifyingAttrs); err != nil {
			return store.AgentRecord{}, err
		}
	}
	if len(nonIdentifying) > 0 {
		if err := json.Unmarshal(nonIdentifying, &rec.NonIdentifyingAttrs); err != nil {
			return store.AgentRecord{}, err
		}
	}
	return rec, nil
}
