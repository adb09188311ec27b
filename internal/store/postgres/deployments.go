package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flowgate/flowgate/internal/flowerr"
	"github.com/flowgate/flowgate/internal/store"
)

func (s *Store) CreateWithStatuses(ctx context.Context, dep store.DeploymentRecord, statuses []store.AgentDeploymentStatusRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insertDep = `
INSERT INTO deployments (
	organization_id, deployment_id, name, document_ref, rollout_strategy, canary_percent,
	targeting_json, tolerate_failures, state, created_at, started_at, completed_at, supersedes
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	if _, err := tx.Exec(ctx, insertDep,
		dep.OrganizationID, dep.DeploymentID, dep.Name, dep.DocumentRef, dep.RolloutStrategy, dep.CanaryPercent,
		dep.TargetingJSON, dep.TolerateFailures, dep.State, dep.CreatedAt, dep.StartedAt, dep.CompletedAt, dep.Supersedes,
	); err != nil {
		return err
	}

	const insertStatus = `
INSERT INTO agent_deployment_statuses (deployment_id, agent_id, phase, last_reported_hash, error, updated_at, wave)
VALUES ($1,$2,$3,$4,$5,$6,$7)`

	batch := &pgx.Batch{}
	for _, st := range statuses {
		batch.Queue(insertStatus, st.DeploymentID, st.AgentID, st.Phase, st.LastReportedHash, st.Error, st.UpdatedAt, st.Wave)
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for range statuses {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return err
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

const deploymentColumns = `
	organization_id, deployment_id, name, document_ref, rollout_strategy, canary_percent,
	targeting_json, tolerate_failures, state, created_at, started_at, completed_at, supersedes`

const deploymentColumnsAliasedD = `
	d.organization_id, d.deployment_id, d.name, d.document_ref, d.rollout_strategy, d.canary_percent,
	d.targeting_json, d.tolerate_failures, d.state, d.created_at, d.started_at, d.completed_at, d.supersedes`

func (s *Store) GetDeployment(ctx context.Context, organizationID, deploymentID string) (store.DeploymentRecord, error) {
	const q = `SELECT ` + deploymentColumns + ` FROM deployments WHERE organization_id = $1 AND deployment_id = $2`
	dep, err := scanDeploymentRow(s.pool.QueryRow(ctx, q, organizationID, deploymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.DeploymentRecord{}, flowerr.ErrNotFound
	}
	return dep, err
}

func (s *Store) UpdateDeploymentState(ctx context.Context, organizationID, deploymentID, state string, startedAt, completedAt *time.Time) error {
	const q = `
UPDATE deployments SET state = $3,
	started_at = COALESCE($4, started_at),
	completed_at = COALESCE($5, completed_at)
WHERE organization_id = $1 AND deployment_id = $2`
	tag, err := s.pool.Exec(ctx, q, organizationID, deploymentID, state, startedAt, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return flowerr.ErrNotFound
	}
	return nil
}

func (s *Store) ListActiveForTarget(ctx context.Context, organizationID, agentID string) ([]store.DeploymentRecord, error) {
	const q = `
SELECT ` + deploymentColumnsAliasedD + `
FROM deployments d
JOIN agent_deployment_statuses st ON st.deployment_id = d.deployment_id
WHERE d.organization_id = $1 AND st.agent_id = $2
	AND d.state NOT IN ('completed', 'failed', 'rolled_back')`

	rows, err := s.pool.Query(ctx, q, organizationID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.DeploymentRecord
	for rows.Next() {
		dep, err := scanDeploymentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

func (s *Store) GetStatus(ctx context.Context, deploymentID, agentID string) (store.AgentDeploymentStatusRecord, error) {
	const q = `SELECT ` + statusColumns + ` FROM agent_deployment_statuses WHERE deployment_id = $1 AND agent_id = $2`
	rec, err := scanStatusRow(s.pool.QueryRow(ctx, q, deploymentID, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.AgentDeploymentStatusRecord{}, flowerr.ErrNotFound
	}
	return rec, err
}

func (s *Store) ListStatuses(ctx context.Context, deploymentID string) ([]store.AgentDeploymentStatusRecord, error) {
	const q = `SELECT ` + statusColumns + ` FROM agent_deployment_statuses WHERE deployment_id = $1`
	rows, err := s.pool.Query(ctx, q, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.AgentDeploymentStatusRecord, 0)
	for rows.Next() {
		rec, err := scanStatusRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStatusCAS(ctx context.Context, rec store.AgentDeploymentStatusRecord, expectPhase string) error {
	const q = `
UPDATE agent_deployment_statuses
SET phase = $3, last_reported_hash = $4, error = $5, updated_at = $6, wave = $7
WHERE deployment_id = $1 AND agent_id = $2 AND phase = $8`

	tag, err := s.pool.Exec(ctx, q,
		rec.DeploymentID, rec.AgentID, rec.Phase, rec.LastReportedHash, rec.Error, rec.UpdatedAt, rec.Wave,
		expectPhase,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM agent_deployment_statuses WHERE deployment_id = $1 AND agent_id = $2)`,
			rec.DeploymentID, rec.AgentID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return flowerr.ErrNotFound
		}
		return flowerr.NewRegistryError(rec.AgentID, "update_status_cas", flowerr.ErrRegistryConflict)
	}
	return nil
}

func (s *Store) LastAppliedDocument(ctx context.Context, organizationID, agentID, excludeDeploymentID string) (string, error) {
	const q = `
SELECT d.document_ref
FROM agent_deployment_statuses st
JOIN deployments d ON d.deployment_id = st.deployment_id
WHERE d.organization_id = $1 AND st.agent_id = $2 AND st.phase = 'applied' AND d.deployment_id != $3
ORDER BY st.updated_at DESC
LIMIT 1`

	var docRef string
	err := s.pool.QueryRow(ctx, q, organizationID, agentID, excludeDeploymentID).Scan(&docRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", flowerr.ErrNotFound
	}
	return docRef, err
}

const statusColumns = `deployment_id, agent_id, phase, last_reported_hash, error, updated_at, wave`

func scanDeploymentRow(row rowScanner) (store.DeploymentRecord, error) {
	var dep store.DeploymentRecord
	var targeting []byte
	err := row.Scan(
		&dep.OrganizationID, &dep.DeploymentID, &dep.Name, &dep.DocumentRef, &dep.RolloutStrategy, &dep.CanaryPercent,
		&targeting, &dep.TolerateFailures, &dep.State, &dep.CreatedAt, &dep.StartedAt, &dep.CompletedAt, &dep.Supersedes,
	)
	if err != nil {
		return store.DeploymentRecord{}, err
	}
	dep.TargetingJSON = targeting
	return dep, nil
}

func scanStatusRow(row rowScanner) (store.AgentDeploymentStatusRecord, error) {
	var rec store.AgentDeploymentStatusRecord
	err := row.Scan(&rec.DeploymentID, &rec.AgentID, &rec.Phase, &rec.LastReportedHash, &rec.Error, &rec.UpdatedAt, &rec.Wave)
	return rec, err
}

