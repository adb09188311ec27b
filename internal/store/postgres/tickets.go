package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flowgate/flowgate/internal/flowerr"
	"github.com/flowgate/flowgate/internal/store"
)

func (s *Store) Create(ctx context.Context, t store.ConfigRequestTicketRecord) error {
	const q = `
INSERT INTO config_request_tickets (ticket_id, agent_id, state, created_at, expires_at, result_payload)
VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.pool.Exec(ctx, q, t.TicketID, t.AgentID, t.State, t.CreatedAt, t.ExpiresAt, t.ResultPayload)
	return err
}

func (s *Store) GetPendingForAgent(ctx context.Context, agentID string) (store.ConfigRequestTicketRecord, bool, error) {
	const q = `
SELECT ticket_id, agent_id, state, created_at, expires_at, result_payload
FROM config_request_tickets
WHERE agent_id = $1 AND state = 'pending'
ORDER BY created_at ASC
LIMIT 1`

	var t store.ConfigRequestTicketRecord
	err := s.pool.QueryRow(ctx, q, agentID).Scan(
		&t.TicketID, &t.AgentID, &t.State, &t.CreatedAt, &t.ExpiresAt, &t.ResultPayload,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ConfigRequestTicketRecord{}, false, nil
	}
	if err != nil {
		return store.ConfigRequestTicketRecord{}, false, err
	}
	return t, true, nil
}

func (s *Store) Resolve(ctx context.Context, ticketID, state string, resultPayload []byte) error {
	const q = `UPDATE config_request_tickets SET state = $2, result_payload = $3 WHERE ticket_id = $1`
	tag, err := s.pool.Exec(ctx, q, ticketID, state, resultPayload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return flowerr.ErrNotFound
	}
	return nil
}

func (s *Store) ExpirePast(ctx context.Context, now time.Time) (int, error) {
	const q = `UPDATE config_request_tickets SET state = 'expired' WHERE state = 'pending' AND expires_at < $1`
	tag, err := s.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
