package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flowgate/flowgate/internal/flowerr"
)

func (s *Store) PutRegistrationToken(ctx context.Context, organizationID, digest string, expiresAt time.Time) error {
	const q = `
INSERT INTO registration_tokens (digest, organization_id, expires_at, consumed, revoked)
VALUES ($1,$2,$3,false,false)
ON CONFLICT (digest) DO UPDATE SET organization_id = EXCLUDED.organization_id, expires_at = EXCLUDED.expires_at`
	_, err := s.pool.Exec(ctx, q, digest, organizationID, expiresAt)
	return err
}

func (s *Store) ConsumeRegistrationToken(ctx context.Context, digest string) (string, bool, error) {
	const q = `
UPDATE registration_tokens SET consumed = true
WHERE digest = $1 AND consumed = false AND revoked = false AND expires_at > $2
RETURNING organization_id`

	var organizationID string
	err := s.pool.QueryRow(ctx, q, digest, time.Now()).Scan(&organizationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return organizationID, true, nil
}

func (s *Store) RevokeRegistrationToken(ctx context.Context, digest string) error {
	const q = `UPDATE registration_tokens SET revoked = true WHERE digest = $1`
	tag, err := s.pool.Exec(ctx, q, digest)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return flowerr.ErrNotFound
	}
	return nil
}
