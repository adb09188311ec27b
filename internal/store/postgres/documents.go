package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/flowgate/flowgate/internal/store"
)

func (s *Store) Put(ctx context.Context, doc store.ConfigurationDocumentRecord) error {
	const q = `
INSERT INTO configuration_documents (organization_id, doc_id, payload, hash, created_at, origin_ref)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (organization_id, doc_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, q, doc.OrganizationID, doc.DocID, doc.Payload, doc.Hash, doc.CreatedAt, doc.OriginRef)
	return err
}

func (s *Store) GetByHash(ctx context.Context, organizationID string, hash []byte) (store.ConfigurationDocumentRecord, bool, error) {
	const q = `
SELECT organization_id, doc_id, payload, hash, created_at, origin_ref
FROM configuration_documents WHERE organization_id = $1 AND hash = $2`
	return scanDocument(s.pool.QueryRow(ctx, q, organizationID, hash))
}

func (s *Store) GetDocumentByID(ctx context.Context, organizationID, docID string) (store.ConfigurationDocumentRecord, bool, error) {
	const q = `
SELECT organization_id, doc_id, payload, hash, created_at, origin_ref
FROM configuration_documents WHERE organization_id = $1 AND doc_id = $2`
	return scanDocument(s.pool.QueryRow(ctx, q, organizationID, docID))
}

func scanDocument(row pgx.Row) (store.ConfigurationDocumentRecord, bool, error) {
	var doc store.ConfigurationDocumentRecord
	err := row.Scan(&doc.OrganizationID, &doc.DocID, &doc.Payload, &doc.Hash, &doc.CreatedAt, &doc.OriginRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ConfigurationDocumentRecord{}, false, nil
	}
	if err != nil {
		return store.ConfigurationDocumentRecord{}, false, err
	}
	return doc, true, nil
}
