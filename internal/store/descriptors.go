package store

import (
	"context"
	"fmt"
)

// PutDescriptor stores a connector descriptor as its JSON encoding. The
// registry owns the schema of the blob.
func (s *Store) PutDescriptor(ctx context.Context, slug, descriptorJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connector_descriptors (slug, descriptor, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(slug) DO UPDATE SET descriptor = excluded.descriptor, updated_at = datetime('now')`,
		slug, descriptorJSON)
	if err != nil {
		return fmt.Errorf("put descriptor %s: %w", slug, err)
	}
	return nil
}

// ListDescriptors returns all stored descriptor blobs keyed by slug.
func (s *Store) ListDescriptors(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slug, descriptor FROM connector_descriptors`)
	if err != nil {
		return nil, fmt.Errorf("list descriptors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var slug, blob string
		if err := rows.Scan(&slug, &blob); err != nil {
			return nil, fmt.Errorf("scan descriptor: %w", err)
		}
		out[slug] = blob
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list descriptors: %w", err)
	}
	return out, nil
}
