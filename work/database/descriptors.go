package database

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"sonicwave/work/types"
)

// SaveDescriptor stores or replaces a published content descriptor document
// keyed by its content id. Descriptors are immutable once published, so a
// replace only happens when the same content is re-uploaded byte-identically
// (same id, same document).
func (db *DB) SaveDescriptor(contentID string, descriptor *types.ContentDescriptor) error {
	document, err := json.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor for %s: %w", contentID, err)
	}

	query := `
		INSERT INTO descriptors (content_id, document)
		VALUES (?, ?)
		ON CONFLICT(content_id) DO UPDATE SET document = excluded.document
	`
	if _, err := db.Exec(query, contentID, string(document)); err != nil {
		return fmt.Errorf("failed to save descriptor for %s: %w", contentID, err)
	}
	return nil
}

// GetDescriptor loads a published descriptor by content id. Returns
// (nil, nil) when no descriptor exists for the id.
func (db *DB) GetDescriptor(contentID string) (*types.ContentDescriptor, error) {
	var document string
	err := db.QueryRow(`SELECT document FROM descriptors WHERE content_id = ?`, contentID).Scan(&document)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load descriptor for %s: %w", contentID, err)
	}

	var descriptor types.ContentDescriptor
	if err := json.Unmarshal([]byte(document), &descriptor); err != nil {
		return nil, fmt.Errorf("failed to parse stored descriptor for %s: %w", contentID, err)
	}
	return &descriptor, nil
}

// ListDescriptorIDs returns the content ids of all published descriptors,
// newest first.
func (db *DB) ListDescriptorIDs() ([]string, error) {
	rows, err := db.Query(`SELECT content_id FROM descriptors ORDER BY published_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountDescriptors returns the number of published descriptors.
func (db *DB) CountDescriptors() (int, error) {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM descriptors`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count descriptors: %w", err)
	}
	return count, nil
}
