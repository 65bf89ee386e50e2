package cacheindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pindrop-sync/internal/models"
)

// SQLiteRepository implements Repository on the engine database.
type SQLiteRepository struct {
	conn *sql.DB
}

// NewSQLiteRepository returns a repository bound to conn.
func NewSQLiteRepository(conn *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{conn: conn}
}

// Upsert records or replaces the entry for its key.
func (r *SQLiteRepository) Upsert(ctx context.Context, e models.CacheEntry) error {
	query := `INSERT INTO cache_entries (key, path, size, checksum, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET path = excluded.path, size = excluded.size,
			checksum = excluded.checksum, created_at = excluded.created_at`
	_, err := r.conn.ExecContext(ctx, query, e.Key, e.Path, e.Size, e.Checksum, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for key. Deleting a missing key is not an error.
func (r *SQLiteRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.conn.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// DeleteIfPath removes the entry for key if it still records path. A row
// rewritten for a newer payload is kept.
func (r *SQLiteRepository) DeleteIfPath(ctx context.Context, key, path string) error {
	if _, err := r.conn.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ? AND path = ?`, key, path); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// GetAll returns every indexed entry, oldest first.
func (r *SQLiteRepository) GetAll(ctx context.Context) ([]models.CacheEntry, error) {
	rows, err := r.conn.QueryContext(ctx, `SELECT key, path, size, checksum, created_at FROM cache_entries ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to select cache entries: %w", err)
	}
	defer rows.Close()

	var result []models.CacheEntry
	for rows.Next() {
		var (
			e         models.CacheEntry
			createdAt int64
		)
		if err := rows.Scan(&e.Key, &e.Path, &e.Size, &e.Checksum, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, createdAt)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
