package pins

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pindrop-sync/internal/db"
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

// ReplaceAll swaps the stored snapshot for pins in a single transaction.
func (r *SQLiteRepository) ReplaceAll(ctx context.Context, pins []models.Pin) error {
	return db.WithTx(ctx, r.conn, func(ctx context.Context, tx db.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pins`); err != nil {
			return fmt.Errorf("failed to clear pins: %w", err)
		}
		query := `INSERT INTO pins (id, latitude, longitude, category, video_url, thumbnail_url,
			owner_id, device_id, place_name, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		for _, p := range pins {
			_, err := tx.ExecContext(ctx, query, p.ID, p.Coordinate.Lat, p.Coordinate.Lon, string(p.Category),
				p.VideoURL, p.ThumbnailURL, p.OwnerID, p.DeviceID, p.PlaceName, toNanos(p.CreatedAt))
			if err != nil {
				return fmt.Errorf("failed to insert pin %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// GetAll returns the stored snapshot ordered by creation time.
func (r *SQLiteRepository) GetAll(ctx context.Context) ([]models.Pin, error) {
	query := `SELECT id, latitude, longitude, category, video_url, thumbnail_url, owner_id, device_id,
		place_name, created_at FROM pins ORDER BY created_at ASC, id ASC`
	rows, err := r.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select pins: %w", err)
	}
	defer rows.Close()

	var result []models.Pin
	for rows.Next() {
		var (
			p         models.Pin
			category  string
			createdAt int64
		)
		err := rows.Scan(&p.ID, &p.Coordinate.Lat, &p.Coordinate.Lon, &category, &p.VideoURL,
			&p.ThumbnailURL, &p.OwnerID, &p.DeviceID, &p.PlaceName, &createdAt)
		if err != nil {
			return nil, err
		}
		p.Category = models.Category(category)
		if createdAt != 0 {
			p.CreatedAt = time.Unix(0, createdAt)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
