package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pindrop-sync/internal/db"
	apperrors "pindrop-sync/internal/errors"
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

const jobColumns = `id, source_path, latitude, longitude, category, owner_id, device_id, created_at,
	retry_count, last_error, state, next_attempt_at, video_url, thumbnail_url, cancel_requested`

// Append adds job at the tail of the queue.
func (r *SQLiteRepository) Append(ctx context.Context, job *models.UploadJob) error {
	return db.WithTx(ctx, r.conn, func(ctx context.Context, tx db.DBTX) error {
		return appendJob(ctx, tx, job)
	})
}

func appendJob(ctx context.Context, tx db.DBTX, job *models.UploadJob) error {
	query := `INSERT INTO upload_jobs (` + jobColumns + `, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(position), 0) + 1 FROM upload_jobs))`
	_, err := tx.ExecContext(ctx, query, jobArgs(job)...)
	if err != nil {
		return fmt.Errorf("failed to append job: %w", err)
	}
	return nil
}

// Head returns the job at the front of the queue, or ErrNotFound when empty.
func (r *SQLiteRepository) Head(ctx context.Context) (*models.UploadJob, error) {
	row := r.conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM upload_jobs ORDER BY position ASC LIMIT 1`)
	return scanJob(row)
}

// Get returns a job by id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.UploadJob, error) {
	row := r.conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM upload_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// Update overwrites the mutable fields of an existing job.
func (r *SQLiteRepository) Update(ctx context.Context, job *models.UploadJob) error {
	query := `UPDATE upload_jobs SET retry_count = ?, last_error = ?, state = ?, next_attempt_at = ?,
		video_url = ?, thumbnail_url = ?, cancel_requested = ? WHERE id = ?`
	res, err := r.conn.ExecContext(ctx, query,
		job.RetryCount, job.LastError, string(job.State), toNanos(job.NextAttemptAt),
		job.VideoURL, job.ThumbnailURL, boolToInt(job.CancelRequested), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return expectOneRow(res)
}

// MoveToFront gives the job the lowest position in the queue.
func (r *SQLiteRepository) MoveToFront(ctx context.Context, id string) error {
	query := `UPDATE upload_jobs SET position = (SELECT MIN(position) - 1 FROM upload_jobs) WHERE id = ?`
	res, err := r.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to move job to front: %w", err)
	}
	return expectOneRow(res)
}

// Delete removes a job from the queue.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.conn.ExecContext(ctx, `DELETE FROM upload_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return expectOneRow(res)
}

// List returns all queued jobs in queue order.
func (r *SQLiteRepository) List(ctx context.Context) ([]models.UploadJob, error) {
	rows, err := r.conn.QueryContext(ctx, `SELECT `+jobColumns+` FROM upload_jobs ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var result []models.UploadJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Count returns the queue length.
func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// ResetInFlight returns jobs interrupted mid-stage (e.g. by a crash) to a
// runnable state. Jobs with prior attempts come back as retrying.
func (r *SQLiteRepository) ResetInFlight(ctx context.Context) (int, error) {
	query := `UPDATE upload_jobs
		SET state = CASE WHEN retry_count > 0 THEN ? ELSE ? END
		WHERE state IN (?, ?, ?)`
	res, err := r.conn.ExecContext(ctx, query,
		string(models.JobRetrying), string(models.JobPending),
		string(models.JobCompressing), string(models.JobUploading), string(models.JobCommitting))
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MoveToFailed removes the job from the queue and records it in the failed
// store, keyed by content, in one transaction.
func (r *SQLiteRepository) MoveToFailed(ctx context.Context, job *models.UploadJob, failedAt time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	return db.WithTx(ctx, r.conn, func(ctx context.Context, tx db.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM upload_jobs WHERE id = ?`, job.ID); err != nil {
			return fmt.Errorf("failed to dequeue job: %w", err)
		}
		query := `INSERT INTO failed_uploads (content_key, job, failed_at) VALUES (?, ?, ?)
			ON CONFLICT(content_key) DO UPDATE SET job = excluded.job, failed_at = excluded.failed_at`
		if _, err := tx.ExecContext(ctx, query, job.ContentKey(), string(payload), toNanos(failedAt)); err != nil {
			return fmt.Errorf("failed to save failed upload: %w", err)
		}
		return nil
	})
}

// ListFailed returns the failed store, oldest failure first.
func (r *SQLiteRepository) ListFailed(ctx context.Context) ([]models.FailedUpload, error) {
	return listFailed(ctx, r.conn)
}

func listFailed(ctx context.Context, q db.DBTX) ([]models.FailedUpload, error) {
	rows, err := q.QueryContext(ctx, `SELECT content_key, job, failed_at FROM failed_uploads ORDER BY failed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed uploads: %w", err)
	}
	defer rows.Close()

	var result []models.FailedUpload
	for rows.Next() {
		var (
			key, payload string
			failedAt     int64
		)
		if err := rows.Scan(&key, &payload, &failedAt); err != nil {
			return nil, err
		}
		var job models.UploadJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return nil, fmt.Errorf("failed to decode failed upload %s: %w", key, err)
		}
		result = append(result, models.FailedUpload{ContentKey: key, Job: job, FailedAt: fromNanos(failedAt)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// CountFailed returns the size of the failed store.
func (r *SQLiteRepository) CountFailed(ctx context.Context) (int, error) {
	var n int
	if err := r.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_uploads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count failed uploads: %w", err)
	}
	return n, nil
}

// DeleteFailed drops an entry from the failed store.
func (r *SQLiteRepository) DeleteFailed(ctx context.Context, contentKey string) error {
	res, err := r.conn.ExecContext(ctx, `DELETE FROM failed_uploads WHERE content_key = ?`, contentKey)
	if err != nil {
		return fmt.Errorf("failed to delete failed upload: %w", err)
	}
	return expectOneRow(res)
}

// RequeueFailed moves every failed upload back to the tail of the queue with
// a fresh retry budget, and returns the requeued jobs. Media already uploaded
// for a job is kept, so its retry resumes at the commit.
func (r *SQLiteRepository) RequeueFailed(ctx context.Context) ([]models.UploadJob, error) {
	var requeued []models.UploadJob
	err := db.WithTx(ctx, r.conn, func(ctx context.Context, tx db.DBTX) error {
		failed, err := listFailed(ctx, tx)
		if err != nil {
			return err
		}
		for _, f := range failed {
			job := f.Job
			job.RetryCount = 0
			job.LastError = ""
			job.State = models.JobPending
			job.NextAttemptAt = time.Time{}
			job.CancelRequested = false
			if err := appendJob(ctx, tx, &job); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM failed_uploads WHERE content_key = ?`, f.ContentKey); err != nil {
				return fmt.Errorf("failed to delete failed upload: %w", err)
			}
			requeued = append(requeued, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.UploadJob, error) {
	var (
		job                      models.UploadJob
		category, state          string
		createdAt, nextAttemptAt int64
		cancelRequested          int
	)
	err := row.Scan(&job.ID, &job.SourcePath, &job.Coordinate.Lat, &job.Coordinate.Lon, &category,
		&job.OwnerID, &job.DeviceID, &createdAt, &job.RetryCount, &job.LastError, &state,
		&nextAttemptAt, &job.VideoURL, &job.ThumbnailURL, &cancelRequested)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.Category = models.Category(category)
	job.State = models.JobState(state)
	job.CreatedAt = fromNanos(createdAt)
	job.NextAttemptAt = fromNanos(nextAttemptAt)
	job.CancelRequested = cancelRequested != 0
	return &job, nil
}

func jobArgs(job *models.UploadJob) []any {
	return []any{
		job.ID, job.SourcePath, job.Coordinate.Lat, job.Coordinate.Lon, string(job.Category),
		job.OwnerID, job.DeviceID, toNanos(job.CreatedAt), job.RetryCount, job.LastError,
		string(job.State), toNanos(job.NextAttemptAt), job.VideoURL, job.ThumbnailURL,
		boolToInt(job.CancelRequested),
	}
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
