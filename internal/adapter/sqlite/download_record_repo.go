package sqlite

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
	"github.com/vertextoedge/offline-media-cache/internal/port"
)

// DownloadRecordRepo stores offline download records
type DownloadRecordRepo struct {
	*Store
}

// Ensure DownloadRecordRepo implements port.DownloadRecordRepository
var _ port.DownloadRecordRepository = (*DownloadRecordRepo)(nil)

// OpenDownloadRecordRepo opens the offline metadata file at dbPath,
// resetting it if it is corrupt
func OpenDownloadRecordRepo(dbPath string, logger *zap.Logger) (*DownloadRecordRepo, error) {
	store, err := OpenOrReset(dbPath, logger)
	if err != nil {
		return nil, err
	}
	return &DownloadRecordRepo{Store: store}, nil
}

// LoadAll returns every persisted record
func (r *DownloadRecordRepo) LoadAll() ([]*domain.DownloadRecord, []error, error) {
	rows, err := r.db.Query(`
		SELECT id, title, remote_url, local_path, priority, estimated_size,
			   actual_size, state, temp_file_path, bytes_written, bytes_expected,
			   last_error, created_at, updated_at, completed_at
		FROM download_records
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var records []*domain.DownloadRecord
	var skipped []error
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			skipped = append(skipped, domain.NewSkippableError(err, "download record"))
			continue
		}
		records = append(records, record)
	}

	return records, skipped, rows.Err()
}

// Save inserts or replaces a record
func (r *DownloadRecordRepo) Save(rec *domain.DownloadRecord) error {
	var completedAt sql.NullInt64
	if rec.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: toNanos(*rec.CompletedAt), Valid: true}
	}

	query := `
		INSERT INTO download_records (
			id, title, remote_url, local_path, priority, estimated_size,
			actual_size, state, temp_file_path, bytes_written, bytes_expected,
			last_error, created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			remote_url = excluded.remote_url,
			local_path = excluded.local_path,
			priority = excluded.priority,
			estimated_size = excluded.estimated_size,
			actual_size = excluded.actual_size,
			state = excluded.state,
			temp_file_path = excluded.temp_file_path,
			bytes_written = excluded.bytes_written,
			bytes_expected = excluded.bytes_expected,
			last_error = excluded.last_error,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`

	_, err := r.db.Exec(query,
		rec.ID, rec.Title, rec.RemoteURL, rec.LocalPath, int(rec.Priority), rec.EstimatedSizeBytes,
		rec.ActualSizeBytes, string(rec.State), rec.TempFilePath, rec.BytesWritten, rec.BytesExpected,
		rec.LastError, toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt), completedAt,
	)
	return err
}

// Delete removes a record by id
func (r *DownloadRecordRepo) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM download_records WHERE id = ?`, id)
	return err
}

// DeleteAll removes every record
func (r *DownloadRecordRepo) DeleteAll() error {
	_, err := r.db.Exec(`DELETE FROM download_records`)
	return err
}

func scanRecord(rows *sql.Rows) (*domain.DownloadRecord, error) {
	rec := &domain.DownloadRecord{}
	var (
		priority             int
		state                string
		createdAt, updatedAt int64
		completedAt          sql.NullInt64
	)

	err := rows.Scan(
		&rec.ID, &rec.Title, &rec.RemoteURL, &rec.LocalPath, &priority, &rec.EstimatedSizeBytes,
		&rec.ActualSizeBytes, &state, &rec.TempFilePath, &rec.BytesWritten, &rec.BytesExpected,
		&rec.LastError, &createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Priority = domain.Priority(priority)
	if !rec.Priority.Valid() {
		return nil, fmt.Errorf("%w: record %s has priority %d", domain.ErrInvalidInput, rec.ID, priority)
	}

	rec.State = domain.DownloadState(state)
	switch rec.State {
	case domain.StateQueued, domain.StateDownloading, domain.StatePaused,
		domain.StateCompleted, domain.StateFailed:
	default:
		return nil, fmt.Errorf("%w: record %s has state %q", domain.ErrInvalidInput, rec.ID, state)
	}

	rec.CreatedAt = fromNanos(createdAt)
	rec.UpdatedAt = fromNanos(updatedAt)
	if completedAt.Valid {
		t := fromNanos(completedAt.Int64)
		rec.CompletedAt = &t
	}

	return rec, nil
}
