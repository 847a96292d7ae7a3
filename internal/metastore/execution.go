package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tapebackarr/tapebackarr/internal/models"
	"github.com/tapebackarr/tapebackarr/internal/pipeline"
)

// FindRunningExecution returns the most recent non-template execution of
// templateID that is still RUNNING, or nil if none. TaskCoordinator uses
// this for the per-template execution lock.
func (s *Store) FindRunningExecution(ctx context.Context, templateID int64) (*models.BackupTask, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM backup_tasks
		WHERE template_id = ? AND is_template = 0 AND status = ?
		ORDER BY started_at DESC LIMIT 1
	`, templateID, models.TaskStatusRunning).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pipeline.Transient(err)
	}
	return s.GetTaskStatus(ctx, id)
}

// FindLatestExecution returns the most recently created non-template
// execution of templateID regardless of status, or nil if none exists.
// Used to decide resume vs fresh-start.
func (s *Store) FindLatestExecution(ctx context.Context, templateID int64) (*models.BackupTask, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM backup_tasks
		WHERE template_id = ? AND is_template = 0
		ORDER BY created_at DESC LIMIT 1
	`, templateID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pipeline.Transient(err)
	}
	return s.GetTaskStatus(ctx, id)
}

// LastSuccessfulCompletion returns the completed_at of the most recent
// COMPLETED execution of templateID, or nil if the template has never
// completed successfully. Feeds the period-idempotency precheck.
func (s *Store) LastSuccessfulCompletion(ctx context.Context, templateID int64) (*time.Time, error) {
	var completedAt *time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT completed_at FROM backup_tasks
		WHERE template_id = ? AND is_template = 0 AND status = ?
		ORDER BY completed_at DESC LIMIT 1
	`, templateID, models.TaskStatusCompleted).Scan(&completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pipeline.Transient(err)
	}
	return completedAt, nil
}

// BackupSetForTask returns the active BackupSet tied to taskID, or nil if
// the task never got as far as creating one.
func (s *Store) BackupSetForTask(ctx context.Context, taskID int64) (*models.BackupSet, error) {
	var setID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM backup_sets WHERE backup_task_id = ? ORDER BY id DESC LIMIT 1
	`, taskID).Scan(&setID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pipeline.Transient(err)
	}
	return s.getBackupSet(ctx, setID)
}

func (s *Store) getBackupSet(ctx context.Context, setID int64) (*models.BackupSet, error) {
	var bs models.BackupSet
	err := s.db.QueryRowContext(ctx, `
		SELECT id, set_id, backup_task_id, tape_id, status, total_files, total_bytes,
		       compressed_bytes, compression_ratio, chunk_count, retention_until,
		       created_at, updated_at
		FROM backup_sets WHERE id = ?
	`, setID).Scan(&bs.ID, &bs.SetID, &bs.BackupTaskID, &bs.TapeID, &bs.Status,
		&bs.TotalFiles, &bs.TotalBytes, &bs.CompressedBytes, &bs.CompressionRatio,
		&bs.ChunkCount, &bs.RetentionUntil, &bs.CreatedAt, &bs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("backup set %d: %w", setID, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, pipeline.Transient(err)
	}
	return &bs, nil
}

// GetTape returns a tape's current row, used for the label-month precheck.
func (s *Store) GetTape(ctx context.Context, tapeID int64) (*models.Tape, error) {
	var t models.Tape
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, barcode, label, lto_type, status, capacity_bytes, used_bytes,
		       write_count, last_written_at, label_month, labeled_at, created_at, updated_at
		FROM tapes WHERE id = ?
	`, tapeID).Scan(&t.ID, &t.UUID, &t.Barcode, &t.Label, &t.LTOType, &t.Status,
		&t.CapacityBytes, &t.UsedBytes, &t.WriteCount, &t.LastWrittenAt, &t.LabelMonth,
		&t.LabeledAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tape %d: %w", tapeID, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, pipeline.Transient(err)
	}
	return &t, nil
}

// MarkTaskRunning transitions taskID to RUNNING and stamps started_at.
func (s *Store) MarkTaskRunning(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_tasks SET status = ?, started_at = CURRENT_TIMESTAMP,
		       error_message = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, models.TaskStatusRunning, taskID)
	if err != nil {
		return pipeline.Transient(err)
	}
	return nil
}

// MarkTaskTerminal transitions taskID to a terminal status (COMPLETED,
// FAILED, CANCELLED), stamping completed_at and error_message.
func (s *Store) MarkTaskTerminal(ctx context.Context, taskID int64, status models.TaskStatus, errMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_tasks SET status = ?, error_message = ?, completed_at = CURRENT_TIMESTAMP,
		       updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, errMessage, taskID)
	if err != nil {
		return pipeline.Transient(err)
	}
	return nil
}
