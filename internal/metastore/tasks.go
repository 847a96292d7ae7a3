package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tapebackarr/tapebackarr/internal/models"
	"github.com/tapebackarr/tapebackarr/internal/pipeline"
)

// NewTemplate is the set of fields the Control API's create_task operation
// accepts when defining a new template.
type NewTemplate struct {
	Name               string
	Type               models.TaskType
	SourcePaths        []string
	ExcludePatterns    []string
	RetentionDays      int
	CompressionEnabled bool
	ScheduleCron       string
	TapeID             *int64
}

// CreateTemplate inserts a new is_template=true row and returns it.
func (s *Store) CreateTemplate(ctx context.Context, nt NewTemplate) (*models.BackupTask, error) {
	sourcePaths, err := json.Marshal(nt.SourcePaths)
	if err != nil {
		return nil, pipeline.PermanentInput(err)
	}
	excludePatterns, err := json.Marshal(nt.ExcludePatterns)
	if err != nil {
		return nil, pipeline.PermanentInput(err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_tasks
			(name, type, source_paths, exclude_patterns, retention_days,
			 compression_enabled, schedule_cron, tape_id, status, scan_status,
			 is_template, template_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', 'PENDING', 1, NULL)
	`, nt.Name, nt.Type, string(sourcePaths), string(excludePatterns), nt.RetentionDays,
		nt.CompressionEnabled, nt.ScheduleCron, nt.TapeID)
	if err != nil {
		return nil, pipeline.PermanentInput(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, pipeline.Transient(err)
	}
	return s.GetTaskStatus(ctx, id)
}

// ListTasks returns every task row, templates and executions alike, newest
// first. templatesOnly restricts the result to is_template=1 rows.
func (s *Store) ListTasks(ctx context.Context, templatesOnly bool) ([]models.BackupTask, error) {
	query := `
		SELECT id, name, type, source_paths, exclude_patterns, retention_days,
		       compression_enabled, schedule_cron, tape_id, status, scan_status,
		       total_files, processed_files, total_bytes, processed_bytes,
		       compressed_bytes, progress_percent, operation_stage, error_message,
		       started_at, completed_at, is_template, template_id, result_summary,
		       last_run_at, created_at, updated_at
		FROM backup_tasks`
	if templatesOnly {
		query += ` WHERE is_template = 1`
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, pipeline.Transient(err)
	}
	defer rows.Close()

	var tasks []models.BackupTask
	for rows.Next() {
		var t models.BackupTask
		var sourcePaths, excludePatterns, resultSummary string
		if err := rows.Scan(&t.ID, &t.Name, &t.Type, &sourcePaths, &excludePatterns,
			&t.RetentionDays, &t.CompressionEnabled, &t.ScheduleCron, &t.TapeID,
			&t.Status, &t.ScanStatus, &t.TotalFiles, &t.ProcessedFiles, &t.TotalBytes,
			&t.ProcessedBytes, &t.CompressedBytes, &t.ProgressPercent, &t.OperationStage,
			&t.ErrorMessage, &t.StartedAt, &t.CompletedAt, &t.IsTemplate, &t.TemplateID,
			&resultSummary, &t.LastRunAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, pipeline.Transient(err)
		}
		_ = json.Unmarshal([]byte(sourcePaths), &t.SourcePaths)
		_ = json.Unmarshal([]byte(excludePatterns), &t.ExcludePatterns)
		_ = json.Unmarshal([]byte(resultSummary), &t.ResultSummary)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTask deletes a task row (template or execution) along with the
// backup sets and files it owns. Deleting a template leaves its past
// executions in place; they simply keep their template_id pointing at a row
// that no longer exists. A task that is itself RUNNING, or a template with a
// RUNNING execution, cannot be deleted out from under its workers.
func (s *Store) DeleteTask(ctx context.Context, taskID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pipeline.Transient(err)
	}
	defer tx.Rollback()

	var status models.TaskStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM backup_tasks WHERE id = ?`, taskID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("task %d: %w", taskID, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Transient(err)
	}
	if status == models.TaskStatusRunning {
		return fmt.Errorf("task %d is running: %w", taskID, pipeline.ErrConflict)
	}

	var runningExecutions int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM backup_tasks WHERE template_id = ? AND is_template = 0 AND status = ?
	`, taskID, models.TaskStatusRunning).Scan(&runningExecutions); err != nil {
		return pipeline.Transient(err)
	}
	if runningExecutions > 0 {
		return fmt.Errorf("task %d has a running execution: %w", taskID, pipeline.ErrConflict)
	}

	setRows, err := tx.QueryContext(ctx, `SELECT id FROM backup_sets WHERE backup_task_id = ?`, taskID)
	if err != nil {
		return pipeline.Transient(err)
	}
	var setIDs []int64
	for setRows.Next() {
		var id int64
		if err := setRows.Scan(&id); err != nil {
			setRows.Close()
			return pipeline.Transient(err)
		}
		setIDs = append(setIDs, id)
	}
	setRows.Close()
	if err := setRows.Err(); err != nil {
		return pipeline.Transient(err)
	}

	for _, setID := range setIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM backup_files WHERE backup_set_id = ?`, setID); err != nil {
			return pipeline.Transient(err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_sets WHERE backup_task_id = ?`, taskID); err != nil {
		return pipeline.Transient(err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM backup_tasks WHERE id = ?`, taskID)
	if err != nil {
		return pipeline.Transient(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pipeline.Transient(err)
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", taskID, pipeline.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return pipeline.Transient(err)
	}
	return nil
}

// ListBackupSets returns every backup set row, newest first, optionally
// restricted to sets belonging to one task.
func (s *Store) ListBackupSets(ctx context.Context, taskID *int64) ([]models.BackupSet, error) {
	query := `
		SELECT id, set_id, backup_task_id, tape_id, status, total_files,
		       total_bytes, compressed_bytes, compression_ratio, chunk_count,
		       retention_until, created_at, updated_at
		FROM backup_sets`
	args := []any{}
	if taskID != nil {
		query += ` WHERE backup_task_id = ?`
		args = append(args, *taskID)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pipeline.Transient(err)
	}
	defer rows.Close()

	var sets []models.BackupSet
	for rows.Next() {
		var set models.BackupSet
		if err := rows.Scan(&set.ID, &set.SetID, &set.BackupTaskID, &set.TapeID,
			&set.Status, &set.TotalFiles, &set.TotalBytes, &set.CompressedBytes,
			&set.CompressionRatio, &set.ChunkCount, &set.RetentionUntil,
			&set.CreatedAt, &set.UpdatedAt); err != nil {
			return nil, pipeline.Transient(err)
		}
		sets = append(sets, set)
	}
	return sets, rows.Err()
}

// DeleteBackupSet deletes a backup set and its file rows. Per spec §4.1 a
// set's files carry no separate retention lifecycle of their own, so the
// delete cascades in one transaction rather than leaving orphaned file rows.
func (s *Store) DeleteBackupSet(ctx context.Context, setID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pipeline.Transient(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM backup_sets WHERE id = ?`, setID)
	if err != nil {
		return pipeline.Transient(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pipeline.Transient(err)
	}
	if n == 0 {
		return fmt.Errorf("backup set %d: %w", setID, pipeline.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_files WHERE backup_set_id = ?`, setID); err != nil {
		return pipeline.Transient(err)
	}

	if err := tx.Commit(); err != nil {
		return pipeline.Transient(err)
	}
	return nil
}
