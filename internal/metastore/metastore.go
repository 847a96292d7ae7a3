// Package metastore is the durable source of truth for tasks, backup sets,
// and per-file records, with the pipeline state flags the rest of the
// pipeline reads and writes. Every mutating method runs inside its own
// transaction bracket: the contract is one unit of work per call, never a
// long-lived transaction spanning multiple calls.
package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tapebackarr/tapebackarr/internal/database"
	"github.com/tapebackarr/tapebackarr/internal/logging"
	"github.com/tapebackarr/tapebackarr/internal/models"
	"github.com/tapebackarr/tapebackarr/internal/pipeline"
)

// bulkChunkSize is the default row count per committed chunk for batch
// operations, per the 1000-5000 row guidance.
const bulkChunkSize = 2000

// Store is the sqlite-backed MetaStore.
type Store struct {
	db     *database.DB
	logger *logging.Logger
}

// New returns a Store bound to an already-migrated database.
func New(db *database.DB, logger *logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// CreateTaskFromTemplate clones a template row into a new non-template
// execution and returns its id.
func (s *Store) CreateTaskFromTemplate(ctx context.Context, templateID int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, pipeline.Transient(err)
	}
	defer tx.Rollback()

	var t models.BackupTask
	var sourcePaths, excludePatterns string
	err = tx.QueryRowContext(ctx, `
		SELECT name, type, source_paths, exclude_patterns, retention_days,
		       compression_enabled, schedule_cron, tape_id
		FROM backup_tasks WHERE id = ? AND is_template = 1
	`, templateID).Scan(&t.Name, &t.Type, &sourcePaths, &excludePatterns,
		&t.RetentionDays, &t.CompressionEnabled, &t.ScheduleCron, &t.TapeID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("template %d: %w", templateID, pipeline.ErrNotFound)
	}
	if err != nil {
		return 0, pipeline.Transient(err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO backup_tasks
			(name, type, source_paths, exclude_patterns, retention_days,
			 compression_enabled, schedule_cron, tape_id, status, scan_status,
			 is_template, template_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', 'PENDING', 0, ?)
	`, t.Name, t.Type, sourcePaths, excludePatterns, t.RetentionDays,
		t.CompressionEnabled, t.ScheduleCron, t.TapeID, templateID)
	if err != nil {
		return 0, pipeline.PermanentInput(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, pipeline.Transient(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, pipeline.Transient(err)
	}
	return id, nil
}

// CreateBackupSet inserts a new set row for task, targeting tapeID (may be
// nil), and reads it back in the same transaction to guarantee the
// strong-read-after-write contract.
func (s *Store) CreateBackupSet(ctx context.Context, taskID int64, setID string, tapeID *int64) (*models.BackupSet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, pipeline.Transient(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backup_sets (set_id, backup_task_id, tape_id, status)
		VALUES (?, ?, ?, 'ACTIVE')
	`, setID, taskID, tapeID)
	if err != nil {
		return nil, pipeline.PermanentInput(err)
	}

	set, err := scanBackupSet(tx.QueryRowContext(ctx, `
		SELECT id, set_id, backup_task_id, tape_id, status, total_files,
		       total_bytes, compressed_bytes, compression_ratio, chunk_count,
		       retention_until, created_at, updated_at
		FROM backup_sets WHERE set_id = ?
	`, setID))
	if err != nil {
		return nil, pipeline.Transient(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, pipeline.Transient(err)
	}
	return set, nil
}

func scanBackupSet(row *sql.Row) (*models.BackupSet, error) {
	var set models.BackupSet
	if err := row.Scan(&set.ID, &set.SetID, &set.BackupTaskID, &set.TapeID,
		&set.Status, &set.TotalFiles, &set.TotalBytes, &set.CompressedBytes,
		&set.CompressionRatio, &set.ChunkCount, &set.RetentionUntil,
		&set.CreatedAt, &set.UpdatedAt); err != nil {
		return nil, err
	}
	return &set, nil
}

// UpsertScannedFile inserts a new BackupFile row for (setID, record.FilePath),
// or updates the mutable fields of the existing row provided it still has
// is_copy_success=false. Rows already marked copied are never overwritten.
func (s *Store) UpsertScannedFile(ctx context.Context, setID int64, rec models.BackupFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pipeline.Transient(err)
	}
	defer tx.Rollback()

	if err := upsertOne(ctx, tx, setID, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return pipeline.Transient(err)
	}
	return nil
}

func upsertOne(ctx context.Context, tx *sql.Tx, setID int64, rec models.BackupFile) error {
	metadata, err := json.Marshal(rec.FileMetadata)
	if err != nil {
		return pipeline.PermanentInput(err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE backup_files
		SET file_size = ?, file_permissions = ?, modified_time = ?,
		    accessed_time = ?, file_metadata = ?, updated_at = CURRENT_TIMESTAMP
		WHERE backup_set_id = ? AND file_path = ? AND is_copy_success = 0
	`, rec.FileSize, rec.FilePermissions, rec.ModifiedTime, rec.AccessedTime,
		string(metadata), setID, rec.FilePath)
	if err != nil {
		return pipeline.Transient(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backup_files WHERE backup_set_id = ? AND file_path = ?`,
		setID, rec.FilePath).Scan(&exists)
	if err != nil {
		return pipeline.Transient(err)
	}
	if exists > 0 {
		// Row exists with is_copy_success=1; invariant 3 forbids overwrite.
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backup_files
			(backup_set_id, file_path, file_name, file_size, file_type,
			 file_permissions, created_time, modified_time, accessed_time,
			 file_metadata, is_copy_success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, setID, rec.FilePath, rec.FileName, rec.FileSize, rec.FileType,
		rec.FilePermissions, rec.CreatedTime, rec.ModifiedTime, rec.AccessedTime,
		string(metadata))
	if err != nil {
		return pipeline.PermanentInput(err)
	}
	return nil
}

// BatchFailure records one failed record within a batch call.
type BatchFailure struct {
	Index int
	Err   error
}

// BatchInsertScannedFiles applies UpsertScannedFile semantics for every
// record, chunked and committed per bulkChunkSize rows. A failure within a
// chunk is reported per-record; the rest of that chunk still commits.
func (s *Store) BatchInsertScannedFiles(ctx context.Context, setID int64, records []models.BackupFile) ([]BatchFailure, error) {
	var failures []BatchFailure
	batch := bulkChunkSize

	for offset := 0; offset < len(records); {
		end := offset + batch
		if end > len(records) {
			end = len(records)
		}
		chunkFailures, err := s.insertChunk(ctx, setID, records[offset:end], offset)
		if err != nil {
			if pipeline.Classify(err) == pipeline.KindTransient && batch > 50 {
				batch /= 2
				continue
			}
			return failures, err
		}
		failures = append(failures, chunkFailures...)
		offset = end
	}
	return failures, nil
}

func (s *Store) insertChunk(ctx context.Context, setID int64, records []models.BackupFile, baseIndex int) ([]BatchFailure, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, pipeline.Transient(err)
	}
	defer tx.Rollback()

	var failures []BatchFailure
	for i, rec := range records {
		if err := upsertOne(ctx, tx, setID, rec); err != nil {
			failures = append(failures, BatchFailure{Index: baseIndex + i, Err: err})
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, pipeline.Transient(err)
	}
	return failures, nil
}

// MarkFilesQueued sets is_copy_success=true, copy_status_at=now for paths
// currently false, then verifies via a second COUNT, retrying the batch
// once on mismatch.
func (s *Store) MarkFilesQueued(ctx context.Context, setID int64, paths []string) (rowsUpdated, verifiedCount int64, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		rowsUpdated, err = s.markQueuedOnce(ctx, setID, paths)
		if err != nil {
			return 0, 0, err
		}
		verifiedCount, err = s.countMarked(ctx, setID, paths)
		if err != nil {
			return rowsUpdated, 0, err
		}
		if verifiedCount == int64(len(paths)) {
			return rowsUpdated, verifiedCount, nil
		}
	}
	s.logger.Warn("mark_files_queued verification mismatch after retry", map[string]interface{}{
		"set_id": setID, "expected": len(paths), "verified": verifiedCount,
	})
	return rowsUpdated, verifiedCount, nil
}

func (s *Store) markQueuedOnce(ctx context.Context, setID int64, paths []string) (int64, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, pipeline.Transient(err)
	}
	defer tx.Rollback()

	query, args := inClauseQuery(`
		UPDATE backup_files SET is_copy_success = 1, copy_status_at = CURRENT_TIMESTAMP
		WHERE backup_set_id = ? AND is_copy_success = 0 AND file_path IN (`, setID, paths)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, pipeline.Transient(err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, pipeline.Transient(err)
	}
	return n, nil
}

func (s *Store) countMarked(ctx context.Context, setID int64, paths []string) (int64, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	query, args := inClauseQuery(`
		SELECT COUNT(*) FROM backup_files
		WHERE backup_set_id = ? AND is_copy_success = 1 AND file_path IN (`, setID, paths)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, pipeline.Transient(err)
	}
	return n, nil
}

func inClauseQuery(prefix string, setID int64, paths []string) (string, []any) {
	args := make([]any, 0, len(paths)+1)
	args = append(args, setID)
	q := prefix
	for i, p := range paths {
		if i > 0 {
			q += ", "
		}
		q += "?"
		args = append(args, p)
	}
	q += ")"
	return q, args
}

// ArchiveInfo carries a compressed group's result to MarkFilesCopied.
type ArchiveInfo struct {
	CompressedSize int64
	Checksum       string
	ChunkNumber    int
	BackupTime     time.Time
}

// MarkFilesCopied sets is_copy_success=true, chunk_number, compressed_size,
// checksum, backup_time for every file in the group. Rows that do not yet
// exist (compression raced ahead of scan persistence) are upserted. This is
// idempotent: calling it twice for the same group is a no-op the second
// time, which is what makes the "mark before next fetch" invariant safe to
// retry.
func (s *Store) MarkFilesCopied(ctx context.Context, setID int64, files []models.BackupFile, archive ArchiveInfo) error {
	if len(files) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pipeline.Transient(err)
	}
	defer tx.Rollback()

	perFileCompressed := archive.CompressedSize / int64(len(files))
	for _, f := range files {
		res, err := tx.ExecContext(ctx, `
			UPDATE backup_files
			SET is_copy_success = 1, chunk_number = ?, compressed_size = ?,
			    checksum = ?, compressed = 1, copy_status_at = ?,
			    updated_at = CURRENT_TIMESTAMP
			WHERE backup_set_id = ? AND file_path = ?
		`, archive.ChunkNumber, perFileCompressed, archive.Checksum, archive.BackupTime,
			setID, f.FilePath)
		if err != nil {
			return pipeline.Transient(err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			continue
		}

		metadata, _ := json.Marshal(f.FileMetadata)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO backup_files
				(backup_set_id, file_path, file_name, file_size, file_type,
				 file_permissions, created_time, modified_time, accessed_time,
				 compressed_size, checksum, compressed, chunk_number,
				 is_copy_success, copy_status_at, file_metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, 1, ?, ?)
		`, setID, f.FilePath, f.FileName, f.FileSize, f.FileType, f.FilePermissions,
			f.CreatedTime, f.ModifiedTime, f.AccessedTime, perFileCompressed,
			archive.Checksum, archive.ChunkNumber, archive.BackupTime, string(metadata))
		if err != nil {
			return pipeline.Transient(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return pipeline.Transient(err)
	}
	return nil
}

// UpdateScanStatus advances task.scan_status; callers are responsible for
// only moving it PENDING -> RUNNING -> {RETRIEVING, COMPLETED}.
func (s *Store) UpdateScanStatus(ctx context.Context, taskID int64, status models.ScanStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_tasks SET scan_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, taskID)
	if err != nil {
		return pipeline.Transient(err)
	}
	return nil
}

// UpdateScanProgress records the running total_files/total_bytes and
// estimated_archive_count observed mid-scan, independent of
// UpdateTaskProgress's processed_files/progress_percent (the first 10% of
// which is reserved for the scan phase and does not move during it).
func (s *Store) UpdateScanProgress(ctx context.Context, taskID, totalFiles, totalBytes int64, summary models.ResultSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return pipeline.PermanentInput(err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE backup_tasks
		SET total_files = ?, total_bytes = ?, result_summary = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, totalFiles, totalBytes, string(data), taskID)
	if err != nil {
		return pipeline.Transient(err)
	}
	return nil
}

// ClearBackupFilesForSet deletes all file rows for a set; used on cancel
// or restart.
func (s *Store) ClearBackupFilesForSet(ctx context.Context, setID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM backup_files WHERE backup_set_id = ?`, setID)
	if err != nil {
		return pipeline.Transient(err)
	}
	return nil
}

// FinalizeBackupSet writes the set's final aggregates and compression
// ratio, deriving total_files from the committed file_type='file' rows.
func (s *Store) FinalizeBackupSet(ctx context.Context, setID int64, status models.BackupSetStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pipeline.Transient(err)
	}
	defer tx.Rollback()

	var totalFiles, totalBytes, compressedBytes sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(file_size), 0), COALESCE(SUM(compressed_size), 0)
		FROM backup_files WHERE backup_set_id = ? AND file_type = 'file'
	`, setID).Scan(&totalFiles, &totalBytes, &compressedBytes)
	if err != nil {
		return pipeline.Transient(err)
	}

	ratio := 0.0
	if totalBytes.Int64 > 0 && compressedBytes.Int64 > 0 {
		ratio = float64(totalBytes.Int64) / float64(compressedBytes.Int64)
	}

	var chunkCount int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT chunk_number) FROM backup_files
		WHERE backup_set_id = ? AND chunk_number IS NOT NULL
	`, setID).Scan(&chunkCount); err != nil {
		return pipeline.Transient(err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE backup_sets
		SET status = ?, total_files = ?, total_bytes = ?, compressed_bytes = ?,
		    compression_ratio = ?, chunk_count = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, totalFiles.Int64, totalBytes.Int64, compressedBytes.Int64, ratio, chunkCount, setID)
	if err != nil {
		return pipeline.Transient(err)
	}
	if err := tx.Commit(); err != nil {
		return pipeline.Transient(err)
	}
	return nil
}

// UpdateTaskProgress updates the processed/total counters and derived
// progress_percent for a task. totalFiles of 0 leaves progress_percent at
// the scan-phase floor of 10.
func (s *Store) UpdateTaskProgress(ctx context.Context, taskID int64, processedFiles, totalFiles, processedBytes, totalBytes, compressedBytes int64) error {
	percent := 10.0
	if totalFiles > 0 {
		percent = 10.0 + (float64(processedFiles)/float64(totalFiles))*90.0
		if percent < 10 {
			percent = 10
		}
		if percent > 100 {
			percent = 100
		}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_tasks
		SET processed_files = ?, total_files = ?, processed_bytes = ?,
		    total_bytes = ?, compressed_bytes = ?, progress_percent = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, processedFiles, totalFiles, processedBytes, totalBytes, compressedBytes, percent, taskID)
	if err != nil {
		return pipeline.Transient(err)
	}
	return nil
}

// UpdateTaskStage records the task's current operation stage, optionally
// alongside an error message for the FAILED path.
func (s *Store) UpdateTaskStage(ctx context.Context, taskID int64, stage models.OperationStage, errMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_tasks SET operation_stage = ?, error_message = ?,
		       updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, stage, errMessage, taskID)
	if err != nil {
		return pipeline.Transient(err)
	}
	return nil
}

// GetTaskStatus returns a task's current status fields.
func (s *Store) GetTaskStatus(ctx context.Context, taskID int64) (*models.BackupTask, error) {
	var t models.BackupTask
	var sourcePaths, excludePatterns, resultSummary string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, source_paths, exclude_patterns, retention_days,
		       compression_enabled, schedule_cron, tape_id, status, scan_status,
		       total_files, processed_files, total_bytes, processed_bytes,
		       compressed_bytes, progress_percent, operation_stage, error_message,
		       started_at, completed_at, is_template, template_id, result_summary,
		       last_run_at, created_at, updated_at
		FROM backup_tasks WHERE id = ?
	`, taskID).Scan(&t.ID, &t.Name, &t.Type, &sourcePaths, &excludePatterns,
		&t.RetentionDays, &t.CompressionEnabled, &t.ScheduleCron, &t.TapeID,
		&t.Status, &t.ScanStatus, &t.TotalFiles, &t.ProcessedFiles, &t.TotalBytes,
		&t.ProcessedBytes, &t.CompressedBytes, &t.ProgressPercent, &t.OperationStage,
		&t.ErrorMessage, &t.StartedAt, &t.CompletedAt, &t.IsTemplate, &t.TemplateID,
		&resultSummary, &t.LastRunAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %d: %w", taskID, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, pipeline.Transient(err)
	}
	_ = json.Unmarshal([]byte(sourcePaths), &t.SourcePaths)
	_ = json.Unmarshal([]byte(excludePatterns), &t.ExcludePatterns)
	_ = json.Unmarshal([]byte(resultSummary), &t.ResultSummary)
	return &t, nil
}

// GetScanStatus returns just the scan_status field, cheaper than a full
// GetTaskStatus for workers polling only that value.
func (s *Store) GetScanStatus(ctx context.Context, taskID int64) (models.ScanStatus, error) {
	var status models.ScanStatus
	err := s.db.QueryRowContext(ctx, `SELECT scan_status FROM backup_tasks WHERE id = ?`, taskID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("task %d: %w", taskID, pipeline.ErrNotFound)
	}
	if err != nil {
		return "", pipeline.Transient(err)
	}
	return status, nil
}

// GetCompressedFilesCount returns how many of the given paths in the set
// are marked is_copy_success, for CompressionWorker's post-verify. It does
// not filter on file_type.
func (s *Store) GetCompressedFilesCount(ctx context.Context, setID int64, paths []string) (int64, error) {
	return s.countMarked(ctx, setID, paths)
}
