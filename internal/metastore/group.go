package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"

	"github.com/tapebackarr/tapebackarr/internal/models"
	"github.com/tapebackarr/tapebackarr/internal/pipeline"
)

// GroupTuning holds the size knobs fetch_pending_group derives its
// decisions from, computed once from the configured target archive size.
type GroupTuning struct {
	MaxFileSize   int64
	Tolerance     int64
	MinGroup      int64
	MinAcceptable int64
}

// NewGroupTuning derives TOLERANCE/MIN_GROUP/MIN_ACCEPTABLE from
// MAX_FILE_SIZE per the fixed ratios.
func NewGroupTuning(maxFileSize int64) GroupTuning {
	tolerance := int64(float64(maxFileSize) * 0.05)
	minAcceptable := int64(float64(maxFileSize) * 0.01)
	const oneHundredMiB = 100 * 1024 * 1024
	if minAcceptable < oneHundredMiB {
		minAcceptable = oneHundredMiB
	}
	return GroupTuning{
		MaxFileSize:   maxFileSize,
		Tolerance:     tolerance,
		MinGroup:      maxFileSize - tolerance,
		MinAcceptable: minAcceptable,
	}
}

// maxRetries bounds the caller's wait_retry_count; fetch_pending_group
// itself only consumes the already-folded mayWait decision (see
// CompressionWorker's main loop, which computes may_wait = wait_retry_count
// < maxRetries before calling in).
const maxRetries = 6

// MaxRetries exposes maxRetries to callers that need to replicate the
// wait_retry_count bound (e.g. CompressionWorker).
const MaxRetries = maxRetries

func batchSize(maxFileSize int64) int {
	gb := float64(maxFileSize) / (1024 * 1024 * 1024)
	b := int(math.Round(gb * 500))
	if b < 3000 {
		b = 3000
	}
	if b > 50000 {
		b = 50000
	}
	return b
}

// FetchPendingGroup implements the GroupBuilder's core query: assemble the
// next archive-sized group of pending files for set setID, never skipping
// the earliest pending row and never losing already-collected files when it
// has to back up and retry later.
//
// scanCompleted reports whether the owning task's scan_status has reached
// COMPLETED; it governs the end-of-iteration decisions in step 5.
func (s *Store) FetchPendingGroup(ctx context.Context, setID int64, tuning GroupTuning, mayWait bool, resumeCursor int64, scanCompleted bool) (group []models.BackupFile, nextCursor int64, err error) {
	var minPendingID sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(id) FROM backup_files
		WHERE backup_set_id = ? AND is_copy_success = 0 AND file_type = 'file'
	`, setID).Scan(&minPendingID)
	if err != nil {
		return nil, resumeCursor, pipeline.Transient(err)
	}
	if !minPendingID.Valid {
		// Nothing pending at all.
		return nil, resumeCursor, nil
	}

	cursor := resumeCursor
	if cursor < minPendingID.Int64-1 || cursor > minPendingID.Int64 {
		cursor = minPendingID.Int64 - 1
	}

	batch := batchSize(tuning.MaxFileSize)
	var current []models.BackupFile
	var currentSize int64
	seenPaths := make(map[string]int) // file_path -> index into current

	firstGroupFileCursor := int64(-1)

	for {
		rows, fetchErr := s.fetchBatch(ctx, setID, cursor, batch)
		if fetchErr != nil {
			if pipeline.Classify(fetchErr) == pipeline.KindTransient && batch > 50 {
				batch /= 2
				continue
			}
			return nil, resumeCursor, fetchErr
		}

		if len(rows) == 0 {
			break // iteration end reached
		}

		for _, row := range rows {
			if idx, dup := seenPaths[row.FilePath]; dup {
				// Duplicate path within this scan: keep the lower id.
				if row.ID < current[idx].ID {
					currentSize -= current[idx].FileSize
					current[idx] = row
					currentSize += row.FileSize
				}
				cursor = row.ID
				continue
			}

			if row.FileSize > tuning.MinGroup {
				// Giant file.
				if len(current) == 0 {
					return []models.BackupFile{row}, row.ID, nil
				}
				return current, row.ID - 1, nil
			}

			if currentSize+row.FileSize <= tuning.MinGroup {
				if len(current) == 0 {
					firstGroupFileCursor = row.ID
				}
				seenPaths[row.FilePath] = len(current)
				current = append(current, row)
				currentSize += row.FileSize
				cursor = row.ID
				continue
			}

			// current_size + size > MIN_GROUP: append and return immediately.
			seenPaths[row.FilePath] = len(current)
			current = append(current, row)
			currentSize += row.FileSize
			return current, row.ID, nil
		}

		if len(rows) < batch {
			break
		}
	}

	// End-of-iteration decisions.
	switch {
	case currentSize >= tuning.MinGroup:
		return current, cursor, nil
	case scanCompleted && len(current) > 0:
		return current, cursor, nil
	case scanCompleted && currentSize < tuning.MinAcceptable:
		return current, cursor, nil
	case mayWait:
		if len(current) == 0 {
			return nil, cursor, nil
		}
		return nil, firstGroupFileCursor - 1, nil
	default:
		return current, cursor, nil
	}
}

func (s *Store) fetchBatch(ctx context.Context, setID, cursor int64, limit int) ([]models.BackupFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, backup_set_id, file_path, file_name, file_size, file_type,
		       file_permissions, created_time, modified_time, accessed_time,
		       compressed_size, compressed, checksum, chunk_number,
		       tape_block_start, is_copy_success, copy_status_at, file_metadata,
		       created_at, updated_at
		FROM backup_files
		WHERE backup_set_id = ? AND is_copy_success = 0 AND file_type = 'file' AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, setID, cursor, limit)
	if err != nil {
		return nil, pipeline.Transient(err)
	}
	defer rows.Close()

	var out []models.BackupFile
	for rows.Next() {
		var f models.BackupFile
		var metadata string
		if err := rows.Scan(&f.ID, &f.BackupSetID, &f.FilePath, &f.FileName, &f.FileSize,
			&f.FileType, &f.FilePermissions, &f.CreatedTime, &f.ModifiedTime, &f.AccessedTime,
			&f.CompressedSize, &f.Compressed, &f.Checksum, &f.ChunkNumber, &f.TapeBlockStart,
			&f.IsCopySuccess, &f.CopyStatusAt, &metadata, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, pipeline.Transient(err)
		}
		_ = json.Unmarshal([]byte(metadata), &f.FileMetadata)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, pipeline.Transient(err)
	}
	return out, nil
}
