// Package compressionworker drives the scan/group/compress/write pipeline:
// it repeatedly pulls a pending group of files from MetaStore, compresses
// them into a single archive, marks them copied, and hands the archive off
// to a tape writer, without ever waiting on the tape write to finish before
// fetching the next group.
package compressionworker

import (
	"context"
	"fmt"
	"time"

	"github.com/tapebackarr/tapebackarr/internal/logging"
	"github.com/tapebackarr/tapebackarr/internal/metastore"
	"github.com/tapebackarr/tapebackarr/internal/models"
	"github.com/tapebackarr/tapebackarr/internal/pipeline"
)

// CompressResult is what a Compressor reports back for one group.
type CompressResult struct {
	CompressedSize     int64
	Checksum           string
	CompressionEnabled bool
}

// Compressor turns a group of files into a single archive at tempPath.
type Compressor interface {
	CompressGroup(ctx context.Context, files []models.BackupFile, tempPath string, progress func(bytesWritten int64)) (CompressResult, error)
}

// ArchiveSink hands a finished archive off to the tape-writing stage. The
// compressor does not wait for WriteArchive to return before fetching the
// next group; the sink is expected to queue internally.
type ArchiveSink interface {
	EnqueueArchive(ctx context.Context, archivePath string, chunkNumber int) error
}

// Config holds the knobs a Worker needs beyond its collaborators.
type Config struct {
	MaxFileSize      int64
	TempDir          string
	IdleSleep        time.Duration // capped at 5s per the contract
	MaxIdleChecks    int           // roughly a 1 minute cap at IdleSleep granularity
	MaxGroupFailures int           // default 3
}

// Worker drives the CompressionWorker main loop for one backup set.
type Worker struct {
	store  *metastore.Store
	comp   Compressor
	sink   ArchiveSink
	logger *logging.Logger
	cfg    Config
	tuning metastore.GroupTuning

	processedFiles  int64
	compressedBytes int64
	originalBytes   int64
	groupIdx        int
	lastProcessedID int64
	waitRetryCount  int
	idleChecks      int
}

// New constructs a Worker for one task/set pair.
func New(store *metastore.Store, comp Compressor, sink ArchiveSink, logger *logging.Logger, cfg Config) *Worker {
	if cfg.IdleSleep <= 0 || cfg.IdleSleep > 5*time.Second {
		cfg.IdleSleep = 5 * time.Second
	}
	if cfg.MaxIdleChecks <= 0 {
		cfg.MaxIdleChecks = 12 // ~1 minute at 5s steps
	}
	if cfg.MaxGroupFailures <= 0 {
		cfg.MaxGroupFailures = 3
	}
	return &Worker{
		store:  store,
		comp:   comp,
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		tuning: metastore.NewGroupTuning(cfg.MaxFileSize),
	}
}

// Run drives the main loop for taskID/setID until the scan is complete and
// every pending file has been processed, the context is cancelled, or a
// single group has failed cfg.MaxGroupFailures times in a row.
func (w *Worker) Run(ctx context.Context, taskID, setID int64) error {
	groupFailures := 0

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("compression worker cancelled", map[string]interface{}{"task_id": taskID, "set_id": setID})
			return nil
		}

		scanStatus, err := w.store.GetScanStatus(ctx, taskID)
		if err != nil {
			return err
		}

		// scan_status only ever advances PENDING -> RUNNING -> {RETRIEVING,
		// COMPLETED}; once the scanner reports COMPLETED, the group builder
		// is draining whatever records are left, so it claims RETRIEVING for
		// the remainder of the set. Because GetScanStatus re-reads the row
		// every iteration, this fires exactly once per set.
		scanDone := scanStatus == models.ScanStatusCompleted || scanStatus == models.ScanStatusRetrieving
		if scanStatus == models.ScanStatusCompleted {
			if err := w.store.UpdateScanStatus(ctx, taskID, models.ScanStatusRetrieving); err != nil {
				return err
			}
		}

		mayWait := w.waitRetryCount < metastore.MaxRetries
		files, nextCursor, err := w.store.FetchPendingGroup(ctx, setID, w.tuning, mayWait, w.lastProcessedID, scanDone)
		if err != nil {
			return err
		}

		switch {
		case len(files) == 0 && nextCursor < w.lastProcessedID:
			w.lastProcessedID = nextCursor
			continue
		case len(files) == 0 && nextCursor > w.lastProcessedID:
			w.lastProcessedID = nextCursor
			w.idleChecks++
			w.waitRetryCount++
			if scanDone {
				task, err := w.store.GetTaskStatus(ctx, taskID)
				if err == nil && w.processedFiles >= task.TotalFiles {
					return nil
				}
			}
			if w.idleChecks > w.cfg.MaxIdleChecks && !scanDone {
				w.logger.Warn("compression worker idle beyond cap, still waiting on scan", map[string]interface{}{"task_id": taskID, "set_id": setID})
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.IdleSleep):
			}
			continue
		case len(files) == 0:
			// No pending files and nothing to wait for either.
			if scanDone {
				return nil
			}
			continue
		}

		w.waitRetryCount = 0
		w.idleChecks = 0
		w.lastProcessedID = nextCursor

		if err := w.processGroup(ctx, taskID, setID, files); err != nil {
			groupFailures++
			w.logger.Error("compression group failed, leaving files pending for retry", map[string]interface{}{
				"task_id": taskID, "set_id": setID, "group_idx": w.groupIdx, "error": err.Error(), "attempt": groupFailures,
			})
			if groupFailures >= w.cfg.MaxGroupFailures {
				return pipeline.Fatal(fmt.Errorf("group %d failed %d times: %w", w.groupIdx, groupFailures, err))
			}
			continue
		}
		groupFailures = 0
		w.groupIdx++
	}
}

func (w *Worker) processGroup(ctx context.Context, taskID, setID int64, files []models.BackupFile) error {
	if err := w.store.UpdateTaskStage(ctx, taskID, models.StageCompress, ""); err != nil {
		return err
	}

	var groupBytes int64
	paths := make([]string, 0, len(files))
	for _, f := range files {
		groupBytes += f.FileSize
		paths = append(paths, f.FilePath)
	}
	w.logger.Info("compressing group", map[string]interface{}{
		"task_id": taskID, "set_id": setID, "group_idx": w.groupIdx,
		"file_count": len(files), "group_bytes": logging.Bytes(groupBytes),
	})

	tempPath := fmt.Sprintf("%s/group-%d-%d.archive", w.cfg.TempDir, setID, w.groupIdx)
	lastReport := time.Now()
	result, err := w.comp.CompressGroup(ctx, files, tempPath, func(bytesWritten int64) {
		if time.Since(lastReport) < time.Second {
			return
		}
		lastReport = time.Now()
		w.logger.Debug("compression progress", map[string]interface{}{
			"task_id": taskID, "set_id": setID, "group_idx": w.groupIdx, "bytes_written": logging.Bytes(bytesWritten),
		})
	})
	if err != nil {
		return err
	}

	archive := metastore.ArchiveInfo{
		CompressedSize: result.CompressedSize,
		Checksum:       result.Checksum,
		ChunkNumber:    w.groupIdx,
		BackupTime:     time.Now(),
	}
	if err := w.store.MarkFilesCopied(ctx, setID, files, archive); err != nil {
		return pipeline.Fatal(err)
	}

	if err := w.sink.EnqueueArchive(ctx, tempPath, archive.ChunkNumber); err != nil {
		return err
	}

	w.processedFiles += int64(len(files))
	w.compressedBytes += result.CompressedSize
	w.originalBytes += groupBytes

	task, err := w.store.GetTaskStatus(ctx, taskID)
	if err != nil {
		return err
	}
	if err := w.store.UpdateTaskProgress(ctx, taskID, w.processedFiles, task.TotalFiles, w.originalBytes, task.TotalBytes, w.compressedBytes); err != nil {
		return err
	}

	verified, err := w.store.GetCompressedFilesCount(ctx, setID, paths)
	if err != nil {
		return err
	}
	if verified != int64(len(paths)) {
		w.logger.Warn("post-mark verification shortfall, re-issuing mark_files_copied", map[string]interface{}{
			"task_id": taskID, "set_id": setID, "expected": len(paths), "verified": verified,
		})
		if err := w.store.MarkFilesCopied(ctx, setID, files, archive); err != nil {
			return pipeline.DataState(err)
		}
	}
	return nil
}
