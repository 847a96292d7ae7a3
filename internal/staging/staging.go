// Package staging absorbs ScanWorker output faster than MetaStore can
// commit it, smooths write bursts, and gives the pipeline a crash-safe
// eventual-persistence story via periodic checkpoint files.
package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tapebackarr/tapebackarr/internal/logging"
	"github.com/tapebackarr/tapebackarr/internal/metastore"
	"github.com/tapebackarr/tapebackarr/internal/models"
	"github.com/tapebackarr/tapebackarr/internal/pipeline"
)

// Mode selects whether AddFiles goes straight to MetaStore (Direct) or is
// absorbed into the in-process buffer and drained in the background
// (Buffered).
type Mode int

const (
	// Direct is used when the MetaStore backend can sustain bulk inserts
	// at scanner speed: add_files goes straight through
	// MetaStore.batch_insert_scanned_files.
	Direct Mode = iota
	// Buffered is used when the MetaStore backend is slower than the
	// scanner: records are appended in-process and a background drainer
	// flushes them in batches.
	Buffered
)

// Config holds the tuning knobs from spec.md §6's STAGING_* environment
// variables.
type Config struct {
	Mode                     Mode
	SyncBatchSize            int
	SyncInterval             time.Duration
	MaxMemoryFiles           int
	CheckpointInterval       time.Duration
	CheckpointRetentionHours int
	CheckpointDir            string
}

type pendingRecord struct {
	rec       models.BackupFile
	syncError string
}

// Buffer is the process-lifetime staging structure for one BackupSet.
type Buffer struct {
	cfg    Config
	store  *metastore.Store
	setID  int64
	logger *logging.Logger

	mu        sync.Mutex
	pending   []pendingRecord
	draining  bool
	notEmpty  *sync.Cond
	spaceFree *sync.Cond

	trigger chan struct{}
	stopCh  chan struct{}
	stopped chan struct{}

	lastCheckpointFiles []string
}

// New constructs a Buffer bound to one BackupSet. Call Start to launch the
// background drainer (a no-op in Direct mode).
func New(store *metastore.Store, setID int64, cfg Config, logger *logging.Logger) *Buffer {
	b := &Buffer{
		cfg:     cfg,
		store:   store,
		setID:   setID,
		logger:  logger,
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.spaceFree = sync.NewCond(&b.mu)
	return b
}

// Start launches the background drainer goroutine. No-op in Direct mode.
func (b *Buffer) Start(ctx context.Context) {
	if b.cfg.Mode == Direct {
		close(b.stopped)
		return
	}
	go b.drainLoop(ctx)
}

// AddFiles ingests records, either straight through to MetaStore (Direct
// mode) or into the in-process buffer (Buffered mode), blocking if the
// buffer is at max_memory_files until the drainer makes room.
func (b *Buffer) AddFiles(ctx context.Context, records []models.BackupFile) error {
	if b.cfg.Mode == Direct {
		failures, err := b.store.BatchInsertScannedFiles(ctx, b.setID, records)
		if err != nil {
			return err
		}
		if len(failures) > 0 {
			b.logger.Warn("direct-mode batch insert had per-record failures", map[string]interface{}{
				"set_id": b.setID, "failures": len(failures),
			})
		}
		return nil
	}

	b.mu.Lock()
	for b.cfg.MaxMemoryFiles > 0 && len(b.pending) >= b.cfg.MaxMemoryFiles {
		b.spaceFree.Wait()
	}
	for _, r := range records {
		b.pending = append(b.pending, pendingRecord{rec: r})
	}
	b.mu.Unlock()

	select {
	case b.trigger <- struct{}{}:
	default:
		// A drain is already pending or in flight; it will observe these
		// newly added rows on its next fetch (coalescing).
	}
	return nil
}

// Flush forces a drain of everything currently buffered and waits for it
// to complete. A no-op in Direct mode.
func (b *Buffer) Flush(ctx context.Context) error {
	if b.cfg.Mode == Direct {
		return nil
	}
	return b.drainOnce(ctx)
}

// Stop flushes remaining records and stops the background drainer,
// reporting how many records could not be synced (non-zero only on
// permanent MetaStore failure).
func (b *Buffer) Stop(ctx context.Context) (unsynced int, err error) {
	if b.cfg.Mode == Direct {
		return 0, nil
	}
	close(b.stopCh)
	<-b.stopped

	if ferr := b.Flush(ctx); ferr != nil {
		err = ferr
	}

	b.mu.Lock()
	unsynced = len(b.pending)
	b.mu.Unlock()

	if unsynced > 0 {
		b.logger.Error("staging buffer stopped with unsynced records", map[string]interface{}{
			"set_id": b.setID, "unsynced": unsynced,
		})
	} else {
		b.cleanupCheckpoints(0)
	}
	return unsynced, err
}

func (b *Buffer) drainLoop(ctx context.Context) {
	defer close(b.stopped)

	idle := time.NewTicker(b.cfg.SyncInterval)
	defer idle.Stop()

	var checkpointTicker *time.Ticker
	if b.cfg.CheckpointInterval > 0 && b.cfg.CheckpointDir != "" {
		checkpointTicker = time.NewTicker(b.cfg.CheckpointInterval)
		defer checkpointTicker.Stop()
	}
	checkpointC := func() <-chan time.Time {
		if checkpointTicker == nil {
			return nil
		}
		return checkpointTicker.C
	}()

	for {
		select {
		case <-b.stopCh:
			return
		case <-b.trigger:
			if err := b.drainOnce(ctx); err != nil {
				b.logger.Error("staging drain failed", map[string]interface{}{"set_id": b.setID, "error": err.Error()})
			}
		case <-idle.C:
			if b.hasPending() {
				if err := b.drainOnce(ctx); err != nil {
					b.logger.Error("staging idle drain failed", map[string]interface{}{"set_id": b.setID, "error": err.Error()})
				}
			}
		case <-checkpointC:
			b.writeCheckpoint()
		}
	}
}

func (b *Buffer) hasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}

// drainOnce runs at most one drain operation at a time; a concurrent call
// while a drain is in flight waits for it to finish rather than running a
// second overlapping drain (this is the coalescing the drain contract
// requires).
func (b *Buffer) drainOnce(ctx context.Context) error {
	b.mu.Lock()
	if b.draining {
		for b.draining {
			b.notEmpty.Wait()
		}
		b.mu.Unlock()
		return nil
	}
	b.draining = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.draining = false
		b.notEmpty.Broadcast()
		b.mu.Unlock()
	}()

	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return nil
		}
		batch := b.cfg.SyncBatchSize
		if batch <= 0 || batch > len(b.pending) {
			batch = len(b.pending)
		}
		chunk := make([]models.BackupFile, batch)
		for i := 0; i < batch; i++ {
			chunk[i] = b.pending[i].rec
		}
		b.mu.Unlock()

		failures, err := b.store.BatchInsertScannedFiles(ctx, b.setID, chunk)
		if err != nil {
			b.mu.Lock()
			for i := 0; i < batch && i < len(b.pending); i++ {
				b.pending[i].syncError = err.Error()
			}
			b.mu.Unlock()
			return pipeline.Wrap(pipeline.Classify(err), fmt.Errorf("drain batch of %d: %w", batch, err))
		}

		failedIdx := make(map[int]bool, len(failures))
		for _, f := range failures {
			failedIdx[f.Index] = true
		}

		b.mu.Lock()
		kept := b.pending[:0]
		for i, p := range b.pending {
			if i < batch && !failedIdx[i] {
				continue // synced, drop from the buffer
			}
			kept = append(kept, p)
		}
		b.pending = kept
		b.spaceFree.Broadcast()
		b.mu.Unlock()
	}
}

func (b *Buffer) writeCheckpoint() {
	b.mu.Lock()
	snapshot := make([]models.BackupFile, 0, len(b.pending))
	for _, p := range b.pending {
		snapshot = append(snapshot, p.rec)
	}
	b.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	if err := os.MkdirAll(b.cfg.CheckpointDir, 0755); err != nil {
		b.logger.Error("checkpoint mkdir failed", map[string]interface{}{"error": err.Error()})
		return
	}

	name := fmt.Sprintf("tmp%d.sql", time.Now().UnixMilli())
	path := filepath.Join(b.cfg.CheckpointDir, name)

	var sb strings.Builder
	for _, rec := range snapshot {
		sb.WriteString("INSERT INTO backup_files (backup_set_id, file_path, file_name, file_size, file_type, file_permissions) VALUES (")
		sb.WriteString(strconv.FormatInt(b.setID, 10))
		sb.WriteString(", '")
		sb.WriteString(escapeSQL(rec.FilePath))
		sb.WriteString("', '")
		sb.WriteString(escapeSQL(rec.FileName))
		sb.WriteString("', ")
		sb.WriteString(strconv.FormatInt(rec.FileSize, 10))
		sb.WriteString(", '")
		sb.WriteString(escapeSQL(string(rec.FileType)))
		sb.WriteString("', ")
		sb.WriteString(strconv.FormatUint(uint64(rec.FilePermissions), 10))
		sb.WriteString(");\n")
	}

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		b.logger.Error("checkpoint write failed", map[string]interface{}{"error": err.Error()})
		return
	}

	// The new snapshot holds every record still pending, so the earlier
	// checkpoints are superseded.
	b.cleanupCheckpoints(0)
	b.lastCheckpointFiles = append(b.lastCheckpointFiles, path)
}

// cleanupCheckpoints deletes every checkpoint file recorded so far. It runs
// just before a new checkpoint is recorded and on a clean Stop.
// highestSyncedID is not consulted: files are not selected by the ids they
// captured.
func (b *Buffer) cleanupCheckpoints(highestSyncedID int64) {
	_ = highestSyncedID
	for _, p := range b.lastCheckpointFiles {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			b.logger.Warn("checkpoint cleanup failed", map[string]interface{}{"path": p, "error": err.Error()})
		}
	}
	b.lastCheckpointFiles = nil
}

func escapeSQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
