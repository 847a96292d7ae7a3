package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tapebackarr/tapebackarr/internal/database"
	"github.com/tapebackarr/tapebackarr/internal/logging"
	"github.com/tapebackarr/tapebackarr/internal/metastore"
	"github.com/tapebackarr/tapebackarr/internal/models"
)

func newTestSet(t *testing.T) (*metastore.Store, int64) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(dbPath)
	if err != nil {
		t.Fatalf("new database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	res, err := db.Exec(`INSERT INTO backup_tasks (name, type, is_template) VALUES ('tmpl', 'FULL', 1)`)
	if err != nil {
		t.Fatalf("insert template: %v", err)
	}
	templateID, _ := res.LastInsertId()

	logger, _ := logging.NewLogger("error", "json", "")
	store := metastore.New(db, logger)

	taskID, err := store.CreateTaskFromTemplate(context.Background(), templateID)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	set, err := store.CreateBackupSet(context.Background(), taskID, "2026-07_abc123", nil)
	if err != nil {
		t.Fatalf("create set: %v", err)
	}
	return store, set.ID
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.NewLogger("error", "json", "")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return l
}

func TestDirectModeAddFilesGoesStraightThrough(t *testing.T) {
	store, setID := newTestSet(t)
	buf := New(store, setID, Config{Mode: Direct}, testLogger(t))
	buf.Start(context.Background())

	records := []models.BackupFile{
		{FilePath: "/data/a.txt", FileName: "a.txt", FileSize: 10, FileType: models.FileTypeFile},
	}
	if err := buf.AddFiles(context.Background(), records); err != nil {
		t.Fatalf("add files: %v", err)
	}

	n, err := store.GetCompressedFilesCount(context.Background(), setID, []string{"/data/a.txt"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	_ = n // direct insert doesn't mark copied; just confirm no error and row exists below

	tuning := metastore.NewGroupTuning(1000)
	group, _, err := store.FetchPendingGroup(context.Background(), setID, tuning, false, 0, true)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(group) != 1 {
		t.Fatalf("expected 1 pending file visible immediately in direct mode, got %d", len(group))
	}

	if unsynced, err := buf.Stop(context.Background()); err != nil || unsynced != 0 {
		t.Fatalf("stop: unsynced=%d err=%v", unsynced, err)
	}
}

func TestBufferedModeDrainsAndBecomesVisible(t *testing.T) {
	store, setID := newTestSet(t)
	cfg := Config{
		Mode:           Buffered,
		SyncBatchSize:  10,
		SyncInterval:   50 * time.Millisecond,
		MaxMemoryFiles: 1000,
	}
	buf := New(store, setID, cfg, testLogger(t))
	buf.Start(context.Background())

	records := []models.BackupFile{
		{FilePath: "/data/a.txt", FileName: "a.txt", FileSize: 10, FileType: models.FileTypeFile},
		{FilePath: "/data/b.txt", FileName: "b.txt", FileSize: 20, FileType: models.FileTypeFile},
	}
	if err := buf.AddFiles(context.Background(), records); err != nil {
		t.Fatalf("add files: %v", err)
	}

	if err := buf.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	tuning := metastore.NewGroupTuning(1000)
	group, _, err := store.FetchPendingGroup(context.Background(), setID, tuning, false, 0, true)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(group) != 2 {
		t.Fatalf("expected 2 files visible after flush, got %d", len(group))
	}

	if unsynced, err := buf.Stop(context.Background()); err != nil || unsynced != 0 {
		t.Fatalf("stop: unsynced=%d err=%v", unsynced, err)
	}
}

func TestStopObservableGuarantee(t *testing.T) {
	store, setID := newTestSet(t)
	cfg := Config{
		Mode:           Buffered,
		SyncBatchSize:  100,
		SyncInterval:   time.Hour, // never fires on its own within the test
		MaxMemoryFiles: 1000,
	}
	buf := New(store, setID, cfg, testLogger(t))
	buf.Start(context.Background())

	records := []models.BackupFile{
		{FilePath: "/data/a.txt", FileName: "a.txt", FileSize: 10, FileType: models.FileTypeFile},
	}
	if err := buf.AddFiles(context.Background(), records); err != nil {
		t.Fatalf("add files: %v", err)
	}

	// Stop must flush before returning, per the observable guarantee: a
	// successful add_files is visible in MetaStore before stop() returns.
	if unsynced, err := buf.Stop(context.Background()); err != nil || unsynced != 0 {
		t.Fatalf("stop: unsynced=%d err=%v", unsynced, err)
	}

	tuning := metastore.NewGroupTuning(1000)
	group, _, err := store.FetchPendingGroup(context.Background(), setID, tuning, false, 0, true)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(group) != 1 {
		t.Fatalf("expected the added file visible immediately after Stop, got %d", len(group))
	}
}

func TestCheckpointWrittenAndCleanedUp(t *testing.T) {
	store, setID := newTestSet(t)
	checkpointDir := filepath.Join(t.TempDir(), "checkpoints")
	cfg := Config{
		Mode:                     Buffered,
		SyncBatchSize:            100,
		SyncInterval:             time.Hour,
		MaxMemoryFiles:           1000,
		CheckpointInterval:       time.Hour, // driven manually below, not by the ticker
		CheckpointRetentionHours: 24,
		CheckpointDir:            checkpointDir,
	}
	buf := New(store, setID, cfg, testLogger(t))

	// Seed the buffer directly so a drain cannot race the checkpoint
	// write: this test exercises writeCheckpoint/cleanupCheckpoints in
	// isolation from the drain loop's own timing.
	buf.mu.Lock()
	buf.pending = append(buf.pending, pendingRecord{rec: models.BackupFile{
		FilePath: "/data/a.txt", FileName: "a.txt", FileSize: 10, FileType: models.FileTypeFile,
	}})
	buf.mu.Unlock()

	buf.writeCheckpoint()

	entries, err := os.ReadDir(checkpointDir)
	if err != nil {
		t.Fatalf("read checkpoint dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 checkpoint file, found %d", len(entries))
	}

	buf.Start(context.Background())
	if unsynced, err := buf.Stop(context.Background()); err != nil || unsynced != 0 {
		t.Fatalf("stop: unsynced=%d err=%v", unsynced, err)
	}

	entries, _ = os.ReadDir(checkpointDir)
	if len(entries) != 0 {
		t.Errorf("expected checkpoint files cleaned up after clean stop, found %d", len(entries))
	}
}
