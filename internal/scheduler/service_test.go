package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tapebackarr/tapebackarr/internal/database"
	"github.com/tapebackarr/tapebackarr/internal/logging"
	"github.com/tapebackarr/tapebackarr/internal/models"
)

func newTestDB(t *testing.T) *database.DB {
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
	return db
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.NewLogger("error", "json", "")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return l
}

func TestScheduleTemplateAddsAndRemovesCronEntry(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db, testLogger(t), func(ctx context.Context, t *models.BackupTask) error { return nil })

	tmpl := &models.BackupTask{ID: 1, Name: "nightly", ScheduleCron: "0 0 2 * * *"}
	if err := svc.AddJob(tmpl); err != nil {
		t.Fatalf("add job: %v", err)
	}
	if next := svc.GetNextRun(1); next == nil {
		t.Fatal("expected a next run time after scheduling")
	}

	svc.RemoveJob(1)
	if next := svc.GetNextRun(1); next != nil {
		t.Fatal("expected no next run time after removal")
	}
}

func TestRunTemplateInvokesJobRunner(t *testing.T) {
	db := newTestDB(t)

	var calls int32
	var wg sync.WaitGroup
	wg.Add(1)
	svc := NewService(db, testLogger(t), func(ctx context.Context, tmpl *models.BackupTask) error {
		atomic.AddInt32(&calls, 1)
		wg.Done()
		return nil
	})

	// Insert a template row directly so runTemplate's last_run_at update
	// has a row to land on.
	res, err := db.Exec(`INSERT INTO backup_tasks (name, type, is_template, schedule_cron) VALUES ('t', 'FULL', 1, '')`)
	if err != nil {
		t.Fatalf("insert template: %v", err)
	}
	id, _ := res.LastInsertId()

	svc.runTemplate(&models.BackupTask{ID: id, Name: "t"})
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly one run, got %d", calls)
	}

	var lastRunAt *time.Time
	if err := db.QueryRow(`SELECT last_run_at FROM backup_tasks WHERE id = ?`, id).Scan(&lastRunAt); err != nil {
		t.Fatalf("query last_run_at: %v", err)
	}
	if lastRunAt == nil {
		t.Error("expected last_run_at to be set after a run")
	}
}

func TestParseCronRejectsInvalidExpression(t *testing.T) {
	if err := ParseCron("not a cron expression"); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
	if err := ParseCron("0 0 2 * * *"); err != nil {
		t.Fatalf("expected a valid expression to parse, got %v", err)
	}
}

func TestReloadJobsPicksUpDatabaseChanges(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db, testLogger(t), func(ctx context.Context, tmpl *models.BackupTask) error { return nil })

	if _, err := db.Exec(`INSERT INTO backup_tasks (name, type, is_template, schedule_cron) VALUES ('t', 'FULL', 1, '0 0 3 * * *')`); err != nil {
		t.Fatalf("insert template: %v", err)
	}

	if err := svc.ReloadJobs(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	entries := svc.ListScheduledJobs()
	if len(entries) != 1 {
		t.Fatalf("expected 1 scheduled template after reload, got %d", len(entries))
	}
}
