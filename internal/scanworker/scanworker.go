// Package scanworker walks a task's source paths and feeds every entry it
// finds to a staging buffer as a BackupFile record, tracking scan_status
// and periodic progress as it goes.
package scanworker

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tapebackarr/tapebackarr/internal/logging"
	"github.com/tapebackarr/tapebackarr/internal/metastore"
	"github.com/tapebackarr/tapebackarr/internal/models"
)

// Entry is one filesystem object observed by a Scanner: the
// (path, stat, kind) triple spec.md's ScanWorker contract names.
type Entry struct {
	Path         string
	Size         int64
	Mode         os.FileMode
	Kind         models.FileType
	CreatedTime  time.Time
	ModifiedTime time.Time
	AccessedTime time.Time
}

// Scanner walks sourcePaths, honoring excludePatterns, and calls visit for
// every entry found. An error from visit aborts the walk immediately;
// unreadable entries are logged internally and skipped rather than
// reported through visit.
type Scanner interface {
	Scan(ctx context.Context, sourcePaths, excludePatterns []string, visit func(Entry) error) error
}

// Sink receives scanned entries to persist; staging.Buffer implements it.
type Sink interface {
	AddFiles(ctx context.Context, records []models.BackupFile) error
}

// Worker drives a single task's scan phase.
type Worker struct {
	scanner        Scanner
	store          *metastore.Store
	sink           Sink
	logger         *logging.Logger
	maxFileSize    int64
	updateInterval time.Duration
	batchSize      int
}

// New constructs a Worker. maxFileSize feeds the
// result_summary.estimated_archive_count formula; updateInterval bounds how
// often total_files/total_bytes are pushed to MetaStore mid-scan.
func New(scanner Scanner, store *metastore.Store, sink Sink, logger *logging.Logger, maxFileSize int64, updateInterval time.Duration) *Worker {
	return &Worker{
		scanner:        scanner,
		store:          store,
		sink:           sink,
		logger:         logger,
		maxFileSize:    maxFileSize,
		updateInterval: updateInterval,
		batchSize:      500,
	}
}

// Result is what Run reports: the totals observed during the scan,
// regardless of whether it completed or was cancelled partway through.
type Result struct {
	TotalFiles int64
	TotalBytes int64
}

// Run scans task.SourcePaths into setID, respecting task.ExcludePatterns,
// and returns the observed totals. On cancellation it returns the partial
// totals and a nil error, per the cooperative-cancellation contract.
func (w *Worker) Run(ctx context.Context, task *models.BackupTask, setID int64) (Result, error) {
	if err := w.store.UpdateScanStatus(ctx, task.ID, models.ScanStatusRunning); err != nil {
		if ctx.Err() != nil {
			// Cancelled before the scan started: zero totals, no error.
			return Result{}, nil
		}
		return Result{}, err
	}

	var totalFiles, totalBytes int64
	var lastUpdate int64 // unix nanos, atomic
	var mu sync.Mutex
	var batch []models.BackupFile

	flush := func() error {
		mu.Lock()
		toSend := batch
		batch = nil
		mu.Unlock()
		if len(toSend) == 0 {
			return nil
		}
		return w.sink.AddFiles(ctx, toSend)
	}

	maybeReportProgress := func() {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastUpdate)
		if time.Duration(now-last) < w.updateInterval {
			return
		}
		if !atomic.CompareAndSwapInt64(&lastUpdate, last, now) {
			return
		}
		tf := atomic.LoadInt64(&totalFiles)
		tb := atomic.LoadInt64(&totalBytes)
		summary := models.ResultSummary{
			EstimatedArchiveCount: estimatedArchiveCount(tb, w.maxFileSize),
			TotalScannedBytes:     tb,
			TotalScannedFiles:     tf,
		}
		if err := w.store.UpdateScanProgress(ctx, task.ID, tf, tb, summary); err != nil {
			w.logger.Warn("scan progress update failed", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		}
	}

	visit := func(e Entry) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec := models.BackupFile{
			FilePath:        e.Path,
			FileName:        filepath.Base(e.Path),
			FileSize:        e.Size,
			FileType:        e.Kind,
			FilePermissions: uint32(e.Mode.Perm()),
			CreatedTime:     e.CreatedTime,
			ModifiedTime:    e.ModifiedTime,
			AccessedTime:    e.AccessedTime,
		}

		mu.Lock()
		batch = append(batch, rec)
		shouldFlush := len(batch) >= w.batchSize
		mu.Unlock()

		if e.Kind == models.FileTypeFile {
			atomic.AddInt64(&totalBytes, e.Size)
		}
		atomic.AddInt64(&totalFiles, 1)

		if shouldFlush {
			if err := flush(); err != nil {
				return err
			}
		}
		maybeReportProgress()
		return nil
	}

	err := w.scanner.Scan(ctx, task.SourcePaths, task.ExcludePatterns, visit)

	if flushErr := flush(); flushErr != nil && err == nil {
		err = flushErr
	}

	result := Result{TotalFiles: atomic.LoadInt64(&totalFiles), TotalBytes: atomic.LoadInt64(&totalBytes)}
	summary := models.ResultSummary{
		EstimatedArchiveCount: estimatedArchiveCount(result.TotalBytes, w.maxFileSize),
		TotalScannedBytes:     result.TotalBytes,
		TotalScannedFiles:     result.TotalFiles,
	}
	_ = w.store.UpdateScanProgress(ctx, task.ID, result.TotalFiles, result.TotalBytes, summary)

	if ctxErr := ctx.Err(); ctxErr != nil {
		// Cooperative cancellation: report partial totals, no error.
		return result, nil
	}
	if err != nil {
		return result, err
	}

	if err := w.store.UpdateScanStatus(ctx, task.ID, models.ScanStatusCompleted); err != nil {
		return result, err
	}
	return result, nil
}

func estimatedArchiveCount(totalBytes, maxFileSize int64) int64 {
	if maxFileSize <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(totalBytes) / float64(maxFileSize)))
}

// FilesystemScanner is the default Scanner: a recursive directory walker
// that never dereferences symlinks and records directories with no size
// contribution.
type FilesystemScanner struct {
	Logger *logging.Logger
}

// Scan walks every path in sourcePaths, skipping entries matched by
// excludePatterns (exact names checked via map lookup, everything else via
// filepath.Match against both the base name and the path relative to the
// source root).
func (fs *FilesystemScanner) Scan(ctx context.Context, sourcePaths, excludePatterns []string, visit func(Entry) error) error {
	excludeExact := make(map[string]struct{})
	var excludeGlobs []string
	for _, p := range excludePatterns {
		if strings.ContainsAny(p, "*?[") {
			excludeGlobs = append(excludeGlobs, p)
		} else {
			excludeExact[p] = struct{}{}
		}
	}

	excluded := func(root, path string) bool {
		base := filepath.Base(path)
		if _, ok := excludeExact[base]; ok {
			return true
		}
		if len(excludeGlobs) == 0 {
			return false
		}
		rel, _ := filepath.Rel(root, path)
		for _, pattern := range excludeGlobs {
			if matched, _ := filepath.Match(pattern, rel); matched {
				return true
			}
			if matched, _ := filepath.Match(pattern, base); matched {
				return true
			}
		}
		return false
	}

	for _, root := range sourcePaths {
		if err := fs.walk(ctx, root, root, excluded, visit); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FilesystemScanner) walk(ctx context.Context, root, dir string, excluded func(root, path string) bool, visit func(Entry) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		fs.logger().Warn("unreadable directory, skipping", map[string]interface{}{"path": dir, "error": err.Error()})
		return nil
	}

	for _, de := range entries {
		path := filepath.Join(dir, de.Name())
		if excluded(root, path) {
			continue
		}

		info, err := os.Lstat(path)
		if err != nil {
			fs.logger().Warn("unreadable entry, skipping", map[string]interface{}{"path": path, "error": err.Error()})
			continue
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if err := visit(Entry{
				Path: path, Size: 0, Mode: info.Mode(), Kind: models.FileTypeSymlink,
				CreatedTime: info.ModTime(), ModifiedTime: info.ModTime(), AccessedTime: info.ModTime(),
			}); err != nil {
				return err
			}
		case info.IsDir():
			if err := visit(Entry{
				Path: path, Size: 0, Mode: info.Mode(), Kind: models.FileTypeDirectory,
				CreatedTime: info.ModTime(), ModifiedTime: info.ModTime(), AccessedTime: info.ModTime(),
			}); err != nil {
				return err
			}
			if err := fs.walk(ctx, root, path, excluded, visit); err != nil {
				return err
			}
		default:
			if err := visit(Entry{
				Path: path, Size: info.Size(), Mode: info.Mode(), Kind: models.FileTypeFile,
				CreatedTime: info.ModTime(), ModifiedTime: info.ModTime(), AccessedTime: info.ModTime(),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (fs *FilesystemScanner) logger() *logging.Logger {
	if fs.Logger != nil {
		return fs.Logger
	}
	l, _ := logging.NewLogger("error", "json", "")
	return l
}
