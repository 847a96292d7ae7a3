// Package tapewriter serializes archive writes to a single tape device: the
// drive physically cannot accept concurrent writes, so every archive a
// CompressionWorker produces passes through one consumer loop here.
package tapewriter

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tapebackarr/tapebackarr/internal/logging"
)

// TapeDriver is the external tape mover. WriteArchive streams the archive
// at path to the current tape position, writes a file mark, and reports
// the tape_position (file number) it now occupies.
type TapeDriver interface {
	WriteArchive(ctx context.Context, path string) (tapePosition int64, err error)
}

// DoneCallback is invoked once per archive after the driver attempt,
// success or failure, never both.
type DoneCallback func(success bool, tapePosition int64, err error)

type workItem struct {
	archivePath string
	setID       int64
	groupIdx    int
	onDone      DoneCallback
}

// Writer is the single-consumer tape writer. Archives are enqueued
// non-blockingly up to a bounded queue; Enqueue reports backpressure via an
// error rather than blocking the caller indefinitely.
type Writer struct {
	driver TapeDriver
	logger *logging.Logger

	queue    chan workItem
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// New constructs a Writer with the given bounded queue depth.
func New(driver TapeDriver, logger *logging.Logger, queueDepth int) *Writer {
	if queueDepth <= 0 {
		queueDepth = 16
	}
	return &Writer{
		driver:   driver,
		logger:   logger,
		queue:    make(chan workItem, queueDepth),
		shutdown: make(chan struct{}),
	}
}

// Start launches the single consumer loop. Call once.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Enqueue submits an archive for writing. It is non-blocking: if the queue
// is full it returns an error immediately rather than waiting, so callers
// (CompressionWorker) never stall behind a slow tape.
func (w *Writer) Enqueue(archivePath string, setID int64, groupIdx int, onDone DoneCallback) error {
	select {
	case <-w.shutdown:
		return fmt.Errorf("tape writer is shutting down, archive %s rejected", archivePath)
	default:
	}
	item := workItem{archivePath: archivePath, setID: setID, groupIdx: groupIdx, onDone: onDone}
	select {
	case w.queue <- item:
		return nil
	default:
		return fmt.Errorf("tape writer queue full, backpressure on archive %s", archivePath)
	}
}

// EnqueueArchive adapts Enqueue to compressionworker.ArchiveSink, discarding
// the completion callback for callers that don't need it (they instead poll
// MetaStore state, which MarkFilesCopied already updated before the archive
// was enqueued).
func (w *Writer) EnqueueArchive(ctx context.Context, archivePath string, chunkNumber int) error {
	return w.Enqueue(archivePath, 0, chunkNumber, nil)
}

// Shutdown stops accepting new archives and drains everything already
// queued before returning.
func (w *Writer) Shutdown() {
	w.once.Do(func() {
		close(w.shutdown)
		close(w.queue)
	})
	w.wg.Wait()
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()
	for item := range w.queue {
		w.writeOne(ctx, item)
	}
}

func (w *Writer) writeOne(ctx context.Context, item workItem) {
	w.logger.Info("tape write start", map[string]interface{}{
		"archive": item.archivePath, "set_id": item.setID, "group_idx": item.groupIdx,
	})

	tapePosition, err := w.driver.WriteArchive(ctx, item.archivePath)
	if err != nil {
		w.logger.Error("tape write failed, archive left in place for retry", map[string]interface{}{
			"archive": item.archivePath, "set_id": item.setID, "group_idx": item.groupIdx, "error": err.Error(),
		})
		if item.onDone != nil {
			item.onDone(false, 0, err)
		}
		return
	}

	w.logger.Info("tape write complete", map[string]interface{}{
		"archive": item.archivePath, "set_id": item.setID, "group_idx": item.groupIdx, "tape_position": tapePosition,
	})

	if err := os.Remove(item.archivePath); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("failed to remove staged archive after successful write", map[string]interface{}{
			"archive": item.archivePath, "error": err.Error(),
		})
	} else {
		w.logger.Info("file removed", map[string]interface{}{"archive": item.archivePath})
	}

	if item.onDone != nil {
		item.onDone(true, tapePosition, nil)
	}
}

// LeaseHolder implements the direct-to-tape variant: the Compressor writes
// straight into the tape-device stream, and this type only enforces the
// "at most one writer at a time" invariant via a mutex, rather than moving
// bytes itself.
type LeaseHolder struct {
	mu     sync.Mutex
	logger *logging.Logger
}

// NewLeaseHolder constructs a LeaseHolder.
func NewLeaseHolder(logger *logging.Logger) *LeaseHolder {
	return &LeaseHolder{logger: logger}
}

// WithLease runs fn while holding the tape's exclusive write lease.
func (l *LeaseHolder) WithLease(ctx context.Context, setID int64, groupIdx int, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	l.logger.Info("tape write start (direct)", map[string]interface{}{"set_id": setID, "group_idx": groupIdx})
	err := fn(ctx)
	if err != nil {
		l.logger.Error("tape write failed (direct)", map[string]interface{}{
			"set_id": setID, "group_idx": groupIdx, "error": err.Error(), "elapsed": time.Since(start).String(),
		})
		return err
	}
	l.logger.Info("tape write complete (direct)", map[string]interface{}{
		"set_id": setID, "group_idx": groupIdx, "elapsed": time.Since(start).String(),
	})
	return nil
}
