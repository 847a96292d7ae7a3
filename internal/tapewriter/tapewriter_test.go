package tapewriter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tapebackarr/tapebackarr/internal/logging"
)

type fakeDriver struct {
	mu        sync.Mutex
	calls     []string
	failPaths map[string]bool
	position  int64
}

func (f *fakeDriver) WriteArchive(ctx context.Context, path string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path)
	if f.failPaths[path] {
		return 0, fmt.Errorf("simulated write failure for %s", path)
	}
	f.position++
	return f.position, nil
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.NewLogger("error", "json", "")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return l
}

func TestWriterOrdersArchivesFIFOAndRemovesOnSuccess(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 3; i++ {
		p := filepath.Join(dir, fmt.Sprintf("archive-%d.tar", i))
		if err := os.WriteFile(p, []byte("data"), 0644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
		paths = append(paths, p)
	}

	driver := &fakeDriver{failPaths: map[string]bool{}}
	w := New(driver, testLogger(t), 8)
	ctx := context.Background()
	w.Start(ctx)

	var mu sync.Mutex
	var completions []string
	var wg sync.WaitGroup
	wg.Add(len(paths))
	for i, p := range paths {
		if err := w.Enqueue(p, 1, i, func(success bool, tapePosition int64, err error) {
			mu.Lock()
			completions = append(completions, p)
			mu.Unlock()
			wg.Done()
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	wg.Wait()
	w.Shutdown()

	driver.mu.Lock()
	calls := append([]string(nil), driver.calls...)
	driver.mu.Unlock()
	for i, p := range paths {
		if calls[i] != p {
			t.Errorf("expected FIFO order, call %d was %s, want %s", i, calls[i], p)
		}
	}

	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("expected %s removed after successful write", p)
		}
	}
}

func TestWriterLeavesArchiveInPlaceOnFailure(t *testing.T) {
	dir := t.TempDir()
	badPath := filepath.Join(dir, "bad.tar")
	if err := os.WriteFile(badPath, []byte("data"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	driver := &fakeDriver{failPaths: map[string]bool{badPath: true}}
	w := New(driver, testLogger(t), 8)
	ctx := context.Background()
	w.Start(ctx)

	done := make(chan bool, 1)
	var reportedErr error
	if err := w.Enqueue(badPath, 1, 0, func(success bool, tapePosition int64, err error) {
		reportedErr = err
		done <- success
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case success := <-done:
		if success {
			t.Fatal("expected failure callback")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
	if reportedErr == nil {
		t.Fatal("expected an error to be reported")
	}

	w.Shutdown()

	if _, err := os.Stat(badPath); err != nil {
		t.Errorf("expected archive left in place after failure, stat error: %v", err)
	}
}

func TestWriterRejectsNewWorkAfterShutdown(t *testing.T) {
	driver := &fakeDriver{failPaths: map[string]bool{}}
	w := New(driver, testLogger(t), 4)
	w.Start(context.Background())
	w.Shutdown()

	if err := w.Enqueue("/tmp/whatever.tar", 1, 0, nil); err == nil {
		t.Fatal("expected enqueue after shutdown to be rejected")
	}
}

func TestLeaseHolderSerializesWrites(t *testing.T) {
	lh := NewLeaseHolder(testLogger(t))
	var active int
	var maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_ = lh.WithLease(context.Background(), 1, idx, func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}(i)
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("expected at most 1 concurrent lease holder, observed %d", maxActive)
	}
}
