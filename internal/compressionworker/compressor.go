package compressionworker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/tapebackarr/tapebackarr/internal/config"
	"github.com/tapebackarr/tapebackarr/internal/models"
)

// countingReader wraps an io.Reader and reports bytes read through it via
// an atomically-counted, second-throttled callback.
type countingReader struct {
	reader       io.Reader
	count        int64
	lastCallback int64
	callback     func(bytesRead int64)
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.reader.Read(p)
	if n > 0 {
		total := atomic.AddInt64(&cr.count, int64(n))
		if cr.callback != nil {
			now := time.Now().UnixNano()
			last := atomic.LoadInt64(&cr.lastCallback)
			if now-last >= int64(time.Second) {
				if atomic.CompareAndSwapInt64(&cr.lastCallback, last, now) {
					cr.callback(total)
				}
			}
		}
	}
	return n, err
}

// buildCompressionCmd returns the exec.Cmd for the configured method. For
// gzip-family output it prefers pigz (parallel gzip) when present, falling
// back to plain gzip; zstd always runs multi-threaded.
func buildCompressionCmd(ctx context.Context, method config.CompressionMethod, level, threads int) (*exec.Cmd, bool, error) {
	switch method {
	case config.CompressionTar:
		return nil, false, nil
	case config.CompressionPgzip:
		if _, err := exec.LookPath("pigz"); err == nil {
			return exec.CommandContext(ctx, "pigz", fmt.Sprintf("-%d", level), "-p", fmt.Sprintf("%d", threads), "-c"), true, nil
		}
		return exec.CommandContext(ctx, "gzip", fmt.Sprintf("-%d", level), "-c"), true, nil
	case config.CompressionZstd:
		return exec.CommandContext(ctx, "zstd", fmt.Sprintf("-%d", level), "-T", fmt.Sprintf("%d", threads), "-c", "--no-progress"), true, nil
	case config.Compression7ZipCommand:
		return exec.CommandContext(ctx, "7z", "a", "-si", "-so", fmt.Sprintf("-mx=%d", level)), true, nil
	default:
		return nil, false, fmt.Errorf("unsupported compression method: %s", method)
	}
}

// TarCompressor is the default Compressor: it tars the group's files and
// pipes the stream through the configured compression command, writing the
// result to tempPath and sha256-summing it as it goes.
type TarCompressor struct {
	Method  config.CompressionMethod
	Level   int
	Threads int
}

// CompressGroup implements Compressor.
func (t *TarCompressor) CompressGroup(ctx context.Context, files []models.BackupFile, tempPath string, progress func(bytesWritten int64)) (CompressResult, error) {
	if len(files) == 0 {
		return CompressResult{}, fmt.Errorf("compress group: empty file list")
	}

	tarArgs := []string{"-cf", "-"}
	for _, f := range files {
		tarArgs = append(tarArgs, f.FilePath)
	}
	tarCmd := exec.CommandContext(ctx, "tar", tarArgs...)
	tarPipe, err := tarCmd.StdoutPipe()
	if err != nil {
		return CompressResult{}, fmt.Errorf("tar stdout pipe: %w", err)
	}
	if err := tarCmd.Start(); err != nil {
		return CompressResult{}, fmt.Errorf("start tar: %w", err)
	}

	out, err := os.Create(tempPath)
	if err != nil {
		return CompressResult{}, fmt.Errorf("create archive %s: %w", tempPath, err)
	}
	defer out.Close()

	checksum := sha256.New()
	dest := io.MultiWriter(out, checksum)

	compCmd, enabled, err := buildCompressionCmd(ctx, t.Method, t.Level, t.Threads)
	if err != nil {
		return CompressResult{}, err
	}

	if !enabled {
		cr := &countingReader{reader: tarPipe, callback: progress}
		if _, err := io.Copy(dest, cr); err != nil {
			return CompressResult{}, fmt.Errorf("copy tar stream: %w", err)
		}
		if err := tarCmd.Wait(); err != nil {
			return CompressResult{}, fmt.Errorf("tar failed: %w", err)
		}
		info, err := out.Stat()
		if err != nil {
			return CompressResult{}, err
		}
		return CompressResult{CompressedSize: info.Size(), Checksum: hex.EncodeToString(checksum.Sum(nil)), CompressionEnabled: false}, nil
	}

	cr := &countingReader{reader: tarPipe, callback: progress}
	compCmd.Stdin = cr
	compPipe, err := compCmd.StdoutPipe()
	if err != nil {
		return CompressResult{}, fmt.Errorf("compression stdout pipe: %w", err)
	}
	if err := compCmd.Start(); err != nil {
		return CompressResult{}, fmt.Errorf("start compression: %w", err)
	}

	if _, err := io.Copy(dest, compPipe); err != nil {
		return CompressResult{}, fmt.Errorf("copy compressed stream: %w", err)
	}
	if err := compCmd.Wait(); err != nil {
		return CompressResult{}, fmt.Errorf("compression failed: %w", err)
	}
	if err := tarCmd.Wait(); err != nil {
		return CompressResult{}, fmt.Errorf("tar failed: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		return CompressResult{}, err
	}
	return CompressResult{CompressedSize: info.Size(), Checksum: hex.EncodeToString(checksum.Sum(nil)), CompressionEnabled: true}, nil
}
