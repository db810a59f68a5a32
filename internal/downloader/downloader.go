package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/update_agent/internal/artifact"
	"github.com/italolelis/update_agent/internal/downloader/progress"
	"github.com/italolelis/update_agent/internal/logctx"
	"github.com/italolelis/update_agent/internal/telemetry"
)

const (
	dirPerm  = 0o755
	filePerm = 0o600

	progressInterval = int64(64 * 1024 * 1024)
)

// Downloader stores payload streams as regular files in a target directory. It
// is used when an update module does not take its payload through pipes.
type Downloader struct {
	targetDir string
	telemetry *telemetry.Telemetry
}

func NewDownloader(targetDir string, tel *telemetry.Telemetry) *Downloader {
	return &Downloader{targetDir: targetDir, telemetry: tel}
}

// StoreAll writes every remaining stream of payload to <targetDir>/<name> and
// returns the number of files and bytes written.
func (d *Downloader) StoreAll(ctx context.Context, payload artifact.Payload) (int, int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := d.ensureTargetDir(logger); err != nil {
		return 0, 0, err
	}

	var (
		files int
		total int64
	)

	for {
		file, err := payload.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return files, total, fmt.Errorf("failed to read next payload stream: %w", err)
		}

		n, err := d.StoreFile(ctx, file)
		total += n

		if err != nil {
			return files, total, err
		}

		files++
	}

	logger.Info("stored payload files", "dir", d.targetDir, "files", files, "size", humanize.Bytes(uint64(total)))

	return files, total, nil
}

// StoreFile writes one payload stream to <targetDir>/<name>. An existing file or
// directory at that path is an error; nothing is overwritten.
func (d *Downloader) StoreFile(ctx context.Context, file *artifact.PayloadFile) (int64, error) {
	if err := artifact.ValidateStreamName(file.Name); err != nil {
		return 0, err
	}

	targetPath := filepath.Join(d.targetDir, file.Name)
	logger := logctx.LoggerFromContext(ctx).With("file_path", targetPath)

	if err := checkFree(targetPath); err != nil {
		return 0, err
	}

	out, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return 0, fmt.Errorf("failed to create target file: %w", err)
	}

	n, err := d.writeFile(ctx, out, file, logger)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close target file: %w", closeErr)
	}

	if err != nil {
		return n, err
	}

	d.telemetry.RecordPayloadStream(telemetry.PayloadModeFile, n)

	logger.Info("stored payload file", "size", humanize.Bytes(uint64(n)))

	return n, nil
}

func checkFree(targetPath string) error {
	info, err := os.Lstat(targetPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to check target file: %w", err)
	}

	if info.IsDir() {
		return &fs.PathError{Op: "open", Path: targetPath, Err: syscall.EISDIR}
	}

	return &fs.PathError{Op: "open", Path: targetPath, Err: syscall.EEXIST}
}

func (d *Downloader) ensureTargetDir(logger *slog.Logger) error {
	if err := os.MkdirAll(d.targetDir, dirPerm); err != nil {
		logger.Error("failed to create target directory", "dir", d.targetDir, "err", err)

		return fmt.Errorf("failed to create target directory: %w", err)
	}

	return nil
}

func (d *Downloader) writeFile(ctx context.Context, out io.Writer, file *artifact.PayloadFile, logger *slog.Logger) (int64, error) {
	if file.Size >= 0 {
		logger.Debug("storing payload file", "file_size", humanize.Bytes(uint64(file.Size)))
	}

	pr := progress.NewReader(ctx, file, file.Size, progressInterval, func(read int64, total int64) {
		if total > 0 {
			logger.Debug("store progress",
				"stored", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))
		} else {
			logger.Debug("store progress", "stored", humanize.Bytes(uint64(read)))
		}
	})

	n, err := io.Copy(out, pr)
	if err != nil {
		return n, fmt.Errorf("failed to copy payload file: %w", err)
	}

	return n, nil
}
