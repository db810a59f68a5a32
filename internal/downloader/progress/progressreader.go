package progress

import (
	"context"
	"io"
)

// ProgressReader wraps an io.Reader, reports progress via a callback and stops
// reading once its context is done.
type ProgressReader struct {
	ctx            context.Context
	reader         io.Reader
	total          int64
	onProgress     func(read int64, total int64)
	totalRead      int64
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

// NewReader returns a ProgressReader calling cb roughly every interval bytes. A
// total <= 0 means the size is unknown.
func NewReader(ctx context.Context, r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *ProgressReader {
	return &ProgressReader{
		ctx:            ctx,
		reader:         r,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.onProgress != nil && pr.lastReport >= pr.reportInterval {
			pr.onProgress(pr.totalRead, pr.total)
			pr.lastReport = 0
		}
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *ProgressReader) BytesRead() int64 {
	return pr.totalRead
}
