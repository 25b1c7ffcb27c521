package resource

import (
	"context"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Bandwidth is a computer's shared upload and download budget.
//
// Each direction is a token bucket refilled at the configured bytes per
// second, holding at most one second of traffic. Transfers that run out of
// budget stall until enough tokens accumulate; they are never aborted.
type Bandwidth struct {
	download *rate.Limiter
	upload   *rate.Limiter

	downloaded atomic.Int64
	uploaded   atomic.Int64
}

// NewBandwidth returns a budget of the given bytes per second.
// Zero or less means unlimited.
func NewBandwidth(download, upload int) *Bandwidth {
	return &Bandwidth{
		download: newLimiter(download),
		upload:   newLimiter(upload),
	}
}

func newLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
}

func setLimiter(l *rate.Limiter, bytesPerSecond int) {
	if bytesPerSecond <= 0 {
		l.SetLimit(rate.Inf)
		return
	}
	l.SetBurst(bytesPerSecond)
	l.SetLimit(rate.Limit(bytesPerSecond))
}

// SetLimits changes both rates.
func (b *Bandwidth) SetLimits(download, upload int) {
	setLimiter(b.download, download)
	setLimiter(b.upload, upload)
}

// Downloaded returns the number of bytes accounted as downloaded.
func (b *Bandwidth) Downloaded() int64 { return b.downloaded.Load() }

// Uploaded returns the number of bytes accounted as uploaded.
func (b *Bandwidth) Uploaded() int64 { return b.uploaded.Load() }

// WaitDownload blocks until n bytes of download budget are available.
func (b *Bandwidth) WaitDownload(ctx context.Context, n int) error {
	if err := wait(ctx, b.download, n); err != nil {
		return err
	}
	b.downloaded.Add(int64(n))
	return nil
}

// WaitUpload blocks until n bytes of upload budget are available.
func (b *Bandwidth) WaitUpload(ctx context.Context, n int) error {
	if err := wait(ctx, b.upload, n); err != nil {
		return err
	}
	b.uploaded.Add(int64(n))
	return nil
}

// wait takes n tokens from l in bursts, since WaitN rejects requests
// larger than the bucket.
func wait(ctx context.Context, l *rate.Limiter, n int) error {
	for n > 0 {
		chunk := chunkSize(l, n)
		if err := l.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// chunkSize returns the largest transfer that fits in one bucket.
func chunkSize(l *rate.Limiter, n int) int {
	if l.Limit() == rate.Inf {
		return n
	}
	return min(n, max(l.Burst(), 1))
}

// Reader returns a reader whose reads are charged to the download budget.
func (b *Bandwidth) Reader(ctx context.Context, r io.Reader) io.Reader {
	return &limitedReader{ctx: ctx, r: r, b: b}
}

type limitedReader struct {
	ctx context.Context
	r   io.Reader
	b   *Bandwidth
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := lr.r.Read(p[:chunkSize(lr.b.download, len(p))])
	if n > 0 {
		if werr := lr.b.WaitDownload(lr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// Writer returns a writer whose writes are charged to the upload budget.
// A write stalls before each chunk until the budget allows it.
func (b *Bandwidth) Writer(ctx context.Context, w io.Writer) io.Writer {
	return &limitedWriter{ctx: ctx, w: w, b: b}
}

type limitedWriter struct {
	ctx context.Context
	w   io.Writer
	b   *Bandwidth
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p[:chunkSize(lw.b.upload, len(p))]
		if err := lw.b.WaitUpload(lw.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := lw.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[len(chunk):]
	}
	return written, nil
}
