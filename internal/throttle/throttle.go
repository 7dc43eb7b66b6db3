// Package throttle wraps report-transfer io.Reader/io.Writer streams
// with a token-bucket rate limiter, capping report-transfer bandwidth
// the way the teacher throttles backup-transfer streams.
package throttle

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// minBurstBytes keeps the limiter usable for the largest single report
// chunk (see protocol.ReportChunkSize) even at very low configured
// rates.
const minBurstBytes = 1024

// NewLimiter builds a rate.Limiter from a megabits-per-second budget.
// A non-positive mbps disables throttling: NewLimiter returns nil, and
// NewReader/NewWriter pass the stream through unwrapped.
func NewLimiter(mbps float64) *rate.Limiter {
	if mbps <= 0 {
		return nil
	}
	bytesPerSec := mbps * 1e6 / 8
	burst := int(bytesPerSec)
	if burst < minBurstBytes {
		burst = minBurstBytes
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// Writer wraps an io.Writer, blocking each Write until the limiter's
// token bucket admits that many bytes.
type Writer struct {
	w   io.Writer
	lim *rate.Limiter
}

// NewWriter wraps w with lim. A nil lim makes NewWriter a pass-through.
func NewWriter(w io.Writer, lim *rate.Limiter) io.Writer {
	if lim == nil {
		return w
	}
	return &Writer{w: w, lim: lim}
}

func (tw *Writer) Write(p []byte) (int, error) {
	if err := tw.lim.WaitN(context.Background(), len(p)); err != nil {
		return 0, err
	}
	return tw.w.Write(p)
}

// Reader wraps an io.Reader, blocking each Read until the limiter's
// token bucket admits the bytes actually read.
type Reader struct {
	r   io.Reader
	lim *rate.Limiter
}

// NewReader wraps r with lim. A nil lim makes NewReader a pass-through.
func NewReader(r io.Reader, lim *rate.Limiter) io.Reader {
	if lim == nil {
		return r
	}
	return &Reader{r: r, lim: lim}
}

func (tr *Reader) Read(p []byte) (int, error) {
	n, err := tr.r.Read(p)
	if n > 0 {
		if werr := tr.lim.WaitN(context.Background(), n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
