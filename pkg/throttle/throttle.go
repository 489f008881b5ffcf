// Package throttle provides bandwidth limiting for fragment transfers
package throttle

import (
	"context"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter bounds sustained byte throughput with a token bucket. A rate of
// zero means unlimited.
type Limiter struct {
	mu    sync.RWMutex
	rl    *rate.Limiter
	burst int64
}

// NewLimiter creates a limiter. burst caps how many bytes may pass at once;
// zero defaults it to one second's worth.
func NewLimiter(bytesPerSecond, burst int64) *Limiter {
	l := &Limiter{}
	l.set(bytesPerSecond, burst)
	return l
}

func (l *Limiter) set(bytesPerSecond, burst int64) {
	if bytesPerSecond <= 0 {
		l.rl = nil
		l.burst = 0
		return
	}
	if burst <= 0 {
		burst = bytesPerSecond
	}
	l.rl = rate.NewLimiter(rate.Limit(bytesPerSecond), int(burst))
	l.burst = burst
}

// SetRate replaces the rate limit, keeping the burst size.
func (l *Limiter) SetRate(bytesPerSecond int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set(bytesPerSecond, l.burst)
}

// Rate returns the current limit in bytes per second, zero for unlimited.
func (l *Limiter) Rate() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.rl == nil {
		return 0
	}
	return int64(l.rl.Limit())
}

// Wait blocks until n bytes may pass. Requests larger than the burst are
// drained in burst-size pieces.
func (l *Limiter) Wait(ctx context.Context, n int64) error {
	l.mu.RLock()
	rl := l.rl
	burst := l.burst
	l.mu.RUnlock()

	if rl == nil || n <= 0 {
		return nil
	}
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := rl.WaitN(ctx, int(take)); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// Reader paces reads through a limiter. Tokens are charged for the bytes
// actually read, so short reads are not overbilled.
type Reader struct {
	r   io.Reader
	l   *Limiter
	ctx context.Context
}

// NewReader wraps r with rate limiting.
func NewReader(ctx context.Context, r io.Reader, l *Limiter) *Reader {
	return &Reader{r: r, l: l, ctx: ctx}
}

func (tr *Reader) Read(p []byte) (int, error) {
	n, err := tr.r.Read(p)
	if n > 0 {
		if werr := tr.l.Wait(tr.ctx, int64(n)); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// Writer paces writes through a limiter.
type Writer struct {
	w   io.Writer
	l   *Limiter
	ctx context.Context
}

// NewWriter wraps w with rate limiting.
func NewWriter(ctx context.Context, w io.Writer, l *Limiter) *Writer {
	return &Writer{w: w, l: l, ctx: ctx}
}

func (tw *Writer) Write(p []byte) (int, error) {
	if err := tw.l.Wait(tw.ctx, int64(len(p))); err != nil {
		return 0, err
	}
	return tw.w.Write(p)
}

// Common rate constants
const (
	KB = 1024
	MB = 1024 * KB

	Limit500KB = 500 * KB
	Limit1MB   = 1 * MB
	Limit10MB  = 10 * MB
	Unlimited  = 0
)
