// Package ratelimit provides the token-bucket speed governor used on
// data transfers. The transfer engine calls Take directly from its copy
// loop; the Reader/Writer wrappers apply the same limit to an io.Reader or
// io.Writer.
package ratelimit

import (
	"io"
	"sync"
	"time"
)

// Limiter is a token bucket limiting throughput to a target rate in
// bytes per second, with burst capacity of one second's worth of data.
// A nil *Limiter is valid and imposes no limit.
type Limiter struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastUpdate time.Time
}

// New creates a limiter at bytesPerSecond, or nil (unlimited) when the
// rate is zero or negative.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	rate := float64(bytesPerSecond)
	return &Limiter{
		rate:       rate,
		burst:      rate,
		tokens:     rate,
		lastUpdate: time.Now(),
	}
}

// Rate returns the configured bytes/second, 0 for unlimited.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(l.rate)
}

func (l *Limiter) refill(now time.Time) {
	l.tokens += now.Sub(l.lastUpdate).Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastUpdate = now
}

// Take consumes n tokens, sleeping as long as needed to keep the running
// average at or under the configured rate. Sleeps are capped at one
// second per call so interrupts are observed promptly by the caller.
func (l *Limiter) Take(n int) {
	if l == nil || n <= 0 {
		return
	}

	l.mu.Lock()
	l.refill(time.Now())
	need := float64(n)
	if l.tokens >= need {
		l.tokens -= need
		l.mu.Unlock()
		return
	}
	wait := time.Duration((need - l.tokens) / l.rate * float64(time.Second))
	l.mu.Unlock()

	const maxWait = time.Second
	if wait > maxWait {
		wait = maxWait
	}
	time.Sleep(wait)

	l.mu.Lock()
	l.refill(time.Now())
	if l.tokens >= need {
		l.tokens -= need
	} else {
		l.tokens = 0
	}
	l.mu.Unlock()
}

type reader struct {
	r io.Reader
	l *Limiter
}

// NewReader limits read throughput. A nil limiter returns r unchanged.
func NewReader(r io.Reader, l *Limiter) io.Reader {
	if l == nil {
		return r
	}
	return &reader{r: r, l: l}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	const chunk = 8 * 1024
	n := len(p)
	if n > chunk {
		n = chunk
	}
	r.l.Take(n)
	return r.r.Read(p[:n])
}

type writer struct {
	w io.Writer
	l *Limiter
}

// NewWriter limits write throughput. A nil limiter returns w unchanged.
func NewWriter(w io.Writer, l *Limiter) io.Writer {
	if l == nil {
		return w
	}
	return &writer{w: w, l: l}
}

func (w *writer) Write(p []byte) (int, error) {
	const chunk = 64 * 1024
	written := 0
	for written < len(p) {
		n := len(p) - written
		if n > chunk {
			n = chunk
		}
		w.l.Take(n)
		m, err := w.w.Write(p[written : written+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
