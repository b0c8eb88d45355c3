// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Derived from skicka: gdrive/readers.go. (c)2015, Google, Inc. (BSD Licensed).

package storage

import (
	"context"
	"io"
	"sync"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// Limiter

// Limiter doles out upload and download bandwidth. Every eighth of a
// second it releases an eighth of the per-second budget; readers wrapped
// by it block until some budget is available.
type Limiter struct {
	mu                 sync.Mutex
	cond               *sync.Cond
	up, down           int // bytes per second; 0 is unlimited
	availUp, availDown int
	ticker             *time.Ticker
	done               chan struct{}
	stopOnce           sync.Once
	stopped            bool
}

// NewLimiter returns a limiter for the given rates; zero means
// unlimited.
func NewLimiter(uploadBytesPerSecond, downloadBytesPerSecond int) *Limiter {
	l := &Limiter{
		up:     uploadBytesPerSecond,
		down:   downloadBytesPerSecond,
		ticker: time.NewTicker(125 * time.Millisecond),
		done:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *Limiter) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.ticker.C:
		}

		l.mu.Lock()
		// The 94/100 factor adds some slop to account for TCP/IP overhead
		// and HTTP headers in an effort to have the actual bandwidth used
		// not exceed the desired limit. Never queue up more than one
		// second's worth of transmission.
		l.availUp = refill(l.availUp, l.up)
		l.availDown = refill(l.availDown, l.down)
		l.cond.Broadcast()
		l.mu.Unlock()
	}
}

func refill(avail, perSecond int) int {
	step := perSecond * 94 / 100 / 8
	if step < 1 && perSecond > 0 {
		// Very low rates still have to make progress.
		step = 1
	}
	avail += step
	if avail > perSecond {
		avail = perSecond
	}
	return avail
}

// Stop releases the limiter's goroutine. Readers blocked on it are
// released unthrottled.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		l.ticker.Stop()
		close(l.done)
		l.mu.Lock()
		l.stopped = true
		l.cond.Broadcast()
		l.mu.Unlock()
	})
}

func (l *Limiter) UploadReader(r io.Reader) io.Reader {
	if l == nil || l.up == 0 {
		return r
	}
	return &limitedReader{R: r, l: l, avail: &l.availUp}
}

func (l *Limiter) DownloadReader(r io.Reader) io.Reader {
	if l == nil || l.down == 0 {
		return r
	}
	return &limitedReader{R: r, l: l, avail: &l.availDown}
}

// limitedReader returns no more bytes than the limiter currently allows.
type limitedReader struct {
	R     io.Reader
	l     *Limiter
	avail *int
}

func (lr *limitedReader) Read(dst []byte) (int, error) {
	lr.l.mu.Lock()
	for *lr.avail <= 0 && !lr.l.stopped {
		lr.l.cond.Wait()
	}

	n := len(dst)
	limited := !lr.l.stopped
	if limited {
		if n > *lr.avail {
			n = *lr.avail
		}
		*lr.avail -= n
	}
	lr.l.mu.Unlock()

	read, err := lr.R.Read(dst[:n])
	if read < n && limited {
		// Give back what we reserved but didn't use.
		lr.l.mu.Lock()
		*lr.avail += n - read
		lr.l.mu.Unlock()
	}
	return read, err
}

// limitedWriter applies a download budget to the bytes written to W.
type limitedWriter struct {
	W io.Writer
	l *Limiter
}

func (lw limitedWriter) Write(p []byte) (int, error) {
	n, err := io.Copy(lw.W, lw.l.DownloadReader(&sliceReader{b: p}))
	return int(n), err
}

type sliceReader struct{ b []byte }

func (s *sliceReader) Read(p []byte) (int, error) {
	if len(s.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.b)
	s.b = s.b[n:]
	return n, nil
}

///////////////////////////////////////////////////////////////////////////
// rateLimited

type rateLimited struct {
	Target
	l *Limiter
}

// NewRateLimited returns a Target that throttles transfers to and from t.
func NewRateLimited(t Target, l *Limiter) Target {
	if l == nil {
		return t
	}
	return &rateLimited{Target: t, l: l}
}

func (r *rateLimited) String() string {
	return r.Target.String() + " (rate limited)"
}

func (r *rateLimited) Upload(ctx context.Context, rd io.Reader, size int64, container, name string) error {
	return r.Target.Upload(ctx, r.l.UploadReader(rd), size, container, name)
}

func (r *rateLimited) Download(ctx context.Context, container, name string, w io.Writer, start, length int64) error {
	if r.l.down == 0 {
		return r.Target.Download(ctx, container, name, w, start, length)
	}
	return r.Target.Download(ctx, container, name, limitedWriter{W: w, l: r.l}, start, length)
}
