package generator

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrPortClosed is returned by Port operations after Close.
var ErrPortClosed = errors.New("generator port closed")

// Port is an in-process stand-in for a serial port. Each Read waits for the
// next emission tick and returns one generated line, or returns (0, nil) once
// readTimeout elapses first, the same contract a serial port with a read
// timeout has.
type Port struct {
	gen         *ArduinoGenerator
	interval    time.Duration
	readTimeout time.Duration
	next        time.Time
	pending     []byte

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewPort returns a port that emits a line every interval.
func NewPort(gen *ArduinoGenerator, interval, readTimeout time.Duration) *Port {
	if interval <= 0 {
		interval = time.Second
	}
	if readTimeout <= 0 {
		readTimeout = 100 * time.Millisecond
	}
	return &Port{
		gen:         gen,
		interval:    interval,
		readTimeout: readTimeout,
		next:        time.Now(),
		done:        make(chan struct{}),
	}
}

// Read implements io.Reader. Reads are expected from a single goroutine.
func (p *Port) Read(buf []byte) (int, error) {
	if p.isClosed() {
		return 0, ErrPortClosed
	}

	if len(p.pending) == 0 {
		wait := time.Until(p.next)
		if wait > p.readTimeout {
			timer := time.NewTimer(p.readTimeout)
			defer timer.Stop()
			select {
			case <-p.done:
				return 0, ErrPortClosed
			case <-timer.C:
				return 0, nil
			}
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-p.done:
				return 0, ErrPortClosed
			case <-timer.C:
			}
		}
		now := time.Now()
		p.pending = p.gen.Line(now)
		p.next = now.Add(p.interval)
	}

	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

// Write discards commands sent to the board.
func (p *Port) Write(b []byte) (int, error) {
	if p.isClosed() {
		return 0, ErrPortClosed
	}
	return len(b), nil
}

// Close unblocks a pending Read. Closing twice is a no-op.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

var _ io.ReadWriteCloser = (*Port)(nil)
