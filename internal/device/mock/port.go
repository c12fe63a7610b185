// Package mock provides scriptable device ports and openers for testing.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"procodus.dev/sensor-monitor/internal/device"
)

// ErrClosed is returned by FakePort reads after Close.
var ErrClosed = errors.New("fake port closed")

// Chunk is one scripted Read result.
type Chunk struct {
	Data []byte
	Err  error
}

// FakePort replays scripted chunks. When the script is empty, Read waits up to
// ReadTimeout for more and then returns (0, nil) like a serial port would.
type FakePort struct {
	// ReadTimeout bounds an empty Read (defaults to 5ms).
	ReadTimeout time.Duration

	chunks chan Chunk
	done   chan struct{}

	mu         sync.Mutex
	closed     bool
	closeCalls int
}

// NewFakePort creates a port with room for buffer queued chunks.
func NewFakePort(buffer int) *FakePort {
	return &FakePort{
		ReadTimeout: 5 * time.Millisecond,
		chunks:      make(chan Chunk, buffer),
		done:        make(chan struct{}),
	}
}

// Feed queues data to be returned by a later Read.
func (p *FakePort) Feed(data string) {
	p.chunks <- Chunk{Data: []byte(data)}
}

// Fail queues a read error.
func (p *FakePort) Fail(err error) {
	p.chunks <- Chunk{Err: err}
}

// Read implements device.Port.
func (p *FakePort) Read(buf []byte) (int, error) {
	if p.IsClosed() {
		return 0, ErrClosed
	}
	timer := time.NewTimer(p.ReadTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return 0, ErrClosed
	case c := <-p.chunks:
		n := copy(buf, c.Data)
		return n, c.Err
	case <-timer.C:
		return 0, nil
	}
}

// Close implements device.Port.
func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}

// IsClosed reports whether Close was called.
func (p *FakePort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// CloseCalls returns how many times Close was called.
func (p *FakePort) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

// FakeOpener hands out queued results in order. Once the queue is empty,
// Open returns Err (or ErrNoPort).
type FakeOpener struct {
	mu      sync.Mutex
	results []OpenResult
	opens   int

	// Err is returned when no result is queued.
	Err error
	// DevicePath is reported by Path.
	DevicePath string
}

// OpenResult is one scripted Open outcome.
type OpenResult struct {
	Port *FakePort
	Err  error
}

// ErrNoPort is the default error when the opener has nothing queued.
var ErrNoPort = errors.New("no such device")

// NewFakeOpener creates an opener that returns results in order.
func NewFakeOpener(results ...OpenResult) *FakeOpener {
	return &FakeOpener{results: results, DevicePath: "/dev/fake0"}
}

// Push queues another Open outcome.
func (o *FakeOpener) Push(r OpenResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, r)
}

// Open implements device.Opener.
func (o *FakeOpener) Open(_ context.Context) (device.Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++

	if len(o.results) == 0 {
		if o.Err != nil {
			return nil, o.Err
		}
		return nil, ErrNoPort
	}
	r := o.results[0]
	o.results = o.results[1:]
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Port, nil
}

// Path implements device.Opener.
func (o *FakeOpener) Path() string { return o.DevicePath }

// Opens returns how many times Open was called.
func (o *FakeOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

var (
	_ device.Port   = (*FakePort)(nil)
	_ device.Opener = (*FakeOpener)(nil)
)
