// Package device owns the serial connection to the sensor board: it reads
// lines, decodes them into readings and reconnects after I/O failures.
package device

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"procodus.dev/sensor-monitor/internal/reading"
	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/metrics"
)

// Defaults for ReaderConfig.
const (
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultReconnectInterval = 5 * time.Second
	DefaultMaxLineBytes      = 4096
)

const readChunk = 512

// Handler receives every successfully parsed reading, in device order.
type Handler interface {
	HandleReading(ctx context.Context, r *reading.SensorReading)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, r *reading.SensorReading)

// HandleReading implements Handler.
func (f HandlerFunc) HandleReading(ctx context.Context, r *reading.SensorReading) { f(ctx, r) }

// ReaderConfig holds the configuration for a Reader.
type ReaderConfig struct {
	Logger  *slog.Logger
	Opener  Opener
	Handler Handler
	Metrics *metrics.DeviceMetrics

	// SensorID is attached to every reading (defaults to reading.DefaultSensorID).
	SensorID string
	// PollInterval is the wait after a read that returned no data.
	PollInterval time.Duration
	// ReconnectInterval is the fixed wait between reconnect attempts.
	ReconnectInterval time.Duration
	// MaxLineBytes bounds an unterminated line before it is discarded.
	MaxLineBytes int
}

// Reader runs the device read loop. It is safe for concurrent use.
type Reader struct {
	logger            *slog.Logger
	opener            Opener
	handler           Handler
	metrics           *metrics.DeviceMetrics
	sensorID          string
	pollInterval      time.Duration
	reconnectInterval time.Duration
	maxLineBytes      int

	mu     sync.Mutex
	state  State
	port   Port
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReader creates a Reader in the Disconnected state.
func NewReader(cfg *ReaderConfig) (*Reader, error) {
	if cfg == nil {
		return nil, errors.New("reader config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Opener == nil {
		return nil, errors.New("opener cannot be nil")
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if cfg.PollInterval < 0 {
		return nil, errors.New("poll interval cannot be negative")
	}
	if cfg.ReconnectInterval < 0 {
		return nil, errors.New("reconnect interval cannot be negative")
	}

	r := &Reader{
		logger:            logger.ForComponent(cfg.Logger, "device-reader").With("path", cfg.Opener.Path()),
		opener:            cfg.Opener,
		handler:           cfg.Handler,
		metrics:           cfg.Metrics,
		sensorID:          cfg.SensorID,
		pollInterval:      cfg.PollInterval,
		reconnectInterval: cfg.ReconnectInterval,
		maxLineBytes:      cfg.MaxLineBytes,
	}
	if r.sensorID == "" {
		r.sensorID = reading.DefaultSensorID
	}
	if r.pollInterval == 0 {
		r.pollInterval = DefaultPollInterval
	}
	if r.reconnectInterval == 0 {
		r.reconnectInterval = DefaultReconnectInterval
	}
	if r.maxLineBytes <= 0 {
		r.maxLineBytes = DefaultMaxLineBytes
	}
	r.setMetricState(Disconnected)
	return r, nil
}

// State returns the current connection state.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start opens the device and launches the read loop. If the open fails the
// reader stays Disconnected and a *TransportError is returned; Start may be
// called again. The loop runs until Stop is called or ctx is canceled.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != Disconnected {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.setStateLocked(Connecting)
	r.mu.Unlock()

	port, err := r.opener.Open(ctx)
	if err != nil {
		terr := &TransportError{Op: "open", Path: r.opener.Path(), Err: err}
		r.transportFailed(terr)
		r.mu.Lock()
		if r.state == Connecting {
			r.setStateLocked(Disconnected)
		}
		r.mu.Unlock()
		return terr
	}

	r.mu.Lock()
	if r.state != Connecting {
		// Stop ran while we were opening.
		r.mu.Unlock()
		_ = port.Close()
		return ErrStopped
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.port = port
	r.cancel = cancel
	r.done = done
	r.setStateLocked(Connected)
	r.mu.Unlock()

	r.logger.Info("device connected")
	go r.run(loopCtx, port, done)
	return nil
}

// Stop closes the connection, ends the read loop and any reconnect wait, and
// returns once the loop has exited. It is safe to call from any state.
func (r *Reader) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	done := r.done
	r.cancel = nil
	r.done = nil
	r.closePortLocked()
	r.setStateLocked(Disconnected)
	r.mu.Unlock()

	if done != nil {
		<-done
		r.logger.Info("device reader stopped")
	}
}

func (r *Reader) run(ctx context.Context, port Port, done chan struct{}) {
	defer close(done)

	for {
		err := r.readLoop(ctx, port)

		r.mu.Lock()
		r.closePortLocked()
		if ctx.Err() != nil {
			r.setStateLocked(Disconnected)
			r.mu.Unlock()
			return
		}
		r.setStateLocked(Reconnecting)
		r.mu.Unlock()

		r.transportFailed(&TransportError{Op: "read", Path: r.opener.Path(), Err: err})

		port, err = r.reconnect(ctx)
		if err != nil {
			r.mu.Lock()
			r.setStateLocked(Disconnected)
			r.mu.Unlock()
			return
		}
	}
}

// readLoop returns the read error that ended it, or nil on cancellation.
// Any partial line buffered at failure is discarded.
func (r *Reader) readLoop(ctx context.Context, port Port) error {
	buf := make([]byte, readChunk)
	var pending []byte

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := port.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = r.drainLines(ctx, pending)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n == 0 {
			timer := time.NewTimer(r.pollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

// drainLines processes every complete line in pending and returns the rest.
// Once ctx is done the remaining lines are dropped unseen.
func (r *Reader) drainLines(ctx context.Context, pending []byte) []byte {
	for {
		if ctx.Err() != nil {
			return nil
		}
		i := bytes.IndexByte(pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(pending[:i], []byte{'\r'})
		pending = pending[i+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		r.processLine(ctx, line)
	}

	if len(pending) > r.maxLineBytes {
		r.logger.Warn("discarding oversized device line", "bytes", len(pending))
		if r.metrics != nil {
			r.metrics.ParseErrors.Inc()
		}
		return nil
	}
	// Compact so the backing array does not grow without bound.
	return append([]byte(nil), pending...)
}

func (r *Reader) processLine(ctx context.Context, line []byte) {
	start := time.Now()
	if r.metrics != nil {
		r.metrics.LinesRead.Inc()
	}

	rd, err := reading.Parse(line, r.sensorID)
	if err != nil {
		r.logger.Warn("dropping malformed device line", "error", err)
		if r.metrics != nil {
			r.metrics.ParseErrors.Inc()
		}
		return
	}

	r.handler.HandleReading(ctx, rd)

	if r.metrics != nil {
		r.metrics.ReadingsProcessed.Inc()
		r.metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	}
}

// reconnect waits one interval, then retries Open at the same fixed interval
// until it succeeds or ctx is canceled.
func (r *Reader) reconnect(ctx context.Context) (Port, error) {
	timer := time.NewTimer(r.reconnectInterval)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}

	var port Port
	op := func() error {
		if r.metrics != nil {
			r.metrics.ReconnectAttempts.Inc()
		}
		p, err := r.opener.Open(ctx)
		if err != nil {
			return &TransportError{Op: "open", Path: r.opener.Path(), Err: err}
		}
		port = p
		return nil
	}
	notify := func(err error, next time.Duration) {
		r.transportFailed(err)
		r.logger.Info("retrying device connection", "retry_in", next)
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(r.reconnectInterval), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		_ = port.Close()
		return nil, ctx.Err()
	}
	r.port = port
	r.setStateLocked(Connected)
	r.logger.Info("device reconnected")
	return port, nil
}

func (r *Reader) transportFailed(err error) {
	r.logger.Error("device transport error", "error", err)
	if r.metrics == nil {
		return
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		r.metrics.TransportErrors.WithLabelValues(terr.Op).Inc()
	}
}

func (r *Reader) closePortLocked() {
	if r.port == nil {
		return
	}
	if err := r.port.Close(); err != nil {
		r.logger.Debug("closing device port", "error", err)
	}
	r.port = nil
}

func (r *Reader) setStateLocked(s State) {
	if r.state == s {
		return
	}
	r.logger.Debug("device state changed", "from", r.state.String(), "to", s.String())
	r.state = s
	r.setMetricState(s)
}

func (r *Reader) setMetricState(s State) {
	if r.metrics != nil {
		r.metrics.ConnectionState.Set(float64(s))
	}
}
