package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"procodus.dev/sensor-monitor/internal/hub"
)

// EventStreamTransport writes server-sent events: the event name is the
// channel and the data is the payload.
type EventStreamTransport struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	closed    <-chan struct{}
	writeWait time.Duration
}

// NewEventStreamTransport writes the stream headers. It fails when w cannot
// flush. Each event must be written within writeWait (DefaultWriteWait when
// zero) or Send fails.
func NewEventStreamTransport(w http.ResponseWriter, r *http.Request, writeWait time.Duration) (*EventStreamTransport, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, errors.New("response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}

	t := &EventStreamTransport{
		w:         w,
		rc:        http.NewResponseController(w),
		closed:    r.Context().Done(),
		writeWait: writeWait,
	}
	// Flush headers so the client sees the stream open right away.
	if err := t.rc.Flush(); err != nil {
		return nil, err
	}
	return t, nil
}

// Name implements Transport.
func (t *EventStreamTransport) Name() string { return "sse" }

// Closed implements Transport.
func (t *EventStreamTransport) Closed() <-chan struct{} { return t.closed }

// Send implements Transport.
func (t *EventStreamTransport) Send(_ context.Context, channel hub.Channel, msg []byte) error {
	if err := t.setWriteDeadline(time.Now().Add(t.writeWait)); err != nil {
		return err
	}
	defer func() { _ = t.setWriteDeadline(time.Time{}) }()

	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", channel, msg); err != nil {
		return err
	}
	return t.rc.Flush()
}

// setWriteDeadline ignores writers without deadline support, such as test
// recorders.
func (t *EventStreamTransport) setWriteDeadline(d time.Time) error {
	if err := t.rc.SetWriteDeadline(d); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
