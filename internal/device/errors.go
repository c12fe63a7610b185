package device

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start when the reader is not disconnected.
	ErrAlreadyStarted = errors.New("device reader already started")
	// ErrStopped is returned by Start when Stop raced with the initial connect.
	ErrStopped = errors.New("device reader stopped during connect")
)

// TransportError reports that the device is unavailable or an I/O call on it failed.
// It is never fatal: the reader either stays disconnected or reconnects.
type TransportError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("device %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
