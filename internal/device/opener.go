package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"procodus.dev/sensor-monitor/pkg/generator"
)

// SimScheme selects the in-process synthetic device instead of a serial port.
const SimScheme = "sim://"

// Port is an open device connection. Read must return (0, nil) when no data
// arrived within the poll interval, and Close must unblock a pending Read.
type Port interface {
	io.ReadCloser
}

// Opener establishes device connections.
type Opener interface {
	Open(ctx context.Context) (Port, error)
	Path() string
}

// SerialConfig holds the serial line parameters.
type SerialConfig struct {
	Path     string
	BaudRate int
	DataBits int
	// ReadTimeout bounds each Read; it is the poll interval of the reader.
	ReadTimeout time.Duration
}

// SerialOpener opens a physical serial port.
type SerialOpener struct {
	cfg SerialConfig
}

// NewSerialOpener validates cfg and returns an opener for it.
func NewSerialOpener(cfg SerialConfig) (*SerialOpener, error) {
	if cfg.Path == "" {
		return nil, errors.New("device path cannot be empty")
	}
	if cfg.BaudRate <= 0 {
		return nil, errors.New("baud rate must be positive")
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultPollInterval
	}
	return &SerialOpener{cfg: cfg}, nil
}

// Open implements Opener.
func (o *SerialOpener) Open(_ context.Context) (Port, error) {
	mode := &serial.Mode{
		BaudRate: o.cfg.BaudRate,
		DataBits: o.cfg.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(o.cfg.Path, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(o.cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	// Drop whatever the board printed before we attached.
	_ = port.ResetInputBuffer()
	return port, nil
}

// Path implements Opener.
func (o *SerialOpener) Path() string { return o.cfg.Path }

// SimOpener opens generator ports. Each Open starts a fresh board.
type SimOpener struct {
	path        string
	interval    time.Duration
	readTimeout time.Duration
	seed        int64
	opts        generator.Options
}

// NewSimOpener parses a sim:// path. Supported query parameters: interval
// (duration between lines) and seed.
func NewSimOpener(path string, readTimeout time.Duration) (*SimOpener, error) {
	if !strings.HasPrefix(path, SimScheme) {
		return nil, fmt.Errorf("not a %s path: %q", SimScheme, path)
	}
	u, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid device path %q: %w", path, err)
	}

	o := &SimOpener{
		path:        path,
		interval:    2 * time.Second,
		readTimeout: readTimeout,
		opts:        generator.DefaultOptions(),
	}
	q := u.Query()
	if v := q.Get("interval"); v != "" {
		if o.interval, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", v, err)
		}
	}
	if v := q.Get("seed"); v != "" {
		if o.seed, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid seed %q: %w", v, err)
		}
	}
	return o, nil
}

// Open implements Opener.
func (o *SimOpener) Open(_ context.Context) (Port, error) {
	return generator.NewPort(generator.NewArduinoGenerator(o.seed, o.opts), o.interval, o.readTimeout), nil
}

// Path implements Opener.
func (o *SimOpener) Path() string { return o.path }

// NewOpener returns a SimOpener for sim:// paths and a SerialOpener otherwise.
func NewOpener(cfg SerialConfig) (Opener, error) {
	if strings.HasPrefix(cfg.Path, SimScheme) {
		sim, err := NewSimOpener(cfg.Path, cfg.ReadTimeout)
		if err != nil {
			return nil, err
		}
		return sim, nil
	}
	so, err := NewSerialOpener(cfg)
	if err != nil {
		return nil, err
	}
	return so, nil
}
