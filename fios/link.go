package fios

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Port is a duplex byte channel to a device.
//
// A read that times out returns (0, nil), as go.bug.st/serial ports do.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Link is an open serial link to a peer device.
//
// A Link is not safe for concurrent use by more than one session; at most one
// session may be open on it at a time. Closing the link while a session's
// worker is blocked in I/O makes that session fail with an ErrIO error.
type Link struct {
	path   string
	port   Port
	config *LinkConfig
	logger Logger

	busy   atomic.Bool
	closed atomic.Bool

	// applied to a copy of config once all options have run
	tweaks []func(*LinkConfig)
}

// LinkConfig holds serial link configuration.
type LinkConfig struct {
	// BaudRate of the device, ignored by USB-CDC devices
	BaudRate int

	// ReadTimeout bounds a blocking read during which no byte arrives,
	// and a write the peer does not drain where the port supports it
	ReadTimeout time.Duration

	// PollInterval is how long a single port read blocks. Cancellation
	// is observed at this granularity.
	PollInterval time.Duration

	// Trace logs every byte read and written at debug level
	Trace bool
}

// DefaultLinkConfig returns a default link configuration.
func DefaultLinkConfig() *LinkConfig {
	return &LinkConfig{
		BaudRate:     115200,
		ReadTimeout:  10 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// LinkOption configures a Link.
type LinkOption func(*Link)

// WithLinkConfig sets the link configuration. The link keeps its own copy.
func WithLinkConfig(config *LinkConfig) LinkOption {
	return func(l *Link) {
		if config != nil {
			l.config = config
		}
	}
}

// WithReadTimeout sets the bound on a blocking read. It applies whatever
// the position of WithLinkConfig among the options.
func WithReadTimeout(timeout time.Duration) LinkOption {
	return func(l *Link) {
		l.tweaks = append(l.tweaks, func(c *LinkConfig) {
			c.ReadTimeout = timeout
		})
	}
}

// WithLinkLogger sets a logger for link diagnostics.
func WithLinkLogger(logger Logger) LinkOption {
	return func(l *Link) {
		l.logger = logger
	}
}

// DefaultDevicePath returns the device path used when none is given.
func DefaultDevicePath() string {
	switch {
	case runtime.GOOS == "windows":
		return "COM5"
	case runtime.GOOS == "linux" && runtime.GOARCH == "arm64":
		return "/dev/ttyGS0"
	default:
		return "/dev/ttyACM0"
	}
}

// OpenLink opens the serial device at path for raw 8N1 communication and
// discards anything pending in its buffers.
func OpenLink(path string, opts ...LinkOption) (*Link, error) {
	l := newLink(path, opts...)

	mode := &serial.Mode{
		BaudRate: l.config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		l.logger.Error("failed to open serial port device '%s': %v", path, err)
		return nil, WrapError(ErrLinkOpen, fmt.Sprintf("failed to open serial port device '%s'", path), err)
	}

	if err := port.SetReadTimeout(l.config.PollInterval); err != nil {
		port.Close()
		return nil, WrapError(ErrLinkOpen, "failed to set serial port read timeout", err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, WrapError(ErrLinkOpen, "failed to flush serial port input", err)
	}
	if err := port.ResetOutputBuffer(); err != nil {
		port.Close()
		return nil, WrapError(ErrLinkOpen, "failed to flush serial port output", err)
	}

	l.attach(port)
	l.logger.Info("opened %s at %d baud", path, l.config.BaudRate)
	return l, nil
}

// NewLink builds a link over an already open port. The link takes ownership
// of port and closes it on Close.
func NewLink(name string, port Port, opts ...LinkOption) (*Link, error) {
	l := newLink(name, opts...)
	if err := port.SetReadTimeout(l.config.PollInterval); err != nil {
		return nil, WrapError(ErrLinkOpen, "failed to set read timeout", err)
	}
	l.attach(port)
	return l, nil
}

func newLink(path string, opts ...LinkOption) *Link {
	l := &Link{
		path:   path,
		config: DefaultLinkConfig(),
		logger: NoopLogger{},
	}
	for _, opt := range opts {
		opt(l)
	}

	config := *l.config
	for _, tweak := range l.tweaks {
		tweak(&config)
	}
	l.config = &config
	l.tweaks = nil
	return l
}

func (l *Link) attach(port Port) {
	if l.config.Trace {
		port = NewLoggingPort(port, l.logger, l.path)
	}
	l.port = port
}

// Path returns the device path the link was opened with.
func (l *Link) Path() string {
	return l.path
}

// Close releases the device. The link must not be used afterward.
func (l *Link) Close() error {
	if l.closed.Swap(true) {
		return NewError(ErrClosed, fmt.Sprintf("link %s already closed", l.path))
	}
	l.logger.Info("closing %s", l.path)
	return l.port.Close()
}

// acquire marks the link as driven by a session.
func (l *Link) acquire() error {
	if l.closed.Load() {
		return NewError(ErrClosed, fmt.Sprintf("link %s is closed", l.path))
	}
	if !l.busy.CompareAndSwap(false, true) {
		return NewError(ErrBusy, fmt.Sprintf("link %s already has an active session", l.path))
	}
	return nil
}

func (l *Link) release() {
	l.busy.Store(false)
}

// ReadFrame reads and decodes one command frame.
func (l *Link) ReadFrame(ctx context.Context) (Frame, error) {
	return l.readFrame(ctx, l.config.ReadTimeout)
}

func (l *Link) readFrame(ctx context.Context, timeout time.Duration) (Frame, error) {
	var buf [FrameSize]byte
	if err := l.readFull(ctx, buf[:], timeout); err != nil {
		return Frame{}, err
	}
	return DecodeFrame(&buf)
}

// WriteFrame encodes and writes one command frame.
func (l *Link) WriteFrame(ctx context.Context, f Frame) error {
	var buf [FrameSize]byte
	if err := EncodeFrame(&buf, f); err != nil {
		return err
	}
	return l.writeFull(ctx, buf[:], l.config.ReadTimeout)
}

// ReadPayload reads exactly len(p) payload bytes.
func (l *Link) ReadPayload(ctx context.Context, p []byte) error {
	return l.readFull(ctx, p, l.config.ReadTimeout)
}

// WritePayload writes all of p.
func (l *Link) WritePayload(ctx context.Context, p []byte) error {
	return l.writeFull(ctx, p, l.config.ReadTimeout)
}

// readFull fills buf. It fails with ErrTimeout when no byte arrives for
// timeout (zero waits until ctx is done) and with ErrCancelled once ctx is
// done, checked between port reads.
func (l *Link) readFull(ctx context.Context, buf []byte, timeout time.Duration) error {
	last := time.Now()
	for r := 0; r < len(buf); {
		if err := ctx.Err(); err != nil {
			return WrapError(ErrCancelled, "read interrupted", err)
		}

		n, err := l.port.Read(buf[r:])
		if err != nil {
			if l.closed.Load() {
				return WrapError(ErrIO, "link closed during read", err)
			}
			if errors.Is(err, io.EOF) {
				return WrapError(ErrIO, "link disconnected", err)
			}
			return WrapError(ErrIO, "link read failed", err)
		}

		if n == 0 {
			if timeout > 0 && time.Since(last) >= timeout {
				return NewError(ErrTimeout, fmt.Sprintf("no data received for %v (%d of %d bytes read)", timeout, r, len(buf)))
			}
			continue
		}

		r += n
		last = time.Now()
	}
	return nil
}

// writeFull writes all of buf. A port write that returns (0, nil) made no
// progress; writeFull retries it until timeout passes without progress or
// ctx is done, checked between port writes.
func (l *Link) writeFull(ctx context.Context, buf []byte, timeout time.Duration) error {
	last := time.Now()
	for w := 0; w < len(buf); {
		if err := ctx.Err(); err != nil {
			return WrapError(ErrCancelled, "write interrupted", err)
		}

		n, err := l.port.Write(buf[w:])
		if err != nil {
			if l.closed.Load() {
				return WrapError(ErrIO, "link closed during write", err)
			}
			return WrapError(ErrIO, "link write failed", err)
		}

		if n == 0 {
			if timeout > 0 && time.Since(last) >= timeout {
				return NewError(ErrTimeout, fmt.Sprintf("peer accepted no data for %v (%d of %d bytes written)", timeout, w, len(buf)))
			}
			continue
		}

		w += n
		last = time.Now()
	}
	return nil
}
