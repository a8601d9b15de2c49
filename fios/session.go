package fios

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// Direction of a transfer, seen from this side of the link.
type Direction int

const (
	// DirectionSend reads a local file and sends it to the peer.
	DirectionSend Direction = iota
	// DirectionReceive writes what the peer sends into a local file.
	DirectionReceive
)

func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "send"
	case DirectionReceive:
		return "receive"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// notifyTimeout bounds the best-effort ERROR frame sent to a peer after a
// local failure.
const notifyTimeout = time.Second

// Config holds session configuration.
type Config struct {
	// StartTimeout bounds how long a receiver waits for START-SEND.
	// Zero uses the link's read timeout; a negative value waits until the
	// session is closed.
	StartTimeout time.Duration

	// CloseTimeout bounds how long Close waits for the worker to stop.
	// Zero derives the bound from the link: one read timeout plus one
	// poll interval.
	CloseTimeout time.Duration

	// ProgressInterval is the minimum time between OnProgress callbacks.
	ProgressInterval time.Duration

	// PollInterval is how often Run polls the session.
	PollInterval time.Duration
}

// DefaultConfig returns a default session configuration.
func DefaultConfig() *Config {
	return &Config{
		StartTimeout:     0,
		CloseTimeout:     0,
		ProgressInterval: 100 * time.Millisecond,
		PollInterval:     100 * time.Millisecond,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithConfig sets the session configuration. The session keeps its own
// copy.
func WithConfig(config *Config) Option {
	return func(s *Session) {
		if config != nil {
			s.config = config
		}
	}
}

// WithCallbacks sets the session callbacks.
func WithCallbacks(callbacks *Callbacks) Option {
	return func(s *Session) {
		s.callbacks = mergeCallbacks(callbacks)
	}
}

// WithLogger sets a logger for protocol debugging.
func WithLogger(logger Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithStartTimeout bounds how long a receiver waits for the sender to start.
// It applies whatever the position of WithConfig among the options.
func WithStartTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		s.tweaks = append(s.tweaks, func(c *Config) {
			c.StartTimeout = timeout
		})
	}
}

// Session is one in-flight send or receive and its background worker.
//
// The worker owns the file and drives the link. Idle, Progress, Err,
// LastError and Stats read the shared state without blocking on the worker.
// A failure is published as soon as it happens; the worker may still be
// telling the peer about it and releasing the file and the link, which Close
// waits for. Close must be called exactly once for every session, whatever
// its outcome; any use of the session after Close panics.
type Session struct {
	direction Direction
	link      *Link
	path      string
	file      *os.File
	size      int64

	config    *Config
	tweaks    []func(*Config)
	callbacks *Callbacks
	logger    Logger
	meter     *meter

	state  *stateCell
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

// Send starts sending the file at path over link.
//
// It fails without exchanging any frame when the file cannot be opened, is
// not a regular file, is larger than MaxFileSize, or when link already has
// an open session.
func Send(link *Link, path string, opts ...Option) (*Session, error) {
	return Start(link, DirectionSend, path, opts...)
}

// Receive starts receiving a file from link into path, creating or
// truncating it. A receive that fails or is closed early leaves the
// partially written file on disk.
func Receive(link *Link, path string, opts ...Option) (*Session, error) {
	return Start(link, DirectionReceive, path, opts...)
}

// Start creates a session in the given direction and spawns its worker.
func Start(link *Link, direction Direction, path string, opts ...Option) (*Session, error) {
	if link == nil {
		return nil, NewError(ErrSessionCreate, "nil link")
	}

	s := &Session{
		direction: direction,
		link:      link,
		path:      path,
		config:    DefaultConfig(),
		callbacks: defaultCallbacks(),
		logger:    NoopLogger{},
		state:     newStateCell(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	config := *s.config
	for _, tweak := range s.tweaks {
		tweak(&config)
	}
	s.config = &config
	s.tweaks = nil
	s.meter = newMeter(s.state, path, s.callbacks.OnProgress, s.config.ProgressInterval)

	if err := link.acquire(); err != nil {
		return nil, err
	}

	var run func(context.Context) error
	var err error
	switch direction {
	case DirectionSend:
		err = s.openSource()
		run = s.send
	case DirectionReceive:
		err = s.openDestination()
		run = s.receive
	default:
		err = NewError(ErrSessionCreate, fmt.Sprintf("unknown direction %d", int(direction)))
	}
	if err != nil {
		link.release()
		s.logger.Error("%s %s: %v", direction, path, err)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.logger.Info("%s %s over %s", direction, path, link.Path())
	go s.work(ctx, run)

	return s, nil
}

func (s *Session) openSource() error {
	file, err := os.Open(s.path)
	if err != nil {
		return WrapError(ErrSessionCreate, fmt.Sprintf("failed to open file '%s' for reading", s.path), err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return WrapError(ErrSessionCreate, fmt.Sprintf("failed to stat file '%s'", s.path), err)
	}
	if !info.Mode().IsRegular() {
		file.Close()
		return NewError(ErrSessionCreate, fmt.Sprintf("'%s' is not a regular file", s.path))
	}
	if info.Size() > MaxFileSize {
		file.Close()
		return NewError(ErrSizeBound, fmt.Sprintf("file '%s' is %d bytes, must be at most %d", s.path, info.Size(), MaxFileSize))
	}

	s.file = file
	s.size = info.Size()
	return nil
}

func (s *Session) openDestination() error {
	file, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return WrapError(ErrSessionCreate, fmt.Sprintf("failed to open file '%s' for writing", s.path), err)
	}
	s.file = file
	return nil
}

// work runs the transfer and publishes its outcome. A failure is published
// before the peer is notified and resources are released; success only once
// the file is closed, since closing can still fail.
func (s *Session) work(ctx context.Context, run func(context.Context) error) {
	defer close(s.done)

	err := run(ctx)
	if err != nil {
		s.fail(err)
		s.notifyPeer(ctx, err)
		s.file.Close()
		s.file = nil
		s.link.release()
		s.callbacks.OnError(s.path, err)
		return
	}

	if cerr := s.file.Close(); cerr != nil {
		s.file = nil
		s.link.release()
		err = WrapError(ErrFileIO, fmt.Sprintf("failed to close '%s'", s.path), cerr)
		s.fail(err)
		s.callbacks.OnError(s.path, err)
		return
	}
	s.file = nil
	s.link.release()

	stats := s.meter.stop()
	s.state.complete()
	s.logger.Info("%s %s completed: %d bytes in %v", s.direction, s.path, stats.Transferred, stats.Duration)
	s.callbacks.OnProgress(s.path, stats.Transferred, stats.Total, stats.Rate)
	s.callbacks.OnComplete(s.path, stats)
}

func (s *Session) fail(err error) {
	s.meter.stop()
	s.state.fail(err)
	s.logger.Error("%s %s failed: %v", s.direction, s.path, err)
}

// notifyPeer tells the peer why a transfer failed locally. Link failures,
// cancellation and errors reported by the peer are not echoed back. The
// notification gives up after notifyTimeout or once the session is closed.
func (s *Session) notifyPeer(ctx context.Context, err error) {
	t, ok := TypeOf(err)
	if !ok {
		return
	}
	switch t {
	case ErrProtocol, ErrSizeBound, ErrSizeMismatch, ErrFileIO:
	default:
		return
	}

	msg := []byte(err.Error())
	if len(msg) > MaxPayloadSize {
		msg = msg[:MaxPayloadSize]
	}
	timeout := notifyTimeout
	if rt := s.link.config.ReadTimeout; rt > 0 && rt < timeout {
		timeout = rt
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var buf [FrameSize]byte
	if werr := EncodeFrame(&buf, ErrorFrame(uint32(len(msg)))); werr != nil {
		s.logger.Debug("failed to encode error frame: %v", werr)
		return
	}
	if werr := s.link.writeFull(ctx, append(buf[:], msg...), timeout); werr != nil {
		s.logger.Debug("failed to send error to peer: %v", werr)
	}
}

func (s *Session) mustBeOpen(op string) {
	if s.closed.Load() {
		panic("fios: " + op + " called on closed session")
	}
}

// Direction returns the direction of the transfer.
func (s *Session) Direction() Direction {
	return s.direction
}

// Path returns the local file path of the transfer.
func (s *Session) Path() string {
	return s.path
}

// Idle returns the current status and a progress fraction in [0, 1]. It
// never blocks on the worker.
func (s *Session) Idle() (Status, float64) {
	s.mustBeOpen("Idle")
	snap := s.state.load()
	return snap.status, snap.progress()
}

// Progress returns the progress fraction in [0, 1].
func (s *Session) Progress() float64 {
	s.mustBeOpen("Progress")
	return s.state.load().progress()
}

// Err returns the error that moved the session to StatusError, or nil.
func (s *Session) Err() error {
	s.mustBeOpen("Err")
	return s.state.load().err
}

// LastError describes the failure of a session in StatusError.
func (s *Session) LastError() string {
	s.mustBeOpen("LastError")
	if err := s.state.load().err; err != nil {
		return err.Error()
	}
	return "no error"
}

// Stats returns the throughput of the transfer so far, frozen once the
// session leaves StatusInProgress.
func (s *Session) Stats() Stats {
	s.mustBeOpen("Stats")
	return s.meter.stats()
}

// Done returns a channel that is closed when the worker has exited and
// released the file and the link.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close stops the worker if it is still active and waits for it to exit.
//
// An active worker stops at its next I/O boundary: blocked reads and writes
// notice within the link's poll interval where the port supports write
// timeouts. If the worker has not exited within the close timeout, Close
// returns an ErrTimeout error and the worker releases its resources when it
// does exit.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return NewError(ErrClosed, "session already closed")
	}
	s.cancel()

	timeout := s.closeTimeout()
	if timeout <= 0 {
		<-s.done
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil
	case <-timer.C:
		s.logger.Error("%s %s: worker did not stop within %v", s.direction, s.path, timeout)
		return NewError(ErrTimeout, fmt.Sprintf("worker did not stop within %v", timeout))
	}
}

func (s *Session) closeTimeout() time.Duration {
	if s.config.CloseTimeout > 0 {
		return s.config.CloseTimeout
	}
	return s.link.config.ReadTimeout + s.link.config.PollInterval
}
