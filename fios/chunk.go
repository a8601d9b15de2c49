package fios

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// chunker splits a reader into sequential chunks of at most MaxPayloadSize
// bytes. Only the last chunk may be shorter.
type chunker struct {
	r   io.Reader
	buf []byte
}

func newChunker(r io.Reader) *chunker {
	return &chunker{r: r, buf: make([]byte, MaxPayloadSize)}
}

// next returns the next chunk, valid until the following call, or io.EOF.
func (c *chunker) next() ([]byte, error) {
	n, err := io.ReadFull(c.r, c.buf)
	switch {
	case err == io.EOF:
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return c.buf[:n], nil
	case err != nil:
		return nil, err
	}
	return c.buf[:n], nil
}

// send announces the file size, waits for START-ACK, then streams the file
// as acknowledged chunks followed by COMPLETE.
func (s *Session) send(ctx context.Context) error {
	size := s.size
	s.state.setTotal(size)

	s.logger.Debug("send: announcing %d bytes", size)
	if err := s.link.WriteFrame(ctx, StartFrame(uint32(size))); err != nil {
		return err
	}
	if err := s.expectAck(ctx); err != nil {
		return err
	}
	s.begin(size)

	c := newChunker(s.file)
	var sent int64
	for {
		chunk, err := c.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return WrapError(ErrFileIO, fmt.Sprintf("failed to read '%s'", s.path), err)
		}

		n := int64(len(chunk))
		if sent+n > size {
			return NewError(ErrSizeMismatch, fmt.Sprintf("'%s' grew past %d bytes during transfer", s.path, size))
		}

		if err := s.link.WriteFrame(ctx, DataFrame(uint32(n))); err != nil {
			return err
		}
		if err := s.link.WritePayload(ctx, chunk); err != nil {
			return err
		}
		if err := s.expectAck(ctx); err != nil {
			return err
		}

		sent += n
		s.progressed(n)
	}

	if sent != size {
		return NewError(ErrSizeMismatch, fmt.Sprintf("read %d of %d bytes from '%s'", sent, size, s.path))
	}

	s.logger.Debug("send: all %d bytes acknowledged, completing", sent)
	return s.link.WriteFrame(ctx, CompleteFrame())
}

// receive waits for START-SEND, acknowledges it, then writes acknowledged
// chunks to the file until COMPLETE arrives.
func (s *Session) receive(ctx context.Context) error {
	timeout := s.config.StartTimeout
	if timeout == 0 {
		timeout = s.link.config.ReadTimeout
	}
	s.logger.Debug("receive: waiting for %s", KindStart)
	f, err := s.link.readFrame(ctx, timeout)
	if err != nil {
		return err
	}
	switch f.Kind {
	case KindStart:
	case KindError:
		return s.peerError(ctx, f)
	default:
		return NewError(ErrProtocol, fmt.Sprintf("expected %s, got %s", KindStart, f))
	}

	size := int64(f.Arg)
	s.state.setTotal(size)
	s.logger.Debug("receive: peer announced %d bytes", size)

	if err := s.link.WriteFrame(ctx, AckFrame()); err != nil {
		return err
	}
	s.begin(size)

	buf := make([]byte, MaxPayloadSize)
	var received int64
	for {
		f, err := s.link.ReadFrame(ctx)
		if err != nil {
			if received == size && IsTimeout(err) {
				return WrapError(ErrProtocol, fmt.Sprintf("no %s after all %d bytes", KindComplete, size), err)
			}
			return err
		}

		switch f.Kind {
		case KindData:
			n := int64(f.Arg)
			if received+n > size {
				return NewError(ErrProtocol, fmt.Sprintf("chunk of %d bytes overruns announced size %d (%d received)", n, size, received))
			}

			chunk := buf[:n]
			if err := s.link.ReadPayload(ctx, chunk); err != nil {
				return err
			}
			if _, err := s.file.Write(chunk); err != nil {
				return WrapError(ErrFileIO, fmt.Sprintf("failed to write '%s'", s.path), err)
			}
			if err := s.link.WriteFrame(ctx, AckFrame()); err != nil {
				return err
			}

			received += n
			s.progressed(n)

		case KindComplete:
			if received != size {
				return NewError(ErrSizeMismatch, fmt.Sprintf("peer completed after %d of %d bytes", received, size))
			}
			s.logger.Debug("receive: completed after %d bytes", received)
			return nil

		case KindError:
			return s.peerError(ctx, f)

		default:
			return NewError(ErrProtocol, fmt.Sprintf("unexpected %s during transfer", f))
		}
	}
}

// expectAck reads the next frame and requires it to be an acknowledgement.
func (s *Session) expectAck(ctx context.Context) error {
	f, err := s.link.ReadFrame(ctx)
	if err != nil {
		return err
	}
	switch f.Kind {
	case KindAck:
		return nil
	case KindError:
		return s.peerError(ctx, f)
	default:
		return NewError(ErrProtocol, fmt.Sprintf("expected %s, got %s", KindAck, f))
	}
}

// peerError reads the message that follows an ERROR frame.
func (s *Session) peerError(ctx context.Context, f Frame) error {
	if f.Arg == 0 {
		return NewError(ErrPeer, "peer reported an error")
	}
	msg := make([]byte, f.Arg)
	if err := s.link.ReadPayload(ctx, msg); err != nil {
		return WrapError(ErrPeer, "peer reported an error", err)
	}
	return NewError(ErrPeer, fmt.Sprintf("peer reported: %s", msg))
}

func (s *Session) begin(size int64) {
	s.meter.start()
	s.callbacks.OnStart(s.direction, s.path, size)
}

func (s *Session) progressed(n int64) {
	s.state.advance(n)
	s.meter.tick()
}
