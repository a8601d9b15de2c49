package fios

import (
	"errors"
	"net"
	"os"
	"time"
)

// pipePort is one end of an in-memory duplex link.
type pipePort struct {
	conn         net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (p *pipePort) SetReadTimeout(t time.Duration) error {
	p.readTimeout = t
	return nil
}

func (p *pipePort) Read(b []byte) (int, error) {
	if p.readTimeout > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := p.conn.Read(b)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (p *pipePort) Write(b []byte) (int, error) {
	if p.writeTimeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := p.conn.Write(b)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (p *pipePort) Close() error {
	return p.conn.Close()
}

// Pipe returns two links connected to each other in memory. Writes on one
// end block until the other end reads them, like a link with no buffering.
// Both reads and writes block for at most the poll interval at a time, so
// cancellation is observed while the peer is not reading, and a write fails
// with ErrTimeout once the peer has read nothing for the read timeout.
func Pipe(opts ...LinkOption) (*Link, *Link) {
	a, b := net.Pipe()
	return pipeLink("pipe:a", a, opts...), pipeLink("pipe:b", b, opts...)
}

func pipeLink(name string, conn net.Conn, opts ...LinkOption) *Link {
	l := newLink(name, opts...)
	l.attach(&pipePort{
		conn:         conn,
		readTimeout:  l.config.PollInterval,
		writeTimeout: l.config.PollInterval,
	})
	return l
}
