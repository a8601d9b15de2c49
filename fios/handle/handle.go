// Package handle exposes links and sessions as opaque integer handles for
// callers across a language boundary.
//
// Each operation mirrors one entry of the C-style API: open and close a link,
// start a send or receive, poll, fetch the last error and close a session.
// The zero Handle means absent. A handle is invalid once closed; passing it
// again is reported as an error rather than touching freed state.
package handle

import (
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drunlade/go-fios/fios"
)

// Handle identifies an open link or session. Zero is never issued.
type Handle uint64

// Table holds the links and sessions handed out to a caller. It is safe for
// concurrent use, except that a session handle must not be polled while it
// is being closed.
type Table struct {
	links    *xsync.MapOf[Handle, *fios.Link]
	sessions *xsync.MapOf[Handle, *fios.Session]
	next     atomic.Uint64

	linkOpts    []fios.LinkOption
	sessionOpts []fios.Option
	logger      fios.Logger
}

// NewTable creates an empty handle table. linkOpts and sessionOpts are
// applied to every link opened and every session started through it.
func NewTable(logger fios.Logger, linkOpts []fios.LinkOption, sessionOpts []fios.Option) *Table {
	if logger == nil {
		logger = fios.NoopLogger{}
	}
	return &Table{
		links:       xsync.NewMapOf[Handle, *fios.Link](),
		sessions:    xsync.NewMapOf[Handle, *fios.Session](),
		linkOpts:    linkOpts,
		sessionOpts: sessionOpts,
		logger:      logger,
	}
}

func (t *Table) issue() Handle {
	return Handle(t.next.Add(1))
}

// OpenLink opens the device at path and returns its handle, or zero.
func (t *Table) OpenLink(path string) Handle {
	link, err := fios.OpenLink(path, t.linkOpts...)
	if err != nil {
		t.logger.Error("open link %s: %v", path, err)
		return 0
	}
	return t.AddLink(link)
}

// AddLink registers an already open link, such as one end of fios.Pipe.
func (t *Table) AddLink(link *fios.Link) Handle {
	h := t.issue()
	t.links.Store(h, link)
	return h
}

// CloseLink closes and forgets a link.
func (t *Table) CloseLink(h Handle) error {
	link, ok := t.links.LoadAndDelete(h)
	if !ok {
		return fios.NewError(fios.ErrClosed, fmt.Sprintf("invalid link handle %d", h))
	}
	return link.Close()
}

// StartSend starts sending path over the link and returns the session
// handle, or zero.
func (t *Table) StartSend(link Handle, path string) Handle {
	return t.start(link, fios.DirectionSend, path)
}

// StartReceive starts receiving into path from the link and returns the
// session handle, or zero.
func (t *Table) StartReceive(link Handle, path string) Handle {
	return t.start(link, fios.DirectionReceive, path)
}

func (t *Table) start(lh Handle, direction fios.Direction, path string) Handle {
	link, ok := t.links.Load(lh)
	if !ok {
		t.logger.Error("%s %s: invalid link handle %d", direction, path, lh)
		return 0
	}
	s, err := fios.Start(link, direction, path, t.sessionOpts...)
	if err != nil {
		t.logger.Error("%s %s: %v", direction, path, err)
		return 0
	}
	h := t.issue()
	t.sessions.Store(h, s)
	return h
}

// Poll returns the status and progress of a session. An invalid handle
// reports StatusError.
func (t *Table) Poll(h Handle) (fios.Status, float32) {
	s, ok := t.sessions.Load(h)
	if !ok {
		return fios.StatusError, 0
	}
	status, progress := s.Idle()
	return status, float32(progress)
}

// Progress returns the progress of a session, or zero for an invalid handle.
func (t *Table) Progress(h Handle) float32 {
	_, progress := t.Poll(h)
	return progress
}

// LastError returns the failure description of a session.
func (t *Table) LastError(h Handle) string {
	s, ok := t.sessions.Load(h)
	if !ok {
		return fmt.Sprintf("invalid session handle %d", h)
	}
	return s.LastError()
}

// CloseSession closes and forgets a session. It must be called once for
// every handle returned by StartSend or StartReceive.
func (t *Table) CloseSession(h Handle) error {
	s, ok := t.sessions.LoadAndDelete(h)
	if !ok {
		return fios.NewError(fios.ErrClosed, fmt.Sprintf("invalid session handle %d", h))
	}
	return s.Close()
}

// Close closes every session and then every link still in the table.
func (t *Table) Close() {
	t.sessions.Range(func(h Handle, _ *fios.Session) bool {
		if err := t.CloseSession(h); err != nil {
			t.logger.Error("close session %d: %v", h, err)
		}
		return true
	})
	t.links.Range(func(h Handle, _ *fios.Link) bool {
		if err := t.CloseLink(h); err != nil {
			t.logger.Error("close link %d: %v", h, err)
		}
		return true
	})
}

// Len returns the number of open links and sessions.
func (t *Table) Len() (links, sessions int) {
	return t.links.Size(), t.sessions.Size()
}
