package fios

import (
	"math"
	"sync/atomic"
)

// almostDone is the largest progress reported before a session completes.
var almostDone = math.Nextafter(1, 0)

// Status is the disposition of a session.
type Status int

// Session statuses, numbered as the C API reports them.
const (
	StatusError      Status = iota // terminal, LastError describes the failure
	StatusInProgress               // worker is running
	StatusCompleted                // terminal, all bytes transferred
)

func (s Status) String() string {
	switch s {
	case StatusError:
		return "error"
	case StatusInProgress:
		return "in progress"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// snapshot is an immutable view of the shared session state. The worker
// publishes a fresh snapshot on every change; readers load it atomically, so
// status and progress are always observed together.
type snapshot struct {
	status  Status
	current int64
	total   int64
	err     error
}

// progress is exactly 1 only once the session has completed. Every byte may
// be acknowledged while COMPLETE is still outstanding.
func (s *snapshot) progress() float64 {
	if s.status == StatusCompleted {
		return 1
	}
	if s.total <= 0 {
		return 0
	}
	p := float64(s.current) / float64(s.total)
	if p > almostDone {
		return almostDone
	}
	return p
}

// stateCell is written only by the session worker and read by anyone.
type stateCell struct {
	p atomic.Pointer[snapshot]
}

func newStateCell() *stateCell {
	c := &stateCell{}
	c.p.Store(&snapshot{status: StatusInProgress})
	return c
}

func (c *stateCell) load() *snapshot {
	return c.p.Load()
}

// setTotal records the negotiated size.
func (c *stateCell) setTotal(total int64) {
	s := *c.p.Load()
	s.total = total
	c.p.Store(&s)
}

// advance adds n transferred bytes.
func (c *stateCell) advance(n int64) {
	s := *c.p.Load()
	s.current += n
	c.p.Store(&s)
}

// complete moves the session to StatusCompleted.
func (c *stateCell) complete() {
	s := *c.p.Load()
	s.status = StatusCompleted
	c.p.Store(&s)
}

// fail moves the session to StatusError, freezing progress.
func (c *stateCell) fail(err error) {
	s := *c.p.Load()
	s.status = StatusError
	s.err = err
	c.p.Store(&s)
}
