package fios

import (
	"context"
	"time"
)

// PollFunc receives the status and progress of a session on every poll,
// including the final one.
type PollFunc func(status Status, progress float64)

// Run transfers one file over link and always closes the session before it
// returns. poll, if not nil, is called from the calling goroutine every
// poll interval until the session leaves StatusInProgress. Cancelling ctx
// closes the session early and returns an ErrCancelled error.
func Run(ctx context.Context, link *Link, direction Direction, path string, poll PollFunc, opts ...Option) (err error) {
	s, err := Start(link, direction, path, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()

	interval := s.config.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, progress := s.Idle()
		if poll != nil {
			poll(status, progress)
		}
		if status != StatusInProgress {
			return s.Err()
		}

		select {
		case <-ctx.Done():
			return WrapError(ErrCancelled, "transfer interrupted", ctx.Err())
		case <-s.Done():
		case <-ticker.C:
		}
	}
}
