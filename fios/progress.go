package fios

import (
	"sync"
	"time"
)

// Stats summarizes the throughput of a transfer.
type Stats struct {
	Transferred int64
	Total       int64
	Duration    time.Duration
	Rate        float64 // bytes per second over the whole transfer
}

// meter turns the session's state snapshots into throttled OnProgress calls
// and throughput figures. The byte counts always come from the stateCell, so
// callbacks and pollers agree on what has been transferred.
type meter struct {
	state      *stateCell
	path       string
	onProgress func(path string, transferred, total int64, rate float64)
	interval   time.Duration

	mu        sync.Mutex
	started   time.Time
	stopped   time.Time
	lastTick  time.Time
	lastBytes int64
}

func newMeter(state *stateCell, path string, onProgress func(string, int64, int64, float64), interval time.Duration) *meter {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &meter{
		state:      state,
		path:       path,
		onProgress: onProgress,
		interval:   interval,
	}
}

// start marks the moment the size was negotiated.
func (m *meter) start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = time.Now()
	m.lastTick = m.started
	m.lastBytes = m.state.load().current
}

// tick reports progress when at least one interval has passed since the
// previous report. The rate is measured over that window.
func (m *meter) tick() {
	snap := m.state.load()

	m.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(m.lastTick)
	if m.started.IsZero() || elapsed < m.interval {
		m.mu.Unlock()
		return
	}
	rate := float64(snap.current-m.lastBytes) / elapsed.Seconds()
	m.lastTick, m.lastBytes = now, snap.current
	m.mu.Unlock()

	m.onProgress(m.path, snap.current, snap.total, rate)
}

// stop freezes the duration and returns the final figures.
func (m *meter) stop() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped.IsZero() {
		m.stopped = time.Now()
	}
	return m.statsLocked(m.stopped)
}

func (m *meter) stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := m.stopped
	if end.IsZero() {
		end = time.Now()
	}
	return m.statsLocked(end)
}

func (m *meter) statsLocked(end time.Time) Stats {
	snap := m.state.load()
	st := Stats{Transferred: snap.current, Total: snap.total}
	if m.started.IsZero() {
		return st
	}
	st.Duration = end.Sub(m.started)
	if secs := st.Duration.Seconds(); secs > 0 {
		st.Rate = float64(snap.current) / secs
	}
	return st
}
