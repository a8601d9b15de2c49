package fios

// Callbacks provides hooks for transfer events.
// All callbacks are optional - nil callbacks use default behavior.
// They run on the session worker and must not call Close on the session.
type Callbacks struct {
	// OnStart is called once the transfer size is known: after START-ACK
	// on send and after START-SEND on receive.
	OnStart func(direction Direction, path string, size int64)

	// OnProgress is called periodically during the transfer.
	// transferred: bytes transferred so far
	// total: negotiated size
	// rate: transfer rate in bytes per second
	OnProgress func(path string, transferred, total int64, rate float64)

	// OnComplete is called when the transfer completes, after a final
	// OnProgress.
	OnComplete func(path string, stats Stats)

	// OnError is called when the session fails.
	OnError func(path string, err error)
}

// defaultCallbacks returns a set of callbacks with no-op implementations.
func defaultCallbacks() *Callbacks {
	return &Callbacks{
		OnStart:    func(Direction, string, int64) {},
		OnProgress: func(string, int64, int64, float64) {},
		OnComplete: func(string, Stats) {},
		OnError:    func(string, error) {},
	}
}

// mergeCallbacks merges user callbacks with defaults.
// User callbacks override defaults, nil callbacks use defaults.
func mergeCallbacks(user *Callbacks) *Callbacks {
	result := defaultCallbacks()
	if user == nil {
		return result
	}

	if user.OnStart != nil {
		result.OnStart = user.OnStart
	}
	if user.OnProgress != nil {
		result.OnProgress = user.OnProgress
	}
	if user.OnComplete != nil {
		result.OnComplete = user.OnComplete
	}
	if user.OnError != nil {
		result.OnError = user.OnError
	}

	return result
}
