package offline

import (
	"sync"
)

// Handle follows one requested download until it completes, fails or is
// cancelled.
//
// Progress delivers the newest fraction only: a reader that falls behind
// skips intermediate values. Values never decrease. Both channels are
// closed when the download reaches a final outcome, after which Err
// reports it.
type Handle struct {
	id       string
	progress chan float64
	done     chan struct{}
	cancel   func(*Handle)

	mu       sync.Mutex
	last     float64
	err      error
	finished bool
}

func newHandle(id string, cancel func(*Handle)) *Handle {
	return &Handle{
		id:       id,
		progress: make(chan float64, 1),
		done:     make(chan struct{}),
		cancel:   cancel,
		last:     -1,
	}
}

// ID returns the download id
func (h *Handle) ID() string {
	return h.id
}

// Progress returns the progress stream
func (h *Handle) Progress() <-chan float64 {
	return h.progress
}

// Done is closed once the download has a final outcome
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns nil while the download runs or after it completed,
// otherwise the reason it ended
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel cancels the download this handle was issued for. A later request
// for the same id is not affected.
func (h *Handle) Cancel() {
	if h.cancel != nil {
		h.cancel(h)
	}
}

// Last returns the highest progress reported so far
func (h *Handle) Last() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last < 0 {
		return 0
	}
	return h.last
}

func (h *Handle) report(p float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished || p <= h.last {
		return
	}
	h.last = p

	// Only report holds the send side, so after draining there is room
	select {
	case <-h.progress:
	default:
	}
	h.progress <- p
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		return
	}
	h.finished = true
	h.err = err
	close(h.progress)
	close(h.done)
}
