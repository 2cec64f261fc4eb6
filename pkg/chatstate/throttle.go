package chatstate

import (
	"sync"
	"time"
)

// throttler coalesces bursts of triggers into trailing-edge deliveries: the
// first trigger of a window arms a timer, further triggers inside the window
// are absorbed, and the timer fires exactly once at the window boundary. The
// wrapped fire function reads then-current state, so a coalesced delivery is
// never stale.
type throttler struct {
	window time.Duration
	fire   func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newThrottler(window time.Duration, fire func()) *throttler {
	return &throttler{window: window, fire: fire}
}

func (t *throttler) trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.timer != nil {
		return
	}
	t.timer = time.AfterFunc(t.window, t.flush)
}

func (t *throttler) flush() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()
	t.fire()
}

// stop cancels any pending delivery and neutralizes a timer that has already
// fired but not yet delivered. After stop, fire is never invoked again.
func (t *throttler) stop() {
	t.mu.Lock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}
