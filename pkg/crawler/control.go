package crawler

import (
	"fmt"
	"sync"

	"github.com/Sriram-PR/site-scraper/pkg/models"
)

// Flag is the control state a session loop observes between steps
type Flag string

const (
	FlagActive   Flag = "active"
	FlagPaused   Flag = "paused"
	FlagStopping Flag = "stopping"
)

// Control carries pause/resume/stop requests to a session. Setting a flag never
// interrupts work in flight; the loop reacts at its next suspension point.
// Waiters select on Changed instead of polling.
type Control struct {
	mu      sync.Mutex
	flag    Flag
	changed chan struct{} // Closed and replaced on every transition
	stopped chan struct{} // Closed once, on the first stop
}

// NewControl returns an active control
func NewControl() *Control {
	return &Control{
		flag:    FlagActive,
		changed: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Apply translates a signal into a flag transition. Signals are idempotent and
// stop is final: pause or resume after stop are ignored. Returns whether the flag changed.
func (c *Control) Apply(sig models.ControlSignal) (bool, error) {
	var next Flag
	switch sig {
	case models.SignalPause:
		next = FlagPaused
	case models.SignalResume:
		next = FlagActive
	case models.SignalStop:
		next = FlagStopping
	default:
		return false, fmt.Errorf("unknown control signal %q", sig)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flag == next || c.flag == FlagStopping {
		return false, nil
	}
	c.flag = next
	if next == FlagStopping {
		close(c.stopped)
	}
	close(c.changed)
	c.changed = make(chan struct{})
	return true, nil
}

// Flag returns the current flag
func (c *Control) Flag() Flag {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flag
}

// Changed returns a channel closed on the next transition. Grab it before
// reading Flag to avoid missing a change in between.
func (c *Control) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Stopped is closed once stop has been requested
func (c *Control) Stopped() <-chan struct{} {
	return c.stopped
}
