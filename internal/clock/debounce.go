package clock

import (
	"sync"
	"time"
)

// Debouncer runs fn once, wait after the first Trigger of a quiet period.
// Triggers while a call is pending are folded into it, so at most one call
// happens per window.
type Debouncer struct {
	clk  Clock
	wait time.Duration
	fn   func()

	mu    sync.Mutex
	armed bool
	gen   uint64
	timer Timer
}

func NewDebouncer(clk Clock, wait time.Duration, fn func()) *Debouncer {
	return &Debouncer{clk: clk, wait: wait, fn: fn}
}

// Trigger arms the timer. It reports false if a call was already pending.
func (d *Debouncer) Trigger() bool {
	d.mu.Lock()
	if d.armed {
		d.mu.Unlock()
		return false
	}
	d.armed = true
	d.gen++
	gen := d.gen
	d.mu.Unlock()

	// AfterFunc may run the callback before returning, so no lock is held.
	t := d.clk.AfterFunc(d.wait, func() { d.fire(gen) })

	d.mu.Lock()
	if d.armed && d.gen == gen {
		d.timer = t
	}
	d.mu.Unlock()
	return true
}

// Stop cancels a pending call and reports whether there was one.
func (d *Debouncer) Stop() bool {
	d.mu.Lock()
	if !d.armed {
		d.mu.Unlock()
		return false
	}
	d.armed = false
	d.gen++
	t := d.timer
	d.timer = nil
	d.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	return true
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if !d.armed || d.gen != gen {
		d.mu.Unlock()
		return
	}
	d.armed = false
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}
