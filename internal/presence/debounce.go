package presence

import (
	"sync"
	"time"
)

type pendingCall struct {
	gen   uint64
	timer Timer
}

// Debouncer runs at most one delayed call per key. Scheduling a key again
// cancels its pending call and restarts the delay; keys never share timers.
type Debouncer struct {
	clock   Clock
	mu      sync.Mutex
	gen     uint64
	pending map[string]pendingCall
	stopped bool
}

func NewDebouncer(clock Clock) *Debouncer {
	if clock == nil {
		clock = SystemClock()
	}
	return &Debouncer{clock: clock, pending: make(map[string]pendingCall)}
}

// Schedule arranges for fn to run after d unless key is rescheduled or
// cancelled first. It is a no-op after Stop.
func (d *Debouncer) Schedule(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if prev, ok := d.pending[key]; ok {
		prev.timer.Stop()
	}
	d.gen++
	gen := d.gen
	timer := d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		cur, ok := d.pending[key]
		if !ok || cur.gen != gen {
			// superseded between the timer firing and taking the lock
			d.mu.Unlock()
			return
		}
		delete(d.pending, key)
		d.mu.Unlock()
		fn()
	})
	d.pending[key] = pendingCall{gen: gen, timer: timer}
}

// Cancel drops the pending call for key and reports whether one existed.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.pending[key]
	if ok {
		prev.timer.Stop()
		delete(d.pending, key)
	}
	return ok
}

func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Stop cancels every pending call and refuses new ones.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}
