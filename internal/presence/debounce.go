package presence

import (
	"sync"
	"time"
)

// debouncer coalesces a burst of triggers into one call after a quiet
// window. A new trigger cancels the pending one and reschedules with the
// latest function, so only the final value of a burst is ever sent.
type debouncer struct {
	mu    sync.Mutex
	after time.Duration
	timer *time.Timer
}

func newDebouncer(after time.Duration) *debouncer {
	return &debouncer{after: after}
}

func (d *debouncer) trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.after, fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// typingNotifier turns a stream of input events into a single start signal
// per burst and one stop signal after a fixed quiet period. The timer is
// restartable: further input pushes the stop signal out instead of queueing
// more sends.
type typingNotifier struct {
	mu     sync.Mutex
	quiet  time.Duration
	active bool
	timer  *time.Timer
	start  func()
	stop   func()
}

func newTypingNotifier(quiet time.Duration, start, stop func()) *typingNotifier {
	return &typingNotifier{quiet: quiet, start: start, stop: stop}
}

// input records one keystroke-adjacent event.
func (n *typingNotifier) input() {
	n.mu.Lock()
	wasActive := n.active
	n.active = true
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.quiet, n.expire)
	n.mu.Unlock()
	if !wasActive {
		n.start()
	}
}

func (n *typingNotifier) expire() {
	n.mu.Lock()
	wasActive := n.active
	n.active = false
	n.timer = nil
	n.mu.Unlock()
	if wasActive {
		n.stop()
	}
}

// cancel halts the timer without emitting a stop signal; used on teardown
// where the explicit leave message already says goodbye.
func (n *typingNotifier) cancel() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.active = false
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}
