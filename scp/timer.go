package scp

import "sync"

// timerSet implements §5's watermark-based timer cancellation: rather
// than tracking and cancelling individual timer handles, each class
// carries a monotonically increasing id and an active watermark.
// "Cancel all outstanding timers of a class" is one write — bump the
// watermark past the last issued id — and a fired callback checks
// liveness against the watermark before doing any work, so a timer
// that already fired concurrently with a cancellation is a safe no-op
// rather than a race.
type timerSet struct {
	mu        sync.Mutex
	nextID    [2]uint64
	watermark [2]uint64
}

func newTimerSet() *timerSet {
	return &timerSet{}
}

// next issues the next id for class and returns it; the caller uses it
// both to schedule the real timer and to check isLive when it fires.
func (t *timerSet) next(class TimerClass) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID[class]++
	return t.nextID[class]
}

// cancelAll invalidates every timer of class issued so far.
func (t *timerSet) cancelAll(class TimerClass) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watermark[class] = t.nextID[class] + 1
}

// isLive reports whether id is still live for class, i.e. no
// cancelAll has been issued since id was handed out.
func (t *timerSet) isLive(class TimerClass, id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return id >= t.watermark[class]
}
