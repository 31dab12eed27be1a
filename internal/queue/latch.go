package queue

import "sync"

// DrainLatch prevents duplicate triggering of the one-shot deploy when
// multiple pools observe a drain at the same instant. It is keyed by the
// store's enqueue sequence: acquiring at sequence N blocks further
// acquisitions until new work arrives (sequence advances past N).
type DrainLatch struct {
	mu        sync.Mutex
	armed     bool
	armedSeq  uint64
	acquireCt uint64
}

// NewDrainLatch returns an unarmed latch.
func NewDrainLatch() *DrainLatch {
	return &DrainLatch{}
}

// TryAcquire attempts to claim the one-shot trigger at the given enqueue
// sequence. The check-and-set is atomic: of any number of concurrent
// callers observing the same drained state, exactly one wins. Returns
// false if the latch is already armed for this sequence or a later one.
func (l *DrainLatch) TryAcquire(seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.armed && seq <= l.armedSeq {
		return false
	}

	l.armed = true
	l.armedSeq = seq
	l.acquireCt++
	return true
}

// Armed reports whether the latch currently blocks a trigger at the
// given enqueue sequence.
func (l *DrainLatch) Armed(seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.armed && seq <= l.armedSeq
}

// Acquisitions returns how many times the latch has been won, for tests.
func (l *DrainLatch) Acquisitions() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquireCt
}

// Reset disarms the latch unconditionally.
func (l *DrainLatch) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.armed = false
	l.armedSeq = 0
}
