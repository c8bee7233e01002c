package sync

import "sync/atomic"

// Barrier implements a sense-reversing barrier that blocks a fixed number of
// participants until all of them have called Wait. Unlike a one-shot barrier,
// a Barrier can be reused across multiple synchronization points without
// resetting any state between rounds.
type Barrier struct {
	// count is the number of participants the barrier waits for.
	count uint32

	// arrived tracks how many participants have reached the barrier
	// during the current round.
	arrived uint32

	// sense flips each time the barrier releases its participants. A
	// waiter spins until the shared sense differs from the value it
	// observed on entry, which lets the barrier be reused without a reset step.
	sense uint32
}

// NewBarrier returns a Barrier that releases its waiters once count of them
// have called Wait.
func NewBarrier(count uint32) *Barrier {
	return &Barrier{count: count}
}

// Wait blocks the calling CPU until count participants (as configured via
// NewBarrier) have called Wait for the current round.
func (b *Barrier) Wait() {
	localSense := atomic.LoadUint32(&b.sense)

	if atomic.AddUint32(&b.arrived, 1) == b.count {
		atomic.StoreUint32(&b.arrived, 0)
		atomic.StoreUint32(&b.sense, localSense^1)
		return
	}

	for atomic.LoadUint32(&b.sense) == localSense {
		if yieldFn != nil {
			yieldFn()
		}
	}
}
