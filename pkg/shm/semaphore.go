package shm

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/covesa/vsi/internal/futex"
)

// SemaphoreSize is the in segment footprint of one semaphore.
const SemaphoreSize = Offset(16)

// How long a single futex sleep may last before the context is
// re-checked. Keeps cancellation latency bounded even when nobody
// broadcasts the wakeup.
const waitPollInterval = 250 * time.Millisecond

// Semaphore is the cross process condition variable wrapper guarding
// one signal queue : a process shared mutex, a wakeup sequence word,
// the count of undelivered messages and the count of blocked waiters.
// Layout, all little endian uint32 : mutex, sequence, messageCount,
// waiterCount.
type Semaphore struct {
	mu      Mutex
	seq     *uint32
	msg     *uint32
	waiters *uint32
}

// SemaphoreAt returns a semaphore handle over the record at off.
// The offset must be 4 byte aligned.
func (s *Segment) SemaphoreAt(off Offset) Semaphore {
	s.check(off, uint64(SemaphoreSize))
	return Semaphore{
		mu:      s.MutexAt(off),
		seq:     (*uint32)(unsafe.Pointer(&s.data[off+4])),
		msg:     (*uint32)(unsafe.Pointer(&s.data[off+8])),
		waiters: (*uint32)(unsafe.Pointer(&s.data[off+12])),
	}
}

// InitSemaphore zeroes the semaphore record at off.
func (s *Segment) InitSemaphore(off Offset) {
	s.Zero(off, uint64(SemaphoreSize))
}

// Lock acquires the semaphore's mutex. The caller owns the queue
// fields guarded by this semaphore until Unlock.
func (sem Semaphore) Lock() { sem.mu.Lock() }

// Unlock releases the semaphore's mutex.
func (sem Semaphore) Unlock() { sem.mu.Unlock() }

// PostLocked records one more deliverable message and wakes one
// waiter. Must be called with the semaphore locked.
func (sem Semaphore) PostLocked() {
	atomic.AddUint32(sem.msg, 1)
	atomic.AddUint32(sem.seq, 1)
	_, _ = futex.Wake(sem.seq, 1)
}

// ConsumeLocked marks one message as delivered. Must be called with
// the semaphore locked.
func (sem Semaphore) ConsumeLocked() {
	if atomic.LoadUint32(sem.msg) > 0 {
		atomic.AddUint32(sem.msg, ^uint32(0))
	}
}

// ResetLocked clears the undelivered message count, used by flush.
func (sem Semaphore) ResetLocked() {
	atomic.StoreUint32(sem.msg, 0)
}

// MessageCount returns the number of undelivered messages.
func (sem Semaphore) MessageCount() uint32 { return atomic.LoadUint32(sem.msg) }

// WaiterCount returns the number of currently blocked waiters.
func (sem Semaphore) WaiterCount() uint32 { return atomic.LoadUint32(sem.waiters) }

// WaitLocked blocks until a post (or broadcast) arrives, the context
// is cancelled, or its deadline passes. Must be called with the
// semaphore locked and returns with it locked. A nil return does not
// guarantee a message is available, callers re-check their predicate
// in a loop.
func (sem Semaphore) WaitLocked(ctx context.Context) error {
	seq := atomic.LoadUint32(sem.seq)
	atomic.AddUint32(sem.waiters, 1)
	sem.Unlock()

	timeout := waitPollInterval
	deadlineHit := false
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			timeout, deadlineHit = time.Nanosecond, true
		} else if remaining < timeout {
			timeout, deadlineHit = remaining, true
		}
	}
	err := futex.Wait(sem.seq, seq, timeout)

	sem.Lock()
	atomic.AddUint32(sem.waiters, ^uint32(0))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, futex.ErrTimeout) {
		if deadlineHit {
			return ErrWaitTimeout
		}
		// Poll interval expired, not the caller's deadline
		return nil
	}
	return err
}

// Broadcast wakes every blocked waiter. Used to rouse losers of a
// listen race so they can observe cancellation.
func (sem Semaphore) Broadcast() {
	sem.Lock()
	atomic.AddUint32(sem.seq, 1)
	sem.Unlock()
	_, _ = futex.WakeAll(sem.seq)
}
