package shm

import (
	"sync/atomic"
	"unsafe"

	"github.com/covesa/vsi/internal/futex"
)

// Mutex lock protocol states.
const (
	mutexUnlocked  = 0
	mutexLocked    = 1
	mutexContended = 2
)

// Mutex is a process shared mutex over a 32 bit word inside the
// segment, using the classic three state futex protocol. The word
// lives in the mapping, every process mapping the same file contends
// on the same lock.
type Mutex struct {
	word *uint32
}

// MutexAt returns a mutex handle over the word stored at off.
// The offset must be 4 byte aligned.
func (s *Segment) MutexAt(off Offset) Mutex {
	s.check(off, 4)
	return Mutex{word: (*uint32)(unsafe.Pointer(&s.data[off]))}
}

func (m Mutex) Lock() {
	if atomic.CompareAndSwapUint32(m.word, mutexUnlocked, mutexLocked) {
		return
	}
	// Announce contention so the holder knows to wake us
	for atomic.SwapUint32(m.word, mutexContended) != mutexUnlocked {
		_ = futex.Wait(m.word, mutexContended, 0)
	}
}

func (m Mutex) Unlock() {
	if atomic.SwapUint32(m.word, mutexUnlocked) == mutexContended {
		_, _ = futex.Wake(m.word, 1)
	}
}
