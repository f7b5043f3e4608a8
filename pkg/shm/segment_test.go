package shm

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createSegment(t *testing.T) *Segment {
	t.Helper()
	seg, err := Create(Options{
		Path:       filepath.Join(t.TempDir(), "test.seg"),
		Size:       4 << 20,
		SystemSize: 1 << 20,
	})
	require.Nil(t, err)
	t.Cleanup(func() { seg.Close() })
	return seg
}

func TestCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.seg")
	seg, err := Create(Options{Path: path, Size: 4 << 20, SystemSize: 1 << 20})
	require.Nil(t, err)

	assert.EqualValues(t, 4<<20, seg.Size())
	assert.EqualValues(t, 4096, seg.SystemStart())
	assert.EqualValues(t, 4096+(1<<20), seg.UserStart())
	assert.EqualValues(t, 4<<20, seg.UserEnd())

	seg.PutU64(seg.UserStart(), 0xDEADBEEF)
	require.Nil(t, seg.Close())

	seg, err = Open(Options{Path: path})
	require.Nil(t, err)
	assert.EqualValues(t, 0xDEADBEEF, seg.U64(seg.UserStart()))
	require.Nil(t, seg.Close())
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.seg")
	seg, err := Create(Options{Path: path, Size: 4 << 20, SystemSize: 1 << 20})
	require.Nil(t, err)
	// Stomp the magic
	copy(seg.data[:8], "notavsi!")
	require.Nil(t, seg.Close())

	_, err = Open(Options{Path: path})
	assert.Equal(t, ErrBadMagic, err)
}

func TestCreateRejectsTinySegment(t *testing.T) {
	_, err := Create(Options{Path: filepath.Join(t.TempDir(), "tiny.seg"), Size: 1024})
	assert.Equal(t, ErrTooSmall, err)
}

func TestAccessors(t *testing.T) {
	seg := createSegment(t)
	off := seg.UserStart()

	seg.PutU64(off, 12345)
	assert.EqualValues(t, 12345, seg.U64(off))

	seg.PutU32(off+8, 999)
	assert.EqualValues(t, 999, seg.U32(off+8))

	seg.PutCString(off+16, "brake.pressure")
	assert.Equal(t, "brake.pressure", seg.CString(off+16))

	assert.True(t, NilOffset.IsNil())
	assert.Panics(t, func() { seg.U64(Offset(seg.Size())) })
	assert.Panics(t, func() { seg.U64(NilOffset) })
}

func TestMutexExcludes(t *testing.T) {
	seg := createSegment(t)
	mu := seg.MutexAt(seg.UserStart())
	counter := seg.UserStart() + 8
	seg.PutU64(counter, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				mu.Lock()
				seg.PutU64(counter, seg.U64(counter)+1)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 8000, seg.U64(counter))
}

func TestSemaphorePostThenWait(t *testing.T) {
	seg := createSegment(t)
	off := seg.UserStart()
	seg.InitSemaphore(off)
	sem := seg.SemaphoreAt(off)

	sem.Lock()
	sem.PostLocked()
	sem.Unlock()
	assert.EqualValues(t, 1, sem.MessageCount())

	sem.Lock()
	sem.ConsumeLocked()
	sem.Unlock()
	assert.EqualValues(t, 0, sem.MessageCount())
}

func TestSemaphoreWaitTimesOut(t *testing.T) {
	seg := createSegment(t)
	off := seg.UserStart()
	seg.InitSemaphore(off)
	sem := seg.SemaphoreAt(off)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sem.Lock()
	var err error
	for err == nil && sem.MessageCount() == 0 {
		err = sem.WaitLocked(ctx)
	}
	sem.Unlock()
	assert.Error(t, err)
}

func TestSemaphoreWakesWaiter(t *testing.T) {
	seg := createSegment(t)
	off := seg.UserStart()
	seg.InitSemaphore(off)
	sem := seg.SemaphoreAt(off)

	got := make(chan struct{})
	go func() {
		sem.Lock()
		for sem.MessageCount() == 0 {
			if err := sem.WaitLocked(context.Background()); err != nil {
				sem.Unlock()
				return
			}
		}
		sem.ConsumeLocked()
		sem.Unlock()
		close(got)
	}()

	time.Sleep(50 * time.Millisecond)
	sem.Lock()
	sem.PostLocked()
	sem.Unlock()

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by post")
	}
}
