package alloc

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covesa/vsi/pkg/btree"
	"github.com/covesa/vsi/pkg/shm"
)

func newAllocatorFixture(t *testing.T) *Allocator {
	t.Helper()
	seg, err := shm.Create(shm.Options{
		Path:       filepath.Join(t.TempDir(), "alloc.seg"),
		Size:       8 << 20,
		SystemSize: 1 << 20,
	})
	require.Nil(t, err)
	t.Cleanup(func() { seg.Close() })

	a, err := Create(seg, nil)
	require.Nil(t, err)
	return a
}

func TestFreshArenaIsOneBlock(t *testing.T) {
	a := newAllocatorFixture(t)
	st := a.Stats()
	assert.EqualValues(t, 1, st.FreeBlocks)
	assert.Equal(t, st.ArenaBytes, st.FreeBytes)
	assert.Equal(t, st.ArenaBytes, st.LargestFree)
}

func TestAllocWriteFree(t *testing.T) {
	a := newAllocatorFixture(t)
	before := a.Stats()

	payload, err := a.Alloc(100)
	require.Nil(t, err)
	assert.GreaterOrEqual(t, a.UsableSize(payload), uint64(100))

	// The block is writable and survives a second allocation
	buf := a.Segment().Bytes(payload, 100)
	for i := range buf {
		buf[i] = byte(i)
	}
	other, err := a.Alloc(64)
	require.Nil(t, err)
	for i := range buf {
		assert.EqualValues(t, byte(i), buf[i])
	}

	a.Free(payload)
	a.Free(other)

	after := a.Stats()
	assert.Equal(t, before.FreeBytes, after.FreeBytes)
	assert.EqualValues(t, 1, after.FreeBlocks)
}

func TestZeroAllocRejected(t *testing.T) {
	a := newAllocatorFixture(t)
	_, err := a.Alloc(0)
	assert.Equal(t, ErrZeroAlloc, err)
}

func TestOutOfMemory(t *testing.T) {
	a := newAllocatorFixture(t)
	_, err := a.Alloc(a.Stats().ArenaBytes * 2)
	assert.Equal(t, ErrOutOfMemory, err)
}

// Allocate blocks of random sizes, free them in random order : the
// arena must coalesce back into a single block of the original size.
func TestRandomChurnCoalesces(t *testing.T) {
	a := newAllocatorFixture(t)
	before := a.Stats()
	rng := rand.New(rand.NewSource(42))

	var payloads []shm.Offset
	for i := 0; i < 50; i++ {
		n := uint64(rng.Intn(63)) + 1
		p, err := a.Alloc(n)
		require.Nil(t, err)
		payloads = append(payloads, p)
	}

	mid := a.Stats()
	assert.Less(t, mid.FreeBytes, before.FreeBytes)

	rng.Shuffle(len(payloads), func(i, j int) {
		payloads[i], payloads[j] = payloads[j], payloads[i]
	})
	for _, p := range payloads {
		a.Free(p)
	}

	after := a.Stats()
	assert.Equal(t, before.FreeBytes, after.FreeBytes)
	assert.EqualValues(t, 1, after.FreeBlocks)
	assert.Equal(t, before.ArenaBytes, after.LargestFree)
}

// Free space is conserved : at any point the free bytes plus the
// bytes held by live blocks equal the arena size.
func TestConservation(t *testing.T) {
	a := newAllocatorFixture(t)
	rng := rand.New(rand.NewSource(7))

	type block struct {
		payload shm.Offset
		size    uint64
	}
	var live []block
	held := uint64(0)

	for round := 0; round < 300; round++ {
		if len(live) == 0 || rng.Intn(2) == 0 {
			n := uint64(rng.Intn(500)) + 1
			p, err := a.Alloc(n)
			require.Nil(t, err)
			size := a.UsableSize(p) + blockHdrSize
			live = append(live, block{payload: p, size: size})
			held += size
		} else {
			i := rng.Intn(len(live))
			a.Free(live[i].payload)
			held -= live[i].size
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		}
		st := a.Stats()
		require.Equal(t, st.ArenaBytes, st.FreeBytes+held, "round %d", round)
	}
}

// No two free blocks are ever adjacent in offset order.
func TestNoAdjacentFreeBlocks(t *testing.T) {
	a := newAllocatorFixture(t)
	rng := rand.New(rand.NewSource(8))

	var payloads []shm.Offset
	for i := 0; i < 100; i++ {
		p, err := a.Alloc(uint64(rng.Intn(200)) + 1)
		require.Nil(t, err)
		payloads = append(payloads, p)
	}
	// Free every other block, then the rest interleaved
	for i := 0; i < len(payloads); i += 2 {
		a.Free(payloads[i])
		a.assertNoAdjacentFree(t)
	}
	for i := 1; i < len(payloads); i += 2 {
		a.Free(payloads[i])
		a.assertNoAdjacentFree(t)
	}
}

func (a *Allocator) assertNoAdjacentFree(t *testing.T) {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	prevEnd := uint64(0)
	for it := a.byOffset.Begin(); !it.AtEnd(); {
		block, err := it.Record()
		require.Nil(t, err)
		size := a.seg.U64(block + hdrSize)
		if prevEnd != 0 {
			require.NotEqual(t, prevEnd, uint64(block), "adjacent free blocks")
		}
		prevEnd = uint64(block) + size
		require.Nil(t, it.Next())
	}
}

func TestBothIndicesAgree(t *testing.T) {
	a := newAllocatorFixture(t)
	rng := rand.New(rand.NewSource(9))

	var payloads []shm.Offset
	for i := 0; i < 40; i++ {
		p, err := a.Alloc(uint64(rng.Intn(100)) + 1)
		require.Nil(t, err)
		payloads = append(payloads, p)
	}
	for i := 0; i < len(payloads); i += 3 {
		a.Free(payloads[i])
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, a.bySize.Count(), a.byOffset.Count())

	// Every block in the offset index is findable by (size, offset)
	for it := a.byOffset.Begin(); !it.AtEnd(); {
		block, err := it.Record()
		require.Nil(t, err)
		size := a.seg.U64(block + hdrSize)
		rec, ok := a.bySize.Search(btree.Key{size, uint64(block)})
		require.True(t, ok)
		assert.Equal(t, block, rec)
		require.Nil(t, it.Next())
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := newAllocatorFixture(t)
	p, err := a.Alloc(64)
	require.Nil(t, err)
	a.Free(p)
	assert.Panics(t, func() { a.Free(p) })
}

func TestBestFitReusesSmallest(t *testing.T) {
	a := newAllocatorFixture(t)

	small, err := a.Alloc(64)
	require.Nil(t, err)
	big, err := a.Alloc(4096)
	require.Nil(t, err)
	// Pin the tail so freed blocks cannot merge with the main arena
	_, err = a.Alloc(16)
	require.Nil(t, err)

	a.Free(small)
	a.Free(big)

	// small and big are adjacent, so they coalesce into one hole : a
	// small request must land in that hole, not in the far larger
	// remainder of the arena
	p, err := a.Alloc(64)
	require.Nil(t, err)
	assert.Equal(t, small, p)
}
