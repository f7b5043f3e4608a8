// Package alloc implements the arena allocator of the segment : a
// best fit allocator with coalescing free lists over the user area.
// Free blocks are indexed twice, by (size, offset) for best fit
// lookup and by offset for neighbour coalescing, both in B-trees
// whose nodes come from a separate fixed pool in the system area so
// that the allocator never allocates from the arena it manages.
package alloc

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/covesa/vsi/pkg/btree"
	"github.com/covesa/vsi/pkg/shm"
)

var (
	ErrOutOfMemory = errors.New("segment arena exhausted")
	ErrZeroAlloc   = errors.New("zero byte allocation")
)

const (
	// Every block starts with a 16 byte header : total size including
	// the header, then the block's own offset as a sanity field.
	blockHdrSize = 16
	hdrSize      = shm.Offset(0)
	hdrSelf      = shm.Offset(8)

	minBlockSize = uint64(32)
	// A free block only gets split when the residue would be worth
	// indexing on its own
	minSplit = uint64(64)

	// Records per node of the free list trees
	treeOrder = 15
)

// An Allocator manages the user arena of a segment. One handle per
// process, all state lives in the segment.
type Allocator struct {
	seg      *shm.Segment
	logger   *slog.Logger
	mu       shm.Mutex
	bySize   *btree.Tree
	byOffset *btree.Tree
}

var freeBySizeKey = btree.KeyDef{Fields: []btree.Field{
	{Type: btree.FieldUint64, Offset: uint32(hdrSize), Size: 8},
	{Type: btree.FieldUint64, Offset: uint32(hdrSelf), Size: 8},
}}

var freeByOffsetKey = btree.KeyDef{Fields: []btree.Field{
	{Type: btree.FieldUint64, Offset: uint32(hdrSelf), Size: 8},
}}

// Create initialises the allocator structures of a fresh segment :
// the system node pool, both free list trees, and one free block
// covering the entire user arena.
func Create(seg *shm.Segment, logger *slog.Logger) (*Allocator, error) {
	seg.SetSysNodeSize(btree.NodeSize(treeOrder))

	pool := systemPool{seg: seg}
	bySize, err := btree.Create(seg, logger,
		seg.CtrlBlock(shm.CtrlFreeBySize), seg.KeyDefSlot(shm.CtrlFreeBySize),
		pool, btree.ArenaSystem, treeOrder, freeBySizeKey)
	if err != nil {
		return nil, err
	}
	byOffset, err := btree.Create(seg, logger,
		seg.CtrlBlock(shm.CtrlFreeByOffset), seg.KeyDefSlot(shm.CtrlFreeByOffset),
		pool, btree.ArenaSystem, treeOrder, freeByOffsetKey)
	if err != nil {
		return nil, err
	}
	a := newAllocator(seg, logger, bySize, byOffset)

	start := seg.UserStart()
	size := uint64(seg.UserEnd() - start)
	a.writeFreeHeader(start, size)
	if err := a.insertFree(start); err != nil {
		return nil, err
	}
	a.logger.Info("arena initialised", "start", start, "bytes", size)
	return a, nil
}

// Open attaches to the allocator of an existing segment.
func Open(seg *shm.Segment, logger *slog.Logger) (*Allocator, error) {
	pool := systemPool{seg: seg}
	bySize, err := btree.Open(seg, logger, seg.CtrlBlock(shm.CtrlFreeBySize), pool)
	if err != nil {
		return nil, err
	}
	byOffset, err := btree.Open(seg, logger, seg.CtrlBlock(shm.CtrlFreeByOffset), pool)
	if err != nil {
		return nil, err
	}
	return newAllocator(seg, logger, bySize, byOffset), nil
}

func newAllocator(seg *shm.Segment, logger *slog.Logger, bySize, byOffset *btree.Tree) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		seg:      seg,
		logger:   logger.With("service", "[ALLOC]"),
		mu:       seg.AllocMutex(),
		bySize:   bySize,
		byOffset: byOffset,
	}
}

// Segment returns the underlying segment.
func (a *Allocator) Segment() *shm.Segment { return a.seg }

// Alloc reserves a block large enough for n payload bytes and
// returns the payload offset. The block found by best fit is split
// when the residue is worth keeping.
func (a *Allocator) Alloc(n uint64) (shm.Offset, error) {
	if n == 0 {
		return shm.NilOffset, ErrZeroAlloc
	}
	need := shm.Align8(n) + blockHdrSize
	if need < minBlockSize {
		need = minBlockSize
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Smallest free block with size >= need. The probe only carries
	// the size field, offset ties resolve to the lowest block.
	it := a.bySize.Find(btree.Key{need})
	if it.AtEnd() {
		return shm.NilOffset, ErrOutOfMemory
	}
	block, err := it.Record()
	if err != nil {
		return shm.NilOffset, err
	}
	size := a.seg.U64(block + hdrSize)
	a.removeFree(block, size)

	if size >= need+minSplit {
		residue := block + shm.Offset(need)
		a.writeFreeHeader(residue, size-need)
		if err := a.insertFree(residue); err != nil {
			return shm.NilOffset, err
		}
		size = need
	}

	a.seg.PutU64(block+hdrSize, size)
	a.seg.PutU64(block+hdrSelf, uint64(block))
	return block + blockHdrSize, nil
}

// UsableSize returns the payload capacity of the block backing the
// given payload offset.
func (a *Allocator) UsableSize(payload shm.Offset) uint64 {
	block := payload - blockHdrSize
	return a.seg.U64(block+hdrSize) - blockHdrSize
}

// Free returns the block backing payload to the arena, merging it
// with free neighbours. Freeing a corrupted or already free block
// panics : a merge that would overlap existing free space can only
// mean the arena bookkeeping no longer matches reality.
func (a *Allocator) Free(payload shm.Offset) {
	block := payload - blockHdrSize
	size := a.seg.U64(block + hdrSize)
	if a.seg.U64(block+hdrSelf) != uint64(block) ||
		size < minBlockSize ||
		uint64(block)+size > uint64(a.seg.UserEnd()) {
		panic(fmt.Errorf("%w: free of invalid block at %d", shm.ErrCorruptSegment, block))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Merge with the predecessor when adjacent
	if it := a.byOffset.RFind(btree.Key{uint64(block)}); !it.AtEnd() {
		pred, err := it.Record()
		if err == nil {
			predSize := a.seg.U64(pred + hdrSize)
			switch {
			case pred == block || uint64(pred)+predSize > uint64(block):
				panic(fmt.Errorf("%w: double free at %d", shm.ErrCorruptSegment, block))
			case uint64(pred)+predSize == uint64(block):
				a.removeFree(pred, predSize)
				block = pred
				size += predSize
			}
		}
	}

	// Merge with the successor when adjacent
	if it := a.byOffset.Find(btree.Key{uint64(block) + 1}); !it.AtEnd() {
		succ, err := it.Record()
		if err == nil {
			succSize := a.seg.U64(succ + hdrSize)
			switch {
			case uint64(block)+size > uint64(succ):
				panic(fmt.Errorf("%w: free overlaps free block at %d", shm.ErrCorruptSegment, succ))
			case uint64(block)+size == uint64(succ):
				a.removeFree(succ, succSize)
				size += succSize
			}
		}
	}

	a.writeFreeHeader(block, size)
	if err := a.insertFree(block); err != nil {
		// The block stays allocated from the arena's point of view,
		// losing it beats corrupting the free lists
		a.logger.Error("leaking block, free list node allocation failed", "offset", block, "size", size, "error", err)
	}
}

func (a *Allocator) writeFreeHeader(block shm.Offset, size uint64) {
	a.seg.PutU64(block+hdrSize, size)
	a.seg.PutU64(block+hdrSelf, uint64(block))
}

func (a *Allocator) insertFree(block shm.Offset) error {
	if err := a.bySize.Insert(block); err != nil {
		return err
	}
	return a.byOffset.Insert(block)
}

func (a *Allocator) removeFree(block shm.Offset, size uint64) {
	if _, ok := a.bySize.Delete(btree.Key{size, uint64(block)}); !ok {
		panic(fmt.Errorf("%w: free block %d missing from size index", shm.ErrCorruptSegment, block))
	}
	if _, ok := a.byOffset.Delete(btree.Key{uint64(block)}); !ok {
		panic(fmt.Errorf("%w: free block %d missing from offset index", shm.ErrCorruptSegment, block))
	}
}

// Stats reports the current shape of the arena.
type Stats struct {
	ArenaBytes  uint64
	FreeBytes   uint64
	FreeBlocks  uint64
	LargestFree uint64
}

// Stats walks the free lists and reports arena usage.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Stats{ArenaBytes: uint64(a.seg.UserEnd() - a.seg.UserStart())}
	for it := a.bySize.Begin(); !it.AtEnd(); {
		block, err := it.Record()
		if err != nil {
			break
		}
		size := a.seg.U64(block + hdrSize)
		st.FreeBytes += size
		st.FreeBlocks++
		if size > st.LargestFree {
			st.LargestFree = size
		}
		if err := it.Next(); err != nil {
			break
		}
	}
	return st
}

// UserArena returns the node arena view used by the directory trees,
// whose nodes are ordinary arena blocks.
func (a *Allocator) UserArena() btree.NodeArena { return userArena{a: a} }

type userArena struct{ a *Allocator }

func (u userArena) AllocNode(size uint64) (shm.Offset, error) { return u.a.Alloc(size) }
func (u userArena) FreeNode(off shm.Offset, size uint64) { u.a.Free(off) }
