// Package btree implements the position independent, locked B-tree
// used throughout the segment : as the allocator's free list indices
// and as the signal and group directories. Nodes, records and the
// control block all live inside the shared segment and reference each
// other through offsets only, so every process mapping the segment
// operates on the same tree.
package btree

import (
	"errors"
	"log/slog"

	"github.com/covesa/vsi/pkg/shm"
)

var (
	ErrBadKeyDef     = errors.New("invalid key definition")
	ErrBadOrder      = errors.New("tree order must hold at least 3 records")
	ErrStaleIterator = errors.New("iterator invalidated by a tree mutation")
	ErrNotFound      = errors.New("record not found")
)

// Arena identifies which pool a tree's nodes are drawn from.
type Arena uint32

const (
	// ArenaSystem trees draw nodes from the fixed system pool. Only
	// the allocator's own free list trees do this, it is what breaks
	// the bootstrap cycle between the allocator and its indices.
	ArenaSystem Arena = iota
	// ArenaUser trees draw nodes from the general allocator.
	ArenaUser
)

// NodeArena supplies fixed size node storage to a tree. Implemented
// by the allocator package for both the system pool and the user
// arena.
type NodeArena interface {
	AllocNode(size uint64) (shm.Offset, error)
	FreeNode(off shm.Offset, size uint64)
}

// Control block field offsets, relative to the control block base.
const (
	ctrlMax      = shm.Offset(0)  // u32, max records per node, odd
	ctrlMin      = shm.Offset(4)  // u32, min records per non root node
	ctrlDegree   = shm.Offset(8)  // u32, minimum degree t = (max+1)/2
	ctrlArena    = shm.Offset(12) // u32, Arena
	ctrlNodeSize = shm.Offset(16) // u64
	ctrlCount    = shm.Offset(24) // u64, total records in the tree
	ctrlRoot     = shm.Offset(32) // u64, root node offset
	ctrlKeyDef   = shm.Offset(40) // u64, key definition offset
	ctrlMutex    = shm.Offset(48) // u32, tree wide futex mutex
	ctrlGen      = shm.Offset(56) // u64, bumped on structural mutation
)

// Node field offsets, relative to the node base. The record and child
// arrays follow the fixed fields, all nodes of a tree share one size.
const (
	nodeNext   = shm.Offset(0)  // u64, intrusive link for traversal utilities
	nodeParent = shm.Offset(8)  // u64
	nodeKeys   = shm.Offset(16) // u32, records in use
	nodeLevel  = shm.Offset(20) // u32, 0 = leaf
	nodeRecs   = shm.Offset(24)
)

// A Tree is a process local handle onto a shared B-tree. Handles are
// cheap, open one per process per tree.
type Tree struct {
	seg    *shm.Segment
	logger *slog.Logger
	ctrl   shm.Offset
	arena  NodeArena
	kd     KeyDef
	mu     shm.Mutex

	max      int
	min      int
	t        int
	nodeSize uint64
}

// NodeSize returns the byte size of one node for a tree holding up to
// max records : fixed header, max record offsets, max+1 child
// offsets, rounded to 8 byte alignment.
func NodeSize(max int) uint64 {
	return shm.Align8(uint64(nodeRecs) + uint64(max)*8 + uint64(max+1)*8)
}

// Create initialises the control block at ctrl for a fresh tree,
// persisting the key definition at keyDefOff. An even maxRecords is
// rounded up to the next odd value.
func Create(seg *shm.Segment, logger *slog.Logger, ctrl, keyDefOff shm.Offset,
	arena NodeArena, arenaKind Arena, maxRecords int, kd KeyDef) (*Tree, error) {

	if maxRecords < 3 {
		return nil, ErrBadOrder
	}
	if maxRecords%2 == 0 {
		maxRecords++
	}
	if err := writeKeyDef(seg, keyDefOff, kd); err != nil {
		return nil, err
	}
	degree := (maxRecords + 1) / 2
	seg.PutU32(ctrl+ctrlMax, uint32(maxRecords))
	seg.PutU32(ctrl+ctrlMin, uint32(degree-1))
	seg.PutU32(ctrl+ctrlDegree, uint32(degree))
	seg.PutU32(ctrl+ctrlArena, uint32(arenaKind))
	seg.PutU64(ctrl+ctrlNodeSize, NodeSize(maxRecords))
	seg.PutU64(ctrl+ctrlCount, 0)
	seg.PutOff(ctrl+ctrlRoot, shm.NilOffset)
	seg.PutOff(ctrl+ctrlKeyDef, keyDefOff)
	seg.PutU32(ctrl+ctrlMutex, 0)
	seg.PutU64(ctrl+ctrlGen, 0)
	return Open(seg, logger, ctrl, arena)
}

// Open attaches a process local handle to the tree whose control
// block lives at ctrl.
func Open(seg *shm.Segment, logger *slog.Logger, ctrl shm.Offset, arena NodeArena) (*Tree, error) {
	if logger == nil {
		logger = slog.Default()
	}
	max := int(seg.U32(ctrl + ctrlMax))
	if max < 3 || max%2 == 0 {
		return nil, ErrBadOrder
	}
	return &Tree{
		seg:      seg,
		logger:   logger.With("service", "[BTREE]"),
		ctrl:     ctrl,
		arena:    arena,
		kd:       readKeyDef(seg, seg.Off(ctrl+ctrlKeyDef)),
		mu:       seg.MutexAt(ctrl + ctrlMutex),
		max:      max,
		min:      int(seg.U32(ctrl + ctrlMin)),
		t:        int(seg.U32(ctrl + ctrlDegree)),
		nodeSize: seg.U64(ctrl + ctrlNodeSize),
	}, nil
}

// ArenaKind returns which pool this tree draws nodes from.
func (t *Tree) ArenaKind() Arena { return Arena(t.seg.U32(t.ctrl + ctrlArena)) }

// Count returns the total number of records in the tree.
func (t *Tree) Count() uint64 { return t.seg.U64(t.ctrl + ctrlCount) }

// Degree returns the minimum degree of the tree.
func (t *Tree) Degree() int { return t.t }

// MaxRecords returns the record capacity of one node.
func (t *Tree) MaxRecords() int { return t.max }

func (t *Tree) root() shm.Offset        { return t.seg.Off(t.ctrl + ctrlRoot) }
func (t *Tree) setRoot(off shm.Offset) { t.seg.PutOff(t.ctrl+ctrlRoot, off) }
func (t *Tree) generation() uint64      { return t.seg.U64(t.ctrl + ctrlGen) }
func (t *Tree) bumpGeneration() { t.seg.PutU64(t.ctrl+ctrlGen, t.generation()+1) }
func (t *Tree) setCount(n uint64) { t.seg.PutU64(t.ctrl+ctrlCount, n) }

// Node accessors. A node offset of 0 means "no node".

func (t *Tree) keys(n shm.Offset) int { return int(t.seg.U32(n + nodeKeys)) }
func (t *Tree) setKeys(n shm.Offset, k int) { t.seg.PutU32(n+nodeKeys, uint32(k)) }
func (t *Tree) level(n shm.Offset) int { return int(t.seg.U32(n + nodeLevel)) }
func (t *Tree) setLevel(n shm.Offset, l int) { t.seg.PutU32(n+nodeLevel, uint32(l)) }
func (t *Tree) leaf(n shm.Offset) bool { return t.level(n) == 0 }
func (t *Tree) parent(n shm.Offset) shm.Offset { return t.seg.Off(n + nodeParent) }
func (t *Tree) setParent(n, p shm.Offset) { t.seg.PutOff(n+nodeParent, p) }

func (t *Tree) recOff(n shm.Offset, i int) shm.Offset {
	return n + nodeRecs + shm.Offset(i)*8
}

func (t *Tree) rec(n shm.Offset, i int) shm.Offset {
	return t.seg.Off(t.recOff(n, i))
}

func (t *Tree) setRec(n shm.Offset, i int, rec shm.Offset) {
	t.seg.PutOff(t.recOff(n, i), rec)
}

func (t *Tree) childOff(n shm.Offset, i int) shm.Offset {
	return n + nodeRecs + shm.Offset(t.max)*8 + shm.Offset(i)*8
}

func (t *Tree) child(n shm.Offset, i int) shm.Offset {
	return t.seg.Off(t.childOff(n, i))
}

func (t *Tree) setChild(n shm.Offset, i int, c shm.Offset) {
	t.seg.PutOff(t.childOff(n, i), c)
	if !c.IsNil() {
		t.setParent(c, n)
	}
}

func (t *Tree) allocNode(level int) (shm.Offset, error) {
	off, err := t.arena.AllocNode(t.nodeSize)
	if err != nil {
		return shm.NilOffset, err
	}
	t.seg.Zero(off, t.nodeSize)
	t.setLevel(off, level)
	return off, nil
}

func (t *Tree) freeNode(off shm.Offset) {
	t.arena.FreeNode(off, t.nodeSize)
}

// childIndex locates c among the children of p.
func (t *Tree) childIndex(p, c shm.Offset) int {
	for i := 0; i <= t.keys(p); i++ {
		if t.child(p, i) == c {
			return i
		}
	}
	panic(shm.ErrCorruptSegment)
}

// subtreeMinNode descends to the leftmost leaf under n.
func (t *Tree) subtreeMinNode(n shm.Offset) shm.Offset {
	for !t.leaf(n) {
		n = t.child(n, 0)
	}
	return n
}

// subtreeMaxNode descends to the rightmost leaf under n.
func (t *Tree) subtreeMaxNode(n shm.Offset) shm.Offset {
	for !t.leaf(n) {
		n = t.child(n, t.keys(n))
	}
	return n
}

// Search returns the data offset of a record comparing equal to key,
// or false when no such record exists.
func (t *Tree) Search(key Key) (shm.Offset, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.searchLocked(key)
}

func (t *Tree) searchLocked(key Key) (shm.Offset, bool) {
	n := t.root()
	for !n.IsNil() {
		i := 0
		for i < t.keys(n) && t.kd.compareRecordKey(t.seg, t.rec(n, i), key) < 0 {
			i++
		}
		if i < t.keys(n) && t.kd.compareRecordKey(t.seg, t.rec(n, i), key) == 0 {
			return t.rec(n, i), true
		}
		if t.leaf(n) {
			return shm.NilOffset, false
		}
		n = t.child(n, i)
	}
	return shm.NilOffset, false
}

// Min returns the smallest record in the tree.
func (t *Tree) Min() (shm.Offset, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	root := t.root()
	if root.IsNil() {
		return shm.NilOffset, false
	}
	n := t.subtreeMinNode(root)
	return t.rec(n, 0), true
}

// Max returns the largest record in the tree.
func (t *Tree) Max() (shm.Offset, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	root := t.root()
	if root.IsNil() {
		return shm.NilOffset, false
	}
	n := t.subtreeMaxNode(root)
	return t.rec(n, t.keys(n)-1), true
}
