package btree

import "github.com/covesa/vsi/pkg/shm"

// An Iterator is a process local cursor over a tree. Iterators are
// invalidated by any structural mutation : every operation checks the
// tree's generation counter and fails with ErrStaleIterator after a
// mismatch.
type Iterator struct {
	t    *Tree
	node shm.Offset
	idx  int
	gen  uint64
}

// AtEnd reports whether the iterator points past the last (or before
// the first) record.
func (it *Iterator) AtEnd() bool { return it.node.IsNil() }

// Record returns the data offset at the current position.
func (it *Iterator) Record() (shm.Offset, error) {
	it.t.mu.Lock()
	defer it.t.mu.Unlock()
	if it.gen != it.t.generation() {
		return shm.NilOffset, ErrStaleIterator
	}
	if it.AtEnd() {
		return shm.NilOffset, ErrNotFound
	}
	return it.t.rec(it.node, it.idx), nil
}

func (t *Tree) end() *Iterator {
	return &Iterator{t: t, node: shm.NilOffset, gen: t.generation()}
}

// Begin positions an iterator at the smallest record.
func (t *Tree) Begin() *Iterator {
	t.mu.Lock()
	defer t.mu.Unlock()
	root := t.root()
	if root.IsNil() {
		return t.end()
	}
	n := t.subtreeMinNode(root)
	return &Iterator{t: t, node: n, idx: 0, gen: t.generation()}
}

// Find positions an iterator at the smallest record whose key
// compares greater than or equal to key. Returns an end iterator when
// every record is smaller.
func (t *Tree) Find(key Key) *Iterator {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root()
	it := t.end()
	for !n.IsNil() {
		i := 0
		for i < t.keys(n) && t.kd.compareRecordKey(t.seg, t.rec(n, i), key) < 0 {
			i++
		}
		if i < t.keys(n) {
			it.node, it.idx = n, i
		}
		if t.leaf(n) {
			break
		}
		n = t.child(n, i)
	}
	return it
}

// RFind positions an iterator at the largest record whose key
// compares less than or equal to key. Returns an end iterator when
// every record is greater.
func (t *Tree) RFind(key Key) *Iterator {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root()
	it := t.end()
	for !n.IsNil() {
		i := t.keys(n) - 1
		for i >= 0 && t.kd.compareRecordKey(t.seg, t.rec(n, i), key) > 0 {
			i--
		}
		if i >= 0 {
			it.node, it.idx = n, i
		}
		if t.leaf(n) {
			break
		}
		n = t.child(n, i+1)
	}
	return it
}

// Next advances to the in order successor. Advancing past the last
// record turns the iterator into an end iterator.
func (it *Iterator) Next() error {
	it.t.mu.Lock()
	defer it.t.mu.Unlock()
	if it.gen != it.t.generation() {
		return ErrStaleIterator
	}
	if it.AtEnd() {
		return nil
	}
	t := it.t

	if !t.leaf(it.node) {
		// Successor of an internal position is the minimum of the
		// right subtree
		it.node = t.subtreeMinNode(t.child(it.node, it.idx+1))
		it.idx = 0
		return nil
	}
	if it.idx+1 < t.keys(it.node) {
		it.idx++
		return nil
	}
	// Leaf exhausted to the right : ascend to the nearest ancestor
	// entered through a left child
	child := it.node
	p := t.parent(child)
	for !p.IsNil() {
		ci := t.childIndex(p, child)
		if ci < t.keys(p) {
			it.node, it.idx = p, ci
			return nil
		}
		child, p = p, t.parent(p)
	}
	it.node = shm.NilOffset
	return nil
}

// Prev steps back to the in order predecessor. Stepping before the
// first record turns the iterator into an end iterator.
func (it *Iterator) Prev() error {
	it.t.mu.Lock()
	defer it.t.mu.Unlock()
	if it.gen != it.t.generation() {
		return ErrStaleIterator
	}
	if it.AtEnd() {
		return nil
	}
	t := it.t

	if !t.leaf(it.node) {
		it.node = t.subtreeMaxNode(t.child(it.node, it.idx))
		it.idx = t.keys(it.node) - 1
		return nil
	}
	if it.idx > 0 {
		it.idx--
		return nil
	}
	child := it.node
	p := t.parent(child)
	for !p.IsNil() {
		ci := t.childIndex(p, child)
		if ci > 0 {
			it.node, it.idx = p, ci-1
			return nil
		}
		child, p = p, t.parent(p)
	}
	it.node = shm.NilOffset
	return nil
}
