package btree

import "github.com/covesa/vsi/pkg/shm"

// Delete removes one record comparing equal to key and returns its
// data offset. Descent is top down with preventive rebalancing :
// every node entered holds at least t records, so no backtracking is
// ever needed.
func (t *Tree) Delete(key Key) (shm.Offset, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	root := t.root()
	if root.IsNil() {
		return shm.NilOffset, false
	}
	t.bumpGeneration()

	removed, ok := t.deleteLoop(root, key)

	// Shrink the tree when the root was emptied by a merge
	root = t.root()
	if !root.IsNil() && t.keys(root) == 0 {
		if t.leaf(root) {
			t.freeNode(root)
			t.setRoot(shm.NilOffset)
		} else {
			child := t.child(root, 0)
			t.setParent(child, shm.NilOffset)
			t.setRoot(child)
			t.freeNode(root)
		}
	}
	if ok {
		t.setCount(t.Count() - 1)
	}
	return removed, ok
}

func (t *Tree) deleteLoop(x shm.Offset, key Key) (shm.Offset, bool) {
	var removed shm.Offset
	haveTarget := false

	for {
		i := 0
		for i < t.keys(x) && t.kd.compareRecordKey(t.seg, t.rec(x, i), key) < 0 {
			i++
		}
		found := i < t.keys(x) && t.kd.compareRecordKey(t.seg, t.rec(x, i), key) == 0

		if found {
			if !haveTarget {
				removed = t.rec(x, i)
				haveTarget = true
			}
			if t.leaf(x) {
				t.removeRecAt(x, i)
				return removed, true
			}
			y := t.child(x, i)
			z := t.child(x, i+1)
			switch {
			case t.keys(y) >= t.t:
				// Swap with the in order predecessor and delete it
				// from the left subtree instead
				predNode := t.subtreeMaxNode(y)
				pred := t.rec(predNode, t.keys(predNode)-1)
				t.setRec(x, i, pred)
				key = t.kd.keyFromRecord(t.seg, pred)
				x = y
			case t.keys(z) >= t.t:
				succNode := t.subtreeMinNode(z)
				succ := t.rec(succNode, 0)
				t.setRec(x, i, succ)
				key = t.kd.keyFromRecord(t.seg, succ)
				x = z
			default:
				// Both children minimal, pull the separator down and
				// retry inside the merged node
				x = t.mergeChildren(x, i)
			}
			continue
		}

		if t.leaf(x) {
			return shm.NilOffset, false
		}
		child := t.child(x, i)
		if t.keys(child) < t.t {
			t.fixChild(x, i)
			// The fix may have shifted records or pulled the target
			// key down, rescan the same node
			continue
		}
		x = child
	}
}

func (t *Tree) removeRecAt(x shm.Offset, i int) {
	for j := i; j < t.keys(x)-1; j++ {
		t.setRec(x, j, t.rec(x, j+1))
	}
	t.setRec(x, t.keys(x)-1, shm.NilOffset)
	t.setKeys(x, t.keys(x)-1)
}

// fixChild brings child i of x up to at least t records by borrowing
// from a sibling or merging with one.
func (t *Tree) fixChild(x shm.Offset, i int) {
	if i > 0 && t.keys(t.child(x, i-1)) >= t.t {
		t.rotateRight(x, i)
		return
	}
	if i < t.keys(x) && t.keys(t.child(x, i+1)) >= t.t {
		t.rotateLeft(x, i)
		return
	}
	if i < t.keys(x) {
		t.mergeChildren(x, i)
	} else {
		t.mergeChildren(x, i-1)
	}
}

// rotateRight moves the separator left of child i down into it and
// the left sibling's last record up into the separator slot.
func (t *Tree) rotateRight(x shm.Offset, i int) {
	left := t.child(x, i-1)
	c := t.child(x, i)

	for j := t.keys(c); j > 0; j-- {
		t.setRec(c, j, t.rec(c, j-1))
	}
	if !t.leaf(c) {
		for j := t.keys(c) + 1; j > 0; j-- {
			t.setChild(c, j, t.child(c, j-1))
		}
		t.setChild(c, 0, t.child(left, t.keys(left)))
	}
	t.setRec(c, 0, t.rec(x, i-1))
	t.setKeys(c, t.keys(c)+1)

	t.setRec(x, i-1, t.rec(left, t.keys(left)-1))
	t.setRec(left, t.keys(left)-1, shm.NilOffset)
	t.setKeys(left, t.keys(left)-1)
}

// rotateLeft moves the separator right of child i down into it and
// the right sibling's first record up into the separator slot.
func (t *Tree) rotateLeft(x shm.Offset, i int) {
	c := t.child(x, i)
	right := t.child(x, i+1)

	t.setRec(c, t.keys(c), t.rec(x, i))
	if !t.leaf(c) {
		t.setChild(c, t.keys(c)+1, t.child(right, 0))
	}
	t.setKeys(c, t.keys(c)+1)

	t.setRec(x, i, t.rec(right, 0))
	for j := 0; j < t.keys(right)-1; j++ {
		t.setRec(right, j, t.rec(right, j+1))
	}
	if !t.leaf(right) {
		for j := 0; j < t.keys(right); j++ {
			t.setChild(right, j, t.child(right, j+1))
		}
	}
	t.setRec(right, t.keys(right)-1, shm.NilOffset)
	t.setKeys(right, t.keys(right)-1)
}

// mergeChildren folds the separator at i and child i+1 into child i
// and returns the merged node.
func (t *Tree) mergeChildren(x shm.Offset, i int) shm.Offset {
	y := t.child(x, i)
	z := t.child(x, i+1)
	k := t.keys(y)

	t.setRec(y, k, t.rec(x, i))
	for j := 0; j < t.keys(z); j++ {
		t.setRec(y, k+1+j, t.rec(z, j))
	}
	if !t.leaf(y) {
		for j := 0; j <= t.keys(z); j++ {
			t.setChild(y, k+1+j, t.child(z, j))
		}
	}
	t.setKeys(y, k+1+t.keys(z))

	for j := i; j < t.keys(x)-1; j++ {
		t.setRec(x, j, t.rec(x, j+1))
	}
	for j := i + 1; j < t.keys(x); j++ {
		t.setChild(x, j, t.child(x, j+1))
	}
	t.setRec(x, t.keys(x)-1, shm.NilOffset)
	t.setKeys(x, t.keys(x)-1)

	t.freeNode(z)
	return y
}
