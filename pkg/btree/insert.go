package btree

import "github.com/covesa/vsi/pkg/shm"

// Insert adds the record at rec to the tree. Duplicate keys are
// accepted. The only failure mode is node allocation exhaustion.
func (t *Tree) Insert(rec shm.Offset) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bumpGeneration()

	root := t.root()
	if root.IsNil() {
		n, err := t.allocNode(0)
		if err != nil {
			return err
		}
		t.setRec(n, 0, rec)
		t.setKeys(n, 1)
		t.setRoot(n)
		t.setCount(1)
		return nil
	}

	if t.keys(root) == t.max {
		// Grow the tree by one level : new empty root, old root as
		// its single child, then split
		newRoot, err := t.allocNode(t.level(root) + 1)
		if err != nil {
			return err
		}
		t.setChild(newRoot, 0, root)
		if err := t.splitChild(newRoot, 0); err != nil {
			// Undo the grow so the tree stays valid
			t.setParent(root, shm.NilOffset)
			t.freeNode(newRoot)
			return err
		}
		t.setRoot(newRoot)
		root = newRoot
	}

	if err := t.insertNonFull(root, rec); err != nil {
		return err
	}
	t.setCount(t.Count() + 1)
	return nil
}

// splitChild splits the full i-th child of x around its median
// record, which moves up into x. x must not be full.
func (t *Tree) splitChild(x shm.Offset, i int) error {
	y := t.child(x, i)
	z, err := t.allocNode(t.level(y))
	if err != nil {
		return err
	}

	// Upper half of y moves to z
	for j := 0; j < t.t-1; j++ {
		t.setRec(z, j, t.rec(y, j+t.t))
	}
	if !t.leaf(y) {
		for j := 0; j < t.t; j++ {
			t.setChild(z, j, t.child(y, j+t.t))
		}
	}
	t.setKeys(z, t.t-1)
	median := t.rec(y, t.t-1)
	t.setKeys(y, t.t-1)

	// Shift x to make room for the median and the new child
	for j := t.keys(x); j > i; j-- {
		t.setRec(x, j, t.rec(x, j-1))
	}
	for j := t.keys(x) + 1; j > i+1; j-- {
		t.setChild(x, j, t.child(x, j-1))
	}
	t.setRec(x, i, median)
	t.setChild(x, i+1, z)
	t.setKeys(x, t.keys(x)+1)
	return nil
}

// insertNonFull descends from x, splitting any full node before
// entering it, and places rec in the proper leaf.
func (t *Tree) insertNonFull(x shm.Offset, rec shm.Offset) error {
	for {
		i := t.keys(x) - 1
		if t.leaf(x) {
			for i >= 0 && t.kd.compareRecords(t.seg, rec, t.rec(x, i)) < 0 {
				t.setRec(x, i+1, t.rec(x, i))
				i--
			}
			t.setRec(x, i+1, rec)
			t.setKeys(x, t.keys(x)+1)
			return nil
		}
		for i >= 0 && t.kd.compareRecords(t.seg, rec, t.rec(x, i)) < 0 {
			i--
		}
		i++
		if t.keys(t.child(x, i)) == t.max {
			if err := t.splitChild(x, i); err != nil {
				return err
			}
			if t.kd.compareRecords(t.seg, rec, t.rec(x, i)) >= 0 {
				i++
			}
		}
		x = t.child(x, i)
	}
}
