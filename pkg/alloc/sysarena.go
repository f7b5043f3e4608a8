package alloc

import (
	"fmt"

	"github.com/covesa/vsi/pkg/shm"
)

// systemPool hands out fixed size B-tree nodes from the system area
// of the segment : a bump pointer plus an intrusive list of recycled
// nodes, both rooted in the segment header. It only ever serves one
// node size, which breaks the bootstrap cycle between the allocator
// and the free list trees that index its arena.
//
// The pool is mutated exclusively under the allocator mutex : the
// free list trees are only touched by allocator operations.
type systemPool struct {
	seg *shm.Segment
}

func (p systemPool) AllocNode(size uint64) (shm.Offset, error) {
	if want := p.seg.SysNodeSize(); size != want {
		panic(fmt.Errorf("%w: system pool serves %d byte nodes, asked for %d",
			shm.ErrCorruptSegment, want, size))
	}
	if head := p.seg.SysFreeHead(); !head.IsNil() {
		// Recycled nodes link through their first word
		p.seg.SetSysFreeHead(p.seg.Off(head))
		return head, nil
	}
	bump := p.seg.SysBump()
	if uint64(bump)+size > uint64(p.seg.SystemEnd()) {
		return shm.NilOffset, ErrOutOfMemory
	}
	p.seg.SetSysBump(bump + shm.Offset(size))
	return bump, nil
}

func (p systemPool) FreeNode(off shm.Offset, size uint64) {
	p.seg.PutOff(off, p.seg.SysFreeHead())
	p.seg.SetSysFreeHead(off)
}
