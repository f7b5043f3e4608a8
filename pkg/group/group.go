// Package group implements named sets of signals : aggregate fetch
// of the oldest or newest payload of every member, and multi signal
// waits that unblock on any or all members.
package group

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/covesa/vsi/pkg/alloc"
	"github.com/covesa/vsi/pkg/btree"
	"github.com/covesa/vsi/pkg/shm"
	"github.com/covesa/vsi/pkg/signal"
)

var (
	ErrUnknownGroup   = errors.New("group id is not defined")
	ErrDuplicateGroup = errors.New("group id already exists")
	ErrEmptyGroup     = errors.New("group has no member signals")
	ErrNotMember      = errors.New("signal is not a member of the group")
)

// Group record layout.
const (
	grpID    = shm.Offset(0)  // u64
	grpCount = shm.Offset(8)  // u64, member signals
	grpHead  = shm.Offset(16) // u64, first member node
	grpTail  = shm.Offset(24) // u64, last member node
	grpMutex = shm.Offset(32) // u32, guards the member list

	grpSize = uint64(40)
)

// Member node layout, an intrusive singly linked append only list.
const (
	memNext = shm.Offset(0) // u64
	memList = shm.Offset(8) // u64, signal_list offset of the member

	memSize = uint64(16)
)

// Payload buffer used for aggregate fetches. Payloads larger than
// the segment's block sizes are out of scope for the store.
const fetchBufSize = 4096

const groupOrder = 15

var groupKey = btree.KeyDef{Fields: []btree.Field{
	{Type: btree.FieldUint64, Offset: uint32(grpID), Size: 8},
}}

// A Registry is a process local handle onto the group directory of a
// segment.
type Registry struct {
	seg    *shm.Segment
	alloc  *alloc.Allocator
	store  *signal.Store
	logger *slog.Logger
	meta   shm.Mutex
	tree   *btree.Tree
}

// Result is the per member outcome of a group operation.
type Result struct {
	Domain uint64
	Signal uint64
	Data   []byte
	Status error
}

// Create initialises the group directory of a fresh segment.
func Create(seg *shm.Segment, al *alloc.Allocator, store *signal.Store, logger *slog.Logger) (*Registry, error) {
	tree, err := btree.Create(seg, logger, seg.CtrlBlock(shm.CtrlGroupID),
		seg.KeyDefSlot(shm.CtrlGroupID), al.UserArena(), btree.ArenaUser, groupOrder, groupKey)
	if err != nil {
		return nil, err
	}
	return newRegistry(seg, al, store, logger, tree), nil
}

// Open attaches to the group directory of an existing segment.
func Open(seg *shm.Segment, al *alloc.Allocator, store *signal.Store, logger *slog.Logger) (*Registry, error) {
	tree, err := btree.Open(seg, logger, seg.CtrlBlock(shm.CtrlGroupID), al.UserArena())
	if err != nil {
		return nil, err
	}
	return newRegistry(seg, al, store, logger, tree), nil
}

func newRegistry(seg *shm.Segment, al *alloc.Allocator, store *signal.Store,
	logger *slog.Logger, tree *btree.Tree) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		seg:    seg,
		alloc:  al,
		store:  store,
		logger: logger.With("service", "[GROUP]"),
		meta:   seg.MetaMutex(),
		tree:   tree,
	}
}

// CreateGroup registers a new empty group.
func (r *Registry) CreateGroup(groupID uint64) error {
	if groupID == 0 {
		return signal.ErrInvalidArgument
	}
	r.meta.Lock()
	defer r.meta.Unlock()
	if _, ok := r.tree.Search(btree.Key{groupID}); ok {
		return ErrDuplicateGroup
	}
	rec, err := r.alloc.Alloc(grpSize)
	if err != nil {
		return err
	}
	r.seg.Zero(rec, grpSize)
	r.seg.PutU64(rec+grpID, groupID)
	if err := r.tree.Insert(rec); err != nil {
		r.alloc.Free(rec)
		return err
	}
	r.logger.Debug("group created", "group", groupID)
	return nil
}

// DeleteGroup removes a group and frees its member list. The member
// signals themselves are untouched.
func (r *Registry) DeleteGroup(groupID uint64) error {
	r.meta.Lock()
	rec, ok := r.tree.Delete(btree.Key{groupID})
	r.meta.Unlock()
	if !ok {
		return ErrUnknownGroup
	}
	node := r.seg.Off(rec + grpHead)
	for !node.IsNil() {
		next := r.seg.Off(node + memNext)
		r.alloc.Free(node)
		node = next
	}
	r.alloc.Free(rec)
	return nil
}

func (r *Registry) lookup(groupID uint64) (shm.Offset, error) {
	rec, ok := r.tree.Search(btree.Key{groupID})
	if !ok {
		return shm.NilOffset, ErrUnknownGroup
	}
	return rec, nil
}

// AddSignal appends a signal to a group's member list, creating the
// signal on first use like an insert would.
func (r *Registry) AddSignal(domain, sig, groupID uint64) error {
	rec, err := r.lookup(groupID)
	if err != nil {
		return err
	}
	listOff, err := r.store.EnsureOffset(domain, sig)
	if err != nil {
		return err
	}
	node, err := r.alloc.Alloc(memSize)
	if err != nil {
		return err
	}
	r.seg.PutOff(node+memNext, shm.NilOffset)
	r.seg.PutOff(node+memList, listOff)

	mu := r.seg.MutexAt(rec + grpMutex)
	mu.Lock()
	tail := r.seg.Off(rec + grpTail)
	if tail.IsNil() {
		r.seg.PutOff(rec+grpHead, node)
	} else {
		r.seg.PutOff(tail+memNext, node)
	}
	r.seg.PutOff(rec+grpTail, node)
	r.seg.PutU64(rec+grpCount, r.seg.U64(rec+grpCount)+1)
	mu.Unlock()
	return nil
}

// RemoveSignal unlinks a signal from a group's member list.
func (r *Registry) RemoveSignal(domain, sig, groupID uint64) error {
	rec, err := r.lookup(groupID)
	if err != nil {
		return err
	}
	listOff, ok := r.store.LookupOffset(domain, sig)
	if !ok {
		return signal.ErrUnknownSignal
	}

	mu := r.seg.MutexAt(rec + grpMutex)
	mu.Lock()
	var prev shm.Offset
	node := r.seg.Off(rec + grpHead)
	for !node.IsNil() && r.seg.Off(node+memList) != listOff {
		prev, node = node, r.seg.Off(node+memNext)
	}
	if node.IsNil() {
		mu.Unlock()
		return ErrNotMember
	}
	next := r.seg.Off(node + memNext)
	if prev.IsNil() {
		r.seg.PutOff(rec+grpHead, next)
	} else {
		r.seg.PutOff(prev+memNext, next)
	}
	if r.seg.Off(rec+grpTail) == node {
		r.seg.PutOff(rec+grpTail, prev)
	}
	r.seg.PutU64(rec+grpCount, r.seg.U64(rec+grpCount)-1)
	mu.Unlock()

	r.alloc.Free(node)
	return nil
}

// members snapshots the member signal_list offsets in insertion
// order.
func (r *Registry) members(rec shm.Offset) []shm.Offset {
	mu := r.seg.MutexAt(rec + grpMutex)
	mu.Lock()
	defer mu.Unlock()
	var lists []shm.Offset
	for node := r.seg.Off(rec + grpHead); !node.IsNil(); node = r.seg.Off(node + memNext) {
		lists = append(lists, r.seg.Off(node+memList))
	}
	return lists
}

// Members reports the (domain, signal) pairs of a group in insertion
// order.
func (r *Registry) Members(groupID uint64) ([]signal.Info, error) {
	rec, err := r.lookup(groupID)
	if err != nil {
		return nil, err
	}
	var infos []signal.Info
	for _, listOff := range r.members(rec) {
		infos = append(infos, r.store.InfoAt(listOff))
	}
	return infos, nil
}

// Groups snapshots every group id in order.
func (r *Registry) Groups() []uint64 {
	var ids []uint64
	for it := r.tree.Begin(); !it.AtEnd(); {
		rec, err := it.Record()
		if err != nil {
			break
		}
		ids = append(ids, r.seg.U64(rec+grpID))
		if err := it.Next(); err != nil {
			break
		}
	}
	return ids
}

// fetch runs one non blocking fetch per member and fills a result
// slot for each, in member insertion order. The call itself succeeds
// even when individual members report ErrNoData.
func (r *Registry) fetch(groupID uint64, newest bool) ([]Result, error) {
	rec, err := r.lookup(groupID)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, listOff := range r.members(rec) {
		info := r.store.InfoAt(listOff)
		res := Result{Domain: info.Domain, Signal: info.Signal}
		buf := make([]byte, fetchBufSize)
		var n int
		if newest {
			n, res.Status = r.store.FetchNewest(context.Background(), info.Domain, info.Signal, buf, false)
		} else {
			n, res.Status = r.store.FetchOldest(context.Background(), info.Domain, info.Signal, buf, false)
		}
		if res.Status == nil {
			res.Data = buf[:n]
		}
		results = append(results, res)
	}
	return results, nil
}

// Newest peeks the newest payload of every member.
func (r *Registry) Newest(groupID uint64) ([]Result, error) {
	return r.fetch(groupID, true)
}

// Oldest pops the oldest payload of every member.
func (r *Registry) Oldest(groupID uint64) ([]Result, error) {
	return r.fetch(groupID, false)
}

// ListenAny blocks until any member signal receives a payload and
// returns that payload. Exactly one payload is consumed : the losing
// workers are roused through a broadcast on their queue semaphores
// and observe the cancelled claim.
func (r *Registry) ListenAny(ctx context.Context, groupID uint64) (Result, error) {
	rec, err := r.lookup(groupID)
	if err != nil {
		return Result{}, err
	}
	lists := r.members(rec)
	if len(lists) == 0 {
		return Result{}, ErrEmptyGroup
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var winner atomic.Bool
	claim := func() bool { return winner.CompareAndSwap(false, true) }

	results := make(chan Result, len(lists))
	var wg sync.WaitGroup
	wg.Add(len(lists))
	for _, listOff := range lists {
		info := r.store.InfoAt(listOff)
		go func(domain, sig uint64) {
			defer wg.Done()
			buf := make([]byte, fetchBufSize)
			n, err := r.store.FetchOldestGated(workerCtx, domain, sig, buf, claim)
			if err != nil {
				return
			}
			results <- Result{Domain: domain, Signal: sig, Data: buf[:n]}
		}(info.Domain, info.Signal)
	}

	// Rouse every sleeping worker once the race is decided or the
	// caller gives up
	go func() {
		<-workerCtx.Done()
		for _, listOff := range lists {
			r.store.Semaphore(listOff).Broadcast()
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case res := <-results:
		cancel()
		<-done
		return res, nil
	case <-done:
		// Every worker gave up without a payload
		select {
		case res := <-results:
			return res, nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		return Result{}, signal.ErrNoData
	}
}

// ListenAll blocks until every member signal delivers one payload
// and returns them in member insertion order. Each slot carries its
// own status, a timeout leaves the undelivered slots marked.
func (r *Registry) ListenAll(ctx context.Context, groupID uint64) ([]Result, error) {
	return r.listenEvery(ctx, groupID, false)
}

// NewestWait blocks until every member signal holds at least one
// payload and peeks the newest of each without consuming anything.
func (r *Registry) NewestWait(ctx context.Context, groupID uint64) ([]Result, error) {
	return r.listenEvery(ctx, groupID, true)
}

func (r *Registry) listenEvery(ctx context.Context, groupID uint64, newest bool) ([]Result, error) {
	rec, err := r.lookup(groupID)
	if err != nil {
		return nil, err
	}
	lists := r.members(rec)
	if len(lists) == 0 {
		return nil, ErrEmptyGroup
	}

	results := make([]Result, len(lists))
	var wg sync.WaitGroup
	wg.Add(len(lists))
	for i, listOff := range lists {
		info := r.store.InfoAt(listOff)
		results[i] = Result{Domain: info.Domain, Signal: info.Signal}
		go func(slot *Result) {
			defer wg.Done()
			buf := make([]byte, fetchBufSize)
			var n int
			var err error
			if newest {
				n, err = r.store.FetchNewest(ctx, slot.Domain, slot.Signal, buf, true)
			} else {
				n, err = r.store.FetchOldest(ctx, slot.Domain, slot.Signal, buf, true)
			}
			if err != nil {
				slot.Status = err
				return
			}
			slot.Data = buf[:n]
		}(&results[i])
	}
	wg.Wait()
	return results, nil
}

// FlushGroup flushes the queue of every member signal.
func (r *Registry) FlushGroup(groupID uint64) error {
	rec, err := r.lookup(groupID)
	if err != nil {
		return err
	}
	for _, listOff := range r.members(rec) {
		info := r.store.InfoAt(listOff)
		if err := r.store.Flush(info.Domain, info.Signal); err != nil {
			return err
		}
	}
	return nil
}
