// Package signal implements the signal store : per signal FIFO
// queues of timestamped payloads living in the shared segment,
// indexed by (domain, signal), by (domain, name) and optionally by
// (domain, private id). Fetching the oldest payload is destructive,
// fetching the newest is a peek, both can block across processes
// until data arrives.
package signal

import (
	"context"
	"errors"
	"log/slog"

	"github.com/covesa/vsi/pkg/alloc"
	"github.com/covesa/vsi/pkg/btree"
	"github.com/covesa/vsi/pkg/shm"
)

var (
	ErrNoData          = errors.New("no data queued for signal")
	ErrUnknownSignal   = errors.New("signal name is not defined")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrRedefined       = errors.New("signal already defined differently")
)

// MaxNameLen bounds signal names so that name comparisons in the
// directory tree are never truncated.
const MaxNameLen = btree.MaxStringKey - 1

// Directory tree order.
const dirOrder = 15

// A Store is a process local handle onto the signal directories of a
// segment.
type Store struct {
	seg    *shm.Segment
	alloc  *alloc.Allocator
	logger *slog.Logger
	meta   shm.Mutex
	byID   *btree.Tree
	byName *btree.Tree
	byPriv *btree.Tree
}

var idKey = btree.KeyDef{Fields: []btree.Field{
	{Type: btree.FieldUint64, Offset: uint32(listDomain), Size: 8},
	{Type: btree.FieldUint64, Offset: uint32(listSignal), Size: 8},
}}

var nameKey = btree.KeyDef{Fields: []btree.Field{
	{Type: btree.FieldUint64, Offset: uint32(listDomain), Size: 8},
	{Type: btree.FieldString, Offset: uint32(listName), Size: 8},
}}

var privKey = btree.KeyDef{Fields: []btree.Field{
	{Type: btree.FieldUint64, Offset: uint32(listDomain), Size: 8},
	{Type: btree.FieldUint64, Offset: uint32(listPrivate), Size: 8},
}}

// Create initialises the three directory trees of a fresh segment.
func Create(seg *shm.Segment, al *alloc.Allocator, logger *slog.Logger) (*Store, error) {
	arena := al.UserArena()
	byID, err := btree.Create(seg, logger, seg.CtrlBlock(shm.CtrlSignalID),
		seg.KeyDefSlot(shm.CtrlSignalID), arena, btree.ArenaUser, dirOrder, idKey)
	if err != nil {
		return nil, err
	}
	byName, err := btree.Create(seg, logger, seg.CtrlBlock(shm.CtrlSignalName),
		seg.KeyDefSlot(shm.CtrlSignalName), arena, btree.ArenaUser, dirOrder, nameKey)
	if err != nil {
		return nil, err
	}
	byPriv, err := btree.Create(seg, logger, seg.CtrlBlock(shm.CtrlPrivateID),
		seg.KeyDefSlot(shm.CtrlPrivateID), arena, btree.ArenaUser, dirOrder, privKey)
	if err != nil {
		return nil, err
	}
	return newStore(seg, al, logger, byID, byName, byPriv), nil
}

// Open attaches to the directories of an existing segment.
func Open(seg *shm.Segment, al *alloc.Allocator, logger *slog.Logger) (*Store, error) {
	arena := al.UserArena()
	byID, err := btree.Open(seg, logger, seg.CtrlBlock(shm.CtrlSignalID), arena)
	if err != nil {
		return nil, err
	}
	byName, err := btree.Open(seg, logger, seg.CtrlBlock(shm.CtrlSignalName), arena)
	if err != nil {
		return nil, err
	}
	byPriv, err := btree.Open(seg, logger, seg.CtrlBlock(shm.CtrlPrivateID), arena)
	if err != nil {
		return nil, err
	}
	return newStore(seg, al, logger, byID, byName, byPriv), nil
}

func newStore(seg *shm.Segment, al *alloc.Allocator, logger *slog.Logger,
	byID, byName, byPriv *btree.Tree) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		seg:    seg,
		alloc:  al,
		logger: logger.With("service", "[SIGNAL]"),
		meta:   seg.MetaMutex(),
		byID:   byID,
		byName: byName,
		byPriv: byPriv,
	}
}

// LookupOffset returns the signal_list record offset for a pair, used
// by the group registry to reference members.
func (s *Store) LookupOffset(domain, signal uint64) (shm.Offset, bool) {
	return s.byID.Search(btree.Key{domain, signal})
}

// EnsureOffset returns the signal_list record offset for a pair,
// creating an unnamed signal when none exists yet.
func (s *Store) EnsureOffset(domain, signal uint64) (shm.Offset, error) {
	if domain == 0 || signal == 0 {
		return shm.NilOffset, ErrInvalidArgument
	}
	if rec, ok := s.LookupOffset(domain, signal); ok {
		return rec, nil
	}
	s.meta.Lock()
	defer s.meta.Unlock()
	if rec, ok := s.LookupOffset(domain, signal); ok {
		return rec, nil
	}
	return s.createList(domain, signal, 0, "")
}

// Define registers a signal under its numeric id, its name and, when
// private is non zero, its alternate private id. Defining an already
// known signal is accepted as long as nothing contradicts the
// existing record.
func (s *Store) Define(domain, signal, private uint64, name string) error {
	if domain == 0 || signal == 0 {
		return ErrInvalidArgument
	}
	if len(name) > MaxNameLen {
		return ErrInvalidArgument
	}

	s.meta.Lock()
	defer s.meta.Unlock()

	rec, ok := s.LookupOffset(domain, signal)
	if !ok {
		_, err := s.createList(domain, signal, private, name)
		return err
	}

	// The pair exists, fill in whatever the existing record is
	// missing and reject contradictions
	if name != "" {
		if nameOff := s.seg.Off(rec + listName); nameOff.IsNil() {
			strOff, err := s.storeName(name)
			if err != nil {
				return err
			}
			s.seg.PutOff(rec+listName, strOff)
			if err := s.byName.Insert(rec); err != nil {
				return err
			}
		} else if s.seg.CString(s.seg.Off(rec+listName)) != name {
			return ErrRedefined
		}
	}
	if private != 0 {
		if existing := s.seg.U64(rec + listPrivate); existing == 0 {
			s.seg.PutU64(rec+listPrivate, private)
			if err := s.byPriv.Insert(rec); err != nil {
				return err
			}
		} else if existing != private {
			return ErrRedefined
		}
	}
	return nil
}

// createList allocates and indexes a fresh signal_list. Caller holds
// the meta mutex.
func (s *Store) createList(domain, signal, private uint64, name string) (shm.Offset, error) {
	rec, err := s.alloc.Alloc(listSize)
	if err != nil {
		return shm.NilOffset, err
	}
	s.seg.Zero(rec, listSize)
	s.seg.PutU64(rec+listDomain, domain)
	s.seg.PutU64(rec+listSignal, signal)
	s.seg.PutU64(rec+listPrivate, private)
	s.seg.InitSemaphore(rec + listSem)

	if name != "" {
		strOff, err := s.storeName(name)
		if err != nil {
			s.alloc.Free(rec)
			return shm.NilOffset, err
		}
		s.seg.PutOff(rec+listName, strOff)
	}

	if err := s.byID.Insert(rec); err != nil {
		return shm.NilOffset, err
	}
	if name != "" {
		if err := s.byName.Insert(rec); err != nil {
			return shm.NilOffset, err
		}
	}
	if private != 0 {
		if err := s.byPriv.Insert(rec); err != nil {
			return shm.NilOffset, err
		}
	}
	s.logger.Debug("signal created", "domain", domain, "signal", signal, "name", name)
	return rec, nil
}

func (s *Store) storeName(name string) (shm.Offset, error) {
	strOff, err := s.alloc.Alloc(uint64(len(name)) + 1)
	if err != nil {
		return shm.NilOffset, err
	}
	s.seg.PutCString(strOff, name)
	return strOff, nil
}

// Insert appends one payload to the signal's queue, creating the
// signal on first use. The queue's condition variable is posted so
// one blocked consumer wakes up.
func (s *Store) Insert(domain, signal uint64, data []byte) error {
	if len(data) == 0 {
		return ErrInvalidArgument
	}
	rec, err := s.EnsureOffset(domain, signal)
	if err != nil {
		return err
	}

	block, err := s.alloc.Alloc(dataHdrSize + uint64(len(data)))
	if err != nil {
		return err
	}
	s.seg.PutOff(block+dataNext, shm.NilOffset)
	s.seg.PutU64(block+dataSize, uint64(len(data)))
	copy(s.seg.Bytes(block+dataPayload, uint64(len(data))), data)

	sem := s.seg.SemaphoreAt(rec + listSem)
	sem.Lock()
	tail := s.seg.Off(rec + listTail)
	if tail.IsNil() {
		s.seg.PutOff(rec+listHead, block)
	} else {
		s.seg.PutOff(tail+dataNext, block)
	}
	s.seg.PutOff(rec+listTail, block)
	s.seg.PutU64(rec+listCount, s.seg.U64(rec+listCount)+1)
	s.seg.PutU64(rec+listBytes, s.seg.U64(rec+listBytes)+uint64(len(data)))
	sem.PostLocked()
	sem.Unlock()
	return nil
}

// FetchOldest pops the oldest payload into buf and returns the bytes
// copied. With wait set the call blocks until a producer posts the
// queue, the context is cancelled, or its deadline passes. Without
// wait an empty (or unknown) queue returns ErrNoData.
func (s *Store) FetchOldest(ctx context.Context, domain, signal uint64, buf []byte, wait bool) (int, error) {
	rec, ok := s.LookupOffset(domain, signal)
	if !ok {
		if !wait {
			return 0, ErrNoData
		}
		// A blocking fetch may precede the first insert, bring the
		// queue into existence and wait on it
		var err error
		rec, err = s.EnsureOffset(domain, signal)
		if err != nil {
			return 0, err
		}
	}

	sem := s.seg.SemaphoreAt(rec + listSem)
	sem.Lock()
	for s.seg.U64(rec+listCount) == 0 {
		if !wait {
			sem.Unlock()
			return 0, ErrNoData
		}
		if err := sem.WaitLocked(ctx); err != nil {
			sem.Unlock()
			return 0, err
		}
	}

	head, n := s.popHead(rec, buf)
	sem.ConsumeLocked()
	sem.Unlock()

	s.alloc.Free(head)
	return n, nil
}

// popHead unlinks the head payload and copies it into buf. Caller
// holds the queue semaphore and has verified the queue is non empty.
// The caller frees the returned block after releasing the semaphore.
func (s *Store) popHead(rec shm.Offset, buf []byte) (shm.Offset, int) {
	head := s.seg.Off(rec + listHead)
	msgSize := s.seg.U64(head + dataSize)
	n := copy(buf, s.seg.Bytes(head+dataPayload, msgSize))

	next := s.seg.Off(head + dataNext)
	s.seg.PutOff(rec+listHead, next)
	if next.IsNil() {
		s.seg.PutOff(rec+listTail, shm.NilOffset)
	}
	s.seg.PutU64(rec+listCount, s.seg.U64(rec+listCount)-1)
	s.seg.PutU64(rec+listBytes, s.seg.U64(rec+listBytes)-msgSize)
	return head, n
}

// FetchOldestGated is a blocking FetchOldest whose pop is guarded by
// a claim : once the queue turns non empty, claim decides whether
// this caller may consume. A rejected claim returns ErrNoData without
// touching the queue. Listen races use this so that exactly one
// member payload is consumed.
func (s *Store) FetchOldestGated(ctx context.Context, domain, signal uint64, buf []byte, claim func() bool) (int, error) {
	rec, err := s.EnsureOffset(domain, signal)
	if err != nil {
		return 0, err
	}

	sem := s.seg.SemaphoreAt(rec + listSem)
	sem.Lock()
	for s.seg.U64(rec+listCount) == 0 {
		if err := sem.WaitLocked(ctx); err != nil {
			sem.Unlock()
			return 0, err
		}
	}
	if !claim() {
		sem.Unlock()
		return 0, ErrNoData
	}
	head, n := s.popHead(rec, buf)
	sem.ConsumeLocked()
	sem.Unlock()

	s.alloc.Free(head)
	return n, nil
}

// FetchNewest copies the newest payload into buf without removing it
// from the queue. Blocking behaviour matches FetchOldest.
func (s *Store) FetchNewest(ctx context.Context, domain, signal uint64, buf []byte, wait bool) (int, error) {
	rec, ok := s.LookupOffset(domain, signal)
	if !ok {
		if !wait {
			return 0, ErrNoData
		}
		var err error
		rec, err = s.EnsureOffset(domain, signal)
		if err != nil {
			return 0, err
		}
	}

	sem := s.seg.SemaphoreAt(rec + listSem)
	sem.Lock()
	for s.seg.U64(rec+listCount) == 0 {
		if !wait {
			sem.Unlock()
			return 0, ErrNoData
		}
		if err := sem.WaitLocked(ctx); err != nil {
			sem.Unlock()
			return 0, err
		}
	}

	tail := s.seg.Off(rec + listTail)
	msgSize := s.seg.U64(tail + dataSize)
	n := copy(buf, s.seg.Bytes(tail+dataPayload, msgSize))
	sem.Unlock()
	return n, nil
}

// Flush discards every queued payload of a signal. The signal itself
// stays defined. Flushing an unknown signal is a no-op.
func (s *Store) Flush(domain, signal uint64) error {
	rec, ok := s.LookupOffset(domain, signal)
	if !ok {
		return nil
	}

	sem := s.seg.SemaphoreAt(rec + listSem)
	sem.Lock()
	var blocks []shm.Offset
	for head := s.seg.Off(rec + listHead); !head.IsNil(); head = s.seg.Off(head + dataNext) {
		blocks = append(blocks, head)
	}
	s.seg.PutOff(rec+listHead, shm.NilOffset)
	s.seg.PutOff(rec+listTail, shm.NilOffset)
	s.seg.PutU64(rec+listCount, 0)
	s.seg.PutU64(rec+listBytes, 0)
	sem.ResetLocked()
	sem.Unlock()

	for _, block := range blocks {
		s.alloc.Free(block)
	}
	return nil
}

// NameToID resolves a signal name to its numeric ids.
func (s *Store) NameToID(domain uint64, name string) (signal, private uint64, err error) {
	if domain == 0 || name == "" {
		return 0, 0, ErrInvalidArgument
	}
	rec, ok := s.byName.Search(btree.Key{domain, name})
	if !ok {
		return 0, 0, ErrUnknownSignal
	}
	return s.seg.U64(rec + listSignal), s.seg.U64(rec + listPrivate), nil
}

// PrivateToID resolves a private id to the signal id.
func (s *Store) PrivateToID(domain, private uint64) (uint64, error) {
	if domain == 0 || private == 0 {
		return 0, ErrInvalidArgument
	}
	rec, ok := s.byPriv.Search(btree.Key{domain, private})
	if !ok {
		return 0, ErrUnknownSignal
	}
	return s.seg.U64(rec + listSignal), nil
}

// IDToName resolves a signal id to its name. Unnamed and unknown
// signals both report ErrUnknownSignal.
func (s *Store) IDToName(domain, signal uint64) (string, error) {
	rec, ok := s.LookupOffset(domain, signal)
	if !ok {
		return "", ErrUnknownSignal
	}
	nameOff := s.seg.Off(rec + listName)
	if nameOff.IsNil() {
		return "", ErrUnknownSignal
	}
	return s.seg.CString(nameOff), nil
}

// Depth returns the number of queued payloads for a signal.
func (s *Store) Depth(domain, signal uint64) (uint64, error) {
	rec, ok := s.LookupOffset(domain, signal)
	if !ok {
		return 0, ErrUnknownSignal
	}
	return s.seg.U64(rec + listCount), nil
}

// Semaphore exposes the queue semaphore of a signal, used by the
// group registry to rouse listen workers.
func (s *Store) Semaphore(rec shm.Offset) shm.Semaphore {
	return s.seg.SemaphoreAt(rec + listSem)
}

// Signals snapshots every defined signal in id order.
func (s *Store) Signals() []Info {
	var infos []Info
	for it := s.byID.Begin(); !it.AtEnd(); {
		rec, err := it.Record()
		if err != nil {
			break
		}
		infos = append(infos, s.InfoAt(rec))
		if err := it.Next(); err != nil {
			break
		}
	}
	return infos
}
