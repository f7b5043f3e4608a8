package signal

import "github.com/covesa/vsi/pkg/shm"

// signal_list record layout. One record exists per live
// (domain, signal) pair, allocated in the user arena and indexed by
// up to three directory trees.
const (
	listDomain  = shm.Offset(0)  // u64
	listSignal  = shm.Offset(8)  // u64
	listPrivate = shm.Offset(16) // u64, 0 = none
	listName    = shm.Offset(24) // u64, offset of NUL string, 0 = unnamed
	listHead    = shm.Offset(32) // u64, first payload block
	listTail    = shm.Offset(40) // u64, last payload block
	listCount   = shm.Offset(48) // u64, queued payloads
	listBytes   = shm.Offset(56) // u64, queued payload bytes
	listSem     = shm.Offset(64) // semaphore guarding head/tail/counts

	listSize = uint64(64) + uint64(shm.SemaphoreSize)
)

// signal_data payload block layout, intrusively linked from head to
// tail within one queue.
const (
	dataNext    = shm.Offset(0) // u64
	dataSize    = shm.Offset(8) // u64, payload bytes as supplied
	dataPayload = shm.Offset(16)

	dataHdrSize = uint64(16)
)

// Info is a point in time snapshot of one signal queue.
type Info struct {
	Domain  uint64
	Signal  uint64
	Private uint64
	Name    string
	Depth   uint64
	Bytes   uint64
}

// InfoAt reads a snapshot of the signal_list record at rec.
func (s *Store) InfoAt(rec shm.Offset) Info {
	info := Info{
		Domain:  s.seg.U64(rec + listDomain),
		Signal:  s.seg.U64(rec + listSignal),
		Private: s.seg.U64(rec + listPrivate),
		Depth:   s.seg.U64(rec + listCount),
		Bytes:   s.seg.U64(rec + listBytes),
	}
	if nameOff := s.seg.Off(rec + listName); !nameOff.IsNil() {
		info.Name = s.seg.CString(nameOff)
	}
	return info
}
