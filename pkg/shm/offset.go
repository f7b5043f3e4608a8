package shm

// Offset is a byte distance from the start of the mapped segment.
// It is the position independent replacement for a native pointer :
// every process maps the segment at a different virtual address, so
// structures stored inside the segment may only reference each other
// through offsets. Offset 0 points at the segment magic and is never
// a valid target, it doubles as the nil sentinel.
type Offset uint64

const NilOffset Offset = 0

func (o Offset) IsNil() bool { return o == 0 }

// Align8 rounds n up to the next multiple of 8.
func Align8(n uint64) uint64 {
	return (n + 7) &^ 7
}
