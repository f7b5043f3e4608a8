// Package shm implements the shared memory substrate of the signal
// store : a memory mapped file holding all state, addressed through
// position independent offsets, with process shared futex based
// mutexes and condition variables.
package shm

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
)

const (
	// DefaultSize is the default total segment size.
	DefaultSize = uint64(64 << 20)
	// DefaultSystemSize is the default slice of the segment reserved
	// for allocator metadata (free list tree nodes).
	DefaultSystemSize = uint64(4 << 20)

	minSegmentSize = uint64(1 << 20)
)

// Options for creating or opening a segment.
type Options struct {
	Path       string
	Size       uint64 // total mapping size, only used on create
	SystemSize uint64 // allocator metadata area size, only used on create
	Logger     *slog.Logger
}

// A Segment is one process' mapping of the shared memory file.
// All accessor methods take offsets from the start of the mapping and
// panic on out of range accesses : an offset that escapes the segment
// can only come from corrupted state and there is no recovering from
// that.
type Segment struct {
	logger *slog.Logger
	path   string
	file   *os.File
	data   []byte
	size   uint64
}

// Create truncates (or creates) the file at opts.Path, resizes it to
// opts.Size and initialises a fresh segment header.
func Create(opts Options) (*Segment, error) {
	if opts.Size == 0 {
		opts.Size = DefaultSize
	}
	if opts.SystemSize == 0 {
		opts.SystemSize = DefaultSystemSize
	}
	if opts.Size < minSegmentSize || opts.SystemSize+headerSize >= opts.Size {
		return nil, ErrTooSmall
	}
	f, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(opts.Size)); err != nil {
		f.Close()
		return nil, err
	}
	seg, err := mapSegment(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	seg.initHeader(opts.SystemSize)
	seg.logger.Info("created segment", "path", opts.Path, "size", opts.Size, "systemSize", opts.SystemSize)
	return seg, nil
}

// Open maps an existing segment file and verifies its header.
func Open(opts Options) (*Segment, error) {
	f, err := os.OpenFile(opts.Path, os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	opts.Size = uint64(info.Size())
	seg, err := mapSegment(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := seg.verifyHeader(); err != nil {
		seg.Close()
		return nil, err
	}
	seg.logger.Debug("opened segment", "path", opts.Path, "size", opts.Size)
	return seg, nil
}

// Close unmaps the segment and closes the backing file. The shared
// state stays behind for other processes.
func (s *Segment) Close() error {
	if s.data != nil {
		if err := unmap(s.data); err != nil {
			return err
		}
		s.data = nil
	}
	return s.file.Close()
}

// Destroy unmaps the segment and removes the backing file.
func (s *Segment) Destroy() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Size returns the total mapping size.
func (s *Segment) Size() uint64 { return s.size }

func (s *Segment) check(off Offset, n uint64) {
	if off.IsNil() || uint64(off)+n > s.size {
		panic(fmt.Errorf("%w: access of %d bytes at offset %d (segment size %d)",
			ErrCorruptSegment, n, off, s.size))
	}
}

// U64 loads a little endian uint64 at off.
func (s *Segment) U64(off Offset) uint64 {
	s.check(off, 8)
	return binary.LittleEndian.Uint64(s.data[off:])
}

// PutU64 stores a little endian uint64 at off.
func (s *Segment) PutU64(off Offset, v uint64) {
	s.check(off, 8)
	binary.LittleEndian.PutUint64(s.data[off:], v)
}

// U32 loads a little endian uint32 at off.
func (s *Segment) U32(off Offset) uint32 {
	s.check(off, 4)
	return binary.LittleEndian.Uint32(s.data[off:])
}

// PutU32 stores a little endian uint32 at off.
func (s *Segment) PutU32(off Offset, v uint32) {
	s.check(off, 4)
	binary.LittleEndian.PutUint32(s.data[off:], v)
}

// Off loads an Offset stored at off.
func (s *Segment) Off(off Offset) Offset { return Offset(s.U64(off)) }

// PutOff stores an Offset at off.
func (s *Segment) PutOff(off Offset, v Offset) { s.PutU64(off, uint64(v)) }

// Bytes returns the n byte window of the segment starting at off.
// The window aliases the mapping, writes through it are shared.
func (s *Segment) Bytes(off Offset, n uint64) []byte {
	if n == 0 {
		return nil
	}
	s.check(off, n)
	return s.data[off : uint64(off)+n : uint64(off)+n]
}

// Zero clears n bytes starting at off.
func (s *Segment) Zero(off Offset, n uint64) {
	b := s.Bytes(off, n)
	for i := range b {
		b[i] = 0
	}
}

// CString reads the NUL terminated string stored at off. The result
// is a copy, it stays valid after the segment record is freed.
func (s *Segment) CString(off Offset) string {
	s.check(off, 1)
	end := uint64(off)
	for end < s.size && s.data[end] != 0 {
		end++
	}
	if end == s.size {
		panic(fmt.Errorf("%w: unterminated string at offset %d", ErrCorruptSegment, off))
	}
	return string(s.data[off:end])
}

// PutCString stores str at off followed by a NUL terminator.
func (s *Segment) PutCString(off Offset, str string) {
	b := s.Bytes(off, uint64(len(str))+1)
	copy(b, str)
	b[len(str)] = 0
}
