//go:build linux

package shm

import (
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

func mapSegment(f *os.File, opts Options) (*Segment, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(opts.Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Segment{
		logger: logger.With("service", "[SHM]"),
		path:   opts.Path,
		file:   f,
		data:   data,
		size:   opts.Size,
	}, nil
}

func unmap(data []byte) error {
	return unix.Munmap(data)
}
