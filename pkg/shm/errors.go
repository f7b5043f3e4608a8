package shm

import "errors"

var (
	ErrBadMagic       = errors.New("segment magic does not match, not a signal segment or wrong version")
	ErrBadSize        = errors.New("segment file size does not match header")
	ErrTooSmall       = errors.New("requested segment size is too small")
	ErrCorruptSegment = errors.New("segment is corrupt")
	ErrWaitTimeout    = errors.New("wait timed out")
)
