package vsi

import (
	"github.com/covesa/vsi/pkg/alloc"
	"github.com/covesa/vsi/pkg/group"
	"github.com/covesa/vsi/pkg/shm"
	"github.com/covesa/vsi/pkg/signal"
)

// The canonical error taxonomy of the store. Each condition is owned
// by the package that detects it, re-exported here so callers can
// match against one set.
var (
	ErrOutOfMemory     = alloc.ErrOutOfMemory
	ErrNoData          = signal.ErrNoData
	ErrUnknownSignal   = signal.ErrUnknownSignal
	ErrUnknownGroup    = group.ErrUnknownGroup
	ErrDuplicateGroup  = group.ErrDuplicateGroup
	ErrInvalidArgument = signal.ErrInvalidArgument
	ErrCorruptSegment  = shm.ErrCorruptSegment
	ErrWaitTimeout     = shm.ErrWaitTimeout
)
