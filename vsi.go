// Package vsi is a multi process, shared memory publish/subscribe
// store for vehicle telemetry signals. Producers deposit timestamped
// payloads keyed by (domain, signal), consumers fetch the oldest
// (destructive) or newest (peek) payload, optionally blocking until
// data arrives. All state lives in one memory mapped file, any
// process mapping the same file sees the same store.
package vsi

import (
	"context"
	"log/slog"
	"time"

	"github.com/covesa/vsi/pkg/alloc"
	"github.com/covesa/vsi/pkg/config"
	"github.com/covesa/vsi/pkg/group"
	"github.com/covesa/vsi/pkg/shm"
	"github.com/covesa/vsi/pkg/signal"
	"github.com/covesa/vsi/pkg/vss"
)

// Size of the scratch buffer used when the caller does not supply
// one. Payloads are bounded by the segment's block sizes.
const fetchBufSize = 4096

// Options configure a store handle. The zero value uses the built in
// defaults.
type Options struct {
	// Path of the segment file, DefaultSegmentPath when empty.
	Path string
	// Size of the segment, only used when creating.
	Size uint64
	// SystemSize reserved for allocator metadata, only used when
	// creating.
	SystemSize uint64
	Logger     *slog.Logger
}

// A VSI is one process' handle onto a shared signal store. It should
// be created before doing anything else, all other objects hang off
// it.
type VSI struct {
	logger *slog.Logger
	seg    *shm.Segment
	alloc  *alloc.Allocator
	store  *signal.Store
	groups *group.Registry
}

// Initialize opens the store. With createNew the segment file is
// truncated and a fresh store is laid out inside it, otherwise the
// existing state is verified and used.
func Initialize(createNew bool, opts Options) (*VSI, error) {
	if opts.Path == "" {
		opts.Path = config.DefaultSegmentPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	segOpts := shm.Options{
		Path:       opts.Path,
		Size:       opts.Size,
		SystemSize: opts.SystemSize,
		Logger:     logger,
	}

	var (
		seg *shm.Segment
		err error
	)
	if createNew {
		seg, err = shm.Create(segOpts)
	} else {
		seg, err = shm.Open(segOpts)
	}
	if err != nil {
		return nil, err
	}

	v := &VSI{logger: logger, seg: seg}
	if createNew {
		if v.alloc, err = alloc.Create(seg, logger); err == nil {
			if v.store, err = signal.Create(seg, v.alloc, logger); err == nil {
				v.groups, err = group.Create(seg, v.alloc, v.store, logger)
			}
		}
	} else {
		if v.alloc, err = alloc.Open(seg, logger); err == nil {
			if v.store, err = signal.Open(seg, v.alloc, logger); err == nil {
				v.groups, err = group.Open(seg, v.alloc, v.store, logger)
			}
		}
	}
	if err != nil {
		seg.Close()
		return nil, err
	}
	return v, nil
}

// Close detaches from the segment, leaving the shared state behind.
func (v *VSI) Close() error { return v.seg.Close() }

// Destroy detaches from the segment and removes the backing file.
// Every record inside the arena goes with it, there is no per record
// teardown.
func (v *VSI) Destroy() error { return v.seg.Destroy() }

// SetLogger replaces the handle's logger.
func (v *VSI) SetLogger(logger *slog.Logger) { v.logger = logger }

// Store exposes the signal store for collaborators such as the CAN
// feeder.
func (v *VSI) Store() *signal.Store { return v.store }

// DefineSignal registers a signal under its numeric id, name and
// optional private id.
func (v *VSI) DefineSignal(domain, signalID, private uint64, name string) error {
	return v.store.Define(domain, signalID, private, name)
}

// VSSImport parses the VSS file at path and defines every record in
// it under the given domain. Returns the number of signals defined,
// malformed lines are reported in the log and skipped.
func (v *VSI) VSSImport(path string, domain uint64) (int, error) {
	file, err := vss.ParseFile(path)
	if err != nil {
		return 0, err
	}
	return vss.Import(v.store, file, domain, v.logger)
}

// InsertSignal appends one payload to a signal's queue. The signal
// is created on first use.
func (v *VSI) InsertSignal(domain, signalID uint64, data []byte) error {
	return v.store.Insert(domain, signalID, data)
}

// InsertSignalByName appends one payload to the queue of a signal
// looked up by its defined name.
func (v *VSI) InsertSignalByName(domain uint64, name string, data []byte) error {
	signalID, _, err := v.store.NameToID(domain, name)
	if err != nil {
		return err
	}
	return v.store.Insert(domain, signalID, data)
}

func (v *VSI) fetch(ctx context.Context, domain, signalID uint64, newest, wait bool) Result {
	res := Result{DomainID: domain, SignalID: signalID}
	buf := make([]byte, fetchBufSize)
	var n int
	var err error
	if newest {
		n, err = v.store.FetchNewest(ctx, domain, signalID, buf, wait)
	} else {
		n, err = v.store.FetchOldest(ctx, domain, signalID, buf, wait)
	}
	if err != nil {
		res.Status = err
		return res
	}
	res.Data = buf[:n]
	return res
}

// GetOldestSignal pops the oldest payload of a signal. With wait the
// call blocks until data arrives or ctx expires.
func (v *VSI) GetOldestSignal(ctx context.Context, domain, signalID uint64, wait bool) Result {
	return v.fetch(ctx, domain, signalID, false, wait)
}

// GetNewestSignal peeks the newest payload of a signal without
// consuming it.
func (v *VSI) GetNewestSignal(ctx context.Context, domain, signalID uint64, wait bool) Result {
	return v.fetch(ctx, domain, signalID, true, wait)
}

func (v *VSI) fetchByName(ctx context.Context, domain uint64, name string, newest, wait bool) Result {
	signalID, _, err := v.store.NameToID(domain, name)
	if err != nil {
		return Result{DomainID: domain, Name: name, Status: err}
	}
	res := v.fetch(ctx, domain, signalID, newest, wait)
	res.Name = name
	return res
}

// GetOldestSignalByName pops the oldest payload of a named signal.
func (v *VSI) GetOldestSignalByName(ctx context.Context, domain uint64, name string, wait bool) Result {
	return v.fetchByName(ctx, domain, name, false, wait)
}

// GetNewestSignalByName peeks the newest payload of a named signal.
func (v *VSI) GetNewestSignalByName(ctx context.Context, domain uint64, name string, wait bool) Result {
	return v.fetchByName(ctx, domain, name, true, wait)
}

// FlushSignal discards every queued payload of a signal.
func (v *VSI) FlushSignal(domain, signalID uint64) error {
	return v.store.Flush(domain, signalID)
}

// FlushSignalByName discards every queued payload of a named signal.
func (v *VSI) FlushSignalByName(domain uint64, name string) error {
	signalID, _, err := v.store.NameToID(domain, name)
	if err != nil {
		return err
	}
	return v.store.Flush(domain, signalID)
}

// NameToID resolves a signal name to its id.
func (v *VSI) NameToID(domain uint64, name string) (uint64, error) {
	signalID, _, err := v.store.NameToID(domain, name)
	return signalID, err
}

// IDToName resolves a signal id to its defined name.
func (v *VSI) IDToName(domain, signalID uint64) (string, error) {
	return v.store.IDToName(domain, signalID)
}

// CreateSignalGroup registers a new empty group.
func (v *VSI) CreateSignalGroup(groupID uint64) error {
	return v.groups.CreateGroup(groupID)
}

// DeleteSignalGroup removes a group, its member signals stay.
func (v *VSI) DeleteSignalGroup(groupID uint64) error {
	return v.groups.DeleteGroup(groupID)
}

// AddSignalToGroup appends a signal to a group.
func (v *VSI) AddSignalToGroup(domain, signalID, groupID uint64) error {
	return v.groups.AddSignal(domain, signalID, groupID)
}

// AddSignalToGroupByName appends a named signal to a group.
func (v *VSI) AddSignalToGroupByName(domain uint64, name string, groupID uint64) error {
	signalID, _, err := v.store.NameToID(domain, name)
	if err != nil {
		return err
	}
	return v.groups.AddSignal(domain, signalID, groupID)
}

// RemoveSignalFromGroup unlinks a signal from a group.
func (v *VSI) RemoveSignalFromGroup(domain, signalID, groupID uint64) error {
	return v.groups.RemoveSignal(domain, signalID, groupID)
}

// RemoveSignalFromGroupByName unlinks a named signal from a group.
func (v *VSI) RemoveSignalFromGroupByName(domain uint64, name string, groupID uint64) error {
	signalID, _, err := v.store.NameToID(domain, name)
	if err != nil {
		return err
	}
	return v.groups.RemoveSignal(domain, signalID, groupID)
}

func groupResults(results []group.Result) []Result {
	out := make([]Result, len(results))
	for i, res := range results {
		out[i] = Result{
			DomainID: res.Domain,
			SignalID: res.Signal,
			Data:     res.Data,
			Status:   res.Status,
		}
	}
	return out
}

// GetOldestInGroup pops the oldest payload of every member, one
// result slot per member in insertion order. Empty members report
// ErrNoData in their slot.
func (v *VSI) GetOldestInGroup(groupID uint64) ([]Result, error) {
	results, err := v.groups.Oldest(groupID)
	if err != nil {
		return nil, err
	}
	return groupResults(results), nil
}

// GetNewestInGroup peeks the newest payload of every member.
func (v *VSI) GetNewestInGroup(groupID uint64) ([]Result, error) {
	results, err := v.groups.Newest(groupID)
	if err != nil {
		return nil, err
	}
	return groupResults(results), nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// ListenAnyInGroup blocks until any member signal receives a payload
// and returns it. Exactly one payload is consumed. A zero timeout
// waits forever.
func (v *VSI) ListenAnyInGroup(ctx context.Context, groupID uint64, timeout time.Duration) (Result, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	res, err := v.groups.ListenAny(ctx, groupID)
	if err != nil {
		return Result{Status: err}, err
	}
	return Result{DomainID: res.Domain, SignalID: res.Signal, Data: res.Data}, nil
}

// ListenAllInGroup blocks until every member signal delivers one
// payload. Each slot carries its own status, a timeout leaves the
// undelivered slots marked.
func (v *VSI) ListenAllInGroup(ctx context.Context, groupID uint64, timeout time.Duration) ([]Result, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	results, err := v.groups.ListenAll(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return groupResults(results), nil
}

// GetOldestInGroupWait blocks until every member delivers one
// payload, consuming one per member.
func (v *VSI) GetOldestInGroupWait(ctx context.Context, groupID uint64, timeout time.Duration) ([]Result, error) {
	return v.ListenAllInGroup(ctx, groupID, timeout)
}

// GetNewestInGroupWait blocks until every member holds at least one
// payload and peeks the newest of each.
func (v *VSI) GetNewestInGroupWait(ctx context.Context, groupID uint64, timeout time.Duration) ([]Result, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	results, err := v.groups.NewestWait(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return groupResults(results), nil
}

// FlushGroup flushes the queue of every member signal.
func (v *VSI) FlushGroup(groupID uint64) error {
	return v.groups.FlushGroup(groupID)
}

// Stats describes the current shape of the store, used by the dump
// tool.
type Stats struct {
	Path       string
	Size       uint64
	Alloc      alloc.Stats
	Signals    []signal.Info
	Groups     []uint64
}

// Stats snapshots the store.
func (v *VSI) Stats() Stats {
	return Stats{
		Path:    v.seg.Path(),
		Size:    v.seg.Size(),
		Alloc:   v.alloc.Stats(),
		Signals: v.store.Signals(),
		Groups:  v.groups.Groups(),
	}
}
