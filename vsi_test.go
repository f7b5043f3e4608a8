package vsi

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVSI(t *testing.T) *VSI {
	t.Helper()
	v, err := Initialize(true, Options{
		Path:       filepath.Join(t.TempDir(), "vsi.seg"),
		Size:       16 << 20,
		SystemSize: 2 << 20,
	})
	require.Nil(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestDefineInsertFetch(t *testing.T) {
	v := newVSI(t)
	require.Nil(t, v.DefineSignal(1, 42, 0, "bar"))
	require.Nil(t, v.InsertSignal(1, 42, []byte{0x41, 0x42, 0x43}))

	res := v.GetOldestSignal(context.Background(), 1, 42, false)
	require.True(t, res.Ok())
	assert.Equal(t, []byte("ABC"), res.Data)

	res = v.GetOldestSignal(context.Background(), 1, 42, false)
	assert.Equal(t, ErrNoData, res.Status)
}

func TestNameSurface(t *testing.T) {
	v := newVSI(t)
	require.Nil(t, v.DefineSignal(1, 42, 0, "bar"))

	id, err := v.NameToID(1, "bar")
	require.Nil(t, err)
	assert.EqualValues(t, 42, id)

	name, err := v.IDToName(1, 42)
	require.Nil(t, err)
	assert.Equal(t, "bar", name)

	_, err = v.NameToID(1, "missing")
	assert.Equal(t, ErrUnknownSignal, err)

	require.Nil(t, v.InsertSignalByName(1, "bar", []byte{9}))
	res := v.GetNewestSignalByName(context.Background(), 1, "bar", false)
	require.True(t, res.Ok())
	assert.Equal(t, "bar", res.Name)
	assert.EqualValues(t, 42, res.SignalID)
	assert.Equal(t, []byte{9}, res.Data)

	res = v.GetOldestSignalByName(context.Background(), 1, "nope", false)
	assert.Equal(t, ErrUnknownSignal, res.Status)
}

func TestGroupSurface(t *testing.T) {
	v := newVSI(t)
	require.Nil(t, v.DefineSignal(1, 100, 0, "gen"))
	require.Nil(t, v.DefineSignal(1, 200, 0, "ivi"))
	require.Nil(t, v.CreateSignalGroup(10))
	require.Nil(t, v.AddSignalToGroupByName(1, "gen", 10))
	require.Nil(t, v.AddSignalToGroupByName(1, "ivi", 10))

	require.Nil(t, v.InsertSignal(1, 100, []byte{48}))
	require.Nil(t, v.InsertSignal(1, 100, []byte{49}))
	require.Nil(t, v.InsertSignal(1, 200, []byte{50}))
	require.Nil(t, v.InsertSignal(1, 200, []byte{51}))

	results, err := v.GetNewestInGroup(10)
	require.Nil(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []byte{49}, results[0].Data)
	assert.Equal(t, []byte{51}, results[1].Data)

	require.Nil(t, v.FlushGroup(10))
	results, err = v.GetOldestInGroup(10)
	require.Nil(t, err)
	for _, res := range results {
		assert.Equal(t, ErrNoData, res.Status)
	}

	require.Nil(t, v.RemoveSignalFromGroupByName(1, "gen", 10))
	require.Nil(t, v.DeleteSignalGroup(10))
	assert.Equal(t, ErrUnknownGroup, v.FlushGroup(10))
	assert.Equal(t, ErrDuplicateGroup, func() error {
		_ = v.CreateSignalGroup(11)
		return v.CreateSignalGroup(11)
	}())
}

func TestListenSurface(t *testing.T) {
	v := newVSI(t)
	require.Nil(t, v.CreateSignalGroup(10))
	require.Nil(t, v.AddSignalToGroup(1, 100, 10))
	require.Nil(t, v.AddSignalToGroup(1, 200, 10))

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = v.InsertSignal(1, 200, []byte{7})
	}()
	res, err := v.ListenAnyInGroup(context.Background(), 10, 5*time.Second)
	require.Nil(t, err)
	assert.EqualValues(t, 200, res.SignalID)
	assert.Equal(t, []byte{7}, res.Data)

	// Timeout path
	_, err = v.ListenAnyInGroup(context.Background(), 10, 100*time.Millisecond)
	assert.Error(t, err)
}

func TestReopenSeesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.seg")
	v, err := Initialize(true, Options{Path: path, Size: 16 << 20})
	require.Nil(t, err)
	require.Nil(t, v.DefineSignal(1, 42, 0, "bar"))
	require.Nil(t, v.InsertSignal(1, 42, []byte{1, 2, 3}))
	require.Nil(t, v.Close())

	v, err = Initialize(false, Options{Path: path})
	require.Nil(t, err)
	defer v.Close()

	id, err := v.NameToID(1, "bar")
	require.Nil(t, err)
	assert.EqualValues(t, 42, id)

	res := v.GetOldestSignal(context.Background(), 1, 42, false)
	require.True(t, res.Ok())
	assert.Equal(t, []byte{1, 2, 3}, res.Data)
}

func TestVSSImport(t *testing.T) {
	v := newVSI(t)
	path := filepath.Join(t.TempDir(), "signals.vss")
	content := "1.2\nVehicle.Speed 100\nVehicle.RPM 101 9001\nbroken line here now\n"
	require.Nil(t, os.WriteFile(path, []byte(content), 0644))

	defined, err := v.VSSImport(path, 1)
	require.Nil(t, err)
	assert.Equal(t, 2, defined)

	id, err := v.NameToID(1, "Vehicle.Speed")
	require.Nil(t, err)
	assert.EqualValues(t, 100, id)
}

func TestStats(t *testing.T) {
	v := newVSI(t)
	require.Nil(t, v.DefineSignal(1, 42, 0, "bar"))
	require.Nil(t, v.CreateSignalGroup(5))

	stats := v.Stats()
	assert.NotZero(t, stats.Size)
	assert.NotZero(t, stats.Alloc.FreeBytes)
	require.Len(t, stats.Signals, 1)
	assert.Equal(t, "bar", stats.Signals[0].Name)
	assert.Equal(t, []uint64{5}, stats.Groups)
}

func TestDestroyRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.seg")
	v, err := Initialize(true, Options{Path: path})
	require.Nil(t, err)
	require.Nil(t, v.Destroy())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
