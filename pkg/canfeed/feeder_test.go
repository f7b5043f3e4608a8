package canfeed

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/brutella/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covesa/vsi/pkg/alloc"
	"github.com/covesa/vsi/pkg/shm"
	"github.com/covesa/vsi/pkg/signal"
)

func newFeederFixture(t *testing.T, defaultDomain uint64) (*Feeder, *signal.Store) {
	t.Helper()
	seg, err := shm.Create(shm.Options{
		Path:       filepath.Join(t.TempDir(), "feed.seg"),
		Size:       8 << 20,
		SystemSize: 1 << 20,
	})
	require.Nil(t, err)
	t.Cleanup(func() { seg.Close() })
	al, err := alloc.Create(seg, nil)
	require.Nil(t, err)
	store, err := signal.Create(seg, al, nil)
	require.Nil(t, err)

	// No bus attached, frames are pushed through Handle directly
	f := &Feeder{
		store:         store,
		logger:        slog.Default(),
		routes:        map[uint32]route{0x123: {domain: 1, signal: 42}},
		defaultDomain: defaultDomain,
	}
	return f, store
}

func fetch(t *testing.T, store *signal.Store, domain, sig uint64) []byte {
	t.Helper()
	buf := make([]byte, 16)
	n, err := store.FetchOldest(context.Background(), domain, sig, buf, false)
	require.Nil(t, err)
	return buf[:n]
}

func TestHandleMappedFrame(t *testing.T) {
	f, store := newFeederFixture(t, 0)
	f.Handle(can.Frame{ID: 0x123, Length: 3, Data: [8]byte{0xA, 0xB, 0xC}})
	assert.Equal(t, []byte{0xA, 0xB, 0xC}, fetch(t, store, 1, 42))
}

func TestHandleUnmappedFrameFallsBack(t *testing.T) {
	f, store := newFeederFixture(t, 5)
	f.Handle(can.Frame{ID: 0x77, Length: 1, Data: [8]byte{0xFF}})
	assert.Equal(t, []byte{0xFF}, fetch(t, store, 5, 0x77))
}

func TestHandleUnmappedFrameDroppedWithoutFallback(t *testing.T) {
	f, store := newFeederFixture(t, 0)
	f.Handle(can.Frame{ID: 0x77, Length: 1, Data: [8]byte{0xFF}})
	buf := make([]byte, 16)
	_, err := store.FetchOldest(context.Background(), 5, 0x77, buf, false)
	assert.Equal(t, signal.ErrNoData, err)
}

func TestHandleEmptyFrameDropped(t *testing.T) {
	f, store := newFeederFixture(t, 0)
	f.Handle(can.Frame{ID: 0x123, Length: 0})
	buf := make([]byte, 16)
	_, err := store.FetchOldest(context.Background(), 1, 42, buf, false)
	assert.Equal(t, signal.ErrNoData, err)
}
