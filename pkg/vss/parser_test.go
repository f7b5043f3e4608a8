package vss

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covesa/vsi/pkg/alloc"
	"github.com/covesa/vsi/pkg/shm"
	"github.com/covesa/vsi/pkg/signal"
)

const sample = `# VSS export for the test rig
2.1

Vehicle.Speed 100
Vehicle.Engine.RPM 101 9001

# trailing comment
Vehicle.Brake.Pressure	102
`

func TestParse(t *testing.T) {
	f, err := Parse(strings.NewReader(sample))
	require.Nil(t, err)

	assert.Equal(t, "2.1", f.Version)
	require.Len(t, f.Records, 3)
	assert.Empty(t, f.Diagnostics)

	assert.Equal(t, Record{Name: "Vehicle.Speed", Signal: 100, Line: 4}, f.Records[0])
	assert.Equal(t, Record{Name: "Vehicle.Engine.RPM", Signal: 101, Private: 9001, Line: 5}, f.Records[1])
	assert.Equal(t, Record{Name: "Vehicle.Brake.Pressure", Signal: 102, Line: 8}, f.Records[2])
}

func TestParseMalformedLines(t *testing.T) {
	input := `1.0
good 1
too many tokens on line 5
bad notanumber
other 2 alsobad
fine 3
`
	f, err := Parse(strings.NewReader(input))
	require.Nil(t, err)

	require.Len(t, f.Records, 2)
	assert.Equal(t, "good", f.Records[0].Name)
	assert.Equal(t, "fine", f.Records[1].Name)

	require.Len(t, f.Diagnostics, 3)
	for _, diag := range f.Diagnostics {
		assert.ErrorIs(t, diag.Err, ErrMalformedLine)
	}
	assert.Equal(t, 3, f.Diagnostics[0].Line)
}

func TestParseVersionOnlyOnce(t *testing.T) {
	input := "1.0\n2.0\nname 1\n"
	f, err := Parse(strings.NewReader(input))
	require.Nil(t, err)
	assert.Equal(t, "1.0", f.Version)
	// The second single token line is neither version nor record
	require.Len(t, f.Diagnostics, 1)
	require.Len(t, f.Records, 1)
}

func TestImport(t *testing.T) {
	seg, err := shm.Create(shm.Options{
		Path:       filepath.Join(t.TempDir(), "vss.seg"),
		Size:       8 << 20,
		SystemSize: 1 << 20,
	})
	require.Nil(t, err)
	t.Cleanup(func() { seg.Close() })
	al, err := alloc.Create(seg, nil)
	require.Nil(t, err)
	store, err := signal.Create(seg, al, nil)
	require.Nil(t, err)

	f, err := Parse(strings.NewReader(sample))
	require.Nil(t, err)

	defined, err := Import(store, f, 2, nil)
	require.Nil(t, err)
	assert.Equal(t, 3, defined)

	sig, private, err := store.NameToID(2, "Vehicle.Engine.RPM")
	require.Nil(t, err)
	assert.EqualValues(t, 101, sig)
	assert.EqualValues(t, 9001, private)

	name, err := store.IDToName(2, 100)
	require.Nil(t, err)
	assert.Equal(t, "Vehicle.Speed", name)
}
