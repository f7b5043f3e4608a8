package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vsi.ini")
	content := `[segment]
path = /tmp/test.seg
size = 8388608
system_size = 1048576

[can]
interface = vcan0
domain = 1

[mapping]
0x123 = 1 42
0x200 = 2 7
`
	require.Nil(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.Nil(t, err)

	assert.Equal(t, "/tmp/test.seg", cfg.Segment.Path)
	assert.EqualValues(t, 8388608, cfg.Segment.Size)
	assert.EqualValues(t, 1048576, cfg.Segment.SystemSize)
	assert.Equal(t, "vcan0", cfg.CAN.Interface)
	assert.EqualValues(t, 1, cfg.CAN.Domain)

	require.Len(t, cfg.Mappings, 2)
	assert.Equal(t, Mapping{FrameID: 0x123, Domain: 1, Signal: 42}, cfg.Mappings[0])
	assert.Equal(t, Mapping{FrameID: 0x200, Domain: 2, Signal: 7}, cfg.Mappings[1])
}

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.ini")
	require.Nil(t, os.WriteFile(path, []byte(""), 0644))

	cfg, err := Load(path)
	require.Nil(t, err)
	assert.Equal(t, DefaultSegmentPath, cfg.Segment.Path)
	assert.NotZero(t, cfg.Segment.Size)
	assert.Empty(t, cfg.CAN.Interface)
	assert.Empty(t, cfg.Mappings)
}

func TestLoadBadMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ini")
	require.Nil(t, os.WriteFile(path, []byte("[mapping]\nnothex = 1 2\n"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}
