// Package config loads the deployment configuration of a signal
// store : where the segment lives, how it is sized, and how CAN
// frames map onto signals for the feeder.
package config

import (
	"fmt"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/covesa/vsi/pkg/shm"
)

// DefaultSegmentPath is the segment file used when no configuration
// names one.
const DefaultSegmentPath = "/var/tmp/vsi-core.seg"

// SegmentConfig describes the shared memory file.
type SegmentConfig struct {
	Path       string
	Size       uint64
	SystemSize uint64
}

// CANConfig describes the feeder's bus attachment. A zero Domain
// disables the fallback route for unmapped frames.
type CANConfig struct {
	Interface string
	Domain    uint64
}

// A Mapping routes one CAN frame id onto a signal.
type Mapping struct {
	FrameID uint32
	Domain  uint64
	Signal  uint64
}

// Config is the full deployment configuration.
type Config struct {
	Segment  SegmentConfig
	CAN      CANConfig
	Mappings []Mapping
}

// Default returns the built in configuration.
func Default() *Config {
	return &Config{
		Segment: SegmentConfig{
			Path:       DefaultSegmentPath,
			Size:       shm.DefaultSize,
			SystemSize: shm.DefaultSystemSize,
		},
	}
}

// Load reads an ini configuration file :
//
//	[segment]
//	path = /var/tmp/vsi-core.seg
//	size = 67108864
//	system_size = 4194304
//
//	[can]
//	interface = can0
//	domain = 1
//
//	[mapping]
//	; frame id = domain signal
//	0x123 = 1 42
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()

	seg := file.Section("segment")
	cfg.Segment.Path = seg.Key("path").MustString(DefaultSegmentPath)
	cfg.Segment.Size = seg.Key("size").MustUint64(shm.DefaultSize)
	cfg.Segment.SystemSize = seg.Key("system_size").MustUint64(shm.DefaultSystemSize)

	can := file.Section("can")
	cfg.CAN.Interface = can.Key("interface").String()
	cfg.CAN.Domain = can.Key("domain").MustUint64(0)

	for _, key := range file.Section("mapping").Keys() {
		frameID, err := strconv.ParseUint(key.Name(), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("bad frame id %q in mapping section", key.Name())
		}
		var domain, sig uint64
		if _, err := fmt.Sscan(key.Value(), &domain, &sig); err != nil {
			return nil, fmt.Errorf("bad mapping for frame %q : %v", key.Name(), err)
		}
		cfg.Mappings = append(cfg.Mappings, Mapping{
			FrameID: uint32(frameID),
			Domain:  domain,
			Signal:  sig,
		})
	}
	return cfg, nil
}
