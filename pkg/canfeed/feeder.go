// Package canfeed bridges a CAN bus into the signal store : every
// received frame whose id is mapped gets inserted as a payload on
// its signal. This is the producer side adapter, decoding of frame
// contents is left to the consumers.
package canfeed

import (
	"errors"
	"log/slog"

	"github.com/brutella/can"

	"github.com/covesa/vsi/pkg/config"
	"github.com/covesa/vsi/pkg/signal"
)

var ErrNoInterface = errors.New("no CAN interface configured")

type route struct {
	domain uint64
	signal uint64
}

// A Feeder subscribes to a CAN bus and inserts received frames into
// the store. Frames without a mapping fall back to the configured
// CAN domain with the frame id as signal id, or are dropped when no
// fallback domain is set.
type Feeder struct {
	bus           *can.Bus
	store         *signal.Store
	logger        *slog.Logger
	routes        map[uint32]route
	defaultDomain uint64
}

// New connects a feeder to the interface named in cfg.
func New(store *signal.Store, cfg *config.Config, logger *slog.Logger) (*Feeder, error) {
	if cfg.CAN.Interface == "" {
		return nil, ErrNoInterface
	}
	if logger == nil {
		logger = slog.Default()
	}
	bus, err := can.NewBusForInterfaceWithName(cfg.CAN.Interface)
	if err != nil {
		return nil, err
	}
	f := &Feeder{
		bus:           bus,
		store:         store,
		logger:        logger.With("service", "[CANFEED]"),
		routes:        make(map[uint32]route, len(cfg.Mappings)),
		defaultDomain: cfg.CAN.Domain,
	}
	for _, m := range cfg.Mappings {
		f.routes[m.FrameID] = route{domain: m.Domain, signal: m.Signal}
	}
	return f, nil
}

// Handle implements the brutella/can frame handler, called for every
// received frame.
func (f *Feeder) Handle(frame can.Frame) {
	r, ok := f.routes[frame.ID]
	if !ok {
		if f.defaultDomain == 0 {
			return
		}
		r = route{domain: f.defaultDomain, signal: uint64(frame.ID)}
	}
	if frame.Length == 0 {
		return
	}
	if err := f.store.Insert(r.domain, r.signal, frame.Data[:frame.Length]); err != nil {
		f.logger.Error("dropping frame", "frame", frame.ID, "domain", r.domain, "signal", r.signal, "error", err)
	}
}

// Start subscribes to the bus and begins publishing frames into the
// store. Runs until Stop.
func (f *Feeder) Start() {
	f.bus.Subscribe(f)
	go func() {
		if err := f.bus.ConnectAndPublish(); err != nil {
			f.logger.Error("CAN bus receive loop ended", "error", err)
		}
	}()
	f.logger.Info("feeder started", "mappings", len(f.routes), "fallbackDomain", f.defaultDomain)
}

// Stop disconnects from the bus.
func (f *Feeder) Stop() error {
	return f.bus.Disconnect()
}
