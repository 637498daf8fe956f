// Package device is the client-facing API described in spec §6.3: a
// language-neutral façade over the streaming engine's internal
// manager, ports and processors.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"amdtpd/internal/amdtp"
	"amdtpd/internal/config"
	"amdtpd/internal/iso"
	"amdtpd/internal/port"
	"amdtpd/internal/ringbuffer"
	"amdtpd/internal/streammgr"
	"amdtpd/internal/ticks"
	"amdtpd/internal/transport"
)

// PortID identifies a registered port for later AttachBuffer calls.
type PortID int

// Device is the top-level handle a client holds: one capture stream and
// one playback stream, phase-aligned against each other, driven by a
// single period clock.
type Device struct {
	logger *slog.Logger
	cfg    config.Config
	tr     transport.Transport

	isoMgr *iso.Manager
	sp     *streammgr.Manager

	rxPorts *port.Manager
	txPorts *port.Manager

	mu      sync.Mutex
	nextID  PortID
	byID    map[PortID]*port.Port
	started bool
}

// Init allocates the manager and its backing processors for a single
// capture/playback stream pair. It does not start any threads yet.
func Init(logger *slog.Logger, tr transport.Transport, cfg config.Config) (*Device, error) {
	dbs := uint8(cfg.Channels)

	rxPorts := port.NewManager()
	txPorts := port.NewManager()

	isoMgr := iso.NewManager(logger, tr)
	sp := streammgr.New(logger, isoMgr, tr, streammgr.Config{
		Period:       cfg.Period,
		NbBuffers:    cfg.NbBuffers,
		PortIndex:    cfg.PortIndex,
		NodeID:       cfg.NodeID,
		StartTimeout: cfg.StartTimeout,
		StopTimeout:  cfg.StopTimeout,
	})

	rxRB := ringbuffer.New(uint64(cfg.NbBuffers*cfg.Period)+ringBufferSlack(cfg), int(dbs)*4, ticks.WrapValue)
	rx, err := amdtp.NewReceiveProcessor(logger, cfg.SampleRate, dbs, rxRB, rxPorts)
	if err != nil {
		return nil, fmt.Errorf("device: init receive processor: %w", err)
	}

	txRB := ringbuffer.New(uint64(cfg.NbBuffers*cfg.Period), int(dbs)*4, ticks.WrapValue)
	tx, err := amdtp.NewTransmitProcessor(logger, cfg.SampleRate, dbs, cfg.NodeID, txRB, txPorts)
	if err != nil {
		return nil, fmt.Errorf("device: init transmit processor: %w", err)
	}

	if err := sp.RegisterProcessor(streammgr.NewRx(rx), true); err != nil {
		return nil, err
	}
	if err := sp.RegisterProcessor(streammgr.NewTx(tx, cfg.NbBuffers, cfg.Period), false); err != nil {
		return nil, err
	}

	return &Device{
		logger:  logger,
		cfg:     cfg,
		tr:      tr,
		isoMgr:  isoMgr,
		sp:      sp,
		rxPorts: rxPorts,
		txPorts: txPorts,
		byID:    make(map[PortID]*port.Port),
	}, nil
}

// ringBufferSlack implements the sizing formula from the original
// source: ringbuffer_size_frames += framerate * RECEIVE_PROCESSING_DELAY
// / TICKS_PER_SECOND, truncated to whole frames.
func ringBufferSlack(cfg config.Config) uint64 {
	const receiveProcessingDelay = ticks.TicksPerSecond / 500
	extra := int64(cfg.SampleRate) * receiveProcessingDelay / ticks.TicksPerSecond
	if extra < 0 {
		extra = 0
	}
	return uint64(extra)
}

// RegisterCapturePort registers a capture port. Only permitted before Start.
func (d *Device) RegisterCapturePort(name string, typ port.Type, enc port.Encoding, location int) (PortID, error) {
	return d.registerPort(d.rxPorts, name, port.Capture, typ, enc, location)
}

// RegisterPlaybackPort registers a playback port. Only permitted before Start.
func (d *Device) RegisterPlaybackPort(name string, typ port.Type, enc port.Encoding, location int) (PortID, error) {
	return d.registerPort(d.txPorts, name, port.Playback, typ, enc, location)
}

func (d *Device) registerPort(mgr *port.Manager, name string, dir port.Direction, typ port.Type, enc port.Encoding, location int) (PortID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return 0, fmt.Errorf("device: %w: cannot register ports after Start", streammgr.ErrConfig)
	}
	buffering := port.PeriodSignalled
	if typ == port.MIDI {
		buffering = port.PacketSignalled
	}
	p := port.New(name, dir, typ, enc, buffering, 0, location)
	mgr.Register(p)
	id := d.nextID
	d.nextID++
	d.byID[id] = p
	return id, nil
}

// AttachBuffer binds an external pointer buffer to a PeriodSignalled
// audio port.
func (d *Device) AttachBuffer(id PortID, buf []byte) error {
	d.mu.Lock()
	p, ok := d.byID[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("device: unknown port id %d", id)
	}
	return p.AttachBuffer(buf)
}

// Start returns once every stream reports running.
func (d *Device) Start(ctx context.Context) error {
	if err := d.sp.Prepare(); err != nil {
		return err
	}
	if err := d.sp.Start(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	return nil
}

// WaitPeriod blocks; returns the period size, or 0 on xrun.
func (d *Device) WaitPeriod(ctx context.Context) int32 {
	if d.sp.WaitForPeriod(ctx) {
		return int32(d.cfg.Period)
	}
	return 0
}

// Transfer must be called exactly once per WaitPeriod.
func (d *Device) Transfer() error {
	if err := d.sp.Transfer(port.Capture); err != nil {
		return err
	}
	return d.sp.Transfer(port.Playback)
}

// XrunCount returns the number of xrun recoveries performed so far.
func (d *Device) XrunCount() uint32 {
	return uint32(d.sp.XrunCount())
}

// HandleXrun runs the stop/reset/start recovery cycle.
func (d *Device) HandleXrun(ctx context.Context) error {
	return d.sp.HandleXrun(ctx)
}

// Stop is idempotent.
func (d *Device) Stop() error {
	return d.sp.Stop()
}

// Finish is idempotent; it stops the device if still running.
func (d *Device) Finish() error {
	d.mu.Lock()
	started := d.started
	d.started = false
	d.mu.Unlock()
	if !started {
		return nil
	}
	return d.sp.Stop()
}
