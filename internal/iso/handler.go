// Package iso implements the poll-driven isochronous packet scheduler:
// one Handler per 1394 channel, and a Manager that multiplexes all of
// them on top of a single poll(2) loop.
package iso

import (
	"fmt"
	"log/slog"
	"sync"

	"amdtpd/internal/ticks"
	"amdtpd/internal/transport"
)

// State is a Handler's lifecycle stage.
type State int

const (
	Created State = iota
	Initialised
	Prepared
	Running
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Initialised:
		return "initialised"
	case Prepared:
		return "prepared"
	case Running:
		return "running"
	default:
		return "closed"
	}
}

// Direction of one handler's DMA ring.
type Direction int

const (
	Receive Direction = iota
	Transmit
)

// StreamBinding is the single stream a Handler may be bound to. This
// core supports exactly one stream per handler.
type StreamBinding struct {
	Channel int
	Dir     Direction
	OnData  transport.ReceiveCallback  // set when Dir==Receive
	OnFill  transport.TransmitCallback // set when Dir==Transmit
}

// Handler owns one DMA ring for one channel and wraps the kernel ISO
// API. Its lifecycle is Created -> Initialised -> Prepared -> Running
// -> Prepared -> Closed.
type Handler struct {
	mu sync.Mutex

	logger    *slog.Logger
	tr        transport.Transport
	portIndex int
	handle    transport.Handle

	state State
	bound *StreamBinding

	bufPackets    int
	maxPacketSize int
	irqInterval   int
	speed         transport.Speed

	pollFD int

	onBusReset transport.BusResetFunc
}

// NewHandler creates a handler bound to no stream yet.
func NewHandler(logger *slog.Logger, tr transport.Transport, portIndex int) *Handler {
	return &Handler{logger: logger, tr: tr, portIndex: portIndex, state: Created, pollFD: -1}
}

// Init acquires a kernel handle on the chosen 1394 port and installs
// the bus-reset hook.
func (h *Handler) Init(onBusReset transport.BusResetFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Created {
		return fmt.Errorf("iso: Init called in state %s", h.state)
	}
	handle, err := h.tr.OpenPort(h.portIndex)
	if err != nil {
		return fmt.Errorf("iso: open port %d: %w", h.portIndex, err)
	}
	h.handle = handle
	h.onBusReset = onBusReset
	h.state = Initialised
	return nil
}

// RegisterStream binds the single stream this handler will carry.
func (h *Handler) RegisterStream(b StreamBinding) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Initialised && h.state != Prepared {
		return fmt.Errorf("iso: RegisterStream called in state %s", h.state)
	}
	h.bound = &b
	return nil
}

// pageSize is the DMA page size assumed for packets-per-page sizing;
// 4096 matches the common case this engine targets.
const pageSize = 4096

// Prepare configures the DMA ring. maxPacketSize is computed to fit an
// integral number of packets per DMA page, clipped to page size;
// irqInterval is packetsPerPeriod/4, minimum 1, per §4.6.
func (h *Handler) Prepare(packetsPerPeriod int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Initialised {
		return fmt.Errorf("iso: Prepare called in state %s", h.state)
	}
	if h.bound == nil {
		return fmt.Errorf("iso: Prepare called with no stream registered")
	}
	if packetsPerPeriod <= 0 {
		return fmt.Errorf("iso: packetsPerPeriod must be > 0")
	}

	maxPkt := 4 * pageSize / packetsPerPeriod
	if maxPkt > pageSize {
		maxPkt = pageSize
	}
	irq := packetsPerPeriod / 4
	if irq < 1 {
		irq = 1
	}

	h.bufPackets = packetsPerPeriod
	h.maxPacketSize = maxPkt
	h.irqInterval = irq
	h.speed = transport.S400

	var err error
	switch h.bound.Dir {
	case Receive:
		err = h.tr.IsoRecvInit(h.handle, h.bound.Channel, h.bufPackets, h.maxPacketSize, h.irqInterval, transport.BufferFill, h.bound.OnData)
	case Transmit:
		err = h.tr.IsoXmitInit(h.handle, h.bound.Channel, h.bufPackets, h.maxPacketSize, h.irqInterval, h.speed, h.bound.OnFill)
	}
	if err != nil {
		return fmt.Errorf("iso: prepare channel %d: %w", h.bound.Channel, err)
	}

	fd, err := h.tr.PollFD(h.handle)
	if err != nil {
		return fmt.Errorf("iso: poll fd: %w", err)
	}
	h.pollFD = fd
	h.state = Prepared
	return nil
}

// Start arms the DMA; cycle<0 starts immediately.
func (h *Handler) Start(cycle int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Prepared {
		return fmt.Errorf("iso: Start called in state %s", h.state)
	}
	if err := h.tr.IsoStart(h.handle, cycle); err != nil {
		return fmt.Errorf("iso: start: %w", err)
	}
	h.state = Running
	return nil
}

// Stop halts the DMA and returns to Prepared.
func (h *Handler) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Running {
		return nil
	}
	if err := h.tr.IsoStop(h.handle); err != nil {
		return fmt.Errorf("iso: stop: %w", err)
	}
	h.state = Prepared
	return nil
}

// Close releases the kernel handle. Must be called with the handler
// not Running.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Running {
		return fmt.Errorf("iso: Close called while Running")
	}
	if h.state == Closed {
		return nil
	}
	if err := h.tr.Close(h.handle); err != nil {
		return fmt.Errorf("iso: close: %w", err)
	}
	h.state = Closed
	return nil
}

// GetFileDescriptor returns the poll-ready fd for this handler, or -1
// if not yet prepared.
func (h *Handler) GetFileDescriptor() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pollFD
}

// InUse reports whether this handler still has a bound stream.
func (h *Handler) InUse() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bound != nil
}

// Unbind clears the stream binding, making the handler a pruning
// candidate.
func (h *Handler) Unbind() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bound = nil
}

// State returns the handler's current lifecycle stage.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Iterate pumps one poll-ready notification, per §4.6: it asks the
// transport to dispatch whichever callback was registered at
// IsoRecvInit/IsoXmitInit time, which is what actually delivers packets
// to the bound StreamProcessor.
func (h *Handler) Iterate(now ticks.CycleTime) error {
	h.mu.Lock()
	tr := h.tr
	handle := h.handle
	onReset := h.onBusReset
	h.mu.Unlock()

	if _, err := tr.GetCycleTimer(); err != nil {
		if onReset != nil {
			h.logger.Warn("iso: bus reset observed, logging and continuing", "handle", handle)
			onReset()
			return nil
		}
		return fmt.Errorf("iso: get cycle timer: %w", err)
	}

	if err := tr.Iterate(handle); err != nil {
		return fmt.Errorf("iso: iterate: %w", err)
	}
	return nil
}
