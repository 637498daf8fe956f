// Package transport models the abstract contract this engine needs
// from the underlying 1394 kernel transport (libraw1394-equivalent).
// Device discovery, AV/C negotiation and the raw kernel ioctl interface
// itself are out of scope; only the contract described in spec §6.2 is
// represented here, as an interface real transports implement.
package transport

import "amdtpd/internal/ticks"

// Speed is the 1394 bus speed a stream is opened at.
type Speed int

const (
	S100 Speed = iota
	S200
	S400
	S800
)

// Mode selects the kernel receive buffering discipline.
type Mode int

const (
	// BufferFill delivers whatever arrived since the last poll as one
	// blob; the only mode this engine uses.
	BufferFill Mode = iota
)

// Handle identifies an opened 1394 port.
type Handle int

// Disposition mirrors the wire disposition enum from §6.2; kept
// separate from amdtp.Disposition since a transport-level ERROR/STOP
// can occur even when no AMDTP packet was involved (e.g. bus reset).
type Disposition int

const (
	OK Disposition = iota
	DEFER
	AGAIN
	ERROR
	STOP
)

// ReceiveCallback is invoked once per received packet.
type ReceiveCallback func(data []byte, channel int, tag, sy byte, cycle int64, dropped int) Disposition

// TransmitCallback is invoked once per cycle a packet is due; it fills
// out and returns the disposition plus the tag/sy to use.
type TransmitCallback func(cycle int64, dropped int, maxLen int) (out []byte, tag, sy byte, disposition Disposition)

// Transport is the minimal contract the streaming engine needs from the
// kernel/driver layer.
type Transport interface {
	OpenPort(portIndex int) (Handle, error)
	IsoXmitInit(h Handle, channel int, buffers, maxPacketSize, irqInterval int, speed Speed, cb TransmitCallback) error
	IsoRecvInit(h Handle, channel int, buffers, maxPacketSize, irqInterval int, mode Mode, cb ReceiveCallback) error
	IsoStart(h Handle, cycle int64) error
	IsoStop(h Handle) error
	PollFD(h Handle) (int, error)
	GetCycleTimer() (ticks.CycleTime, error)
	Close(h Handle) error
	// Iterate pumps one poll-ready notification for h, synchronously
	// invoking whichever callback was registered at IsoXmitInit/
	// IsoRecvInit time for any packet now ready, mirroring
	// raw1394_loop_iterate's role of driving the registered handler.
	Iterate(h Handle) error
}

// BusResetFunc is invoked when the transport observes a bus reset.
// Current policy, per §4.6, is to log and continue; reconnection logic
// is an external collaborator.
type BusResetFunc func()
