// Package streammgr implements the period-clock abstraction that turns
// a set of asynchronous AMDTP stream processors into a block-based,
// clocked interface for the client.
package streammgr

import (
	"amdtpd/internal/amdtp"
	"amdtpd/internal/port"
	"amdtpd/internal/ringbuffer"
	"amdtpd/internal/ticks"
)

// Processor is the capability interface the manager needs from a
// stream processor, flattening the Rx/Tx split into one small surface
// rather than a deep inheritance hierarchy, per the Design Notes.
type Processor interface {
	Direction() port.Direction
	Enabled() bool
	XrunCount() uint64
	Xrun() bool
	PrepareForEnable(atCycle int64)
	ResetForRestart()
	RingBuffer() *ringbuffer.TimestampedRingBuffer
	Ports() *port.Manager
}

// PacketReceiver is the narrower capability a receive-direction
// Processor additionally satisfies: it lets Manager.Start wire the
// transport's per-packet receive callback straight through to the
// underlying stream processor.
type PacketReceiver interface {
	PutPacket(data []byte, cycle int64, now ticks.CycleTime) amdtp.Disposition
}

// PacketSender is the transmit-direction counterpart of PacketReceiver.
type PacketSender interface {
	GetPacket(cycle int64, now ticks.CycleTime, maxLen int) (data []byte, disposition amdtp.Disposition)
}

// rxAdapter adapts *amdtp.ReceiveProcessor to Processor.
type rxAdapter struct {
	*amdtp.ReceiveProcessor
}

func (a rxAdapter) Direction() port.Direction                  { return port.Capture }
func (a rxAdapter) ResetForRestart()                            { a.Reset() }
func (a rxAdapter) RingBuffer() *ringbuffer.TimestampedRingBuffer { return a.ReceiveProcessor.RingBuffer }
func (a rxAdapter) Ports() *port.Manager                        { return a.ReceiveProcessor.Ports }

// NewRx wraps a receive processor for registration with a Manager.
func NewRx(p *amdtp.ReceiveProcessor) Processor { return rxAdapter{p} }

// txAdapter adapts *amdtp.TransmitProcessor to Processor.
type txAdapter struct {
	*amdtp.TransmitProcessor
	nbBuffers, period int
}

func (a txAdapter) Direction() port.Direction { return port.Playback }
func (a txAdapter) ResetForRestart()          { a.Reset(a.nbBuffers, a.period) }
func (a txAdapter) RingBuffer() *ringbuffer.TimestampedRingBuffer {
	return a.TransmitProcessor.RingBuffer
}
func (a txAdapter) Ports() *port.Manager { return a.TransmitProcessor.Ports }

// NewTx wraps a transmit processor for registration with a Manager.
// nbBuffers/period are needed so ResetForRestart can re-run the §4.5
// pre-fill with the manager's configured sizing.
func NewTx(p *amdtp.TransmitProcessor, nbBuffers, period int) Processor {
	return txAdapter{p, nbBuffers, period}
}
