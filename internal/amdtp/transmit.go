package amdtp

import (
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"amdtpd/internal/port"
	"amdtpd/internal/ringbuffer"
	"amdtpd/internal/ticks"
)

const (
	// receiveProcessingDelay is the ~2ms constant accounting for kernel
	// buffering on the receive path (TICKS_PER_SECOND / 500 in FFADO).
	receiveProcessingDelay = ticks.TicksPerSecond / 500
	// transmitTransferDelay is the margin a transmitted packet's
	// playout time is advanced by, to compensate the receiver's own
	// buffering; at least 2 cycles per §4.5.
	transmitTransferDelay = 2 * ticks.TicksPerCycle
	// advanceCycles is how many cycles ahead of "now" the scheduler
	// asks the transmit processor to produce a packet for.
	advanceCycles = 2
	// midiMinInterval is the advisory lower bound between MIDI bytes
	// muxed into the same slot: >= 320us per §4.5 / Open Questions.
	midiMinInterval = 320_000 // nanoseconds
)

// TransmitProcessor builds AMDTP packets from a ring buffer, attaching
// SYT timestamps and rate-limiting MIDI sub-channel emission.
type TransmitProcessor struct {
	logger *slog.Logger

	rate        Rate
	sytInterval int
	dbs         uint8
	nodeID      uint8

	RingBuffer *ringbuffer.TimestampedRingBuffer
	Ports      *port.Manager

	dbc atomic.Uint32 // kept in [0,256) but stored wider for atomic ops

	enabled      atomic.Bool
	enableCycle  atomic.Int64
	enablePending atomic.Bool

	midiLimiters map[int]*rate.Limiter

	xrunCount atomic.Uint64
	xrunFlag  atomic.Bool
}

// NewTransmitProcessor builds a transmit processor for the given
// sample rate, frame stride and node ID (CIP header SID).
func NewTransmitProcessor(logger *slog.Logger, r Rate, dbs, nodeID uint8, rb *ringbuffer.TimestampedRingBuffer, ports *port.Manager) (*TransmitProcessor, error) {
	sytInterval, ok := SytInterval(r)
	if !ok {
		return nil, errUnsupportedRate(r)
	}
	nominal := float64(ticks.TicksPerSecond) / float64(r)
	rb.SetNominalRate(nominal)
	rb.SetWrapValue(ticks.WrapValue)
	return &TransmitProcessor{
		logger:       logger,
		rate:         r,
		sytInterval:  sytInterval,
		dbs:          dbs,
		nodeID:       nodeID,
		RingBuffer:   rb,
		Ports:        ports,
		midiLimiters: make(map[int]*rate.Limiter),
	}, nil
}

func (p *TransmitProcessor) limiterFor(slot int) *rate.Limiter {
	l, ok := p.midiLimiters[slot]
	if !ok {
		l = rate.NewLimiter(rate.Every(midiMinInterval), 1)
		p.midiLimiters[slot] = l
	}
	return l
}

// PrepareForEnable arms the latency-tolerant enable protocol.
func (p *TransmitProcessor) PrepareForEnable(atCycle int64) {
	p.enableCycle.Store(atCycle)
	p.enablePending.Store(true)
}

// Enabled reports whether the processor is producing DATA packets.
func (p *TransmitProcessor) Enabled() bool {
	return p.enabled.Load()
}

// XrunCount returns the cumulative number of underruns observed since
// the processor was created; it never resets, for diagnostics.
func (p *TransmitProcessor) XrunCount() uint64 {
	return p.xrunCount.Load()
}

// Xrun reports whether an underrun has happened since the last Reset,
// distinct from the cumulative XrunCount: this is what the streaming
// thread checks to decide a restart hasn't recovered yet.
func (p *TransmitProcessor) Xrun() bool {
	return p.xrunFlag.Load()
}

// Reset clears bookkeeping and prefills the ring buffer with silence,
// per §4.5's "pre-fill on reset/prepare" requirement.
func (p *TransmitProcessor) Reset(nbBuffers, period int) {
	p.enabled.Store(false)
	p.enablePending.Store(false)
	p.dbc.Store(0)
	p.xrunFlag.Store(false)
	p.RingBuffer.Reset()
	p.Prefill(nbBuffers, period)
}

// Prefill writes nbBuffers*period frames of silence into the ring
// buffer so the DMA ring can start without underrunning. The tail
// timestamp written here is a placeholder: GetPacket re-anchors it to
// real bus time via SetBufferHeadTimestamp at the enable transition.
func (p *TransmitProcessor) Prefill(nbBuffers, period int) {
	n := nbBuffers * period
	frameSize := int(p.dbs) * 4
	silence := make([]byte, n*frameSize)
	for i := 0; i < n*int(p.dbs); i++ {
		putBE32(silence[i*4:i*4+4], EncodeAudioInt24(0))
	}
	_ = p.RingBuffer.WriteFrames(uint64(n), silence, 0)
}

// GetPacket produces one outgoing packet for the given cycle, per the
// cycle-scheduling policy in §4.5. now is the transport's current cycle
// timer.
func (p *TransmitProcessor) GetPacket(cycle int64, now ticks.CycleTime, maxLen int) (data []byte, disposition Disposition) {
	nowTicks := now.ToTicks()

	if p.enablePending.Load() && ticks.DiffCycles(cycle, p.enableCycle.Load()) >= 0 {
		p.enablePending.Store(false)
		p.enabled.Store(true)
		// The prefilled silence carries an arbitrary placeholder tail
		// timestamp; re-anchor the buffer to real bus time now that the
		// stream is actually going live, mirroring the tail timestamp
		// ReceiveProcessor.PutPacket sets at its own enable transition.
		p.RingBuffer.SetBufferHeadTimestamp(int64(nowTicks) + transmitTransferDelay)
	}

	dbc := uint8(p.dbc.Load())

	if !p.enabled.Load() {
		p.dbc.Store(uint32(dbc + uint8(p.sytInterval)))
		return p.buildNoData(dbc), DEFER
	}

	headTS, fill := p.RingBuffer.GetBufferHeadTimestamp()
	_ = fill
	tsPacket := ticks.Add(ticks.Ticks(headTS), transmitTransferDelay)
	tsSend := ticks.Add(tsPacket, -transmitTransferDelay)

	deadline := ticks.Add(nowTicks, advanceCycles*ticks.TicksPerCycle)
	if ticks.Diff(tsSend, deadline) > 0 {
		// still in the future: emit filler, advance DBC, defer.
		p.dbc.Store(uint32(dbc + uint8(p.sytInterval)))
		return p.buildNoData(dbc), DEFER
	}

	frameSize := int(p.dbs) * 4
	payload := make([]byte, p.sytInterval*frameSize)
	if err := p.RingBuffer.ReadFrames(uint64(p.sytInterval), payload); err != nil {
		p.xrunCount.Add(1)
		p.xrunFlag.Store(true)
		p.enabled.Store(false)
		p.logger.Error("amdtp: transmit ring buffer underrun", "xruns", p.xrunCount.Load())
		p.dbc.Store(uint32(dbc + uint8(p.sytInterval)))
		return p.buildNoData(dbc), DEFER
	}

	p.encodeMIDI(payload, dbc)

	fdf, _ := FDFCode(p.rate)
	ctPacket := ticks.FromTicks(tsPacket)
	hdr := CIPHeader{
		SID: p.nodeID,
		DBS: p.dbs,
		DBC: dbc,
		FMT: FmtAMDTP,
		FDF: fdf,
		SYT: (ctPacket.Cycles&0xf)<<12 | ctPacket.Offset&0xfff,
	}
	p.dbc.Store(uint32(dbc + uint8(p.sytInterval)))

	out := make([]byte, 8+len(payload))
	hb := hdr.Encode()
	copy(out[0:8], hb[:])
	copy(out[8:], payload)
	return out, OK
}

// buildNoData constructs a NO-DATA filler packet (fdf=0xff, syt=0xffff)
// carrying syt_interval dummy events so DBC keeps advancing.
func (p *TransmitProcessor) buildNoData(dbc uint8) []byte {
	frameSize := int(p.dbs) * 4
	payload := make([]byte, p.sytInterval*frameSize)
	for i := 0; i < p.sytInterval*int(p.dbs); i++ {
		putBE32(payload[i*4:i*4+4], EncodeAudioInt24(0))
	}
	hdr := CIPHeader{
		SID: p.nodeID,
		DBS: p.dbs,
		DBC: dbc,
		FMT: FmtAMDTP,
		FDF: NoDataFDF,
		SYT: NoDataSYT,
	}
	out := make([]byte, 8+len(payload))
	hb := hdr.Encode()
	copy(out[0:8], hb[:])
	copy(out[8:], payload)
	return out
}

// encodeMIDI fills the MIDI sub-slot of each event with a queued byte
// if the per-slot rate limiter permits, else MIDI_NO_DATA.
func (p *TransmitProcessor) encodeMIDI(payload []byte, dbc uint8) {
	if p.Ports == nil {
		return
	}
	frameSize := int(p.dbs) * 4
	for j := 0; j < p.sytInterval; j++ {
		slot := MIDISlot(dbc, j, 1)
		mp := p.Ports.MIDIAtLocation(port.Playback, slot+1)
		if mp == nil {
			continue
		}
		base := j*frameSize + slot*4
		if base+4 > len(payload) {
			continue
		}
		if mp.PendingMIDI() > 0 && p.limiterFor(slot).Allow() {
			if b, ok := mp.PopMIDIByte(); ok {
				putBE32(payload[base:base+4], EncodeMIDI1X(b))
				continue
			}
		}
		putBE32(payload[base:base+4], EncodeMIDINoData())
	}
}

func putBE32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}
