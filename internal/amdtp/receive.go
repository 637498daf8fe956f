package amdtp

import (
	"log/slog"
	"sync/atomic"

	"amdtpd/internal/dll"
	"amdtpd/internal/port"
	"amdtpd/internal/ringbuffer"
	"amdtpd/internal/ticks"
)

// ReceiveProcessor parses AMDTP packets into frames plus a
// reconstructed SYT timestamp and deposits them in a ring buffer,
// demultiplexing per-packet MIDI sub-channels along the way.
type ReceiveProcessor struct {
	logger *slog.Logger

	rate        Rate
	sytInterval int
	dbs         uint8

	RingBuffer *ringbuffer.TimestampedRingBuffer
	Ports      *port.Manager
	DLL        *dll.DLL

	nominalTicksPerFrame float64

	lastCycle          int64
	previousTimestamp  ticks.Ticks
	havePrevTimestamp  bool

	enabled      atomic.Bool
	enableCycle  atomic.Int64
	enablePending atomic.Bool

	xrunCount atomic.Uint64
	xrunFlag  atomic.Bool
}

// NewReceiveProcessor builds a receive processor for the given sample
// rate, frame stride (dbs quadlets) and backing ring buffer / ports.
func NewReceiveProcessor(logger *slog.Logger, rate Rate, dbs uint8, rb *ringbuffer.TimestampedRingBuffer, ports *port.Manager) (*ReceiveProcessor, error) {
	sytInterval, ok := SytInterval(rate)
	if !ok {
		return nil, errUnsupportedRate(rate)
	}
	nominal := float64(ticks.TicksPerSecond) / float64(rate) * float64(sytInterval)
	p := &ReceiveProcessor{
		logger:               logger,
		rate:                 rate,
		sytInterval:          sytInterval,
		dbs:                  dbs,
		RingBuffer:           rb,
		Ports:                ports,
		DLL:                  dll.DefaultSecondOrder(nominal),
		nominalTicksPerFrame: float64(ticks.TicksPerSecond) / float64(rate),
	}
	rb.SetNominalRate(p.nominalTicksPerFrame)
	rb.SetWrapValue(ticks.WrapValue)
	return p, nil
}

// PrepareForEnable arms the latency-tolerant enable protocol: the first
// valid packet whose cycle satisfies diff_cycles(cycle, C) >= 0 flips
// enabled, per the Open Question resolution in §9.
func (p *ReceiveProcessor) PrepareForEnable(atCycle int64) {
	p.enableCycle.Store(atCycle)
	p.enablePending.Store(true)
}

// Enabled reports whether the processor is currently storing samples.
func (p *ReceiveProcessor) Enabled() bool {
	return p.enabled.Load()
}

// XrunCount returns the cumulative number of overruns observed since
// the processor was created; it never resets, for diagnostics.
func (p *ReceiveProcessor) XrunCount() uint64 {
	return p.xrunCount.Load()
}

// Xrun reports whether an overrun has happened since the last Reset,
// distinct from the cumulative XrunCount: this is what the streaming
// thread checks to decide a restart hasn't recovered yet.
func (p *ReceiveProcessor) Xrun() bool {
	return p.xrunFlag.Load()
}

// Reset clears bookkeeping state and the DLL, ready for a fresh enable.
func (p *ReceiveProcessor) Reset() {
	p.enabled.Store(false)
	p.enablePending.Store(false)
	p.havePrevTimestamp = false
	p.lastCycle = 0
	p.xrunFlag.Store(false)
	p.DLL.ResetToNominal(p.nominalTicksPerFrame * float64(p.sytInterval))
	p.RingBuffer.Reset()
}

// reconstructTimestamp splices a packet's 16-bit SYT with the transport's
// current cycle timer, per §4.4 step 2: it extracts the packet's 4-bit
// cycle nibble, finds the signed delta (mod 16) to the current cycle's
// low nibble, rebuilds the absolute cycle, and handles the seconds wrap
// when the reconstructed cycle falls outside [0, 7999].
func reconstructTimestamp(syt uint16, now ticks.CycleTime) ticks.Ticks {
	cycleLow4 := int((syt >> 12) & 0xf)
	offset := uint16(syt & 0xfff)
	curLow4 := int(now.Cycles & 0xf)

	delta := cycleLow4 - curLow4
	if delta > 8 {
		delta -= 16
	} else if delta <= -8 {
		delta += 16
	}

	cycle := int(now.Cycles) + delta
	sec := int(now.Seconds)
	switch {
	case cycle >= ticks.CyclesPerSecond:
		cycle -= ticks.CyclesPerSecond
		sec = (sec + 1) % ticks.SecondsWrap
	case cycle < 0:
		cycle += ticks.CyclesPerSecond
		sec = (sec - 1 + ticks.SecondsWrap) % ticks.SecondsWrap
	}

	ct := ticks.CycleTime{Seconds: uint8(sec), Cycles: uint16(cycle), Offset: offset}
	return ct.ToTicks()
}

// PutPacket processes one received AMDTP packet. now is the transport's
// current cycle timer at the moment the packet was delivered; cycle is
// the cycle the packet was actually received on.
func (p *ReceiveProcessor) PutPacket(data []byte, cycle int64, now ticks.CycleTime) Disposition {
	p.lastCycle = cycle

	hdr, err := DecodeCIPHeader(data)
	if err != nil || !hdr.IsValid(len(data)) {
		// PacketInvalid: silently dropped, cycle bookkeeping still
		// advances (already updated above).
		return DEFER
	}

	nevents := hdr.NEvents(len(data))
	if nevents <= 0 {
		return DEFER
	}

	ts := reconstructTimestamp(hdr.SYT, now)

	if p.havePrevTimestamp {
		observed := ticks.Diff(ts, p.previousTimestamp)
		nominal := p.nominalTicksPerFrame * float64(p.sytInterval)
		if deviatesBeyond(float64(observed), nominal, 0.5) {
			p.logger.Warn("amdtp: timestamp jitter beyond tolerance",
				"observed_ticks", observed, "nominal_ticks", nominal)
		}
		p.DLL.Put(float64(observed))
		p.RingBuffer.SetNominalRate(p.DLL.Get() / float64(p.sytInterval))
	}

	if p.enablePending.Load() && ticks.DiffCycles(cycle, p.enableCycle.Load()) >= 0 {
		p.enablePending.Store(false)
		p.enabled.Store(true)
		if p.havePrevTimestamp {
			p.RingBuffer.SetBufferTailTimestamp(int64(p.previousTimestamp))
		} else {
			p.RingBuffer.SetBufferTailTimestamp(int64(ts))
		}
	}

	payload := data[8:]
	frameSize := int(hdr.DBS) * 4

	if !p.enabled.Load() {
		// Disabled: keep tail timestamp coherent for downstream period
		// estimation without storing samples.
		advanced := int64(ts) // tail for next packet is this packet's own ts
		p.RingBuffer.SetBufferTailTimestamp(advanced)
		p.demuxMIDI(payload, hdr.DBC, nevents, int(hdr.DBS))
		p.previousTimestamp = ts
		p.havePrevTimestamp = true
		return DEFER
	}

	if err := p.RingBuffer.WriteFrames(uint64(nevents), payload[:nevents*frameSize], int64(ts)); err != nil {
		p.xrunCount.Add(1)
		p.xrunFlag.Store(true)
		p.enabled.Store(false)
		p.logger.Error("amdtp: receive ring buffer overrun", "xruns", p.xrunCount.Load())
		p.previousTimestamp = ts
		p.havePrevTimestamp = true
		return DEFER
	}

	p.demuxMIDI(payload, hdr.DBC, nevents, int(hdr.DBS))

	p.previousTimestamp = ts
	p.havePrevTimestamp = true
	return OK
}

// demuxMIDI decodes the MIDI sub-slot for each event in the packet and
// deposits any non-NO-DATA byte into the bound MIDI port's ring.
func (p *ReceiveProcessor) demuxMIDI(payload []byte, dbc uint8, nevents, dbs int) {
	if p.Ports == nil {
		return
	}
	for j := 0; j < nevents; j++ {
		slot := MIDISlot(dbc, j, 1)
		mp := p.Ports.MIDIAtLocation(port.Capture, slot+1)
		if mp == nil {
			continue
		}
		base := j * dbs * 4
		if base+4 > len(payload) {
			break
		}
		quad := beUint32(payload[base : base+4])
		if b, ok := DecodeMIDI(quad); ok {
			_ = mp.PushMIDIByte(b)
		}
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func deviatesBeyond(observed, nominal, frac float64) bool {
	if nominal == 0 {
		return false
	}
	lo := nominal * (1 - frac)
	hi := nominal * (1 + frac)
	return observed < lo || observed > hi
}

type errUnsupportedRate Rate

func (e errUnsupportedRate) Error() string {
	return "amdtp: unsupported sample rate"
}
