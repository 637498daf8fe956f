// Package port implements the typed data-plane endpoints (audio, MIDI,
// control) that the stream processors multiplex samples through, and
// the manager that enumerates them.
//
// Port kind is modelled as a sum type fixed at construction (Direction x
// Type x Encoding x Buffering), per the "avoid dynamic casts on PortInfo"
// design note: there is exactly one constructor path and no later
// mutation of these fields.
package port

import (
	"fmt"

	"github.com/gammazero/deque"
)

// Direction of data flow for a port.
type Direction int

const (
	Capture Direction = iota
	Playback
)

func (d Direction) String() string {
	if d == Capture {
		return "capture"
	}
	return "playback"
}

// Type is the category of data a port carries.
type Type int

const (
	Audio Type = iota
	MIDI
	Control
)

func (t Type) String() string {
	switch t {
	case Audio:
		return "audio"
	case MIDI:
		return "midi"
	default:
		return "control"
	}
}

// Encoding is the in-memory sample representation.
type Encoding int

const (
	Int24 Encoding = iota
	Float
	MidiByte
)

// Buffering is the port's backing-buffer discipline.
type Buffering int

const (
	// PeriodSignalled ports expose one block of `period` frames per
	// period, via a pointer buffer the client attaches.
	PeriodSignalled Buffering = iota
	// PacketSignalled ports are a per-packet byte stream backed by a
	// ring/deque, used for MIDI sub-channels.
	PacketSignalled
)

// Port is a named endpoint bound to a fixed location within the AMDTP
// frame.
type Port struct {
	Name      string
	Dir       Direction
	Typ       Type
	Enc       Encoding
	Buf       Buffering
	ByteOffset int // position within the AM824 frame, in bytes
	Location  int // MIDI sub-slot location (1-based, per spec §4.4/4.5)

	// external is the client-attached pointer buffer for
	// PeriodSignalled audio ports. It is nil until AttachBuffer is
	// called.
	external []byte

	// midi is the packet-signalled MIDI byte deque, non-nil only for
	// Type==MIDI ports.
	midi *deque.Deque[byte]
}

// New constructs a port with its kind fixed for its lifetime.
func New(name string, dir Direction, typ Type, enc Encoding, buf Buffering, byteOffset, location int) *Port {
	p := &Port{
		Name: name, Dir: dir, Typ: typ, Enc: enc, Buf: buf,
		ByteOffset: byteOffset, Location: location,
	}
	if typ == MIDI {
		p.midi = deque.New[byte](64)
	}
	return p
}

// AttachBuffer binds an external pointer buffer for a PeriodSignalled
// port. Audio ports may use external pointer buffers per §6.3.
func (p *Port) AttachBuffer(buf []byte) error {
	if p.Buf != PeriodSignalled {
		return fmt.Errorf("port %q: AttachBuffer only valid for PeriodSignalled ports", p.Name)
	}
	p.external = buf
	return nil
}

// Buffer returns the currently attached external buffer, if any.
func (p *Port) Buffer() []byte {
	return p.external
}

// PushMIDIByte appends one decoded MIDI byte to a MIDI port's packet
// stream (receive direction).
func (p *Port) PushMIDIByte(b byte) error {
	if p.midi == nil {
		return fmt.Errorf("port %q: not a MIDI port", p.Name)
	}
	p.midi.PushBack(b)
	return nil
}

// PopMIDIByte removes and returns the next queued MIDI byte for
// transmission, if any.
func (p *Port) PopMIDIByte() (byte, bool) {
	if p.midi == nil || p.midi.Len() == 0 {
		return 0, false
	}
	return p.midi.PopFront(), true
}

// PendingMIDI reports how many MIDI bytes are queued.
func (p *Port) PendingMIDI() int {
	if p.midi == nil {
		return 0
	}
	return p.midi.Len()
}

// Manager enumerates a stream processor's ports.
type Manager struct {
	ports []*Port
}

// NewManager creates an empty port manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a port to the manager. Ports may only be registered
// before the owning stream starts (enforced by the caller, per §6.3).
func (m *Manager) Register(p *Port) {
	m.ports = append(m.ports, p)
}

// Count returns the number of ports matching dir, optionally filtered
// by typ (pass anyType=true to count all types), matching the original's
// (direction, *type) granularity rather than collapsing to
// direction-only.
func (m *Manager) Count(dir Direction, typ Type, anyType bool) int {
	n := 0
	for _, p := range m.ports {
		if p.Dir != dir {
			continue
		}
		if !anyType && p.Typ != typ {
			continue
		}
		n++
	}
	return n
}

// ByIndex returns the i'th port of the given direction across all
// types, or nil if out of range.
func (m *Manager) ByIndex(i int, dir Direction) *Port {
	idx := 0
	for _, p := range m.ports {
		if p.Dir != dir {
			continue
		}
		if idx == i {
			return p
		}
		idx++
	}
	return nil
}

// All returns every registered port.
func (m *Manager) All() []*Port {
	return m.ports
}

// MIDIAtLocation returns the MIDI port bound to the given sub-slot
// location, if any.
func (m *Manager) MIDIAtLocation(dir Direction, location int) *Port {
	for _, p := range m.ports {
		if p.Dir == dir && p.Typ == MIDI && p.Location == location {
			return p
		}
	}
	return nil
}
