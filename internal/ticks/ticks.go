// Package ticks implements wrap-safe arithmetic on IEEE-1394 bus time.
//
// The hardware cycle timer is a 32-bit register packing 7 bits of
// seconds, 13 bits of cycle number and 12 bits of sub-cycle offset. It
// wraps every 128 seconds. Internally everything is converted to a
// monotone tick count (24,576,000 ticks/second) so that DLL and
// ring-buffer arithmetic never has to reason about the packed form.
package ticks

import "fmt"

const (
	// TicksPerSecond is the base time unit: 8000 cycles/s * 3072 ticks/cycle.
	TicksPerSecond = 24576000
	// TicksPerCycle is the number of ticks in one 125 microsecond cycle.
	TicksPerCycle = 3072
	// CyclesPerSecond is the isochronous cycle rate.
	CyclesPerSecond = 8000
	// SecondsWrap is the modulus of the 7-bit seconds field.
	SecondsWrap = 128
	// WrapValue is the tick count at which the cycle timer wraps.
	WrapValue = SecondsWrap * TicksPerSecond
)

// Ticks is a monotone, wrap-aware tick count in [0, WrapValue). Arithmetic
// on Ticks must go through Add/Diff; raw integer subtraction of two Ticks
// values does not account for the 128s wrap and must not be used at call
// sites.
type Ticks uint32

// Normalize reduces t modulo WrapValue.
func Normalize(t int64) Ticks {
	t %= WrapValue
	if t < 0 {
		t += WrapValue
	}
	return Ticks(t)
}

// Add returns a+b, wrapped into [0, WrapValue).
func Add(a Ticks, b int64) Ticks {
	return Normalize(int64(a) + b)
}

// Diff returns a signed difference a-b in (-WrapValue/2, +WrapValue/2],
// correcting for wraparound. Any comparison between a "produced at" and
// "due at" timestamp must go through Diff, never raw subtraction.
func Diff(a, b Ticks) int64 {
	d := int64(a) - int64(b)
	half := int64(WrapValue / 2)
	switch {
	case d > half:
		d -= WrapValue
	case d <= -half:
		d += WrapValue
	}
	return d
}

// CycleTime is the packed hardware representation: 7-bit seconds,
// 13-bit cycles, 12-bit offset.
type CycleTime struct {
	Seconds uint8
	Cycles  uint16
	Offset  uint16
}

// Pack encodes a CycleTime into the 32-bit register form used by the
// transport's get_cycle_timer() call.
func (c CycleTime) Pack() uint32 {
	return uint32(c.Seconds&0x7f)<<25 | uint32(c.Cycles&0x1fff)<<12 | uint32(c.Offset&0xfff)
}

// Unpack decodes the 32-bit cycle timer register form.
func Unpack(raw uint32) CycleTime {
	return CycleTime{
		Seconds: uint8((raw >> 25) & 0x7f),
		Cycles:  uint16((raw >> 12) & 0x1fff),
		Offset:  uint16(raw & 0xfff),
	}
}

// ToTicks converts a packed cycle time to an absolute tick count.
func (c CycleTime) ToTicks() Ticks {
	if c.Cycles >= CyclesPerSecond {
		panic(fmt.Sprintf("ticks: cycle field out of range: %d", c.Cycles))
	}
	t := int64(c.Seconds)*TicksPerSecond + int64(c.Cycles)*TicksPerCycle + int64(c.Offset)
	return Normalize(t)
}

// FromTicks converts an absolute tick count back to packed cycle-time form.
func FromTicks(t Ticks) CycleTime {
	total := int64(t)
	sec := total / TicksPerSecond
	rem := total % TicksPerSecond
	cyc := rem / TicksPerCycle
	off := rem % TicksPerCycle
	return CycleTime{
		Seconds: uint8(sec % SecondsWrap),
		Cycles:  uint16(cyc),
		Offset:  uint16(off),
	}
}

// DiffCycles returns the signed difference in whole cycles between two
// absolute cycle counts (seconds*8000 + cycle, in [0, 128*8000)), as
// passed by the transport's cycle argument and the enable protocol,
// wrap-corrected modulo the 128s cycle-timer wrap.
func DiffCycles(a, b int64) int64 {
	const cycleWrap = SecondsWrap * CyclesPerSecond
	d := a - b
	half := int64(cycleWrap / 2)
	switch {
	case d > half:
		d -= cycleWrap
	case d <= -half:
		d += cycleWrap
	}
	return d
}
