// Package dll implements the rate-estimator delay-locked loop that turns
// observed packet timestamps into a smoothed ticks-per-frame estimate.
//
// Ported from FFADO's libutil/DelayLockedLoop, generalized to an
// arbitrary filter order rather than hardcoding order 1 or 2.
package dll

import "math"

// DLL is a generalized-order delay-locked loop. Order 1 tracks only a
// rate; order 2 (the default used throughout this engine) additionally
// tracks the rate of change of the rate, giving much better rejection of
// jittery packet arrival.
type DLL struct {
	order  int
	coeffs []float64
	nodes  []float64
	err    float64
}

// New builds a DLL of the given order with explicit coefficients. len(coeffs)
// must equal order.
func New(order int, coeffs []float64) *DLL {
	if order < 1 {
		panic("dll: order must be >= 1")
	}
	if len(coeffs) != order {
		panic("dll: len(coeffs) must equal order")
	}
	c := make([]float64, order)
	copy(c, coeffs)
	return &DLL{
		order:  order,
		coeffs: c,
		nodes:  make([]float64, order),
	}
}

// NewSecondOrder builds the order-2 DLL spec'd in §4.3: coefficients
// derived from a natural frequency omega (radians per update) and a
// damping ratio, seeded to the given nominal period length.
func NewSecondOrder(omega, damping, nominal float64) *DLL {
	b := omega * damping * math.Sqrt2
	c := omega * omega
	d := New(2, []float64{b, c})
	d.nodes[0] = nominal
	return d
}

// DefaultSecondOrder builds the order-2 DLL with the spec's default
// natural frequency (2*pi*0.001 per update) and damping sqrt(2), seeded
// to the given nominal period length.
func DefaultSecondOrder(nominal float64) *DLL {
	const omega = 2 * math.Pi * 0.001
	return NewSecondOrder(omega, math.Sqrt2, nominal)
}

// Put injects one observed period length in ticks, in the same unit the
// loop was seeded with. The receive processor feeds the tick distance
// between two consecutive SYT timestamps (syt_interval frames apart) and
// divides Get's result by syt_interval to obtain ticks per frame.
func (d *DLL) Put(v float64) {
	d.err = v - d.nodes[0]
	d.nodes[0] += d.err * d.coeffs[0]
	if d.order == 1 {
		return
	}
	d.nodes[0] += d.nodes[1]
	d.nodes[1] += d.err * d.coeffs[1]
	if d.order == 2 {
		return
	}
	for i := 2; i < d.order; i++ {
		d.nodes[i-1] += d.nodes[i]
		d.nodes[i] = d.coeffs[i] * d.err
	}
}

// Get returns the current estimated period length, in the unit passed to
// Put.
func (d *DLL) Get() float64 {
	return d.nodes[0]
}

// Error returns the raw error signal from the most recent Put, for
// diagnostics.
func (d *DLL) Error() float64 {
	return d.err
}

// Reset zeroes all filter state, including the tracked rate.
func (d *DLL) Reset() {
	for i := range d.nodes {
		d.nodes[i] = 0
	}
	d.err = 0
}

// ResetToNominal resets the loop and reseeds the rate node to nominal,
// matching the "reset to nominal on stream (re)start" requirement.
func (d *DLL) ResetToNominal(nominal float64) {
	d.Reset()
	d.nodes[0] = nominal
}

// Order returns the filter order.
func (d *DLL) Order() int {
	return d.order
}

// Coefficient returns the i'th filter coefficient.
func (d *DLL) Coefficient(i int) float64 {
	return d.coeffs[i]
}

// SetCoefficient overwrites the i'th filter coefficient.
func (d *DLL) SetCoefficient(i int, c float64) {
	d.coeffs[i] = c
}

// SetIntegrator seeds the i'th integrator node directly, letting callers
// restore previously observed state (e.g. across a brief xrun recovery).
func (d *DLL) SetIntegrator(i int, v float64) {
	d.nodes[i] = v
}
