package dll

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

const nominal = 24576000.0 / 48000.0 * 8 // ticks per syt_interval=8 period at 48kHz

func TestConvergesUnderJitter(t *testing.T) {
	d := DefaultSecondOrder(nominal)
	deltas := []float64{-1, 0, 1}
	for i := 0; i < 5000; i++ {
		delta := deltas[i%len(deltas)]
		d.Put(nominal + delta)
	}
	rel := math.Abs(d.Get()-nominal) / nominal
	require.LessOrEqual(t, rel, 1e-2)
}

func TestResetToNominal(t *testing.T) {
	d := DefaultSecondOrder(nominal)
	d.Put(nominal * 2)
	d.ResetToNominal(nominal)
	require.Equal(t, nominal, d.Get())
	require.Equal(t, 0.0, d.Error())
}

func TestFirstOrder(t *testing.T) {
	d := New(1, []float64{0.5})
	d.Put(10)
	require.Equal(t, 5.0, d.Get())
}
