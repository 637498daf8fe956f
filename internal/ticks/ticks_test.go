package ticks

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddDiffRoundTrip(t *testing.T) {
	base := Ticks(1000)
	deltas := []int64{0, 1, -1, 3072, -3072, WrapValue/2 - 1, -(WrapValue/2 - 1)}
	for _, d := range deltas {
		got := Add(base, d)
		require.Equal(t, d, Diff(got, base), "delta %d", d)
	}
}

func TestDiffWrapsAroundBoundary(t *testing.T) {
	// one cycle before wrap vs one cycle after wrap must differ by +6144 (two cycles).
	before := Normalize(WrapValue - TicksPerCycle)
	after := Normalize(TicksPerCycle) // one cycle past zero, i.e. past wrap
	require.Equal(t, int64(2*TicksPerCycle), Diff(after, before))
}

func TestCycleTimePackRoundTrip(t *testing.T) {
	ct := CycleTime{Seconds: 42, Cycles: 7999, Offset: 3071}
	raw := ct.Pack()
	got := Unpack(raw)
	require.Equal(t, ct, got)
}

func TestCycleTimeToTicksRoundTrip(t *testing.T) {
	ct := CycleTime{Seconds: 10, Cycles: 123, Offset: 45}
	tk := ct.ToTicks()
	back := FromTicks(tk)
	require.Equal(t, ct, back)
}

func TestDiffCyclesMonotone(t *testing.T) {
	require.Equal(t, int64(1), DiffCycles(101, 100))
	require.Equal(t, int64(-1), DiffCycles(100, 101))
}
