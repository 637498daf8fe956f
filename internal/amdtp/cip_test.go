package amdtp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCIPHeaderRoundTrip(t *testing.T) {
	h := CIPHeader{SID: 5, DBS: 3, DBC: 200, FMT: FmtAMDTP, FDF: 0x02, SYT: 0x1234}
	buf := h.Encode()
	got, err := DecodeCIPHeader(buf[:])
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestAudioInt24RoundTrip(t *testing.T) {
	for _, s := range []int32{0, 1, -1, 0x7fffff, -0x800000, 12345, -12345} {
		quad := EncodeAudioInt24(s)
		got := DecodeAudioInt24(quad)
		require.Equal(t, s, got, "sample %d", s)
		require.Equal(t, byte(AudioLabel), byte(quad>>24))
	}
}

func TestAudioFloatRoundTripWithinTolerance(t *testing.T) {
	for _, f := range []float64{0, 0.5, -0.5, 0.999, -1.0} {
		quad := EncodeAudioFloat(f)
		got := DecodeAudioFloat(quad)
		require.InDelta(t, f, got, 1.0/(1<<23))
	}
}

func TestMIDIEncodeDecode(t *testing.T) {
	quad := EncodeMIDI1X(0x90)
	b, ok := DecodeMIDI(quad)
	require.True(t, ok)
	require.Equal(t, byte(0x90), b)

	_, ok = DecodeMIDI(EncodeMIDINoData())
	require.False(t, ok)
}

func TestFDFAndSytIntervalTable(t *testing.T) {
	cases := []struct {
		rate Rate
		fdf  byte
		syt  int
	}{
		{Rate32000, 0x00, 8},
		{Rate44100, 0x01, 8},
		{Rate48000, 0x02, 8},
		{Rate88200, 0x03, 16},
		{Rate96000, 0x04, 16},
		{Rate176400, 0x05, 32},
		{Rate192000, 0x06, 32},
	}
	for _, c := range cases {
		fdf, ok := FDFCode(c.rate)
		require.True(t, ok)
		require.Equal(t, c.fdf, fdf)
		syt, ok := SytInterval(c.rate)
		require.True(t, ok)
		require.Equal(t, c.syt, syt)
	}
}

func TestValidityGate(t *testing.T) {
	h := CIPHeader{FMT: FmtAMDTP, FDF: 0x02, SYT: 0x1234, DBS: 2}
	require.True(t, h.IsValid(16))
	require.False(t, h.IsValid(4)) // too short

	bad := h
	bad.FDF = NoDataFDF
	require.False(t, bad.IsValid(16))

	bad = h
	bad.SYT = NoDataSYT
	require.False(t, bad.IsValid(16))

	bad = h
	bad.DBS = 0
	require.False(t, bad.IsValid(16))
}

func TestMIDISlotWraps(t *testing.T) {
	require.Equal(t, 0, MIDISlot(0, 0, 1))
	require.Equal(t, 0, MIDISlot(255, 1, 1)%8)
}
