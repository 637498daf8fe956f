package amdtp

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"amdtpd/internal/port"
	"amdtpd/internal/ringbuffer"
	"amdtpd/internal/ticks"
)

func newTestReceive(t *testing.T) *ReceiveProcessor {
	t.Helper()
	rb := ringbuffer.New(4096, 4*2, ticks.WrapValue)
	ports := port.NewManager()
	rp, err := NewReceiveProcessor(slog.Default(), Rate48000, 2, rb, ports)
	require.NoError(t, err)
	return rp
}

func buildPacket(dbc uint8, dbs uint8, nevents int, syt uint16) []byte {
	hdr := CIPHeader{SID: 0, DBS: dbs, DBC: dbc, FMT: FmtAMDTP, FDF: 0x02, SYT: syt}
	out := make([]byte, 8+nevents*int(dbs)*4)
	hb := hdr.Encode()
	copy(out[0:8], hb[:])
	for i := 0; i < nevents*int(dbs); i++ {
		putBE32(out[8+i*4:8+i*4+4], EncodeAudioInt24(int32(i)))
	}
	return out
}

func TestReceiveInvalidPacketDropped(t *testing.T) {
	rp := newTestReceive(t)
	bad := buildPacket(0, 2, 8, NoDataSYT)
	disp := rp.PutPacket(bad, 5, ticks.CycleTime{})
	require.Equal(t, DEFER, disp)
	require.EqualValues(t, 5, rp.lastCycle) // updated even though dropped
}

func TestReceiveDisabledDoesNotStoreSamples(t *testing.T) {
	rp := newTestReceive(t)
	pkt := buildPacket(0, 2, 8, 0x1000)
	disp := rp.PutPacket(pkt, 0, ticks.CycleTime{Cycles: 0})
	require.Equal(t, DEFER, disp)
	require.EqualValues(t, 0, rp.RingBuffer.Fill())
}

func TestReceiveEnableThenStores(t *testing.T) {
	rp := newTestReceive(t)
	rp.PrepareForEnable(0)
	pkt := buildPacket(0, 2, 8, 0x1000)
	disp := rp.PutPacket(pkt, 0, ticks.CycleTime{Cycles: 0})
	require.Equal(t, OK, disp)
	require.True(t, rp.Enabled())
	require.EqualValues(t, 8, rp.RingBuffer.Fill())
}

func TestReconstructTimestampNearBoundary(t *testing.T) {
	now := ticks.CycleTime{Seconds: 0, Cycles: 7999, Offset: 100}
	syt := uint16(0x0<<12 | 50) // cycle nibble 0, just past wrap
	ts := reconstructTimestamp(syt, now)
	expectedCycle := ticks.CycleTime{Seconds: 1, Cycles: 0, Offset: 50}
	require.Equal(t, expectedCycle.ToTicks(), ts)
}
