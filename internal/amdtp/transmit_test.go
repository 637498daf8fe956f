package amdtp

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"amdtpd/internal/port"
	"amdtpd/internal/ringbuffer"
	"amdtpd/internal/ticks"
)

func newTestTransmit(t *testing.T) *TransmitProcessor {
	t.Helper()
	rb := ringbuffer.New(256, 4*2, ticks.WrapValue)
	ports := port.NewManager()
	tp, err := NewTransmitProcessor(slog.Default(), Rate48000, 2, 0, rb, ports)
	require.NoError(t, err)
	return tp
}

func TestTransmitDisabledProducesNoData(t *testing.T) {
	tp := newTestTransmit(t)
	data, disp := tp.GetPacket(0, ticks.CycleTime{}, 512)
	require.Equal(t, DEFER, disp)
	hdr, err := DecodeCIPHeader(data)
	require.NoError(t, err)
	require.Equal(t, byte(NoDataFDF), hdr.FDF)
	require.EqualValues(t, NoDataSYT, hdr.SYT)
}

func TestTransmitDBCAdvancesBySytIntervalOnNoData(t *testing.T) {
	tp := newTestTransmit(t)
	_, _ = tp.GetPacket(0, ticks.CycleTime{}, 512)
	require.EqualValues(t, 8, tp.dbc.Load())
	_, _ = tp.GetPacket(0, ticks.CycleTime{}, 512)
	require.EqualValues(t, 16, tp.dbc.Load())
}

func TestPrefillFillsSilence(t *testing.T) {
	tp := newTestTransmit(t)
	tp.Prefill(3, 64)
	require.EqualValues(t, 3*64, tp.RingBuffer.Fill())
}
