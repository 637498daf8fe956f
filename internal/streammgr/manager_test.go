package streammgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"amdtpd/internal/amdtp"
	"amdtpd/internal/port"
	"amdtpd/internal/ringbuffer"
	"amdtpd/internal/ticks"
	"log/slog"
)

func TestRegisterRejectsAfterRunning(t *testing.T) {
	m := New(slog.Default(), nil, nil, Config{Period: 64, NbBuffers: 3})
	m.running = true
	rb := ringbuffer.New(256, 8, ticks.WrapValue)
	rp, err := amdtp.NewReceiveProcessor(slog.Default(), amdtp.Rate48000, 2, rb, port.NewManager())
	require.NoError(t, err)
	err = m.RegisterProcessor(NewRx(rp), true)
	require.ErrorIs(t, err, ErrConfig)
}

func TestPrepareRequiresProcessorAndSyncSource(t *testing.T) {
	m := New(slog.Default(), nil, nil, Config{Period: 64, NbBuffers: 3})
	err := m.Prepare()
	require.ErrorIs(t, err, ErrConfig)
}

func TestGetPortCountAcrossProcessors(t *testing.T) {
	m := New(slog.Default(), nil, nil, Config{Period: 64, NbBuffers: 3})
	rb := ringbuffer.New(256, 8, ticks.WrapValue)
	pm := port.NewManager()
	pm.Register(port.New("in1", port.Capture, port.Audio, port.Int24, port.PeriodSignalled, 8, 0))
	rp, err := amdtp.NewReceiveProcessor(slog.Default(), amdtp.Rate48000, 2, rb, pm)
	require.NoError(t, err)
	require.NoError(t, m.RegisterProcessor(NewRx(rp), true))

	require.Equal(t, 1, m.GetPortCount(port.Capture, port.Audio, true))
}
