package iso

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"amdtpd/internal/ticks"
	"amdtpd/internal/transport"
)

type fakeTransport struct {
	fd int
}

func (f *fakeTransport) OpenPort(portIndex int) (transport.Handle, error) { return 1, nil }
func (f *fakeTransport) IsoXmitInit(h transport.Handle, channel int, buffers, maxPacketSize, irqInterval int, speed transport.Speed, cb transport.TransmitCallback) error {
	return nil
}
func (f *fakeTransport) IsoRecvInit(h transport.Handle, channel int, buffers, maxPacketSize, irqInterval int, mode transport.Mode, cb transport.ReceiveCallback) error {
	return nil
}
func (f *fakeTransport) IsoStart(h transport.Handle, cycle int64) error { return nil }
func (f *fakeTransport) IsoStop(h transport.Handle) error               { return nil }
func (f *fakeTransport) PollFD(h transport.Handle) (int, error)         { return f.fd, nil }
func (f *fakeTransport) GetCycleTimer() (ticks.CycleTime, error)        { return ticks.CycleTime{}, nil }
func (f *fakeTransport) Close(h transport.Handle) error                 { return nil }
func (f *fakeTransport) Iterate(h transport.Handle) error               { return nil }

func TestHandlerLifecycle(t *testing.T) {
	tr := &fakeTransport{fd: 7}
	h := NewHandler(slog.Default(), tr, 0)
	require.Equal(t, Created, h.State())

	require.NoError(t, h.Init(nil))
	require.Equal(t, Initialised, h.State())

	require.NoError(t, h.RegisterStream(StreamBinding{Channel: 0, Dir: Receive}))
	require.NoError(t, h.Prepare(256))
	require.Equal(t, Prepared, h.State())
	require.Equal(t, 7, h.GetFileDescriptor())

	require.NoError(t, h.Start(-1))
	require.Equal(t, Running, h.State())

	require.NoError(t, h.Stop())
	require.Equal(t, Prepared, h.State())

	require.NoError(t, h.Close())
	require.Equal(t, Closed, h.State())
}

func TestPrepareRejectsWithoutStream(t *testing.T) {
	tr := &fakeTransport{fd: 7}
	h := NewHandler(slog.Default(), tr, 0)
	require.NoError(t, h.Init(nil))
	err := h.Prepare(256)
	require.Error(t, err)
}

func TestArenaDestroyRemovesHandler(t *testing.T) {
	tr := &fakeTransport{fd: 7}
	h := NewHandler(slog.Default(), tr, 0)
	require.NoError(t, h.Init(nil))
	require.NoError(t, h.RegisterStream(StreamBinding{Channel: 0, Dir: Receive}))
	require.NoError(t, h.Prepare(256))

	a := NewArena()
	id := a.Insert(h)
	require.Equal(t, 1, a.Len())

	require.NoError(t, a.Destroy(id))
	require.Equal(t, 0, a.Len())
	require.Equal(t, Closed, h.State())
}
