package port

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAttachBufferRejectsPacketSignalled(t *testing.T) {
	p := New("midi-out", Playback, MIDI, MidiByte, PacketSignalled, 8, 1)
	err := p.AttachBuffer(make([]byte, 16))
	require.Error(t, err)
}

func TestMIDIByteFIFOOrder(t *testing.T) {
	p := New("midi-in", Capture, MIDI, MidiByte, PacketSignalled, 8, 1)
	require.NoError(t, p.PushMIDIByte(0x90))
	require.NoError(t, p.PushMIDIByte(0x3c))
	require.NoError(t, p.PushMIDIByte(0x7f))
	require.Equal(t, 3, p.PendingMIDI())

	b, ok := p.PopMIDIByte()
	require.True(t, ok)
	require.Equal(t, byte(0x90), b)
	b, ok = p.PopMIDIByte()
	require.True(t, ok)
	require.Equal(t, byte(0x3c), b)
}

func TestManagerCountByDirectionAndType(t *testing.T) {
	m := NewManager()
	m.Register(New("in1", Capture, Audio, Int24, PeriodSignalled, 8, 0))
	m.Register(New("in2", Capture, Audio, Int24, PeriodSignalled, 12, 0))
	m.Register(New("midi-in", Capture, MIDI, MidiByte, PacketSignalled, 8, 1))
	m.Register(New("out1", Playback, Audio, Int24, PeriodSignalled, 8, 0))

	require.Equal(t, 3, m.Count(Capture, Audio, true))
	require.Equal(t, 2, m.Count(Capture, Audio, false))
	require.Equal(t, 1, m.Count(Capture, MIDI, false))
	require.Equal(t, 1, m.Count(Playback, Audio, false))
}

func TestMIDIAtLocation(t *testing.T) {
	m := NewManager()
	mp := New("midi-out", Playback, MIDI, MidiByte, PacketSignalled, 8, 1)
	m.Register(mp)
	require.Same(t, mp, m.MIDIAtLocation(Playback, 1))
	require.Nil(t, m.MIDIAtLocation(Playback, 2))
}
