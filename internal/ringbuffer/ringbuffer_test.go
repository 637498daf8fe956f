package ringbuffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	rb := New(16, 4, 1000000)
	rb.SetNominalRate(10)
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, rb.WriteFrames(2, src, 100))
	require.EqualValues(t, 2, rb.Fill())

	dst := make([]byte, 8)
	require.NoError(t, rb.ReadFrames(2, dst))
	require.Equal(t, src, dst)
	require.EqualValues(t, 0, rb.Fill())
}

func TestOverrunNoPartialWrite(t *testing.T) {
	rb := New(4, 4, 0)
	src := make([]byte, 4*5)
	err := rb.WriteFrames(5, src, 0)
	require.ErrorIs(t, err, ErrOverrun)
	require.EqualValues(t, 0, rb.Fill())
}

func TestUnderrunNoPartialRead(t *testing.T) {
	rb := New(4, 4, 0)
	dst := make([]byte, 8)
	err := rb.ReadFrames(2, dst)
	require.ErrorIs(t, err, ErrUnderrun)
}

func TestHeadTimestampStableWithoutWrites(t *testing.T) {
	rb := New(16, 4, 0)
	rb.SetNominalRate(10)
	require.NoError(t, rb.WriteFrames(4, make([]byte, 16), 1000))
	ts1, fill1 := rb.GetBufferHeadTimestamp()
	ts2, fill2 := rb.GetBufferHeadTimestamp()
	require.Equal(t, ts1, ts2)
	require.Equal(t, fill1, fill2)
}

func TestCapacityRoundedToPowerOfTwo(t *testing.T) {
	rb := New(10, 4, 0)
	require.EqualValues(t, 16, rb.Capacity())
}

func TestResetClearsCounters(t *testing.T) {
	rb := New(8, 4, 0)
	require.NoError(t, rb.WriteFrames(2, make([]byte, 8), 50))
	rb.Reset()
	require.EqualValues(t, 0, rb.Fill())
}
