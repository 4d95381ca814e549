package frame

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestControlRoundTrip(t *testing.T) {
	got := EncodeCloseConn(2)
	require.Equal(t, []byte{0x07, 0x00, 0x00, 0x00, 0x01, 0x02, 0x00}, got)

	got = EncodeKeepalive()
	require.Equal(t, []byte{0x05, 0x00, 0x00, 0x00, 0x02}, got)
}

func TestDataFrameRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, n := range []int{0, 1, 5, 1024, MaxPayload} {
		payload := make([]byte, n)
		rnd.Read(payload)

		encoded, err := EncodeData(2, payload)
		require.NoError(t, err)

		var dec Decoder
		dec.Feed(encoded)
		f, ok, err := dec.Next()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint16(2), f.ConnIdx)
		require.Equal(t, payload, f.Payload)
		require.Empty(t, dec.buf)
		Release(f)
	}
}

func TestEncodeDataRejectsControlIndex(t *testing.T) {
	_, err := EncodeData(ConnIdxControl, []byte("x"))
	require.Error(t, err)
}

func TestEncodeDataRejectsOversizePayload(t *testing.T) {
	_, err := EncodeData(2, make([]byte, MaxPayload+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestStreamingDecodeAcrossArbitraryBoundaries(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))

	var want []Frame
	var wire bytes.Buffer
	for i := 0; i < 20; i++ {
		payload := make([]byte, rnd.Intn(50))
		rnd.Read(payload)
		idx := uint16(2 + i)
		want = append(want, Frame{ConnIdx: idx, Payload: payload})
		encoded, err := EncodeData(idx, payload)
		require.NoError(t, err)
		wire.Write(encoded)
	}

	all := wire.Bytes()
	var dec Decoder
	var got []Frame
	pos := 0
	for pos < len(all) {
		// Feed a random-sized slice, possibly splitting a frame mid-header or mid-payload.
		n := 1 + rnd.Intn(7)
		if pos+n > len(all) {
			n = len(all) - pos
		}
		dec.Feed(all[pos : pos+n])
		pos += n

		for {
			f, ok, err := dec.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			payload := append([]byte(nil), f.Payload...)
			got = append(got, Frame{ConnIdx: f.ConnIdx, Payload: payload})
			Release(f)
		}
	}

	require.Equal(t, len(want), len(got))
	for i := range want {
		require.Equal(t, want[i].ConnIdx, got[i].ConnIdx)
		require.Equal(t, want[i].Payload, got[i].Payload)
	}
}

func TestShortFrameIsRejected(t *testing.T) {
	var dec Decoder
	dec.Feed([]byte{0x02, 0x00, 0x00, 0x00})
	_, _, err := dec.Next()
	require.ErrorIs(t, err, ErrShortFrame)
}

func TestChunksPreservesOrderAndBound(t *testing.T) {
	b := make([]byte, MaxPayload*2+7)
	for i := range b {
		b[i] = byte(i)
	}
	chunks := Chunks(b)
	require.Len(t, chunks, 3)

	var rebuilt []byte
	for _, c := range chunks {
		require.LessOrEqual(t, len(c), MaxPayload)
		rebuilt = append(rebuilt, c...)
	}
	require.Equal(t, b, rebuilt)
}

func TestChunksEmptyInput(t *testing.T) {
	require.Nil(t, Chunks(nil))
	require.Nil(t, Chunks([]byte{}))
}
