package compress

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackCompressesRedundantPayload(t *testing.T) {
	payload := bytes.Repeat([]byte("GET /index.html HTTP/1.1\r\n"), 50)

	frame, err := Pack(payload)
	require.NoError(t, err)
	assert.Equal(t, markerLZ4, frame[0])
	assert.Less(t, len(frame), len(payload))

	got, err := Unpack(frame)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPackKeepsIncompressiblePayload(t *testing.T) {
	payload := make([]byte, 1400)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	frame, err := Pack(payload)
	require.NoError(t, err)
	assert.Equal(t, markerRaw, frame[0])
	assert.Len(t, frame, len(payload)+1)

	got, err := Unpack(frame)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPackEmptyAndTiny(t *testing.T) {
	for _, payload := range [][]byte{{}, {0x45}, []byte("abc")} {
		frame, err := Pack(payload)
		require.NoError(t, err)
		got, err := Unpack(frame)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(payload, got))
	}
}

func TestPackTooLarge(t *testing.T) {
	_, err := Pack(make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestUnpackErrors(t *testing.T) {
	_, err := Unpack(nil)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Unpack([]byte{0x7f, 1, 2})
	assert.ErrorIs(t, err, ErrUnknownMarker)

	_, err = Unpack([]byte{markerLZ4, 0})
	assert.ErrorIs(t, err, ErrCorrupt)

	frame, err := Pack(bytes.Repeat([]byte{0xab}, 512))
	require.NoError(t, err)
	require.Equal(t, markerLZ4, frame[0])
	frame[1] = 0xff // claim a different original length
	_, err = Unpack(frame)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestUnpackDoesNotAlias(t *testing.T) {
	frame := []byte{markerRaw, 1, 2, 3}
	got, err := Unpack(frame)
	require.NoError(t, err)
	frame[1] = 9
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func BenchmarkPack(b *testing.B) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 88)
	b.SetBytes(int64(len(payload)))
	for i := 0; i < b.N; i++ {
		_, _ = Pack(payload)
	}
}
