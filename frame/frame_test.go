package frame

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePacket(t *testing.T) {
	t.Run("length includes header", func(t *testing.T) {
		got := EncodePacket([]byte{0x01, 'h', 'i'})
		require.Len(t, got, 7)
		assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(got[:4]))
		assert.Equal(t, []byte{0x01, 'h', 'i'}, got[4:])
	})

	t.Run("empty body is header only", func(t *testing.T) {
		got := EncodePacket(nil)
		assert.Equal(t, []byte{4, 0, 0, 0}, got)
	})
}

func TestReadPacket(t *testing.T) {
	limits := DefaultLimits()

	t.Run("reads consecutive packets from one stream", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WritePacket(&buf, []byte("first"), limits))
		require.NoError(t, WritePacket(&buf, []byte("second"), limits))
		require.NoError(t, WritePacket(&buf, nil, limits))

		got, err := ReadPacket(&buf, limits)
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), got)

		got, err = ReadPacket(&buf, limits)
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), got)

		got, err = ReadPacket(&buf, limits)
		require.NoError(t, err)
		assert.Empty(t, got)

		_, err = ReadPacket(&buf, limits)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("reassembles a packet split across reads", func(t *testing.T) {
		packet := EncodePacket([]byte("fragmented"))
		r := io.MultiReader(bytes.NewReader(packet[:2]), bytes.NewReader(packet[2:6]), bytes.NewReader(packet[6:]))

		got, err := ReadPacket(r, limits)
		require.NoError(t, err)
		assert.Equal(t, []byte("fragmented"), got)
	})

	t.Run("declared length below header is rejected", func(t *testing.T) {
		_, err := ReadPacket(bytes.NewReader([]byte{3, 0, 0, 0}), limits)
		assert.ErrorIs(t, err, ErrInvalidLength)
	})

	t.Run("body above limit is rejected", func(t *testing.T) {
		packet := EncodePacket(make([]byte, 32))
		_, err := ReadPacket(bytes.NewReader(packet), Limits{MaxBodyBytes: 16})
		assert.ErrorIs(t, err, ErrBodyTooLarge)
	})

	t.Run("truncated body is unexpected EOF", func(t *testing.T) {
		packet := EncodePacket([]byte("truncated"))
		_, err := ReadPacket(bytes.NewReader(packet[:8]), limits)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("truncated header is unexpected EOF", func(t *testing.T) {
		_, err := ReadPacket(bytes.NewReader([]byte{9, 0}), limits)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestWritePacket_Limit(t *testing.T) {
	var buf bytes.Buffer
	err := WritePacket(&buf, make([]byte, 10), Limits{MaxBodyBytes: 4})
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Zero(t, buf.Len())
}

func TestRequestResponseBody(t *testing.T) {
	t.Run("request body starts with code", func(t *testing.T) {
		req := Request{Code: 0x05, Payload: []byte("bob")}
		assert.Equal(t, []byte{0x05, 'b', 'o', 'b'}, req.Body())

		got, err := DecodeRequest(req.Body())
		require.NoError(t, err)
		assert.Equal(t, byte(0x05), got.Code)
		assert.Equal(t, []byte("bob"), got.Payload)
	})

	t.Run("response body starts with status", func(t *testing.T) {
		got, err := DecodeResponse(Msg("hola").Body())
		require.NoError(t, err)
		assert.Equal(t, StatusMsg, got.Status)
		assert.Equal(t, "hola", string(got.Payload))
	})

	t.Run("empty body cannot be decoded", func(t *testing.T) {
		_, err := DecodeRequest(nil)
		assert.ErrorIs(t, err, ErrEmptyBody)
		_, err = DecodeResponse([]byte{})
		assert.ErrorIs(t, err, ErrEmptyBody)
	})
}
