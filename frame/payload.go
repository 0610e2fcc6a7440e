package frame

import (
	"bytes"
	"errors"
)

// ErrShortPayload is returned by Reader when a field extends past the end of
// the payload.
var ErrShortPayload = errors.New("frame: payload too short")

// Reader reads typed fields sequentially from a request payload. Strings are
// NUL-terminated. A Reader is not safe for concurrent use.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over payload. The payload is not copied.
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// Byte reads a single byte.
//
// Returns:
//   - The next byte, or ErrShortPayload if none remain
func (r *Reader) Byte() (byte, error) {
	if r.Len() < 1 {
		return 0, ErrShortPayload
	}

	b := r.buf[r.off]
	r.off++
	return b, nil
}

// String reads a NUL-terminated string. When no terminator is present the
// rest of the payload is consumed as the string.
//
// Returns:
//   - The string without its terminator, or ErrShortPayload if nothing remains
func (r *Reader) String() (string, error) {
	if r.Len() < 1 {
		return "", ErrShortPayload
	}

	rest := r.buf[r.off:]
	end := bytes.IndexByte(rest, 0)
	if end == -1 {
		r.off = len(r.buf)
		return string(rest), nil
	}

	r.off += end + 1
	return string(rest[:end]), nil
}

// Bytes reads exactly n bytes. The returned slice aliases the payload.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, ErrShortPayload
	}

	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Rest consumes and returns every unread byte. It never fails; an exhausted
// Reader yields an empty slice.
func (r *Reader) Rest() []byte {
	b := r.buf[r.off:]
	r.off = len(r.buf)
	return b
}

// Builder assembles a response payload field by field.
type Builder struct {
	buf bytes.Buffer
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Byte appends a single byte.
func (b *Builder) Byte(v byte) *Builder {
	b.buf.WriteByte(v)
	return b
}

// String appends s followed by a NUL terminator.
func (b *Builder) String(s string) *Builder {
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	return b
}

// Bytes appends p verbatim.
func (b *Builder) Bytes(p []byte) *Builder {
	b.buf.Write(p)
	return b
}

// Build returns a copy of the accumulated payload.
func (b *Builder) Build() []byte {
	return bytes.Clone(b.buf.Bytes())
}

// Ok builds a StatusOk response carrying payload.
func Ok(payload []byte) Response {
	return Response{Status: StatusOk, Payload: payload}
}

// Msg builds a StatusMsg response carrying a text message.
func Msg(text string) Response {
	return Response{Status: StatusMsg, Payload: []byte(text)}
}

// Err builds a StatusErr response. The payload is the protocol-specific error
// code followed by free text.
//
// Parameters:
//   - code: Protocol-defined error code
//   - text: Human-readable detail; may be empty
//
// Returns:
//   - A Response with payload [code][text]
func Err(code byte, text string) Response {
	payload := make([]byte, 1+len(text))
	payload[0] = code
	copy(payload[1:], text)
	return Response{Status: StatusErr, Payload: payload}
}

// ClientControl builds a StatusClientControl response.
func ClientControl(payload []byte) Response {
	return Response{Status: StatusClientControl, Payload: payload}
}

// SplitStrings splits a payload of NUL-terminated strings. A trailing
// unterminated segment is returned as the last element.
func SplitStrings(payload []byte) []string {
	r := NewReader(payload)
	var out []string
	for r.Len() > 0 {
		s, _ := r.String()
		out = append(out, s)
	}
	return out
}
