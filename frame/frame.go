// Package frame implements the sessionkit wire format. Every message travels
// as a length-prefixed packet whose body is a one-byte code followed by an
// opaque payload: a command code for requests and a status code for
// responses.
//
// Packet layout:
//
//	[4 bytes] total packet length, little-endian uint32, includes these 4 bytes
//	[1 byte]  command or status code
//	[N bytes] payload
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the size of the length prefix that precedes every packet body.
const HeaderLen = 4

// Canonical response status codes shared by all protocols.
const (
	StatusOk            byte = 0x00 // Request succeeded
	StatusMsg           byte = 0x01 // Server-initiated informational message
	StatusErr           byte = 0x02 // Request failed; payload is [error code][text]
	StatusClientControl byte = 0x03 // Out-of-band control signal for the client
)

var (
	ErrInvalidLength = errors.New("frame: declared length smaller than header")
	ErrBodyTooLarge  = errors.New("frame: body exceeds limit")
	ErrEmptyBody     = errors.New("frame: empty body")
)

// Limits bounds the memory a single packet may claim.
type Limits struct {
	MaxBodyBytes uint32
}

// DefaultLimits returns a Limits allowing bodies up to 1 MiB.
func DefaultLimits() Limits {
	return Limits{MaxBodyBytes: 1 << 20}
}

// ReadPacket reads exactly one packet from r and returns its body.
//
// Parameters:
//   - r: The stream to read from
//   - limits: Upper bound for the body size
//
// Returns:
//   - The packet body (code byte plus payload); may be empty
//   - io.EOF if the stream ended cleanly before a header, ErrInvalidLength or
//     ErrBodyTooLarge for a bad header, or the underlying read error
func ReadPacket(r io.Reader, limits Limits) ([]byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	total := binary.LittleEndian.Uint32(hdr[:])
	if total < HeaderLen {
		return nil, ErrInvalidLength
	}

	size := total - HeaderLen
	if limits.MaxBodyBytes > 0 && size > limits.MaxBodyBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, size, limits.MaxBodyBytes)
	}

	body := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return body, nil
}

// WritePacket writes body to w as a single packet using one Write call.
//
// Parameters:
//   - w: The destination stream
//   - body: The packet body
//   - limits: Upper bound for the body size
//
// Returns:
//   - ErrBodyTooLarge if body exceeds the limit, or the write error
func WritePacket(w io.Writer, body []byte, limits Limits) error {
	if limits.MaxBodyBytes > 0 && uint64(len(body)) > uint64(limits.MaxBodyBytes) {
		return fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, len(body), limits.MaxBodyBytes)
	}

	_, err := w.Write(EncodePacket(body))
	return err
}

// EncodePacket prefixes body with its length header.
func EncodePacket(body []byte) []byte {
	packet := make([]byte, HeaderLen+len(body))
	binary.LittleEndian.PutUint32(packet, uint32(len(packet)))
	copy(packet[HeaderLen:], body)
	return packet
}

// Request is a client-to-server frame.
type Request struct {
	Code    byte
	Payload []byte
}

// Body returns the packet body for the request.
func (r Request) Body() []byte {
	return joinCode(r.Code, r.Payload)
}

// DecodeRequest splits a packet body into command code and payload.
func DecodeRequest(body []byte) (Request, error) {
	if len(body) == 0 {
		return Request{}, ErrEmptyBody
	}
	return Request{Code: body[0], Payload: body[1:]}, nil
}

// Response is a server-to-client frame.
type Response struct {
	Status  byte
	Payload []byte
}

// Body returns the packet body for the response.
func (r Response) Body() []byte {
	return joinCode(r.Status, r.Payload)
}

// DecodeResponse splits a packet body into status code and payload.
func DecodeResponse(body []byte) (Response, error) {
	if len(body) == 0 {
		return Response{}, ErrEmptyBody
	}
	return Response{Status: body[0], Payload: body[1:]}, nil
}

func joinCode(code byte, payload []byte) []byte {
	body := make([]byte, 1+len(payload))
	body[0] = code
	copy(body[1:], payload)
	return body
}
