// Package timeservice implements the RFC 868 time protocol over the frame
// codec: each connection receives the current time as a 32-bit big-endian
// count of seconds since 1900-01-01T00:00:00Z and is then closed.
package timeservice

import (
	"encoding/binary"
	"time"

	"github.com/cyberinferno/sessionkit/protocols/fixedreply"
)

// Port is the well-known time port.
const Port = 37

// epochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const epochOffset = 2208988800

// Encode returns the RFC 868 value for t. The count wraps modulo 2^32.
func Encode(t time.Time) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(t.Unix()+epochOffset))
	return out
}

// Decode converts an RFC 868 value back to a time in the first era.
func Decode(b []byte) (time.Time, bool) {
	if len(b) != 4 {
		return time.Time{}, false
	}

	secs := int64(binary.BigEndian.Uint32(b)) - epochOffset
	return time.Unix(secs, 0).UTC(), true
}

// New returns the time protocol. now defaults to time.Now when nil.
func New(now func() time.Time) *fixedreply.Protocol {
	if now == nil {
		now = time.Now
	}

	return fixedreply.New(func() []byte { return Encode(now()) }, Port)
}
