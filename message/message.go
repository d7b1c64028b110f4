// Package message defines the frame exchanged between qrpc clients and servers.
//
// A Frame is the "envelope" for every request and reply. It is turned into one
// newline-terminated text line by the codec layer and written to the stream.
package message

import "fmt"

// Version is the only protocol version this package speaks.
const Version = 1

// Status tags a reply frame. Requests carry StatusNone.
type Status uint8

const (
	StatusNone  Status = iota // request, no status on the wire
	StatusReply               // "ok": non-terminal reply, more may follow
	StatusLast                // "end": terminal reply, call closed
	StatusError               // "err": terminal reply carrying a handler error
)

// Wire tags for each status.
const (
	TagReply = "ok"
	TagLast  = "end"
	TagError = "err"
)

// String returns the wire tag, or "" for StatusNone.
func (s Status) String() string {
	switch s {
	case StatusReply:
		return TagReply
	case StatusLast:
		return TagLast
	case StatusError:
		return TagError
	}
	return ""
}

// Terminal reports whether a frame with this status closes its call.
func (s Status) Terminal() bool {
	return s == StatusLast || s == StatusError
}

// ParseStatus maps a wire tag back to its Status. The empty tag is StatusNone.
func ParseStatus(tag string) (Status, error) {
	switch tag {
	case "":
		return StatusNone, nil
	case TagReply:
		return StatusReply, nil
	case TagLast:
		return StatusLast, nil
	case TagError:
		return StatusError, nil
	}
	return StatusNone, fmt.Errorf("unknown status %q", tag)
}

// Frame carries the data for a single request or reply.
//
//   - On request: ID and Name are set, Payload or Blob carry the arguments, Status is StatusNone.
//   - On reply:   ID echoes the request, Status is set, Payload/Blob or Error carry the result.
type Frame struct {
	Version    int
	ID         string // Opaque call id, echoed on every reply
	Name       string // Operation name, requests only
	Payload    any    // Structured payload, meaningful only when HasPayload is set
	HasPayload bool   // Distinguishes an absent payload from a JSON null
	Blob       []byte // Binary payload; non-nil means present, even when empty
	Error      *ErrorRecord
	Status     Status
}

// SetPayload routes v into the blob field when it is a []byte and into the
// structured payload otherwise. Exactly one of the two is populated.
func (f *Frame) SetPayload(v any) {
	if b, ok := v.([]byte); ok {
		if b == nil {
			b = []byte{}
		}
		f.Blob = b
		f.Payload, f.HasPayload = nil, false
		return
	}
	f.Payload, f.HasPayload = v, true
	f.Blob = nil
}

// HasValue reports whether the frame carries a blob or a structured payload.
func (f *Frame) HasValue() bool {
	return f.Blob != nil || f.HasPayload
}

// Value returns the blob if present, otherwise the structured payload (nil when absent).
func (f *Frame) Value() any {
	if f.Blob != nil {
		return f.Blob
	}
	return f.Payload
}

// NewRequest builds a request frame. A nil payload is omitted from the wire.
func NewRequest(id, name string, payload any) *Frame {
	f := &Frame{Version: Version, ID: id, Name: name}
	if payload != nil {
		f.SetPayload(payload)
	}
	return f
}
