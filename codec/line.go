package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"qrpc/message"
)

// undefinedPayload is what a peer emits when it serializes an absent payload
// literally. It is not JSON; the decoder strips it and tries again.
var undefinedPayload = []byte(`,"m":undefined`)

var errNewline = errors.New("encoded value contains a newline")

// DecodeError reports a line that could not be parsed into a frame. It is
// returned, never panicked, so one bad line can be skipped without losing the
// rest of the stream.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("qrpc: unable to decode line %q: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// LineCodec converts one frame to exactly one line (without the terminator)
// and back. It is stateless apart from its configuration and safe for
// concurrent use.
type LineCodec struct {
	version    int
	values     Codec
	blobPrefix []byte // `{"v":1,"b":`
}

// NewLineCodec returns a codec for protocol version 1 using values to encode
// payloads. A nil values codec selects JSONCodec.
func NewLineCodec(values Codec) *LineCodec {
	if values == nil {
		values = &JSONCodec{}
	}
	c := &LineCodec{version: message.Version, values: values}
	c.blobPrefix = []byte(`{"v":` + strconv.Itoa(c.version) + `,"b":`)
	return c
}

// Values returns the payload codec.
func (c *LineCodec) Values() Codec { return c.values }

// Encode writes f as a single line. Absent optional fields are omitted.
func (c *LineCodec) Encode(f *message.Frame) ([]byte, error) {
	buf := make([]byte, 0, 64+len(f.Name)+len(f.ID))
	buf = append(buf, `{"v":`...)
	buf = strconv.AppendInt(buf, int64(c.version), 10)

	if f.Blob != nil {
		buf = AppendBlobHeader(buf, base64.StdEncoding.EncodedLen(len(f.Blob)))
	}
	if f.ID != "" {
		buf = append(buf, `,"id":`...)
		buf = appendString(buf, f.ID)
	}
	if f.Name != "" {
		buf = append(buf, `,"n":`...)
		buf = appendString(buf, f.Name)
	}
	if f.Error != nil {
		data, err := c.encodeValue(f.Error)
		if err != nil {
			return nil, fmt.Errorf("encode error record: %w", err)
		}
		buf = append(buf, `,"e":`...)
		buf = append(buf, data...)
	}
	if f.Status != message.StatusNone {
		buf = append(buf, `,"s":"`...)
		buf = append(buf, f.Status.String()...)
		buf = append(buf, '"')
	}
	if f.Blob != nil {
		buf = AppendBlobTail(buf, f.Blob)
	} else if f.HasPayload {
		data, err := c.encodeValue(f.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		buf = append(buf, `,"m":`...)
		buf = append(buf, data...)
	}
	return append(buf, '}'), nil
}

func (c *LineCodec) encodeValue(v any) ([]byte, error) {
	data, err := c.values.Encode(v)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return nil, errNewline
	}
	return data, nil
}

// Decode parses one line (without the terminator).
func (c *LineCodec) Decode(line []byte) (*message.Frame, error) {
	body := line
	var blob []byte
	if bytes.HasPrefix(line, c.blobPrefix) {
		head, b, err := SplitBlob(line, len(c.blobPrefix))
		if err != nil {
			return nil, &DecodeError{Line: string(line), Err: err}
		}
		body, blob = head, b
	}

	fields, err := c.fields(body)
	if err != nil && bytes.Contains(body, undefinedPayload) {
		body = bytes.Replace(body, undefinedPayload, nil, 1)
		fields, err = c.fields(body)
	}
	if err != nil {
		return nil, &DecodeError{Line: string(line), Err: err}
	}

	f, err := c.frame(fields)
	if err != nil {
		return nil, &DecodeError{Line: string(line), Err: err}
	}
	if blob != nil {
		f.Blob = blob
		f.Payload, f.HasPayload = nil, false
	}
	return f, nil
}

func (c *LineCodec) fields(body []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := c.values.Decode(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("not an object")
	}
	return fields, nil
}

func (c *LineCodec) frame(fields map[string]json.RawMessage) (*message.Frame, error) {
	raw, ok := fields["v"]
	if !ok {
		return nil, errors.New("missing version")
	}
	var v int
	if err := c.values.Decode(raw, &v); err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	if v != c.version {
		return nil, fmt.Errorf("unsupported version: %d", v)
	}
	f := &message.Frame{Version: v}

	if raw, ok := fields["id"]; ok {
		id, err := c.decodeID(raw)
		if err != nil {
			return nil, err
		}
		f.ID = id
	}
	if raw, ok := fields["n"]; ok {
		if err := c.values.Decode(raw, &f.Name); err != nil {
			return nil, fmt.Errorf("name: %w", err)
		}
	}
	if raw, ok := fields["e"]; ok && !isNull(raw) {
		rec := &message.ErrorRecord{}
		if err := c.values.Decode(raw, rec); err != nil {
			return nil, fmt.Errorf("error record: %w", err)
		}
		f.Error = rec
	}
	if raw, ok := fields["s"]; ok {
		var tag string
		if err := c.values.Decode(raw, &tag); err != nil {
			return nil, fmt.Errorf("status: %w", err)
		}
		s, err := message.ParseStatus(tag)
		if err != nil {
			return nil, err
		}
		f.Status = s
	}
	if raw, ok := fields["m"]; ok {
		if err := c.values.Decode(raw, &f.Payload); err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
		f.HasPayload = true
	}
	return f, nil
}

// decodeID accepts string ids and, for older peers, numeric ones.
func (c *LineCodec) decodeID(raw json.RawMessage) (string, error) {
	var id string
	if err := c.values.Decode(raw, &id); err == nil {
		return id, nil
	}
	var n json.Number
	if err := c.values.Decode(raw, &n); err != nil {
		return "", fmt.Errorf("id: %w", err)
	}
	return n.String(), nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// appendString writes s as a JSON string. Printable ASCII without quotes or
// backslashes is copied verbatim; anything else goes through the JSON encoder.
func appendString(buf []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if b := s[i]; b < 0x20 || b > 0x7e || b == '"' || b == '\\' {
			data, _ := json.Marshal(s)
			return append(buf, data...)
		}
	}
	buf = append(buf, '"')
	buf = append(buf, s...)
	return append(buf, '"')
}
