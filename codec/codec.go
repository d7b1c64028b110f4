// Package codec turns frames into wire lines and back.
//
// Two layers live here:
//   - Codec is the pluggable value serializer (encode(value) -> text, decode(text) -> value).
//     JSONCodec is the default.
//   - LineCodec uses a Codec to write one message.Frame as one newline-free line,
//     with binary blobs spliced onto the tail of the line (see blob.go).
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON
}

func GetCodec(codecType CodecType) (Codec, error) {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}, nil
	}
	return nil, fmt.Errorf("unsupported codec type: %d", codecType)
}
