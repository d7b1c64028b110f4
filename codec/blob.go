package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strconv"
)

// A frame carrying a blob is laid out so the decoder never has to scan the
// base64 text:
//
//	{"v":1,"b":N,"id":"...",...,"b":"<N bytes of base64>"}
//	└─prefix──┘└┘                    └──6──┘└─────N─────┘└2┘
//
// The early "b" holds N, the length of the *encoded* blob. The blob itself is
// always the last field, so with L = len(line) it occupies line[L-2-N : L-2],
// its opening `,"b":"` sits at line[L-2-N-6 : L-2-N], and everything before that,
// re-closed with '}', is an ordinary JSON object.

const (
	blobTailOpen  = `,"b":"`
	blobTailClose = `"}`
)

var (
	errBlobLength = errors.New("invalid blob length")
	errBlobTail   = errors.New("blob is not the last field")
)

// AppendBlobHeader appends the early length field `,"b":N`.
func AppendBlobHeader(buf []byte, encodedLen int) []byte {
	buf = append(buf, `,"b":`...)
	return strconv.AppendInt(buf, int64(encodedLen), 10)
}

// AppendBlobTail appends `,"b":"<base64>"` without the closing brace.
func AppendBlobTail(buf []byte, blob []byte) []byte {
	buf = append(buf, blobTailOpen...)
	buf = base64.StdEncoding.AppendEncode(buf, blob)
	return append(buf, '"')
}

// SplitBlob cuts the blob off the tail of line. prefixLen is the length of the
// `{"v":1,"b":` prefix the caller already matched. It returns the remaining JSON
// object and the decoded blob bytes.
func SplitBlob(line []byte, prefixLen int) (head []byte, blob []byte, err error) {
	end := prefixLen
	for end < len(line) && line[end] >= '0' && line[end] <= '9' {
		end++
	}
	if end == prefixLen {
		return nil, nil, errBlobLength
	}
	n, err := strconv.Atoi(string(line[prefixLen:end]))
	if err != nil {
		return nil, nil, errBlobLength
	}

	l := len(line)
	start := l - len(blobTailClose) - n
	open := start - len(blobTailOpen)
	if n < 0 || open < end || !bytes.HasSuffix(line, []byte(blobTailClose)) ||
		!bytes.Equal(line[open:start], []byte(blobTailOpen)) {
		return nil, nil, errBlobTail
	}

	blob, err = base64.StdEncoding.AppendDecode(make([]byte, 0, base64.StdEncoding.DecodedLen(n)), line[start:l-len(blobTailClose)])
	if err != nil {
		return nil, nil, err
	}

	head = make([]byte, 0, open+1)
	head = append(head, line[:open]...)
	head = append(head, '}')
	return head, blob, nil
}
