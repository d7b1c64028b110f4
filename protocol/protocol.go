// Package protocol implements the line framing for qrpc.
//
// Every frame occupies exactly one line of UTF-8 text terminated by a single
// '\n'. TCP delivers bytes in arbitrary fragments, so the receiver keeps the
// unconsumed tail of the stream in a Buffer and pulls complete lines out of it:
//
//	chunks:  [ ...consumed|{"v":1,"id":"a"... ] [ ..."s":"end"}\n{"v":1,"id" ]
//	                      ^offset                               ^line ends here
package protocol

import (
	"bytes"
	"io"

	"qrpc/message"
)

const (
	Version    = message.Version
	Terminator = '\n'
)

// Buffer is the receive buffer of one direction of one connection: an ordered
// queue of fragments plus a cursor into the first one. Concatenating the
// fragments starting at the cursor always yields the unconsumed suffix of
// everything written since the last complete line.
//
// Buffer is not safe for concurrent use; it belongs to a single reader.
type Buffer struct {
	chunks  [][]byte
	offset  int // cursor into chunks[0]
	size    int // unconsumed bytes
	scanned int // unconsumed bytes already known to hold no terminator
}

// Write appends a copy of chunk. Empty chunks are ignored.
func (b *Buffer) Write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.chunks = append(b.chunks, bytes.Clone(chunk))
	b.size += len(chunk)
}

// Chunks returns the number of fragments still buffered.
func (b *Buffer) Chunks() int { return len(b.chunks) }

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int { return b.size }

// Next removes and returns the next complete line without its terminator.
// It reports false when no complete line is buffered.
func (b *Buffer) Next() ([]byte, bool) {
	skip := b.scanned
	for i, chunk := range b.chunks {
		start := 0
		if i == 0 {
			start = b.offset
		}
		// fragments already searched on a previous call
		if n := len(chunk) - start; skip >= n {
			skip -= n
			continue
		}
		start += skip
		skip = 0

		p := bytes.IndexByte(chunk[start:], Terminator)
		if p < 0 {
			continue
		}
		return b.cut(i, start+p), true
	}
	b.scanned = b.size
	return nil, false
}

// cut extracts the line that ends at chunks[i][end] and advances the cursor
// past the terminator.
func (b *Buffer) cut(i, end int) []byte {
	var line []byte
	if i == 0 {
		line = b.chunks[0][b.offset:end]
	} else {
		n := len(b.chunks[0]) - b.offset + end
		for _, c := range b.chunks[1:i] {
			n += len(c)
		}
		line = make([]byte, 0, n)
		line = append(line, b.chunks[0][b.offset:]...)
		for _, c := range b.chunks[1:i] {
			line = append(line, c...)
		}
		line = append(line, b.chunks[i][:end]...)
	}

	b.size -= len(line) + 1
	b.scanned = 0
	b.offset = end + 1
	if b.offset == len(b.chunks[i]) {
		i++
		b.offset = 0
	}
	for j := 0; j < i; j++ {
		b.chunks[j] = nil
	}
	b.chunks = b.chunks[i:]
	return line
}

// Residue returns a copy of the unconsumed bytes.
func (b *Buffer) Residue() []byte {
	out := make([]byte, 0, b.size)
	for i, c := range b.chunks {
		if i == 0 {
			c = c[b.offset:]
		}
		out = append(out, c...)
	}
	return out
}

// Reset drops everything buffered.
func (b *Buffer) Reset() {
	*b = Buffer{}
}

// WriteLine writes line followed by the terminator in a single Write call, so
// that writers serialized by a mutex never interleave partial frames.
func WriteLine(w io.Writer, line []byte) error {
	out := make([]byte, len(line)+1)
	copy(out, line)
	out[len(line)] = Terminator
	_, err := w.Write(out)
	return err
}

// SplitLines splits data at each terminator, calling fn for every complete
// line, and returns the bytes after the last terminator.
func SplitLines(data []byte, fn func(line []byte)) []byte {
	for {
		p := bytes.IndexByte(data, Terminator)
		if p < 0 {
			return data
		}
		fn(data[:p])
		data = data[p+1:]
	}
}
