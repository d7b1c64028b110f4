package protocol

import (
	"bytes"
	"testing"
)

func drain(b *Buffer) []string {
	var lines []string
	for {
		line, ok := b.Next()
		if !ok {
			return lines
		}
		lines = append(lines, string(line))
	}
}

func TestBufferSingleChunk(t *testing.T) {
	var b Buffer
	b.Write([]byte("one\ntwo\nthr"))

	lines := drain(&b)
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("unexpected lines: %q", lines)
	}
	if string(b.Residue()) != "thr" || b.Len() != 3 {
		t.Fatalf("unexpected residue: %q (len %d)", b.Residue(), b.Len())
	}

	b.Write([]byte("ee\n"))
	lines = drain(&b)
	if len(lines) != 1 || lines[0] != "three" {
		t.Fatalf("unexpected lines: %q", lines)
	}
	if b.Len() != 0 || b.Chunks() != 0 {
		t.Fatalf("expect empty buffer, got len %d chunks %d", b.Len(), b.Chunks())
	}
}

// Every split point of the stream must produce the same lines.
func TestBufferFragmentedDelivery(t *testing.T) {
	stream := []byte(`{"v":1,"id":"a","s":"ok","m":1}` + "\n" + `{"v":1,"id":"b","s":"end"}` + "\n\n" + `{"v":1}` + "\n")
	want := []string{`{"v":1,"id":"a","s":"ok","m":1}`, `{"v":1,"id":"b","s":"end"}`, ``, `{"v":1}`}

	for i := 0; i <= len(stream); i++ {
		for j := i; j <= len(stream); j++ {
			var b Buffer
			var got []string
			for _, part := range [][]byte{stream[:i], stream[i:j], stream[j:]} {
				b.Write(part)
				got = append(got, drain(&b)...)
			}
			if len(got) != len(want) {
				t.Fatalf("split %d/%d: got %q", i, j, got)
			}
			for k := range want {
				if got[k] != want[k] {
					t.Fatalf("split %d/%d: line %d = %q, want %q", i, j, k, got[k], want[k])
				}
			}
			if b.Len() != 0 {
				t.Fatalf("split %d/%d: residue %q", i, j, b.Residue())
			}
		}
	}
}

func TestBufferByteAtATime(t *testing.T) {
	stream := []byte("alpha\nbeta\ngamma")
	var b Buffer
	var got []string
	for i := range stream {
		b.Write(stream[i : i+1])
		got = append(got, drain(&b)...)
	}
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("unexpected lines: %q", got)
	}
	if string(b.Residue()) != "gamma" || b.Chunks() != 5 {
		t.Fatalf("unexpected residue %q in %d chunks", b.Residue(), b.Chunks())
	}
}

func TestBufferCopiesInput(t *testing.T) {
	var b Buffer
	chunk := []byte("abc")
	b.Write(chunk)
	chunk[0] = 'X'
	b.Write([]byte("\n"))
	line, ok := b.Next()
	if !ok || string(line) != "abc" {
		t.Fatalf("expect abc, got %q", line)
	}
}

func TestWriteLine(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteLine(&buf, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("WriteLine failed: %v", err)
	}
	if buf.String() != "{\"v\":1}\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestSplitLines(t *testing.T) {
	var lines []string
	rest := SplitLines([]byte("a\nbb\nccc"), func(line []byte) {
		lines = append(lines, string(line))
	})
	if len(lines) != 2 || lines[0] != "a" || lines[1] != "bb" || string(rest) != "ccc" {
		t.Fatalf("unexpected split: %q rest %q", lines, rest)
	}
}
