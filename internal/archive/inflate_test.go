package archive

import (
	"bytes"
	"testing"
)

// buildStoredDeflateBlock hand-assembles a single-block raw DEFLATE stream
// using BTYPE=00 (stored), the simplest valid encoding, to exercise
// Inflate's block-type dispatch and bit reader without needing a real
// compressor.
func buildStoredDeflateBlock(payload []byte) []byte {
	var buf []byte
	// BFINAL=1, BTYPE=00 packed into the low 3 bits of the first byte;
	// the rest of that byte is padding to the next byte boundary.
	buf = append(buf, 0x01)
	length := len(payload)
	nlength := ^length & 0xFFFF
	buf = append(buf, byte(length), byte(length>>8))
	buf = append(buf, byte(nlength), byte(nlength>>8))
	buf = append(buf, payload...)
	// Trailing bytes after the final block; Inflate stops at the end of
	// that block and never reads them.
	buf = append(buf, 0, 0, 0, 0)
	return buf
}

func TestInflateStoredBlock(t *testing.T) {
	payload := []byte("KVM test payload")
	stream := buildStoredDeflateBlock(payload)
	out, err := Inflate(stream, len(payload))
	if err != nil {
		t.Fatalf("Inflate: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("Inflate = %q, want %q", out, payload)
	}
}

func TestFixedHuffmanTableBuilds(t *testing.T) {
	lit := fixedLitTable()
	dist := fixedDistTable()
	if lit.maxBits == 0 || dist.maxBits == 0 {
		t.Fatal("fixed tables must be non-empty")
	}
}

func TestReverseBits(t *testing.T) {
	if got := reverseBits(0b101, 3); got != 0b101 {
		t.Errorf("reverseBits(101,3) = %b", got)
	}
	if got := reverseBits(0b001, 3); got != 0b100 {
		t.Errorf("reverseBits(001,3) = %b, want 100", got)
	}
}
