package archive

import (
	"encoding/binary"
	"hash/crc32"
	"testing"
)

// buildStoredZip hand-assembles a single-entry STORED zip archive so the
// central-directory/local-header parsing can be tested without a real
// zip writer.
func buildStoredZip(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	crc := crc32.ChecksumIEEE(content)

	var local []byte
	local = append(local, le32(sigLocal)...)
	local = append(local, le16(20)...)  // version needed
	local = append(local, le16(0)...)   // flags
	local = append(local, le16(methodStored)...)
	local = append(local, le16(0)...) // time
	local = append(local, le16(0)...) // date
	local = append(local, le32(crc)...)
	local = append(local, le32(uint32(len(content)))...)
	local = append(local, le32(uint32(len(content)))...)
	local = append(local, le16(uint16(len(name)))...)
	local = append(local, le16(0)...) // extra len
	local = append(local, []byte(name)...)
	localOff := 0
	local = append(local, content...)

	var central []byte
	central = append(central, le32(sigCentral)...)
	central = append(central, le16(20)...) // version made by
	central = append(central, le16(20)...) // version needed
	central = append(central, le16(0)...)  // flags
	central = append(central, le16(methodStored)...)
	central = append(central, le16(0)...) // time
	central = append(central, le16(0)...) // date
	central = append(central, le32(crc)...)
	central = append(central, le32(uint32(len(content)))...)
	central = append(central, le32(uint32(len(content)))...)
	central = append(central, le16(uint16(len(name)))...)
	central = append(central, le16(0)...) // extra len
	central = append(central, le16(0)...) // comment len
	central = append(central, le16(0)...) // disk number
	central = append(central, le16(0)...) // internal attrs
	central = append(central, le32(0)...) // external attrs
	central = append(central, le32(uint32(localOff))...)
	central = append(central, []byte(name)...)

	cdOffset := uint32(len(local))

	var end []byte
	end = append(end, le32(sigEnd)...)
	end = append(end, le16(0)...) // disk number
	end = append(end, le16(0)...) // disk with CD
	end = append(end, le16(1)...) // entries on this disk
	end = append(end, le16(1)...) // total entries
	end = append(end, le32(uint32(len(central)))...)
	end = append(end, le32(cdOffset)...)
	end = append(end, le16(0)...) // comment len

	all := append(append(local, central...), end...)
	return all
}

func le16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestOpenAndReadStoredEntry(t *testing.T) {
	content := []byte{0xCA, 0xFE, 0xBA, 0xBE, 0x00, 0x2D}
	data := buildStoredZip(t, "Hello.class", content)

	r, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if names := r.Names(); len(names) != 1 || names[0] != "Hello.class" {
		t.Fatalf("Names() = %v", names)
	}
	got, err := r.Read("Hello.class")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("Read = % x, want % x", got, content)
	}
}

func TestOpenRejectsEncryptedEntry(t *testing.T) {
	data := buildStoredZip(t, "Secret.class", []byte("x"))
	// Flip the general-purpose flag bit in the central directory record
	// (offset 8 within the CEN header, which starts right after the
	// local header in our hand-built archive).
	localLen := locHeaderSize + len("Secret.class") + 1
	flagsOff := localLen + 8
	data[flagsOff] |= 1
	if _, err := Open(data); err == nil {
		t.Fatal("expected Open to reject an encrypted entry")
	}
}
