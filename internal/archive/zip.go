// Package archive implements the JAR reader and DEFLATE inflater of
// spec.md §4.5. A JAR is an ordinary zip archive; this reader only ever
// needs the end-of-central-directory record, the central directory
// itself, and the local file headers it points at — far less than a
// general-purpose zip implementation, which is why it is hand-rolled here
// rather than built on a heavier library.
package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Signatures for the three zip record kinds this reader understands,
// named after the original KVM's LOCSIG/CENSIG/ENDSIG constants.
const (
	sigLocal   = 0x04034b50
	sigCentral = 0x02014b50
	sigEnd     = 0x06054b50
)

// Compression methods. Encrypted entries (general-purpose flag bit 0) are
// rejected per spec.md §6.
const (
	methodStored   = 0
	methodDeflated = 8
)

const (
	locHeaderSize = 30
	cenHeaderSize = 46
	endHeaderSize = 22
	// maxCommentLen bounds the backward scan for the end-of-central-
	// directory record (spec.md §6: "robust to comments of length <= 65535").
	maxCommentLen = 65535
)

// Entry describes one central-directory record.
type Entry struct {
	Name             string
	Method           uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	localHeaderOff   uint32
}

// Reader reads JAR entries out of an in-memory archive. The core never
// needs streamed JAR access (unlike the original, which supported both
// file-backed and memory-mapped access), because the class loader always
// has the whole classpath entry available before resolving a class.
type Reader struct {
	data    []byte
	entries map[string]*Entry
	order   []string
}

// Open parses the end-of-central-directory record and the central
// directory of a zip/JAR image held entirely in data. It does not
// decompress any entry; call Read for that.
func Open(data []byte) (*Reader, error) {
	eocd, err := findEndOfCentralDirectory(data)
	if err != nil {
		return nil, err
	}
	total := binary.LittleEndian.Uint16(data[eocd+10:])
	cdOffset := binary.LittleEndian.Uint32(data[eocd+16:])

	r := &Reader{data: data, entries: make(map[string]*Entry, total)}
	off := int(cdOffset)
	for i := 0; i < int(total); i++ {
		if off+cenHeaderSize > len(data) {
			return nil, fmt.Errorf("archive: truncated central directory entry %d", i)
		}
		if binary.LittleEndian.Uint32(data[off:]) != sigCentral {
			return nil, fmt.Errorf("archive: bad central directory signature at entry %d", i)
		}
		flags := binary.LittleEndian.Uint16(data[off+8:])
		if flags&1 != 0 {
			return nil, fmt.Errorf("archive: encrypted entries are not supported")
		}
		method := binary.LittleEndian.Uint16(data[off+10:])
		crc := binary.LittleEndian.Uint32(data[off+16:])
		compSize := binary.LittleEndian.Uint32(data[off+20:])
		uncompSize := binary.LittleEndian.Uint32(data[off+24:])
		nameLen := int(binary.LittleEndian.Uint16(data[off+28:]))
		extraLen := int(binary.LittleEndian.Uint16(data[off+30:]))
		commentLen := int(binary.LittleEndian.Uint16(data[off+32:]))
		localOff := binary.LittleEndian.Uint32(data[off+42:])

		nameStart := off + cenHeaderSize
		if nameStart+nameLen > len(data) {
			return nil, fmt.Errorf("archive: truncated entry name at entry %d", i)
		}
		name := string(data[nameStart : nameStart+nameLen])

		e := &Entry{
			Name:             name,
			Method:           method,
			CRC32:            crc,
			CompressedSize:   compSize,
			UncompressedSize: uncompSize,
			localHeaderOff:   localOff,
		}
		r.entries[name] = e
		r.order = append(r.order, name)
		off = nameStart + nameLen + extraLen + commentLen
	}
	return r, nil
}

// findEndOfCentralDirectory scans backward from the end of data for the
// ENDSIG signature, bounded by maxCommentLen, matching spec.md §4.5's
// "locates the end-of-central-directory record by scanning backward from
// the file's end ... for the signature PK\x05\x06".
func findEndOfCentralDirectory(data []byte) (int, error) {
	if len(data) < endHeaderSize {
		return 0, fmt.Errorf("archive: file too small to be a zip archive")
	}
	lo := len(data) - endHeaderSize - maxCommentLen
	if lo < 0 {
		lo = 0
	}
	sig := []byte{'P', 'K', 0x05, 0x06}
	searchWindow := data[lo:]
	idx := bytes.LastIndex(searchWindow, sig)
	if idx < 0 {
		return 0, fmt.Errorf("archive: end-of-central-directory record not found")
	}
	eocd := lo + idx
	// Validate by checking that the recorded central-directory offset
	// names a central-directory record (or, for an archive with no
	// entries, the end record itself), to reject a PK\x05\x06 byte
	// sequence that merely occurs inside a comment. No local file header
	// signature is read here.
	cdOffset := binary.LittleEndian.Uint32(data[eocd+16:])
	if int(cdOffset)+4 <= len(data) {
		if sig := binary.LittleEndian.Uint32(data[cdOffset:]); sig != sigCentral && sig != sigEnd {
			return 0, fmt.Errorf("archive: end-of-central-directory record offset does not point at a central directory")
		}
	}
	return eocd, nil
}

// Names returns entry names in central-directory order.
func (r *Reader) Names() []string { return r.order }

// Lookup returns the central-directory entry by name, if any.
func (r *Reader) Lookup(name string) (*Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Read decompresses the named entry, verifying its CRC-32 against the
// stored value (spec.md "Round-trip laws: JAR decompression").
func (r *Reader) Read(name string) ([]byte, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("archive: entry %q not found", name)
	}
	off := int(e.localHeaderOff)
	if off+locHeaderSize > len(r.data) {
		return nil, fmt.Errorf("archive: truncated local header for %q", name)
	}
	if binary.LittleEndian.Uint32(r.data[off:]) != sigLocal {
		return nil, fmt.Errorf("archive: bad local header signature for %q", name)
	}
	nameLen := int(binary.LittleEndian.Uint16(r.data[off+26:]))
	extraLen := int(binary.LittleEndian.Uint16(r.data[off+28:]))
	dataStart := off + locHeaderSize + nameLen + extraLen
	dataEnd := dataStart + int(e.CompressedSize)
	if dataEnd > len(r.data) {
		return nil, fmt.Errorf("archive: truncated entry data for %q", name)
	}
	compressed := r.data[dataStart:dataEnd]

	var out []byte
	switch e.Method {
	case methodStored:
		out = make([]byte, e.UncompressedSize)
		copy(out, compressed)
	case methodDeflated:
		buf, err := Inflate(compressed, int(e.UncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("archive: inflating %q: %w", name, err)
		}
		out = buf
	default:
		return nil, fmt.Errorf("archive: unsupported compression method %d for %q", e.Method, name)
	}
	if uint32(len(out)) != e.UncompressedSize {
		return nil, fmt.Errorf("archive: %q decompressed to %d bytes, expected %d", name, len(out), e.UncompressedSize)
	}
	if got := crc32.ChecksumIEEE(out); got != e.CRC32 {
		return nil, fmt.Errorf("archive: %q CRC mismatch: got %08x, want %08x", name, got, e.CRC32)
	}
	return out, nil
}
