// Package endian provides the big-endian byte and cell arithmetic shared by
// the classfile parser, the JAR reader and the heap. Classfiles, zip
// central-directory records and DEFLATE headers are all byte-oriented in
// ways the rest of the VM only ever needs a handful of primitives for, so
// they live together here rather than in each caller.
package endian

import "encoding/binary"

// CellBytes is the size in bytes of one heap cell (a machine word on the
// target device). Every heap size in this VM is expressed in cells.
const CellBytes = 4

// MaxCells bounds any single allocation request. It exists so that
// BytesToCells never overflows silently; the JVM class-file format allows
// array lengths up to 2^31-1 elements, far more than this VM's target
// devices have memory for.
const MaxCells = 1 << 24 // the header's size field is 24 bits wide

// U2 reads a big-endian 16-bit classfile field at offset off.
func U2(b []byte, off int) uint16 {
	return binary.BigEndian.Uint16(b[off:])
}

// U4 reads a big-endian 32-bit classfile field at offset off.
func U4(b []byte, off int) uint32 {
	return binary.BigEndian.Uint32(b[off:])
}

// PutU2 writes v as a big-endian 16-bit field at offset off.
func PutU2(b []byte, off int, v uint16) {
	binary.BigEndian.PutUint16(b[off:], v)
}

// PutU4 writes v as a big-endian 32-bit field at offset off.
func PutU4(b []byte, off int, v uint32) {
	binary.BigEndian.PutUint32(b[off:], v)
}

// LU2 and LU4 read little-endian fields, used by the zip/DEFLATE reader
// (PKZIP records are little-endian, unlike the classfile format they
// contain).
func LU2(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off:]) }
func LU4(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }

// CellsForBytes rounds a byte length up to whole cells.
func CellsForBytes(nbytes int) int {
	return (nbytes + CellBytes - 1) / CellBytes
}

// CellsForElements computes the number of payload cells an array of n
// elements of the given per-element byte width needs, reporting overflow
// instead of wrapping. This guards spec.md's boundary behaviour: "An array
// of 0x1000000 or more elements rejects the allocation as out-of-memory
// without arithmetic overflow in the size computation."
func CellsForElements(n int, elemBytes int) (cells int, overflow bool) {
	if n < 0 || n >= MaxCells || elemBytes <= 0 {
		return 0, true
	}
	// Use uint64 for the intermediate product so a huge n can't wrap an
	// int before we get a chance to compare it against MaxCells.
	totalBytes := uint64(n) * uint64(elemBytes)
	if totalBytes > uint64(MaxCells)*CellBytes {
		return 0, true
	}
	c := CellsForBytes(int(totalBytes))
	if c > MaxCells {
		return 0, true
	}
	return c, false
}
