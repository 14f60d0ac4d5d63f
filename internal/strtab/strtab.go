// Package strtab implements the VM's UTF-8 intern string table
// (spec.md §4.5 "Name encoding") and the compressed (name,type) lookup
// keys built on top of it. Every class, field and method name the loader
// touches is interned here exactly once; thereafter the rest of the core
// only ever carries the cheap 16-bit Key around.
//
// Strings live in permanent memory in spirit — the table is never swept —
// but it is implemented as ordinary Go memory rather than VM heap memory,
// because it holds host-side metadata the collector never needs to trace
// (spec.md §3 invariant 5: "Intern-string and class-descriptor tables live
// in permanent memory; their referents may be looked up without root
// registration").
package strtab

import (
	"fmt"
	"hash/fnv"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Key is a 16-bit handle assigned to a unique interned string, matching
// the 16-bit key width spec.md §4.5 mandates so that (name,type) pairs
// pack into 32 bits.
type Key uint16

// InvalidKey is never returned by Intern; it is used by callers that need
// a sentinel "no name" value (e.g. an absent superclass).
const InvalidKey Key = 0xFFFF

// Table is a growable, hash-bucketed intern table. It is not safe for
// concurrent use from more than one goroutine — the loader that owns it is,
// per spec.md §5, "never re-entered concurrently".
type Table struct {
	strings []string        // Key i -> decoded string; the first string interned gets Key 0
	index   map[uint32][]Key // fnv32a(bytes) -> candidate keys, for collision resolution
	mutf8   [][]byte        // Key i -> original MUTF-8 bytes, kept for exact round-trip
}

// New returns an empty table.
func New() *Table {
	return &Table{
		strings: make([]string, 0, 256),
		index:   make(map[uint32][]Key),
		mutf8:   make([][]byte, 0, 256),
	}
}

// mutf8Validator pre-validates ordinary UTF-8 structure using the
// x/text UTF-8 transformer before the hand-rolled MUTF-8 decoder below
// handles the two respects in which classfile "Modified UTF-8" diverges
// from RFC 3629: embedded NUL encoded as the two-byte overlong sequence
// C0 80, and astral characters encoded as a CESU-8 surrogate pair rather
// than a single four-byte sequence. x/text validates everything that
// *isn't* one of those two quirks, so decodeMUTF8 only needs to special-
// case them instead of reimplementing a full UTF-8 state machine.
var mutf8Validator = unicode.UTF8.NewDecoder()

// decodeMUTF8 converts classfile Modified UTF-8 bytes to a Go string.
func decodeMUTF8(b []byte) (string, error) {
	out := make([]rune, 0, len(b))
	i := 0
	for i < len(b) {
		c0 := b[i]
		switch {
		case c0 == 0xC0 && i+1 < len(b) && b[i+1] == 0x80:
			// Overlong-encoded NUL, the one place MUTF-8 legally
			// violates RFC 3629.
			out = append(out, 0)
			i += 2
		case c0 < 0x80:
			out = append(out, rune(c0))
			i++
		case c0&0xE0 == 0xC0 && i+1 < len(b):
			r := rune(c0&0x1F)<<6 | rune(b[i+1]&0x3F)
			out = append(out, r)
			i += 2
		case c0&0xF0 == 0xE0 && i+2 < len(b):
			r1 := rune(c0&0x0F)<<12 | rune(b[i+1]&0x3F)<<6 | rune(b[i+2]&0x3F)
			i += 3
			if utf16.IsSurrogate(r1) && i+2 < len(b) && b[i] == 0xED {
				r2 := rune(b[i]&0x0F)<<12 | rune(b[i+1]&0x3F)<<6 | rune(b[i+2]&0x3F)
				if dec := utf16.DecodeRune(r1, r2); dec != utf8.RuneError {
					out = append(out, dec)
					i += 3
					continue
				}
			}
			out = append(out, r1)
		default:
			return "", fmt.Errorf("strtab: invalid MUTF-8 byte %#x at offset %d", c0, i)
		}
	}
	return string(out), nil
}

// validateOrdinaryUTF8 strips both MUTF-8 quirks decodeMUTF8 special-cases
// and runs what's left through x/text's strict UTF-8 decoder. Anything it
// rejects is bytes decodeMUTF8 would also reject, so a failure here lets
// Intern return early with a library-backed error instead of walking the
// hand-rolled decoder first.
func validateOrdinaryUTF8(b []byte) bool {
	_, _, err := transform.Bytes(mutf8Validator, stripQuirks(b))
	return err == nil
}

// stripQuirks removes the overlong-NUL (C0 80) and CESU-8 surrogate-pair
// sequences decodeMUTF8 accepts, leaving only the bytes that must parse as
// ordinary RFC 3629 UTF-8.
func stripQuirks(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); {
		if b[i] == 0xC0 && i+1 < len(b) && b[i+1] == 0x80 {
			i += 2
			continue
		}
		if b[i]&0xF0 == 0xE0 && i+2 < len(b) {
			r1 := rune(b[i]&0x0F)<<12 | rune(b[i+1]&0x3F)<<6 | rune(b[i+2]&0x3F)
			if utf16.IsSurrogate(r1) && i+5 < len(b) && b[i+3] == 0xED {
				i += 6
				continue
			}
		}
		out = append(out, b[i])
		i++
	}
	return out
}

// Intern assigns (or reuses) a Key for the MUTF-8 byte string b. It
// returns an error if b is not well-formed Modified UTF-8 or if the
// table already holds InvalidKey entries.
func (t *Table) Intern(b []byte) (Key, error) {
	h := fnv.New32a()
	h.Write(b)
	sum := h.Sum32()
	for _, k := range t.index[sum] {
		if string(t.mutf8[k]) == string(b) {
			return k, nil
		}
	}
	if !validateOrdinaryUTF8(b) {
		return 0, fmt.Errorf("strtab: %q is not well-formed Modified UTF-8", b)
	}
	s, err := decodeMUTF8(b)
	if err != nil {
		return 0, err
	}
	if len(t.strings) >= int(InvalidKey) {
		return 0, fmt.Errorf("strtab: intern table exhausted (%d entries)", len(t.strings))
	}
	k := Key(len(t.strings))
	cp := make([]byte, len(b))
	copy(cp, b)
	t.strings = append(t.strings, s)
	t.mutf8 = append(t.mutf8, cp)
	t.index[sum] = append(t.index[sum], k)
	return k, nil
}

// InternString is a convenience wrapper for already-decoded Go strings
// (native-method names baked into the core, for instance).
func (t *Table) InternString(s string) Key {
	k, err := t.Intern([]byte(s))
	if err != nil {
		panic(fmt.Sprintf("strtab: internal string %q is not valid MUTF-8: %v", s, err))
	}
	return k
}

// String returns the decoded string for key. It panics on an out-of-range
// key, matching the "never looked up except through keys this table
// issued" contract the loader relies on.
func (t *Table) String(k Key) string {
	return t.strings[k]
}

// MUTF8 returns the original Modified-UTF-8 bytes for key, used when a
// name must be re-serialized (e.g. for a reflective class name lookup).
func (t *Table) MUTF8(k Key) []byte {
	return t.mutf8[k]
}

// TypeKey is a compressed (name,type) 32-bit key used for field and method
// lookup (spec.md §4.5). The low 16 bits are the type-signature Key; the
// high 16 bits are the name Key.
type TypeKey uint32

// MakeTypeKey packs a (name,type) pair.
func MakeTypeKey(name, sig Key) TypeKey {
	return TypeKey(uint32(name)<<16 | uint32(sig))
}

// Name and Sig unpack a TypeKey's two halves.
func (tk TypeKey) Name() Key { return Key(tk >> 16) }
func (tk TypeKey) Sig() Key  { return Key(tk & 0xFFFF) }
