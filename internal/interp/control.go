package interp

import (
	"github.com/kilovm/kvm/internal/endian"
	"github.com/kilovm/kvm/internal/frame"
)

// branchTarget reads the signed 16-bit offset following a branch opcode
// at f.IP and returns the absolute target, the JVM's own branch-offset
// encoding (relative to the opcode byte itself, not the next instruction).
func branchTarget(f *frame.Frame) int {
	off := int16(endian.U2(f.Method.Code, f.IP+1))
	return f.IP + int(off)
}

// branchTargetWide is goto_w/jsr_w's 32-bit counterpart.
func branchTargetWide(f *frame.Frame) int {
	off := int32(endian.U4(f.Method.Code, f.IP+1))
	return f.IP + int(off)
}

// tableswitch: aligned to the next 4-byte boundary past the opcode byte,
// then default(4) low(4) high(4) offsets[high-low+1](4 each), every
// offset relative to the opcode's own address like any other branch.
func execTableswitch(f *frame.Frame) {
	base := f.IP
	idx := popInt(f)
	p := alignedOperandStart(base)
	def := int32(endian.U4(f.Method.Code, p))
	low := int32(endian.U4(f.Method.Code, p+4))
	high := int32(endian.U4(f.Method.Code, p+8))
	if idx < low || idx > high {
		f.IP = base + int(def)
		return
	}
	offP := p + 12 + int(idx-low)*4
	off := int32(endian.U4(f.Method.Code, offP))
	f.IP = base + int(off)
}

// lookupswitch: aligned the same way, then default(4) npairs(4)
// (match, offset) pairs(4+4 each) sorted ascending by match.
func execLookupswitch(f *frame.Frame) {
	base := f.IP
	key := popInt(f)
	p := alignedOperandStart(base)
	def := int32(endian.U4(f.Method.Code, p))
	n := int32(endian.U4(f.Method.Code, p+4))
	pairsStart := p + 8
	lo, hi := int32(0), n-1
	for lo <= hi {
		mid := (lo + hi) / 2
		off := pairsStart + int(mid)*8
		match := int32(endian.U4(f.Method.Code, off))
		switch {
		case match == key:
			f.IP = base + int(int32(endian.U4(f.Method.Code, off+4)))
			return
		case match < key:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	f.IP = base + int(def)
}

// alignedOperandStart returns the first byte past opcodeAddr's padding,
// i.e. the next multiple of 4 bytes measured from the start of the
// method's code array (tableswitch/lookupswitch pad so their 32-bit
// operands land on a 4-byte boundary).
func alignedOperandStart(opcodeAddr int) int {
	p := opcodeAddr + 1
	if rem := p % 4; rem != 0 {
		p += 4 - rem
	}
	return p
}

