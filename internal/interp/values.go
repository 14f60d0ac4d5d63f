// Package interp implements spec.md §4.3's bytecode dispatch loop: a
// single threaded switch over the opcode at ip, operating on the five
// logically-global VM registers (ip/sp/fp/lp/cp) that internal/frame's
// Frame and Stack already carry per activation record. Grounded on
// original_source/kvm/VmCommon/h/interpret.h and the call/return/throw
// shape described across frame.c and class.c.
package interp

import (
	"math"

	"github.com/kilovm/kvm/internal/frame"
)

// Wide (long/double) values occupy two stack or local cells, most
// significant word first, matching the original interpreter's in-place
// word order for 64-bit values on a 32-bit-cell stack.

func pushLong(f *frame.Frame, v int64) {
	f.Push(uint32(uint64(v) >> 32))
	f.Push(uint32(uint64(v)))
}

func popLong(f *frame.Frame) int64 {
	lo := f.Pop()
	hi := f.Pop()
	return int64(uint64(hi)<<32 | uint64(lo))
}

func pushDouble(f *frame.Frame, v float64) { pushLong(f, int64(math.Float64bits(v))) }
func popDouble(f *frame.Frame) float64     { return math.Float64frombits(uint64(popLong(f))) }

func pushFloat(f *frame.Frame, v float32) { f.Push(math.Float32bits(v)) }
func popFloat(f *frame.Frame) float32     { return math.Float32frombits(f.Pop()) }

func pushInt(f *frame.Frame, v int32) { f.Push(uint32(v)) }
func popInt(f *frame.Frame) int32     { return int32(f.Pop()) }

func localLong(f *frame.Frame, i int) int64 {
	return int64(uint64(f.Local(i))<<32 | uint64(f.Local(i+1)))
}

func setLocalLong(f *frame.Frame, i int, v int64) {
	f.SetLocal(i, uint32(uint64(v)>>32))
	f.SetLocal(i+1, uint32(uint64(v)))
}

func localDouble(f *frame.Frame, i int) float64    { return math.Float64frombits(uint64(localLong(f, i))) }
func setLocalDouble(f *frame.Frame, i int, v float64) { setLocalLong(f, i, int64(math.Float64bits(v))) }

func localFloat(f *frame.Frame, i int) float32    { return math.Float32frombits(f.Local(i)) }
func setLocalFloat(f *frame.Frame, i int, v float32) { f.SetLocal(i, math.Float32bits(v)) }
