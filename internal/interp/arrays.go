package interp

import (
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/loader"
	"github.com/kilovm/kvm/internal/thread"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// Array layout: offset 0 is the class ref, offset 1 the MHC word
// (heap.instanceHeaderWords-equivalent for arrays is 3 cells: class, mhc,
// length — heap.arrayHeaderWords), offset 2 the element count, and
// elements start at offset 3, one cell per element except long/double
// arrays which use two (matching values.go's wide-value convention).
const (
	arrayClassOff  = 0
	arrayLengthOff = 2
	arrayDataOff   = 3
)

// newarray atype constants (JVM spec table 6.5-newarray).
const (
	atBoolean = 4
	atChar    = 5
	atFloat   = 6
	atDouble  = 7
	atByte    = 8
	atShort   = 9
	atInt     = 10
	atLong    = 11
)

func primitiveArrayName(atype byte) (string, bool) {
	switch atype {
	case atBoolean:
		return "[Z", true
	case atChar:
		return "[C", true
	case atFloat:
		return "[F", true
	case atDouble:
		return "[D", true
	case atByte:
		return "[B", true
	case atShort:
		return "[S", true
	case atInt:
		return "[I", true
	case atLong:
		return "[J", true
	}
	return "", false
}

// allocArray allocates an array instance of the named array class
// ("[I", "[Ljava/lang/String;", "[[I", ...) with length elements,
// raising NegativeArraySizeException itself rather than leaving that
// check to every opcode handler.
func (i *Interpreter) allocArray(t *thread.Thread, className string, length int32) (heap.Ref, *ThrownException) {
	if length < 0 {
		return 0, i.exceptionOf(t, vmerrors.NegativeArraySize, "%d", length)
	}
	cls, err := i.Loader.Lookup(className)
	if err != nil {
		return 0, i.linkageException(t, err)
	}
	width := elementWidth(className)
	gcType := heap.Array
	if isObjectArrayName(className) {
		gcType = heap.ObjectArray
	}
	sizeCells := arrayDataOff + int(length)*width
	ref := i.H.Allocate(sizeCells, gcType)
	if ref == 0 {
		return 0, &ThrownException{Kind: vmerrors.OutOfMemory, Ref: i.H.OOMSingleton(i.makeSingleton(vmerrors.OutOfMemory))}
	}
	i.H.SetCell(ref, arrayClassOff, uint32(i.classRefOf(cls)))
	i.H.SetCell(ref, arrayLengthOff, uint32(length))
	return ref, nil
}

func (i *Interpreter) arrayLength(ref heap.Ref) int32 {
	return int32(i.H.GetCell(ref, arrayLengthOff))
}

// arrayClassName returns the array's own class name ("[I", "[[Ljava/lang/Object;",
// ...), used to decide element width and component class on load/store.
func (i *Interpreter) arrayClassName(ref heap.Ref) string {
	classRef := heap.Ref(i.H.GetCell(ref, arrayClassOff))
	if c := i.classByRef[classRef]; c != nil {
		return c.Name
	}
	return ""
}

func (i *Interpreter) checkBounds(t *thread.Thread, ref heap.Ref, index int32) *ThrownException {
	if ref == 0 {
		return i.exceptionOf(t, vmerrors.NullPointer, "array access")
	}
	if index < 0 || index >= i.arrayLength(ref) {
		return i.exceptionOf(t, vmerrors.ArrayIndexOOB, "%d", index)
	}
	return nil
}

// arrayElemCell returns the cell offset of element index, accounting for
// two-word elements in long/double arrays.
func (i *Interpreter) arrayElemCell(ref heap.Ref, index int32) int {
	width := elementWidth(i.arrayClassName(ref))
	return arrayDataOff + int(index)*width
}

// multianewarray recursively builds a dims[0]-length array of
// (dims[1:])-shaped arrays, bottoming out at a single allocation once
// dims has one entry left (spec.md §4.3 "multianewarray"). componentName
// is the full array class name at the current recursion depth (e.g.
// "[[[I" at depth 0 for a 3-dimensional int array, "[[I" at depth 1).
func (i *Interpreter) multianewarray(t *thread.Thread, componentName string, dims []int32) (heap.Ref, *ThrownException) {
	ref, exc := i.allocArray(t, componentName, dims[0])
	if exc != nil {
		return 0, exc
	}
	if len(dims) == 1 || dims[0] == 0 {
		return ref, nil
	}
	elemName := componentName[1:] // one fewer leading '['
	rootMark := i.H.RootMark()
	i.H.PushRoot(ref)
	defer i.H.PopRootsTo(rootMark)
	for idx := int32(0); idx < dims[0]; idx++ {
		sub, exc := i.multianewarray(t, elemName, dims[1:])
		if exc != nil {
			return 0, exc
		}
		i.H.SetCell(ref, i.arrayElemCell(ref, idx), uint32(sub))
	}
	return ref, nil
}

// componentArrayName builds the name of the array class whose elements
// are componentName, for anewarray's "array of T" construction given T's
// resolved class.
func componentArrayName(componentName string, componentIsArray bool) string {
	if componentIsArray {
		return "[" + componentName
	}
	return "[L" + componentName + ";"
}

func (i *Interpreter) classNameOf(cls *loader.Class) string { return cls.Name }
