package interp

import (
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/loader"
	"github.com/kilovm/kvm/internal/thread"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// instanceFieldBase mirrors internal/heap's own unexported
// instanceHeaderWords: every Instance object carries a (class, mhc) prefix
// before its typed field payload, and heap.Heap.Allocate only reserves
// the cells its caller asks for — the caller is responsible for sizing
// in the header words itself, exactly as arrays.go already does for the
// (class, mhc, length) array header.
const (
	instanceClassOff = 0
	instanceFieldBase = 2
)

// allocInstance allocates a zeroed instance of cls, with its class
// identity already stamped into cell 0 (heap.followPointers' Instance
// case reads classRef from there to find PointerBits/InstanceWords via
// the Interpreter's ClassInfo bridge).
func (i *Interpreter) allocInstance(t *thread.Thread, cls *loader.Class) (heap.Ref, *ThrownException) {
	ref := i.H.Allocate(instanceFieldBase+cls.InstanceWords, heap.Instance)
	if ref == 0 {
		return 0, &ThrownException{Kind: vmerrors.OutOfMemory, Ref: i.H.OOMSingleton(i.makeSingleton(vmerrors.OutOfMemory))}
	}
	i.H.SetCell(ref, instanceClassOff, uint32(i.classRefOf(cls)))
	return ref, nil
}

// staticAreaOf returns the heap-resident static storage for cls,
// allocating it (from permanent memory, once per class — statics live
// for the VM's whole lifetime) on first use. Its class identity is a
// second, distinct permanent object from classRefOf's, registered in its
// own lookup table, because a class's instance layout and its static
// layout are different shapes that PointerBits/InstanceWords must not
// confuse with one another.
func (i *Interpreter) staticAreaOf(cls *loader.Class) heap.Ref {
	if ref, ok := i.staticAreas[cls]; ok {
		return ref
	}
	sref := i.H.AllocatePermanent(instanceFieldBase+cls.StaticWords, heap.Instance)
	classIdentity := i.staticClassRefOf(cls)
	i.H.SetCell(sref, instanceClassOff, uint32(classIdentity))
	i.staticAreas[cls] = sref
	return sref
}

// staticClassRefOf is staticAreaOf's class-identity counterpart to
// classRefOf, kept in a map of its own so PointerBits/InstanceWords can
// tell "this ref identifies cls's static layout" apart from "this ref
// identifies cls's instance layout" purely from the opaque heap.Ref the
// collector hands back.
func (i *Interpreter) staticClassRefOf(cls *loader.Class) heap.Ref {
	if ref, ok := i.staticClassRefs[cls]; ok {
		return ref
	}
	ref := i.H.AllocatePermanent(1, heap.NoPointers)
	i.staticClassRefs[cls] = ref
	i.staticClassByRef[ref] = cls
	return ref
}
