package interp

import (
	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/frame"
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/loader"
	"github.com/kilovm/kvm/internal/strtab"
	"github.com/kilovm/kvm/internal/thread"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// fieldWidth reports a resolved field's width in VM words (2 for
// long/double, 1 otherwise), the same convention values.go's locals use.
func fieldWidth(rf *loader.ResolvedField) int {
	if rf.Field.Slot == nil {
		return 1
	}
	w := rf.Field.Slot.Width()
	if w == 0 {
		return 1
	}
	return w
}

// getField implements getfield: pop the receiver, push its field's
// value (two words, high first, for a wide field).
func (i *Interpreter) getField(t *thread.Thread, f *frame.Frame, idx uint16) *ThrownException {
	rf, err := i.resolveField(f, idx, false, false)
	if err != nil {
		return i.linkageException(t, err)
	}
	ref := heap.Ref(f.Pop())
	if ref == 0 {
		return i.exceptionOf(t, vmerrors.NullPointer, "getfield %s.%s", rf.Declaring.Name, i.Loader.Strings.String(rf.Field.NameKey))
	}
	off := instanceFieldBase + rf.SlotIndex
	if fieldWidth(rf) == 2 {
		f.Push(i.H.GetCell(ref, off))
		f.Push(i.H.GetCell(ref, off+1))
	} else {
		f.Push(i.H.GetCell(ref, off))
	}
	return nil
}

// putField implements putfield: operand stack holds ..., receiver, value
// with value on top (two words for a wide field, high first).
func (i *Interpreter) putField(t *thread.Thread, f *frame.Frame, idx uint16) *ThrownException {
	rf, err := i.resolveField(f, idx, false, true)
	if err != nil {
		return i.linkageException(t, err)
	}
	var lo, hi uint32
	wide := fieldWidth(rf) == 2
	if wide {
		lo = f.Pop()
		hi = f.Pop()
	} else {
		lo = f.Pop()
	}
	ref := heap.Ref(f.Pop())
	if ref == 0 {
		return i.exceptionOf(t, vmerrors.NullPointer, "putfield %s.%s", rf.Declaring.Name, i.Loader.Strings.String(rf.Field.NameKey))
	}
	off := instanceFieldBase + rf.SlotIndex
	if wide {
		i.H.SetCell(ref, off, hi)
		i.H.SetCell(ref, off+1, lo)
	} else {
		i.H.SetCell(ref, off, lo)
	}
	return nil
}

// getStatic implements getstatic, triggering the declaring class's
// initializer on first touch the way spec.md §4.5 requires of any
// static field or method access.
func (i *Interpreter) getStatic(t *thread.Thread, stack *frame.Stack, f *frame.Frame, idx uint16) *ThrownException {
	rf, err := i.resolveField(f, idx, true, false)
	if err != nil {
		return i.linkageException(t, err)
	}
	if exc := i.ensureInitialized(t, stack, rf.Declaring); exc != nil {
		return exc
	}
	area := i.staticAreaOf(rf.Declaring)
	off := instanceFieldBase + rf.SlotIndex
	if fieldWidth(rf) == 2 {
		f.Push(i.H.GetCell(area, off))
		f.Push(i.H.GetCell(area, off+1))
	} else {
		f.Push(i.H.GetCell(area, off))
	}
	return nil
}

func (i *Interpreter) putStatic(t *thread.Thread, stack *frame.Stack, f *frame.Frame, idx uint16) *ThrownException {
	rf, err := i.resolveField(f, idx, true, true)
	if err != nil {
		return i.linkageException(t, err)
	}
	if exc := i.ensureInitialized(t, stack, rf.Declaring); exc != nil {
		return exc
	}
	var lo, hi uint32
	wide := fieldWidth(rf) == 2
	if wide {
		lo = f.Pop()
		hi = f.Pop()
	} else {
		lo = f.Pop()
	}
	area := i.staticAreaOf(rf.Declaring)
	off := instanceFieldBase + rf.SlotIndex
	if wide {
		i.H.SetCell(area, off, hi)
		i.H.SetCell(area, off+1, lo)
	} else {
		i.H.SetCell(area, off, lo)
	}
	return nil
}

// newInstance implements new: resolve the class, run its initializer if
// this is the first touch, then allocate a zeroed instance.
func (i *Interpreter) newInstance(t *thread.Thread, stack *frame.Stack, f *frame.Frame, idx uint16) *ThrownException {
	pool := f.Class.File.Pool
	name := i.cpClassName(pool, idx)
	cls, err := i.Loader.ResolveClassRef(f.Class, name)
	if err != nil {
		return i.linkageException(t, err)
	}
	if cls.File.AccessFlags&(classfile.AccInterface|classfile.AccAbstract) != 0 {
		return i.exceptionOf(t, vmerrors.InstantiationError, "%s", cls.Name)
	}
	if exc := i.ensureInitialized(t, stack, cls); exc != nil {
		return exc
	}
	ref, exc := i.allocInstance(t, cls)
	if exc != nil {
		return exc
	}
	f.Push(uint32(ref))
	return nil
}

// checkCast implements checkcast: a null reference always passes; a
// non-null reference must be assignable to the resolved type.
func (i *Interpreter) checkCast(t *thread.Thread, f *frame.Frame, idx uint16) *ThrownException {
	ref := heap.Ref(f.PeekAt(0))
	if ref == 0 {
		return nil
	}
	target := i.resolveClassIndex(f, idx)
	if target == nil {
		pool := f.Class.File.Pool
		return i.exceptionOf(t, vmerrors.ClassNotFound, "%s", i.cpClassName(pool, idx))
	}
	actual := i.classOfRef(ref)
	if actual == nil || !isAssignable(actual, target) {
		return i.exceptionOf(t, vmerrors.ClassCastException, "%s cannot be cast to %s", classNameOrNil(actual), target.Name)
	}
	return nil
}

// instanceOf implements instanceof: pushes 1/0 rather than throwing,
// the one place this family tolerates a failed cast.
func (i *Interpreter) instanceOf(f *frame.Frame, idx uint16) {
	ref := heap.Ref(f.Pop())
	if ref == 0 {
		f.Push(0)
		return
	}
	target := i.resolveClassIndex(f, idx)
	actual := i.classOfRef(ref)
	if target == nil || actual == nil || !isAssignable(actual, target) {
		f.Push(0)
		return
	}
	f.Push(1)
}

func classNameOrNil(c *loader.Class) string {
	if c == nil {
		return "?"
	}
	return c.Name
}

// classOfRef returns the loader.Class backing a heap object's class-ref
// header cell, whichever of classByRef (instances/arrays) applies —
// checkcast/instanceof only ever see ordinary instances and arrays, never
// a static-area reference, so staticClassByRef is not consulted here.
func (i *Interpreter) classOfRef(ref heap.Ref) *loader.Class {
	classRef := heap.Ref(i.H.GetCell(ref, instanceClassOff))
	return i.classByRef[classRef]
}

// ensureInitialized triggers cls's <clinit> the first time any of new,
// getstatic, putstatic or a static method invocation touches it
// (spec.md §4.5), running the initializer as an ordinary interpreted
// call pushed onto the same stack so any exception it raises unwinds
// normally; ExceptionInInitializerError wraps anything but an Error
// subtype that escapes <clinit>, matching the JVM's own rule.
func (i *Interpreter) ensureInitialized(t *thread.Thread, stack *frame.Stack, cls *loader.Class) *ThrownException {
	if i.initialized[cls] {
		return nil
	}
	if cls.Super != nil {
		if exc := i.ensureInitialized(t, stack, cls.Super); exc != nil {
			return exc
		}
	}
	if i.initialized[cls] {
		return nil
	}
	i.initialized[cls] = true
	clinitKey := strtab.MakeTypeKey(i.clinitKey, i.clinitDescKey)
	clinit := cls.Methods[clinitKey]
	if clinit == nil {
		return nil
	}
	i.Trace.Frames.Printf("clinit %s", cls.Name)
	_, err := i.Invoke(t, cls, clinit, nil)
	if err == nil {
		return nil
	}
	te, ok := err.(*ThrownException)
	if !ok {
		return i.exceptionOf(t, vmerrors.InternalVMError, "%s", err.Error())
	}
	errCls := i.errorClassOf()
	if te.Class != nil && errCls != nil && isAssignable(te.Class, errCls) {
		return te
	}
	return i.exceptionOf(t, vmerrors.ExceptionInInit, "%s", te.Error())
}
