package interp

import (
	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/endian"
	"github.com/kilovm/kvm/internal/frame"
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/loader"
	"github.com/kilovm/kvm/internal/strtab"
	"github.com/kilovm/kvm/internal/thread"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// popArgWords pops a single signature slot's words off f's operand
// stack, returning them already in locals order (most significant word
// first for a wide slot — values.go's convention, reused here so the
// words this function returns can be copied straight into a callee's
// Locals).
func popArgWords(f *frame.Frame, width int) []uint32 {
	if width == 2 {
		lo := f.Pop()
		hi := f.Pop()
		return []uint32{hi, lo}
	}
	return []uint32{f.Pop()}
}

// popArgs pops sig's arguments (and, if withReceiver, the receiver below
// them) off f's operand stack and returns them as a flat locals-order
// word slice ready to become a callee's initial Locals. Arguments are
// pushed left-to-right by the caller, so the last argument sits on top
// of the stack; popping in reverse argument order and writing each into
// its own slot undoes that without needing to know argument count in
// advance.
func popArgs(f *frame.Frame, sig *strtab.Signature, withReceiver bool) []uint32 {
	n := len(sig.Args)
	widths := make([]int, n)
	total := 0
	for idx, a := range sig.Args {
		w := a.Width()
		if w == 0 {
			w = 1
		}
		widths[idx] = w
		total += w
	}
	buf := make([]uint32, total)
	pos := total
	for idx := n - 1; idx >= 0; idx-- {
		w := widths[idx]
		pos -= w
		copy(buf[pos:pos+w], popArgWords(f, w))
	}
	if withReceiver {
		recv := f.Pop()
		return append([]uint32{recv}, buf...)
	}
	return buf
}

// enterCall resolves the synchronization obligation of calling method on
// cls with args already popped (args[0] is the receiver for a non-static
// method), pushes a new frame for it, and copies args into the new
// frame's locals — the explicit-frame-chain call model run.go's doc
// comment describes: the callee runs on the next iteration of the same
// dispatch loop, never through Go call recursion.
func (i *Interpreter) enterCall(t *thread.Thread, stack *frame.Stack, cls *loader.Class, m *classfile.Method, args []uint32) *ThrownException {
	var receiver heap.Ref
	if !m.IsStatic() && len(args) > 0 {
		receiver = heap.Ref(args[0])
	}
	syncObj, err := i.enterSync(t, cls, m, receiver)
	if err != nil {
		if te, ok := err.(*ThrownException); ok {
			return te
		}
		return i.exceptionOf(t, vmerrors.InternalVMError, "%s", err.Error())
	}
	nf, perr := stack.PushFrame(m, cls, syncObj, i.makeSingleton(vmerrors.StackOverflow))
	if perr != nil {
		if syncObj != 0 {
			i.Sched.MonitorExit(syncObj, t)
		}
		return i.exceptionOf(t, vmerrors.StackOverflow, "%s", perr.Error())
	}
	copy(nf.Locals, args)
	i.Trace.Frames.Printf("enter %s.%s%s depth=%d", cls.Name, i.Loader.Strings.String(m.NameKey), m.Desc, stack.Depth())
	return nil
}

// dispatchCall routes a resolved (cls, m) call target to either a native
// leaf call (executed synchronously, its result pushed straight onto the
// caller's operand stack) or an interpreted call (a new frame pushed
// onto stack for the dispatch loop to pick up next iteration).
func (i *Interpreter) dispatchCall(t *thread.Thread, stack *frame.Stack, f *frame.Frame, cls *loader.Class, m *classfile.Method, args []uint32, retWidth int) *ThrownException {
	if m.IsAbstract() {
		return i.exceptionOf(t, vmerrors.AbstractMethodError, "%s.%s%s", cls.Name, i.Loader.Strings.String(m.NameKey), m.Desc)
	}
	if m.IsNative() {
		result, exc := i.callNative(t, cls, m, args)
		if exc != nil {
			return exc
		}
		for w := 0; w < retWidth && w < len(result); w++ {
			f.Push(result[w])
		}
		return nil
	}
	return i.enterCall(t, stack, cls, m, args)
}

// invokeMono implements invokestatic (wantStatic true) and invokespecial
// (wantStatic false: a non-virtual call on a live receiver — constructor,
// private method, or a superclass call via super.foo()).
func (i *Interpreter) invokeMono(t *thread.Thread, stack *frame.Stack, f *frame.Frame, idx uint16, wantStatic bool) *ThrownException {
	rm, err := i.resolveMonoMethod(f, idx, wantStatic)
	if err != nil {
		return i.linkageException(t, err)
	}
	if wantStatic {
		if exc := i.ensureInitialized(t, stack, rm.Declaring); exc != nil {
			return exc
		}
	}
	args := popArgs(f, rm.Method.Signature, !wantStatic)
	if !wantStatic && heap.Ref(args[0]) == 0 {
		return i.exceptionOf(t, vmerrors.NullPointer, "%s.%s", rm.Declaring.Name, i.Loader.Strings.String(rm.Method.NameKey))
	}
	return i.dispatchCall(t, stack, f, rm.Declaring, rm.Method, args, rm.Method.Signature.Ret.Width())
}

// invokeVirtualOrInterface implements invokevirtual/invokeinterface:
// resolution walks from the receiver's *actual* runtime class rather
// than the constant pool's static owner, cached per call site
// (interp.go's callSite/inlineCache) since repeat calls at the same
// instruction overwhelmingly see the same receiver class.
func (i *Interpreter) invokeVirtualOrInterface(t *thread.Thread, stack *frame.Stack, f *frame.Frame, idx uint16) *ThrownException {
	mr, err := i.resolveMethodRef(f, idx)
	if err != nil {
		return i.linkageException(t, err)
	}
	args := popArgs(f, mr.sig, true)
	receiverRef := heap.Ref(args[0])
	if receiverRef == 0 {
		return i.exceptionOf(t, vmerrors.NullPointer, "%s.%s", mr.ownerName, i.Loader.Strings.String(mr.nameKey))
	}
	receiverClassRef := heap.Ref(i.H.GetCell(receiverRef, instanceClassOff))
	receiverClass := i.classByRef[receiverClassRef]
	if receiverClass == nil {
		return i.exceptionOf(t, vmerrors.InternalVMError, "unregistered receiver class for %s", mr.ownerName)
	}

	site := callSite{method: f.Method, pc: f.IP}
	ic := i.callSites[site]
	if ic == nil || ic.receiverClass != receiverClass {
		resolved, rerr := i.Loader.ResolveMethod(f.Class, receiverClass, mr.nameKey, mr.descKey, false)
		if rerr != nil {
			return i.linkageException(t, rerr)
		}
		ic = &inlineCache{receiverClass: receiverClass, resolved: resolved}
		i.callSites[site] = ic
	}
	return i.dispatchCall(t, stack, f, ic.resolved.Declaring, ic.resolved.Method, args, ic.resolved.Method.Signature.Ret.Width())
}

// cpU2 reads a big-endian constant-pool index operand immediately
// following the opcode byte at f.IP.
func cpU2(f *frame.Frame) uint16 { return endian.U2(f.Method.Code, f.IP+1) }
