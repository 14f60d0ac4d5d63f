package interp

import (
	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/frame"
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/loader"
	"github.com/kilovm/kvm/internal/thread"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// Invoke runs method on t's call stack with args already laid out as the
// callee's initial locals (receiver first for a non-static method),
// driving the dispatch loop until the pushed frame (and everything it
// calls) unwinds back out, and returns the callee's result words — 0 for
// void, 1 for a category-1 return, 2 for long/double (spec.md §4.3's
// register model, expressed here as the explicit frame.Stack machine
// rather than Go call recursion, so a deep Java call chain never
// consumes Go stack and the per-opcode reschedule check sees every call
// depth uniformly).
func (i *Interpreter) Invoke(t *thread.Thread, cls *loader.Class, m *classfile.Method, args []uint32) ([]uint32, error) {
	if m.IsAbstract() {
		return nil, i.raise(t, vmerrors.InternalVMError, "invoke: abstract method %s.%s reached at runtime", cls.Name, i.Loader.Strings.String(m.NameKey))
	}
	if m.IsNative() {
		result, exc := i.callNative(t, cls, m, args)
		if exc != nil {
			return nil, exc
		}
		return result, nil
	}

	stack := i.stackFor(t)
	baseDepth := stack.Depth()

	var receiver heap.Ref
	if !m.IsStatic() && len(args) > 0 {
		receiver = heap.Ref(args[0])
	}
	syncObj, err := i.enterSync(t, cls, m, receiver)
	if err != nil {
		return nil, err
	}

	f, perr := stack.PushFrame(m, cls, syncObj, i.makeSingleton(vmerrors.StackOverflow))
	if perr != nil {
		if syncObj != 0 {
			i.Sched.MonitorExit(syncObj, t)
		}
		return nil, perr
	}
	copy(f.Locals, args)
	i.Trace.Frames.Printf("enter %s.%s%s depth=%d", cls.Name, i.Loader.Strings.String(m.NameKey), m.Desc, stack.Depth())

	return i.run(t, stack, baseDepth)
}

// run drives the dispatch loop until the call stack returns to
// baseDepth (the method Invoke pushed has itself returned) or an
// exception escapes uncaught past it.
func (i *Interpreter) run(t *thread.Thread, stack *frame.Stack, baseDepth int) ([]uint32, error) {
	for {
		f := stack.Current()

		// The only preemption point in the whole interpreter (spec.md
		// §4.3 "the interpreter checks Timeslice-- == 0 at the top of the
		// dispatch loop"): every call, however deep, passes back through
		// this same loop, so there is nowhere else a long-running method
		// could starve its siblings.
		t.Timeslice--
		if t.Timeslice <= 0 {
			t.Timeslice = t.Priority * thread.TimesliceFactor
			i.Sched.SwitchThread()
		}
		for _, c := range i.Async.Drain() {
			c.Apply()
		}

		op := f.Method.Code[f.IP]
		result, resultLen, thrown, err := i.dispatch(t, stack, f, op)
		if err != nil {
			return nil, err
		}
		if thrown != nil {
			if !i.unwind(t, stack, baseDepth, thrown) {
				return nil, thrown
			}
			continue
		}
		if result == nil {
			continue // ordinary instruction; dispatch already advanced ip or pushed a callee frame
		}

		// A return-family opcode popped its own frame inside dispatch; wire
		// the result into the caller, or hand it back to Invoke's own
		// caller once the popped frame was the one Invoke itself pushed.
		if stack.Depth() == baseDepth {
			return result[:resultLen], nil
		}
		caller := stack.Current()
		for w := 0; w < resultLen; w++ {
			caller.Push(result[w])
		}
	}
}

