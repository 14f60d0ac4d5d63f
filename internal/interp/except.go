package interp

import (
	"fmt"

	"github.com/kilovm/kvm/internal/frame"
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/loader"
	"github.com/kilovm/kvm/internal/thread"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// ThrownException is a Java exception or error in flight: Class/Ref are
// the guest-visible heap Instance unwind() matches catch types against
// and hands to the handler's operand stack, exactly like any other
// object reference. It also implements error so it can travel the
// ordinary Go return-value path out of Invoke when nothing in the
// invoked method's own frames catches it.
type ThrownException struct {
	Kind    vmerrors.Kind
	Class   *loader.Class // nil if the exception class itself could not be resolved
	Ref     heap.Ref      // backing object, or 0 if none was allocated
	Message string
}

func (e *ThrownException) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// exceptionOf materializes kind as a thrown heap Instance, falling back
// to a message-only ThrownException (no backing object, so it can never
// be caught by any handler — it propagates straight out) when kind's own
// class cannot be resolved, e.g. a minimal bootclasspath that never
// shipped java/lang/OutOfMemoryError's classfile. This is a deliberate
// simplification: a production core would carry its own exception
// classes baked into the ROM image so this path never has to give up.
func (i *Interpreter) exceptionOf(t *thread.Thread, kind vmerrors.Kind, format string, args ...interface{}) *ThrownException {
	return i.exceptionOfName(t, string(kind), fmt.Sprintf(format, args...))
}

// exceptionOfName is exceptionOf's native-ABI counterpart (hostport's
// Result.Throw names an arbitrary guest class by binary name, not by a
// vmerrors.Kind, since native code can throw anything on the classpath).
func (i *Interpreter) exceptionOfName(t *thread.Thread, className, message string) *ThrownException {
	cls, err := i.Loader.Lookup(className)
	if err != nil {
		return &ThrownException{Kind: vmerrors.Kind(className), Message: message}
	}
	ref, _ := i.allocInstance(t, cls) // a failed allocation here just yields Ref(0); the exception still carries Class for catch matching
	i.Trace.Exceptions.Printf("raise %s: %s", className, message)
	return &ThrownException{Kind: vmerrors.Kind(className), Class: cls, Ref: ref, Message: message}
}

// raise is exceptionOf wrapped as a plain error, for call sites (like
// Invoke's own abstract-method guard) that run before any frame exists
// to unwind through.
func (i *Interpreter) raise(t *thread.Thread, kind vmerrors.Kind, format string, args ...interface{}) error {
	return i.exceptionOf(t, kind, format, args...)
}

// makeSingleton builds the permanent, allocation-free exception object
// frame.Stack.PushFrame needs on hand before it can even attempt a chunk
// allocation (spec.md §4.3: stack overflow is reported via the same
// pre-allocated-singleton mechanism as out-of-memory).
func (i *Interpreter) makeSingleton(kind vmerrors.Kind) func(*heap.Heap) heap.Ref {
	return func(h *heap.Heap) heap.Ref {
		cls, err := i.Loader.Lookup(string(kind))
		if err != nil {
			return 0
		}
		ref := h.AllocatePermanent(instanceFieldBase+cls.InstanceWords, heap.Instance)
		h.SetCell(ref, instanceClassOff, uint32(i.classRefOf(cls)))
		return ref
	}
}

// unwind walks stack's frames looking for a handler covering thrown,
// releasing each unwound frame's monitor on the way out (spec.md §5 "the
// frame unwinder enforces [monitor release] by consulting syncObject").
// Frames above baseDepth are searched and popped in turn, including the
// frame Invoke itself pushed; it reports false once the stack is back
// down to baseDepth with no handler found, leaving Invoke's caller's
// frames untouched.
func (i *Interpreter) unwind(t *thread.Thread, stack *frame.Stack, baseDepth int, thrown *ThrownException) bool {
	for {
		f := stack.Current()
		if f == nil || stack.Depth() <= baseDepth {
			return false
		}
		if thrown.Class != nil {
			if pc, ok := i.findHandler(f, thrown.Class); ok {
				f.Stack = f.Stack[:0]
				f.Push(uint32(thrown.Ref))
				f.IP = pc
				i.Trace.Exceptions.Printf("catch %s in %s.%s at pc=%d", thrown.Kind, f.Class.Name, i.Loader.Strings.String(f.Method.NameKey), pc)
				return true
			}
		}
		sync := stack.PopFrame()
		if sync != 0 {
			i.Sched.MonitorExit(sync, t)
		}
		i.Trace.Frames.Printf("unwind %s.%s depth=%d", f.Class.Name, i.Loader.Strings.String(f.Method.NameKey), stack.Depth())
	}
}

// findHandler returns the first exception_table entry of f.Method
// covering f.IP whose catch type thrownClass is assignable to (or the
// finally-style CatchType==0 "any").
func (i *Interpreter) findHandler(f *frame.Frame, thrownClass *loader.Class) (int, bool) {
	for _, h := range f.Method.Handlers {
		if f.IP < h.StartPC || f.IP >= h.EndPC {
			continue
		}
		if h.CatchType == 0 {
			return h.HandlerPC, true
		}
		if catchCls := i.resolveClassIndex(f, h.CatchType); catchCls != nil && isAssignable(thrownClass, catchCls) {
			return h.HandlerPC, true
		}
	}
	return 0, false
}

// isAssignable reports whether sub is sup or a (possibly transitive)
// subclass/implementor of it, the runtime test both checkcast/instanceof
// and exception-handler matching need.
func isAssignable(sub, sup *loader.Class) bool {
	for c := sub; c != nil; c = c.Super {
		if c == sup {
			return true
		}
		for _, iface := range c.Interfaces {
			if isAssignable(iface, sup) {
				return true
			}
		}
	}
	return false
}
