package interp

import (
	"math"

	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/loader"
	"github.com/kilovm/kvm/internal/thread"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// nativeArgs adapts a flat locals-style word slice to hostport.Args'
// per-slot view, the same encoding values.go uses for wide locals: a
// long/double occupies two words at (slot, slot+1), most significant
// word first.
type nativeArgs struct{ words []uint32 }

func (a *nativeArgs) Int(slot int) int32    { return int32(a.words[slot]) }
func (a *nativeArgs) Ref(slot int) heap.Ref { return heap.Ref(a.words[slot]) }
func (a *nativeArgs) Long(slot int) int64 {
	return int64(uint64(a.words[slot])<<32 | uint64(a.words[slot+1]))
}
func (a *nativeArgs) Float(slot int) float32 { return math.Float32frombits(a.words[slot]) }
func (a *nativeArgs) Double(slot int) float64 {
	return math.Float64frombits(uint64(a.words[slot])<<32 | uint64(a.words[slot+1]))
}

// nativeResult collects the single return value (if any) a native
// method pushes, or the exception it throws, in the same word encoding.
type nativeResult struct {
	i      *Interpreter
	t      *thread.Thread
	words  []uint32
	thrown *ThrownException
}

func (r *nativeResult) PushInt(v int32)    { r.words = append(r.words, uint32(v)) }
func (r *nativeResult) PushRef(v heap.Ref) { r.words = append(r.words, uint32(v)) }
func (r *nativeResult) PushFloat(v float32) {
	r.words = append(r.words, math.Float32bits(v))
}
func (r *nativeResult) PushLong(v int64) {
	r.words = append(r.words, uint32(uint64(v)>>32), uint32(uint64(v)))
}
func (r *nativeResult) PushDouble(v float64) { r.PushLong(int64(math.Float64bits(v))) }
func (r *nativeResult) Throw(className, message string) {
	r.thrown = r.i.exceptionOfName(r.t, className, message)
}

// callNative runs a native method to completion synchronously: natives
// in this core are never themselves interruptible mid-body (only the
// asynchronous-completion protocol of spec.md §5, layered on top via
// hostport.AsyncCompletions, lets one suspend the calling thread), so
// there is no frame to push onto stack — args in, result or exception
// out, same shape as a leaf call.
func (i *Interpreter) callNative(t *thread.Thread, cls *loader.Class, m *classfile.Method, args []uint32) ([]uint32, *ThrownException) {
	var receiver heap.Ref
	if !m.IsStatic() && len(args) > 0 {
		receiver = heap.Ref(args[0])
	}
	syncObj, err := i.enterSync(t, cls, m, receiver)
	if err != nil {
		if te, ok := err.(*ThrownException); ok {
			return nil, te
		}
		return nil, i.exceptionOf(t, vmerrors.InternalVMError, "%s", err.Error())
	}
	if syncObj != 0 {
		defer i.Sched.MonitorExit(syncObj, t)
	}

	name := i.Loader.Strings.String(m.NameKey)
	if handled, words, thrown := i.callIntrinsic(t, cls, name, m, args); handled {
		return words, thrown
	}
	fn, ok := i.Natives.Lookup(cls.Name, name, m.Desc)
	if !ok {
		return nil, i.exceptionOf(t, vmerrors.UnresolvedNative, "%s.%s%s", cls.Name, name, m.Desc)
	}

	i.Trace.Calls.Printf("native %s.%s%s", cls.Name, name, m.Desc)
	na := &nativeArgs{words: args}
	nr := &nativeResult{i: i, t: t}
	fn(na, nr)
	if nr.thrown != nil {
		return nil, nr.thrown
	}
	return nr.words, nil
}

// enterSync acquires method's monitor before its body (native or
// interpreted) runs, returning the object acquired (0 if m is not
// synchronized) so the caller knows whether it owes a matching
// MonitorExit/PopFrame-triggered release.
func (i *Interpreter) enterSync(t *thread.Thread, cls *loader.Class, m *classfile.Method, receiver heap.Ref) (heap.Ref, error) {
	if !m.IsSynchronized() {
		return 0, nil
	}
	obj := receiver
	if m.IsStatic() {
		obj = i.classRefOf(cls)
	}
	if obj == 0 {
		return 0, i.exceptionOf(t, vmerrors.NullPointer, "synchronized call on null receiver")
	}
	if err := i.Sched.MonitorEnter(obj, t); err != nil {
		return 0, err
	}
	return obj, nil
}

// callIntrinsic special-cases the handful of Object/Thread native
// methods that drive Scheduler state directly (monitor wait queues, the
// alarm queue) rather than through the generic host native table: no
// external NativeMethods registration could reach internal/thread's
// unexported scheduling state, so these are wired here exactly as
// monitorenter/monitorexit are wired straight to the scheduler in
// dispatch.go instead of going through a lookup table.
func (i *Interpreter) callIntrinsic(t *thread.Thread, cls *loader.Class, name string, m *classfile.Method, args []uint32) (handled bool, words []uint32, thrown *ThrownException) {
	switch cls.Name {
	case "java/lang/Object":
		switch {
		case name == "wait" && (m.Desc == "()V" || m.Desc == "(J)V" || m.Desc == "(JI)V"):
			var timeout int64
			if m.Desc != "()V" {
				timeout = (&nativeArgs{words: args}).Long(1)
			}
			if err := i.Sched.Wait(heap.Ref(args[0]), t, timeout); err != nil {
				return true, nil, i.wrapMonitorError(t, err)
			}
			return true, nil, nil
		case name == "notify" && m.Desc == "()V":
			if err := i.Sched.Notify(heap.Ref(args[0]), t); err != nil {
				return true, nil, i.wrapMonitorError(t, err)
			}
			return true, nil, nil
		case name == "notifyAll" && m.Desc == "()V":
			if err := i.Sched.NotifyAll(heap.Ref(args[0]), t); err != nil {
				return true, nil, i.wrapMonitorError(t, err)
			}
			return true, nil, nil
		}
	case "java/lang/Thread":
		switch {
		case name == "sleep" && (m.Desc == "(J)V" || m.Desc == "(JI)V"):
			millis := (&nativeArgs{words: args}).Long(0)
			if err := i.Sched.Sleep(t, millis); err != nil {
				return true, nil, i.wrapMonitorError(t, err)
			}
			return true, nil, nil
		case name == "interrupt" && m.Desc == "()V":
			target := i.Sched.ByJavaThread(heap.Ref(args[0]))
			if target == nil {
				return true, nil, i.exceptionOf(t, vmerrors.InternalVMError, "interrupt: unresolved thread object")
			}
			i.Sched.Interrupt(target)
			return true, nil, nil
		}
	}
	return false, nil, nil
}
