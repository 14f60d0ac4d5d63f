package interp

import (
	"fmt"
	"unicode/utf16"

	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/endian"
	"github.com/kilovm/kvm/internal/frame"
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/opcodes"
	"github.com/kilovm/kvm/internal/thread"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// internalError wraps a bug-level dispatch failure (an opcode this core
// genuinely does not implement, or a malformed wide prefix) as a plain
// Go error rather than a ThrownException: run.go treats dispatch's err
// return as fatal, never something a guest handler could catch, which is
// right for "the interpreter itself hit a case it doesn't know how to
// execute" as opposed to a guest-visible linkage or runtime exception.
func internalError(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %s", vmerrors.InternalVMError, fmt.Sprintf(format, args...))
}

// dispatch executes the single instruction at f.IP and reports what
// run's loop should do next (see run.go's doc comment for the full
// contract): a nil result means dispatch already advanced f.IP (or
// pushed/popped a frame) and the loop should simply continue; a non-nil
// result means a return-family opcode already popped its own frame and
// result[:resultLen] is the value to hand up.
func (i *Interpreter) dispatch(t *thread.Thread, stack *frame.Stack, f *frame.Frame, op byte) (result []uint32, resultLen int, thrown *ThrownException, err error) {
	code := f.Method.Code

	if eff, ok := opcodes.SimpleEffect(op); ok && isArithmeticOrConvert(op) {
		i.execSimple(f, op, eff)
		f.IP += opcodes.Length(op)
		return nil, 0, nil, nil
	}

	switch op {
	case opcodes.Nop:
		f.IP++

	case opcodes.AconstNull:
		f.Push(0)
		f.IP++
	case opcodes.IconstM1, opcodes.Iconst0, opcodes.Iconst1, opcodes.Iconst2, opcodes.Iconst3, opcodes.Iconst4, opcodes.Iconst5:
		pushInt(f, int32(op)-int32(opcodes.Iconst0))
		f.IP++
	case opcodes.Lconst0, opcodes.Lconst1:
		pushLong(f, int64(op-opcodes.Lconst0))
		f.IP++
	case opcodes.Fconst0, opcodes.Fconst1, opcodes.Fconst2:
		pushFloat(f, float32(op-opcodes.Fconst0))
		f.IP++
	case opcodes.Dconst0, opcodes.Dconst1:
		pushDouble(f, float64(op-opcodes.Dconst0))
		f.IP++
	case opcodes.Bipush:
		pushInt(f, int32(int8(code[f.IP+1])))
		f.IP += 2
	case opcodes.Sipush:
		pushInt(f, int32(int16(endian.U2(code, f.IP+1))))
		f.IP += 3

	case opcodes.Ldc:
		thrown = i.execLdc(t, f, int(code[f.IP+1]))
		f.IP += 2
	case opcodes.LdcW:
		thrown = i.execLdc(t, f, int(endian.U2(code, f.IP+1)))
		f.IP += 3
	case opcodes.Ldc2W:
		i.execLdc2(f, int(endian.U2(code, f.IP+1)))
		f.IP += 3

	case opcodes.Iload, opcodes.Fload, opcodes.Aload:
		f.Push(f.Local(int(code[f.IP+1])))
		f.IP += 2
	case opcodes.Lload, opcodes.Dload:
		n := int(code[f.IP+1])
		f.Push(f.Local(n))
		f.Push(f.Local(n + 1))
		f.IP += 2
	case opcodes.Iload0, opcodes.Iload1, opcodes.Iload2, opcodes.Iload3:
		f.Push(f.Local(int(op - opcodes.Iload0)))
		f.IP++
	case opcodes.Fload0, opcodes.Fload1, opcodes.Fload2, opcodes.Fload3:
		f.Push(f.Local(int(op - opcodes.Fload0)))
		f.IP++
	case opcodes.Aload0, opcodes.Aload1, opcodes.Aload2, opcodes.Aload3:
		f.Push(f.Local(int(op - opcodes.Aload0)))
		f.IP++
	case opcodes.Lload0, opcodes.Lload1, opcodes.Lload2, opcodes.Lload3:
		n := int(op - opcodes.Lload0)
		f.Push(f.Local(n))
		f.Push(f.Local(n + 1))
		f.IP++
	case opcodes.Dload0, opcodes.Dload1, opcodes.Dload2, opcodes.Dload3:
		n := int(op - opcodes.Dload0)
		f.Push(f.Local(n))
		f.Push(f.Local(n + 1))
		f.IP++

	case opcodes.Istore, opcodes.Fstore, opcodes.Astore:
		f.SetLocal(int(code[f.IP+1]), f.Pop())
		f.IP += 2
	case opcodes.Lstore, opcodes.Dstore:
		n := int(code[f.IP+1])
		lo := f.Pop()
		hi := f.Pop()
		f.SetLocal(n, hi)
		f.SetLocal(n+1, lo)
		f.IP += 2
	case opcodes.Istore0, opcodes.Istore1, opcodes.Istore2, opcodes.Istore3:
		f.SetLocal(int(op-opcodes.Istore0), f.Pop())
		f.IP++
	case opcodes.Fstore0, opcodes.Fstore1, opcodes.Fstore2, opcodes.Fstore3:
		f.SetLocal(int(op-opcodes.Fstore0), f.Pop())
		f.IP++
	case opcodes.Astore0, opcodes.Astore1, opcodes.Astore2, opcodes.Astore3:
		f.SetLocal(int(op-opcodes.Astore0), f.Pop())
		f.IP++
	case opcodes.Lstore0, opcodes.Lstore1, opcodes.Lstore2, opcodes.Lstore3:
		n := int(op - opcodes.Lstore0)
		lo := f.Pop()
		hi := f.Pop()
		f.SetLocal(n, hi)
		f.SetLocal(n+1, lo)
		f.IP++
	case opcodes.Dstore0, opcodes.Dstore1, opcodes.Dstore2, opcodes.Dstore3:
		n := int(op - opcodes.Dstore0)
		lo := f.Pop()
		hi := f.Pop()
		f.SetLocal(n, hi)
		f.SetLocal(n+1, lo)
		f.IP++

	case opcodes.Iaload, opcodes.Faload, opcodes.Baload, opcodes.Caload, opcodes.Saload, opcodes.Aaload:
		idx := popInt(f)
		ref := heap.Ref(f.Pop())
		if thrown = i.checkBounds(t, ref, idx); thrown == nil {
			f.Push(i.H.GetCell(ref, i.arrayElemCell(ref, idx)))
		}
		f.IP++
	case opcodes.Laload, opcodes.Daload:
		idx := popInt(f)
		ref := heap.Ref(f.Pop())
		if thrown = i.checkBounds(t, ref, idx); thrown == nil {
			c := i.arrayElemCell(ref, idx)
			f.Push(i.H.GetCell(ref, c))
			f.Push(i.H.GetCell(ref, c+1))
		}
		f.IP++

	case opcodes.Iastore, opcodes.Fastore, opcodes.Aastore, opcodes.Bastore, opcodes.Castore, opcodes.Sastore:
		v := f.Pop()
		idx := popInt(f)
		ref := heap.Ref(f.Pop())
		if thrown = i.checkBounds(t, ref, idx); thrown == nil {
			i.H.SetCell(ref, i.arrayElemCell(ref, idx), v)
		}
		f.IP++
	case opcodes.Lastore, opcodes.Dastore:
		lo := f.Pop()
		hi := f.Pop()
		idx := popInt(f)
		ref := heap.Ref(f.Pop())
		if thrown = i.checkBounds(t, ref, idx); thrown == nil {
			c := i.arrayElemCell(ref, idx)
			i.H.SetCell(ref, c, hi)
			i.H.SetCell(ref, c+1, lo)
		}
		f.IP++

	case opcodes.Pop:
		f.Pop()
		f.IP++
	case opcodes.Pop2:
		f.Pop()
		f.Pop()
		f.IP++
	case opcodes.Dup:
		v := f.PeekAt(0)
		f.Push(v)
		f.IP++
	case opcodes.DupX1:
		v1, v2 := f.Pop(), f.Pop()
		f.Push(v1)
		f.Push(v2)
		f.Push(v1)
		f.IP++
	case opcodes.DupX2:
		v1, v2, v3 := f.Pop(), f.Pop(), f.Pop()
		f.Push(v1)
		f.Push(v3)
		f.Push(v2)
		f.Push(v1)
		f.IP++
	case opcodes.Dup2:
		v1, v2 := f.Pop(), f.Pop()
		f.Push(v2)
		f.Push(v1)
		f.Push(v2)
		f.Push(v1)
		f.IP++
	case opcodes.Dup2X1:
		v1, v2, v3 := f.Pop(), f.Pop(), f.Pop()
		f.Push(v2)
		f.Push(v1)
		f.Push(v3)
		f.Push(v2)
		f.Push(v1)
		f.IP++
	case opcodes.Dup2X2:
		v1, v2, v3, v4 := f.Pop(), f.Pop(), f.Pop(), f.Pop()
		f.Push(v2)
		f.Push(v1)
		f.Push(v4)
		f.Push(v3)
		f.Push(v2)
		f.Push(v1)
		f.IP++
	case opcodes.Swap:
		v1, v2 := f.Pop(), f.Pop()
		f.Push(v1)
		f.Push(v2)
		f.IP++

	case opcodes.Iinc:
		n := int(code[f.IP+1])
		delta := int32(int8(code[f.IP+2]))
		f.SetLocal(n, uint32(int32(f.Local(n))+delta))
		f.IP += 3

	case opcodes.Lcmp:
		b, a := popLong(f), popLong(f)
		pushInt(f, cmp3(a, b))
		f.IP++
	case opcodes.Fcmpl, opcodes.Fcmpg:
		b, a := popFloat(f), popFloat(f)
		pushInt(f, fcmp3(float64(a), float64(b), op == opcodes.Fcmpg))
		f.IP++
	case opcodes.Dcmpl, opcodes.Dcmpg:
		b, a := popDouble(f), popDouble(f)
		pushInt(f, fcmp3(a, b, op == opcodes.Dcmpg))
		f.IP++

	case opcodes.Ifeq, opcodes.Ifne, opcodes.Iflt, opcodes.Ifge, opcodes.Ifgt, opcodes.Ifle:
		if compareOneInt(op, popInt(f)) {
			f.IP = branchTarget(f)
		} else {
			f.IP += 3
		}
	case opcodes.IfIcmpeq, opcodes.IfIcmpne, opcodes.IfIcmplt, opcodes.IfIcmpge, opcodes.IfIcmpgt, opcodes.IfIcmple:
		b, a := popInt(f), popInt(f)
		if compareTwoInt(op, a, b) {
			f.IP = branchTarget(f)
		} else {
			f.IP += 3
		}
	case opcodes.IfAcmpeq, opcodes.IfAcmpne:
		b, a := f.Pop(), f.Pop()
		eq := a == b
		if (op == opcodes.IfAcmpeq) == eq {
			f.IP = branchTarget(f)
		} else {
			f.IP += 3
		}
	case opcodes.Ifnull, opcodes.Ifnonnull:
		isNull := heap.Ref(f.Pop()) == 0
		if (op == opcodes.Ifnull) == isNull {
			f.IP = branchTarget(f)
		} else {
			f.IP += 3
		}
	case opcodes.Goto:
		f.IP = branchTarget(f)
	case opcodes.GotoW:
		f.IP = branchTargetWide(f)
	case opcodes.Jsr:
		ret := f.IP + 3
		f.IP = branchTarget(f)
		f.Push(uint32(ret))
	case opcodes.JsrW:
		ret := f.IP + 5
		f.IP = branchTargetWide(f)
		f.Push(uint32(ret))
	case opcodes.Ret:
		f.IP = int(f.Local(int(code[f.IP+1])))
	case opcodes.Tableswitch:
		execTableswitch(f)
	case opcodes.Lookupswitch:
		execLookupswitch(f)

	case opcodes.Ireturn, opcodes.Freturn, opcodes.Areturn:
		v := f.Pop()
		sync := stack.PopFrame()
		if sync != 0 {
			i.Sched.MonitorExit(sync, t)
		}
		result, resultLen = []uint32{v}, 1
	case opcodes.Lreturn, opcodes.Dreturn:
		lo, hi := f.Pop(), f.Pop()
		sync := stack.PopFrame()
		if sync != 0 {
			i.Sched.MonitorExit(sync, t)
		}
		result, resultLen = []uint32{hi, lo}, 2
	case opcodes.Return:
		sync := stack.PopFrame()
		if sync != 0 {
			i.Sched.MonitorExit(sync, t)
		}
		result, resultLen = []uint32{}, 0

	case opcodes.Getstatic, fastGetstatic:
		thrown = i.getStatic(t, stack, f, cpU2(f))
		if thrown == nil {
			code[f.IP] = fastGetstatic
		}
		f.IP += 3
	case opcodes.Putstatic, fastPutstatic:
		thrown = i.putStatic(t, stack, f, cpU2(f))
		if thrown == nil {
			code[f.IP] = fastPutstatic
		}
		f.IP += 3
	case opcodes.Getfield, fastGetfield:
		thrown = i.getField(t, f, cpU2(f))
		if thrown == nil {
			code[f.IP] = fastGetfield
		}
		f.IP += 3
	case opcodes.Putfield, fastPutfield:
		thrown = i.putField(t, f, cpU2(f))
		if thrown == nil {
			code[f.IP] = fastPutfield
		}
		f.IP += 3

	case opcodes.Invokestatic, fastInvokestatic:
		thrown = i.invokeMono(t, stack, f, cpU2(f), true)
		if thrown == nil {
			code[f.IP] = fastInvokestatic
		}
		f.IP += 3
	case opcodes.Invokespecial, fastInvokespecial:
		thrown = i.invokeMono(t, stack, f, cpU2(f), false)
		if thrown == nil {
			code[f.IP] = fastInvokespecial
		}
		f.IP += 3
	case opcodes.Invokevirtual:
		thrown = i.invokeVirtualOrInterface(t, stack, f, cpU2(f))
		f.IP += 3
	case opcodes.Invokeinterface:
		thrown = i.invokeVirtualOrInterface(t, stack, f, cpU2(f))
		f.IP += 5

	case opcodes.New, fastNew:
		thrown = i.newInstance(t, stack, f, cpU2(f))
		if thrown == nil {
			code[f.IP] = fastNew
		}
		f.IP += 3
	case opcodes.Newarray:
		length := popInt(f)
		name, ok := primitiveArrayName(code[f.IP+1])
		if !ok {
			err = internalError("newarray: bad atype")
			return
		}
		var ref heap.Ref
		ref, thrown = i.allocArray(t, name, length)
		if thrown == nil {
			f.Push(uint32(ref))
		}
		f.IP += 2
	case opcodes.Anewarray, fastAnewarray:
		length := popInt(f)
		componentName := i.cpClassName(f.Class.File.Pool, cpU2(f))
		arrClassName := componentArrayName(componentName, len(componentName) > 0 && componentName[0] == '[')
		var ref heap.Ref
		ref, thrown = i.allocArray(t, arrClassName, length)
		if thrown == nil {
			f.Push(uint32(ref))
			code[f.IP] = fastAnewarray
		}
		f.IP += 3
	case opcodes.Multianewarray:
		thrown = i.execMultianewarray(t, f)
	case opcodes.Arraylength:
		ref := heap.Ref(f.Pop())
		if ref == 0 {
			thrown = i.exceptionOf(t, vmerrors.NullPointer, "arraylength")
		} else {
			pushInt(f, i.arrayLength(ref))
		}
		f.IP++
	case opcodes.Athrow:
		ref := heap.Ref(f.Pop())
		if ref == 0 {
			thrown = i.exceptionOf(t, vmerrors.NullPointer, "athrow")
		} else {
			cls := i.classOfRef(ref)
			thrown = &ThrownException{Kind: vmerrors.Kind(classNameOrNil(cls)), Class: cls, Ref: ref}
		}
	case opcodes.Checkcast, fastCheckcast:
		thrown = i.checkCast(t, f, cpU2(f))
		if thrown == nil {
			code[f.IP] = fastCheckcast
		}
		f.IP += 3
	case opcodes.Instanceof, fastInstanceof:
		i.instanceOf(f, cpU2(f))
		code[f.IP] = fastInstanceof
		f.IP += 3

	case opcodes.Monitorenter:
		ref := heap.Ref(f.Pop())
		if ref == 0 {
			thrown = i.exceptionOf(t, vmerrors.NullPointer, "monitorenter")
		} else if merr := i.Sched.MonitorEnter(ref, t); merr != nil {
			thrown = i.wrapMonitorError(t, merr)
		}
		f.IP++
	case opcodes.Monitorexit:
		ref := heap.Ref(f.Pop())
		if ref == 0 {
			thrown = i.exceptionOf(t, vmerrors.NullPointer, "monitorexit")
		} else if merr := i.Sched.MonitorExit(ref, t); merr != nil {
			thrown = i.wrapMonitorError(t, merr)
		}
		f.IP++

	case opcodes.Wide:
		thrown, err = i.execWide(f)

	case opcodes.CustomCode:
		thrown, err = i.execCustomCode(t, stack, f)

	default:
		err = internalError("unimplemented opcode %#x", op)
	}
	return
}

// execSimple applies opcodes.SimpleEffect's arithmetic/conversion
// opcodes that have a fixed, value-only effect (no allocation, no
// exception). idiv, irem, ldiv, lrem, frem, drem, lneg, fneg, dneg and
// the long bitwise and shift opcodes are not handled here or anywhere
// else in dispatch: they reach its default case and fail with an
// "unimplemented opcode" internal error, so an integer divide by zero
// does not raise ArithmeticException.
func (i *Interpreter) execSimple(f *frame.Frame, op byte, eff opcodes.StackEffect) {
	switch op {
	case opcodes.Iadd:
		b, a := popInt(f), popInt(f)
		pushInt(f, a+b)
	case opcodes.Isub:
		b, a := popInt(f), popInt(f)
		pushInt(f, a-b)
	case opcodes.Imul:
		b, a := popInt(f), popInt(f)
		pushInt(f, a*b)
	case opcodes.Iand:
		b, a := popInt(f), popInt(f)
		pushInt(f, a&b)
	case opcodes.Ior:
		b, a := popInt(f), popInt(f)
		pushInt(f, a|b)
	case opcodes.Ixor:
		b, a := popInt(f), popInt(f)
		pushInt(f, a^b)
	case opcodes.Ishl:
		b, a := popInt(f), popInt(f)
		pushInt(f, a<<(uint32(b)&31))
	case opcodes.Ishr:
		b, a := popInt(f), popInt(f)
		pushInt(f, a>>(uint32(b)&31))
	case opcodes.Iushr:
		b, a := popInt(f), popInt(f)
		pushInt(f, int32(uint32(a)>>(uint32(b)&31)))
	case opcodes.Ineg:
		pushInt(f, -popInt(f))
	case opcodes.Ladd:
		b, a := popLong(f), popLong(f)
		pushLong(f, a+b)
	case opcodes.Lsub:
		b, a := popLong(f), popLong(f)
		pushLong(f, a-b)
	case opcodes.Lmul:
		b, a := popLong(f), popLong(f)
		pushLong(f, a*b)
	case opcodes.Fadd:
		b, a := popFloat(f), popFloat(f)
		pushFloat(f, a+b)
	case opcodes.Fsub:
		b, a := popFloat(f), popFloat(f)
		pushFloat(f, a-b)
	case opcodes.Fmul:
		b, a := popFloat(f), popFloat(f)
		pushFloat(f, a*b)
	case opcodes.Fdiv:
		b, a := popFloat(f), popFloat(f)
		pushFloat(f, a/b)
	case opcodes.Dadd:
		b, a := popDouble(f), popDouble(f)
		pushDouble(f, a+b)
	case opcodes.Dsub:
		b, a := popDouble(f), popDouble(f)
		pushDouble(f, a-b)
	case opcodes.Dmul:
		b, a := popDouble(f), popDouble(f)
		pushDouble(f, a*b)
	case opcodes.Ddiv:
		b, a := popDouble(f), popDouble(f)
		pushDouble(f, a/b)
	case opcodes.I2l:
		pushLong(f, int64(popInt(f)))
	case opcodes.I2f:
		pushFloat(f, float32(popInt(f)))
	case opcodes.I2d:
		pushDouble(f, float64(popInt(f)))
	case opcodes.L2i:
		pushInt(f, int32(popLong(f)))
	case opcodes.L2f:
		pushFloat(f, float32(popLong(f)))
	case opcodes.L2d:
		pushDouble(f, float64(popLong(f)))
	case opcodes.F2i:
		pushInt(f, float32ToInt32(popFloat(f)))
	case opcodes.F2l:
		pushLong(f, float32ToInt64(popFloat(f)))
	case opcodes.F2d:
		pushDouble(f, float64(popFloat(f)))
	case opcodes.D2i:
		pushInt(f, float64ToInt32(popDouble(f)))
	case opcodes.D2l:
		pushLong(f, float64ToInt64(popDouble(f)))
	case opcodes.D2f:
		pushFloat(f, float32(popDouble(f)))
	case opcodes.I2b:
		pushInt(f, int32(int8(popInt(f))))
	case opcodes.I2c:
		pushInt(f, int32(uint16(popInt(f))))
	case opcodes.I2s:
		pushInt(f, int32(int16(popInt(f))))
	}
}

// isArithmeticOrConvert narrows the opcodes.SimpleEffect fast path to
// the arithmetic/conversion opcodes execSimple actually implements:
// SimpleEffect's table also covers array load/store and dup/pop/swap,
// which dispatch handles directly (array ops need bounds checks and
// pop/dup have operand-stack shapes SimpleEffect only approximates).
func isArithmeticOrConvert(op byte) bool {
	switch op {
	case opcodes.Iadd, opcodes.Isub, opcodes.Imul, opcodes.Iand, opcodes.Ior, opcodes.Ixor,
		opcodes.Ishl, opcodes.Ishr, opcodes.Iushr, opcodes.Ineg,
		opcodes.Ladd, opcodes.Lsub, opcodes.Lmul,
		opcodes.Fadd, opcodes.Fsub, opcodes.Fmul, opcodes.Fdiv,
		opcodes.Dadd, opcodes.Dsub, opcodes.Dmul, opcodes.Ddiv,
		opcodes.I2l, opcodes.I2f, opcodes.I2d, opcodes.L2i, opcodes.L2f, opcodes.L2d,
		opcodes.F2i, opcodes.F2l, opcodes.F2d, opcodes.D2i, opcodes.D2l, opcodes.D2f,
		opcodes.I2b, opcodes.I2c, opcodes.I2s:
		return true
	}
	return false
}

func cmp3(a, b int64) int32 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// fcmp3 implements fcmpg/fcmpl's NaN handling: fcmpg treats a NaN
// operand as "greater" (returns 1), fcmpl as "lesser" (returns -1) —
// the two opcodes exist only so the compiler can choose which way a
// NaN comparison should branch.
func fcmp3(a, b float64, nanIsGreater bool) int32 {
	if a != a || b != b { // either is NaN
		if nanIsGreater {
			return 1
		}
		return -1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareOneInt(op byte, v int32) bool {
	switch op {
	case opcodes.Ifeq:
		return v == 0
	case opcodes.Ifne:
		return v != 0
	case opcodes.Iflt:
		return v < 0
	case opcodes.Ifge:
		return v >= 0
	case opcodes.Ifgt:
		return v > 0
	case opcodes.Ifle:
		return v <= 0
	}
	return false
}

func compareTwoInt(op byte, a, b int32) bool {
	switch op {
	case opcodes.IfIcmpeq:
		return a == b
	case opcodes.IfIcmpne:
		return a != b
	case opcodes.IfIcmplt:
		return a < b
	case opcodes.IfIcmpge:
		return a >= b
	case opcodes.IfIcmpgt:
		return a > b
	case opcodes.IfIcmple:
		return a <= b
	}
	return false
}

// execLdc implements ldc/ldc_w for every constant kind except long/double
// (Ldc2W's province): Integer and Float push their bit pattern directly;
// Class pushes that class's permanent identity object; String builds (or
// reuses, via the CPEntry cache) a char-array object holding the
// constant's UTF-16 code units rather than a java/lang/String instance —
// this core has no guaranteed bootclasspath String layout to populate,
// so a [C array is the simplification documented in DESIGN.md.
func (i *Interpreter) execLdc(t *thread.Thread, f *frame.Frame, idx int) *ThrownException {
	pool := f.Class.File.Pool
	e := &pool.Entries[idx]
	switch e.BaseTag() {
	case classfile.TagInteger:
		pushInt(f, e.Int32)
		return nil
	case classfile.TagFloat:
		f.Push(uint32(e.Int32))
		return nil
	case classfile.TagClass:
		cls := i.resolveClassIndex(f, uint16(idx))
		if cls == nil {
			return i.exceptionOf(t, vmerrors.ClassNotFound, "%s", i.cpClassName(pool, uint16(idx)))
		}
		f.Push(uint32(i.classRefOf(cls)))
		return nil
	case classfile.TagString:
		if e.IsResolved() {
			if ref, ok := e.Resolved.(heap.Ref); ok {
				f.Push(uint32(ref))
				return nil
			}
		}
		raw := pool.Entries[e.Name].UTF8
		key, ierr := i.Loader.Strings.Intern(raw)
		if ierr != nil {
			return i.exceptionOf(t, vmerrors.ClassFormatError, "%s", ierr.Error())
		}
		units := utf16.Encode([]rune(i.Loader.Strings.String(key)))
		ref, exc := i.allocArray(t, "[C", int32(len(units)))
		if exc != nil {
			return exc
		}
		for idx2, u := range units {
			i.H.SetCell(ref, i.arrayElemCell(ref, int32(idx2)), uint32(u))
		}
		e.MarkResolved(ref)
		f.Push(uint32(ref))
		return nil
	}
	return i.exceptionOf(t, vmerrors.ClassFormatError, "ldc: unsupported constant tag")
}

// execLdc2 implements ldc2_w (Long/Double constants only).
func (i *Interpreter) execLdc2(f *frame.Frame, idx int) {
	e := &f.Class.File.Pool.Entries[idx]
	f.Push(uint32(uint64(e.Int64) >> 32))
	f.Push(uint32(uint64(e.Int64)))
}

// execMultianewarray reads dimensions count and the component class
// index following the opcode, pops that many dimension sizes off the
// operand stack (leftmost/outermost dimension deepest, per the JVM
// spec), and builds the nested array structure.
func (i *Interpreter) execMultianewarray(t *thread.Thread, f *frame.Frame) *ThrownException {
	code := f.Method.Code
	idx := cpU2(f)
	dimCount := int(code[f.IP+3])
	name := i.cpClassName(f.Class.File.Pool, idx)
	dims := make([]int32, dimCount)
	for d := dimCount - 1; d >= 0; d-- {
		dims[d] = popInt(f)
	}
	ref, exc := i.multianewarray(t, name, dims)
	if exc != nil {
		f.IP += 4
		return exc
	}
	f.Push(uint32(ref))
	f.IP += 4
	return nil
}

// execWide reinterprets the next opcode with a 16-bit local-variable
// index instead of 8-bit (and, for iinc, a 16-bit increment too),
// advancing f.IP past the whole wide-prefixed instruction itself.
func (i *Interpreter) execWide(f *frame.Frame) (*ThrownException, error) {
	code := f.Method.Code
	sub := code[f.IP+1]
	n := int(endian.U2(code, f.IP+2))
	switch sub {
	case opcodes.Iload, opcodes.Fload, opcodes.Aload:
		f.Push(f.Local(n))
		f.IP += 4
	case opcodes.Lload, opcodes.Dload:
		f.Push(f.Local(n))
		f.Push(f.Local(n + 1))
		f.IP += 4
	case opcodes.Istore, opcodes.Fstore, opcodes.Astore:
		f.SetLocal(n, f.Pop())
		f.IP += 4
	case opcodes.Lstore, opcodes.Dstore:
		lo, hi := f.Pop(), f.Pop()
		f.SetLocal(n, hi)
		f.SetLocal(n+1, lo)
		f.IP += 4
	case opcodes.Ret:
		f.IP = int(f.Local(n))
	case opcodes.Iinc:
		delta := int32(int16(endian.U2(code, f.IP+4)))
		f.SetLocal(n, uint32(int32(f.Local(n))+delta))
		f.IP += 6
	default:
		return nil, internalError("wide: unsupported sub-opcode %#x", sub)
	}
	return nil, nil
}

// execCustomCode runs the installed breakpoint/native-continuation
// handler for the current (method, ip), if any has been registered, and
// reports an internal error otherwise — this core has no debugger
// attached by default, so CustomCode only ever appears where a future
// JDWP-style agent or async-native-completion rewrite installed it.
func (i *Interpreter) execCustomCode(t *thread.Thread, stack *frame.Stack, f *frame.Frame) (*ThrownException, error) {
	bp, ok := i.breakpointAt(f.Method, f.IP)
	if !ok {
		return nil, internalError("CustomCode with no installed breakpoint")
	}
	return bp(t, stack, f)
}

func (i *Interpreter) wrapMonitorError(t *thread.Thread, err error) *ThrownException {
	if te, ok := err.(*ThrownException); ok {
		return te
	}
	return i.exceptionOf(t, vmerrors.InternalVMError, "%s", err.Error())
}

func float32ToInt32(v float32) int32 {
	if v != v {
		return 0
	}
	if v >= 2147483647.0 {
		return 2147483647
	}
	if v <= -2147483648.0 {
		return -2147483648
	}
	return int32(v)
}

func float32ToInt64(v float32) int64 {
	if v != v {
		return 0
	}
	if v >= 9223372036854775807.0 {
		return 9223372036854775807
	}
	if v <= -9223372036854775808.0 {
		return -9223372036854775808
	}
	return int64(v)
}

func float64ToInt32(v float64) int32 {
	if v != v {
		return 0
	}
	if v >= 2147483647.0 {
		return 2147483647
	}
	if v <= -2147483648.0 {
		return -2147483648
	}
	return int32(v)
}

func float64ToInt64(v float64) int64 {
	if v != v {
		return 0
	}
	if v >= 9223372036854775807.0 {
		return 9223372036854775807
	}
	if v <= -9223372036854775808.0 {
		return -9223372036854775808
	}
	return int64(v)
}
