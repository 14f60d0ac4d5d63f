package interp

import (
	"testing"

	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/hostport"
	"github.com/kilovm/kvm/internal/loader"
	"github.com/kilovm/kvm/internal/opcodes"
	"github.com/kilovm/kvm/internal/strtab"
	"github.com/kilovm/kvm/internal/thread"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// testVM bundles the collaborators every scenario needs, built fresh per
// test so heap state never leaks between them.
type testVM struct {
	h      *heap.Heap
	ld     *loader.Loader
	s      *thread.Scheduler
	interp *Interpreter
}

func newTestVM(classes map[string][]byte) *testVM {
	h := heap.New(1 << 16)
	ld := loader.New(strtab.New())
	all := map[string][]byte{"java/lang/Object.class": javaLangObjectBytes()}
	for k, v := range classes {
		all[k] = v
	}
	ld.AddDirectory("test", func(entryName string) ([]byte, bool) {
		b, ok := all[entryName]
		return b, ok
	})
	s := thread.NewScheduler(h)
	interp := New(h, ld, s, hostport.NewFakeNativeMethods(), hostport.NewFakeClock(0), hostport.NewFakeRandom(), hostport.NewFakeStdout())
	return &testVM{h: h, ld: ld, s: s, interp: interp}
}

func (vm *testVM) lookupMethod(t *testing.T, className, methodName, desc string) (*loader.Class, *classfile.Method) {
	t.Helper()
	cls, err := vm.ld.Lookup(className)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", className, err)
	}
	nameKey := vm.ld.Strings.InternString(methodName)
	descKey := vm.ld.Strings.InternString(desc)
	m := cls.Methods[strtab.MakeTypeKey(nameKey, descKey)]
	if m == nil {
		t.Fatalf("%s.%s%s not found", className, methodName, desc)
	}
	return cls, m
}

// invokeOnThread runs m on a freshly spawned, scheduled thread and returns
// its result words — the only fully-correct way to drive the interpreter
// now that stackFor hands back a thread's own registered frame.Stack
// rather than a private shadow copy.
func (vm *testVM) invokeOnThread(t *testing.T, cls *loader.Class, m *classfile.Method, args []uint32) ([]uint32, error) {
	t.Helper()
	jt := vm.s.Spawn(0, thread.NormPriority, 256)
	var result []uint32
	var invokeErr error
	vm.s.Start(jt, func() {
		result, invokeErr = vm.interp.Invoke(jt, cls, m, args)
	})
	vm.s.Kickoff()
	return result, invokeErr
}

func simpleMethodFlags() uint16 {
	return classfile.AccPublic | classfile.AccStatic
}

func TestInvokeStaticArithmeticReturn(t *testing.T) {
	cp := newCPBuilder()
	code := []byte{
		opcodes.Iload0,
		opcodes.Iload1,
		opcodes.Iadd,
		opcodes.Ireturn,
	}

	spec := classSpec{
		thisName:  "test/Arith",
		superName: "java/lang/Object",
		methods: []methodSpec{
			{name: "add", desc: "(II)I", flags: simpleMethodFlags(), maxStack: 2, maxLocals: 2, code: code},
		},
	}
	classBytes := buildClass(cp, spec)

	vm := newTestVM(map[string][]byte{"test/Arith.class": classBytes})
	cls, m := vm.lookupMethod(t, "test/Arith", "add", "(II)I")

	result, err := vm.invokeOnThread(t, cls, m, []uint32{7, 35})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(result) != 1 || int32(result[0]) != 42 {
		t.Fatalf("result = %v, want [42]", result)
	}
}

func TestInvokeInstanceFieldGetSet(t *testing.T) {
	cp := newCPBuilder()
	classIdx := cp.class("test/Box")
	fieldRef := cp.fieldref("test/Box", "value", "I")

	code := []byte{
		opcodes.New, byte(classIdx >> 8), byte(classIdx),
		opcodes.Dup,
		opcodes.Bipush, 42,
		opcodes.Putfield, byte(fieldRef >> 8), byte(fieldRef),
		opcodes.Dup,
		opcodes.Getfield, byte(fieldRef >> 8), byte(fieldRef),
		opcodes.Ireturn,
	}

	spec := classSpec{
		thisName:  "test/Box",
		superName: "java/lang/Object",
		fields:    []fieldSpec{{name: "value", desc: "I", flags: classfile.AccPublic}},
		methods: []methodSpec{
			{name: "run", desc: "()I", flags: simpleMethodFlags(), maxStack: 3, maxLocals: 0, code: code},
		},
	}
	classBytes := buildClass(cp, spec)

	vm := newTestVM(map[string][]byte{"test/Box.class": classBytes})
	cls, m := vm.lookupMethod(t, "test/Box", "run", "()I")

	result, err := vm.invokeOnThread(t, cls, m, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(result) != 1 || int32(result[0]) != 42 {
		t.Fatalf("result = %v, want [42]", result)
	}
}

func TestInvokeStaticFieldTriggersClinit(t *testing.T) {
	cp := newCPBuilder()
	fieldRef := cp.fieldref("test/Counter", "value", "I")

	clinitCode := []byte{
		opcodes.Bipush, 7,
		opcodes.Putstatic, byte(fieldRef >> 8), byte(fieldRef),
		opcodes.Return,
	}
	getCode := []byte{
		opcodes.Getstatic, byte(fieldRef >> 8), byte(fieldRef),
		opcodes.Ireturn,
	}

	spec := classSpec{
		thisName:  "test/Counter",
		superName: "java/lang/Object",
		fields:    []fieldSpec{{name: "value", desc: "I", flags: classfile.AccPublic | classfile.AccStatic}},
		methods: []methodSpec{
			{name: "<clinit>", desc: "()V", flags: classfile.AccStatic, maxStack: 1, maxLocals: 0, code: clinitCode},
			{name: "get", desc: "()I", flags: simpleMethodFlags(), maxStack: 1, maxLocals: 0, code: getCode},
		},
	}
	classBytes := buildClass(cp, spec)

	vm := newTestVM(map[string][]byte{"test/Counter.class": classBytes})
	cls, m := vm.lookupMethod(t, "test/Counter", "get", "()I")

	result, err := vm.invokeOnThread(t, cls, m, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(result) != 1 || int32(result[0]) != 7 {
		t.Fatalf("result = %v, want [7] (clinit never ran?)", result)
	}
}

func TestInvokeArrayStoreAndLoad(t *testing.T) {
	cp := newCPBuilder()
	code := []byte{
		opcodes.Bipush, 3,
		opcodes.Newarray, 10, // atInt
		opcodes.Dup,
		opcodes.Iconst1,
		opcodes.Bipush, 99,
		opcodes.Iastore,
		opcodes.Iconst1,
		opcodes.Iaload,
		opcodes.Ireturn,
	}

	spec := classSpec{
		thisName:  "test/Arr",
		superName: "java/lang/Object",
		methods: []methodSpec{
			{name: "run", desc: "()I", flags: simpleMethodFlags(), maxStack: 4, maxLocals: 0, code: code},
		},
	}
	classBytes := buildClass(cp, spec)

	vm := newTestVM(map[string][]byte{"test/Arr.class": classBytes})
	cls, m := vm.lookupMethod(t, "test/Arr", "run", "()I")

	result, err := vm.invokeOnThread(t, cls, m, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(result) != 1 || int32(result[0]) != 99 {
		t.Fatalf("result = %v, want [99]", result)
	}
}

func TestInvokeAthrowCaughtByHandler(t *testing.T) {
	cp := newCPBuilder()
	classIdx := cp.class("test/Boom")

	// Body: new Boom; athrow -- immediately caught by a catch-all (catch
	// type 0) handler covering the whole method, which pushes iconst_1
	// and returns it instead of letting the exception escape.
	code := []byte{
		opcodes.New, byte(classIdx >> 8), byte(classIdx), // pc 0..2
		opcodes.Athrow, // pc 3
		opcodes.Iconst1, // pc 4: handler target
		opcodes.Ireturn, // pc 5
	}

	spec := classSpec{
		thisName:  "test/Boom",
		superName: "java/lang/Object",
		methods: []methodSpec{
			{
				name: "run", desc: "()I", flags: simpleMethodFlags(),
				maxStack: 2, maxLocals: 0, code: code,
				handlers: []handlerSpec{
					{startPC: 0, endPC: 4, handlerPC: 4, catchType: 0},
				},
			},
		},
	}
	classBytes := buildClass(cp, spec)

	vm := newTestVM(map[string][]byte{"test/Boom.class": classBytes})
	cls, m := vm.lookupMethod(t, "test/Boom", "run", "()I")

	result, err := vm.invokeOnThread(t, cls, m, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(result) != 1 || int32(result[0]) != 1 {
		t.Fatalf("result = %v, want [1] (handler did not run)", result)
	}
}

func TestInvokeUncaughtExceptionPropagates(t *testing.T) {
	cp := newCPBuilder()
	classIdx := cp.class("test/Boom2")

	code := []byte{
		opcodes.New, byte(classIdx >> 8), byte(classIdx),
		opcodes.Athrow,
	}

	spec := classSpec{
		thisName:  "test/Boom2",
		superName: "java/lang/Object",
		methods: []methodSpec{
			{name: "run", desc: "()V", flags: simpleMethodFlags(), maxStack: 1, maxLocals: 0, code: code},
		},
	}
	classBytes := buildClass(cp, spec)

	vm := newTestVM(map[string][]byte{"test/Boom2.class": classBytes})
	cls, m := vm.lookupMethod(t, "test/Boom2", "run", "()V")

	_, err := vm.invokeOnThread(t, cls, m, nil)
	if err == nil {
		t.Fatal("expected the thrown exception to escape Invoke uncaught")
	}
	te, ok := err.(*ThrownException)
	if !ok {
		t.Fatalf("err = %T, want *ThrownException", err)
	}
	if te.Class == nil || te.Class.Name != "test/Boom2" {
		t.Fatalf("thrown class = %v, want test/Boom2", te.Class)
	}
}

func TestInvokeStaticMethodCall(t *testing.T) {
	cp := newCPBuilder()
	calleeRef := cp.methodref("test/Caller", "twice", "(I)I")

	calleeCode := []byte{
		opcodes.Iload0,
		opcodes.Iload0,
		opcodes.Iadd,
		opcodes.Ireturn,
	}
	callerCode := []byte{
		opcodes.Bipush, 21,
		opcodes.Invokestatic, byte(calleeRef >> 8), byte(calleeRef),
		opcodes.Ireturn,
	}

	spec := classSpec{
		thisName:  "test/Caller",
		superName: "java/lang/Object",
		methods: []methodSpec{
			{name: "twice", desc: "(I)I", flags: simpleMethodFlags(), maxStack: 2, maxLocals: 1, code: calleeCode},
			{name: "run", desc: "()I", flags: simpleMethodFlags(), maxStack: 2, maxLocals: 0, code: callerCode},
		},
	}
	classBytes := buildClass(cp, spec)

	vm := newTestVM(map[string][]byte{"test/Caller.class": classBytes})
	cls, m := vm.lookupMethod(t, "test/Caller", "run", "()I")

	result, err := vm.invokeOnThread(t, cls, m, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(result) != 1 || int32(result[0]) != 42 {
		t.Fatalf("result = %v, want [42]", result)
	}
}

func TestInvokeNativeMethodDispatch(t *testing.T) {
	cp := newCPBuilder()
	spec := classSpec{
		thisName:  "test/Native",
		superName: "java/lang/Object",
		methods: []methodSpec{
			{name: "id", desc: "(I)I", flags: classfile.AccPublic | classfile.AccStatic | classfile.AccNative, maxStack: 0, maxLocals: 0, code: nil},
		},
	}
	classBytes := buildClass(cp, spec)

	vm := newTestVM(map[string][]byte{"test/Native.class": classBytes})
	vm.interp.Natives.(*hostport.FakeNativeMethods).Register("test/Native", "id", "(I)I", func(args hostport.Args, ret hostport.Result) {
		ret.PushInt(args.Int(0))
	})

	cls, m := vm.lookupMethod(t, "test/Native", "id", "(I)I")
	result, err := vm.invokeOnThread(t, cls, m, []uint32{123})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(result) != 1 || int32(result[0]) != 123 {
		t.Fatalf("result = %v, want [123]", result)
	}
}

// TestInvokeObjectWaitReachesScheduler drives a real invokevirtual
// against java/lang/Object.wait()V (declared native, same as any
// bootclasspath Object.class would) and checks it actually reaches
// thread.Scheduler.Wait rather than an UnsatisfiedLinkError from a
// generic native-table miss: calling wait() on an object whose monitor
// the caller does not hold must surface Scheduler.Wait's own
// IllegalMonitorState rejection, proving the bytecode path is wired all
// the way down to the scheduler and not just unit-tested in isolation.
func TestInvokeObjectWaitReachesScheduler(t *testing.T) {
	cp := newCPBuilder()
	waitRef := cp.methodref("java/lang/Object", "wait", "()V")

	code := []byte{
		opcodes.Aload0,
		opcodes.Invokevirtual, byte(waitRef >> 8), byte(waitRef),
		opcodes.Return,
	}
	spec := classSpec{
		thisName:  "test/Waiter",
		superName: "java/lang/Object",
		methods: []methodSpec{
			{name: "callWait", desc: "(Ljava/lang/Object;)V", flags: classfile.AccPublic | classfile.AccStatic, maxStack: 1, maxLocals: 1, code: code},
		},
	}
	classBytes := buildClass(cp, spec)

	vm := newTestVM(map[string][]byte{"test/Waiter.class": classBytes})
	objCls, err := vm.ld.Lookup("java/lang/Object")
	if err != nil {
		t.Fatalf("Lookup(java/lang/Object): %v", err)
	}
	objRef, thrown := vm.interp.allocInstance(nil, objCls)
	if thrown != nil {
		t.Fatalf("allocInstance: %v", thrown)
	}

	cls, m := vm.lookupMethod(t, "test/Waiter", "callWait", "(Ljava/lang/Object;)V")
	_, invokeErr := vm.invokeOnThread(t, cls, m, []uint32{uint32(objRef)})
	te, ok := invokeErr.(*ThrownException)
	if !ok {
		t.Fatalf("Invoke error = %v (%T), want *ThrownException", invokeErr, invokeErr)
	}
	if te.Kind != vmerrors.InternalVMError {
		t.Fatalf("thrown kind = %v, want %v (wrapped IllegalMonitorState from Scheduler.Wait)", te.Kind, vmerrors.InternalVMError)
	}
}
