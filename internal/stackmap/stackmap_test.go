package stackmap

import (
	"testing"

	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/opcodes"
	"github.com/kilovm/kvm/internal/strtab"
)

// method builds a minimal non-static method with code and the given
// descriptor, with no StackMapTable entries (i.e. a method simple enough
// that the verifier emitted none, leaving Rewrite to synthesize only the
// implicit offset-0 frame).
func method(desc string, code []byte, maxLocals int, strings *strtab.Table) *classfile.Method {
	sig, err := strtab.ParseDescriptor(desc, strings)
	if err != nil {
		panic(err)
	}
	return &classfile.Method{
		MaxLocals: maxLocals,
		MaxStack:  4,
		Code:      code,
		Signature: sig,
	}
}

func TestRewriteEntryZeroIncludesReceiverAndArgs(t *testing.T) {
	strings := strtab.New()
	// instance method: void m(Object, int)
	m := method("(Ljava/lang/Object;I)V", []byte{opcodes.Return}, 3, strings)
	pm, err := Rewrite(m)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	snap, err := Lookup(m, &classfile.ClassFile{}, pm, 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := []bool{true, true, false} // this, Object arg, int arg
	if len(snap.Locals) != len(want) {
		t.Fatalf("Locals = %v, want length %d", snap.Locals, len(want))
	}
	for i, w := range want {
		if snap.Locals[i] != w {
			t.Errorf("Locals[%d] = %v, want %v", i, snap.Locals[i], w)
		}
	}
}

func TestLookupStepsAloadDupPop(t *testing.T) {
	strings := strtab.New()
	// static void m(Object a) { a; a; pop; pop; return; } — contrived, just
	// exercises aload_0 (a static method's first argument), dup, pop, pop,
	// return as straight-line code.
	code := []byte{
		opcodes.Aload0, // pc 0: push ref
		opcodes.Dup,    // pc 1: duplicate ref
		opcodes.Pop,    // pc 2
		opcodes.Pop,    // pc 3
		opcodes.Return, // pc 4
	}
	m := &classfile.Method{
		AccessFlags: classfile.AccStatic,
		MaxLocals:   2,
		MaxStack:    2,
		Code:        code,
	}
	sig, err := strtab.ParseDescriptor("(Ljava/lang/Object;)V", strings)
	if err != nil {
		t.Fatal(err)
	}
	m.Signature = sig

	pm, err := Rewrite(m)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	snap, err := Lookup(m, &classfile.ClassFile{}, pm, 2)
	if err != nil {
		t.Fatalf("Lookup at pc=2: %v", err)
	}
	if len(snap.Stack) != 2 || !snap.Stack[0] || !snap.Stack[1] {
		t.Errorf("Stack at pc=2 = %v, want two reference slots from aload_0+dup", snap.Stack)
	}

	snap, err = Lookup(m, &classfile.ClassFile{}, pm, 4)
	if err != nil {
		t.Fatalf("Lookup at pc=4: %v", err)
	}
	if len(snap.Stack) != 0 {
		t.Errorf("Stack at pc=4 = %v, want empty after both pops", snap.Stack)
	}
}

func TestLookupRejectsOutOfRangeIP(t *testing.T) {
	strings := strtab.New()
	m := method("()V", []byte{opcodes.Return}, 0, strings)
	pm, err := Rewrite(m)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if _, err := Lookup(m, &classfile.ClassFile{}, pm, 5); err == nil {
		t.Fatal("expected an error for an out-of-range ip")
	}
}
