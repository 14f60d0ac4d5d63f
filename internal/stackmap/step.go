package stackmap

import (
	"fmt"

	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/endian"
	"github.com/kilovm/kvm/internal/opcodes"
)

// step advances locals/stack across exactly one instruction at pc,
// returning the next pc. It only needs to track reference-ness, so
// arithmetic and comparison opcodes are handled through
// opcodes.SimpleEffect (pop N, push M non-reference cells); the opcodes
// with operand-dependent reference effects (loads, stores, dup, field
// and invoke access) are handled explicitly below.
func step(m *classfile.Method, cf *classfile.ClassFile, op byte, pc int, locals, stack *[]bool) (int, error) {
	code := m.Code

	pop := func(n int) {
		s := *stack
		if n > len(s) {
			n = len(s)
		}
		*stack = s[:len(s)-n]
	}
	push := func(ref bool) { *stack = append(*stack, ref) }
	top := func() bool {
		s := *stack
		if len(s) == 0 {
			return false
		}
		return s[len(s)-1]
	}
	w := 1 // words a load or store moves: 2 for long and double
	switch op {
	case opcodes.Lload0, opcodes.Lload1, opcodes.Lload2, opcodes.Lload3, opcodes.Lload, opcodes.Dload0, opcodes.Dload1, opcodes.Dload2, opcodes.Dload3, opcodes.Dload,
		opcodes.Lstore0, opcodes.Lstore1, opcodes.Lstore2, opcodes.Lstore3, opcodes.Lstore, opcodes.Dstore0, opcodes.Dstore1, opcodes.Dstore2, opcodes.Dstore3, opcodes.Dstore:
		w = 2
	}
	load := func(slot int) {
		l := *locals
		ref := slot < len(l) && l[slot]
		push(ref)
		if w == 2 {
			push(false)
		}
	}
	store := func(slot int, ref bool) {
		l := *locals
		for len(l) < slot+w {
			l = append(l, false)
		}
		l[slot] = ref
		if w == 2 {
			pop(1)
			l[slot+1] = false
		}
		*locals = l
	}

	switch op {
	case opcodes.Iload0, opcodes.Lload0, opcodes.Fload0, opcodes.Dload0, opcodes.Aload0:
		load(0)
		return pc + 1, nil
	case opcodes.Iload1, opcodes.Lload1, opcodes.Fload1, opcodes.Dload1, opcodes.Aload1:
		load(1)
		return pc + 1, nil
	case opcodes.Iload2, opcodes.Lload2, opcodes.Fload2, opcodes.Dload2, opcodes.Aload2:
		load(2)
		return pc + 1, nil
	case opcodes.Iload3, opcodes.Lload3, opcodes.Fload3, opcodes.Dload3, opcodes.Aload3:
		load(3)
		return pc + 1, nil
	case opcodes.Iload, opcodes.Lload, opcodes.Fload, opcodes.Dload, opcodes.Aload:
		load(int(code[pc+1]))
		return pc + 2, nil

	case opcodes.Istore0, opcodes.Lstore0, opcodes.Fstore0, opcodes.Dstore0, opcodes.Astore0:
		ref := top()
		pop(1)
		store(0, op == opcodes.Astore0 && ref)
		return pc + 1, nil
	case opcodes.Istore1, opcodes.Lstore1, opcodes.Fstore1, opcodes.Dstore1, opcodes.Astore1:
		ref := top()
		pop(1)
		store(1, op == opcodes.Astore1 && ref)
		return pc + 1, nil
	case opcodes.Istore2, opcodes.Lstore2, opcodes.Fstore2, opcodes.Dstore2, opcodes.Astore2:
		ref := top()
		pop(1)
		store(2, op == opcodes.Astore2 && ref)
		return pc + 1, nil
	case opcodes.Istore3, opcodes.Lstore3, opcodes.Fstore3, opcodes.Dstore3, opcodes.Astore3:
		ref := top()
		pop(1)
		store(3, op == opcodes.Astore3 && ref)
		return pc + 1, nil
	case opcodes.Istore, opcodes.Lstore, opcodes.Fstore, opcodes.Dstore, opcodes.Astore:
		ref := top()
		pop(1)
		store(int(code[pc+1]), op == opcodes.Astore && ref)
		return pc + 2, nil

	case opcodes.Dup:
		push(top())
		return pc + 1, nil
	case opcodes.DupX1:
		s := *stack
		a, b := s[len(s)-1], s[len(s)-2]
		*stack = append(s[:len(s)-2], a, b, a)
		return pc + 1, nil
	case opcodes.Dup2:
		s := *stack
		a, b := s[len(s)-1], s[len(s)-2]
		*stack = append(s, b, a)
		return pc + 1, nil
	case opcodes.DupX2:
		s := *stack
		a, b, c := s[len(s)-1], s[len(s)-2], s[len(s)-3]
		*stack = append(s[:len(s)-3], a, c, b, a)
		return pc + 1, nil
	case opcodes.Dup2X1:
		s := *stack
		a, b, c := s[len(s)-1], s[len(s)-2], s[len(s)-3]
		*stack = append(s[:len(s)-3], b, a, c, b, a)
		return pc + 1, nil
	case opcodes.Dup2X2:
		s := *stack
		a, b, c, d := s[len(s)-1], s[len(s)-2], s[len(s)-3], s[len(s)-4]
		*stack = append(s[:len(s)-4], b, a, d, c, b, a)
		return pc + 1, nil
	case opcodes.Swap:
		s := *stack
		n := len(s)
		s[n-1], s[n-2] = s[n-2], s[n-1]
		return pc + 1, nil
	case opcodes.Pop:
		pop(1)
		return pc + 1, nil
	case opcodes.Pop2:
		pop(2)
		return pc + 1, nil

	case opcodes.AconstNull:
		push(true)
		return pc + 1, nil
	case opcodes.Ldc:
		push(ldcIsReference(cf, int(code[pc+1])))
		return pc + 2, nil
	case opcodes.LdcW:
		idx := int(endian.U2(code, pc+1))
		push(ldcIsReference(cf, idx))
		return pc + 3, nil
	case opcodes.Ldc2W:
		push(false)
		push(false)
		return pc + 3, nil

	case opcodes.New:
		push(true)
		return pc + 3, nil
	case opcodes.Anewarray, opcodes.Newarray:
		pop(1)
		push(true)
		if op == opcodes.Newarray {
			return pc + 2, nil
		}
		return pc + 3, nil
	case opcodes.Checkcast, opcodes.Instanceof:
		if op == opcodes.Instanceof {
			pop(1)
			push(false)
		}
		return pc + 3, nil
	case opcodes.Multianewarray:
		dims := int(code[pc+3])
		pop(dims)
		push(true)
		return pc + 4, nil

	case opcodes.Getfield, opcodes.Getstatic:
		isRef, width, err := fieldRefEffect(cf, int(endian.U2(code, pc+1)))
		if err != nil {
			return 0, err
		}
		if op == opcodes.Getfield {
			pop(1)
		}
		for w := 0; w < width; w++ {
			push(isRef && w == 0)
		}
		return pc + 3, nil
	case opcodes.Putfield, opcodes.Putstatic:
		_, width, err := fieldRefEffect(cf, int(endian.U2(code, pc+1)))
		if err != nil {
			return 0, err
		}
		pop(width)
		if op == opcodes.Putfield {
			pop(1)
		}
		return pc + 3, nil

	case opcodes.Invokevirtual, opcodes.Invokespecial, opcodes.Invokestatic:
		nArgs, retRef, retWidth, err := methodRefEffect(cf, int(endian.U2(code, pc+1)))
		if err != nil {
			return 0, err
		}
		if op != opcodes.Invokestatic {
			nArgs++ // receiver
		}
		pop(nArgs)
		for w := 0; w < retWidth; w++ {
			push(retRef && w == 0)
		}
		return pc + 3, nil
	case opcodes.Invokeinterface:
		nArgs, retRef, retWidth, err := methodRefEffect(cf, int(endian.U2(code, pc+1)))
		if err != nil {
			return 0, err
		}
		pop(nArgs + 1)
		for w := 0; w < retWidth; w++ {
			push(retRef && w == 0)
		}
		return pc + 5, nil

	case opcodes.Iinc:
		return pc + 3, nil
	case opcodes.Wide:
		return stepWide(code, pc, locals, stack)
	case opcodes.Tableswitch:
		return stepTableswitch(code, pc)
	case opcodes.Lookupswitch:
		return stepLookupswitch(code, pc)

	case opcodes.Arraylength:
		pop(1)
		push(false)
		return pc + 1, nil
	case opcodes.Athrow:
		return pc + 1, nil
	case opcodes.Monitorenter, opcodes.Monitorexit:
		pop(1)
		return pc + 1, nil
	}

	if eff, ok := opcodes.SimpleEffect(op); ok {
		pop(eff.Pop)
		for w := 0; w < eff.Push; w++ {
			push(eff.PushIsRef && w == 0)
		}
		return pc + 1, nil
	}

	n := opcodes.Length(op)
	if n <= 0 {
		return 0, fmt.Errorf("stackmap: opcode %#x at pc %d has no static length; cannot step across it without a saved map entry closer to the target", op, pc)
	}
	return pc + n, nil
}

// ldcIsReference reports whether the constant pool entry idx loaded by
// ldc/ldc_w is a reference type (String, Class) as opposed to int/float.
func ldcIsReference(cf *classfile.ClassFile, idx int) bool {
	if cf == nil || cf.Pool == nil || idx >= len(cf.Pool.Entries) {
		return false
	}
	switch cf.Pool.Entries[idx].Tag &^ 0x80 {
	case classfile.TagString, classfile.TagClass:
		return true
	default:
		return false
	}
}

// fieldRefEffect reads a Fieldref's descriptor out of the constant pool
// and reports whether its type is a reference and how many cells wide it
// is, without going through internal/loader's resolution (the rewrite
// pass runs before any other class needs to be loaded, so only the raw
// descriptor text is available here).
func fieldRefEffect(cf *classfile.ClassFile, cpIdx int) (isRef bool, width int, err error) {
	desc, err := fieldDescriptorAt(cf, cpIdx)
	if err != nil {
		return false, 0, err
	}
	return descriptorRefWidth(desc)
}

func fieldDescriptorAt(cf *classfile.ClassFile, cpIdx int) (string, error) {
	if cf == nil || cf.Pool == nil || cpIdx >= len(cf.Pool.Entries) {
		return "", fmt.Errorf("stackmap: constant pool index %d out of range", cpIdx)
	}
	fr := cf.Pool.Entries[cpIdx]
	nt := cf.Pool.Entries[fr.NameType]
	descEntry := cf.Pool.Entries[nt.Desc]
	return string(descEntry.UTF8), nil
}

func descriptorRefWidth(desc string) (isRef bool, width int, err error) {
	if desc == "" {
		return false, 0, fmt.Errorf("stackmap: empty field descriptor")
	}
	switch desc[0] {
	case 'J', 'D':
		return false, 2, nil
	case 'L', '[':
		return true, 1, nil
	default:
		return false, 1, nil
	}
}

// methodRefEffect reads a Methodref/InterfaceMethodref's descriptor and
// reports the argument cell count (excluding the receiver) and the
// return type's reference-ness and width.
func methodRefEffect(cf *classfile.ClassFile, cpIdx int) (argCells int, retRef bool, retWidth int, err error) {
	desc, err := fieldDescriptorAt(cf, cpIdx)
	if err != nil {
		return 0, false, 0, err
	}
	return parseMethodDescriptorCells(desc)
}

// parseMethodDescriptorCells walks a raw "(...)R" descriptor counting
// argument cells and classifying the return type, without building a
// full strtab.Signature (stackmap runs ahead of the intern table being
// populated for this method's own descriptors in some call paths, and
// the arithmetic here is simple enough not to need it).
func parseMethodDescriptorCells(desc string) (argCells int, retRef bool, retWidth int, err error) {
	if len(desc) < 2 || desc[0] != '(' {
		return 0, false, 0, fmt.Errorf("stackmap: malformed method descriptor %q", desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		w, n, e := oneTypeWidth(desc[i:])
		if e != nil {
			return 0, false, 0, e
		}
		argCells += w
		i += n
	}
	if i >= len(desc) {
		return 0, false, 0, fmt.Errorf("stackmap: malformed method descriptor %q", desc)
	}
	ret := desc[i+1:]
	if ret == "V" {
		return argCells, false, 0, nil
	}
	isRef, width, e := descriptorRefWidth(ret)
	return argCells, isRef, width, e
}

// oneTypeWidth returns the cell width of the single field type beginning
// at s, and the number of descriptor bytes it consumed.
func oneTypeWidth(s string) (width, consumed int, err error) {
	switch s[0] {
	case 'J', 'D':
		return 2, 1, nil
	case 'L':
		idx := indexByte(s, ';')
		if idx < 0 {
			return 0, 0, fmt.Errorf("stackmap: unterminated object type in descriptor %q", s)
		}
		return 1, idx + 1, nil
	case '[':
		w, n, e := oneTypeWidth(s[1:])
		if e != nil {
			return 0, 0, e
		}
		_ = w
		return 1, n + 1, nil
	default:
		return 1, 1, nil
	}
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func stepWide(code []byte, pc int, locals, stack *[]bool) (int, error) {
	sub := code[pc+1]
	switch sub {
	case opcodes.Iinc:
		return pc + 6, nil
	case opcodes.Iload, opcodes.Fload, opcodes.Lload, opcodes.Dload, opcodes.Aload:
		slot := int(endian.U2(code, pc+2))
		l := *locals
		ref := sub == opcodes.Aload && slot < len(l) && l[slot]
		*stack = append(*stack, ref)
		if sub == opcodes.Lload || sub == opcodes.Dload {
			*stack = append(*stack, false)
		}
		return pc + 4, nil
	case opcodes.Istore, opcodes.Fstore, opcodes.Lstore, opcodes.Dstore, opcodes.Astore:
		s := *stack
		ref := false
		if len(s) > 0 {
			ref = s[len(s)-1]
			*stack = s[:len(s)-1]
		}
		w := 1
		if sub == opcodes.Lstore || sub == opcodes.Dstore {
			w = 2
			if s := *stack; len(s) > 0 {
				*stack = s[:len(s)-1]
			}
		}
		slot := int(endian.U2(code, pc+2))
		l := *locals
		for len(l) < slot+w {
			l = append(l, false)
		}
		l[slot] = sub == opcodes.Astore && ref
		if w == 2 {
			l[slot+1] = false
		}
		*locals = l
		return pc + 4, nil
	case opcodes.Ret:
		return pc + 4, nil
	default:
		return 0, fmt.Errorf("stackmap: unrecognized wide sub-opcode %#x", sub)
	}
}

func stepTableswitch(code []byte, pc int) (int, error) {
	p := pc + 1
	for (p-pc)%4 != 0 {
		p++
	}
	low := int32(endian.U4(code, p+4))
	high := int32(endian.U4(code, p+8))
	n := int(high-low) + 1
	if n < 0 {
		return 0, fmt.Errorf("stackmap: malformed tableswitch at pc %d", pc)
	}
	return p + 12 + 4*n, nil
}

func stepLookupswitch(code []byte, pc int) (int, error) {
	p := pc + 1
	for (p-pc)%4 != 0 {
		p++
	}
	npairs := int(endian.U4(code, p+4))
	return p + 8 + 8*npairs, nil
}
