package interp

import (
	"encoding/binary"

	"github.com/kilovm/kvm/internal/classfile"
)

// A small, direct constant-pool/class-file byte builder, grounded on
// internal/loader's own loader_test.go minimalClass helper but extended
// to cover fields, methods with a Code attribute, and exception
// handlers — enough surface to drive the dispatch loop through real
// classfile.Parse + loader.Loader resolution end to end.

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

const (
	cpUTF8        = 1
	cpInteger     = 3
	cpClassTag    = 7
	cpString      = 8
	cpFieldref    = 9
	cpMethodref   = 10
	cpNameAndType = 12
)

// cpBuilder accumulates constant_pool entries, deduplicating UTF8/Class
// entries by value so a method body and the pool it indexes into can be
// built incrementally without tracking indices by hand twice.
type cpBuilder struct {
	entries [][]byte
	utf8s   map[string]uint16
	classes map[string]uint16
}

func newCPBuilder() *cpBuilder {
	return &cpBuilder{utf8s: make(map[string]uint16), classes: make(map[string]uint16)}
}

func (b *cpBuilder) add(e []byte) uint16 {
	b.entries = append(b.entries, e)
	return uint16(len(b.entries))
}

func (b *cpBuilder) utf8(s string) uint16 {
	if idx, ok := b.utf8s[s]; ok {
		return idx
	}
	e := []byte{cpUTF8}
	e = append(e, u16(uint16(len(s)))...)
	e = append(e, []byte(s)...)
	idx := b.add(e)
	b.utf8s[s] = idx
	return idx
}

func (b *cpBuilder) class(name string) uint16 {
	if idx, ok := b.classes[name]; ok {
		return idx
	}
	nameIdx := b.utf8(name)
	e := []byte{cpClassTag}
	e = append(e, u16(nameIdx)...)
	idx := b.add(e)
	b.classes[name] = idx
	return idx
}

func (b *cpBuilder) nameAndType(name, desc string) uint16 {
	nameIdx := b.utf8(name)
	descIdx := b.utf8(desc)
	e := []byte{cpNameAndType}
	e = append(e, u16(nameIdx)...)
	e = append(e, u16(descIdx)...)
	return b.add(e)
}

func (b *cpBuilder) fieldref(className, name, desc string) uint16 {
	classIdx := b.class(className)
	ntIdx := b.nameAndType(name, desc)
	e := []byte{cpFieldref}
	e = append(e, u16(classIdx)...)
	e = append(e, u16(ntIdx)...)
	return b.add(e)
}

func (b *cpBuilder) methodref(className, name, desc string) uint16 {
	classIdx := b.class(className)
	ntIdx := b.nameAndType(name, desc)
	e := []byte{cpMethodref}
	e = append(e, u16(classIdx)...)
	e = append(e, u16(ntIdx)...)
	return b.add(e)
}

func (b *cpBuilder) integer(v int32) uint16 {
	e := []byte{cpInteger}
	e = append(e, u32(uint32(v))...)
	return b.add(e)
}

func (b *cpBuilder) stringConst(s string) uint16 {
	utfIdx := b.utf8(s)
	e := []byte{cpString}
	e = append(e, u16(utfIdx)...)
	return b.add(e)
}

type handlerSpec struct {
	startPC, endPC, handlerPC int
	catchType                 uint16
}

type methodSpec struct {
	name, desc string
	flags      uint16
	maxStack   int
	maxLocals  int
	code       []byte
	handlers   []handlerSpec
}

type fieldSpec struct {
	name, desc string
	flags      uint16
}

// classSpec names everything buildClass needs beyond the constant pool
// itself (shared across fields/methods so method bodies can reference
// fields/other methods by constant-pool index before the class bytes are
// assembled).
type classSpec struct {
	thisName, superName string
	flags               uint16
	fields              []fieldSpec
	methods             []methodSpec
}

func buildClass(cp *cpBuilder, spec classSpec) []byte {
	thisClassIdx := cp.class(spec.thisName)
	superClassIdx := uint16(0)
	if spec.superName != "" {
		superClassIdx = cp.class(spec.superName)
	}
	codeAttrName := cp.utf8("Code")

	var fieldsData []byte
	for _, fs := range spec.fields {
		fieldsData = append(fieldsData, u16(fs.flags)...)
		fieldsData = append(fieldsData, u16(cp.utf8(fs.name))...)
		fieldsData = append(fieldsData, u16(cp.utf8(fs.desc))...)
		fieldsData = append(fieldsData, u16(0)...) // no field attributes
	}

	var methodsData []byte
	for _, ms := range spec.methods {
		methodsData = append(methodsData, u16(ms.flags)...)
		methodsData = append(methodsData, u16(cp.utf8(ms.name))...)
		methodsData = append(methodsData, u16(cp.utf8(ms.desc))...)
		methodsData = append(methodsData, u16(1)...) // one attribute: Code

		var code []byte
		code = append(code, u16(uint16(ms.maxStack))...)
		code = append(code, u16(uint16(ms.maxLocals))...)
		code = append(code, u32(uint32(len(ms.code)))...)
		code = append(code, ms.code...)
		code = append(code, u16(uint16(len(ms.handlers)))...)
		for _, h := range ms.handlers {
			code = append(code, u16(uint16(h.startPC))...)
			code = append(code, u16(uint16(h.endPC))...)
			code = append(code, u16(uint16(h.handlerPC))...)
			code = append(code, u16(h.catchType)...)
		}
		code = append(code, u16(0)...) // no Code sub-attributes

		methodsData = append(methodsData, u16(codeAttrName)...)
		methodsData = append(methodsData, u32(uint32(len(code)))...)
		methodsData = append(methodsData, code...)
	}

	var data []byte
	data = append(data, 0xCA, 0xFE, 0xBA, 0xBE)
	data = append(data, u16(0)...)
	data = append(data, u16(46)...)

	data = append(data, u16(uint16(len(cp.entries)+1))...)
	for _, e := range cp.entries {
		data = append(data, e...)
	}

	data = append(data, u16(spec.flags)...)
	data = append(data, u16(thisClassIdx)...)
	data = append(data, u16(superClassIdx)...)
	data = append(data, u16(0)...) // interfaces

	data = append(data, u16(uint16(len(spec.fields)))...)
	data = append(data, fieldsData...)

	data = append(data, u16(uint16(len(spec.methods)))...)
	data = append(data, methodsData...)

	data = append(data, u16(0)...) // no class attributes
	return data
}

// javaLangObjectBytes builds a minimal java/lang/Object classfile: every
// other test class needs a resolvable superclass (loader.link rejects a
// zero super_class index on any class but java/lang/Object itself), and
// this core ships no real bootclasspath of its own for tests to point at.
// wait/notify/notifyAll are declared native so invokevirtual against a
// real Object instance reaches callNative's callIntrinsic dispatch the
// same way a real bootclasspath's Object.class would.
func javaLangObjectBytes() []byte {
	nativeInstanceMethod := func(name, desc string) methodSpec {
		return methodSpec{name: name, desc: desc, flags: classfile.AccPublic | classfile.AccNative}
	}
	return buildClass(newCPBuilder(), classSpec{
		thisName: "java/lang/Object",
		methods: []methodSpec{
			nativeInstanceMethod("wait", "()V"),
			nativeInstanceMethod("wait", "(J)V"),
			nativeInstanceMethod("notify", "()V"),
			nativeInstanceMethod("notifyAll", "()V"),
		},
	})
}
