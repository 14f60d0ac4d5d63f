// Package classfile models the Java Class File Format subset named in
// spec.md §6 ("Classfiles as per the Java Class File Format, version
// 45.3-46.0"): constant pool entries, field/method descriptors, and
// access flags. It only parses; resolution against the running class
// table is internal/loader's job.
package classfile

import (
	"fmt"

	"github.com/kilovm/kvm/internal/endian"
	"github.com/kilovm/kvm/internal/strtab"
)

// Access flags (JVM spec table 4.1-A, the subset this core cares about).
const (
	AccPublic    = 0x0001
	AccPrivate   = 0x0002
	AccProtected = 0x0004
	AccStatic    = 0x0008
	AccFinal     = 0x0010
	AccSuper     = 0x0020
	AccSynchron  = 0x0020 // same bit value on a method: ACC_SYNCHRONIZED
	AccVolatile  = 0x0040
	AccTransient = 0x0080
	AccNative    = 0x0100
	AccInterface = 0x0200
	AccAbstract  = 0x0400
)

// Constant pool tags (JVM spec table 4.4-A).
const (
	TagUTF8              = 1
	TagInteger           = 3
	TagFloat             = 4
	TagLong              = 5
	TagDouble            = 6
	TagClass             = 7
	TagString            = 8
	TagFieldref          = 9
	TagMethodref         = 10
	TagInterfaceMethodref = 11
	TagNameAndType       = 12
)

// CPEntry is one constant-pool slot. Before resolution Tag/Data hold the
// raw classfile contents; resolution (internal/loader) replaces Resolved
// with the looked-up descriptor and sets the high bit of Tag
// (spec.md §4.5 "CP_CACHEBIT") to mark the entry cached.
const cpCacheBit = 0x80

type CPEntry struct {
	Tag      byte
	Class    uint16 // TagClass: name index; TagFieldref/Methodref/IMethodref: class index
	NameType uint16 // Fieldref/Methodref/IMethodref: name-and-type index
	Name     uint16 // NameAndType: name index; Class: name index
	Desc     uint16 // NameAndType: descriptor index
	UTF8     []byte // TagUTF8: raw MUTF-8 bytes
	Int32    int32  // TagInteger/Float (bit pattern)
	Int64    int64  // TagLong/Double (bit pattern)

	Resolved interface{} // set once by the loader; nil until then
}

// IsResolved reports whether the loader has cached a resolved descriptor
// for this entry (spec.md §4.5 "CP_CACHEBIT").
func (e *CPEntry) IsResolved() bool { return e.Tag&cpCacheBit != 0 }

// MarkResolved stores v as the resolved descriptor and sets the cache bit.
func (e *CPEntry) MarkResolved(v interface{}) {
	e.Resolved = v
	e.Tag |= cpCacheBit
}

// baseTag returns the entry's tag with the cache bit stripped.
func (e *CPEntry) baseTag() byte { return e.Tag &^ cpCacheBit }

// BaseTag is baseTag's exported form, for callers outside this package
// (interp's ldc needs to know an already-cached entry's original
// constant kind to decide how to re-push its value).
func (e *CPEntry) BaseTag() byte { return e.baseTag() }

// ConstantPool is a class's constant pool, index 0 unused per the JVM
// spec (entry 0 is reserved, and long/double entries consume two slots
// leaving the following index unused).
type ConstantPool struct {
	Entries []CPEntry
}

// Field is a parsed field_info.
type Field struct {
	AccessFlags uint16
	NameKey     strtab.Key
	Desc        string
	Slot        *strtab.Signature // Ret used as the field's own type
	ConstValue  *CPEntry          // ConstantValue attribute, if present

	nameIdx, descIdx uint16 // raw constant-pool indices, resolved by the loader
}

// RawNameIndex and RawDescIndex expose the constant-pool indices captured
// while parsing, for internal/loader's name/descriptor resolution pass.
func (f *Field) RawNameIndex() uint16 { return f.nameIdx }
func (f *Field) RawDescIndex() uint16 { return f.descIdx }

// IsStatic reports whether the field is declared static.
func (f *Field) IsStatic() bool { return f.AccessFlags&AccStatic != 0 }

// Method is a parsed method_info plus the pieces the interpreter needs:
// raw bytecode, max stack/locals, and the exception handler table.
type Method struct {
	AccessFlags uint16
	NameKey     strtab.Key
	Desc        string
	Signature   *strtab.Signature
	MaxStack    int
	MaxLocals   int
	Code        []byte
	Handlers    []ExceptionHandler
	StackMap    []StackMapFrame // verifier-form map, dropped after rewrite (§4.2)

	nameIdx, descIdx uint16
}

func (m *Method) RawNameIndex() uint16 { return m.nameIdx }
func (m *Method) RawDescIndex() uint16 { return m.descIdx }

func (m *Method) IsStatic() bool   { return m.AccessFlags&AccStatic != 0 }
func (m *Method) IsNative() bool   { return m.AccessFlags&AccNative != 0 }
func (m *Method) IsAbstract() bool { return m.AccessFlags&AccAbstract != 0 }
func (m *Method) IsSynchronized() bool { return m.AccessFlags&AccSynchron != 0 }

// ExceptionHandler is one entry of a method's exception_table
// (spec.md §4.3 "throwException").
type ExceptionHandler struct {
	StartPC   int
	EndPC     int
	HandlerPC int
	CatchType uint16 // 0 means "any" (finally-style handler)
}

// StackMapFrame is one verifier-supplied (offset, locals, stack) entry,
// consumed exactly once by internal/stackmap's rewrite pass (spec.md
// §4.2 "rewriteVerifierStackMapsAsPointerMaps").
type StackMapFrame struct {
	Offset int
	Locals []VerifierType
	Stack  []VerifierType
}

// VerifierType is the verifier's full per-slot type, collapsed by the
// stack-map rewrite into a single "is this slot a reference" bit.
type VerifierType byte

const (
	VTTop VerifierType = iota
	VTInt
	VTFloat
	VTLong
	VTDouble
	VTReference
	VTUninitialized
)

func (t VerifierType) IsReference() bool {
	return t == VTReference || t == VTUninitialized
}

// ClassFile is the fully parsed, not-yet-resolved contents of one
// classfile.
type ClassFile struct {
	MinorVersion, MajorVersion uint16
	Pool                       *ConstantPool
	AccessFlags                uint16
	ThisClass, SuperClass      uint16 // constant-pool indices
	Interfaces                 []uint16
	Fields                     []*Field
	Methods                    []*Method
}

// Parse decodes classfile bytes (already extracted from a JAR entry) into
// a ClassFile. It does not resolve any constant pool entry or check
// access rules; internal/loader.Resolve does that once the class is
// linked.
func Parse(data []byte, strings *strtab.Table) (*ClassFile, error) {
	p := &parser{data: data, strings: strings}
	return p.parseClassFile()
}

type parser struct {
	data    []byte
	off     int
	strings *strtab.Table
	pool    *ConstantPool
}

func (p *parser) u1() byte {
	b := p.data[p.off]
	p.off++
	return b
}

func (p *parser) u2() uint16 {
	v := endian.U2(p.data, p.off)
	p.off += 2
	return v
}

func (p *parser) u4() uint32 {
	v := endian.U4(p.data, p.off)
	p.off += 4
	return v
}

func (p *parser) bytesN(n int) []byte {
	b := p.data[p.off : p.off+n]
	p.off += n
	return b
}

const classMagic = 0xCAFEBABE

func (p *parser) parseClassFile() (cf *ClassFile, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("classfile: malformed classfile: %v", r)
		}
	}()

	if len(p.data) < 10 {
		return nil, fmt.Errorf("classfile: truncated header")
	}
	magic := p.u4()
	if magic != classMagic {
		return nil, fmt.Errorf("classfile: bad magic %#x", magic)
	}
	cf = &ClassFile{}
	cf.MinorVersion = p.u2()
	cf.MajorVersion = p.u2()
	if cf.MajorVersion < 45 || cf.MajorVersion > 46 {
		return nil, fmt.Errorf("classfile: unsupported major version %d", cf.MajorVersion)
	}

	pool, err := p.parseConstantPool()
	if err != nil {
		return nil, err
	}
	cf.Pool = pool
	p.pool = pool

	cf.AccessFlags = p.u2()
	cf.ThisClass = p.u2()
	cf.SuperClass = p.u2()

	nIfaces := p.u2()
	cf.Interfaces = make([]uint16, nIfaces)
	for i := range cf.Interfaces {
		cf.Interfaces[i] = p.u2()
	}

	nFields := p.u2()
	cf.Fields = make([]*Field, nFields)
	for i := range cf.Fields {
		f, err := p.parseField()
		if err != nil {
			return nil, err
		}
		cf.Fields[i] = f
	}

	nMethods := p.u2()
	cf.Methods = make([]*Method, nMethods)
	for i := range cf.Methods {
		m, err := p.parseMethod()
		if err != nil {
			return nil, err
		}
		cf.Methods[i] = m
	}

	// Class-level attributes (source file, inner classes, ...) are not
	// needed by the running core; skip them.
	nAttrs := p.u2()
	for i := 0; i < int(nAttrs); i++ {
		p.u2() // name index
		length := p.u4()
		p.off += int(length)
	}
	return cf, nil
}

func (p *parser) parseConstantPool() (*ConstantPool, error) {
	count := p.u2()
	pool := &ConstantPool{Entries: make([]CPEntry, count)}
	for i := 1; i < int(count); i++ {
		tag := p.u1()
		e := CPEntry{Tag: tag}
		switch tag {
		case TagUTF8:
			length := p.u2()
			e.UTF8 = p.bytesN(int(length))
		case TagInteger, TagFloat:
			e.Int32 = int32(p.u4())
		case TagLong, TagDouble:
			hi := p.u4()
			lo := p.u4()
			e.Int64 = int64(hi)<<32 | int64(lo)
		case TagClass, TagString:
			e.Name = p.u2()
		case TagFieldref, TagMethodref, TagInterfaceMethodref:
			e.Class = p.u2()
			e.NameType = p.u2()
		case TagNameAndType:
			e.Name = p.u2()
			e.Desc = p.u2()
		default:
			return nil, fmt.Errorf("classfile: unrecognized constant pool tag %d at index %d", tag, i)
		}
		pool.Entries[i] = e
		if tag == TagLong || tag == TagDouble {
			// 8-byte constants occupy two pool indices per the JVM
			// spec's historical quirk; the second slot is left zeroed.
			i++
		}
	}
	return pool, nil
}

func (p *parser) parseField() (*Field, error) {
	f := &Field{}
	f.AccessFlags = p.u2()
	f.nameIdx = p.u2()
	f.descIdx = p.u2()

	nAttrs := p.u2()
	for i := 0; i < int(nAttrs); i++ {
		nameIdx := p.u2()
		length := p.u4()
		end := p.off + int(length)
		attrName := string(p.attrNameUTF8(nameIdx))
		if attrName == "ConstantValue" && length == 2 {
			idx := p.u2()
			if int(idx) < len(p.pool.Entries) {
				e := p.pool.Entries[idx]
				f.ConstValue = &e
			}
		}
		p.off = end
	}
	return f, nil
}

func (p *parser) parseMethod() (*Method, error) {
	m := &Method{}
	m.AccessFlags = p.u2()
	m.nameIdx = p.u2()
	m.descIdx = p.u2()

	nAttrs := p.u2()
	for i := 0; i < int(nAttrs); i++ {
		nameIdx := p.u2()
		length := p.u4()
		end := p.off + int(length)
		attrName := string(p.attrNameUTF8(nameIdx))
		if attrName == "Code" {
			if err := p.parseCodeAttribute(m); err != nil {
				return nil, err
			}
		}
		p.off = end
	}
	return m, nil
}

// attrNameUTF8 looks up an attribute_name_index in the constant pool being
// parsed; attribute names are always plain ASCII so the raw UTF8 bytes can
// be compared directly without going through the intern table.
func (p *parser) attrNameUTF8(idx uint16) []byte {
	if int(idx) >= len(p.pool.Entries) {
		return nil
	}
	return p.pool.Entries[idx].UTF8
}

// parseCodeAttribute decodes a Code_attribute (JVM spec §4.7.3): max
// stack/locals, the raw bytecode array, the exception table, and (if
// present) a StackMapTable sub-attribute. Other sub-attributes
// (LineNumberTable, LocalVariableTable, ...) carry only debug information
// the core never needs and are skipped.
func (p *parser) parseCodeAttribute(m *Method) error {
	m.MaxStack = int(p.u2())
	m.MaxLocals = int(p.u2())
	codeLength := p.u4()
	m.Code = append([]byte(nil), p.bytesN(int(codeLength))...)

	nExc := p.u2()
	m.Handlers = make([]ExceptionHandler, nExc)
	for i := range m.Handlers {
		m.Handlers[i] = ExceptionHandler{
			StartPC:   int(p.u2()),
			EndPC:     int(p.u2()),
			HandlerPC: int(p.u2()),
			CatchType: p.u2(),
		}
	}

	nAttrs := p.u2()
	for i := 0; i < int(nAttrs); i++ {
		subNameIdx := p.u2()
		subLen := p.u4()
		end := p.off + int(subLen)
		if string(p.attrNameUTF8(subNameIdx)) == "StackMapTable" {
			frames, err := p.parseStackMapTable()
			if err != nil {
				return err
			}
			m.StackMap = frames
		}
		p.off = end
	}
	return nil
}

// parseStackMapTable decodes a StackMapTable attribute (JVM spec §4.7.4)
// into the verifier's full per-slot type form; internal/stackmap's
// rewrite pass compresses this into the pointer-bitmap form spec.md §4.2
// describes and then discards it.
func (p *parser) parseStackMapTable() ([]StackMapFrame, error) {
	count := p.u2()
	frames := make([]StackMapFrame, 0, count)
	offset := -1 // first frame's delta is an absolute offset
	var prevLocals []VerifierType
	for i := 0; i < int(count); i++ {
		frameType := p.u1()
		var f StackMapFrame
		switch {
		case frameType <= 63: // same_frame
			f.Locals = append([]VerifierType(nil), prevLocals...)
			offset += int(frameType) + 1
		case frameType <= 127: // same_locals_1_stack_item_frame
			f.Locals = append([]VerifierType(nil), prevLocals...)
			f.Stack = []VerifierType{p.readVerificationType()}
			offset += int(frameType-64) + 1
		case frameType == 247: // same_locals_1_stack_item_frame_extended
			delta := p.u2()
			f.Locals = append([]VerifierType(nil), prevLocals...)
			f.Stack = []VerifierType{p.readVerificationType()}
			offset += int(delta) + 1
		case frameType >= 248 && frameType <= 250: // chop_frame
			delta := p.u2()
			chop := int(251 - frameType)
			if chop <= len(prevLocals) {
				f.Locals = append([]VerifierType(nil), prevLocals[:len(prevLocals)-chop]...)
			}
			offset += int(delta) + 1
		case frameType == 251: // same_frame_extended
			delta := p.u2()
			f.Locals = append([]VerifierType(nil), prevLocals...)
			offset += int(delta) + 1
		case frameType >= 252 && frameType <= 254: // append_frame
			delta := p.u2()
			add := int(frameType - 251)
			f.Locals = append([]VerifierType(nil), prevLocals...)
			for j := 0; j < add; j++ {
				f.Locals = append(f.Locals, p.readVerificationType())
			}
			offset += int(delta) + 1
		case frameType == 255: // full_frame
			delta := p.u2()
			nLocals := p.u2()
			locals := make([]VerifierType, nLocals)
			for j := range locals {
				locals[j] = p.readVerificationType()
			}
			nStack := p.u2()
			stack := make([]VerifierType, nStack)
			for j := range stack {
				stack[j] = p.readVerificationType()
			}
			f.Locals, f.Stack = locals, stack
			offset += int(delta) + 1
		default:
			return nil, fmt.Errorf("classfile: unrecognized stack map frame type %d", frameType)
		}
		f.Offset = offset
		prevLocals = f.Locals
		frames = append(frames, f)
	}
	return frames, nil
}

// readVerificationType decodes one verification_type_info (JVM spec
// §4.7.4); the Uninitialized/UninitializedThis/Object/Null variants all
// collapse to VTReference/VTUninitialized since the rewrite pass (§4.2)
// only needs to know "is this slot a pointer".
func (p *parser) readVerificationType() VerifierType {
	tag := p.u1()
	switch tag {
	case 0:
		return VTTop
	case 1:
		return VTInt
	case 2:
		return VTFloat
	case 3:
		return VTDouble
	case 4:
		return VTLong
	case 5: // Null
		return VTReference
	case 6: // UninitializedThis
		return VTUninitialized
	case 7: // Object
		p.u2() // cpool_index
		return VTReference
	case 8: // Uninitialized
		p.u2() // offset of the `new` instruction
		return VTUninitialized
	default:
		return VTTop
	}
}
