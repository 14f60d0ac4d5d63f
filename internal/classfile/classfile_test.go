package classfile

import (
	"encoding/binary"
	"testing"

	"github.com/kilovm/kvm/internal/strtab"
)

type cpBuilder struct {
	entries [][]byte
}

func (b *cpBuilder) addUTF8(s string) uint16 {
	buf := []byte{TagUTF8}
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(s)))
	buf = append(buf, lenBuf...)
	buf = append(buf, []byte(s)...)
	b.entries = append(b.entries, buf)
	return uint16(len(b.entries)) // 1-based index of the entry just added
}

func (b *cpBuilder) bytes() []byte {
	var out []byte
	count := make([]byte, 2)
	binary.BigEndian.PutUint16(count, uint16(len(b.entries)+1))
	out = append(out, count...)
	for _, e := range b.entries {
		out = append(out, e...)
	}
	return out
}

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

func TestParseEmptyClass(t *testing.T) {
	var data []byte
	data = append(data, 0xCA, 0xFE, 0xBA, 0xBE)
	data = append(data, u16(0)...)  // minor
	data = append(data, u16(46)...) // major

	var cp cpBuilder
	data = append(data, cp.bytes()...) // constant_pool_count=1, no entries

	data = append(data, u16(AccPublic)...) // access_flags
	data = append(data, u16(0)...)         // this_class
	data = append(data, u16(0)...)         // super_class
	data = append(data, u16(0)...)         // interfaces_count
	data = append(data, u16(0)...)         // fields_count
	data = append(data, u16(0)...)         // methods_count
	data = append(data, u16(0)...)         // attributes_count

	cf, err := Parse(data, strtab.New())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cf.MajorVersion != 46 {
		t.Errorf("MajorVersion = %d, want 46", cf.MajorVersion)
	}
	if cf.AccessFlags != AccPublic {
		t.Errorf("AccessFlags = %x, want %x", cf.AccessFlags, AccPublic)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	data := []byte{0, 0, 0, 0, 0, 0, 0, 46, 0, 1}
	if _, err := Parse(data, strtab.New()); err == nil {
		t.Fatal("expected an error for bad magic")
	}
}

func TestParseMethodWithCode(t *testing.T) {
	var cp cpBuilder
	codeAttrName := cp.addUTF8("Code")
	methodName := cp.addUTF8("fact")
	methodDesc := cp.addUTF8("(I)J")

	var data []byte
	data = append(data, 0xCA, 0xFE, 0xBA, 0xBE)
	data = append(data, u16(0)...)
	data = append(data, u16(46)...)
	data = append(data, cp.bytes()...)
	data = append(data, u16(AccPublic)...)
	data = append(data, u16(0)...) // this_class
	data = append(data, u16(0)...) // super_class
	data = append(data, u16(0)...) // interfaces
	data = append(data, u16(0)...) // fields

	// one method
	data = append(data, u16(1)...)
	data = append(data, u16(AccStatic|AccPublic)...)
	data = append(data, u16(methodName)...)
	data = append(data, u16(methodDesc)...)
	data = append(data, u16(1)...) // attributes_count = 1 (Code)

	code := []byte{0x1A, 0xAC} // iload_0, ireturn (arbitrary bytes, not executed here)
	var codeAttr []byte
	codeAttr = append(codeAttr, u16(2)...) // max_stack
	codeAttr = append(codeAttr, u16(1)...) // max_locals
	codeAttr = append(codeAttr, u32(uint32(len(code)))...)
	codeAttr = append(codeAttr, code...)
	codeAttr = append(codeAttr, u16(0)...) // exception_table_length
	codeAttr = append(codeAttr, u16(0)...) // attributes_count

	data = append(data, u16(codeAttrName)...)
	data = append(data, u32(uint32(len(codeAttr)))...)
	data = append(data, codeAttr...)

	data = append(data, u16(0)...) // class attributes_count

	cf, err := Parse(data, strtab.New())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cf.Methods) != 1 {
		t.Fatalf("got %d methods, want 1", len(cf.Methods))
	}
	m := cf.Methods[0]
	if m.MaxStack != 2 || m.MaxLocals != 1 {
		t.Errorf("MaxStack/MaxLocals = %d/%d, want 2/1", m.MaxStack, m.MaxLocals)
	}
	if len(m.Code) != 2 {
		t.Errorf("Code length = %d, want 2", len(m.Code))
	}
	if m.RawNameIndex() != methodName || m.RawDescIndex() != methodDesc {
		t.Errorf("name/desc indices = %d/%d, want %d/%d", m.RawNameIndex(), m.RawDescIndex(), methodName, methodDesc)
	}
}
