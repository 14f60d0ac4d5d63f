package loader

import (
	"encoding/binary"
	"testing"

	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/strtab"
)

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

// minimalClass builds a classfile with one public static int field named
// fieldName, optionally extending superName (binary name; "" writes
// super_class 0, i.e. no superclass, as java/lang/Object itself has).
func minimalClass(thisName, superName, fieldName string) []byte {
	var entries [][]byte
	addUTF8 := func(s string) uint16 {
		e := []byte{classfile.TagUTF8}
		e = append(e, u16(uint16(len(s)))...)
		e = append(e, []byte(s)...)
		entries = append(entries, e)
		return uint16(len(entries))
	}
	addClass := func(nameIdx uint16) uint16 {
		e := []byte{classfile.TagClass}
		e = append(e, u16(nameIdx)...)
		entries = append(entries, e)
		return uint16(len(entries))
	}

	thisNameIdx := addUTF8(thisName)
	thisClassIdx := addClass(thisNameIdx)

	superClassIdx := uint16(0)
	if superName != "" {
		superNameIdx := addUTF8(superName)
		superClassIdx = addClass(superNameIdx)
	}

	fieldNameIdx := addUTF8(fieldName)
	fieldDescIdx := addUTF8("I")

	var data []byte
	data = append(data, 0xCA, 0xFE, 0xBA, 0xBE)
	data = append(data, u16(0)...)
	data = append(data, u16(46)...)

	data = append(data, u16(uint16(len(entries)+1))...)
	for _, e := range entries {
		data = append(data, e...)
	}

	data = append(data, u16(classfile.AccPublic|classfile.AccSuper)...)
	data = append(data, u16(thisClassIdx)...)
	data = append(data, u16(superClassIdx)...)
	data = append(data, u16(0)...) // interfaces

	// one field
	data = append(data, u16(1)...)
	data = append(data, u16(classfile.AccPublic|classfile.AccStatic)...)
	data = append(data, u16(fieldNameIdx)...)
	data = append(data, u16(fieldDescIdx)...)
	data = append(data, u16(0)...) // field attributes

	data = append(data, u16(0)...) // methods
	data = append(data, u16(0)...) // class attributes
	return data
}

func newTestLoader(classes map[string][]byte) *Loader {
	l := New(strtab.New())
	l.AddDirectory("test", func(entryName string) ([]byte, bool) {
		b, ok := classes[entryName]
		return b, ok
	})
	return l
}

func TestLookupDrivesToReady(t *testing.T) {
	classes := map[string][]byte{
		"java/lang/Object.class": minimalClass("java/lang/Object", "", "ignored"),
		"pkg/Base.class":         minimalClass("pkg/Base", "java/lang/Object", "counter"),
	}
	l := newTestLoader(classes)

	c, err := l.Lookup("pkg/Base")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if c.State != Ready {
		t.Fatalf("State = %v, want Ready", c.State)
	}
	if c.Super == nil || c.Super.Name != "java/lang/Object" {
		t.Fatalf("Super = %v, want java/lang/Object", c.Super)
	}
}

func TestLookupMissingClass(t *testing.T) {
	l := newTestLoader(map[string][]byte{})
	if _, err := l.Lookup("does/not/Exist"); err == nil {
		t.Fatal("expected an error for a missing class")
	}
	// Second lookup must also fail fast from the cached Error state.
	if _, err := l.Lookup("does/not/Exist"); err == nil {
		t.Fatal("expected a cached error on second lookup")
	}
}

func TestResolveFieldInherited(t *testing.T) {
	classes := map[string][]byte{
		"java/lang/Object.class": minimalClass("java/lang/Object", "", "ignored"),
		"pkg/Base.class":         minimalClass("pkg/Base", "java/lang/Object", "counter"),
		"pkg/Sub.class":          minimalClass("pkg/Sub", "pkg/Base", "other"),
	}
	l := newTestLoader(classes)
	sub, err := l.Lookup("pkg/Sub")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	nameKey := l.Strings.InternString("counter")
	descKey := l.Strings.InternString("I")
	rf, err := l.ResolveField(sub, sub, nameKey, descKey, true, false)
	if err != nil {
		t.Fatalf("ResolveField: %v", err)
	}
	if rf.Declaring.Name != "pkg/Base" {
		t.Fatalf("Declaring = %s, want pkg/Base", rf.Declaring.Name)
	}
}

func TestResolveFieldNotFound(t *testing.T) {
	classes := map[string][]byte{
		"java/lang/Object.class": minimalClass("java/lang/Object", "", "ignored"),
		"pkg/Base.class":         minimalClass("pkg/Base", "java/lang/Object", "counter"),
	}
	l := newTestLoader(classes)
	base, _ := l.Lookup("pkg/Base")
	_, err := l.ResolveField(base, base, l.Strings.InternString("missing"), l.Strings.InternString("I"), true, false)
	if err == nil {
		t.Fatal("expected NoSuchFieldError")
	}
}
