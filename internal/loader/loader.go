// Package loader implements the class loader of spec.md §4.5: the
// Raw -> Loading -> Loaded -> Linked -> Verified -> Ready resolution state
// machine, constant-pool resolution with the JVM access-control matrix,
// and the classpath/JAR plumbing that feeds it.
package loader

import (
	"fmt"

	"github.com/kilovm/kvm/internal/archive"
	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/stackmap"
	"github.com/kilovm/kvm/internal/strtab"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// State is one node of the monotonic class resolution chain.
type State int

const (
	Raw State = iota
	Loading
	Loaded
	Linked
	Verified
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Raw:
		return "Raw"
	case Loading:
		return "Loading"
	case Loaded:
		return "Loaded"
	case Linked:
		return "Linked"
	case Verified:
		return "Verified"
	case Ready:
		return "Ready"
	case Error:
		return "Error"
	default:
		return "?"
	}
}

// ROMSource is the narrow hook a future ahead-of-time romization image
// would implement (spec.md GLOSSARY "Romization"); the default loader
// carries no romized classes, so Lookup always returns ok=false.
type ROMSource interface {
	Lookup(name string) (*classfile.ClassFile, bool)
}

// Class is the loader's live descriptor for one class. It does not live
// in VM permanent heap memory in this port (see internal/heap's
// AllocatePermanent for the heap-resident half of a class: its statics;
// the field pointer bit table is PointerBits below); Class itself is host-side metadata the
// loader and resolver share.
type Class struct {
	Name        string
	NameKey     strtab.Key
	State       State
	Error       error
	File        *classfile.ClassFile
	Super       *Class
	Interfaces  []*Class
	Fields      map[strtab.TypeKey]*classfile.Field
	Methods     map[strtab.TypeKey]*classfile.Method
	PointerBits []bool // per-instance-slot: does this field hold a reference?
	InstanceWords int

	// InstanceSlots maps a declared instance field to its word offset
	// within an instance's field payload (i.e. into PointerBits/
	// InstanceWords — the interpreter's own (class, mhc) header prefix
	// is not part of this numbering; see internal/interp's
	// instanceFieldBase). Unlike PointerBits, not inherited: a subclass
	// only has entries for fields it declares itself, matching
	// ResolveField's per-class walk up Super.
	InstanceSlots map[strtab.TypeKey]int

	// Statics are per-class, not inherited: StaticSlots/StaticPointerBits/
	// StaticWords describe the layout of this class's own static storage
	// only (spec.md §3: "statics" live alongside class descriptors in
	// global-root territory, one area per declaring class).
	StaticSlots       map[strtab.TypeKey]int
	StaticPointerBits []bool
	StaticWords       int

	// StackMaps holds, per method, the compact pointer map produced once
	// by internal/stackmap's rewrite pass (spec.md §4.2).
	StackMaps map[*classfile.Method]*stackmap.PointerMap
}

// IsArray reports whether name denotes an array class ("[..."), handled
// specially by the loader since array classes have no classfile of their
// own.
func IsArray(name string) bool { return len(name) > 0 && name[0] == '[' }

// Loader owns the classpath, the live class table and the shared string
// table. Per spec.md §5, it is "never re-entered concurrently" — there is
// exactly one loader per VM instance, mutated only from the thread
// currently resolving a class.
type Loader struct {
	Strings   *strtab.Table
	classpath []classpathEntry
	classes   map[string]*Class
	rom       ROMSource
}

// DirReader is supplied by the host (spec.md §6 CLI surface:
// "openClass(class_name) -> stream" is the loader's contract with its
// host, not the other way around, so the loader only needs a way to ask
// the host for bytes given a classpath-relative entry name).
type DirReader func(entryName string) ([]byte, bool)

type classpathEntry struct {
	dirPath string // non-empty for a directory entry, for diagnostics only
	dirRead DirReader
	jar     *archive.Reader
}

// New creates a Loader with no ROM image attached.
func New(strings *strtab.Table) *Loader {
	return &Loader{
		Strings: strings,
		classes: make(map[string]*Class),
	}
}

// SetROMSource attaches a romization image; nil clears it.
func (l *Loader) SetROMSource(r ROMSource) { l.rom = r }

// AddJAR registers an in-memory JAR's reader on the classpath.
func (l *Loader) AddJAR(r *archive.Reader) {
	l.classpath = append(l.classpath, classpathEntry{jar: r})
}

// AddDirectory registers a directory classpath entry backed by read.
func (l *Loader) AddDirectory(path string, read DirReader) {
	l.classpath = append(l.classpath, classpathEntry{dirPath: path, dirRead: read})
}

// openClassBytes implements the "openClass(class_name) -> stream"
// collaborator contract of spec.md §6 against the registered classpath.
func (l *Loader) openClassBytes(binaryName string) ([]byte, error) {
	entryName := binaryName + ".class"
	for _, cp := range l.classpath {
		if cp.jar != nil {
			if b, err := cp.jar.Read(entryName); err == nil {
				return b, nil
			}
			continue
		}
		if cp.dirRead != nil {
			if b, found := cp.dirRead(entryName); found {
				return b, nil
			}
		}
	}
	return nil, fmt.Errorf("%s: %w", binaryName, errClassNotFound)
}

var errClassNotFound = fmt.Errorf("class not found on classpath")

// Lookup returns the Class for binaryName, creating and driving it through
// Raw..Ready if this is the first reference. A class that previously
// failed stays in State Error and Lookup re-raises vmerrors.ClassNotFound
// (spec.md §4.5: "Only Ready classes are usable ... Error causes
// NoClassDefFoundError on subsequent lookup").
func (l *Loader) Lookup(binaryName string) (*Class, error) {
	if c, ok := l.classes[binaryName]; ok {
		if c.State == Error {
			return nil, classError(binaryName, c.Error)
		}
		if c.State != Ready {
			return nil, fmt.Errorf("loader: %s: resolution already in progress (cyclic superclass?)", binaryName)
		}
		return c, nil
	}

	c := &Class{Name: binaryName, State: Loading}
	c.NameKey = l.Strings.InternString(binaryName)
	l.classes[binaryName] = c

	if err := l.drive(c); err != nil {
		c.State = Error
		c.Error = err
		return nil, classError(binaryName, err)
	}
	return c, nil
}

func classError(name string, cause error) error {
	return fmt.Errorf("%s: %s: %w", vmerrors.ClassNotFound, name, cause)
}

// drive walks c through Loading -> Loaded -> Linked -> Verified -> Ready.
func (l *Loader) drive(c *Class) error {
	if IsArray(c.Name) {
		return l.materializeArrayClass(c)
	}

	var raw []byte
	if l.rom != nil {
		if cf, ok := l.rom.Lookup(c.Name); ok {
			c.File = cf
			c.State = Loaded
		}
	}
	if c.File == nil {
		b, err := l.openClassBytes(c.Name)
		if err != nil {
			return err
		}
		raw = b
		cf, err := classfile.Parse(raw, l.Strings)
		if err != nil {
			return fmt.Errorf("%s: %w", vmerrors.ClassFormatError, err)
		}
		c.File = cf
		c.State = Loaded
	}

	if err := l.link(c); err != nil {
		return err
	}
	c.State = Linked

	if err := l.verify(c); err != nil {
		return err
	}
	c.State = Verified

	l.finishLayout(c)
	c.State = Ready
	return nil
}

// link resolves the superclass chain and interned names/descriptors for
// every field and method, matching the original's class.c linking pass.
func (l *Loader) link(c *Class) error {
	cf := c.File
	if cf.SuperClass != 0 {
		superName := utf8At(cf, cf.SuperClass)
		super, err := l.Lookup(superName)
		if err != nil {
			return err
		}
		c.Super = super
	} else if c.Name != "java/lang/Object" {
		return fmt.Errorf("%s: %s: only java/lang/Object may have no superclass", vmerrors.ClassFormatError, c.Name)
	}

	for _, ifaceIdx := range cf.Interfaces {
		ifaceName := utf8At(cf, ifaceIdx)
		iface, err := l.Lookup(ifaceName)
		if err != nil {
			return err
		}
		c.Interfaces = append(c.Interfaces, iface)
	}

	c.Fields = make(map[strtab.TypeKey]*classfile.Field, len(cf.Fields))
	for _, f := range cf.Fields {
		nameKey := l.Strings.InternString(utf8At(cf, f.RawNameIndex()))
		descBytes := utf8At(cf, f.RawDescIndex())
		f.NameKey = nameKey
		f.Desc = descBytes
		slot, err := parseFieldType(descBytes, l.Strings)
		if err != nil {
			return fmt.Errorf("%s: %s.%s: %w", vmerrors.ClassFormatError, c.Name, l.Strings.String(nameKey), err)
		}
		f.Slot = &strtab.Signature{Ret: slot}
		key := strtab.MakeTypeKey(nameKey, l.Strings.InternString(descBytes))
		c.Fields[key] = f
	}

	c.Methods = make(map[strtab.TypeKey]*classfile.Method, len(cf.Methods))
	for _, m := range cf.Methods {
		nameKey := l.Strings.InternString(utf8At(cf, m.RawNameIndex()))
		descBytes := utf8At(cf, m.RawDescIndex())
		m.NameKey = nameKey
		m.Desc = descBytes
		sig, err := strtab.ParseDescriptor(descBytes, l.Strings)
		if err != nil {
			return fmt.Errorf("%s: %s.%s: %w", vmerrors.ClassFormatError, c.Name, l.Strings.String(nameKey), err)
		}
		m.Signature = sig
		key := strtab.MakeTypeKey(nameKey, l.Strings.InternString(descBytes))
		c.Methods[key] = m
	}
	return nil
}

func utf8At(cf *classfile.ClassFile, idx uint16) string {
	e := cf.Pool.Entries[idx]
	if e.Tag&0x7F == classfile.TagClass {
		e = cf.Pool.Entries[e.Name]
	}
	return string(e.UTF8)
}

func parseFieldType(desc string, strings *strtab.Table) (strtab.Slot, error) {
	sig, err := strtab.ParseDescriptor("("+desc+")V", strings)
	if err != nil || len(sig.Args) != 1 {
		return strtab.Slot{}, fmt.Errorf("loader: malformed field descriptor %q", desc)
	}
	return sig.Args[0], nil
}

// verify runs the rewrite-only half of verification this core owns:
// internal/stackmap.Rewrite (spec.md §4.2's
// rewriteVerifierStackMapsAsPointerMaps), executed
// exactly once per method (spec.md §4.2). Full bytecode type-checking is
// the ahead-of-time verifier's job (spec.md §1, "Out of scope").
func (l *Loader) verify(c *Class) error {
	c.StackMaps = make(map[*classfile.Method]*stackmap.PointerMap, len(c.File.Methods))
	for _, m := range c.File.Methods {
		if m.IsNative() || m.IsAbstract() {
			continue
		}
		pm, err := stackmap.Rewrite(m)
		if err != nil {
			return fmt.Errorf("%s: %s.%s: %w", vmerrors.VerifyError, c.Name, l.Strings.String(m.NameKey), err)
		}
		c.StackMaps[m] = pm
		m.StackMap = nil // verifier form is dropped forever, per spec.md §4.2
	}
	return nil
}

// finishLayout computes the instance pointer-field bit table inherited
// through the superclass chain (spec.md §4.1 "For Instance, walk the
// class's pointer-field bit-table inherited through the superclass
// chain") and this class's own static storage layout (never inherited:
// each declaring class owns one static area).
func (l *Loader) finishLayout(c *Class) {
	var inherited []bool
	if c.Super != nil {
		inherited = c.Super.PointerBits
	}
	bits := append([]bool(nil), inherited...)
	slots := make(map[strtab.TypeKey]int)
	staticSlots := make(map[strtab.TypeKey]int)
	var staticBits []bool
	for _, f := range c.File.Fields {
		isPtr := f.Slot != nil && f.Slot.Ret.IsReference()
		width := 1
		if f.Slot != nil {
			width = f.Slot.Ret.Width()
			if width == 0 {
				width = 1
			}
		}
		key := strtab.MakeTypeKey(f.NameKey, l.Strings.InternString(f.Desc))
		if f.IsStatic() {
			staticSlots[key] = len(staticBits)
			for w := 0; w < width; w++ {
				staticBits = append(staticBits, isPtr && w == 0)
			}
			continue
		}
		slots[key] = len(bits)
		for w := 0; w < width; w++ {
			bits = append(bits, isPtr && w == 0)
		}
	}
	c.PointerBits = bits
	c.InstanceWords = len(bits)
	c.InstanceSlots = slots
	c.StaticPointerBits = staticBits
	c.StaticWords = len(staticBits)
	c.StaticSlots = staticSlots
}

func (l *Loader) materializeArrayClass(c *Class) error {
	c.File = &classfile.ClassFile{AccessFlags: classfile.AccPublic | classfile.AccFinal}
	c.State = Loaded
	c.State = Linked
	c.State = Verified
	c.StackMaps = map[*classfile.Method]*stackmap.PointerMap{}
	c.PointerBits = nil
	c.State = Ready
	return nil
}
