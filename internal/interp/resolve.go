package interp

import (
	"strings"

	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/frame"
	"github.com/kilovm/kvm/internal/loader"
	"github.com/kilovm/kvm/internal/strtab"
	"github.com/kilovm/kvm/internal/thread"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// Fast-variant opcodes: the dispatch loop rewrites a resolved slow
// opcode's byte in place to one of these (spec.md §4.4 "Bytecode
// rewriting"), so every later execution of that instruction skips
// straight to the cached loader.ResolvedField/ResolvedMethod/*loader.Class
// without re-walking the constant pool. Declared in interp rather than
// internal/opcodes per that package's own comment: "kept... as two
// adjacent numeric bands rather than 40-some named duplicates" — here
// given the duplicate names the dispatch switch actually needs.
// invokevirtual and invokeinterface are deliberately NOT among these:
// their resolved target depends on the receiver's runtime class, so a
// byte-rewritten fast opcode would only save the redundant constant-pool
// entry-type dispatch resolveMethodRef's own per-entry cache already
// avoids, not the receiver-dependent lookup the per-call-site
// inlineCache (interp.go) exists for. Every opcode below resolves to
// exactly one target independent of any runtime value, so a plain
// rewritten byte is enough of a cache on its own.
const (
	fastGetfield = iota + fastBase
	fastPutfield
	fastGetstatic
	fastPutstatic
	fastNew
	fastCheckcast
	fastInstanceof
	fastAnewarray
	fastInvokespecial
	fastInvokestatic
)

const fastBase = 0xE0 // opcodes.FastVariantBase

// linkageKinds lists every Kind the loader's resolution helpers can
// raise, in the message-prefix form their callers build errors with
// (fmt.Errorf("%s: ...", kind, ...)). vmerrors.Kind is deliberately a
// plain string tag rather than a typed, %w-wrapped error (see
// vmerrors.go), so classifying a resolution failure back into a Kind for
// throwing means matching the prefix the loader itself always writes,
// not a type assertion.
var linkageKinds = []vmerrors.Kind{
	vmerrors.ClassNotFound, vmerrors.ClassFormatError, vmerrors.VerifyError,
	vmerrors.IncompatibleClassChng, vmerrors.IllegalAccessError, vmerrors.NoSuchFieldError,
	vmerrors.NoSuchMethodError, vmerrors.InstantiationError, vmerrors.AbstractMethodError,
	vmerrors.ExceptionInInit,
}

func classifyLinkageError(err error) vmerrors.Kind {
	msg := err.Error()
	for _, k := range linkageKinds {
		if strings.HasPrefix(msg, string(k)+":") {
			return k
		}
	}
	return vmerrors.InternalVMError
}

func (i *Interpreter) linkageException(t *thread.Thread, err error) *ThrownException {
	return i.exceptionOf(t, classifyLinkageError(err), "%s", err.Error())
}

func (i *Interpreter) cpClassName(pool *classfile.ConstantPool, classIdx uint16) string {
	e := pool.Entries[classIdx]
	return string(pool.Entries[e.Name].UTF8)
}

func (i *Interpreter) cpNameAndType(pool *classfile.ConstantPool, ntIdx uint16) (name, desc string) {
	e := pool.Entries[ntIdx]
	return string(pool.Entries[e.Name].UTF8), string(pool.Entries[e.Desc].UTF8)
}

// resolveClassIndex resolves and caches a CONSTANT_Class entry without
// raising a guest-visible exception on failure — used by exception-
// handler matching, where an unresolvable catch type just means "this
// handler can't possibly match", not a fresh exception of its own.
func (i *Interpreter) resolveClassIndex(f *frame.Frame, idx uint16) *loader.Class {
	pool := f.Class.File.Pool
	e := &pool.Entries[idx]
	if e.IsResolved() {
		if c, ok := e.Resolved.(*loader.Class); ok {
			return c
		}
	}
	name := i.cpClassName(pool, idx)
	cls, err := i.Loader.ResolveClassRef(f.Class, name)
	if err != nil {
		return nil
	}
	e.MarkResolved(cls)
	return cls
}

// resolveField resolves a getfield/putfield/getstatic/putstatic constant-
// pool entry, caching the *loader.ResolvedField on the entry itself once
// resolved successfully: unlike a virtual method call, the target field
// never depends on the runtime value of anything, so the CPEntry cache
// alone is enough (no separate per-call-site inline cache needed).
func (i *Interpreter) resolveField(f *frame.Frame, idx uint16, wantStatic, isWrite bool) (*loader.ResolvedField, error) {
	pool := f.Class.File.Pool
	e := &pool.Entries[idx]
	if e.IsResolved() {
		if rf, ok := e.Resolved.(*loader.ResolvedField); ok {
			return rf, nil
		}
	}
	ownerName := i.cpClassName(pool, e.Class)
	owner, err := i.Loader.ResolveClassRef(f.Class, ownerName)
	if err != nil {
		return nil, err
	}
	name, desc := i.cpNameAndType(pool, e.NameType)
	nameKey := i.Loader.Strings.InternString(name)
	descKey := i.Loader.Strings.InternString(desc)
	rf, err := i.Loader.ResolveField(f.Class, owner, nameKey, descKey, wantStatic, isWrite)
	if err != nil {
		return nil, err
	}
	e.MarkResolved(rf)
	return rf, nil
}

// resolveMonoMethod resolves an invokestatic/invokespecial constant-pool
// entry. Both dispatch to exactly the symbolic reference's own resolved
// target — never a runtime-class-dependent lookup — so, like
// resolveField, the CPEntry cache is the whole story.
func (i *Interpreter) resolveMonoMethod(f *frame.Frame, idx uint16, wantStatic bool) (*loader.ResolvedMethod, error) {
	pool := f.Class.File.Pool
	e := &pool.Entries[idx]
	if e.IsResolved() {
		if rm, ok := e.Resolved.(*loader.ResolvedMethod); ok {
			return rm, nil
		}
	}
	ownerName := i.cpClassName(pool, e.Class)
	owner, err := i.Loader.Lookup(ownerName)
	if err != nil {
		return nil, err
	}
	name, desc := i.cpNameAndType(pool, e.NameType)
	nameKey := i.Loader.Strings.InternString(name)
	descKey := i.Loader.Strings.InternString(desc)
	rm, err := i.Loader.ResolveMethod(f.Class, owner, nameKey, descKey, wantStatic)
	if err != nil {
		return nil, err
	}
	e.MarkResolved(rm)
	return rm, nil
}

// methodRef is the parsed, cached symbolic reference an invokevirtual/
// invokeinterface constant-pool entry carries: owner name plus the
// (name, descriptor) pair to look up fresh against whatever receiver
// class shows up at each call (interp.go's inlineCache remembers the
// last one). Cached on the CPEntry itself like resolveField/
// resolveMonoMethod's results, just of a different shape.
type methodRef struct {
	ownerName        string
	nameKey, descKey strtab.Key
	sig              *strtab.Signature
}

func (i *Interpreter) resolveMethodRef(f *frame.Frame, idx uint16) (*methodRef, error) {
	pool := f.Class.File.Pool
	e := &pool.Entries[idx]
	if e.IsResolved() {
		if mr, ok := e.Resolved.(*methodRef); ok {
			return mr, nil
		}
	}
	ownerName := i.cpClassName(pool, e.Class)
	name, desc := i.cpNameAndType(pool, e.NameType)
	sig, err := strtab.ParseDescriptor(desc, i.Loader.Strings)
	if err != nil {
		return nil, err
	}
	mr := &methodRef{
		ownerName: ownerName,
		nameKey:   i.Loader.Strings.InternString(name),
		descKey:   i.Loader.Strings.InternString(desc),
		sig:       sig,
	}
	e.MarkResolved(mr)
	return mr, nil
}

func elementWidth(arrayClassName string) int {
	if strings.HasSuffix(arrayClassName, "J") || strings.HasSuffix(arrayClassName, "D") {
		return 2
	}
	return 1
}

func isObjectArrayName(name string) bool {
	return len(name) >= 2 && name[0] == '[' && (name[1] == 'L' || name[1] == '[')
}
