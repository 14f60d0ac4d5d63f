package loader

import (
	"fmt"

	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/strtab"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// samePackage reports whether two binary class names share a package
// prefix, the JVM's definition of package membership for access control.
func samePackage(a, b string) bool {
	ai, bi := lastSlash(a), lastSlash(b)
	return a[:ai] == b[:bi]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return 0
}

// checkClassAccess implements spec.md §4.5 "Resolution enforces: class
// access (public or same package)".
func checkClassAccess(from, target *Class) error {
	if target.File.AccessFlags&classfile.AccPublic != 0 {
		return nil
	}
	if samePackage(from.Name, target.Name) {
		return nil
	}
	return fmt.Errorf("%s: class %s is not accessible from %s", vmerrors.IllegalAccessError, target.Name, from.Name)
}

// memberAccess is the shared public/protected/package/private check for
// fields and methods, including "the protected-outside-package subclass
// check" spec.md §4.5 calls out explicitly.
func memberAccess(from, declaring *Class, flags uint16, referenceReceiverIsSubclass bool) error {
	switch {
	case flags&classfile.AccPublic != 0:
		return nil
	case flags&classfile.AccProtected != 0:
		if samePackage(from.Name, declaring.Name) {
			return nil
		}
		if isSubclassOf(from, declaring) && referenceReceiverIsSubclass {
			return nil
		}
		return fmt.Errorf("%s: protected member of %s not accessible from %s", vmerrors.IllegalAccessError, declaring.Name, from.Name)
	case flags&classfile.AccPrivate != 0:
		if from == declaring {
			return nil
		}
		return fmt.Errorf("%s: private member of %s not accessible from %s", vmerrors.IllegalAccessError, declaring.Name, from.Name)
	default: // package-private
		if samePackage(from.Name, declaring.Name) {
			return nil
		}
		return fmt.Errorf("%s: package-private member of %s not accessible from %s", vmerrors.IllegalAccessError, declaring.Name, from.Name)
	}
}

func isSubclassOf(c, of *Class) bool {
	for cur := c; cur != nil; cur = cur.Super {
		if cur == of {
			return true
		}
	}
	return false
}

// ResolvedField is what a getfield/putfield/getstatic/putstatic
// constant-pool entry resolves to.
type ResolvedField struct {
	Declaring *Class
	Field     *classfile.Field
	SlotIndex int // index into the instance's field-slot array, or the static-area index
}

// ResolveField performs spec.md §4.5 field resolution: lookup up the
// superclass chain, access-control enforcement, and the static/instance
// IncompatibleClassChangeError check.
func (l *Loader) ResolveField(from *Class, owner *Class, nameKey, descKey strtab.Key, wantStatic bool, isWrite bool) (*ResolvedField, error) {
	key := strtab.MakeTypeKey(nameKey, descKey)
	for cur := owner; cur != nil; cur = cur.Super {
		f, ok := cur.Fields[key]
		if !ok {
			continue
		}
		if err := memberAccess(from, cur, f.AccessFlags, true); err != nil {
			return nil, err
		}
		if f.IsStatic() != wantStatic {
			return nil, fmt.Errorf("%s: %s.%s: static/instance mismatch", vmerrors.IncompatibleClassChng, cur.Name, l.Strings.String(nameKey))
		}
		if isWrite && f.AccessFlags&classfile.AccFinal != 0 && from != cur {
			return nil, fmt.Errorf("%s: cannot write final field %s.%s outside its declaring class", vmerrors.IllegalAccessError, cur.Name, l.Strings.String(nameKey))
		}
		slots := cur.InstanceSlots
		if wantStatic {
			slots = cur.StaticSlots
		}
		return &ResolvedField{Declaring: cur, Field: f, SlotIndex: slots[key]}, nil
	}
	return nil, fmt.Errorf("%s: %s.%s", vmerrors.NoSuchFieldError, owner.Name, l.Strings.String(nameKey))
}

// ResolvedMethod is what an invokeXxx constant-pool entry resolves to.
type ResolvedMethod struct {
	Declaring *Class
	Method    *classfile.Method
}

// ResolveMethod performs spec.md §4.5 method resolution, the same
// lookup/access/static-mismatch shape as ResolveField but walking methods
// instead of fields. It does not reject abstract methods; internal/interp's
// dispatchCall does that at call time.
func (l *Loader) ResolveMethod(from *Class, owner *Class, nameKey, descKey strtab.Key, wantStatic bool) (*ResolvedMethod, error) {
	key := strtab.MakeTypeKey(nameKey, descKey)
	for cur := owner; cur != nil; cur = cur.Super {
		m, ok := cur.Methods[key]
		if !ok {
			continue
		}
		if err := memberAccess(from, cur, m.AccessFlags, true); err != nil {
			return nil, err
		}
		if m.IsStatic() != wantStatic {
			return nil, fmt.Errorf("%s: %s.%s: static/instance mismatch", vmerrors.IncompatibleClassChng, cur.Name, l.Strings.String(nameKey))
		}
		return &ResolvedMethod{Declaring: cur, Method: m}, nil
	}
	// Interfaces are searched after the superclass chain comes up empty,
	// matching the original resolver's fallback order in pool.c.
	for _, iface := range owner.Interfaces {
		if rm, err := l.ResolveMethod(from, iface, nameKey, descKey, wantStatic); err == nil {
			return rm, nil
		}
	}
	return nil, fmt.Errorf("%s: %s.%s", vmerrors.NoSuchMethodError, owner.Name, l.Strings.String(nameKey))
}

// ResolveClassRef resolves a CONSTANT_Class entry's target, enforcing
// class-level access control. internal/interp uses it for checkcast,
// instanceof, ldc of a class, handler catch types, new, and a field
// reference's owner; anewarray and the invoke opcodes call Lookup directly.
func (l *Loader) ResolveClassRef(from *Class, targetName string) (*Class, error) {
	target, err := l.Lookup(targetName)
	if err != nil {
		return nil, err
	}
	if err := checkClassAccess(from, target); err != nil {
		return nil, err
	}
	return target, nil
}
