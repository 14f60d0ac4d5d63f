package strtab

import "strings"

// SlotKind classifies one argument or return slot of a compressed method
// signature (spec.md §4.5): primitive types use their JVM signature
// letter; every class or array type uses 'L' (SlotReference), with the
// class's interned Key carried in Slot.ClassKey.
type SlotKind byte

const (
	SlotInt       SlotKind = 'I'
	SlotLong      SlotKind = 'J'
	SlotFloat     SlotKind = 'F'
	SlotDouble    SlotKind = 'D'
	SlotBoolean   SlotKind = 'Z'
	SlotByte      SlotKind = 'B'
	SlotChar      SlotKind = 'C'
	SlotShort     SlotKind = 'S'
	SlotVoid      SlotKind = 'V'
	SlotReference SlotKind = 'L' // class key carried alongside
)

// Slot is one compressed signature element.
type Slot struct {
	Kind     SlotKind
	ClassKey Key // valid only when Kind == SlotReference
}

// IsReference reports whether a local/stack slot holding this type is a
// heap pointer the collector must trace.
func (s Slot) IsReference() bool { return s.Kind == SlotReference }

// Width reports the slot width in VM words: 2 for long/double, 1
// otherwise, 0 for void.
func (s Slot) Width() int {
	switch s.Kind {
	case SlotLong, SlotDouble:
		return 2
	case SlotVoid:
		return 0
	default:
		return 1
	}
}

// Signature is the compressed (argCount, arg1..argN, ret) form spec.md
// §4.5 mandates. ParseDescriptor builds a new one on every call;
// methods with identical descriptors do not share one.
type Signature struct {
	Args []Slot
	Ret  Slot
}

// ArgWords returns the total argument width in VM words, excluding an
// implicit receiver (callers add 1 for non-static methods).
func (s *Signature) ArgWords() int {
	n := 0
	for _, a := range s.Args {
		n += a.Width()
	}
	return n
}

// ParseDescriptor decodes a JVM method descriptor, e.g. "(ILjava/lang/String;)J",
// interning any class names it encounters in classes.
func ParseDescriptor(desc string, classes *Table) (*Signature, error) {
	if len(desc) == 0 || desc[0] != '(' {
		return nil, &descError{desc, "missing leading '('"}
	}
	i := 1
	sig := &Signature{}
	for i < len(desc) && desc[i] != ')' {
		slot, next, err := parseOneType(desc, i, classes)
		if err != nil {
			return nil, err
		}
		sig.Args = append(sig.Args, slot)
		i = next
	}
	if i >= len(desc) {
		return nil, &descError{desc, "missing closing ')'"}
	}
	i++ // skip ')'
	ret, next, err := parseOneType(desc, i, classes)
	if err != nil {
		return nil, err
	}
	if next != len(desc) {
		return nil, &descError{desc, "trailing characters after return type"}
	}
	sig.Ret = ret
	return sig, nil
}

func parseOneType(desc string, i int, classes *Table) (Slot, int, error) {
	if i >= len(desc) {
		return Slot{}, i, &descError{desc, "unexpected end of descriptor"}
	}
	switch desc[i] {
	case 'I', 'J', 'F', 'D', 'Z', 'B', 'C', 'S', 'V':
		return Slot{Kind: SlotKind(desc[i])}, i + 1, nil
	case '[':
		// Array types behave as references for slot-width and
		// pointer-tracing purposes; the element descriptor is kept
		// only implicitly (the resolved array class carries it).
		inner, next, err := parseOneType(desc, i+1, classes)
		if err != nil {
			return Slot{}, i, err
		}
		_ = inner
		k := classes.InternString("[" + desc[i+1:next])
		return Slot{Kind: SlotReference, ClassKey: k}, next, nil
	case 'L':
		end := strings.IndexByte(desc[i:], ';')
		if end < 0 {
			return Slot{}, i, &descError{desc, "unterminated class type"}
		}
		name := desc[i+1 : i+end]
		k := classes.InternString(name)
		return Slot{Kind: SlotReference, ClassKey: k}, i + end + 1, nil
	default:
		return Slot{}, i, &descError{desc, "unrecognized type tag"}
	}
}

type descError struct {
	desc, reason string
}

func (e *descError) Error() string {
	return "strtab: malformed descriptor " + e.desc + ": " + e.reason
}
