package heap

// Ref is a cell index into a Heap's backing array; 0 is the null
// reference (spec.md §3 "every pointer into the heap points exactly at
// the first payload cell of an object; the header is at cell[-1]" — here
// that means cells[ref-1]).
type Ref uint32

// GCType is the object kind carried in a header's 6-bit type field
// (spec.md §3 "Heap object layout").
type GCType byte

const (
	Free GCType = iota
	NoPointers
	Instance
	Array
	ObjectArray
	MethodTable
	PointerList
	ExecStack
	Thread
	Monitor
	WeakPointerList
	WeakReference
)

func (t GCType) String() string {
	switch t {
	case Free:
		return "Free"
	case NoPointers:
		return "NoPointers"
	case Instance:
		return "Instance"
	case Array:
		return "Array"
	case ObjectArray:
		return "ObjectArray"
	case MethodTable:
		return "MethodTable"
	case PointerList:
		return "PointerList"
	case ExecStack:
		return "ExecStack"
	case Thread:
		return "Thread"
	case Monitor:
		return "Monitor"
	case WeakPointerList:
		return "WeakPointerList"
	case WeakReference:
		return "WeakReference"
	default:
		return "?"
	}
}

// header packs (size:24 | gc-type:6 | S:1 | M:1) into one cell, matching
// spec.md §3's single-word header.
type header uint32

const (
	markBit   = 1 << 0
	staticBit = 1 << 1
	typeShift = 2
	typeMask  = 0x3F
	sizeShift = 8
)

// maxObjectSizeCells is the largest payload size the header's 24-bit
// size field can hold. Callers that allocate from a caller-supplied
// length (array element counts above all) must reject a request larger
// than this themselves; makeHeader only asserts it as a last-resort
// guard against silently truncating size into the type/mark/static bits
// below it (spec.md §8: "an array of 0x1000000 or more elements rejects
// the allocation ... without arithmetic overflow in the size
// computation").
const maxObjectSizeCells = 1<<24 - 1

func makeHeader(size uint32, t GCType) header {
	if size > maxObjectSizeCells {
		panic("heap: object size overflows 24-bit header field")
	}
	return header(size<<sizeShift | uint32(t&typeMask)<<typeShift)
}

func (h header) size() uint32 { return uint32(h) >> sizeShift }
func (h header) gcType() GCType { return GCType((uint32(h) >> typeShift) & typeMask) }
func (h header) marked() bool   { return uint32(h)&markBit != 0 }
func (h header) static() bool   { return uint32(h)&staticBit != 0 }

func (h header) withMark(v bool) header {
	if v {
		return h | markBit
	}
	return h &^ markBit
}

func (h header) withStatic(v bool) header {
	if v {
		return h | staticBit
	}
	return h &^ staticBit
}

// instanceHeaderWords is the fixed (class, mhc) prefix every Instance and
// Array object carries before its typed payload (spec.md §3).
const instanceHeaderWords = 2

// arrayHeaderWords is the (class, mhc, length) prefix arrays carry.
const arrayHeaderWords = 3

// monitorRefCells is the number of leading payload cells of a Monitor
// object that hold references (owner thread, monitor-wait-queue head,
// condvar-wait-queue head); any cells beyond this prefix are scalars
// (hashCode, nesting depth) that internal/thread packs inline.
const monitorRefCells = 3

// MonitorRefCells exports monitorRefCells for internal/thread, which
// owns the rest of the Monitor object's cell layout.
const MonitorRefCells = monitorRefCells

// MHCWordOffset is the payload cell offset of an Instance or Array
// object's monitor-or-hashcode word, the second header word every
// heap object carries right after its class pointer (spec.md §3).
// internal/thread reads and CAS-less-updates this cell directly via
// GetCell/SetCell to implement the four-state lock word.
const MHCWordOffset = 1

// mhcTag returns the low two bits of a monitor-or-hashcode word: the four
// lock states spec.md §3's "MHC word encoding" table names.
type mhcTag uint32

const (
	mhcUnlocked      mhcTag = 0
	mhcSimpleLock    mhcTag = 1
	mhcExtendedLock  mhcTag = 2
	mhcMonitor       mhcTag = 3
)

func mhcMake(tag mhcTag, payload uint32) uint32 { return payload<<2 | uint32(tag) }
func mhcTagOf(word uint32) mhcTag               { return mhcTag(word & 0x3) }
func mhcPayload(word uint32) uint32             { return word >> 2 }

// MHCTag is the exported form of the four lock states a monitor word can
// carry, for internal/thread's lock-word state machine.
type MHCTag = mhcTag

const (
	MHCUnlocked     = mhcUnlocked
	MHCSimpleLock   = mhcSimpleLock
	MHCExtendedLock = mhcExtendedLock
	MHCMonitor      = mhcMonitor
)

// MakeMHCWord, MHCTagOf and MHCPayload expose the header word's bit
// layout to internal/thread without leaking the rest of this package's
// unexported header representation.
func MakeMHCWord(tag MHCTag, payload uint32) uint32 { return mhcMake(tag, payload) }
func MHCTagOf(word uint32) MHCTag                   { return mhcTagOf(word) }
func MHCPayload(word uint32) uint32                 { return mhcPayload(word) }
