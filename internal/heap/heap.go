// Package heap implements spec.md §4.1: the exact, compacting garbage
// collector and its permanent sub-heap. A single []uint32 cell array
// backs both regions — the collected heap grows upward from index 1
// (index 0 is the permanent null reference) and the permanent sub-heap
// grows downward from the array's end, matching "AllHeapStart" and
// "AllHeapEnd" in spec.md §3's invariant 4. Grounded on
// original_source/kvm/VmCommon/src/collector.c.
package heap

import (
	"expvar"
	"fmt"
)

// ClassInfo is the narrow view of internal/loader's Class descriptors
// the collector needs to trace Instance objects: which field slots hold
// references, and how many words an instance of this class occupies.
// Kept as an interface (rather than importing internal/loader directly)
// so heap stays testable with synthetic classes.
type ClassInfo interface {
	PointerBits(classRef Ref) []bool
	InstanceWords(classRef Ref) int
}

// freeChunk is the shape of a Free-tagged cell run: the header cell
// holds (size, Free), and the payload's first cell is the next pointer
// (spec.md §3 invariant 3: "singly linked chain of Free-tagged chunks").
const minFreeCells = 2 // header + 1 payload cell for the next pointer

var (
	statAllocated   = expvar.NewInt("heap_allocated_cells")
	statFreed       = expvar.NewInt("heap_freed_cells")
	statCollections = expvar.NewInt("heap_collections")
	statCompactions = expvar.NewInt("heap_compactions")
	statOOM         = expvar.NewInt("heap_out_of_memory")
)

// Heap is one VM instance's entire memory: collected region, permanent
// region, free list, and the temporary-root stack the mutator pushes
// onto across allocation-then-store sequences (spec.md §4.1
// "Temporary roots").
type Heap struct {
	cells []uint32

	collectedEnd Ref // exclusive upper bound of the collected region
	permBoundary Ref // inclusive lower bound of the permanent region; grows downward

	freeHead Ref // 0 = empty list

	classInfo        ClassInfo
	roots            *rootStack
	stackScanner     StackScanner
	execStackScanner ExecStackScanner
	globalRoots      GlobalRootsProvider
	externalRoots    ExternalRootsProvider

	// oomSingleton is a pre-allocated permanent Instance the caller
	// raises on allocation failure so that delivering OutOfMemory never
	// itself allocates (spec.md §4.1 "Failure model").
	oomSingleton Ref

	finalizers map[Ref]func(Ref)
	finalQueue []FinalizerJob
}

// FinalizerJob pairs a now-unreachable object with the callback
// registered for it, ready for the scheduler to run as its own step
// (see internal/thread).
type FinalizerJob struct {
	Ref Ref
	Run func(Ref)
}

// New creates a Heap over capacity cells, all but a small permanently
// reserved tail available to the collected region.
func New(capacityCells int) *Heap {
	if capacityCells < 64 {
		capacityCells = 64
	}
	return NewOverCells(make([]uint32, capacityCells))
}

// NewOverCells creates a Heap using cells as its entire backing store
// instead of allocating one of its own. internal/hostport's POSIX "host
// memory" collaborator hands this an mmap'd region reinterpreted as
// []uint32, matching the original's flat AllHeapStart/AllHeapEnd span
// (spec.md §3 invariant 4) with memory the Go runtime's own collector
// never scans.
func NewOverCells(cells []uint32) *Heap {
	capacityCells := len(cells)
	if capacityCells < 64 {
		panic("heap: backing store too small")
	}
	h := &Heap{
		cells:      cells,
		roots:      newRootStack(),
		finalizers: make(map[Ref]func(Ref)),
	}
	// The initial split between the collected region and the room left
	// for the permanent sub-heap to grow into is 3:1; AllocatePermanent
	// moves permBoundary further down as needed, never past collectedEnd
	// (spec.md §3 invariant 4: "the two never overlap").
	h.collectedEnd = Ref(capacityCells * 3 / 4)
	h.permBoundary = Ref(capacityCells)
	freeSize := h.collectedEnd - 2 // cells[1..collectedEnd-1) minus the next-pointer's own cell
	h.setHeader(1, header(uint32(freeSize)<<sizeShift))
	h.freeHead = 1
	h.setCell(1, 0) // next = null
	return h
}

// SetClassInfo attaches the loader's pointer-bit provider; marking
// Instance objects before this is set treats them as NoPointers.
func (h *Heap) SetClassInfo(ci ClassInfo) { h.classInfo = ci }

func (h *Heap) headerAt(ref Ref) header    { return header(h.cells[ref-1]) }
func (h *Heap) setHeader(ref Ref, hd header) { h.cells[ref-1] = uint32(hd) }
func (h *Heap) setCell(ref Ref, v uint32)  { h.cells[ref] = v }
func (h *Heap) cell(ref Ref, off int) uint32 { return h.cells[uint32(ref)+uint32(off)] }
func (h *Heap) setCellAt(ref Ref, off int, v uint32) { h.cells[uint32(ref)+uint32(off)] = v }

// GetCell and SetCell read/write payload cell offset within ref's
// object, for use by the frame/interpreter layers and tests.
func (h *Heap) GetCell(ref Ref, offset int) uint32    { return h.cell(ref, offset) }
func (h *Heap) SetCell(ref Ref, offset int, v uint32) { h.setCellAt(ref, offset, v) }

// Size returns an object's payload size in cells.
func (h *Heap) Size(ref Ref) int { return int(h.headerAt(ref).size()) }

// Type returns an object's gc-type.
func (h *Heap) Type(ref Ref) GCType { return h.headerAt(ref).gcType() }

// allocate implements the first-fit scan + split policy spec.md §4.1's
// "Allocation policy" describes. It does not trigger GC itself; Allocate
// wraps it with the collect-then-retry-then-fail sequence.
func (h *Heap) allocate(sizeCells int, t GCType) Ref {
	var prev Ref
	for cur := h.freeHead; cur != 0; {
		avail := int(h.headerAt(cur).size())
		if avail >= sizeCells {
			next := Ref(h.cell(cur, 0))
			if avail-sizeCells >= minFreeCells { // split: excess leaves a valid Free chunk
				splitRef := cur + Ref(sizeCells) + 1
				remaining := avail - sizeCells - 1
				h.setHeader(splitRef, header(uint32(remaining)<<sizeShift))
				h.setCell(splitRef, uint32(next))
				next = splitRef
				avail = sizeCells // the allocated chunk keeps exactly the request
			}
			if prev == 0 {
				h.freeHead = next
			} else {
				h.setCell(prev, uint32(next))
			}
			h.setHeader(cur, makeHeader(uint32(avail), t))
			statAllocated.Add(int64(avail + 1))
			return cur
		}
		prev = cur
		cur = Ref(h.cell(cur, 0))
	}
	return 0
}

// Allocate returns a zero-filled object of sizeCells payload words and
// type t, running a collection and retrying once if the free list comes
// up short, and returning Ref(0) on sustained failure (spec.md §4.1
// "Heap-object allocation fails by returning a null address"). A
// request of zero cells is rounded up to one (spec.md §8: "allocating
// zero cells yields an object of one cell"), and a request that would
// overflow the header's 24-bit size field is rejected as out-of-memory
// rather than silently truncated.
func (h *Heap) Allocate(sizeCells int, t GCType) Ref {
	if sizeCells == 0 {
		sizeCells = 1
	}
	if sizeCells < 0 || sizeCells > maxObjectSizeCells {
		statOOM.Add(1)
		return 0
	}
	if ref := h.allocate(sizeCells, t); ref != 0 {
		h.zero(ref, sizeCells)
		return ref
	}
	h.Collect(sizeCells)
	if ref := h.allocate(sizeCells, t); ref != 0 {
		h.zero(ref, sizeCells)
		return ref
	}
	statOOM.Add(1)
	return 0
}

func (h *Heap) zero(ref Ref, sizeCells int) {
	for i := 0; i < sizeCells; i++ {
		h.setCellAt(ref, i, 0)
	}
}

// AllocatePermanent carves sizeCells (plus a header cell) off the bottom
// of the permanent region, which fills the cell array downward from its
// end (spec.md §4.1 "Permanent sub-heap"). It never returns a null
// address. The permanent region only ever uses the cells between
// collectedEnd and the array's end: the collected region is not shrunk
// to make room, so when a carve would reach collectedEnd it runs one
// collection and then panics.
func (h *Heap) AllocatePermanent(sizeCells int, t GCType) Ref {
	const growIncrement = 512 // 2 KiB / 4-byte cells
	need := Ref(sizeCells + 1)
	for h.permBoundary < need || h.permBoundary-need < h.collectedFrontier() {
		h.Collect(0)
		grow := Ref(growIncrement)
		if grow < need {
			grow = need
		}
		if h.permBoundary-grow <= h.collectedFrontier() {
			panic(fmt.Sprintf("heap: out of memory growing permanent region by %d cells", grow))
		}
		h.permBoundary -= grow
	}
	// Carve the header and payload cells [permBoundary-sizeCells-1,
	// permBoundary) and pull the boundary down to exclude them from
	// future permanent carves.
	carveAt := h.permBoundary - Ref(sizeCells) - 1
	h.setHeader(carveAt+1, makeHeader(uint32(sizeCells), t).withStatic(true))
	h.permBoundary = carveAt
	h.zero(carveAt+1, sizeCells)
	return carveAt + 1
}

// collectedFrontier is the exclusive upper bound of the collected
// region; AllocatePermanent must never shrink its boundary into it
// (spec.md §3 invariant 4).
func (h *Heap) collectedFrontier() Ref { return h.collectedEnd }

// Cells exposes the raw backing array for the stack/frame layer and
// tests; mutations outside this package must preserve header invariants.
func (h *Heap) Cells() []uint32 { return h.cells }

// PushRoot and PopRoot implement spec.md §4.1's temporary-root discipline.
func (h *Heap) PushRoot(ref Ref)        { h.roots.push(ref) }
func (h *Heap) PushRootInBase(loc *Ref, base Ref) { h.roots.pushInBase(loc, base) }
func (h *Heap) PopRootsTo(mark int)     { h.roots.popTo(mark) }
func (h *Heap) RootMark() int           { return h.roots.mark() }

// RegisterFinalizer attaches fn to run exactly once when ref becomes
// unreachable through a WeakPointerList entry (spec.md §3 "PointerList /
// WeakPointerList ... the weak variant also stores an optional native
// finalizer callback").
func (h *Heap) RegisterFinalizer(ref Ref, fn func(Ref)) { h.finalizers[ref] = fn }

// DrainFinalizers returns and clears the queue of objects whose
// finalizer became runnable during the last collection; the scheduler
// runs them as its own step (see internal/thread).
func (h *Heap) DrainFinalizers() []FinalizerJob {
	q := h.finalQueue
	h.finalQueue = nil
	return q
}

// OOMSingleton returns the pre-allocated OutOfMemory instance, creating
// it on first use from permanent memory so that later allocation
// pressure can never prevent raising it.
func (h *Heap) OOMSingleton(makeOne func(h *Heap) Ref) Ref {
	if h.oomSingleton == 0 {
		h.oomSingleton = makeOne(h)
	}
	return h.oomSingleton
}
