package heap

import "sort"

// MaxGCDepth bounds the tail-recursive mark phase's call depth
// (spec.md §4.1 phase 3, "a small fixed depth budget"); objects reached
// past this depth are queued in collectState.ring instead of recursed
// into immediately, and their pointer fields are followed once the roots
// have been marked.
const MaxGCDepth = 64

// overflowRingSize is the fixed-size ring spec.md §4.1 phase 3
// describes; if it fills, rescanNeeded is set and the whole heap is
// rescanned on the next pass, which is guaranteed to make progress
// because each pass marks at least one additional object.
const overflowRingSize = 256

// StackScanner lets the frame/thread layer supply precise roots for a
// Thread object's call chain, using the stack-map scanner (internal
// /stackmap) to find live references in each activation record. A Heap
// with no scanner attached treats Thread objects as contributing no
// extra roots beyond whatever is already registered as a temporary or
// global root — acceptable before internal/thread exists, wrong once it
// does, which is why SetStackScanner exists.
type StackScanner interface {
	ScanThreadRoots(threadRef Ref, mark func(Ref))
}

// ScanGlobalRoots enumerates the VM's global roots (interned strings,
// class descriptors and statics, VM singletons, the ROM image table,
// pending async-I/O control blocks — spec.md §4.1 phase 1). A Heap with
// no provider registered simply has no global roots beyond permanent
// memory, which the collector never sweeps anyway.
type GlobalRootsProvider interface {
	ScanGlobalRoots(mark func(Ref))
}

// ExecStackScanner lets the frame layer supply roots living directly in
// an ExecStack chunk object (as opposed to the owning Thread), used when
// a chunk is walked independently of its thread (spec.md §4.4's chunked
// activation-record stacks).
type ExecStackScanner interface {
	ScanExecStackRoots(chunkRef Ref, mark func(Ref))
}

func (h *Heap) SetStackScanner(s StackScanner)         { h.stackScanner = s }
func (h *Heap) SetExecStackScanner(s ExecStackScanner) { h.execStackScanner = s }
func (h *Heap) SetGlobalRoots(g GlobalRootsProvider)   { h.globalRoots = g }

// ExternalRootsProvider lets the frame layer register Go-resident
// activation-record state (operand stacks and locals, which this port
// keeps off the heap proper; see internal/frame) as collector roots.
// MarkExternalRoots is consulted during phase 1; RewriteExternalRoots is
// consulted after compaction slides objects, so the same pointers the
// mark phase found stay valid once their referents move.
type ExternalRootsProvider interface {
	MarkExternalRoots(mark func(Ref))
	RewriteExternalRoots(rewrite func(Ref) Ref)
}

func (h *Heap) SetExternalRoots(p ExternalRootsProvider) { h.externalRoots = p }

// collectState is the scratch the mark phase threads through one
// collection; kept separate from Heap so Collect is safely reentrant
// across VM restarts within one process (tests create many Heaps).
type collectState struct {
	h             *Heap
	ring          [overflowRingSize]Ref
	ringLen       int
	rescanNeeded  bool
	weakLists     []Ref // WeakPointerList/WeakReference objects seen during mark
}

// Collect runs one full collection: mark, weak-pointer cleanup, sweep,
// and — if minCellsRequested still exceeds the largest free chunk found
// — compact (spec.md §4.1 "Collection phases"). The request is measured
// in cells, not bytes: Allocate passes its sizeCells, and sweep reports
// the largest free chunk in cells.
func (h *Heap) Collect(minCellsRequested int) {
	statCollections.Add(1)
	cs := &collectState{h: h}
	cs.mark()
	cs.cleanupWeak()
	largest := h.sweep()
	if minCellsRequested > largest {
		h.compact()
		statCompactions.Add(1)
	}
}

func (cs *collectState) mark() {
	h := cs.h
	if h.globalRoots != nil {
		h.globalRoots.ScanGlobalRoots(func(r Ref) { cs.markFrom(r, 0) })
	}
	if h.externalRoots != nil {
		h.externalRoots.MarkExternalRoots(func(r Ref) { cs.markFrom(r, 0) })
	}
	for _, e := range h.roots.entries {
		if e.loc != nil {
			cs.markFrom(*e.loc, 0)
			continue
		}
		cs.markFrom(e.ref, 0)
	}

	for cs.ringLen > 0 {
		cs.ringLen--
		ref := cs.ring[cs.ringLen]
		// ref is already marked, so markFrom(ref) would stop at once;
		// follow its children directly instead.
		h.followPointers(ref, h.headerAt(ref).gcType(), func(child Ref) { cs.markFrom(child, 1) })
	}

	for cs.rescanNeeded {
		cs.rescanNeeded = false
		progress := false
		h.forEachLive(func(ref Ref) {
			hd := h.headerAt(ref)
			before := cs.ringLen
			h.followPointers(ref, hd.gcType(), func(child Ref) {
				if child == 0 || child >= h.collectedEnd {
					return
				}
				if !h.headerAt(child).marked() {
					progress = true
					h.setHeader(child, h.headerAt(child).withMark(true))
				}
			})
			_ = before
		})
		if !progress {
			break
		}
	}
}

// markFrom marks ref and recurses into its pointer fields up to
// MaxGCDepth, queuing anything past that into the overflow ring.
func (cs *collectState) markFrom(ref Ref, depth int) {
	h := cs.h
	if ref == 0 || ref >= h.collectedEnd {
		return // null, or permanent/foreign memory: always considered live
	}
	hd := h.headerAt(ref)
	if hd.marked() {
		return
	}
	h.setHeader(ref, hd.withMark(true))

	t := hd.gcType()
	if t == WeakPointerList || t == WeakReference {
		cs.weakLists = append(cs.weakLists, ref)
		return // referents are not followed during mark; see cleanupWeak
	}

	if depth >= MaxGCDepth {
		if cs.ringLen < overflowRingSize {
			cs.ring[cs.ringLen] = ref
			cs.ringLen++
		} else {
			cs.rescanNeeded = true
		}
		return
	}
	h.followPointers(ref, t, func(child Ref) { cs.markFrom(child, depth+1) })
}

// markMHCRef and rewriteMHCRef handle the one pointer-shaped field every
// Instance/Array object's mhc word can carry: while MHC_UNLOCKED's
// payload is a plain identity-hash scalar, MHC_SIMPLE_LOCK and
// MHC_EXTENDED_LOCK carry the locking Thread's handle and MHC_MONITOR
// carries an inflated Monitor's ref (spec.md §3 "MHC word encoding").
// Both must follow/relocate exactly when the tag says the payload is a
// ref, and must never touch a bare hash code.
func (h *Heap) markMHCRef(ref Ref, mark func(Ref)) {
	word := h.cell(ref, MHCWordOffset)
	switch mhcTagOf(word) {
	case mhcSimpleLock, mhcExtendedLock, mhcMonitor:
		mark(Ref(mhcPayload(word)))
	}
}

func (h *Heap) rewriteMHCRef(ref Ref, rewrite func(Ref) Ref) {
	word := h.cell(ref, MHCWordOffset)
	tag := mhcTagOf(word)
	switch tag {
	case mhcSimpleLock, mhcExtendedLock, mhcMonitor:
		newPayload := uint32(rewrite(Ref(mhcPayload(word))))
		h.setCellAt(ref, MHCWordOffset, mhcMake(tag, newPayload))
	}
}

// followPointers calls mark for every pointer field ref holds, per its
// gc-type (spec.md §4.1 phase 2).
func (h *Heap) followPointers(ref Ref, t GCType, mark func(Ref)) {
	size := int(h.headerAt(ref).size())
	switch t {
	case NoPointers, Free:
		return
	case Array:
		// No payload pointers, but every Array object still carries the
		// (class, mhc, length) header, and its mhc word may itself hold
		// a reference to a locking Thread or inflated Monitor.
		h.markMHCRef(ref, mark)
	case Instance:
		h.markMHCRef(ref, mark)
		if h.classInfo == nil {
			return
		}
		classRef := Ref(h.cell(ref, 0))
		bits := h.classInfo.PointerBits(classRef)
		for i, isPtr := range bits {
			if !isPtr {
				continue
			}
			off := instanceHeaderWords + i
			if off >= size {
				break
			}
			mark(Ref(h.cell(ref, off)))
		}
	case ObjectArray:
		h.markMHCRef(ref, mark)
		length := int(h.cell(ref, 2))
		for i := 0; i < length; i++ {
			off := arrayHeaderWords + i
			if off >= size {
				break
			}
			mark(Ref(h.cell(ref, off)))
		}
	case MethodTable, PointerList:
		for off := 0; off < size; off++ {
			mark(Ref(h.cell(ref, off)))
		}
	case Monitor:
		// Only the owner/monitor-waitq/condvar-waitq prefix holds
		// references; hashCode and nesting depth beyond it are scalars
		// internal/thread stores inline and must never be mistaken for
		// heap addresses (spec.md §3's monitorStruct: owner, two wait
		// queues, then the inflated monitor's hashCode/depth).
		for off := 0; off < monitorRefCells && off < size; off++ {
			mark(Ref(h.cell(ref, off)))
		}
	case ExecStack:
		if h.execStackScanner != nil {
			h.execStackScanner.ScanExecStackRoots(ref, mark)
		}
	case Thread:
		if h.stackScanner != nil {
			h.stackScanner.ScanThreadRoots(ref, mark)
		}
	}
}

// forEachLive walks the collected region calling fn for every live
// (marked, non-Free) object, used by the rescan pass.
func (h *Heap) forEachLive(fn func(Ref)) {
	ref := Ref(1)
	for ref < h.collectedEnd {
		hd := h.headerAt(ref)
		size := hd.size()
		if hd.gcType() != Free && hd.marked() {
			fn(ref)
		}
		ref += Ref(size) + 1
	}
}

// sweep reclaims every unmarked object, coalesces adjacent Free chunks,
// clears mark bits on survivors, and returns the largest free chunk
// found (spec.md §4.1 phase 5).
func (h *Heap) sweep() int {
	h.freeHead = 0
	var lastFree Ref
	var largest int
	freed := 0

	ref := Ref(1)
	for ref < h.collectedEnd {
		hd := h.headerAt(ref)
		size := int(hd.size())
		next := ref + Ref(size) + 1

		if hd.gcType() == Free || !hd.marked() {
			if hd.gcType() != Free {
				freed += size + 1
			}
			if lastFree != 0 && lastFree+Ref(h.headerAt(lastFree).size())+1 == ref {
				merged := int(h.headerAt(lastFree).size()) + size + 1
				h.setHeader(lastFree, header(uint32(merged)<<sizeShift))
			} else {
				h.setHeader(ref, header(uint32(size)<<sizeShift))
				h.setCell(ref, uint32(h.freeHead))
				h.freeHead = ref
				lastFree = ref
			}
			if sz := int(h.headerAt(lastFree).size()); sz > largest {
				largest = sz
			}
		} else {
			h.setHeader(ref, hd.withMark(false))
			lastFree = 0
		}
		ref = next
	}
	statFreed.Add(int64(freed))
	return largest
}

// breakEntry is one (old-address, delta) pair of the Haddon-Waite break
// table (spec.md §4.1 "Break-table invariants").
type breakEntry struct {
	addr  Ref
	delta Ref
}

// compact slides every live object in the collected region toward low
// addresses, rewriting every pointer field (and every registered root)
// by consulting a break table built from the gaps swept away
// (spec.md §4.1 phase 6).
func (h *Heap) compact() {
	var table []breakEntry
	var dest Ref = 1
	var totalDelta Ref

	ref := Ref(1)
	for ref < h.collectedEnd {
		hd := h.headerAt(ref)
		size := Ref(hd.size())
		if hd.gcType() == Free {
			totalDelta += size + 1
			table = append(table, breakEntry{addr: ref, delta: totalDelta})
			ref += size + 1
			continue
		}
		if dest != ref {
			for i := Ref(0); i < size+1; i++ {
				h.cells[dest-1+i] = h.cells[ref-1+i]
			}
		}
		dest += size + 1
		ref += size + 1
	}

	sort.Slice(table, func(i, j int) bool { return table[i].addr < table[j].addr })

	deltaFor := func(addr Ref) Ref {
		i := sort.Search(len(table), func(i int) bool { return table[i].addr > addr }) - 1
		if i < 0 {
			return 0
		}
		return table[i].delta
	}
	rewrite := func(p Ref) Ref {
		if p == 0 || p >= h.collectedEnd {
			return p
		}
		return p - deltaFor(p)
	}

	// Fix up every live object's pointer fields in their new location.
	cur := Ref(1)
	for cur < dest {
		hd := h.headerAt(cur)
		size := int(hd.size())
		t := hd.gcType()
		h.rewritePointers(cur, t, size, rewrite)
		cur += Ref(size) + 1
	}

	// Fix up the root stack (including root-with-base interior pointers).
	for i := range h.roots.entries {
		e := &h.roots.entries[i]
		if e.loc != nil {
			newBase := rewrite(e.base)
			*e.loc = *e.loc - e.base + newBase
			e.base = newBase
			continue
		}
		e.ref = rewrite(e.ref)
	}
	if h.externalRoots != nil {
		h.externalRoots.RewriteExternalRoots(rewrite)
	}

	// dest..collectedEnd is now all reclaimed space; collectedEnd itself
	// stays fixed (it is the region's boundary against the permanent
	// sub-heap, not the live-data frontier) and the gap becomes one Free
	// chunk so the region remains fully free-list covered.
	h.freeHead = 0
	if dest < h.collectedEnd {
		tailSize := h.collectedEnd - dest - 1
		h.setHeader(dest, header(uint32(tailSize)<<sizeShift))
		h.setCell(dest, 0)
		h.freeHead = dest
	}
}

// rewritePointers applies rewrite to every pointer field of a
// just-relocated object, mirroring followPointers' field layout per
// gc-type but writing back through rewrite instead of only reading.
func (h *Heap) rewritePointers(ref Ref, t GCType, size int, rewrite func(Ref) Ref) {
	switch t {
	case Array:
		h.rewriteMHCRef(ref, rewrite)
	case Instance:
		h.rewriteMHCRef(ref, rewrite)
		if h.classInfo == nil {
			return
		}
		classRef := Ref(h.cell(ref, 0))
		h.setCellAt(ref, 0, uint32(rewrite(classRef)))
		bits := h.classInfo.PointerBits(classRef)
		for i, isPtr := range bits {
			if !isPtr {
				continue
			}
			off := instanceHeaderWords + i
			if off >= size {
				break
			}
			h.setCellAt(ref, off, uint32(rewrite(Ref(h.cell(ref, off)))))
		}
	case ObjectArray:
		h.rewriteMHCRef(ref, rewrite)
		length := int(h.cell(ref, 2))
		for i := 0; i < length; i++ {
			off := arrayHeaderWords + i
			if off >= size {
				break
			}
			h.setCellAt(ref, off, uint32(rewrite(Ref(h.cell(ref, off)))))
		}
	case MethodTable, PointerList:
		for off := 0; off < size; off++ {
			h.setCellAt(ref, off, uint32(rewrite(Ref(h.cell(ref, off)))))
		}
	case Monitor:
		for off := 0; off < monitorRefCells && off < size; off++ {
			h.setCellAt(ref, off, uint32(rewrite(Ref(h.cell(ref, off)))))
		}
	case WeakPointerList, WeakReference:
		// Surviving referents are forwarded to their new address;
		// cleanupWeak has already cleared the dead ones.
		h.setCellAt(ref, weakReferentOff, uint32(rewrite(Ref(h.cell(ref, weakReferentOff)))))
	}
}
