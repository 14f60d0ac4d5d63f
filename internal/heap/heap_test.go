package heap

import "testing"

func TestAllocateSplitAndFreeListReuse(t *testing.T) {
	h := New(4096)
	a := h.Allocate(4, NoPointers)
	if a == 0 {
		t.Fatal("Allocate returned null")
	}
	if h.Size(a) != 4 {
		t.Fatalf("Size = %d, want 4", h.Size(a))
	}
	h.Collect(0) // a is unrooted, so this should reclaim it
	b := h.Allocate(4, NoPointers)
	if b == 0 {
		t.Fatal("Allocate returned null after collection")
	}
}

func TestUnreachableObjectsAreSwept(t *testing.T) {
	h := New(2048)
	for i := 0; i < 10; i++ {
		if h.Allocate(2, NoPointers) == 0 {
			t.Fatalf("Allocate #%d returned null", i)
		}
	}
	h.Collect(0)
	after := h.Allocate(2, NoPointers)
	if after == 0 {
		t.Fatal("expected the unrooted garbage from the loop to be reclaimed")
	}
}

func TestTemporaryRootSurvivesCollection(t *testing.T) {
	h := New(2048)
	ref := h.Allocate(1, NoPointers)
	h.SetCell(ref, 0, 42)
	h.PushRoot(ref)

	h.Collect(0)

	if h.GetCell(ref, 0) != 42 {
		t.Fatalf("rooted object's payload = %d, want 42 (it must not have been reclaimed)", h.GetCell(ref, 0))
	}
}

// TestCompactionSurvival mirrors spec.md §5's compaction survival case:
// interleave live (rooted) and garbage (unrooted) allocations, force a
// collection whose requested size exceeds the largest free chunk so
// compaction runs, and confirm every live object's stored value is
// intact afterward even though its address changed.
func TestCompactionSurvival(t *testing.T) {
	h := New(4096)
	var live []Ref
	for i := 0; i < 20; i++ {
		garbage := h.Allocate(2, NoPointers)
		if garbage == 0 {
			t.Fatalf("garbage allocation %d failed", i)
		}
		ref := h.Allocate(2, NoPointers)
		if ref == 0 {
			t.Fatalf("live allocation %d failed", i)
		}
		h.SetCell(ref, 0, uint32(i))
		h.PushRoot(ref)
		live = append(live, ref)
	}

	h.Collect(3000) // larger than any single free chunk left after sweep, forcing compaction

	for i, ref := range live {
		newRef := h.roots.entries[i].ref
		if got := h.GetCell(newRef, 0); got != uint32(i) {
			t.Errorf("live object %d: payload = %d after compaction, want %d", i, got, i)
		}
		_ = ref
	}
}

func TestAllocateZeroCellsYieldsOneCellObject(t *testing.T) {
	h := New(4096)
	ref := h.Allocate(0, NoPointers)
	if ref == 0 {
		t.Fatal("Allocate(0, ...) returned null")
	}
	if got := h.Size(ref); got != 1 {
		t.Fatalf("Size = %d, want 1", got)
	}
}

func TestAllocateOversizedRequestFailsWithoutOverflow(t *testing.T) {
	h := New(4096)
	ref := h.Allocate(maxObjectSizeCells+1, NoPointers)
	if ref != 0 {
		t.Fatalf("Allocate(2^24 cells) = %d, want null (out of memory)", ref)
	}
}

func TestAllocatePermanentNeverReclaimed(t *testing.T) {
	h := New(4096)
	p := h.AllocatePermanent(3, Instance)
	h.SetCell(p, 0, 7)
	h.Collect(0)
	h.Collect(0)
	if h.GetCell(p, 0) != 7 {
		t.Fatalf("permanent object's payload changed across collections: got %d, want 7", h.GetCell(p, 0))
	}
}

type fakeClassInfo struct {
	bits []bool
}

func (f fakeClassInfo) PointerBits(Ref) []bool  { return f.bits }
func (f fakeClassInfo) InstanceWords(Ref) int { return len(f.bits) }

func TestInstanceMarksOnlyPointerFields(t *testing.T) {
	h := New(4096)
	h.SetClassInfo(fakeClassInfo{bits: []bool{false, true}})

	target := h.Allocate(1, NoPointers)
	h.SetCell(target, 0, 99)

	inst := h.Allocate(instanceHeaderWords+2, Instance)
	h.SetCell(inst, 0, 1) // class ref, arbitrary non-zero placeholder
	h.SetCell(inst, 1, 0) // mhc
	h.SetCell(inst, 2, 0) // field 0: not a pointer
	h.SetCell(inst, 3, uint32(target))

	h.PushRoot(inst)
	h.Collect(0)

	after := h.Allocate(1, NoPointers)
	if after == target {
		t.Fatal("target should still be reachable through inst's pointer field and not reclaimed")
	}
}
