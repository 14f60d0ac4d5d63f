package frame

import (
	"testing"

	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/loader"
	"github.com/kilovm/kvm/internal/stackmap"
	"github.com/kilovm/kvm/internal/strtab"
)

func TestPushPopFrameAccountsChunkCapacity(t *testing.T) {
	h := heap.New(4096)
	s := NewStack(h, 32)

	m := &classfile.Method{MaxLocals: 2, MaxStack: 2}
	cls := &loader.Class{Name: "pkg/Main"}

	f, err := s.PushFrame(m, cls, 0, nil)
	if err != nil {
		t.Fatalf("PushFrame: %v", err)
	}
	if s.Depth() != 1 {
		t.Fatalf("Depth = %d, want 1", s.Depth())
	}
	f.SetLocal(0, 42)
	if f.Local(0) != 42 {
		t.Fatalf("Local(0) = %d, want 42", f.Local(0))
	}

	f.Push(7)
	if got := f.Pop(); got != 7 {
		t.Fatalf("Pop = %d, want 7", got)
	}

	s.PopFrame()
	if s.Depth() != 0 {
		t.Fatalf("Depth after pop = %d, want 0", s.Depth())
	}
}

func TestPushFrameAllocatesOversizedChunkWhenNeeded(t *testing.T) {
	h := heap.New(4096)
	s := NewStack(h, 4) // tiny default chunk

	m := &classfile.Method{MaxLocals: 20, MaxStack: 20}
	_, err := s.PushFrame(m, &loader.Class{Name: "pkg/Main"}, 0, nil)
	if err != nil {
		t.Fatalf("PushFrame with oversized method: %v", err)
	}
	if s.currentChunk.capacity < 20+20+frameHeaderCells {
		t.Fatalf("chunk capacity = %d, want at least %d", s.currentChunk.capacity, 20+20+frameHeaderCells)
	}
}

func TestPushFrameFailsWithStackOverflowOnExhaustedHeap(t *testing.T) {
	h := heap.New(64)
	s := NewStack(h, 4)

	// Fill the collected region with unrooted no-pointer allocations
	// first. Allocate collects them again whenever it runs short, so the
	// chunk allocation below fails because its 106 cells exceed the whole
	// 48-cell collected region of a 64-cell heap.
	for i := 0; i < 64; i++ {
		if h.Allocate(8, heap.NoPointers) == 0 {
			break
		}
	}

	m := &classfile.Method{MaxLocals: 50, MaxStack: 50}
	makeSingleton := func(h *heap.Heap) heap.Ref { return h.AllocatePermanent(1, heap.Instance) }
	_, err := s.PushFrame(m, &loader.Class{Name: "pkg/Main"}, 0, makeSingleton)
	if err == nil {
		t.Fatal("expected a stack-overflow error when the heap has no room for a new chunk")
	}
}

func TestScannerKeepsLocalReferenceAliveAcrossCollection(t *testing.T) {
	h := heap.New(4096)
	strings := strtab.New()
	sig, err := strtab.ParseDescriptor("(Ljava/lang/Object;)V", strings)
	if err != nil {
		t.Fatal(err)
	}
	m := &classfile.Method{
		AccessFlags: classfile.AccStatic,
		MaxLocals:   1,
		MaxStack:    0,
		Code:        []byte{0xB1}, // return
		Signature:   sig,
	}
	pm, err := stackmap.Rewrite(m)
	if err != nil {
		t.Fatalf("stackmap.Rewrite: %v", err)
	}
	cls := &loader.Class{
		Name:      "pkg/Main",
		File:      &classfile.ClassFile{},
		StackMaps: map[*classfile.Method]*stackmap.PointerMap{m: pm},
	}

	target := h.Allocate(1, heap.NoPointers)
	h.SetCell(target, 0, 123)

	s := NewStack(h, 32)
	fr, err := s.PushFrame(m, cls, 0, nil)
	if err != nil {
		t.Fatalf("PushFrame: %v", err)
	}
	fr.SetLocal(0, uint32(target))
	fr.IP = 0

	sc := NewScanner()
	sc.Register(s)
	h.SetExternalRoots(sc)

	// Force allocation pressure so the collector actually runs and, if
	// the heap is small enough relative to demand, compacts.
	h.Collect(0)
	for i := 0; i < 50; i++ {
		h.Allocate(4, heap.NoPointers)
	}

	got := heap.Ref(fr.Local(0))
	if got == 0 {
		t.Fatal("local reference slot was cleared by collection")
	}
	if h.GetCell(got, 0) != 123 {
		t.Fatalf("referent payload = %d, want 123 (rewritten ref should still point at the same object)", h.GetCell(got, 0))
	}
}
