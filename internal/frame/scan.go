package frame

import (
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/stackmap"
)

// Scanner implements heap.ExternalRootsProvider over every Stack the
// scheduler has registered, using internal/stackmap's Lookup to find
// exactly which local/operand-stack slots of each paused frame hold
// references (spec.md §4.1 phase 1: "Live threads contribute their
// stack contents", done precisely rather than conservatively thanks to
// §4.2's stack-map scanner).
type Scanner struct {
	stacks []*Stack
}

// NewScanner creates an empty registry; Register/Unregister are called
// by internal/thread as threads are created and terminated.
func NewScanner() *Scanner { return &Scanner{} }

func (s *Scanner) Register(st *Stack)   { s.stacks = append(s.stacks, st) }
func (s *Scanner) Unregister(st *Stack) {
	for i, cur := range s.stacks {
		if cur == st {
			s.stacks = append(s.stacks[:i], s.stacks[i+1:]...)
			return
		}
	}
}

func (s *Scanner) MarkExternalRoots(mark func(heap.Ref)) {
	s.walk(func(f *Frame) {
		s.snapshot(f, func(ref heap.Ref) { mark(ref) }, nil)
	})
}

func (s *Scanner) RewriteExternalRoots(rewrite func(heap.Ref) heap.Ref) {
	s.walk(func(f *Frame) {
		s.snapshot(f, nil, rewrite)
	})
}

func (s *Scanner) walk(fn func(*Frame)) {
	for _, st := range s.stacks {
		for f := st.current; f != nil; f = f.Prev {
			fn(f)
		}
	}
}

// snapshot visits every reference-holding local/stack slot of f (per the
// compact pointer map at f's paused ip) plus its syncObject, calling mark
// (for the mark phase) or rewrite-in-place (for the post-compaction fixup
// phase); exactly one of the two callbacks is non-nil per call.
func (s *Scanner) snapshot(f *Frame, mark func(heap.Ref), rewrite func(heap.Ref) heap.Ref) {
	if f.SyncObject != 0 {
		if mark != nil {
			mark(f.SyncObject)
		} else {
			f.SyncObject = rewrite(f.SyncObject)
		}
	}

	pm := f.Class.StackMaps[f.Method]
	if pm == nil {
		return
	}
	snap, err := stackmap.Lookup(f.Method, f.Class.File, pm, f.IP)
	if err != nil {
		// A frame paused between symbolic-stepping boundaries (e.g. at
		// a CUSTOMCODE continuation point) is conservatively treated as
		// holding no references beyond syncObject; internal/interp
		// guarantees real bytecode ips always resolve.
		return
	}
	for i, isRef := range snap.Locals {
		if !isRef || i >= len(f.Locals) {
			continue
		}
		if mark != nil {
			mark(heap.Ref(f.Locals[i]))
		} else {
			f.Locals[i] = uint32(rewrite(heap.Ref(f.Locals[i])))
		}
	}
	for i, isRef := range snap.Stack {
		if !isRef || i >= len(f.Stack) {
			continue
		}
		if mark != nil {
			mark(heap.Ref(f.Stack[i]))
		} else {
			f.Stack[i] = uint32(rewrite(heap.Ref(f.Stack[i])))
		}
	}
}
