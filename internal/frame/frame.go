// Package frame implements spec.md §4.3's activation record layout and
// chunked stacks. Grounded on original_source/kvm/VmCommon/src/frame.c.
// Each thread's call chain is a linked list of *Frame values kept in Go
// memory (locals and the operand stack are plain []uint32, a reference
// stored as its heap.Ref bit pattern) backed by a parallel chain of
// heap-resident ExecStack chunk objects that account for capacity the
// way the original's fixed-size chunks do. Because the frame data itself
// lives off the collected heap, internal/heap's ExternalRootsProvider
// hook (see Scanner in this package) is how the collector finds and
// relocates the references it holds — using internal/stackmap's
// Lookup to know, at the paused ip, which slots are references.
package frame

import (
	"fmt"

	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/loader"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// frameHeaderCells is the bookkeeping the original's activation record
// carries alongside locals and operand stack (previous sp/ip/fp, method,
// syncObject, chunk link); this port keeps that bookkeeping in the Frame
// struct itself rather than as heap cells, but still charges a chunk's
// capacity for it so "chunk lacks locals+max_stack+frame_header" sizing
// (spec.md §4.3) has a concrete cell cost.
const frameHeaderCells = 6

// Frame is one activation record.
type Frame struct {
	Method     *classfile.Method
	Class      *loader.Class
	Locals     []uint32
	Stack      []uint32 // operand stack; len(Stack) is the live sp
	IP         int
	SyncObject heap.Ref // non-zero iff the method is synchronized
	Prev       *Frame
	Chunk      heap.Ref // the ExecStack chunk this frame is charged against
}

// Push and Pop manipulate the operand stack; callers are responsible for
// pushing the right number of words for wide (long/double) values, same
// as the original bytecode interpreter's stack discipline.
func (f *Frame) Push(v uint32)   { f.Stack = append(f.Stack, v) }
func (f *Frame) Pop() uint32 {
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v
}
func (f *Frame) PeekAt(depthFromTop int) uint32 { return f.Stack[len(f.Stack)-1-depthFromTop] }

func (f *Frame) Local(i int) uint32        { return f.Locals[i] }
func (f *Frame) SetLocal(i int, v uint32)  { f.Locals[i] = v }

// chunk is the bookkeeping side of one heap-resident ExecStack object.
type chunk struct {
	ref      heap.Ref
	capacity int
	used     int
	prev     *chunk
}

// Stack is one thread's call chain plus its chunk accounting.
type Stack struct {
	h             *heap.Heap
	defaultChunk  int
	current       *Frame
	currentChunk  *chunk
}

// NewStack creates an empty call stack that allocates chunkSizeCells-cell
// ExecStack objects on demand.
func NewStack(h *heap.Heap, chunkSizeCells int) *Stack {
	return &Stack{h: h, defaultChunk: chunkSizeCells}
}

// Current returns the innermost frame, or nil if the stack is empty.
func (s *Stack) Current() *Frame { return s.current }

// PushFrame allocates a new activation record for method, reusing the
// current chunk if it has room or allocating a new (possibly
// oversized, per spec.md §4.3) chunk otherwise. A failed chunk
// allocation reports stack overflow via the shared OOM/stack-overflow
// singleton (spec.md §4.3: "Stack overflow is reported by throwing a
// pre-allocated singleton, same object as out-of-memory in this core").
func (s *Stack) PushFrame(method *classfile.Method, cls *loader.Class, syncObject heap.Ref, makeSingleton func(*heap.Heap) heap.Ref) (*Frame, error) {
	nLocals := method.MaxLocals
	maxStack := method.MaxStack
	needed := nLocals + maxStack + frameHeaderCells

	if s.currentChunk == nil || s.currentChunk.capacity-s.currentChunk.used < needed {
		size := s.defaultChunk
		if needed > size {
			size = needed
		}
		ref := s.h.Allocate(size, heap.ExecStack)
		if ref == 0 {
			s.h.OOMSingleton(makeSingleton)
			return nil, fmt.Errorf("%s: cannot allocate a new stack chunk", vmerrors.StackOverflow)
		}
		s.currentChunk = &chunk{ref: ref, capacity: size, prev: s.currentChunk}
	}

	f := &Frame{
		Method:     method,
		Class:      cls,
		Locals:     make([]uint32, nLocals),
		SyncObject: syncObject,
		Prev:       s.current,
		Chunk:      s.currentChunk.ref,
	}
	s.currentChunk.used += needed
	s.current = f
	return f, nil
}

// PopFrame discards the innermost activation record, returning its
// synchronized-object handle (if any) so the caller can release the
// monitor on every exit path (spec.md §5 "The frame unwinder enforces
// [monitor release] by consulting syncObject").
func (s *Stack) PopFrame() heap.Ref {
	if s.current == nil {
		return 0
	}
	sync := s.current.SyncObject
	done := s.current.Chunk
	frameNeeded := s.current.Method.MaxLocals + s.current.Method.MaxStack + frameHeaderCells
	s.current = s.current.Prev
	if s.currentChunk != nil && s.currentChunk.ref == done {
		s.currentChunk.used -= frameNeeded
	}
	return sync
}

// Depth returns the number of live frames, used by tests and by
// thread-dump style diagnostics.
func (s *Stack) Depth() int {
	n := 0
	for f := s.current; f != nil; f = f.Prev {
		n++
	}
	return n
}
