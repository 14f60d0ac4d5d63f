package interp

import (
	"io"
	"log"

	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/frame"
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/hostport"
	"github.com/kilovm/kvm/internal/loader"
	"github.com/kilovm/kvm/internal/opcodes"
	"github.com/kilovm/kvm/internal/strtab"
	"github.com/kilovm/kvm/internal/thread"
)

// defaultChunkCells sizes a freshly allocated ExecStack chunk when a
// thread's call stack needs one and has no size of its own to go by.
const defaultChunkCells = 256

// Trace is the per-subsystem boolean switch family of spec.md §6 ("A
// compile-time family of boolean switches gates emission of per-
// subsystem traces ... enabling one must not change program behaviour").
// Each *log.Logger writes to io.Discard until its flag is set, matching
// the teacher's pattern of a package-level *log.Logger with a settable
// output rather than a leveled third-party logger.
type Trace struct {
	Calls      *log.Logger
	Exceptions *log.Logger
	Frames     *log.Logger
	Monitors   *log.Logger
}

// NewTrace builds a Trace with every logger discarding output; callers
// flip on the subsystems they want by calling SetOutput(os.Stderr) on
// the logger directly.
func NewTrace() *Trace {
	mk := func(prefix string) *log.Logger { return log.New(io.Discard, prefix, log.Lmicroseconds) }
	return &Trace{
		Calls:      mk("calls: "),
		Exceptions: mk("exceptions: "),
		Frames:     mk("frames: "),
		Monitors:   mk("monitors: "),
	}
}

// Interpreter is the single dispatch loop's owner: it holds the
// collaborator handles (spec.md §6) and the per-class, per-call-site
// caches the bytecode-rewriting fast path needs, shared across every
// thread the scheduler spawns.
type Interpreter struct {
	H       *heap.Heap
	Loader  *loader.Loader
	Sched   *thread.Scheduler
	Natives hostport.NativeMethods
	Clock   hostport.Clock
	Random  hostport.Random
	Stdout  hostport.Stdout
	Async   *hostport.AsyncCompletions

	Trace *Trace

	classRefs  map[*loader.Class]heap.Ref
	classByRef map[heap.Ref]*loader.Class

	staticClassRefs  map[*loader.Class]heap.Ref
	staticClassByRef map[heap.Ref]*loader.Class
	staticAreas      map[*loader.Class]heap.Ref

	// initialized tracks which classes have already run <clinit> (or
	// found they have none): separate from loader.Class.State, which is
	// the loader's own monotonic Raw..Ready resolution chain and knows
	// nothing about JVM initialization order (spec.md §4.5's <clinit>
	// triggers are an interpreter-level concern, not a loading one).
	initialized               map[*loader.Class]bool
	clinitKey, clinitDescKey strtab.Key

	errorClass *loader.Class // java/lang/Error, resolved lazily by errorClassOf

	callSites map[callSite]*inlineCache

	// breakpoints holds CustomCode handlers installed over an original
	// opcode (spec.md §4.3 "CUSTOMCODE"): keyed by method and the byte
	// offset CustomCode was written at. Empty by default — this core
	// ships no debugger of its own, so nothing installs one unless a
	// host-side caller does via InstallBreakpoint.
	breakpoints map[*classfile.Method]map[int]breakpointFunc
}

// breakpointFunc is what a CustomCode site runs instead of the opcode it
// replaced; it receives the same (thread, stack, frame) dispatch itself
// would have, and returns the same (thrown, err) pair.
type breakpointFunc func(*thread.Thread, *frame.Stack, *frame.Frame) (*ThrownException, error)

// breakpointAt looks up the handler installed at (m, ip), if any.
func (i *Interpreter) breakpointAt(m *classfile.Method, ip int) (breakpointFunc, bool) {
	byIP, ok := i.breakpoints[m]
	if !ok {
		return nil, false
	}
	bp, ok := byIP[ip]
	return bp, ok
}

// InstallBreakpoint rewrites the opcode at ip to CustomCode, stashing fn
// as the handler to run in its place. The opcode it overwrites is not
// saved.
func (i *Interpreter) InstallBreakpoint(m *classfile.Method, ip int, fn breakpointFunc) {
	if i.breakpoints[m] == nil {
		i.breakpoints[m] = make(map[int]breakpointFunc)
	}
	i.breakpoints[m][ip] = fn
	m.Code[ip] = opcodes.CustomCode
}

// callSite identifies one invokevirtual/invokeinterface instruction, the
// granularity at which the monomorphic inline cache of spec.md §4.3 is
// kept ("into the inline cache for virtual/interface invokes").
type callSite struct {
	method *classfile.Method
	pc     int
}

// inlineCache remembers the last receiver class resolved at a call site
// and the method that resolved to, so a repeat call with the same
// receiver class skips virtual dispatch's superclass-chain walk.
type inlineCache struct {
	receiverClass *loader.Class
	resolved      *loader.ResolvedMethod
}

// New builds an Interpreter over an already-constructed heap, loader and
// scheduler, wiring itself in as the heap's ClassInfo provider (spec.md
// §4.1's mark phase needs PointerBits/InstanceWords for Instance
// objects, which only the loader's Class descriptors know).
func New(h *heap.Heap, ld *loader.Loader, sched *thread.Scheduler, natives hostport.NativeMethods, clock hostport.Clock, random hostport.Random, stdout hostport.Stdout) *Interpreter {
	i := &Interpreter{
		H:          h,
		Loader:     ld,
		Sched:      sched,
		Natives:    natives,
		Clock:      clock,
		Random:     random,
		Stdout:     stdout,
		Async:      hostport.NewAsyncCompletions(&hostport.MutexCriticalSection{}),
		Trace:      NewTrace(),
		classRefs:        make(map[*loader.Class]heap.Ref),
		classByRef:       make(map[heap.Ref]*loader.Class),
		staticClassRefs:  make(map[*loader.Class]heap.Ref),
		staticClassByRef: make(map[heap.Ref]*loader.Class),
		staticAreas:      make(map[*loader.Class]heap.Ref),
		initialized:      make(map[*loader.Class]bool),
		callSites:        make(map[callSite]*inlineCache),
		breakpoints:      make(map[*classfile.Method]map[int]breakpointFunc),
	}
	i.clinitKey = ld.Strings.InternString("<clinit>")
	i.clinitDescKey = ld.Strings.InternString("()V")
	h.SetClassInfo(i)
	return i
}

// errorClassOf resolves java/lang/Error once and caches it, used only to
// decide whether an exception escaping <clinit> needs wrapping in
// ExceptionInInitializerError (spec.md §4.5: Error subtypes pass through
// unwrapped, everything else does not).
func (i *Interpreter) errorClassOf() *loader.Class {
	if i.errorClass != nil {
		return i.errorClass
	}
	cls, err := i.Loader.Lookup("java/lang/Error")
	if err != nil {
		return nil
	}
	i.errorClass = cls
	return cls
}

// PointerBits and InstanceWords implement heap.ClassInfo by reversing
// the classRefs registration classRefOf performs the first time a class
// is instantiated or array-allocated.
func (i *Interpreter) PointerBits(classRef heap.Ref) []bool {
	if c := i.classByRef[classRef]; c != nil {
		return c.PointerBits
	}
	if c := i.staticClassByRef[classRef]; c != nil {
		return c.StaticPointerBits
	}
	return nil
}

func (i *Interpreter) InstanceWords(classRef heap.Ref) int {
	if c := i.classByRef[classRef]; c != nil {
		return c.InstanceWords
	}
	if c := i.staticClassByRef[classRef]; c != nil {
		return c.StaticWords
	}
	return 0
}

// classRefOf returns the permanent-memory identity object standing in
// for cls in heap object headers (spec.md §3: every Instance/Array
// header's first cell is "the class"), materializing it on first use.
// A one-cell NoPointers object is enough of an identity: nothing ever
// dereferences its payload, only its Ref value, compared by identity or
// handed back into PointerBits/InstanceWords above.
func (i *Interpreter) classRefOf(cls *loader.Class) heap.Ref {
	if ref, ok := i.classRefs[cls]; ok {
		return ref
	}
	ref := i.H.AllocatePermanent(1, heap.NoPointers)
	i.classRefs[cls] = ref
	i.classByRef[ref] = cls
	return ref
}

// stackFor returns t's call stack: t.Stack itself, the same frame.Stack
// thread.Scheduler.Spawn already registered with its root scanner, not a
// shadow copy of our own — a separate stack here would make every frame
// the interpreter actually runs invisible to garbage collection. A nil
// Stack (a Thread built without going through Spawn, e.g. in a test) gets
// one lazily, unregistered; callers driving real guest code always go
// through Spawn first.
func (i *Interpreter) stackFor(t *thread.Thread) *frame.Stack {
	if t.Stack == nil {
		t.Stack = frame.NewStack(i.H, defaultChunkCells)
	}
	return t.Stack
}

// ThreadBody returns the function a newly spawned thread.Thread runs on
// its own goroutine (thread.Scheduler.Start's body parameter): invoke
// method with args, and let any exception that escapes it become an
// uncaught-exception report instead of propagating into the scheduler's
// own goroutine machinery.
func (i *Interpreter) ThreadBody(t *thread.Thread, cls *loader.Class, method *classfile.Method, args []uint32, onUncaught func(*ThrownException)) func() {
	return func() {
		_, err := i.Invoke(t, cls, method, args)
		if err == nil {
			return
		}
		if te, ok := err.(*ThrownException); ok && onUncaught != nil {
			onUncaught(te)
			return
		}
	}
}
