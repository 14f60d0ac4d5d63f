// Package thread implements spec.md §4.4's cooperative scheduler: one
// Go-side Thread record per live Java thread, a runnable ring, an alarm
// queue for timed sleep/wait, and the four-state monitor-header lock
// word built on internal/heap's MHC helpers. Grounded on
// original_source/kvm/VmCommon/h/thread.h and
// VmCommon/src/thread.c/sync.c's scheduling and locking algorithms.
//
// Like internal/frame, a Thread's scheduling bookkeeping (queue links,
// saved registers, priority, timeslice) lives in ordinary Go memory
// rather than as heap cells; only a thin Ref handle is allocated on the
// heap (GCType Thread) so other heap objects — a Monitor's owner field,
// an MHC simple-lock payload — can name a thread. Scheduler implements
// heap.StackScanner so the collector can find everything reachable from
// a live thread's Go-side bookkeeping once it reaches that handle.
package thread

import (
	"container/ring"
	"fmt"
	"sync"

	"github.com/kilovm/kvm/internal/frame"
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// Priority bounds, same constants as java.lang.Thread.
const (
	MinPriority  = 1
	NormPriority = 5
	MaxPriority  = 10
)

// TimesliceFactor scales a thread's Java-level priority into the number
// of interpreter steps it runs before SwitchThread considers preemption
// (spec.md §4.4 "time slice is priority times a fixed factor").
const TimesliceFactor = 100

// State mirrors thread.h's THREAD_* enum.
type State int

const (
	JustBorn State = iota
	Active
	Suspended
	Dead
	MonitorWait
	CondVarWait
)

func (s State) String() string {
	switch s {
	case JustBorn:
		return "JustBorn"
	case Active:
		return "Active"
	case Suspended:
		return "Suspended"
	case Dead:
		return "Dead"
	case MonitorWait:
		return "MonitorWait"
	case CondVarWait:
		return "CondVarWait"
	default:
		return "?"
	}
}

// Thread is one cooperative thread's scheduling state. Unlike thread.h,
// which parks a blocked C activation's virtual registers into
// ipStore/fpStore/spStore because there is only one C call stack to go
// around, each Thread here runs its body on its own goroutine: turn is
// the handoff channel that makes "only one Java thread ever executes
// at a time" hold despite that, and a blocked goroutine's own Go call
// stack is its continuation, so no register-parking fields are needed.
type Thread struct {
	ID         int
	JavaThread heap.Ref // the guest java.lang.Thread instance
	HeapRef    heap.Ref // this thread's GCType-Thread handle
	Stack      *frame.Stack

	Priority  int
	Timeslice int
	State     State

	// turn is a size-1 handoff channel: a thread's goroutine blocks
	// receiving from it whenever the scheduler gives the processor to
	// someone else, and SwitchThread sends to the next thread's turn
	// exactly once per handoff. Exactly one goroutine is ever runnable
	// past its own receive and before its next blocking call.
	turn chan struct{}
	done chan struct{} // closed when the thread's body returns

	// Monitor this thread is blocked entering or waiting on. resumeDepth
	// and monitorDepth are not read or written anywhere: Wait keeps the
	// depth to restore in a local, and depths live in the Monitor object.
	blockedOn    heap.Ref
	resumeDepth  int
	monitorDepth int // depth held on the monitor this thread currently owns outright

	// Extended-lock state: thread.h keeps exactly one FASTLOCK's depth
	// and hash code per thread, so a second distinct object requesting
	// an extended lock while one is outstanding forces Monitor inflation
	// instead (see monitor.go).
	extLockObj   heap.Ref
	extLockDepth int
	extLockHash  uint32

	pendingException   heap.Ref
	isPendingInterrupt  bool

	wakeupTime int64 // alarm queue ordering key; see alarm.go

	alive bool
}

// Scheduler owns every live thread, the runnable ring, and the alarm
// queue. One Scheduler per VM instance (spec.md §4.4: "exactly one
// scheduler, never re-entered").
type Scheduler struct {
	h       *heap.Heap
	scanner *frame.Scanner
	nextID  int

	alive    []*Thread
	runnable *ring.Ring // ring of *Thread; nil when nothing is runnable
	current  *Thread

	alarms       alarmQueue
	logicalClock int64

	// monitors holds the Go-side wait queues for every inflated Monitor,
	// keyed by its current ref. Valid only within the span between the
	// ref being captured and the next collection that might move it —
	// callers that hold a monitor ref across a potential GC point must
	// re-resolve it from the owning object's mhc word first.
	monitors map[heap.Ref]*monitorQueues

	hashSeed uint32 // LCG state for identityHashCode

	wg sync.WaitGroup // tracks every spawned thread's goroutine, for Kickoff
}

// NewScheduler wires a fresh Scheduler into h, registering itself as the
// heap's stack scanner and creating the shared frame.Scanner every
// thread's Stack registers with for precise GC roots.
func NewScheduler(h *heap.Heap) *Scheduler {
	s := &Scheduler{h: h, scanner: frame.NewScanner(), hashSeed: 0x2545F491}
	h.SetStackScanner(s)
	h.SetExternalRoots(s)
	return s
}

// MarkExternalRoots implements heap.ExternalRootsProvider, composing
// frame.Scanner's per-frame root walk with the scheduler's own Go-side
// bookkeeping: every live thread's handle (a live thread is itself a
// root, independent of whether anything else points at it) plus the
// scalar-looking Go struct fields that hold heap.Ref values outside any
// frame (JavaThread instance, blocked-on/owned monitor, pending
// exception).
func (s *Scheduler) MarkExternalRoots(mark func(heap.Ref)) {
	s.scanner.MarkExternalRoots(mark)
	for _, t := range s.alive {
		if !t.alive {
			continue
		}
		mark(t.HeapRef)
		if t.JavaThread != 0 {
			mark(t.JavaThread)
		}
		if t.blockedOn != 0 {
			mark(t.blockedOn)
		}
		if t.extLockObj != 0 {
			mark(t.extLockObj)
		}
		if t.pendingException != 0 {
			mark(t.pendingException)
		}
	}
}

// RewriteExternalRoots fixes up the same fields after compaction moves
// their referents.
func (s *Scheduler) RewriteExternalRoots(rewrite func(heap.Ref) heap.Ref) {
	s.scanner.RewriteExternalRoots(rewrite)
	for _, t := range s.alive {
		if !t.alive {
			continue
		}
		t.HeapRef = rewrite(t.HeapRef)
		if t.JavaThread != 0 {
			t.JavaThread = rewrite(t.JavaThread)
		}
		if t.blockedOn != 0 {
			t.blockedOn = rewrite(t.blockedOn)
		}
		if t.extLockObj != 0 {
			t.extLockObj = rewrite(t.extLockObj)
		}
		if t.pendingException != 0 {
			t.pendingException = rewrite(t.pendingException)
		}
	}
	s.rekeyMonitors(rewrite)
}

// rekeyMonitors moves every inflated monitor's Go-side wait-queue entry
// from its pre-compaction ref to its post-compaction one, so a monitor
// ref captured before a GC point (e.g. across MonitorEnter's blocking
// loop) still finds its queues afterward.
func (s *Scheduler) rekeyMonitors(rewrite func(heap.Ref) heap.Ref) {
	if len(s.monitors) == 0 {
		return
	}
	moved := make(map[heap.Ref]*monitorQueues, len(s.monitors))
	for old, q := range s.monitors {
		moved[rewrite(old)] = q
	}
	s.monitors = moved
}

// Spawn creates a new thread bound to javaThreadRef with priority and a
// fresh chunked call stack, in the JustBorn state (not yet runnable
// until Start).
func (s *Scheduler) Spawn(javaThreadRef heap.Ref, priority int, chunkSizeCells int) *Thread {
	s.nextID++
	t := &Thread{
		ID:         s.nextID,
		JavaThread: javaThreadRef,
		Stack:      frame.NewStack(s.h, chunkSizeCells),
		Priority:   priority,
		Timeslice:  priority * TimesliceFactor,
		State:      JustBorn,
		turn:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		alive:      true,
	}
	t.HeapRef = s.h.Allocate(1, heap.Thread)
	s.alive = append(s.alive, t)
	s.scanner.Register(t.Stack)
	return t
}

// Start launches a JustBorn thread's goroutine, running body to
// completion, and makes it runnable. body is expected to be
// internal/interp's bytecode dispatch loop for t; its own call stack IS
// t's saved continuation across every future SwitchThread. Start
// returns immediately — body does not begin executing until some
// SwitchThread call hands t its turn.
func (s *Scheduler) Start(t *Thread, body func()) {
	if t.State != JustBorn {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		<-t.turn
		body()
		s.Terminate(t)
		s.handOffFinal()
	}()
	t.State = Active
	s.enqueueRunnable(t)
}

func (s *Scheduler) enqueueRunnable(t *Thread) {
	r := ring.New(1)
	r.Value = t
	if s.runnable == nil {
		s.runnable = r
	} else {
		s.runnable.Prev().Link(r)
	}
}

// dequeueRunnable pops and returns the head of the runnable ring.
// Callers must check s.runnable != nil first.
func (s *Scheduler) dequeueRunnable() *Thread {
	head := s.runnable
	if head.Next() == head {
		s.runnable = nil
	} else {
		s.runnable = head.Next()
		head.Prev().Unlink(1)
	}
	return head.Value.(*Thread)
}

// Current returns the thread presently given the processor, or nil if
// no thread is running (areActiveThreads() false, in thread.h's terms).
func (s *Scheduler) Current() *Thread { return s.current }

// Kickoff blocks the calling goroutine (the VM's own driver, e.g.
// cmd/kvm's main, which is not itself a Thread) until every Started
// thread has run to completion; a thread that was spawned but never
// Started is not waited for. It must be called after the first
// thread has been Started; SwitchThread's idle-to-idle transitions
// otherwise have no one left to hand the processor back to.
func (s *Scheduler) Kickoff() {
	if s.current == nil && s.runnable != nil {
		s.SwitchThread()
	}
	s.wg.Wait()
}

// SwitchThread hands the processor to the next runnable thread,
// blocking the calling thread's own goroutine until it is handed the
// processor again. A still-Active caller is re-enqueued first (this is
// what Yield relies on); a caller that called Suspend beforehand is
// not, since Suspend already took it off the runnable ring. Returns
// false only when called with nothing current and nothing runnable
// (the whole VM is idle).
func (s *Scheduler) SwitchThread() bool {
	self := s.current
	if self != nil && self.State == Active {
		s.enqueueRunnable(self)
	}
	s.fireDueAlarms()
	if s.runnable == nil {
		s.fastForwardToNextAlarm()
	}
	if s.runnable == nil {
		s.current = nil
		if self == nil {
			return false
		}
		<-self.turn
		s.current = self
		return true
	}
	next := s.dequeueRunnable()
	s.current = next
	if next == self {
		// Only the caller itself was runnable: it keeps the processor
		// without any channel traffic, since its goroutine is already
		// the one executing past this call.
		return true
	}
	next.turn <- struct{}{}
	if self != nil {
		<-self.turn
		s.current = self
	}
	return true
}

// handOffFinal is SwitchThread's dequeue-and-signal half only, used by
// a terminating thread's goroutine: it must hand the processor to
// whoever is next without then blocking on its own turn channel, since
// a dead thread's goroutine is exiting and nothing will ever signal it
// again.
func (s *Scheduler) handOffFinal() {
	s.fireDueAlarms()
	if s.runnable == nil {
		s.fastForwardToNextAlarm()
	}
	if s.runnable == nil {
		s.current = nil
		return
	}
	next := s.dequeueRunnable()
	s.current = next
	next.turn <- struct{}{}
}

// Yield cooperatively gives up the rest of the current thread's
// timeslice, same effect as SwitchThread but named for the bytecode
// that triggers it (Thread.yield()).
func (s *Scheduler) Yield() bool { return s.SwitchThread() }

// Suspend removes t from scheduling (blocked on a monitor, a wait(), or
// an alarm) without killing it. It only marks State — it must not touch
// s.current, since t's goroutine is still the one presently running,
// right up until the SwitchThread call every caller makes immediately
// after Suspend actually hands the processor to someone else and parks
// t on its own turn channel.
func (s *Scheduler) Suspend(t *Thread, st State) {
	t.State = st
}

// Resume makes a previously-suspended thread runnable again. The
// thread's goroutine does not actually regain the processor until some
// later SwitchThread call dequeues it and signals its turn channel.
func (s *Scheduler) Resume(t *Thread) {
	t.State = Active
	s.enqueueRunnable(t)
}

// Terminate marks a thread Dead and unregisters its stack from GC
// scanning. The Thread stays in s.alive; root scanning skips it by its
// alive flag.
func (s *Scheduler) Terminate(t *Thread) {
	t.State = Dead
	t.alive = false
	s.scanner.Unregister(t.Stack)
}

// AreActiveThreads mirrors thread.h's areActiveThreads(): true iff a
// thread is running or waiting to run.
func (s *Scheduler) AreActiveThreads() bool { return s.current != nil || s.runnable != nil }

// Interrupt sets the pending-interrupt flag; a thread blocked in wait()
// or sleep() wakes immediately and raises InterruptedException, per
// vmerrors.InterruptedException (spec.md §4.4 "Interrupt delivery").
func (s *Scheduler) Interrupt(t *Thread) {
	t.isPendingInterrupt = true
	if t.State == CondVarWait || t.State == Suspended {
		s.wakeFromBlock(t)
	}
}

// wakeFromBlock is Resume under the name alarm.go and Interrupt call it
// by, for a thread woken by something other than its own monitor being
// released.
func (s *Scheduler) wakeFromBlock(t *Thread) {
	s.Resume(t)
}

// checkInterrupt clears and reports a pending interrupt; callers use it
// at the top of sleep/wait to decide whether to raise
// InterruptedException instead of blocking.
func (t *Thread) checkInterrupt() bool {
	if t.isPendingInterrupt {
		t.isPendingInterrupt = false
		return true
	}
	return false
}

// ScanThreadRoots implements heap.StackScanner: the set of heap
// references reachable directly from a Thread's Go-side bookkeeping
// (its guest java.lang.Thread instance, any monitor it is blocked on or
// owns, and a pending exception), found by id-matching threadRef
// against HeapRef. Frame-local roots are handled separately through
// frame.Scanner (reached through the Scheduler's own ExternalRootsProvider,
// which delegates to it), since
// those are shared across every registered Stack regardless of which
// Thread heap handles happen to be reachable.
func (s *Scheduler) ScanThreadRoots(threadRef heap.Ref, mark func(heap.Ref)) {
	t := s.findByHeapRef(threadRef)
	if t == nil {
		return
	}
	if t.JavaThread != 0 {
		mark(t.JavaThread)
	}
	if t.blockedOn != 0 {
		mark(t.blockedOn)
	}
	if t.extLockObj != 0 {
		mark(t.extLockObj)
	}
	if t.pendingException != 0 {
		mark(t.pendingException)
	}
}

func (s *Scheduler) findByHeapRef(ref heap.Ref) *Thread {
	for _, t := range s.alive {
		if t.HeapRef == ref {
			return t
		}
	}
	return nil
}

// ByJavaThread finds the Thread whose guest java.lang.Thread instance is
// javaThreadRef, the direction native Thread methods (interrupt, and any
// future isAlive/join) need: they receive the guest object, not the
// internal handle findByHeapRef indexes by.
func (s *Scheduler) ByJavaThread(javaThreadRef heap.Ref) *Thread {
	for _, t := range s.alive {
		if t.JavaThread == javaThreadRef {
			return t
		}
	}
	return nil
}

// raise reports a scheduling failure as a plain Go error whose message
// starts with the vmerrors.Kind's class name; it is not itself a thrown
// guest exception.
func (s *Scheduler) raise(k vmerrors.Kind, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %s", k, fmt.Sprintf(format, args...))
}
