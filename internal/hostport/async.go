package hostport

// PendingCompletion is one asynchronous native call's finished result,
// produced by a host thread outside the interpreter's single execution
// flow (spec.md §5 "on completion a host thread enqueues the result and
// a resume request"). Apply is supplied by internal/interp; it applies
// the result (or exception) to the waiting frame and hands the thread
// back to the scheduler's runnable ring. It must not block and must not
// touch the VM heap itself — AsyncCompletions only guarantees mutual
// exclusion over the queue, not over the heap, which stays "mutated only
// by the currently executing thread" (spec.md §5) because Drain runs on
// the interpreter's own goroutine at a reschedule point.
type PendingCompletion struct {
	Apply func()
}

// AsyncCompletions is the queue the optional asynchronous-native path
// enqueues onto and the interpreter's scheduling loop drains from, both
// sides serialized through a CriticalSection exactly as spec.md §5
// describes ("guarded by the host's enterSystemCriticalSection /
// exitSystemCriticalSection primitives"). A core built with asynchronous
// natives disabled never constructs one; Drain simply never being called
// is equivalent to the feature being off.
type AsyncCompletions struct {
	cs CriticalSection
	q  []PendingCompletion
}

// NewAsyncCompletions builds a completion queue guarded by cs.
func NewAsyncCompletions(cs CriticalSection) *AsyncCompletions {
	return &AsyncCompletions{cs: cs}
}

// Enqueue is called from a host goroutine watching an I/O source once an
// asynchronous native call it was servicing completes.
func (a *AsyncCompletions) Enqueue(c PendingCompletion) {
	a.cs.Enter()
	defer a.cs.Exit()
	a.q = append(a.q, c)
}

// Drain returns and clears every completion queued since the last Drain.
// The interpreter calls this once per reschedule point (spec.md §4.3
// "the interpreter checks Timeslice-- == 0 at the top of the dispatch
// loop"), so a completion is never more than one timeslice away from
// being applied.
func (a *AsyncCompletions) Drain() []PendingCompletion {
	a.cs.Enter()
	defer a.cs.Exit()
	q := a.q
	a.q = nil
	return q
}
