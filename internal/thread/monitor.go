package thread

import (
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// monitorHashOffset and monitorDepthOffset are the scalar cells
// following a Monitor object's heap.MonitorRefCells reference prefix
// (owner, monitor-waitq head, condvar-waitq head): the inflated
// monitor's identity hash code and nesting depth (spec.md §3's
// monitorStruct, mirrored in original_source's thread.h).
const (
	monitorHashOffset  = heap.MonitorRefCells
	monitorDepthOffset = heap.MonitorRefCells + 1
	monitorCells       = heap.MonitorRefCells + 2
)

// nextHash advances the identity-hash LCG (spec.md §4.4 "identity hash
// codes are produced by a simple linear congruential generator, never
// zero"), grounded on the constants thread.c seeds Object.hashCode with.
func (s *Scheduler) nextHash() uint32 {
	for {
		s.hashSeed = s.hashSeed*1103515245 + 12345
		if h := s.hashSeed & 0x3FFFFFFF; h != 0 {
			return h
		}
	}
}

// inflate allocates a Monitor object for objRef, migrating whatever lock
// state objRef's mhc word already carries (unlocked, simple, or
// extended) into the new Monitor, and rewrites objRef's mhc word to
// MHC_MONITOR pointing at it. The caller is holding whatever lock
// objRef had before the call.
func (s *Scheduler) inflate(objRef heap.Ref, owner *Thread, depth int, hash uint32) heap.Ref {
	m := s.h.Allocate(monitorCells, heap.Monitor)
	s.h.SetCell(m, 0, uint32(owner.HeapRef))
	s.h.SetCell(m, monitorHashOffset, hash)
	s.h.SetCell(m, monitorDepthOffset, uint32(depth))
	word := heap.MakeMHCWord(heap.MHCMonitor, uint32(m))
	s.h.SetCell(objRef, heap.MHCWordOffset, word)
	return m
}

func (s *Scheduler) monitorOwner(m heap.Ref) heap.Ref   { return heap.Ref(s.h.GetCell(m, 0)) }
func (s *Scheduler) monitorDepth(m heap.Ref) int         { return int(s.h.GetCell(m, monitorDepthOffset)) }
func (s *Scheduler) setMonitorDepth(m heap.Ref, d int)   { s.h.SetCell(m, monitorDepthOffset, uint32(d)) }
func (s *Scheduler) setMonitorOwner(m heap.Ref, t heap.Ref) { s.h.SetCell(m, 0, uint32(t)) }

// monitorWaitQueue and condvarWaitQueue are kept Go-side, keyed by the
// Monitor object's current ref; rekeyMonitors (thread.go) moves them after
// any compaction that moved the Monitor (the scheduler is
// never re-entered mid-collection, so a ref captured at the top of
// monitorEnter/wait/notify remains valid for that call's duration).
type monitorQueues struct {
	monitorWaitQ []*Thread
	condvarWaitQ []*Thread
}

func (s *Scheduler) queues(m heap.Ref) *monitorQueues {
	if s.monitors == nil {
		s.monitors = make(map[heap.Ref]*monitorQueues)
	}
	q, ok := s.monitors[m]
	if !ok {
		q = &monitorQueues{}
		s.monitors[m] = q
	}
	return q
}

// MonitorEnter implements the four-state lock-word acquisition spec.md
// §4.4 describes: simple lock on first uncontended entry, extended lock
// for same-thread reentrancy (one outstanding extended lock per thread,
// matching thread.h's single extendedLock field), inflation to a full
// Monitor on contention or on a second distinct object wanting an
// extended lock, and blocking on the monitor's wait queue when another
// thread owns it.
func (s *Scheduler) MonitorEnter(objRef heap.Ref, t *Thread) error {
	word := s.h.GetCell(objRef, heap.MHCWordOffset)
	switch heap.MHCTagOf(word) {
	case heap.MHCUnlocked:
		if hash := heap.MHCPayload(word); hash != 0 {
			// A simple lock has no room for a hash code; an object
			// that already has one (identityHashCode was called
			// while unlocked) must go straight to an extended lock
			// so the hash survives the lock/unlock round trip.
			if t.extLockObj != 0 && t.extLockObj != objRef {
				m := s.inflate(objRef, t, 1, hash)
				s.setMonitorDepth(m, 1)
				return nil
			}
			t.extLockObj = objRef
			t.extLockDepth = 1
			t.extLockHash = hash
			s.h.SetCell(objRef, heap.MHCWordOffset, heap.MakeMHCWord(heap.MHCExtendedLock, uint32(t.HeapRef)))
			return nil
		}
		s.h.SetCell(objRef, heap.MHCWordOffset, heap.MakeMHCWord(heap.MHCSimpleLock, uint32(t.HeapRef)))
		return nil

	case heap.MHCSimpleLock:
		owner := heap.Ref(heap.MHCPayload(word))
		if owner == t.HeapRef {
			if t.extLockObj != 0 && t.extLockObj != objRef {
				// This thread already holds a different object's
				// extended lock; thread.h allows only one, so force
				// this object straight to a real Monitor instead.
				m := s.inflate(objRef, t, 2, 0)
				s.setMonitorDepth(m, 2)
				return nil
			}
			t.extLockObj = objRef
			t.extLockDepth = 2
			t.extLockHash = 0
			s.h.SetCell(objRef, heap.MHCWordOffset, heap.MakeMHCWord(heap.MHCExtendedLock, uint32(t.HeapRef)))
			return nil
		}
		ownerThread := s.findByHeapRef(owner)
		if ownerThread == nil {
			return s.raise(vmerrors.InternalVMError, "monitorenter: simple-lock owner thread not found")
		}
		m := s.inflate(objRef, ownerThread, 1, 0)
		// blockOnMonitor only returns once MonitorExit's handoff has
		// granted this thread ownership at depth 1, so there is
		// nothing left to re-check through the switch above.
		s.blockOnMonitor(objRef, m, t)
		return nil

	case heap.MHCExtendedLock:
		owner := heap.Ref(heap.MHCPayload(word))
		if owner == t.HeapRef {
			t.extLockDepth++
			return nil
		}
		ownerThread := s.findByHeapRef(owner)
		if ownerThread == nil {
			return s.raise(vmerrors.InternalVMError, "monitorenter: extended-lock owner thread not found")
		}
		m := s.inflate(objRef, ownerThread, ownerThread.extLockDepth, ownerThread.extLockHash)
		ownerThread.extLockObj = 0
		ownerThread.extLockDepth = 0
		s.blockOnMonitor(objRef, m, t)
		return nil

	case heap.MHCMonitor:
		m := heap.Ref(heap.MHCPayload(word))
		owner := s.monitorOwner(m)
		if owner == 0 {
			s.setMonitorOwner(m, t.HeapRef)
			s.setMonitorDepth(m, 1)
			return nil
		}
		if owner == t.HeapRef {
			s.setMonitorDepth(m, s.monitorDepth(m)+1)
			return nil
		}
		s.blockOnMonitor(objRef, m, t)
		return nil
	}
}

// blockOnMonitor suspends t on m's entry queue and switches the
// processor away; it returns once t has been granted ownership by
// MonitorExit's handoff.
func (s *Scheduler) blockOnMonitor(objRef, m heap.Ref, t *Thread) {
	q := s.queues(m)
	q.monitorWaitQ = append(q.monitorWaitQ, t)
	t.blockedOn = objRef
	s.Suspend(t, MonitorWait)
	s.SwitchThread()
	t.blockedOn = 0
}

// MonitorExit releases one level of whatever lock state objRef
// currently carries, raising IllegalMonitorState if t does not hold it
// (spec.md §7 "monitorexit on an object the current thread does not
// own").
func (s *Scheduler) MonitorExit(objRef heap.Ref, t *Thread) error {
	word := s.h.GetCell(objRef, heap.MHCWordOffset)
	switch heap.MHCTagOf(word) {
	case heap.MHCSimpleLock:
		if heap.Ref(heap.MHCPayload(word)) != t.HeapRef {
			return s.raise(vmerrors.IllegalMonitorState, "monitorexit: not the simple-lock owner")
		}
		// A simple lock only ever forms over an object with no hash code
		// yet (MonitorEnter routes already-hashed objects to an extended
		// lock instead), so unlocking always returns to hash 0.
		s.h.SetCell(objRef, heap.MHCWordOffset, heap.MakeMHCWord(heap.MHCUnlocked, 0))
		return nil

	case heap.MHCExtendedLock:
		if heap.Ref(heap.MHCPayload(word)) != t.HeapRef {
			return s.raise(vmerrors.IllegalMonitorState, "monitorexit: not the extended-lock owner")
		}
		t.extLockDepth--
		if t.extLockDepth <= 0 {
			// extLockDepth counts every nested enter, so reaching 0 here
			// is the object's last outstanding lock level — it goes all
			// the way back to unlocked, carrying forward any hash code
			// minted while the lock was held (MHC_UNLOCKED still needs
			// its payload, MHC_SIMPLE_LOCK has nowhere to put one).
			hash := t.extLockHash
			t.extLockObj = 0
			t.extLockDepth = 0
			t.extLockHash = 0
			s.h.SetCell(objRef, heap.MHCWordOffset, heap.MakeMHCWord(heap.MHCUnlocked, hash))
		}
		return nil

	case heap.MHCMonitor:
		m := heap.Ref(heap.MHCPayload(word))
		if s.monitorOwner(m) != t.HeapRef {
			return s.raise(vmerrors.IllegalMonitorState, "monitorexit: not the monitor owner")
		}
		depth := s.monitorDepth(m) - 1
		s.setMonitorDepth(m, depth)
		if depth > 0 {
			return nil
		}
		q := s.queues(m)
		if len(q.monitorWaitQ) == 0 {
			s.setMonitorOwner(m, 0)
			return nil
		}
		next := q.monitorWaitQ[0]
		q.monitorWaitQ = q.monitorWaitQ[1:]
		s.setMonitorOwner(m, next.HeapRef)
		s.setMonitorDepth(m, 1)
		s.Resume(next)
		return nil

	default:
		return s.raise(vmerrors.IllegalMonitorState, "monitorexit: object is not locked")
	}
}

// Wait implements Object.wait(timeoutMillis): the calling thread must
// hold objRef's monitor (inflating a simple/extended lock to a full
// Monitor first if needed, since a condvar queue requires one), releases
// it fully, blocks until notified/timed-out/interrupted, then
// re-acquires it at the same nesting depth (spec.md §4.4 "wait
// releases and later restores the full lock count").
func (s *Scheduler) Wait(objRef heap.Ref, t *Thread, timeoutMillis int64) error {
	word := s.h.GetCell(objRef, heap.MHCWordOffset)
	var m heap.Ref
	var savedDepth int
	switch heap.MHCTagOf(word) {
	case heap.MHCSimpleLock:
		if heap.Ref(heap.MHCPayload(word)) != t.HeapRef {
			return s.raise(vmerrors.IllegalMonitorState, "wait: lock not held")
		}
		m = s.inflate(objRef, t, 1, 0)
		savedDepth = 1
	case heap.MHCExtendedLock:
		if heap.Ref(heap.MHCPayload(word)) != t.HeapRef {
			return s.raise(vmerrors.IllegalMonitorState, "wait: lock not held")
		}
		m = s.inflate(objRef, t, t.extLockDepth, t.extLockHash)
		savedDepth = t.extLockDepth
		t.extLockObj = 0
		t.extLockDepth = 0
	case heap.MHCMonitor:
		m = heap.Ref(heap.MHCPayload(word))
		if s.monitorOwner(m) != t.HeapRef {
			return s.raise(vmerrors.IllegalMonitorState, "wait: lock not held")
		}
		savedDepth = s.monitorDepth(m)
	default:
		return s.raise(vmerrors.IllegalMonitorState, "wait: object is not locked")
	}

	if t.checkInterrupt() {
		return s.raise(vmerrors.InterruptedException, "wait: interrupted before blocking")
	}

	q := s.queues(m)
	q.condvarWaitQ = append(q.condvarWaitQ, t)
	s.setMonitorDepth(m, 0)
	next := q.monitorWaitQ
	if len(next) > 0 {
		head := next[0]
		q.monitorWaitQ = next[1:]
		s.setMonitorOwner(m, head.HeapRef)
		s.setMonitorDepth(m, 1)
		s.Resume(head)
	} else {
		s.setMonitorOwner(m, 0)
	}

	t.blockedOn = objRef
	s.Suspend(t, CondVarWait)
	if timeoutMillis > 0 {
		s.scheduleAlarm(t, timeoutMillis)
	}
	s.SwitchThread()
	t.blockedOn = 0

	interrupted := t.checkInterrupt()
	if err := s.MonitorEnter(objRef, t); err != nil {
		return err
	}
	// Re-acquiring landed at depth 1 (a fresh owner) or 2 (MonitorExit's
	// handoff had already made t the owner at depth 1 and MonitorEnter
	// counted one more); restore the caller's original nesting depth.
	word = s.h.GetCell(objRef, heap.MHCWordOffset)
	if heap.MHCTagOf(word) == heap.MHCMonitor {
		s.setMonitorDepth(heap.Ref(heap.MHCPayload(word)), savedDepth)
	}
	if interrupted {
		return s.raise(vmerrors.InterruptedException, "wait: interrupted")
	}
	return nil
}

// timeoutCondvarWait is the alarm-driven half of a timed wait(): it
// finds which monitor t is parked on and moves it off the condvar
// queue, granting it ownership directly if the monitor is currently
// free (nobody else is left to hand it off via MonitorExit) or else
// queuing it on the entry queue like a notify would.
func (s *Scheduler) timeoutCondvarWait(t *Thread) {
	objRef := t.blockedOn
	if objRef == 0 {
		return
	}
	word := s.h.GetCell(objRef, heap.MHCWordOffset)
	if heap.MHCTagOf(word) != heap.MHCMonitor {
		return
	}
	m := heap.Ref(heap.MHCPayload(word))
	q := s.queues(m)
	for i, w := range q.condvarWaitQ {
		if w != t {
			continue
		}
		q.condvarWaitQ = append(q.condvarWaitQ[:i], q.condvarWaitQ[i+1:]...)
		if s.monitorOwner(m) == 0 {
			s.setMonitorOwner(m, t.HeapRef)
			s.setMonitorDepth(m, 1)
			s.wakeFromBlock(t)
		} else {
			q.monitorWaitQ = append(q.monitorWaitQ, t)
			t.State = MonitorWait
		}
		return
	}
}

// Notify and NotifyAll move one (or every) thread off m's condvar queue
// onto its monitor-entry queue, matching Object.notify()/notifyAll()'s
// "does not release the lock" semantics — the woken thread still has to
// win MonitorExit's handoff or re-contend once the notifier exits.
func (s *Scheduler) Notify(objRef heap.Ref, t *Thread) error {
	m, err := s.ownedMonitor(objRef, t)
	if err != nil {
		return err
	}
	q := s.queues(m)
	if len(q.condvarWaitQ) == 0 {
		return nil
	}
	woken := q.condvarWaitQ[0]
	q.condvarWaitQ = q.condvarWaitQ[1:]
	s.wakeToMonitorQueue(m, q, woken)
	return nil
}

func (s *Scheduler) NotifyAll(objRef heap.Ref, t *Thread) error {
	m, err := s.ownedMonitor(objRef, t)
	if err != nil {
		return err
	}
	q := s.queues(m)
	woken := q.condvarWaitQ
	q.condvarWaitQ = nil
	for _, w := range woken {
		s.wakeToMonitorQueue(m, q, w)
	}
	return nil
}

// wakeToMonitorQueue moves a condvar-waiter into contention for m's
// lock: granted directly and made runnable if nobody owns it, otherwise
// queued on the entry queue exactly like a fresh contender, to be made
// runnable by MonitorExit's handoff — notify()/notifyAll() only release the condvar wait, not
// the lock itself, so a woken thread still has to win entry before its
// Wait call returns.
func (s *Scheduler) wakeToMonitorQueue(m heap.Ref, q *monitorQueues, woken *Thread) {
	if s.monitorOwner(m) == 0 {
		s.setMonitorOwner(m, woken.HeapRef)
		s.setMonitorDepth(m, 1)
		s.wakeFromBlock(woken)
		return
	}
	q.monitorWaitQ = append(q.monitorWaitQ, woken)
	woken.State = MonitorWait
}

func (s *Scheduler) ownedMonitor(objRef heap.Ref, t *Thread) (heap.Ref, error) {
	word := s.h.GetCell(objRef, heap.MHCWordOffset)
	if heap.MHCTagOf(word) != heap.MHCMonitor {
		// notify()/wait() on a never-contended object means nobody could
		// possibly be waiting; still an error unless the caller holds it.
		if heap.MHCTagOf(word) == heap.MHCUnlocked {
			return 0, s.raise(vmerrors.IllegalMonitorState, "notify: object is not locked")
		}
		if heap.Ref(heap.MHCPayload(word)) == t.HeapRef {
			// A thin lock held by the caller is inflated, as Wait does,
			// so there is a Monitor whose (empty) queues to use.
			if heap.MHCTagOf(word) == heap.MHCSimpleLock {
				return s.inflate(objRef, t, 1, 0), nil
			}
			m := s.inflate(objRef, t, t.extLockDepth, t.extLockHash)
			t.extLockObj, t.extLockDepth, t.extLockHash = 0, 0, 0
			return m, nil
		}
	}
	m := heap.Ref(heap.MHCPayload(word))
	if heap.MHCTagOf(word) != heap.MHCMonitor || s.monitorOwner(m) != t.HeapRef {
		return 0, s.raise(vmerrors.IllegalMonitorState, "notify: current thread is not the owner")
	}
	return m, nil
}

// IdentityHashCode returns objRef's Object.hashCode(), minting one via
// the scheduler's LCG on first use and inflating a simple lock to an
// extended one (or straight to a Monitor, per the single-extended-lock-
// per-thread rule) to find somewhere to store it when the object is
// already locked without a hash slot of its own (spec.md §4.4).
func (s *Scheduler) IdentityHashCode(objRef heap.Ref, t *Thread) uint32 {
	word := s.h.GetCell(objRef, heap.MHCWordOffset)
	switch tag := heap.MHCTagOf(word); tag {
	case heap.MHCUnlocked:
		if hash := heap.MHCPayload(word); hash != 0 {
			return hash
		}
		hash := s.nextHash()
		s.h.SetCell(objRef, heap.MHCWordOffset, heap.MakeMHCWord(heap.MHCUnlocked, hash))
		return hash

	case heap.MHCSimpleLock:
		owner := heap.Ref(heap.MHCPayload(word))
		ownerThread := s.findByHeapRef(owner)
		hash := s.nextHash()
		if ownerThread != nil && ownerThread.extLockObj == 0 {
			ownerThread.extLockObj = objRef
			ownerThread.extLockDepth = 2
			ownerThread.extLockHash = hash
			s.h.SetCell(objRef, heap.MHCWordOffset, heap.MakeMHCWord(heap.MHCExtendedLock, owner))
			return hash
		}
		if ownerThread != nil {
			m := s.inflate(objRef, ownerThread, 1, hash)
			_ = m
		}
		return hash

	case heap.MHCExtendedLock:
		owner := heap.Ref(heap.MHCPayload(word))
		if ownerThread := s.findByHeapRef(owner); ownerThread != nil {
			if ownerThread.extLockHash == 0 {
				ownerThread.extLockHash = s.nextHash()
			}
			return ownerThread.extLockHash
		}
		return s.nextHash()

	case heap.MHCMonitor:
		m := heap.Ref(heap.MHCPayload(word))
		hash := s.h.GetCell(m, monitorHashOffset)
		if hash == 0 {
			hash = s.nextHash()
			s.h.SetCell(m, monitorHashOffset, hash)
		}
		return hash
	}
	return 0
}
