package thread

import (
	"testing"

	"github.com/kilovm/kvm/internal/heap"
)

func newLockable(h *heap.Heap) heap.Ref {
	return h.Allocate(2, heap.Instance)
}

func TestMonitorEnterExitUncontended(t *testing.T) {
	h := heap.New(4096)
	s := NewScheduler(h)
	obj := newLockable(h)

	jt := s.Spawn(0, NormPriority, 16)
	var entered, exited bool
	s.Start(jt, func() {
		if err := s.MonitorEnter(obj, jt); err != nil {
			t.Errorf("MonitorEnter: %v", err)
		}
		word := h.GetCell(obj, heap.MHCWordOffset)
		entered = heap.MHCTagOf(word) == heap.MHCSimpleLock && heap.Ref(heap.MHCPayload(word)) == jt.HeapRef
		if err := s.MonitorExit(obj, jt); err != nil {
			t.Errorf("MonitorExit: %v", err)
		}
		word = h.GetCell(obj, heap.MHCWordOffset)
		exited = heap.MHCTagOf(word) == heap.MHCUnlocked
	})
	s.Kickoff()

	if !entered {
		t.Fatal("object was not simple-locked by the entering thread")
	}
	if !exited {
		t.Fatal("object was not left unlocked after exit")
	}
}

func TestMonitorEnterReentrant(t *testing.T) {
	h := heap.New(4096)
	s := NewScheduler(h)
	obj := newLockable(h)

	jt := s.Spawn(0, NormPriority, 16)
	var sawExtended bool
	s.Start(jt, func() {
		must(t, s.MonitorEnter(obj, jt))
		must(t, s.MonitorEnter(obj, jt)) // reentrant: promotes to an extended lock
		word := h.GetCell(obj, heap.MHCWordOffset)
		sawExtended = heap.MHCTagOf(word) == heap.MHCExtendedLock
		must(t, s.MonitorExit(obj, jt))
		must(t, s.MonitorExit(obj, jt))
	})
	s.Kickoff()

	if !sawExtended {
		t.Fatal("reentrant MonitorEnter did not promote to an extended lock")
	}
	word := h.GetCell(obj, heap.MHCWordOffset)
	if heap.MHCTagOf(word) != heap.MHCUnlocked {
		t.Fatalf("object still locked after matching exits, tag=%v", heap.MHCTagOf(word))
	}
}

// TestMonitorContentionHandsOffBetweenGoroutines spawns two threads
// contending for the same object: the first holds the lock across a
// Yield, the second blocks in MonitorEnter until the first releases it.
// This is the scenario the turn-channel handoff exists for — it only
// passes if SwitchThread genuinely parks and resumes each thread's own
// goroutine rather than simply relabeling s.current.
func TestMonitorContentionHandsOffBetweenGoroutines(t *testing.T) {
	h := heap.New(4096)
	s := NewScheduler(h)
	obj := newLockable(h)

	var order []string

	t1 := s.Spawn(0, NormPriority, 16)
	t2 := s.Spawn(0, NormPriority, 16)

	s.Start(t1, func() {
		must(t, s.MonitorEnter(obj, t1))
		order = append(order, "t1-enter")
		s.Yield()
		order = append(order, "t1-after-yield")
		must(t, s.MonitorExit(obj, t1))
		order = append(order, "t1-exit")
	})
	s.Start(t2, func() {
		must(t, s.MonitorEnter(obj, t2)) // blocks until t1 exits
		order = append(order, "t2-enter")
		must(t, s.MonitorExit(obj, t2))
	})
	s.Kickoff()

	want := []string{"t1-enter", "t1-after-yield", "t1-exit", "t2-enter"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestWaitNotifyRoundTrip(t *testing.T) {
	h := heap.New(4096)
	s := NewScheduler(h)
	obj := newLockable(h)

	var order []string

	waiter := s.Spawn(0, NormPriority, 16)
	notifier := s.Spawn(0, NormPriority, 16)

	s.Start(waiter, func() {
		must(t, s.MonitorEnter(obj, waiter))
		order = append(order, "waiter-entered")
		if err := s.Wait(obj, waiter, 0); err != nil {
			t.Errorf("Wait: %v", err)
		}
		order = append(order, "waiter-resumed")
		must(t, s.MonitorExit(obj, waiter))
	})
	s.Start(notifier, func() {
		must(t, s.MonitorEnter(obj, notifier))
		order = append(order, "notifier-entered")
		if err := s.Notify(obj, notifier); err != nil {
			t.Errorf("Notify: %v", err)
		}
		order = append(order, "notifier-notified")
		must(t, s.MonitorExit(obj, notifier))
	})
	s.Kickoff()

	want := []string{"waiter-entered", "notifier-entered", "notifier-notified", "waiter-resumed"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	word := h.GetCell(obj, heap.MHCWordOffset)
	if heap.MHCTagOf(word) != heap.MHCMonitor {
		t.Fatalf("object should remain inflated after wait/notify, tag=%v", heap.MHCTagOf(word))
	}
}

func TestNotifyAllWakesEveryWaiter(t *testing.T) {
	h := heap.New(4096)
	s := NewScheduler(h)
	obj := newLockable(h)

	const waiters = 3
	resumed := make([]bool, waiters)
	ts := make([]*Thread, waiters)
	for i := range ts {
		ts[i] = s.Spawn(0, NormPriority, 16)
	}
	notifier := s.Spawn(0, NormPriority, 16)

	for i, wt := range ts {
		i, wt := i, wt
		s.Start(wt, func() {
			must(t, s.MonitorEnter(obj, wt))
			if err := s.Wait(obj, wt, 0); err != nil {
				t.Errorf("Wait: %v", err)
			}
			resumed[i] = true
			must(t, s.MonitorExit(obj, wt))
		})
	}
	s.Start(notifier, func() {
		must(t, s.MonitorEnter(obj, notifier))
		if err := s.NotifyAll(obj, notifier); err != nil {
			t.Errorf("NotifyAll: %v", err)
		}
		must(t, s.MonitorExit(obj, notifier))
	})
	s.Kickoff()

	for i, got := range resumed {
		if !got {
			t.Fatalf("waiter %d was never resumed", i)
		}
	}
}

func TestSleepAdvancesPastOwnTimeout(t *testing.T) {
	h := heap.New(4096)
	s := NewScheduler(h)

	jt := s.Spawn(0, NormPriority, 16)
	var woke bool
	s.Start(jt, func() {
		if err := s.Sleep(jt, 50); err != nil {
			t.Errorf("Sleep: %v", err)
		}
		woke = true
	})
	s.Kickoff()

	if !woke {
		t.Fatal("sole sleeping thread never woke: fastForwardToNextAlarm did not fire")
	}
}

func TestSleepInterruptedRaises(t *testing.T) {
	h := heap.New(4096)
	s := NewScheduler(h)

	sleeper := s.Spawn(0, NormPriority, 16)
	interruptor := s.Spawn(0, NormPriority, 16)
	var sleepErr error

	s.Start(sleeper, func() {
		sleepErr = s.Sleep(sleeper, 100000)
	})
	s.Start(interruptor, func() {
		s.Yield() // let the sleeper block first
		s.Interrupt(sleeper)
	})
	s.Kickoff()

	if sleepErr == nil {
		t.Fatal("expected Sleep to return an InterruptedException-shaped error")
	}
}

func TestIdentityHashCodeAcrossLockStates(t *testing.T) {
	h := heap.New(4096)
	s := NewScheduler(h)

	t1 := s.Spawn(0, NormPriority, 16)
	var hashes [4]uint32

	s.Start(t1, func() {
		unlocked := h.Allocate(2, heap.Instance)
		hashes[0] = s.IdentityHashCode(unlocked, t1)
		if hashes[0] == 0 {
			t.Error("identity hash code must never be zero")
		}
		if got := s.IdentityHashCode(unlocked, t1); got != hashes[0] {
			t.Errorf("hash code changed across calls: %d then %d", hashes[0], got)
		}

		simple := h.Allocate(2, heap.Instance)
		must(t, s.MonitorEnter(simple, t1))
		// Minting a hash code for an already-simple-locked object has
		// nowhere to store the hash, so IdentityHashCode promotes it to
		// an extended lock (depth 2) on the spot; both levels need
		// releasing before simple is fully unlocked and t1's one
		// extended-lock slot is free again for the next sub-test.
		hashes[1] = s.IdentityHashCode(simple, t1)
		must(t, s.MonitorExit(simple, t1))
		must(t, s.MonitorExit(simple, t1))

		extended := h.Allocate(2, heap.Instance)
		must(t, s.MonitorEnter(extended, t1))
		must(t, s.MonitorEnter(extended, t1)) // reentrant -> extended lock
		hashes[2] = s.IdentityHashCode(extended, t1)
		must(t, s.MonitorExit(extended, t1))
		must(t, s.MonitorExit(extended, t1))

		// A second distinct object wanting a reentrant (extended) lock
		// while one is already outstanding forces inflation straight to
		// a real Monitor (thread.h allows only one extended lock per
		// thread), which is the only way to reach the MHCMonitor case
		// here without a second contending thread.
		held := h.Allocate(2, heap.Instance)
		must(t, s.MonitorEnter(held, t1))
		must(t, s.MonitorEnter(held, t1)) // held becomes t1's one outstanding extended lock

		monitor := h.Allocate(2, heap.Instance)
		must(t, s.MonitorEnter(monitor, t1))
		must(t, s.MonitorEnter(monitor, t1)) // inflates: held already owns the ext-lock slot
		word := h.GetCell(monitor, heap.MHCWordOffset)
		if heap.MHCTagOf(word) != heap.MHCMonitor {
			t.Fatalf("expected monitor to be inflated, tag=%v", heap.MHCTagOf(word))
		}
		hashes[3] = s.IdentityHashCode(monitor, t1)
		must(t, s.MonitorExit(monitor, t1))
		must(t, s.MonitorExit(monitor, t1))

		must(t, s.MonitorExit(held, t1))
		must(t, s.MonitorExit(held, t1))
	})
	s.Kickoff()

	for i, hc := range hashes {
		if hc == 0 {
			t.Errorf("hash[%d] = 0, want nonzero", i)
		}
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
