package thread

import (
	"container/heap"

	"github.com/kilovm/kvm/internal/vmerrors"
)

// alarmEntry is one pending wakeup, ordered by wakeupTime (earliest
// first), grounded on thread.h's "alarm queue: threads sleeping or
// waiting with a timeout, in a priority queue ordered by wakeup time".
type alarmEntry struct {
	wakeAt int64
	t      *Thread
}

// alarmQueue is a container/heap min-heap over alarmEntry.wakeAt.
type alarmQueue []*alarmEntry

func (q alarmQueue) Len() int            { return len(q) }
func (q alarmQueue) Less(i, j int) bool  { return q[i].wakeAt < q[j].wakeAt }
func (q alarmQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *alarmQueue) Push(x interface{}) { *q = append(*q, x.(*alarmEntry)) }
func (q *alarmQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

// scheduleAlarm registers t to wake at now+delayMillis, measured against
// a monotonically increasing logical clock the scheduler advances once
// per SwitchThread call (spec.md §4.4 deliberately avoids a dependency
// on host wall-clock time in the core scheduler). A sleep() or wait()
// duration is counted in these logical ticks; internal/hostport's clock
// collaborator is not consulted.
func (s *Scheduler) scheduleAlarm(t *Thread, delayMillis int64) {
	wake := s.logicalClock + delayMillis
	t.wakeupTime = wake
	heap.Push(&s.alarms, &alarmEntry{wakeAt: wake, t: t})
}

// fireDueAlarms advances the logical clock by one tick and wakes every
// thread whose alarm has elapsed, called once per SwitchThread so a
// cooperative scheduler with no OS timer still makes timed waits
// progress as execution proceeds.
func (s *Scheduler) fireDueAlarms() {
	s.logicalClock++
	s.drainAlarmsUpTo(s.logicalClock)
	for _, job := range s.h.DrainFinalizers() {
		job.Run(job.Ref)
	}
}

// fastForwardToNextAlarm jumps the logical clock straight to the
// earliest pending alarm and fires it. SwitchThread calls this only
// when the runnable ring has just gone empty: with nothing else able
// to run, ticking the clock one step at a time would never reach a
// sleep/wait timeout that is still in the future, so the clock instead
// advances in one jump to the next point anything can happen. Reports
// whether any thread was woken.
func (s *Scheduler) fastForwardToNextAlarm() bool {
	if len(s.alarms) == 0 {
		return false
	}
	if s.alarms[0].wakeAt > s.logicalClock {
		s.logicalClock = s.alarms[0].wakeAt
	}
	return s.drainAlarmsUpTo(s.logicalClock) > 0
}

// drainAlarmsUpTo pops and wakes every alarm due at or before clock,
// returning how many fired.
func (s *Scheduler) drainAlarmsUpTo(clock int64) int {
	n := 0
	for len(s.alarms) > 0 && s.alarms[0].wakeAt <= clock {
		e := heap.Pop(&s.alarms).(*alarmEntry)
		t := e.t
		switch t.State {
		case CondVarWait:
			// A timed-out wait() re-enters the monitor's entry queue
			// exactly as a notify would, per Object.wait(timeout)'s
			// contract that timing out looks identical to being
			// notified; it must actually move queue membership, not
			// just flip State, or the monitor's own bookkeeping still
			// thinks it's parked on the condvar queue.
			s.timeoutCondvarWait(t)
			n++
		case MonitorWait, Suspended:
			s.wakeFromBlock(t)
			n++
		}
	}
	return n
}

// Sleep suspends t for delayMillis logical ticks (Thread.sleep()),
// waking early and raising InterruptedException if interrupted first.
func (s *Scheduler) Sleep(t *Thread, delayMillis int64) error {
	if t.checkInterrupt() {
		return s.raise(vmerrors.InterruptedException, "sleep: interrupted before blocking")
	}
	s.Suspend(t, Suspended)
	s.scheduleAlarm(t, delayMillis)
	s.SwitchThread()
	if t.checkInterrupt() {
		return s.raise(vmerrors.InterruptedException, "sleep: interrupted")
	}
	return nil
}
