package hostport

import (
	"net"
	"testing"
	"time"

	"golang.org/x/net/nettest"
)

// TestAsyncCompletionsOverLoopbackConn exercises the suspend/resume/
// critical-section protocol (spec.md §5) against a genuine loopback TCP
// connection rather than a hand-rolled fake, so the completion timing is
// real I/O, not a synchronous stand-in for it.
func TestAsyncCompletionsOverLoopbackConn(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("nettest.NewLocalListener: %v", err)
	}
	defer ln.Close()

	cs := &MutexCriticalSection{}
	completions := NewAsyncCompletions(cs)

	// The "native routine" suspends the calling thread and hands a host
	// goroutine the job of watching the connection; on completion that
	// goroutine is the one enqueuing the result, exactly as spec.md §5
	// describes for a real asynchronous native.
	resumed := make(chan int32, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1)
		n, err := conn.Read(buf)
		if err != nil || n != 1 {
			return
		}
		completions.Enqueue(PendingCompletion{Apply: func() {
			resumed <- int32(buf[0])
		}})
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{42}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The interpreter's scheduling loop polls Drain once per reschedule
	// point; simulate that cadence instead of blocking directly on the
	// completion channel.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range completions.Drain() {
			c.Apply()
		}
		select {
		case v := <-resumed:
			if v != 42 {
				t.Fatalf("resumed with %d, want 42", v)
			}
			return
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	t.Fatal("timed out waiting for async completion to resume the thread")
}
