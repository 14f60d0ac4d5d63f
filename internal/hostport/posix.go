package hostport

import (
	"math/rand"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SystemClock implements Clock against the host wall clock.
type SystemClock struct{}

func (SystemClock) CurrentTimeMillis() int64 { return time.Now().UnixMilli() }

// MathRandom implements Random with a process-lifetime PRNG, matching
// the original's unspecified-algorithm requirement (spec.md §6 only
// contracts the signature, not the generator).
type MathRandom struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewMathRandom seeds a Random from seed; callers wanting nondeterministic
// output should seed from SystemClock.CurrentTimeMillis().
func NewMathRandom(seed int64) *MathRandom {
	return &MathRandom{rng: rand.New(rand.NewSource(seed))}
}

func (m *MathRandom) RandomInt() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Int31()
}

// ConsoleStdout implements Stdout by writing directly to the process's
// standard output, unbuffered to match "writeByte(byte)"'s one-call-per-
// byte contract.
type ConsoleStdout struct{ f *os.File }

// NewConsoleStdout wraps f (typically os.Stdout).
func NewConsoleStdout(f *os.File) *ConsoleStdout { return &ConsoleStdout{f: f} }

func (c *ConsoleStdout) WriteByte(b byte) { c.f.Write([]byte{b}) }

// MutexCriticalSection implements CriticalSection with a plain mutex,
// sufficient since this core's asynchronous-native completion path is
// the only other writer of the alarm queue and never re-enters.
type MutexCriticalSection struct{ mu sync.Mutex }

func (c *MutexCriticalSection) Enter() { c.mu.Lock() }
func (c *MutexCriticalSection) Exit()  { c.mu.Unlock() }

// MmapMemory implements Memory by mapping one anonymous, non-file-backed
// region per request via unix.Mmap, reinterpreted as a []uint32 so the
// collected and permanent heap regions (internal/heap.NewOverCells) sit
// in memory the Go garbage collector never scans — the collector traces
// the VM heap itself via the exact mark/sweep/compact machinery of
// spec.md §4.1, not Go's own GC, so double-scanning raw Java object
// bytes as Go pointers would be both wasted work and unsafe.
type MmapMemory struct{}

// mmapHandle is the release handle FreeHeap expects back; it retains the
// original byte-slice view since unix.Munmap needs the exact mapping,
// not a reslice of it.
type mmapHandle struct {
	raw []byte
}

func (MmapMemory) AllocateHeap(requestedCells int) ([]uint32, interface{}) {
	want := requestedCells * 4
	raw, err := unix.Mmap(-1, 0, want, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	for err != nil && want > 4*64 {
		// The host may grant less than requested (spec.md §6); back off
		// by half and retry before giving up entirely.
		want /= 2
		raw, err = unix.Mmap(-1, 0, want, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	}
	if err != nil {
		return nil, nil
	}
	cells := unsafe.Slice((*uint32)(unsafe.Pointer(&raw[0])), len(raw)/4)
	return cells, &mmapHandle{raw: raw}
}

func (MmapMemory) FreeHeap(handle interface{}) {
	h, ok := handle.(*mmapHandle)
	if !ok || h == nil {
		return
	}
	unix.Munmap(h.raw)
}
