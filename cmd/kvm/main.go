// Kvm runs a single Java class's main method against a classpath of
// directories and JARs.
//
// Usage:
//
//	kvm [flags] <main-class>
//
// The classpath is a list of directories and JAR files separated by the
// platform's list separator (':' on Unix, ';' on Windows), exactly as
// spec.md §6 describes the loader's host contract.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilovm/kvm/internal/archive"
	"github.com/kilovm/kvm/internal/classfile"
	"github.com/kilovm/kvm/internal/heap"
	"github.com/kilovm/kvm/internal/hostport"
	"github.com/kilovm/kvm/internal/interp"
	"github.com/kilovm/kvm/internal/loader"
	"github.com/kilovm/kvm/internal/strtab"
	"github.com/kilovm/kvm/internal/thread"
	"github.com/kilovm/kvm/internal/vmerrors"
)

// Exit codes per spec.md §6 ("Exit codes").
const (
	exitOK       = 0
	exitFatal    = 127
	exitUncaught = 128
)

var (
	classpath = flag.String("classpath", ".", "colon/semicolon-separated list of directories and JARs")
	heapCells = flag.Int("heap", 1<<20, "heap size in 32-bit cells")
	useMmap   = flag.Bool("mmap", false, "back the heap with an anonymous mmap region instead of a plain Go slice")

	traceCalls    = flag.Bool("trace.calls", false, "trace method calls")
	traceFrames   = flag.Bool("trace.frames", false, "trace frame push/pop")
	traceExcept   = flag.Bool("trace.except", false, "trace exception throw/unwind")
	traceMonitors = flag.Bool("trace.monitors", false, "trace monitor enter/exit")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: kvm [flags] <main-class>\n")
	flag.PrintDefaults()
	os.Exit(exitFatal)
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("kvm: ")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
	}
	os.Exit(run(flag.Arg(0)))
}

// run loads mainClass from the configured classpath, invokes its main
// method, and returns the process exit code of spec.md §6 ("Exit
// codes"): 0 normal, 127 fatal internal error, 128 uncaught exception.
func run(mainClass string) int {
	h := newHeap()
	ld := loader.New(strtab.New())
	if err := addClasspath(ld, *classpath); err != nil {
		log.Printf("fatal: %v", err)
		return exitFatal
	}

	sched := thread.NewScheduler(h)
	vm := interp.New(h, ld, sched, hostport.NewFakeNativeMethods(),
		hostport.SystemClock{}, hostport.NewMathRandom(hostport.SystemClock{}.CurrentTimeMillis()),
		hostport.NewConsoleStdout(os.Stdout))
	wireTrace(vm)

	cls, err := ld.Lookup(mainClass)
	if err != nil {
		log.Printf("fatal: %v", err)
		return exitFatal
	}
	m, desc := findMain(ld, cls)
	if m == nil {
		log.Printf("fatal: %s: no static main method found", mainClass)
		return exitFatal
	}

	var args []uint32
	if desc == mainWithArgsDesc {
		// This core carries no java.lang.String implementation (native
		// class-library methods are an explicit external collaborator,
		// spec.md §1), so main always receives a null argument array
		// rather than one populated from os.Args.
		args = []uint32{0}
	}

	jt := sched.Spawn(0, thread.NormPriority, 4096)
	var invokeErr error
	sched.Start(jt, func() {
		_, invokeErr = vm.Invoke(jt, cls, m, args)
	})
	sched.Kickoff()

	if invokeErr == nil {
		return exitOK
	}
	if te, ok := invokeErr.(*interp.ThrownException); ok {
		name := te.Kind
		if te.Class != nil {
			name = vmerrors.Kind(te.Class.Name)
		}
		fmt.Fprintf(os.Stderr, "uncaught exception: %s: %s\n", name, te.Message)
		return exitUncaught
	}
	log.Printf("fatal: %v", invokeErr)
	return exitFatal
}

const (
	mainWithArgsDesc = "([Ljava/lang/String;)V"
	mainNoArgsDesc   = "()V"
)

// findMain looks up cls's main method, preferring the standard
// String[]-argument signature and falling back to a no-argument one so
// small test classes without a bootstrapped java.lang.String can still
// run.
func findMain(ld *loader.Loader, cls *loader.Class) (*classfile.Method, string) {
	nameKey := ld.Strings.InternString("main")
	for _, desc := range []string{mainWithArgsDesc, mainNoArgsDesc} {
		descKey := ld.Strings.InternString(desc)
		if m := cls.Methods[strtab.MakeTypeKey(nameKey, descKey)]; m != nil && m.IsStatic() {
			return m, desc
		}
	}
	return nil, ""
}

// newHeap builds the collected heap over either a plain Go slice or, if
// -mmap is set, an anonymous mapping the Go runtime's own collector
// never scans (internal/hostport's MmapMemory).
func newHeap() *heap.Heap {
	if !*useMmap {
		return heap.New(*heapCells)
	}
	cells, _ := hostport.MmapMemory{}.AllocateHeap(*heapCells)
	return heap.NewOverCells(cells)
}

// wireTrace flips on the per-subsystem loggers the -trace.* flags name,
// matching spec.md §6's "compile-time family of boolean switches" with a
// runtime equivalent: every flag defaults off and enabling it must not
// change program behaviour, only what gets logged.
func wireTrace(vm *interp.Interpreter) {
	if *traceCalls {
		vm.Trace.Calls.SetOutput(os.Stderr)
	}
	if *traceFrames {
		vm.Trace.Frames.SetOutput(os.Stderr)
	}
	if *traceExcept {
		vm.Trace.Exceptions.SetOutput(os.Stderr)
	}
	if *traceMonitors {
		vm.Trace.Monitors.SetOutput(os.Stderr)
	}
}

// addClasspath splits cp on the platform list separator and registers
// each directory or JAR entry on ld, matching spec.md §6's "colon/
// semicolon-separated classpath of directories and JARs".
func addClasspath(ld *loader.Loader, cp string) error {
	for _, entry := range strings.Split(cp, string(os.PathListSeparator)) {
		if entry == "" {
			continue
		}
		info, err := os.Stat(entry)
		if err != nil {
			return fmt.Errorf("classpath entry %q: %w", entry, err)
		}
		if info.IsDir() {
			dir := entry
			ld.AddDirectory(dir, func(name string) ([]byte, bool) {
				b, err := os.ReadFile(filepath.Join(dir, name))
				if err != nil {
					return nil, false
				}
				return b, true
			})
			continue
		}
		data, err := os.ReadFile(entry)
		if err != nil {
			return fmt.Errorf("classpath entry %q: %w", entry, err)
		}
		r, err := archive.Open(data)
		if err != nil {
			return fmt.Errorf("classpath entry %q: %w", entry, err)
		}
		ld.AddJAR(r)
	}
	return nil
}
