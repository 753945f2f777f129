// Command gcstress runs mutators against the collector and reports the state
// of the heap afterwards.
//
// Settings come from the GC_* environment variables (see package settings)
// and can be overridden with flags.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/tinygo-org/immixgc/diagnostics"
	"github.com/tinygo-org/immixgc/gc"
	"github.com/tinygo-org/immixgc/heapdump"
	"github.com/tinygo-org/immixgc/internal/gclayout"
	"github.com/tinygo-org/immixgc/internal/settings"
)

// Options of a stress run, on top of the runtime settings.
type Options struct {
	Mutators   int
	Rounds     int
	ListLength int
	LargeEvery int // allocate a large object every this many rounds, 0 for never
	LargeSize  int
	Collect    bool // collect explicitly at the end of every round
	HexFile    string
}

// Result summarizes a stress run.
type Result struct {
	Stats   gc.MemStats
	Cleared uint64 // weak references cleared by the collector
	Kept    uint64 // weak references whose referent survived
	Heap    string // heap map after the run
	Elapsed time.Duration
}

var (
	types = new(gclayout.Table)

	// A list node: next pointer and a scalar payload.
	nodeLayout, _ = gclayout.Inline(2, 0b01)
	weakLayout    = types.MustRegister(gclayout.Desc{Words: 1, Bitmap: []byte{1}, Weak: true, Referent: 0})
)

const (
	nodeSize   = 3 * 8
	weakSize   = 2 * 8
	stackWords = 64
)

// Run runs the stress workload on a new runtime. Failures of the mutators,
// including out of memory, are returned joined.
func Run(cfg gc.Config, opts Options, dumpFile string) (*Result, error) {
	cfg.Types = types
	r, err := gc.New(cfg)
	if err != nil {
		return nil, err
	}

	var res Result
	r.SetWeakRefHandler(func(ref gc.WeakRef) {
		if ref.Cleared {
			atomic.AddUint64(&res.Cleared, 1)
		} else {
			atomic.AddUint64(&res.Kept, 1)
		}
	})

	start := time.Now()
	var (
		mu   sync.Mutex
		errs []error
	)
	done := make([]<-chan struct{}, opts.Mutators)
	for i := range done {
		done[i] = r.Go(stackWords, func(m *gc.Mutator) {
			if err := mutate(m, opts); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	for _, ch := range done {
		<-ch
	}
	res.Elapsed = time.Since(start)

	// Report from a fresh mutator so the heap map sees a quiet heap.
	m := r.Attach(stackWords)
	if opts.Collect {
		m.Collect()
	}
	r.ReadMemStats(&res.Stats)
	if dumpFile != "" {
		if err := heapdump.WriteFile(dumpFile, heapdump.Capture(m)); err != nil {
			errs = append(errs, err)
		}
	}
	if opts.HexFile != "" {
		if err := writeHex(opts.HexFile, m); err != nil {
			errs = append(errs, err)
		}
	}
	var heapMap strings.Builder
	if err := m.DumpHeap(&heapMap); err != nil {
		errs = append(errs, err)
	}
	res.Heap = heapMap.String()
	m.Detach()

	if err := r.Close(); err != nil {
		errs = append(errs, err)
	}
	return &res, errors.Join(errs...)
}

// mutate builds and drops linked lists. A dropped list stays referenced by a
// weak reference object for one more round.
func mutate(m *gc.Mutator, opts Options) (err error) {
	defer func() {
		if v := recover(); v != nil {
			gcErr, ok := v.(*gc.Error)
			if !ok {
				panic(v)
			}
			err = gcErr
		}
	}()
	m.Push(0) // slot 1: weak reference to the previous list
	m.Push(0) // slot 0: current list
	for round := 0; round < opts.Rounds; round++ {
		if m.Slot(0) != 0 {
			w := m.Alloc(weakLayout, weakSize)
			m.SetField(w, 0, m.Slot(0))
			m.SetSlot(1, w)
			m.SetSlot(0, 0)
		}
		for i := 0; i < opts.ListLength; i++ {
			n := m.Alloc(nodeLayout, nodeSize)
			m.SetField(n, 0, m.Slot(0))
			m.SetField(n, 1, gc.Addr(round*opts.ListLength+i))
			m.SetSlot(0, n)
		}

		if opts.LargeEvery > 0 && round%opts.LargeEvery == 0 {
			m.Alloc(gclayout.NoPtrs, uintptr(opts.LargeSize))
		}
		if opts.Collect {
			m.Collect()
		}
		m.Poll()
	}
	m.Pop()
	m.Pop()
	return nil
}

func writeHex(path string, m *gc.Mutator) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := heapdump.WriteImage(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func report(w io.Writer, res *Result, color bool) {
	bold, reset := "", ""
	if color {
		bold, reset = "\x1b[1m", "\x1b[0m"
	}
	s := res.Stats
	fmt.Fprintf(w, "%sstress run%s finished in %v\n", bold, reset, res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  heap:        %d / %d bytes, %d idle, %d recyclable\n", s.HeapSys, s.HeapMax, s.HeapIdle, s.HeapRecyclable)
	fmt.Fprintf(w, "  blocks:      %d free, %d in use, %d recyclable, %d full, %d in superblocks\n",
		s.FreeBlocks, s.InUseBlocks, s.RecyclableBlocks, s.FullBlocks, s.SuperBlocks)
	fmt.Fprintf(w, "  allocated:   %d objects, %d bytes\n", s.Mallocs, s.TotalAlloc)
	fmt.Fprintf(w, "  collections: %d, paused %v (last %v)\n", s.NumGC, s.PauseTotal, s.LastPause)
	fmt.Fprintf(w, "  weak refs:   %d cleared, %d kept\n", res.Cleared, res.Kept)
	fmt.Fprintf(w, "%sheap map%s\n%s", bold, reset, res.Heap)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	color := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	var stdout, stderr io.Writer
	if color {
		stdout, stderr = colorable.NewColorableStdout(), colorable.NewColorableStderr()
	} else {
		stdout, stderr = colorable.NewNonColorable(os.Stdout), colorable.NewNonColorable(os.Stderr)
	}
	wd, _ := os.Getwd()
	printer := diagnostics.Printer{Color: color, WD: wd}
	fail := func(err error) int {
		printer.WriteTo(stderr, diagnostics.CreateDiagnostics(err))
		return 1
	}

	s, err := settings.Load()
	if err != nil {
		return fail(err)
	}
	fs := flag.NewFlagSet("gcstress", flag.ContinueOnError)
	fs.SetOutput(stderr)
	s.RegisterFlags(fs)
	opts := Options{}
	fs.IntVar(&opts.Mutators, "mutators", 4, "number of mutator goroutines")
	fs.IntVar(&opts.Rounds, "rounds", 1000, "lists built by every mutator")
	fs.IntVar(&opts.ListLength, "length", 100, "nodes per list")
	fs.IntVar(&opts.LargeEvery, "large-every", 10, "allocate a large object every this many rounds (0: never)")
	fs.IntVar(&opts.LargeSize, "large-size", 64<<10, "size of the large objects in bytes")
	fs.BoolVar(&opts.Collect, "collect", false, "collect explicitly after every round")
	fs.StringVar(&opts.HexFile, "hex", "", "write an Intel HEX image of the heap to this file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if opts.Mutators <= 0 || opts.ListLength <= 0 || (opts.LargeEvery > 0 && opts.LargeSize < 8) {
		return fail(fmt.Errorf("invalid stress parameters: %d mutators, lists of %d, large objects of %d bytes",
			opts.Mutators, opts.ListLength, opts.LargeSize))
	}

	var log *slog.Logger
	if s.Verbose {
		log = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	res, err := Run(s.Config(log), opts, s.DumpFile)
	if res != nil {
		report(stdout, res, color)
	}
	if err != nil {
		return fail(err)
	}
	return 0
}
