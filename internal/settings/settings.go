// Package settings reads the heap configuration of a runtime from the
// environment, an optional YAML file and an options string.
//
// Sources are applied in this order, later ones overriding earlier ones:
//
//	GC_CONFIG              path of a YAML file (see File)
//	GC_INITIAL_HEAP_SIZE   minimum heap size, like "64MB" or "1048576"
//	GC_MAXIMUM_HEAP_SIZE   maximum heap size
//	GC_NPROCS              number of GC threads
//	GC_OPTIONS             command line style flags, like "-max-heap 1GB -verbose"
package settings

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/tinygo-org/immixgc/gc"
)

// Environment variables.
const (
	EnvConfig      = "GC_CONFIG"
	EnvInitialHeap = "GC_INITIAL_HEAP_SIZE"
	EnvMaximumHeap = "GC_MAXIMUM_HEAP_SIZE"
	EnvThreads     = "GC_NPROCS"
	EnvOptions     = "GC_OPTIONS"
)

// Settings is the resolved configuration. Zero sizes and thread counts mean
// the runtime defaults.
type Settings struct {
	MinHeapSize bytesize.ByteSize
	MaxHeapSize bytesize.ByteSize
	GCThreads   int
	Verbose     bool

	// DumpFile receives a heap dump at exit, if set.
	DumpFile string
}

// File is the layout of the YAML configuration file.
type File struct {
	MinHeapSize string `yaml:"min_heap_size"`
	MaxHeapSize string `yaml:"max_heap_size"`
	GCThreads   int    `yaml:"gc_threads"`
	Verbose     bool   `yaml:"verbose"`
	DumpFile    string `yaml:"dump_file"`
}

// Load reads the settings from the process environment.
func Load() (Settings, error) {
	return LoadEnv(os.Getenv)
}

// LoadEnv reads the settings from the environment given by getenv.
func LoadEnv(getenv func(string) string) (Settings, error) {
	var s Settings
	if path := getenv(EnvConfig); path != "" {
		if err := s.readFile(path); err != nil {
			return s, err
		}
	}
	if v := getenv(EnvInitialHeap); v != "" {
		size, err := ParseSize(v)
		if err != nil {
			return s, fmt.Errorf("%s: %w", EnvInitialHeap, err)
		}
		s.MinHeapSize = size
	}
	if v := getenv(EnvMaximumHeap); v != "" {
		size, err := ParseSize(v)
		if err != nil {
			return s, fmt.Errorf("%s: %w", EnvMaximumHeap, err)
		}
		s.MaxHeapSize = size
	}
	if v := getenv(EnvThreads); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return s, fmt.Errorf("%s: invalid thread count %q", EnvThreads, v)
		}
		s.GCThreads = n
	}
	if v := getenv(EnvOptions); v != "" {
		if err := s.parseOptions(v); err != nil {
			return s, fmt.Errorf("%s: %w", EnvOptions, err)
		}
	}
	return s, nil
}

func (s *Settings) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if f.MinHeapSize != "" {
		if s.MinHeapSize, err = ParseSize(f.MinHeapSize); err != nil {
			return fmt.Errorf("%s: min_heap_size: %w", path, err)
		}
	}
	if f.MaxHeapSize != "" {
		if s.MaxHeapSize, err = ParseSize(f.MaxHeapSize); err != nil {
			return fmt.Errorf("%s: max_heap_size: %w", path, err)
		}
	}
	if f.GCThreads < 0 {
		return fmt.Errorf("%s: gc_threads: negative thread count %d", path, f.GCThreads)
	}
	s.GCThreads = f.GCThreads
	s.Verbose = f.Verbose
	s.DumpFile = f.DumpFile
	return nil
}

// parseOptions applies an options string. The string is split like a shell
// command line.
func (s *Settings) parseOptions(options string) error {
	args, err := shlex.Split(options)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet(EnvOptions, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	s.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return nil
}

// RegisterFlags defines flags for every setting on fs, with the current
// values as defaults.
func (s *Settings) RegisterFlags(fs *flag.FlagSet) {
	fs.Var((*sizeFlag)(&s.MinHeapSize), "min-heap", "initial heap size (like 1MB)")
	fs.Var((*sizeFlag)(&s.MaxHeapSize), "max-heap", "maximum heap size (default: physical memory)")
	fs.IntVar(&s.GCThreads, "threads", s.GCThreads, "number of GC threads (default: number of CPUs)")
	fs.BoolVar(&s.Verbose, "verbose", s.Verbose, "log collector activity")
	fs.StringVar(&s.DumpFile, "dump", s.DumpFile, "write a heap dump to this file at exit")
}

// Config converts the settings to a runtime configuration.
func (s Settings) Config(log *slog.Logger) gc.Config {
	return gc.Config{
		MinHeapSize: uintptr(s.MinHeapSize),
		MaxHeapSize: uintptr(s.MaxHeapSize),
		GCThreads:   s.GCThreads,
		Logger:      log,
	}
}

var errNegativeSize = errors.New("negative size")

// ParseSize parses a byte count, either a plain number or a number with a
// unit like "512KB" or "1.5GB". Units are powers of 1024.
func ParseSize(v string) (bytesize.ByteSize, error) {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "-") {
		return 0, fmt.Errorf("%q: %w", v, errNegativeSize)
	}
	if n, err := strconv.ParseUint(v, 10, 64); err == nil {
		return bytesize.ByteSize(n), nil
	}
	size, err := bytesize.Parse(strings.ToUpper(v))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", v, err)
	}
	return size, nil
}

// sizeFlag is a flag.Value accepting the formats of ParseSize.
type sizeFlag bytesize.ByteSize

func (f *sizeFlag) String() string {
	if f == nil || *f == 0 {
		return ""
	}
	return bytesize.ByteSize(*f).String()
}

func (f *sizeFlag) Set(v string) error {
	size, err := ParseSize(v)
	if err != nil {
		return err
	}
	*f = sizeFlag(size)
	return nil
}
