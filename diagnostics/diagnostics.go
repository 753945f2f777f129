// Package diagnostics formats runtime and tool errors and prints them in a
// consistent way.
package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tinygo-org/immixgc/gc"
)

// A single diagnostic.
type Diagnostic struct {
	Kind gc.Kind // 0 for errors that don't come from the runtime
	Op   string
	Path string // file involved in the failure, if any
	Msg  string

	// Causes holds the messages of the wrapped errors, outermost first.
	Causes []string
}

// Diagnostics of a whole run, sorted so that runtime failures come first.
type ProgramDiagnostic []Diagnostic

// CreateDiagnostics reads the underlying errors in the error object and creates
// a set of diagnostics that's sorted and can be readily printed.
func CreateDiagnostics(err error) ProgramDiagnostic {
	if err == nil {
		return nil
	}
	var diags ProgramDiagnostic
	for _, err := range flatten(err) {
		diags = append(diags, createDiagnostic(err))
	}
	sort.SliceStable(diags, func(i, j int) bool {
		ki, kj := diags[i].Kind, diags[j].Kind
		if (ki == 0) != (kj == 0) {
			return ki != 0
		}
		if ki != kj {
			return ki < kj
		}
		return diags[i].Op < diags[j].Op
	})
	return diags
}

// flatten splits joined errors into their parts.
func flatten(err error) []error {
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		var errs []error
		for _, err := range multi.Unwrap() {
			if err != nil {
				errs = append(errs, flatten(err)...)
			}
		}
		return errs
	}
	return []error{err}
}

func createDiagnostic(err error) Diagnostic {
	var diag Diagnostic
	var gcErr *gc.Error
	if errors.As(err, &gcErr) {
		diag.Kind = gcErr.Kind
		diag.Op = gcErr.Op
		diag.Msg = gcErr.Kind.String()
		err = gcErr.Err
	} else if pathErr, ok := err.(*fs.PathError); ok {
		diag.Op = pathErr.Op
		diag.Path = pathErr.Path
		diag.Msg = pathErr.Err.Error()
		return diag
	} else {
		diag.Msg = own(err)
		err = errors.Unwrap(err)
	}
	for ; err != nil; err = errors.Unwrap(err) {
		if pathErr, ok := err.(*fs.PathError); ok && diag.Path == "" {
			diag.Path = pathErr.Path
			if diag.Op == "" {
				diag.Op = pathErr.Op
			}
			continue
		}
		if msg := own(err); msg != "" {
			diag.Causes = append(diag.Causes, msg)
		}
	}
	return diag
}

// own returns the part of the message of err that isn't repeated from the
// error it wraps.
func own(err error) string {
	msg := err.Error()
	if inner := errors.Unwrap(err); inner != nil {
		msg = strings.TrimSuffix(msg, inner.Error())
		msg = strings.TrimSuffix(msg, ": ")
	}
	return msg
}

// Printer writes diagnostics, optionally with ANSI colours.
type Printer struct {
	Color bool
	WD    string // paths are made relative to this directory, if set
}

const (
	colorRed    = "\x1b[31m"
	colorYellow = "\x1b[33m"
	colorReset  = "\x1b[0m"
)

// Write program diagnostics to the given writer.
func (p Printer) WriteTo(w io.Writer, progDiag ProgramDiagnostic) {
	for _, diag := range progDiag {
		p.write(w, diag)
	}
}

func (p Printer) write(w io.Writer, diag Diagnostic) {
	prefix := ""
	if diag.Kind != 0 {
		prefix = "gc: "
	}
	if diag.Op != "" {
		prefix += diag.Op + ": "
	}
	if diag.Path != "" {
		prefix += RelativePath(diag.Path, p.WD) + ": "
	}
	msg := diag.Msg
	if p.Color {
		color := colorYellow
		if diag.Kind != 0 {
			color = colorRed
		}
		msg = color + msg + colorReset
	}
	fmt.Fprintf(w, "%s%s\n", prefix, msg)
	for _, cause := range diag.Causes {
		fmt.Fprintf(w, "\t%s\n", cause)
	}
}

// RelativePath converts path into a path relative to wd if possible.
func RelativePath(path, wd string) string {
	if wd == "" || !filepath.IsAbs(path) {
		return path
	}
	// Ignore any errors in the process (falling back to the absolute path).
	rel, err := filepath.Rel(wd, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
