// Package report defines the failures a build can produce and a collector that gathers them so a single build reports
// every failing module instead of stopping at the first.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// A Phase names the stage of the pipeline that produced an entry.
type Phase string

const (
	PhaseConfig    Phase = `config`
	PhaseResolve   Phase = `resolve`
	PhaseTransform Phase = `transform`
	PhaseAllocate  Phase = `allocate`
	PhaseEmit      Phase = `emit`
)

// An Entry is the structured form of a failure reported to the invoking process.
type Entry struct {
	Phase    Phase  `json:"phase"`
	ModuleID string `json:"moduleId,omitempty"`
	Message  string `json:"message"`
}

func (e Entry) String() string {
	if e.ModuleID == `` {
		return fmt.Sprintf(`%s: %s`, e.Phase, e.Message)
	}
	return fmt.Sprintf(`%s: %s: %s`, e.Phase, e.ModuleID, e.Message)
}

// An Entrant is any error that knows how to describe itself as an Entry.
type Entrant interface {
	error
	Entry() Entry
}

// ResolutionError reports a request that did not match any root and extension combination.
type ResolutionError struct {
	Request string   // the specifier as written in the importer
	From    string   // the importing module id, empty for entries
	Tried   []string // candidate paths, in the order they were tried
}

func (e *ResolutionError) Error() string {
	if e.From == `` {
		return fmt.Sprintf(`cannot resolve entry %q`, e.Request)
	}
	return fmt.Sprintf(`cannot resolve %q from %s`, e.Request, e.From)
}

func (e *ResolutionError) Entry() Entry {
	return Entry{Phase: PhaseResolve, ModuleID: e.From, Message: e.Error()}
}

// TransformError reports a plugin failure (or timeout) in a matched chain.
type TransformError struct {
	Module string
	Rule   int // index of the matched rule, -1 for the default chain
	Plugin string
	Err    error
}

func (e *TransformError) Error() string {
	if e.Plugin == `` {
		return fmt.Sprintf(`transform %s: %v`, e.Module, e.Err)
	}
	return fmt.Sprintf(`transform %s (rule %d, %s): %v`, e.Module, e.Rule, e.Plugin, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

func (e *TransformError) Entry() Entry {
	msg := e.Err.Error()
	if e.Plugin != `` {
		msg = fmt.Sprintf(`rule %d, %s: %s`, e.Rule, e.Plugin, msg)
	}
	return Entry{Phase: PhaseTransform, ModuleID: e.Module, Message: msg}
}

// AllocationError reports enforced chunk rules that claim the same module for different target chunks.
type AllocationError struct {
	Module  string // empty when detected while validating configuration
	Targets []string
}

func (e *AllocationError) Error() string {
	if e.Module == `` {
		return fmt.Sprintf(`enforced chunk rules conflict between %s`, strings.Join(e.Targets, `, `))
	}
	return fmt.Sprintf(`%s is claimed by enforced chunks %s`, e.Module, strings.Join(e.Targets, `, `))
}

func (e *AllocationError) Entry() Entry {
	return Entry{Phase: PhaseAllocate, ModuleID: e.Module, Message: e.Error()}
}

// EmitError reports an artifact that could not be produced or written.
type EmitError struct {
	Artifact string
	Err      error
}

func (e *EmitError) Error() string { return fmt.Sprintf(`emit %s: %v`, e.Artifact, e.Err) }

func (e *EmitError) Unwrap() error { return e.Err }

func (e *EmitError) Entry() Entry {
	return Entry{Phase: PhaseEmit, ModuleID: e.Artifact, Message: e.Err.Error()}
}

// EntryOf converts any error into an entry, using phase for errors that do not describe themselves.
func EntryOf(phase Phase, err error) Entry {
	var it Entrant
	if errors.As(err, &it) {
		return it.Entry()
	}
	return Entry{Phase: phase, Message: err.Error()}
}

// A List collects errors from concurrent workers.
type List struct {
	lock sync.Mutex
	errs []error
}

// Push adds err to the list; nil errors are ignored.
func (l *List) Push(err error) {
	if err == nil {
		return
	}
	l.lock.Lock()
	l.errs = append(l.errs, err)
	l.lock.Unlock()
}

// Len returns the number of collected errors.
func (l *List) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.errs)
}

// Errors returns a copy of the collected errors.
func (l *List) Errors() []error {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]error(nil), l.errs...)
}

// Err returns nil if nothing was collected, otherwise a *Failure describing every error.
func (l *List) Err(phase Phase) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if len(l.errs) == 0 {
		return nil
	}
	f := &Failure{Errs: append([]error(nil), l.errs...)}
	for _, err := range l.errs {
		f.Entries = append(f.Entries, EntryOf(phase, err))
	}
	sort.SliceStable(f.Entries, func(i, j int) bool { return f.Entries[i].ModuleID < f.Entries[j].ModuleID })
	return errors.WithStack(f)
}

// A Failure is the unrecoverable outcome of a build.
type Failure struct {
	Entries []Entry
	Errs    []error
}

func (f *Failure) Error() string {
	if len(f.Entries) == 1 {
		return f.Entries[0].String()
	}
	return fmt.Sprintf(`%s (and %d more)`, f.Entries[0].String(), len(f.Entries)-1)
}

// Unwrap exposes the underlying errors to errors.Is and errors.As.
func (f *Failure) Unwrap() []error { return f.Errs }

// JSON renders the entries as a JSON array.
func (f *Failure) JSON() []byte {
	js, _ := json.MarshalIndent(f.Entries, ``, `  `)
	return js
}

// Entries extracts the entries from err, which may be a *Failure or a single error.
func Entries(phase Phase, err error) []Entry {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Entries
	}
	return []Entry{EntryOf(phase, err)}
}
