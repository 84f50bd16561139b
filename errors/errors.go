package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which step of a load or call produced the error
type Phase string

const (
	PhaseFetch    Phase = "fetch"    // resolving a module source to bytes
	PhaseCompile  Phase = "compile"  // decoding and validating the binary
	PhaseLink     Phase = "link"     // matching the import table against declared imports
	PhaseStart    Phase = "start"    // running the start routine
	PhaseRuntime  Phase = "runtime"  // calls into a live instance
	PhaseHost     Phase = "host"     // import table construction
	PhaseConfig   Phase = "config"   // loader configuration
	PhaseParse    Phase = "parse"    // wasm binary parsing
	PhaseInstance Phase = "instance" // instantiation inside the engine
)

// Kind categorizes the error
type Kind string

// Load failure kinds. Every failed Load carries exactly one of these.
const (
	KindFetchFailed    Kind = "fetch_failed"
	KindInvalidModule  Kind = "invalid_module"
	KindImportMismatch Kind = "import_mismatch"
	KindStartFailed    Kind = "start_failed"
)

// Runtime and construction kinds.
const (
	KindTypeMismatch Kind = "type_mismatch"
	KindOutOfBounds  Kind = "out_of_bounds"
	KindUnsupported  Kind = "unsupported"
	KindAllocation   Kind = "allocation"
	KindNotFound     Kind = "not_found"
	KindInvalidInput Kind = "invalid_input"
	KindClosed       Kind = "closed"
	KindTrap         Kind = "trap"
	KindDuplicate    Kind = "duplicate"
)

// Sentinels for errors.Is. They match any *Error of the same Kind,
// regardless of phase.
var (
	ErrFetchFailed    = &Error{Kind: KindFetchFailed}
	ErrInvalidModule  = &Error{Kind: KindInvalidModule}
	ErrImportMismatch = &Error{Kind: KindImportMismatch}
	ErrStartFailed    = &Error{Kind: KindStartFailed}
	ErrClosed         = &Error{Kind: KindClosed}
	ErrOutOfBounds    = &Error{Kind: KindOutOfBounds}
	ErrNotFound       = &Error{Kind: KindNotFound}
)

// Error is the structured error type used throughout the loader
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. A target without a phase
// matches on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the export or import path the error refers to
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// FetchFailed reports a source that could not be resolved to bytes.
func FetchFailed(locator string, cause error) *Error {
	return &Error{
		Phase:  PhaseFetch,
		Kind:   KindFetchFailed,
		Detail: fmt.Sprintf("fetch %q", locator),
		Cause:  cause,
		Value:  locator,
	}
}

// InvalidModule reports bytes that are not a valid module, or a module
// lacking a required export.
func InvalidModule(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindInvalidModule,
		Detail: detail,
		Cause:  cause,
	}
}

// StartFailed reports a start routine that trapped or could not be invoked.
func StartFailed(name string, cause error) *Error {
	return &Error{
		Phase:  PhaseStart,
		Kind:   KindStartFailed,
		Detail: fmt.Sprintf("start routine %q", name),
		Path:   []string{name},
		Cause:  cause,
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(size uint32, cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes", size),
		Cause:  cause,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, what string, offset, length uint64, limit uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("%s [%d, %d) exceeds %d", what, offset, offset+length, limit),
		Value:  offset,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
		Path:   []string{name},
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Closed reports use of a released loader, cache or instance.
func Closed(what string) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindClosed,
		Detail: what + " is closed",
	}
}

// Trap wraps a guest trap raised by a call into an instance.
func Trap(name string, cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindTrap,
		Detail: fmt.Sprintf("call %q", name),
		Path:   []string{name},
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			return e.Kind
		case *ImportMismatchError:
			return KindImportMismatch
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// Mismatch describes one declared import the import table cannot satisfy.
type Mismatch struct {
	Namespace string // e.g. "env"
	Name      string // e.g. "log"
	Kind      string // func, memory, table or global
	Reason    string // missing, or what differs
}

// ImportMismatchError lists every import that failed to resolve. It is
// returned before any start routine runs.
type ImportMismatchError struct {
	Mismatches []Mismatch
}

// NewImportMismatchError creates an error from a list of "namespace#name" keys
// that were not provided at all.
func NewImportMismatchError(keys []string) *ImportMismatchError {
	result := &ImportMismatchError{
		Mismatches: make([]Mismatch, 0, len(keys)),
	}
	for _, key := range keys {
		ns, name := parseImportKey(key)
		result.Mismatches = append(result.Mismatches, Mismatch{
			Namespace: ns,
			Name:      name,
			Reason:    "missing",
		})
	}
	return result
}

// Add appends a mismatch.
func (e *ImportMismatchError) Add(ns, name, kind, reason string) {
	e.Mismatches = append(e.Mismatches, Mismatch{Namespace: ns, Name: name, Kind: kind, Reason: reason})
}

// Len returns the number of mismatches.
func (e *ImportMismatchError) Len() int {
	return len(e.Mismatches)
}

func parseImportKey(key string) (namespace, name string) {
	ns, fn, found := strings.Cut(key, "#")
	if found {
		return ns, fn
	}
	return key, ""
}

// demangleRust extracts a readable path from a legacy mangled Rust symbol
func demangleRust(name string) string {
	if !strings.HasPrefix(name, "_ZN") {
		return name
	}

	// _ZN<len><name><len><name>...E
	s := name[3:]
	var parts []string

	for len(s) > 0 && s[0] != 'E' {
		lenEnd := 0
		for lenEnd < len(s) && s[lenEnd] >= '0' && s[lenEnd] <= '9' {
			lenEnd++
		}
		if lenEnd == 0 {
			break
		}

		length := 0
		for i := 0; i < lenEnd; i++ {
			length = length*10 + int(s[i]-'0')
		}
		s = s[lenEnd:]

		if length > len(s) {
			break
		}

		part := s[:length]
		s = s[length:]

		// hash suffix: 'h' + 16 hex digits
		if len(part) == 17 && part[0] == 'h' && isHex(part[1:]) {
			continue
		}
		parts = append(parts, part)
	}

	if len(parts) == 0 {
		return name
	}

	return strings.Join(parts, "::")
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (e *ImportMismatchError) Error() string {
	if len(e.Mismatches) == 0 {
		return "[link] import_mismatch: no imports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[link] import_mismatch: %d unresolved import(s):\n", len(e.Mismatches))

	byNS := make(map[string][]Mismatch)
	var nsOrder []string
	for _, m := range e.Mismatches {
		if _, exists := byNS[m.Namespace]; !exists {
			nsOrder = append(nsOrder, m.Namespace)
		}
		byNS[m.Namespace] = append(byNS[m.Namespace], m)
	}

	for _, ns := range nsOrder {
		b.WriteString("\n  ")
		b.WriteString(ns)
		b.WriteString(":\n")
		for _, m := range byNS[ns] {
			b.WriteString("    - ")
			b.WriteString(demangleRust(m.Name))
			if m.Kind != "" {
				b.WriteString(" (")
				b.WriteString(m.Kind)
				b.WriteByte(')')
			}
			if m.Reason != "" {
				b.WriteString(": ")
				b.WriteString(m.Reason)
			}
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is matches other *ImportMismatchError values and ErrImportMismatch.
func (e *ImportMismatchError) Is(target error) bool {
	switch t := target.(type) {
	case *ImportMismatchError:
		return true
	case *Error:
		return t.Kind == KindImportMismatch && (t.Phase == "" || t.Phase == PhaseLink)
	}
	return false
}
