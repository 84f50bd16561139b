package imports

import (
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero/api"

	wlerrors "github.com/wippyai/wasm-loader/errors"
	"github.com/wippyai/wasm-loader/wasm"
)

// Func is a host function with an explicit wasm signature.
type Func struct {
	Fn      api.GoModuleFunc
	Params  []api.ValueType
	Results []api.ValueType
}

// Memory describes a linear memory created for each load, in pages.
type Memory struct {
	Max *uint32
	Min uint32
}

// TableDesc describes a funcref table created for each load.
type TableDesc struct {
	Max *uint32
	Min uint32
}

// Global is an immutable or mutable numeric global. Value holds the raw
// bits: float globals use math.Float32bits/Float64bits.
type Global struct {
	Value   uint64
	Type    api.ValueType
	Mutable bool
}

// Entry is one (namespace, name) binding. Exactly one of Func, Memory,
// Table or Global is set, matching Kind.
type Entry struct {
	Func      *Func
	Memory    *Memory
	Table     *TableDesc
	Global    *Global
	Namespace string
	Name      string
	Kind      byte
}

type key struct {
	ns   string
	name string
}

// Table maps (namespace, name) to host-provided entries. A Table is
// immutable once built and safe to share between loads; every load
// instantiates its own copies of the memories, tables and globals it
// describes.
type Table struct {
	entries map[key]Entry
	order   []key
}

// Empty returns a table with no entries.
func Empty() *Table {
	return &Table{entries: map[key]Entry{}}
}

// Lookup returns the entry for namespace and name.
func (t *Table) Lookup(namespace, name string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	e, ok := t.entries[key{namespace, name}]
	return e, ok
}

// Len returns the number of entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.order)
}

// Entries returns every entry in insertion order.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, len(t.order))
	for i, k := range t.order {
		out[i] = t.entries[k]
	}
	return out
}

// Namespaces returns the distinct namespaces in first-seen order.
func (t *Table) Namespaces() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, k := range t.order {
		if _, ok := seen[k.ns]; ok {
			continue
		}
		seen[k.ns] = struct{}{}
		out = append(out, k.ns)
	}
	return out
}

func (t *Table) namespace(ns string) []Entry {
	var out []Entry
	for _, k := range t.order {
		if k.ns == ns {
			out = append(out, t.entries[k])
		}
	}
	return out
}

// Builder accumulates entries for a Table. Errors are collected and
// reported by Build.
type Builder struct {
	entries map[key]Entry
	order   []key
	errs    []error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{entries: make(map[key]Entry)}
}

// Include copies every entry of t into the builder.
func (b *Builder) Include(t *Table) *Builder {
	for _, e := range t.Entries() {
		b.add(e)
	}
	return b
}

// Func adds a host function with an explicit signature.
func (b *Builder) Func(namespace, name string, fn api.GoModuleFunc, params, results []api.ValueType) *Builder {
	if fn == nil {
		b.errs = append(b.errs, wlerrors.InvalidInput(wlerrors.PhaseHost, fmt.Sprintf("%s#%s: nil function", namespace, name)))
		return b
	}
	for _, vt := range append(append([]api.ValueType(nil), params...), results...) {
		if !hostValueType(vt) {
			b.errs = append(b.errs, wlerrors.Unsupported(wlerrors.PhaseHost,
				fmt.Sprintf("%s#%s: value type %s", namespace, name, api.ValueTypeName(vt))))
			return b
		}
	}
	b.add(Entry{
		Namespace: namespace,
		Name:      name,
		Kind:      wasm.KindFunc,
		Func:      &Func{Fn: fn, Params: params, Results: results},
	})
	return b
}

// GoFunc adds a Go function, deriving its signature by reflection. See
// ReflectFunc for the accepted shapes.
func (b *Builder) GoFunc(namespace, name string, fn any) *Builder {
	f, err := ReflectFunc(fn)
	if err != nil {
		b.errs = append(b.errs, wlerrors.New(wlerrors.PhaseHost, wlerrors.KindTypeMismatch).
			Path(namespace, name).
			Cause(err).
			Build())
		return b
	}
	return b.Func(namespace, name, f.Fn, f.Params, f.Results)
}

// Memory adds a memory of min pages, optionally bounded by max.
func (b *Builder) Memory(namespace, name string, min uint32, max *uint32) *Builder {
	if max != nil && *max < min {
		b.errs = append(b.errs, wlerrors.InvalidInput(wlerrors.PhaseHost,
			fmt.Sprintf("%s#%s: memory max %d below min %d", namespace, name, *max, min)))
		return b
	}
	if min > maxPages || (max != nil && *max > maxPages) {
		b.errs = append(b.errs, wlerrors.InvalidInput(wlerrors.PhaseHost,
			fmt.Sprintf("%s#%s: memory exceeds %d pages", namespace, name, maxPages)))
		return b
	}
	b.add(Entry{Namespace: namespace, Name: name, Kind: wasm.KindMemory, Memory: &Memory{Min: min, Max: max}})
	return b
}

// Table adds a funcref table of min elements, optionally bounded by max.
func (b *Builder) Table(namespace, name string, min uint32, max *uint32) *Builder {
	if max != nil && *max < min {
		b.errs = append(b.errs, wlerrors.InvalidInput(wlerrors.PhaseHost,
			fmt.Sprintf("%s#%s: table max %d below min %d", namespace, name, *max, min)))
		return b
	}
	b.add(Entry{Namespace: namespace, Name: name, Kind: wasm.KindTable, Table: &TableDesc{Min: min, Max: max}})
	return b
}

// Global adds a numeric global.
func (b *Builder) Global(namespace, name string, vt api.ValueType, value uint64, mutable bool) *Builder {
	switch vt {
	case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
	default:
		b.errs = append(b.errs, wlerrors.Unsupported(wlerrors.PhaseHost,
			fmt.Sprintf("%s#%s: global of type %s", namespace, name, api.ValueTypeName(vt))))
		return b
	}
	b.add(Entry{Namespace: namespace, Name: name, Kind: wasm.KindGlobal, Global: &Global{Type: vt, Value: value, Mutable: mutable}})
	return b
}

func (b *Builder) add(e Entry) {
	if e.Namespace == "" || e.Name == "" {
		b.errs = append(b.errs, wlerrors.InvalidInput(wlerrors.PhaseHost, "namespace and name cannot be empty"))
		return
	}
	k := key{e.Namespace, e.Name}
	if _, dup := b.entries[k]; dup {
		b.errs = append(b.errs, wlerrors.New(wlerrors.PhaseHost, wlerrors.KindDuplicate).
			Path(e.Namespace, e.Name).
			Detail("import %s#%s defined twice", e.Namespace, e.Name).
			Build())
		return
	}
	b.entries[k] = e
	b.order = append(b.order, k)
}

// Build returns the immutable table, or the first construction error.
func (b *Builder) Build() (*Table, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	t := &Table{
		entries: make(map[key]Entry, len(b.entries)),
		order:   append([]key(nil), b.order...),
	}
	for k, e := range b.entries {
		t.entries[k] = e
	}
	return t, nil
}

// MustBuild is Build that panics on error, for static tables.
func (b *Builder) MustBuild() *Table {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}
	return t
}

const maxPages = 65536

func hostValueType(vt api.ValueType) bool {
	switch vt {
	case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64, api.ValueTypeExternref:
		return true
	}
	return false
}

// sortedKeys is used for stable diagnostics.
func sortedKeys(m map[key]Entry) []key {
	out := make([]key, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ns != out[j].ns {
			return out[i].ns < out[j].ns
		}
		return out[i].name < out[j].name
	})
	return out
}
