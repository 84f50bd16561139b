package wasm

import (
	"strings"
)

// Module is a decoded or hand-assembled WebAssembly module.
//
// Decode fills every field except Elements and Data, whose segments are
// validated for framing but not retained.
type Module struct {
	Types          []FuncType
	Imports        []Import
	Funcs          []uint32 // type index per defined function
	Tables         []TableType
	Memories       []MemoryType
	Globals        []Global
	Exports        []Export
	Start          *uint32
	Elements       []Element
	Code           []FuncBody
	Data           []DataSegment
	CustomSections []CustomSection
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures have identical params and results.
func (f FuncType) Equal(o FuncType) bool {
	return valTypesEqual(f.Params, o.Params) && valTypesEqual(f.Results, o.Results)
}

func (f FuncType) String() string {
	var b strings.Builder
	b.WriteString("(")
	for i, p := range f.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	b.WriteString(") -> (")
	for i, r := range f.Results {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.String())
	}
	b.WriteString(")")
	return b.String()
}

func valTypesEqual(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ValType is a value type.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	default:
		return "unknown"
	}
}

// Import is an imported function, table, memory or global.
type Import struct {
	Desc   ImportDesc
	Module string
	Name   string
}

// ImportDesc describes an imported item. Exactly one of TypeIdx (for
// KindFunc), Table, Memory or Global is meaningful, selected by Kind.
type ImportDesc struct {
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
	TypeIdx uint32
	Kind    byte
}

// TableType describes a table.
type TableType struct {
	Limits   Limits
	ElemType ValType
}

// MemoryType describes a linear memory in pages.
type MemoryType struct {
	Limits Limits
}

// Limits describes size constraints for tables and memories.
type Limits struct {
	Max      *uint64
	Min      uint64
	Shared   bool
	Memory64 bool
}

// Within reports whether a provided object with limits p may satisfy an
// import declared with limits l.
func (l Limits) Within(p Limits) bool {
	if p.Min < l.Min {
		return false
	}
	if l.Max != nil {
		if p.Max == nil || *p.Max > *l.Max {
			return false
		}
	}
	return l.Shared == p.Shared && l.Memory64 == p.Memory64
}

// GlobalType describes a global's type and mutability.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Global is a defined global with its constant initializer (terminated by end).
type Global struct {
	Init []byte
	Type GlobalType
}

// Export describes an exported item.
type Export struct {
	Name string
	Kind byte
	Idx  uint32
}

// Element is an active funcref element segment.
type Element struct {
	Offset []byte // constant expression including end
	Funcs  []uint32
	Table  uint32
}

// FuncBody is a function body: local declarations and instruction bytes.
// Code must end with OpEnd.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte
}

// LocalEntry declares Count locals of Type.
type LocalEntry struct {
	Count uint32
	Type  ValType
}

// DataSegment is an active data segment for memory 0.
type DataSegment struct {
	Offset []byte // constant expression including end
	Init   []byte
}

// CustomSection is a named custom section.
type CustomSection struct {
	Name string
	Data []byte
}

// NumImportedFuncs returns how many function indices are taken by imports.
func (m *Module) NumImportedFuncs() int {
	n := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc {
			n++
		}
	}
	return n
}

// NumImported returns how many indices of the given kind are taken by imports.
func (m *Module) NumImported(kind byte) int {
	n := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == kind {
			n++
		}
	}
	return n
}

// FuncTypeOf returns the signature of function index idx, counting
// imported functions first.
func (m *Module) FuncTypeOf(idx uint32) (FuncType, bool) {
	i := uint32(0)
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindFunc {
			continue
		}
		if i == idx {
			return m.typeAt(imp.Desc.TypeIdx)
		}
		i++
	}
	local := idx - i
	if idx < i || int(local) >= len(m.Funcs) {
		return FuncType{}, false
	}
	return m.typeAt(m.Funcs[local])
}

func (m *Module) typeAt(idx uint32) (FuncType, bool) {
	if int(idx) >= len(m.Types) {
		return FuncType{}, false
	}
	return m.Types[idx], true
}

// ImportFuncType returns the signature of a function import.
func (m *Module) ImportFuncType(imp Import) (FuncType, bool) {
	if imp.Desc.Kind != KindFunc {
		return FuncType{}, false
	}
	return m.typeAt(imp.Desc.TypeIdx)
}

// Export returns the export with the given name.
func (m *Module) Export(name string) (Export, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}

// ExportNames returns export names in declaration order.
func (m *Module) ExportNames() []string {
	names := make([]string, len(m.Exports))
	for i, e := range m.Exports {
		names[i] = e.Name
	}
	return names
}

// AddType appends ft unless an equal type exists and returns its index.
func (m *Module) AddType(ft FuncType) uint32 {
	for i, t := range m.Types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, ft)
	return uint32(len(m.Types) - 1)
}
