package imports

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	wlerrors "github.com/wippyai/wasm-loader/errors"
	"github.com/wippyai/wasm-loader/wasm"
)

// Check matches every import declared by m against the table. Imports in
// a skipped namespace are satisfied elsewhere (WASI) and are not looked up.
// It returns nil or an *errors.ImportMismatchError listing each import that
// is missing, of the wrong kind or of an incompatible type.
func (t *Table) Check(m *wasm.Module, skip ...string) error {
	skipped := make(map[string]bool, len(skip))
	for _, ns := range skip {
		skipped[ns] = true
	}

	mismatch := &wlerrors.ImportMismatchError{}
	for _, imp := range m.Imports {
		if skipped[imp.Module] {
			continue
		}
		kind := wasm.KindName(imp.Desc.Kind)
		e, ok := t.Lookup(imp.Module, imp.Name)
		if !ok {
			mismatch.Add(imp.Module, imp.Name, kind, "missing")
			continue
		}
		if e.Kind != imp.Desc.Kind {
			mismatch.Add(imp.Module, imp.Name, kind, fmt.Sprintf("provided a %s", wasm.KindName(e.Kind)))
			continue
		}
		if reason := checkEntry(m, imp, e); reason != "" {
			mismatch.Add(imp.Module, imp.Name, kind, reason)
		}
	}

	for _, ns := range skip {
		if t.hasNamespace(ns) {
			mismatch.Add(ns, "*", "", "namespace is reserved and cannot be provided by the import table")
		}
	}

	if mismatch.Len() == 0 {
		return nil
	}
	return mismatch
}

func (t *Table) hasNamespace(ns string) bool {
	if t == nil {
		return false
	}
	for _, k := range t.order {
		if k.ns == ns {
			return true
		}
	}
	return false
}

func checkEntry(m *wasm.Module, imp wasm.Import, e Entry) string {
	switch imp.Desc.Kind {
	case wasm.KindFunc:
		want, ok := m.ImportFuncType(imp)
		if !ok {
			return "invalid type index"
		}
		got := FuncType(e.Func.Params, e.Func.Results)
		if !want.Equal(got) {
			return fmt.Sprintf("signature %s, provided %s", want, got)
		}
	case wasm.KindMemory:
		want := imp.Desc.Memory.Limits
		got := e.Memory.limits()
		if !want.Within(got) {
			return fmt.Sprintf("limits %s, provided %s", formatLimits(want), formatLimits(got))
		}
	case wasm.KindTable:
		if imp.Desc.Table.ElemType != wasm.ValFuncRef {
			return fmt.Sprintf("element type %s, provided funcref", imp.Desc.Table.ElemType)
		}
		want := imp.Desc.Table.Limits
		got := e.Table.limits()
		if !want.Within(got) {
			return fmt.Sprintf("limits %s, provided %s", formatLimits(want), formatLimits(got))
		}
	case wasm.KindGlobal:
		want := imp.Desc.Global
		if api.ValueType(want.ValType) != e.Global.Type {
			return fmt.Sprintf("type %s, provided %s", want.ValType, api.ValueTypeName(e.Global.Type))
		}
		if want.Mutable != e.Global.Mutable {
			return fmt.Sprintf("mutable=%t, provided mutable=%t", want.Mutable, e.Global.Mutable)
		}
	}
	return ""
}

// Unused returns "namespace#name" keys of entries m does not import.
func (t *Table) Unused(m *wasm.Module) []string {
	if t == nil {
		return nil
	}
	used := make(map[key]bool, len(m.Imports))
	for _, imp := range m.Imports {
		used[key{imp.Module, imp.Name}] = true
	}
	var out []string
	for _, k := range sortedKeys(t.entries) {
		if !used[k] {
			out = append(out, k.ns+"#"+k.name)
		}
	}
	return out
}

// FuncType converts a host signature to its wasm form. wazero value types
// share the binary encoding.
func FuncType(params, results []api.ValueType) wasm.FuncType {
	ft := wasm.FuncType{}
	for _, p := range params {
		ft.Params = append(ft.Params, wasm.ValType(p))
	}
	for _, r := range results {
		ft.Results = append(ft.Results, wasm.ValType(r))
	}
	return ft
}

func (m *Memory) limits() wasm.Limits {
	l := wasm.Limits{Min: uint64(m.Min)}
	if m.Max != nil {
		max := uint64(*m.Max)
		l.Max = &max
	}
	return l
}

func (t *TableDesc) limits() wasm.Limits {
	l := wasm.Limits{Min: uint64(t.Min)}
	if t.Max != nil {
		max := uint64(*t.Max)
		l.Max = &max
	}
	return l
}

func formatLimits(l wasm.Limits) string {
	if l.Max == nil {
		return fmt.Sprintf("{min %d}", l.Min)
	}
	return fmt.Sprintf("{min %d, max %d}", l.Min, *l.Max)
}
