package imports

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-loader/wasm"
)

// Stub returns a table satisfying every import of m outside the skipped
// namespaces. Functions return zeros, memories and tables get the declared
// limits, and globals are zero.
func Stub(m *wasm.Module, skip ...string) (*Table, error) {
	skipped := make(map[string]bool, len(skip))
	for _, ns := range skip {
		skipped[ns] = true
	}

	b := NewBuilder()
	for _, imp := range m.Imports {
		if skipped[imp.Module] {
			continue
		}
		switch imp.Desc.Kind {
		case wasm.KindFunc:
			ft, _ := m.ImportFuncType(imp)
			params := valueTypes(ft.Params)
			results := valueTypes(ft.Results)
			n := len(results)
			b.Func(imp.Module, imp.Name, func(_ context.Context, _ api.Module, stack []uint64) {
				for i := 0; i < n; i++ {
					stack[i] = 0
				}
			}, params, results)
		case wasm.KindMemory:
			min, max := pageLimits(imp.Desc.Memory.Limits)
			b.Memory(imp.Module, imp.Name, min, max)
		case wasm.KindTable:
			min, max := pageLimits(imp.Desc.Table.Limits)
			b.Table(imp.Module, imp.Name, min, max)
		case wasm.KindGlobal:
			g := imp.Desc.Global
			b.Global(imp.Module, imp.Name, api.ValueType(g.ValType), 0, g.Mutable)
		}
	}
	return b.Build()
}

func valueTypes(in []wasm.ValType) []api.ValueType {
	if len(in) == 0 {
		return nil
	}
	out := make([]api.ValueType, len(in))
	for i, v := range in {
		out[i] = api.ValueType(v)
	}
	return out
}

func pageLimits(l wasm.Limits) (uint32, *uint32) {
	min := uint32(l.Min)
	if l.Max == nil {
		return min, nil
	}
	max := uint32(*l.Max)
	return min, &max
}
