package imports

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	wlerrors "github.com/wippyai/wasm-loader/errors"
	"github.com/wippyai/wasm-loader/wasm"
)

// hostSuffix names the private host module backing a shim namespace.
const hostSuffix = "#host"

// Instantiate makes every namespace of the table importable in rt.
//
// A namespace holding only functions becomes a wazero host module. A
// namespace that also holds memories, tables or globals becomes a shim
// module: the functions go into a private host module, and a small wasm
// module named after the namespace defines the other entries and
// re-exports the functions. Each call creates fresh memories, tables and
// globals, so instances never share state through the import table.
func (t *Table) Instantiate(ctx context.Context, rt wazero.Runtime) error {
	for _, ns := range t.Namespaces() {
		entries := t.namespace(ns)
		var err error
		if onlyFuncs(entries) {
			_, err = instantiateHost(ctx, rt, ns, entries)
		} else {
			err = instantiateShim(ctx, rt, ns, entries)
		}
		if err != nil {
			return wlerrors.New(wlerrors.PhaseLink, wlerrors.KindImportMismatch).
				Path(ns).
				Detail("instantiate import namespace %q", ns).
				Cause(err).
				Build()
		}
	}
	return nil
}

func onlyFuncs(entries []Entry) bool {
	for _, e := range entries {
		if e.Kind != wasm.KindFunc {
			return false
		}
	}
	return true
}

func instantiateHost(ctx context.Context, rt wazero.Runtime, name string, entries []Entry) (api.Module, error) {
	b := rt.NewHostModuleBuilder(name)
	for _, e := range entries {
		if e.Kind != wasm.KindFunc {
			continue
		}
		b.NewFunctionBuilder().
			WithGoModuleFunction(e.Func.Fn, e.Func.Params, e.Func.Results).
			WithName(e.Name).
			Export(e.Name)
	}
	return b.Instantiate(ctx)
}

func instantiateShim(ctx context.Context, rt wazero.Runtime, ns string, entries []Entry) error {
	var funcs []Entry
	for _, e := range entries {
		if e.Kind == wasm.KindFunc {
			funcs = append(funcs, e)
		}
	}
	hostName := ns + hostSuffix
	if len(funcs) > 0 {
		if _, err := instantiateHost(ctx, rt, hostName, funcs); err != nil {
			return err
		}
	}

	shim, err := ShimModule(hostName, entries)
	if err != nil {
		return err
	}
	// Not closed: with a shared compilation cache the compiled code is
	// visible to every runtime, including concurrent loads of the same table.
	compiled, err := rt.CompileModule(ctx, shim.Encode())
	if err != nil {
		return fmt.Errorf("compile shim: %w", err)
	}

	_, err = rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(ns).WithStartFunctions())
	if err != nil {
		return fmt.Errorf("instantiate shim: %w", err)
	}
	return nil
}

// ShimModule builds the module that provides a namespace's entries.
// Functions are imported from hostName and re-exported under their own
// names.
func ShimModule(hostName string, entries []Entry) (*wasm.Module, error) {
	m := &wasm.Module{}
	var funcIdx uint32
	for _, e := range entries {
		if e.Kind != wasm.KindFunc {
			continue
		}
		ti := m.AddType(FuncType(e.Func.Params, e.Func.Results))
		m.Imports = append(m.Imports, wasm.Import{
			Module: hostName,
			Name:   e.Name,
			Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: ti},
		})
		m.Exports = append(m.Exports, wasm.Export{Name: e.Name, Kind: wasm.KindFunc, Idx: funcIdx})
		funcIdx++
	}

	for _, e := range entries {
		switch e.Kind {
		case wasm.KindMemory:
			if len(m.Memories) > 0 {
				return nil, wlerrors.Unsupported(wlerrors.PhaseLink,
					fmt.Sprintf("namespace provides more than one memory (%s)", e.Name))
			}
			m.Memories = append(m.Memories, wasm.MemoryType{Limits: e.Memory.limits()})
			m.Exports = append(m.Exports, wasm.Export{Name: e.Name, Kind: wasm.KindMemory, Idx: 0})
		case wasm.KindTable:
			m.Tables = append(m.Tables, wasm.TableType{ElemType: wasm.ValFuncRef, Limits: e.Table.limits()})
			m.Exports = append(m.Exports, wasm.Export{Name: e.Name, Kind: wasm.KindTable, Idx: uint32(len(m.Tables) - 1)})
		case wasm.KindGlobal:
			m.Globals = append(m.Globals, wasm.Global{
				Type: wasm.GlobalType{ValType: wasm.ValType(e.Global.Type), Mutable: e.Global.Mutable},
				Init: globalInit(e.Global),
			})
			m.Exports = append(m.Exports, wasm.Export{Name: e.Name, Kind: wasm.KindGlobal, Idx: uint32(len(m.Globals) - 1)})
		}
	}
	return m, nil
}

func globalInit(g *Global) []byte {
	switch g.Type {
	case api.ValueTypeI64:
		return wasm.ConstI64(int64(g.Value))
	case api.ValueTypeF32:
		return wasm.NewExpr().F32Const(uint32(g.Value)).End().Bytes()
	case api.ValueTypeF64:
		return wasm.NewExpr().F64Const(g.Value).End().Bytes()
	default:
		return wasm.ConstI32(int32(uint32(g.Value)))
	}
}
