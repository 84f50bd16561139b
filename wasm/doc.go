// Package wasm decodes and encodes the subset of the WebAssembly binary
// format the loader needs.
//
// Decode reads a core module's declarations (types, imports, functions,
// tables, memories, globals, exports, start) and checks section order,
// framing and index spaces. It is the loader's first validation pass and
// the source of the import list matched against an import table. Function
// bodies are kept raw; element and data segments are skipped.
//
//	m, err := wasm.Decode(data)
//	if err != nil {
//	    return err
//	}
//	for _, imp := range m.Imports {
//	    fmt.Println(imp.Module, imp.Name, wasm.KindName(imp.Desc.Kind))
//	}
//
// Encode and Expr assemble small modules in memory. The loader uses them
// for import shim modules that provide memories, tables and globals, and
// tests use them for fixtures:
//
//	m := &wasm.Module{}
//	t := m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}})
//	m.Funcs = append(m.Funcs, t)
//	m.Code = append(m.Code, wasm.FuncBody{Code: wasm.NewExpr().LocalGet(0).LocalGet(1).I32Add().End().Bytes()})
//	m.Exports = append(m.Exports, wasm.Export{Name: "add", Kind: wasm.KindFunc})
//	bin := m.Encode()
//
// GC types, exception tags and other post-2.0 type forms are rejected with
// ErrUnsupported.
package wasm
