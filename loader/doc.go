// Package loader turns a module source into a running instance.
//
// A Loader resolves a source.Source to bytes, validates and compiles them
// through a digest-keyed cache, checks an imports.Table against the
// module's declared imports, instantiates the module in its own wazero
// runtime and runs the start routine once:
//
//	l, err := loader.New(ctx, loader.WithLogger(log))
//	...
//	inst, err := l.Load(ctx, source.Bytes(bin), table)
//	if errors.Is(err, wlerrors.ErrImportMismatch) {
//	    ...
//	}
//	defer inst.Close(ctx)
//
// # Export Roles
//
// After instantiation each role is bound to the first candidate export
// with an accepted signature. Candidates come from Config.Exports:
//
//	alloc            __wbindgen_malloc, alloc, malloc, allocate
//	realloc          __wbindgen_realloc, realloc, cabi_realloc
//	free             __wbindgen_free, free, dealloc, deallocate
//	store_exception  __wbindgen_exn_store, store_exception
//	start            __wbindgen_start, start, _initialize
//	table            first exported funcref table
//
// Roles are optional unless listed in Config.Exports.Require. A module
// without alloc but with realloc allocates through realloc(0, 0, size).
//
// # Lifecycle
//
// Each Instance owns its runtime and must be closed. The Loader owns the
// compiled code shared by its instances and must outlive them.
package loader
