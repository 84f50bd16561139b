package loader

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	wlerrors "github.com/wippyai/wasm-loader/errors"
	"github.com/wippyai/wasm-loader/wasm"
)

// shape tells how arguments are laid out for an allocator export.
type shape uint8

const (
	shapeSize         shape = iota // alloc(size)
	shapeSizeAlign                 // alloc(size, align)
	shapeRealloc                   // realloc(ptr, old, new)
	shapeReallocAlign              // realloc(ptr, old, new, align)
	shapeCABI                      // cabi_realloc(ptr, old, align, new)
	shapeFree                      // free(ptr, size)
	shapeFreeAlign                 // free(ptr, size, align)
	shapeUnit                      // () -> ()
	shapePtr                       // (ptr) -> ()
)

// binding is an export bound to a role.
type binding struct {
	fn    api.Function
	name  string
	shape shape
}

func (b *binding) ok() bool { return b != nil && b.fn != nil }

// roles holds every role resolved for an instance.
type roles struct {
	alloc    binding
	realloc  binding
	free     binding
	storeExn binding
	start    binding
}

func sig(params, results int) wasm.FuncType {
	ft := wasm.FuncType{}
	for i := 0; i < params; i++ {
		ft.Params = append(ft.Params, wasm.ValI32)
	}
	for i := 0; i < results; i++ {
		ft.Results = append(ft.Results, wasm.ValI32)
	}
	return ft
}

// shapeOf matches an export's type against the shapes accepted for role.
func shapeOf(role, name string, ft wasm.FuncType) (shape, bool) {
	switch role {
	case RoleAlloc:
		switch {
		case ft.Equal(sig(1, 1)):
			return shapeSize, true
		case ft.Equal(sig(2, 1)):
			return shapeSizeAlign, true
		}
	case RoleRealloc:
		switch {
		case ft.Equal(sig(3, 1)):
			return shapeRealloc, true
		case ft.Equal(sig(4, 1)) && name == "cabi_realloc":
			return shapeCABI, true
		case ft.Equal(sig(4, 1)):
			return shapeReallocAlign, true
		}
	case RoleFree:
		switch {
		case ft.Equal(sig(2, 0)):
			return shapeFree, true
		case ft.Equal(sig(3, 0)):
			return shapeFreeAlign, true
		}
	case RoleStoreException:
		if ft.Equal(sig(1, 0)) {
			return shapePtr, true
		}
	case RoleStart:
		if ft.Equal(sig(0, 0)) {
			return shapeUnit, true
		}
	}
	return 0, false
}

// resolveFunc binds the first candidate exported with an accepted shape.
// It returns a zero binding when none matches.
func resolveFunc(header *wasm.Module, mod api.Module, role string, candidates []string) (binding, []string) {
	var rejected []string
	for _, name := range candidates {
		exp, ok := header.Export(name)
		if !ok || exp.Kind != wasm.KindFunc {
			continue
		}
		ft, ok := header.FuncTypeOf(exp.Idx)
		if !ok {
			continue
		}
		sh, ok := shapeOf(role, name, ft)
		if !ok {
			rejected = append(rejected, fmt.Sprintf("%s %s", name, ft))
			continue
		}
		fn := mod.ExportedFunction(name)
		if fn == nil {
			continue
		}
		return binding{fn: fn, name: name, shape: sh}, nil
	}
	return binding{}, rejected
}

// resolveRoles binds every function role and reports required roles that
// did not resolve.
func resolveRoles(cfg *Config, header *wasm.Module, mod api.Module) (roles, error) {
	var r roles
	e := cfg.Exports
	missing := map[string][]string{}

	bind := func(role string, candidates []string, dst *binding) {
		b, rejected := resolveFunc(header, mod, role, candidates)
		*dst = b
		if !b.ok() && cfg.required(role) {
			missing[role] = rejected
		}
	}
	bind(RoleAlloc, e.Alloc, &r.alloc)
	bind(RoleRealloc, e.Realloc, &r.realloc)
	bind(RoleFree, e.Free, &r.free)
	bind(RoleStoreException, e.StoreException, &r.storeExn)
	bind(RoleStart, e.Start, &r.start)

	// alloc falls back to realloc(0, 0, size).
	if !r.alloc.ok() && r.realloc.ok() {
		delete(missing, RoleAlloc)
	}

	for _, role := range []string{RoleAlloc, RoleRealloc, RoleFree, RoleStoreException, RoleStart} {
		rejected, ok := missing[role]
		if !ok {
			continue
		}
		detail := fmt.Sprintf("required %s export not found", role)
		if len(rejected) > 0 {
			detail = fmt.Sprintf("required %s export has an unsupported signature: %v", role, rejected)
		}
		return r, wlerrors.InvalidModule(detail, nil)
	}
	return r, nil
}

// resolveMemory finds the instance's linear memory: the configured export,
// then any exported memory, then an imported memory.
func resolveMemory(cfg *Config, header *wasm.Module, mod api.Module, provider func(ns string) api.Module) (api.Memory, string) {
	if m := mod.ExportedMemory(cfg.Exports.Memory); m != nil {
		return m, cfg.Exports.Memory
	}
	for _, exp := range header.Exports {
		if exp.Kind == wasm.KindMemory {
			if m := mod.ExportedMemory(exp.Name); m != nil {
				return m, exp.Name
			}
		}
	}
	for _, imp := range header.Imports {
		if imp.Desc.Kind != wasm.KindMemory {
			continue
		}
		if p := provider(imp.Module); p != nil {
			if m := p.ExportedMemory(imp.Name); m != nil {
				return m, imp.Module + "#" + imp.Name
			}
		}
	}
	return nil, ""
}

// resolveTable finds the indirect function table: the configured export,
// or the first exported funcref table. It returns the table's index in the
// module's table index space.
func resolveTable(cfg *Config, header *wasm.Module) (string, uint32, bool) {
	tableType := func(idx uint32) (wasm.TableType, bool) {
		n := uint32(0)
		for _, imp := range header.Imports {
			if imp.Desc.Kind != wasm.KindTable {
				continue
			}
			if n == idx {
				return *imp.Desc.Table, true
			}
			n++
		}
		local := idx - n
		if local < uint32(len(header.Tables)) {
			return header.Tables[local], true
		}
		return wasm.TableType{}, false
	}

	for _, exp := range header.Exports {
		if exp.Kind != wasm.KindTable {
			continue
		}
		if cfg.Exports.Table != "" && exp.Name != cfg.Exports.Table {
			continue
		}
		tt, ok := tableType(exp.Idx)
		if !ok || tt.ElemType != wasm.ValFuncRef {
			continue
		}
		return exp.Name, exp.Idx, true
	}
	return "", 0, false
}
