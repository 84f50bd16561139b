// Package testmod assembles small WebAssembly modules shaped like
// wasm-bindgen output: an exported memory, a bump allocator, an
// exception slot, a counting start routine and two functions reachable
// through an exported funcref table.
package testmod

import (
	"github.com/wippyai/wasm-loader/wasm"
)

// Export names used by the default fixture.
const (
	Memory         = "memory"
	Table          = "__indirect_function_table"
	Malloc         = "__wbindgen_malloc"
	Realloc        = "__wbindgen_realloc"
	Free           = "__wbindgen_free"
	ExnStore       = "__wbindgen_exn_store"
	Start          = "__wbindgen_start"
	TakeException  = "take_exception"
	StartCount     = "start_count"
	Add            = "add"
	Mul            = "mul"
	CABIRealloc    = "cabi_realloc"
	HeapBase int32 = 1024
)

// Table slots of the indirect-call targets.
const (
	SlotAdd = 0
	SlotMul = 1
)

type options struct {
	logImport      bool
	importMemory   bool
	importGlobal   bool
	importTable    bool
	trapStart      bool
	startOnce      bool
	nativeStart    bool
	cabi           bool
	noStartExport  bool
	memoryMaxPages *uint64
}

// Option customizes the fixture.
type Option func(*options)

// WithLogImport imports env.log (i32) -> () and calls it from the start
// routine with the new start count.
func WithLogImport() Option { return func(o *options) { o.logImport = true } }

// WithImportedMemory imports env.memory (min 1 page) instead of defining it.
func WithImportedMemory() Option { return func(o *options) { o.importMemory = true } }

// WithImportedGlobal imports an immutable i32 env.seed and exports a
// function "seed" returning it.
func WithImportedGlobal() Option { return func(o *options) { o.importGlobal = true } }

// WithImportedTable imports a funcref table env.table (min 1).
func WithImportedTable() Option { return func(o *options) { o.importTable = true } }

// WithTrappingStart makes the start routine trap unconditionally.
func WithTrappingStart() Option { return func(o *options) { o.trapStart = true } }

// WithStartOnce makes the start routine trap when it has already run.
func WithStartOnce() Option { return func(o *options) { o.startOnce = true } }

// WithNativeStart also registers the start routine in the start section.
func WithNativeStart() Option { return func(o *options) { o.nativeStart = true } }

// WithoutStartExport omits the start export.
func WithoutStartExport() Option { return func(o *options) { o.noStartExport = true } }

// WithCABI replaces malloc/realloc/free with a single
// cabi_realloc(ptr, old, align, new) export.
func WithCABI() Option { return func(o *options) { o.cabi = true } }

// WithMemoryMax bounds the defined or imported memory.
func WithMemoryMax(pages uint64) Option { return func(o *options) { o.memoryMaxPages = &pages } }

var (
	i32 = wasm.ValI32
)

// Bindgen returns the encoded fixture module.
func Bindgen(opts ...Option) []byte {
	return BindgenModule(opts...).Encode()
}

// BindgenModule returns the fixture as a wasm.Module.
func BindgenModule(opts ...Option) *wasm.Module {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := &wasm.Module{}
	tVoid := m.AddType(wasm.FuncType{})
	tI32 := m.AddType(wasm.FuncType{Params: []wasm.ValType{i32}})
	tRetI32 := m.AddType(wasm.FuncType{Results: []wasm.ValType{i32}})
	tI32RetI32 := m.AddType(wasm.FuncType{Params: []wasm.ValType{i32}, Results: []wasm.ValType{i32}})
	tBin := m.AddType(wasm.FuncType{Params: []wasm.ValType{i32, i32}, Results: []wasm.ValType{i32}})
	tFree := m.AddType(wasm.FuncType{Params: []wasm.ValType{i32, i32}})
	tRealloc := m.AddType(wasm.FuncType{Params: []wasm.ValType{i32, i32, i32}, Results: []wasm.ValType{i32}})
	tCABI := m.AddType(wasm.FuncType{Params: []wasm.ValType{i32, i32, i32, i32}, Results: []wasm.ValType{i32}})

	var logIdx uint32
	if o.logImport {
		m.Imports = append(m.Imports, wasm.Import{Module: "env", Name: "log", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: tI32}})
		logIdx = 0
	}
	memLimits := wasm.Limits{Min: 1, Max: o.memoryMaxPages}
	if o.importMemory {
		m.Imports = append(m.Imports, wasm.Import{Module: "env", Name: "memory", Desc: wasm.ImportDesc{Kind: wasm.KindMemory, Memory: &wasm.MemoryType{Limits: memLimits}}})
	} else {
		m.Memories = append(m.Memories, wasm.MemoryType{Limits: memLimits})
	}
	if o.importTable {
		m.Imports = append(m.Imports, wasm.Import{Module: "env", Name: "table", Desc: wasm.ImportDesc{Kind: wasm.KindTable, Table: &wasm.TableType{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 1}}}})
	}
	var gbase uint32
	if o.importGlobal {
		m.Imports = append(m.Imports, wasm.Import{Module: "env", Name: "seed", Desc: wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &wasm.GlobalType{ValType: i32}}})
		gbase = 1
	}

	gHeap, gExn, gStarts := gbase, gbase+1, gbase+2
	m.Globals = []wasm.Global{
		{Type: wasm.GlobalType{ValType: i32, Mutable: true}, Init: wasm.ConstI32(HeapBase)},
		{Type: wasm.GlobalType{ValType: i32, Mutable: true}, Init: wasm.ConstI32(0)},
		{Type: wasm.GlobalType{ValType: i32, Mutable: true}, Init: wasm.ConstI32(0)},
	}

	fbase := uint32(m.NumImportedFuncs())
	define := func(typeIdx uint32, body wasm.FuncBody) uint32 {
		m.Funcs = append(m.Funcs, typeIdx)
		m.Code = append(m.Code, body)
		return fbase + uint32(len(m.Funcs)-1)
	}
	export := func(name string, kind byte, idx uint32) {
		m.Exports = append(m.Exports, wasm.Export{Name: name, Kind: kind, Idx: idx})
	}

	allocFn := define(tI32RetI32, allocBody(gHeap))
	startFn := define(tVoid, startBody(o, gStarts, logIdx))

	export(Memory, wasm.KindMemory, 0)

	if o.cabi {
		export(CABIRealloc, wasm.KindFunc, define(tCABI, reallocBody(allocFn, 0, 1, 3, 4)))
	} else {
		export(Malloc, wasm.KindFunc, allocFn)
		export(Realloc, wasm.KindFunc, define(tRealloc, reallocBody(allocFn, 0, 1, 2, 3)))
		export(Free, wasm.KindFunc, define(tFree, freeBody(gHeap)))
	}
	export(ExnStore, wasm.KindFunc, define(tI32, wasm.FuncBody{
		Code: wasm.NewExpr().LocalGet(0).GlobalSet(gExn).End().Bytes(),
	}))
	export(TakeException, wasm.KindFunc, define(tRetI32, wasm.FuncBody{
		Code: wasm.NewExpr().GlobalGet(gExn).I32Const(0).GlobalSet(gExn).End().Bytes(),
	}))
	if !o.noStartExport {
		export(Start, wasm.KindFunc, startFn)
	}
	export(StartCount, wasm.KindFunc, define(tRetI32, wasm.FuncBody{
		Code: wasm.NewExpr().GlobalGet(gStarts).End().Bytes(),
	}))
	addFn := define(tBin, wasm.FuncBody{Code: wasm.NewExpr().LocalGet(0).LocalGet(1).I32Add().End().Bytes()})
	mulFn := define(tBin, wasm.FuncBody{Code: wasm.NewExpr().LocalGet(0).LocalGet(1).I32Mul().End().Bytes()})
	export(Add, wasm.KindFunc, addFn)
	export(Mul, wasm.KindFunc, mulFn)

	if o.importGlobal {
		export("seed", wasm.KindFunc, define(tRetI32, wasm.FuncBody{
			Code: wasm.NewExpr().GlobalGet(0).End().Bytes(),
		}))
	}

	table := uint32(0)
	if o.importTable {
		table = 1
	}
	max := uint64(2)
	m.Tables = append(m.Tables, wasm.TableType{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 2, Max: &max}})
	m.Elements = append(m.Elements, wasm.Element{Table: table, Offset: wasm.ConstI32(0), Funcs: []uint32{addFn, mulFn}})
	export(Table, wasm.KindTable, table)

	if o.nativeStart {
		m.Start = &startFn
	}
	return m
}

// allocBody: (size) -> ptr, 8-byte aligned bump allocation growing memory
// as needed. Locals: 1 ptr, 2 end.
func allocBody(gHeap uint32) wasm.FuncBody {
	e := wasm.NewExpr().
		GlobalGet(gHeap).I32Const(7).I32Add().I32Const(-8).I32And().LocalSet(1).
		LocalGet(1).LocalGet(0).I32Add().LocalSet(2).
		Block(wasm.BlockEmpty).Loop(wasm.BlockEmpty).
		LocalGet(2).MemorySize().I32Const(16).I32Shl().I32LeU().BrIf(1).
		I32Const(1).MemoryGrow().I32Const(-1).I32Eq().
		If(wasm.BlockEmpty).Unreachable().End().
		Br(0).
		End().End().
		LocalGet(2).GlobalSet(gHeap).
		LocalGet(1).
		End()
	return wasm.FuncBody{Locals: []wasm.LocalEntry{{Count: 2, Type: i32}}, Code: e.Bytes()}
}

// reallocBody allocates newSize bytes and copies min(old, new) bytes from
// ptr. Parameter positions vary between the bindgen and cabi layouts.
func reallocBody(allocFn, ptr, old, newSize, scratch uint32) wasm.FuncBody {
	e := wasm.NewExpr().
		LocalGet(newSize).Call(allocFn).LocalSet(scratch).
		LocalGet(scratch).LocalGet(ptr).
		LocalGet(old).LocalGet(newSize).LocalGet(old).LocalGet(newSize).I32LtU().Select().
		MemoryCopy().
		LocalGet(scratch).
		End()
	return wasm.FuncBody{Locals: []wasm.LocalEntry{{Count: 1, Type: i32}}, Code: e.Bytes()}
}

// freeBody: (ptr, size), reclaims the block when it is the most recent one.
func freeBody(gHeap uint32) wasm.FuncBody {
	e := wasm.NewExpr().
		LocalGet(0).LocalGet(1).I32Add().GlobalGet(gHeap).I32Eq().
		If(wasm.BlockEmpty).LocalGet(0).GlobalSet(gHeap).End().
		End()
	return wasm.FuncBody{Code: e.Bytes()}
}

func startBody(o options, gStarts, logIdx uint32) wasm.FuncBody {
	e := wasm.NewExpr()
	if o.trapStart {
		e.Unreachable()
	}
	if o.startOnce {
		e.GlobalGet(gStarts).If(wasm.BlockEmpty).Unreachable().End()
	}
	e.GlobalGet(gStarts).I32Const(1).I32Add().GlobalSet(gStarts)
	if o.logImport {
		e.GlobalGet(gStarts).Call(logIdx)
	}
	e.End()
	return wasm.FuncBody{Code: e.Bytes()}
}

// Adder returns a module exporting only add(i32, i32) -> i32.
func Adder() []byte {
	m := &wasm.Module{}
	t := m.AddType(wasm.FuncType{Params: []wasm.ValType{i32, i32}, Results: []wasm.ValType{i32}})
	m.Funcs = []uint32{t}
	m.Code = []wasm.FuncBody{{Code: wasm.NewExpr().LocalGet(0).LocalGet(1).I32Add().End().Bytes()}}
	m.Exports = []wasm.Export{{Name: Add, Kind: wasm.KindFunc, Idx: 0}}
	return m.Encode()
}

// Exports and constants of the EdgeAllocator fixture.
const (
	LastFreed     = "last_freed"
	LastFreedSize = "last_freed_size"
	EdgePtr int32 = 65536 - 8
)

// EdgeAllocator returns a one-page module whose malloc always hands out
// EdgePtr, eight bytes short of the end of memory, and whose free records
// its arguments for last_freed and last_freed_size.
func EdgeAllocator() []byte {
	m := &wasm.Module{}
	tAlloc := m.AddType(wasm.FuncType{Params: []wasm.ValType{i32}, Results: []wasm.ValType{i32}})
	tFree := m.AddType(wasm.FuncType{Params: []wasm.ValType{i32, i32}})
	tGet := m.AddType(wasm.FuncType{Results: []wasm.ValType{i32}})

	max := uint64(1)
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: 1, Max: &max}}}
	m.Globals = []wasm.Global{
		{Type: wasm.GlobalType{ValType: i32, Mutable: true}, Init: wasm.ConstI32(0)},
		{Type: wasm.GlobalType{ValType: i32, Mutable: true}, Init: wasm.ConstI32(0)},
	}
	m.Funcs = []uint32{tAlloc, tFree, tGet, tGet}
	m.Code = []wasm.FuncBody{
		{Code: wasm.NewExpr().I32Const(EdgePtr).End().Bytes()},
		{Code: wasm.NewExpr().LocalGet(0).GlobalSet(0).LocalGet(1).GlobalSet(1).End().Bytes()},
		{Code: wasm.NewExpr().GlobalGet(0).End().Bytes()},
		{Code: wasm.NewExpr().GlobalGet(1).End().Bytes()},
	}
	m.Exports = []wasm.Export{
		{Name: Memory, Kind: wasm.KindMemory, Idx: 0},
		{Name: Malloc, Kind: wasm.KindFunc, Idx: 0},
		{Name: Free, Kind: wasm.KindFunc, Idx: 1},
		{Name: LastFreed, Kind: wasm.KindFunc, Idx: 2},
		{Name: LastFreedSize, Kind: wasm.KindFunc, Idx: 3},
	}
	return m.Encode()
}
