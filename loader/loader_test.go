package loader

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tetratelabs/wazero/api"

	wasmloader "github.com/wippyai/wasm-loader"
	wlerrors "github.com/wippyai/wasm-loader/errors"
	"github.com/wippyai/wasm-loader/imports"
	"github.com/wippyai/wasm-loader/internal/testmod"
	"github.com/wippyai/wasm-loader/source"
	"github.com/wippyai/wasm-loader/wasm"
)

func newLoader(t *testing.T, opts ...Option) *Loader {
	t.Helper()
	l, err := New(context.Background(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close(context.Background()) })
	return l
}

func load(t *testing.T, l *Loader, bin []byte, table *imports.Table) *Instance {
	t.Helper()
	inst, err := l.Load(context.Background(), source.Bytes(bin), table)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { inst.Close(context.Background()) })
	return inst
}

func call1(t *testing.T, inst *Instance, name string, args ...uint64) uint64 {
	t.Helper()
	res, err := inst.Call(context.Background(), name, args...)
	if err != nil {
		t.Fatalf("Call(%s): %v", name, err)
	}
	if len(res) != 1 {
		t.Fatalf("Call(%s) returned %d results", name, len(res))
	}
	return res[0]
}

func logTable(calls *[]uint32) *imports.Table {
	return imports.NewBuilder().
		GoFunc("env", "log", func(v uint32) { *calls = append(*calls, v) }).
		MustBuild()
}

func TestLoad_Success(t *testing.T) {
	l := newLoader(t)
	bin := testmod.Bindgen(testmod.WithLogImport())

	var calls []uint32
	inst := load(t, l, bin, logTable(&calls))

	header, err := wasm.Decode(bin)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := inst.ExportNames(), header.ExportNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("ExportNames = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(calls, []uint32{1}) {
		t.Errorf("start routine log calls = %v, want [1]", calls)
	}
	if got := call1(t, inst, testmod.StartCount); got != 1 {
		t.Errorf("start count = %d, want 1", got)
	}
	if inst.Starts() != 1 {
		t.Errorf("Starts = %d", inst.Starts())
	}
	if inst.Memory() == nil || inst.Memory().Size() != wasm.PageSize {
		t.Errorf("memory not bound")
	}
	if inst.Table() == nil || inst.Table().Name() != testmod.Table {
		t.Errorf("table not bound")
	}

	roles := map[string]string{
		RoleMemory:         testmod.Memory,
		RoleAlloc:          testmod.Malloc,
		RoleRealloc:        testmod.Realloc,
		RoleFree:           testmod.Free,
		RoleStoreException: testmod.ExnStore,
		RoleStart:          testmod.Start,
		RoleTable:          testmod.Table,
	}
	for role, want := range roles {
		if got := inst.Role(role); got != want {
			t.Errorf("Role(%s) = %q, want %q", role, got, want)
		}
	}

	if got := call1(t, inst, testmod.Add, 2, 3); got != 5 {
		t.Errorf("add = %d", got)
	}
}

func TestLoad_Errors(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t, WithFetcher(source.MapFetcher{"fixture": testmod.Adder()}))
	bin := testmod.Bindgen()

	tests := []struct {
		name string
		src  source.Source
		want error
	}{
		{"missing locator", source.Locator("missing"), wlerrors.ErrFetchFailed},
		{"deferred failure", source.Deferred(func(context.Context) (source.Source, error) {
			return source.Source{}, errors.New("upstream gone")
		}), wlerrors.ErrFetchFailed},
		{"not wasm", source.Bytes([]byte("definitely not wasm")), wlerrors.ErrInvalidModule},
		{"truncated", source.Bytes(bin[:len(bin)/2]), wlerrors.ErrInvalidModule},
		{"empty", source.Bytes(nil), wlerrors.ErrInvalidModule},
		{"zero source", source.Source{}, wlerrors.ErrFetchFailed},
		{"nil compiled", source.Compiled(nil), wlerrors.ErrFetchFailed},
		{"typed nil compiled", source.Compiled((*Module)(nil)), wlerrors.ErrFetchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := l.Load(ctx, tt.src, nil)
			if err == nil {
				inst.Close(ctx)
				t.Fatal("expected error")
			}
			if inst != nil {
				t.Error("instance returned with error")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	inst, err := l.Load(ctx, source.Locator("fixture"), nil)
	if err != nil {
		t.Fatalf("locator load: %v", err)
	}
	inst.Close(ctx)
}

func TestLoad_ImportMismatchBeforeStart(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)
	bin := testmod.Bindgen(testmod.WithLogImport(), testmod.WithImportedGlobal())

	var called int
	table := imports.NewBuilder().
		GoFunc("env", "log", func(uint64) { called++ }).
		MustBuild()

	inst, err := l.Load(ctx, source.Bytes(bin), table)
	if err == nil {
		inst.Close(ctx)
		t.Fatal("expected import mismatch")
	}
	if !errors.Is(err, wlerrors.ErrImportMismatch) {
		t.Fatalf("got %v", err)
	}
	var ime *wlerrors.ImportMismatchError
	if !errors.As(err, &ime) {
		t.Fatalf("expected *ImportMismatchError, got %T", err)
	}
	if ime.Len() != 2 {
		t.Errorf("expected 2 mismatches, got %d: %v", ime.Len(), err)
	}
	if called != 0 {
		t.Error("host function ran before import check")
	}
	if got := testutil.ToFloat64(l.metrics.InstancesOpen); got != 0 {
		t.Errorf("open instances = %v", got)
	}
}

func TestLoad_StartFailed(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)

	for name, bin := range map[string][]byte{
		"export":        testmod.Bindgen(testmod.WithTrappingStart()),
		"start section": testmod.Bindgen(testmod.WithTrappingStart(), testmod.WithNativeStart()),
		"section only":  testmod.Bindgen(testmod.WithTrappingStart(), testmod.WithNativeStart(), testmod.WithoutStartExport()),
	} {
		t.Run(name, func(t *testing.T) {
			inst, err := l.Load(ctx, source.Bytes(bin), nil)
			if err == nil {
				inst.Close(ctx)
				t.Fatal("expected start failure")
			}
			if !errors.Is(err, wlerrors.ErrStartFailed) {
				t.Errorf("got %v", err)
			}
		})
	}
}

func TestLoad_NativeStartRunsOnce(t *testing.T) {
	l := newLoader(t)
	var calls []uint32
	inst := load(t, l, testmod.Bindgen(testmod.WithLogImport(), testmod.WithNativeStart()), logTable(&calls))

	if got := call1(t, inst, testmod.StartCount); got != 1 {
		t.Errorf("start count = %d, want 1", got)
	}
	if len(calls) != 1 {
		t.Errorf("log calls = %v", calls)
	}
}

func TestInstance_StartAgain(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)

	t.Run("repeatable", func(t *testing.T) {
		inst := load(t, l, testmod.Bindgen(), nil)
		if err := inst.Start(ctx); err != nil {
			t.Fatalf("second Start: %v", err)
		}
		if got := call1(t, inst, testmod.StartCount); got != 2 {
			t.Errorf("start count = %d", got)
		}
	})

	t.Run("once", func(t *testing.T) {
		inst := load(t, l, testmod.Bindgen(testmod.WithStartOnce()), nil)
		names := inst.ExportNames()
		err := inst.Start(ctx)
		if !errors.Is(err, wlerrors.ErrStartFailed) {
			t.Fatalf("second Start = %v, want start_failed", err)
		}
		if !reflect.DeepEqual(inst.ExportNames(), names) {
			t.Error("export table changed")
		}
		if got := call1(t, inst, testmod.Add, 20, 22); got != 42 {
			t.Errorf("add after failed start = %d", got)
		}
		if inst.Starts() != 2 {
			t.Errorf("Starts = %d", inst.Starts())
		}
	})

	t.Run("no start routine", func(t *testing.T) {
		inst := load(t, l, testmod.Adder(), nil)
		if err := inst.Start(ctx); err != nil {
			t.Errorf("Start without routine: %v", err)
		}
		if inst.Starts() != 0 {
			t.Errorf("Starts = %d", inst.Starts())
		}
	})
}

func TestInstance_AllocFree(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)
	inst := load(t, l, testmod.Bindgen(), nil)
	mem := inst.Memory()

	before := mem.Size()
	ptr, err := inst.Alloc(ctx, 64)
	if err != nil {
		t.Fatal(err)
	}
	if ptr < uint32(testmod.HeapBase) || ptr%8 != 0 {
		t.Errorf("ptr = %d", ptr)
	}
	if err := inst.Free(ctx, ptr, 64); err != nil {
		t.Fatal(err)
	}
	if mem.Size() != before {
		t.Errorf("memory size %d -> %d", before, mem.Size())
	}
	again, err := inst.Alloc(ctx, 64)
	if err != nil {
		t.Fatal(err)
	}
	if again != ptr {
		t.Errorf("freed block not reused: %d != %d", again, ptr)
	}

	big, err := inst.Alloc(ctx, 3*wasm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if mem.Size() < big+3*wasm.PageSize {
		t.Errorf("memory did not grow: size %d, block end %d", mem.Size(), big+3*wasm.PageSize)
	}
}

func TestInstance_Realloc(t *testing.T) {
	ctx := context.Background()

	for name, bin := range map[string][]byte{
		"bindgen": testmod.Bindgen(),
		"cabi":    testmod.Bindgen(testmod.WithCABI()),
	} {
		t.Run(name, func(t *testing.T) {
			l := newLoader(t)
			inst := load(t, l, bin, nil)

			data := []byte("hello, linear memory")
			ptr, err := inst.WriteBytes(ctx, data)
			if err != nil {
				t.Fatal(err)
			}

			grown, err := inst.Realloc(ctx, ptr, uint32(len(data)), 256)
			if err != nil {
				t.Fatal(err)
			}
			got, err := inst.ReadBytes(grown, uint32(len(data)))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("grow lost bytes: %q", got)
			}

			shrunk, err := inst.Realloc(ctx, grown, 256, 5)
			if err != nil {
				t.Fatal(err)
			}
			got, err = inst.ReadBytes(shrunk, 5)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != "hello" {
				t.Errorf("shrink = %q", got)
			}
		})
	}
}

func TestInstance_CABIRoles(t *testing.T) {
	l := newLoader(t)
	inst := load(t, l, testmod.Bindgen(testmod.WithCABI()), nil)

	if got := inst.Role(RoleAlloc); got != testmod.CABIRealloc {
		t.Errorf("alloc role = %q", got)
	}
	if got := inst.Role(RoleFree); got != "" {
		t.Errorf("free role = %q", got)
	}
	ptr, err := inst.Alloc(context.Background(), 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.Free(context.Background(), ptr, 8); err != nil {
		t.Errorf("Free without export: %v", err)
	}
}

func TestInstance_StoreException(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)
	inst := load(t, l, testmod.Bindgen(), nil)

	if err := inst.StoreException(ctx, 100); err != nil {
		t.Fatal(err)
	}
	if err := inst.StoreException(ctx, 200); err != nil {
		t.Fatal(err)
	}
	if got := call1(t, inst, testmod.TakeException); got != 200 {
		t.Errorf("slot = %d, want last stored value", got)
	}
	if got := call1(t, inst, testmod.TakeException); got != 0 {
		t.Errorf("slot not cleared: %d", got)
	}

	adder := load(t, l, testmod.Adder(), nil)
	if err := adder.StoreException(ctx, 1); !errors.Is(err, wlerrors.ErrNotFound) {
		t.Errorf("StoreException without export = %v", err)
	}
}

func TestTable_Dispatch(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)
	inst := load(t, l, testmod.Bindgen(), nil)
	tbl := inst.Table()

	bin := wasmloader.Signature{
		Params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
		Results: []api.ValueType{api.ValueTypeI32},
	}

	res, err := tbl.Dispatch(ctx, testmod.SlotAdd, bin, 4, 5)
	if err != nil || res[0] != 9 {
		t.Errorf("add slot = %v, %v", res, err)
	}
	res, err = tbl.Dispatch(ctx, testmod.SlotMul, bin, 4, 5)
	if err != nil || res[0] != 20 {
		t.Errorf("mul slot = %v, %v", res, err)
	}

	_, err = tbl.Dispatch(ctx, testmod.SlotAdd, wasmloader.Signature{Params: []api.ValueType{api.ValueTypeI64}}, 1)
	if wlerrors.KindOf(err) != wlerrors.KindTypeMismatch {
		t.Errorf("signature mismatch = %v", err)
	}
	_, err = tbl.Dispatch(ctx, 7, bin, 1, 2)
	if wlerrors.KindOf(err) != wlerrors.KindOutOfBounds {
		t.Errorf("out of range = %v", err)
	}
	_, err = tbl.Dispatch(ctx, testmod.SlotAdd, bin, 1)
	if wlerrors.KindOf(err) != wlerrors.KindTypeMismatch {
		t.Errorf("argument count = %v", err)
	}
}

func TestLoad_ImportedMemoryAndTable(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)
	bin := testmod.Bindgen(testmod.WithImportedMemory(), testmod.WithImportedTable(), testmod.WithImportedGlobal())
	table := imports.NewBuilder().
		Memory("env", "memory", 2, nil).
		Table("env", "table", 4, nil).
		Global("env", "seed", api.ValueTypeI32, 7, false).
		MustBuild()

	a := load(t, l, bin, table)
	b := load(t, l, bin, table)

	if a.Memory().Size() != 2*wasm.PageSize {
		t.Errorf("memory size = %d", a.Memory().Size())
	}
	if got := call1(t, a, "seed"); got != 7 {
		t.Errorf("seed = %d", got)
	}
	if err := a.Memory().WriteU32(0, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	if v, _ := b.Memory().ReadU32(0); v != 0 {
		t.Errorf("instances share imported memory")
	}

	// The module's own table is index 1 behind the imported one.
	res, err := a.Table().Dispatch(ctx, testmod.SlotMul, wasmloader.Signature{
		Params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
		Results: []api.ValueType{api.ValueTypeI32},
	}, 6, 7)
	if err != nil || res[0] != 42 {
		t.Errorf("dispatch = %v, %v", res, err)
	}
}

func TestLoad_RequiredRoles(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Exports.Require = []string{RoleMemory, RoleAlloc}
	l := newLoader(t, WithConfig(cfg))

	_, err := l.Load(ctx, source.Bytes(testmod.Adder()), nil)
	if !errors.Is(err, wlerrors.ErrInvalidModule) {
		t.Errorf("missing memory = %v", err)
	}
	inst, err := l.Load(ctx, source.Bytes(testmod.Bindgen(testmod.WithCABI())), nil)
	if err != nil {
		t.Fatalf("alloc via realloc should satisfy require: %v", err)
	}
	inst.Close(ctx)
}

func TestLoad_WASI(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.WASI = true
	l := newLoader(t, WithConfig(cfg))

	inst := load(t, l, testmod.Adder(), nil)
	if got := call1(t, inst, testmod.Add, 1, 1); got != 2 {
		t.Errorf("add = %d", got)
	}

	table := imports.NewBuilder().
		GoFunc(wasiNamespace, "proc_exit", func(uint32) {}).
		MustBuild()
	_, err := l.Load(ctx, source.Bytes(testmod.Adder()), table)
	if !errors.Is(err, wlerrors.ErrImportMismatch) {
		t.Errorf("reserved namespace = %v", err)
	}
}

func TestLoad_CompiledReuse(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	l := newLoader(t, WithRegisterer(reg))
	bin := testmod.Bindgen()

	m, err := l.Compile(ctx, source.Bytes(bin))
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Digest()) != 64 || !bytes.Equal(m.Binary(), bin) {
		t.Errorf("digest %q", m.Digest())
	}

	for i := 0; i < 2; i++ {
		inst, err := l.Load(ctx, source.Compiled(m), nil)
		if err != nil {
			t.Fatal(err)
		}
		if inst.Module() != m {
			t.Error("compiled module not reused")
		}
		inst.Close(ctx)
	}

	inst, err := l.Load(ctx, source.Bytes(bin), nil)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Module() != m {
		t.Error("bytes load did not hit the cache")
	}
	inst.Close(ctx)

	if got := testutil.ToFloat64(l.metrics.CacheMissesTotal); got != 1 {
		t.Errorf("misses = %v", got)
	}
	if got := testutil.ToFloat64(l.metrics.CacheHitsTotal); got != 1 {
		t.Errorf("hits = %v", got)
	}
	if got := testutil.ToFloat64(l.metrics.LoadsTotal.WithLabelValues("ok")); got != 3 {
		t.Errorf("ok loads = %v", got)
	}
	if got := testutil.ToFloat64(l.metrics.InstancesOpen); got != 0 {
		t.Errorf("open instances = %v", got)
	}

	other := newLoader(t)
	inst, err = other.Load(ctx, source.Compiled(m), nil)
	if err != nil {
		t.Fatalf("foreign compiled module: %v", err)
	}
	if inst.Module() == m {
		t.Error("foreign module used without recompiling")
	}
	inst.Close(ctx)
}

func TestLoad_CacheEviction(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.CacheSize = 1
	l := newLoader(t, WithConfig(cfg))

	held := load(t, l, testmod.Bindgen(), nil)
	other := load(t, l, testmod.Adder(), nil)
	_ = other

	if st := l.CacheStats(); st.Evictions != 1 {
		t.Errorf("evictions = %d", st.Evictions)
	}
	// The evicted module stays usable while an instance pins it.
	if got := call1(t, held, testmod.Mul, 6, 7); got != 42 {
		t.Errorf("mul = %d", got)
	}
	inst, err := l.Load(ctx, source.Bytes(testmod.Bindgen()), nil)
	if err != nil {
		t.Fatalf("reload after eviction: %v", err)
	}
	inst.Close(ctx)
}

func TestLoad_Deferred(t *testing.T) {
	l := newLoader(t)
	ch := make(chan source.Source, 1)
	ch <- source.Bytes(testmod.Adder())

	inst, err := l.Load(context.Background(), source.FromChannel(ch), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close(context.Background())
	if got := call1(t, inst, testmod.Add, 3, 4); got != 7 {
		t.Errorf("add = %d", got)
	}
}

func TestLoad_Cancelled(t *testing.T) {
	l := newLoader(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Load(ctx, source.Bytes(testmod.Adder()), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	l, err := New(ctx)
	if err != nil {
		t.Fatal(err)
	}
	inst, err := l.Load(ctx, source.Bytes(testmod.Bindgen()), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := inst.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := inst.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := inst.Call(ctx, testmod.Add, 1, 2); !errors.Is(err, wlerrors.ErrClosed) {
		t.Errorf("Call after Close = %v", err)
	}
	if _, err := inst.Alloc(ctx, 4); !errors.Is(err, wlerrors.ErrClosed) {
		t.Errorf("Alloc after Close = %v", err)
	}
	if inst.Memory() != nil {
		t.Error("Memory after Close should be nil")
	}
	if _, err := inst.WriteBytes(ctx, []byte("x")); !errors.Is(err, wlerrors.ErrClosed) {
		t.Errorf("WriteBytes after Close = %v", err)
	}

	if err := l.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Load(ctx, source.Bytes(testmod.Adder()), nil); !errors.Is(err, wlerrors.ErrClosed) {
		t.Errorf("Load after Close = %v", err)
	}
}

func TestInstance_CancelledCall(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	l := newLoader(t, WithRegisterer(reg))
	inst := load(t, l, testmod.Bindgen(), nil)

	cctx, cancel := context.WithCancel(ctx)
	cancel()

	if _, err := inst.Call(cctx, testmod.Add, 1, 2); !errors.Is(err, context.Canceled) {
		t.Errorf("Call with cancelled context = %v", err)
	}
	if _, err := inst.Alloc(cctx, 8); !errors.Is(err, context.Canceled) {
		t.Errorf("Alloc with cancelled context = %v", err)
	}
	if err := inst.Start(cctx); !errors.Is(err, wlerrors.ErrStartFailed) || !errors.Is(err, context.Canceled) {
		t.Errorf("Start with cancelled context = %v", err)
	}
	sig := wasmloader.Signature{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}}
	if _, err := inst.Table().Dispatch(cctx, testmod.SlotAdd, sig, 1, 2); !errors.Is(err, context.Canceled) {
		t.Errorf("Dispatch with cancelled context = %v", err)
	}

	if got := call1(t, inst, testmod.Add, 1, 2); got != 3 {
		t.Errorf("add after cancelled calls = %d", got)
	}
	if inst.Starts() != 1 {
		t.Errorf("Starts() = %d, cancelled Start must not run", inst.Starts())
	}
	if v := testutil.ToFloat64(l.metrics.InstancesOpen); v != 1 {
		t.Errorf("instances open = %v", v)
	}
}

func TestInstance_ModuleClosedUnderneath(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	l := newLoader(t, WithRegisterer(reg))
	inst := load(t, l, testmod.Bindgen(), nil)

	// What wazero does when a call's context ends mid-execution.
	if err := inst.mod.CloseWithExitCode(ctx, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := inst.Call(ctx, testmod.Add, 1, 2); !errors.Is(err, wlerrors.ErrClosed) {
		t.Errorf("Call on dead instance = %v, want closed", err)
	}
	if v := testutil.ToFloat64(l.metrics.InstancesOpen); v != 0 {
		t.Errorf("instances open = %v after instance died", v)
	}
	if err := inst.Start(ctx); !errors.Is(err, wlerrors.ErrClosed) {
		t.Errorf("Start on dead instance = %v, want closed", err)
	}
	if _, err := inst.Alloc(ctx, 8); !errors.Is(err, wlerrors.ErrClosed) {
		t.Errorf("Alloc on dead instance = %v, want closed", err)
	}
	if inst.Memory() != nil {
		t.Error("Memory on dead instance should be nil")
	}
	if err := inst.Close(ctx); err != nil {
		t.Errorf("Close after reap: %v", err)
	}
	if v := testutil.ToFloat64(l.metrics.InstancesOpen); v != 0 {
		t.Errorf("instances open = %v after Close", v)
	}
}

func TestInstance_WriteBytesFreesOnFailure(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)
	inst := load(t, l, testmod.EdgeAllocator(), nil)

	_, err := inst.WriteBytes(ctx, make([]byte, 16))
	if !errors.Is(err, wlerrors.ErrOutOfBounds) {
		t.Fatalf("WriteBytes = %v, want out_of_bounds", err)
	}
	if got := call1(t, inst, testmod.LastFreed); got != uint64(testmod.EdgePtr) {
		t.Errorf("freed ptr = %d, want %d", got, testmod.EdgePtr)
	}
	if got := call1(t, inst, testmod.LastFreedSize); got != 16 {
		t.Errorf("freed size = %d, want 16", got)
	}

	ptr, err := inst.WriteBytes(ctx, []byte("ok"))
	if err != nil {
		t.Fatal(err)
	}
	if ptr != uint32(testmod.EdgePtr) {
		t.Errorf("ptr = %d", ptr)
	}
}

func TestConfig_Validate(t *testing.T) {
	bad := []Config{
		{CacheSize: -1},
		{MemoryLimitPages: 70000},
		{Exports: ExportNames{Align: 3}},
		{Exports: ExportNames{Require: []string{"heap"}}},
	}
	for i, cfg := range bad {
		if _, err := New(context.Background(), WithConfig(cfg)); err == nil {
			t.Errorf("config %d accepted", i)
		}
	}
}
