package imports

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	wlerrors "github.com/wippyai/wasm-loader/errors"
	"github.com/wippyai/wasm-loader/internal/testmod"
	"github.com/wippyai/wasm-loader/wasm"
)

func u32(v uint32) *uint32 { return &v }

func decode(t *testing.T, bin []byte) *wasm.Module {
	t.Helper()
	m, err := wasm.Decode(bin)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return m
}

func TestBuilder_Errors(t *testing.T) {
	noop := func(context.Context, api.Module, []uint64) {}
	tests := []struct {
		name  string
		build func(b *Builder)
		kind  wlerrors.Kind
	}{
		{"duplicate", func(b *Builder) {
			b.Func("env", "f", noop, nil, nil).Func("env", "f", noop, nil, nil)
		}, wlerrors.KindDuplicate},
		{"empty namespace", func(b *Builder) { b.Func("", "f", noop, nil, nil) }, wlerrors.KindInvalidInput},
		{"nil func", func(b *Builder) { b.Func("env", "f", nil, nil, nil) }, wlerrors.KindInvalidInput},
		{"v128 param", func(b *Builder) { b.Func("env", "f", noop, []api.ValueType{0x7b}, nil) }, wlerrors.KindUnsupported},
		{"memory max below min", func(b *Builder) { b.Memory("env", "memory", 2, u32(1)) }, wlerrors.KindInvalidInput},
		{"memory too large", func(b *Builder) { b.Memory("env", "memory", 70000, nil) }, wlerrors.KindInvalidInput},
		{"table max below min", func(b *Builder) { b.Table("env", "t", 4, u32(1)) }, wlerrors.KindInvalidInput},
		{"externref global", func(b *Builder) { b.Global("env", "g", api.ValueTypeExternref, 0, false) }, wlerrors.KindUnsupported},
		{"bad go func", func(b *Builder) { b.GoFunc("env", "f", func(string) {}) }, wlerrors.KindTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder()
			tt.build(b)
			_, err := b.Build()
			if err == nil {
				t.Fatal("expected error")
			}
			if got := wlerrors.KindOf(err); got != tt.kind {
				t.Errorf("kind = %s, want %s (%v)", got, tt.kind, err)
			}
		})
	}
}

func TestTable_Immutable(t *testing.T) {
	b := NewBuilder().GoFunc("env", "log", func(uint32) {})
	table, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	b.Memory("env", "memory", 1, nil)

	if table.Len() != 1 {
		t.Errorf("table changed after builder mutation: %d entries", table.Len())
	}
	if _, ok := table.Lookup("env", "memory"); ok {
		t.Error("builder mutation leaked into table")
	}

	ext, err := NewBuilder().Include(table).Global("env", "seed", api.ValueTypeI32, 1, false).Build()
	if err != nil {
		t.Fatal(err)
	}
	if ext.Len() != 2 || table.Len() != 1 {
		t.Errorf("Include: ext=%d table=%d", ext.Len(), table.Len())
	}
	if got := ext.Namespaces(); len(got) != 1 || got[0] != "env" {
		t.Errorf("namespaces = %v", got)
	}
}

func TestTable_Check(t *testing.T) {
	m := decode(t, testmod.Bindgen(testmod.WithLogImport(), testmod.WithImportedMemory(), testmod.WithImportedGlobal()))

	t.Run("complete", func(t *testing.T) {
		table := NewBuilder().
			GoFunc("env", "log", func(uint32) {}).
			Memory("env", "memory", 1, nil).
			Global("env", "seed", api.ValueTypeI32, 5, false).
			MustBuild()
		if err := table.Check(m); err != nil {
			t.Fatalf("Check: %v", err)
		}
	})

	t.Run("missing everything", func(t *testing.T) {
		err := Empty().Check(m)
		var ime *wlerrors.ImportMismatchError
		if !errors.As(err, &ime) {
			t.Fatalf("expected ImportMismatchError, got %v", err)
		}
		if ime.Len() != 3 {
			t.Errorf("expected 3 mismatches, got %d: %v", ime.Len(), err)
		}
		if !errors.Is(err, wlerrors.ErrImportMismatch) {
			t.Error("should match ErrImportMismatch")
		}
	})

	t.Run("wrong shapes", func(t *testing.T) {
		table := NewBuilder().
			GoFunc("env", "log", func(uint64) {}).
			Table("env", "memory", 1, nil).
			Global("env", "seed", api.ValueTypeI32, 5, true).
			MustBuild()
		err := table.Check(m)
		var ime *wlerrors.ImportMismatchError
		if !errors.As(err, &ime) {
			t.Fatalf("expected ImportMismatchError, got %v", err)
		}
		msg := err.Error()
		for _, s := range []string{"signature (i32) -> ()", "provided a table", "mutable=false"} {
			if !strings.Contains(msg, s) {
				t.Errorf("message missing %q:\n%s", s, msg)
			}
		}
	})

	t.Run("memory too small", func(t *testing.T) {
		mm := decode(t, testmod.Bindgen(testmod.WithImportedMemory(), testmod.WithMemoryMax(2)))
		table := NewBuilder().Memory("env", "memory", 1, nil).MustBuild()
		err := table.Check(mm)
		if err == nil || !strings.Contains(err.Error(), "limits") {
			t.Fatalf("expected limits mismatch, got %v", err)
		}
		ok := NewBuilder().Memory("env", "memory", 1, u32(2)).MustBuild()
		if err := ok.Check(mm); err != nil {
			t.Errorf("bounded memory rejected: %v", err)
		}
	})

	t.Run("skip namespace", func(t *testing.T) {
		if err := Empty().Check(m, "env"); err != nil {
			t.Errorf("skipped namespace still checked: %v", err)
		}
		reserved := NewBuilder().GoFunc("env", "log", func(uint32) {}).MustBuild()
		if err := reserved.Check(m, "env"); err == nil {
			t.Error("providing a reserved namespace should fail")
		}
	})

	t.Run("unused", func(t *testing.T) {
		table := NewBuilder().
			GoFunc("env", "log", func(uint32) {}).
			GoFunc("env", "extra", func(uint32) {}).
			MustBuild()
		if got := table.Unused(m); len(got) != 1 || got[0] != "env#extra" {
			t.Errorf("Unused = %v", got)
		}
	})
}

func TestReflectFunc(t *testing.T) {
	f, err := ReflectFunc(func(ctx context.Context, mod api.Module, a int32, b uint64, c float32, d float64) (int32, float64) {
		if ctx == nil {
			panic("nil ctx")
		}
		return a * 2, float64(b) + float64(c) + d
	})
	if err != nil {
		t.Fatal(err)
	}
	wantParams := []api.ValueType{api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64}
	if FuncType(f.Params, f.Results).String() != FuncType(wantParams, []api.ValueType{api.ValueTypeI32, api.ValueTypeF64}).String() {
		t.Errorf("signature = %s", FuncType(f.Params, f.Results))
	}

	neg := int32(-21)
	stack := []uint64{uint64(uint32(neg)), 10, uint64(math.Float32bits(0.5)), math.Float64bits(1.5)}
	f.Fn(context.Background(), nil, stack)
	if got := int32(uint32(stack[0])); got != -42 {
		t.Errorf("result 0 = %d", got)
	}
	if got := math.Float64frombits(stack[1]); got != 12 {
		t.Errorf("result 1 = %v", got)
	}

	fast, err := ReflectFunc(func(uint32, uint32) {})
	if err != nil || len(fast.Params) != 2 {
		t.Errorf("fast path: %v %v", fast.Params, err)
	}

	for _, bad := range []any{42, func(...uint32) {}, func() string { return "" }, func(int) {}} {
		if _, err := ReflectFunc(bad); err == nil {
			t.Errorf("ReflectFunc(%T) should fail", bad)
		}
	}
}

func TestStub(t *testing.T) {
	m := decode(t, testmod.Bindgen(testmod.WithLogImport(), testmod.WithImportedMemory(), testmod.WithImportedGlobal(), testmod.WithImportedTable()))
	table, err := Stub(m)
	if err != nil {
		t.Fatal(err)
	}
	if table.Len() != 4 {
		t.Errorf("stub entries = %d", table.Len())
	}
	if err := table.Check(m); err != nil {
		t.Errorf("stub does not satisfy module: %v", err)
	}

	partial, err := Stub(m, "env")
	if err != nil {
		t.Fatal(err)
	}
	if partial.Len() != 0 {
		t.Errorf("skipped namespace stubbed: %d", partial.Len())
	}
}

func TestInstantiate(t *testing.T) {
	ctx := context.Background()
	bin := testmod.Bindgen(testmod.WithLogImport(), testmod.WithImportedMemory(), testmod.WithImportedGlobal(), testmod.WithImportedTable())

	var logged []uint32
	table := NewBuilder().
		GoFunc("env", "log", func(v uint32) { logged = append(logged, v) }).
		Memory("env", "memory", 2, nil).
		Table("env", "table", 1, nil).
		Global("env", "seed", api.ValueTypeI32, 99, false).
		MustBuild()

	for round := 0; round < 2; round++ {
		rt := wazero.NewRuntime(ctx)
		if err := table.Instantiate(ctx, rt); err != nil {
			t.Fatalf("Instantiate: %v", err)
		}
		mod, err := rt.Instantiate(ctx, bin)
		if err != nil {
			t.Fatalf("instantiate fixture: %v", err)
		}

		if _, err := mod.ExportedFunction(testmod.Start).Call(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}
		res, err := mod.ExportedFunction("seed").Call(ctx)
		if err != nil || res[0] != 99 {
			t.Errorf("seed = %v, %v", res, err)
		}
		if got := mod.ExportedMemory(testmod.Memory).Size(); got != 2*wasm.PageSize {
			t.Errorf("memory size = %d", got)
		}
		// Fresh memory per runtime: the first byte written last round is gone.
		if b, _ := mod.ExportedMemory(testmod.Memory).ReadByte(0); b != 0 {
			t.Errorf("round %d: memory shared between runtimes", round)
		}
		mod.ExportedMemory(testmod.Memory).WriteByte(0, 0xAA)

		if err := rt.Close(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if len(logged) != 2 || logged[0] != 1 || logged[1] != 1 {
		t.Errorf("log calls = %v", logged)
	}
}

func TestShimModule_MultipleMemories(t *testing.T) {
	entries := NewBuilder().
		Memory("env", "a", 1, nil).
		Memory("env", "b", 1, nil).
		MustBuild().Entries()
	if _, err := ShimModule("env#host", entries); err == nil {
		t.Fatal("expected error for two memories")
	}
}
