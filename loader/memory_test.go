package loader

import (
	"errors"
	"testing"

	wlerrors "github.com/wippyai/wasm-loader/errors"
	"github.com/wippyai/wasm-loader/internal/testmod"
)

func TestMemory_ReadWrite(t *testing.T) {
	l := newLoader(t)
	mem := load(t, l, testmod.Bindgen(), nil).Memory()
	if mem == nil {
		t.Fatal("no memory bound")
	}
	if mem.Size() != 65536 {
		t.Fatalf("Size() = %d", mem.Size())
	}

	if err := mem.WriteU32(100, 0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.ReadU32(100); v != 0xDEADBEEF {
		t.Errorf("ReadU32 = %#x", v)
	}
	if v, _ := mem.ReadU8(100); v != 0xEF {
		t.Errorf("ReadU8 = %#x, want little-endian low byte", v)
	}
	if v, _ := mem.ReadU16(102); v != 0xDEAD {
		t.Errorf("ReadU16 = %#x", v)
	}

	if err := mem.WriteU64(200, 1<<40+7); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.ReadU64(200); v != 1<<40+7 {
		t.Errorf("ReadU64 = %d", v)
	}
	if err := mem.WriteU8(300, 9); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU16(302, 0xBEEF); err != nil {
		t.Fatal(err)
	}

	got, err := mem.Read(300, 4)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "\x09\x00\xef\xbe" {
		t.Errorf("Read = %x", got)
	}
	got[0] = 0xFF
	if v, _ := mem.ReadU8(300); v != 9 {
		t.Error("Read must return a copy")
	}
}

func TestMemory_Bounds(t *testing.T) {
	l := newLoader(t)
	mem := load(t, l, testmod.Bindgen(), nil).Memory()

	checks := map[string]error{
		"read past end":    func() error { _, err := mem.Read(65535, 2); return err }(),
		"read u8 at end":   func() error { _, err := mem.ReadU8(65536); return err }(),
		"read u32 overlap": func() error { _, err := mem.ReadU32(65534); return err }(),
		"read u64 overlap": func() error { _, err := mem.ReadU64(65530); return err }(),
		"write past end":   mem.Write(65530, make([]byte, 7)),
		"write u16 at end": mem.WriteU16(65535, 1),
		"write u64":        mem.WriteU64(65532, 1),
	}
	for name, err := range checks {
		if !errors.Is(err, wlerrors.ErrOutOfBounds) {
			t.Errorf("%s: got %v, want out_of_bounds", name, err)
		}
	}

	if _, err := mem.Read(65535, 1); err != nil {
		t.Errorf("last byte should be readable: %v", err)
	}
}

func TestMemory_GrowLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemoryLimitPages = 2
	l := newLoader(t, WithConfig(cfg))
	mem := load(t, l, testmod.Bindgen(), nil).Memory()

	prev, err := mem.Grow(1)
	if err != nil {
		t.Fatalf("Grow(1): %v", err)
	}
	if prev != 1 || mem.Size() != 2*65536 {
		t.Errorf("prev = %d, size = %d", prev, mem.Size())
	}

	_, err = mem.Grow(1)
	if wlerrors.KindOf(err) != wlerrors.KindAllocation {
		t.Errorf("Grow past limit: got %v, want allocation error", err)
	}
}
