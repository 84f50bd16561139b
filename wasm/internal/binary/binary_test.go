package binary

import (
	"errors"
	"io"
	"math"
	"testing"
)

func TestLEB128RoundTrip(t *testing.T) {
	u32 := []uint32{0, 1, 127, 128, 624485, math.MaxUint32}
	for _, v := range u32 {
		w := NewWriter()
		w.WriteU32(v)
		got, err := NewReader(w.Bytes()).ReadU32()
		if err != nil || got != v {
			t.Errorf("u32 %d: got %d, %v", v, got, err)
		}
	}

	s32 := []int32{0, 1, -1, 63, -64, 64, -65, math.MaxInt32, math.MinInt32}
	for _, v := range s32 {
		w := NewWriter()
		w.WriteS32(v)
		got, err := NewReader(w.Bytes()).ReadS32()
		if err != nil || got != v {
			t.Errorf("s32 %d: got %d, %v", v, got, err)
		}
	}

	s64 := []int64{0, -1, math.MaxInt64, math.MinInt64, -123456789012}
	for _, v := range s64 {
		w := NewWriter()
		w.WriteS64(v)
		got, err := NewReader(w.Bytes()).ReadS64()
		if err != nil || got != v {
			t.Errorf("s64 %d: got %d, %v", v, got, err)
		}
	}
}

func TestKnownEncodings(t *testing.T) {
	tests := []struct {
		name string
		fn   func(w *Writer)
		want []byte
	}{
		{"u32 624485", func(w *Writer) { w.WriteU32(624485) }, []byte{0xE5, 0x8E, 0x26}},
		{"s32 -123456", func(w *Writer) { w.WriteS32(-123456) }, []byte{0xC0, 0xBB, 0x78}},
		{"s32 -8", func(w *Writer) { w.WriteS32(-8) }, []byte{0x78}},
		{"name", func(w *Writer) { w.WriteName("env") }, []byte{3, 'e', 'n', 'v'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWriter()
			tt.fn(w)
			if string(w.Bytes()) != string(tt.want) {
				t.Errorf("got % x, want % x", w.Bytes(), tt.want)
			}
		})
	}
}

func TestReaderErrors(t *testing.T) {
	if _, err := NewReader([]byte{0x80, 0x80}).ReadU32(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("unterminated: %v", err)
	}
	if _, err := NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}).ReadU32(); !errors.Is(err, ErrOverflow) {
		t.Errorf("six-byte u32: %v", err)
	}
	if _, err := NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x1F}).ReadU32(); !errors.Is(err, ErrOverflow) {
		t.Errorf("u32 high bits: %v", err)
	}
	if _, err := NewReader([]byte{2, 0xC3, 0x28}).ReadName(); err == nil {
		t.Error("invalid utf-8 name accepted")
	}
	if _, err := NewReader([]byte{1, 2}).ReadBytes(3); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("short read: %v", err)
	}
}

func TestSubReaderPosition(t *testing.T) {
	r := NewReader([]byte{9, 9, 9, 1, 2, 3})
	if err := r.Skip(3); err != nil {
		t.Fatal(err)
	}
	sub, err := r.Sub(2)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Position() != 3 || sub.Len() != 2 {
		t.Errorf("sub position %d len %d", sub.Position(), sub.Len())
	}
	_, _ = sub.ReadByte()
	perr := sub.WrapError("test", io.EOF)
	var pe *ParseError
	if !errors.As(perr, &pe) || pe.Position != 4 {
		t.Errorf("ParseError = %v", perr)
	}
	if r.Len() != 1 {
		t.Errorf("parent len = %d", r.Len())
	}
}
