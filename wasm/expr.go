package wasm

import (
	stdbinary "encoding/binary"

	"github.com/wippyai/wasm-loader/wasm/internal/binary"
)

var le = stdbinary.LittleEndian

// Expr assembles an instruction sequence. Methods append one instruction
// and return the receiver so sequences read top to bottom:
//
//	body := wasm.NewExpr().
//		LocalGet(0).LocalGet(1).I32Add().
//		End().Bytes()
type Expr struct {
	w binary.Writer
}

// NewExpr returns an empty instruction sequence.
func NewExpr() *Expr {
	return &Expr{}
}

// Bytes returns the encoded instructions.
func (e *Expr) Bytes() []byte {
	return e.w.Bytes()
}

func (e *Expr) op(b byte) *Expr {
	e.w.Byte(b)
	return e
}

func (e *Expr) opU32(b byte, v uint32) *Expr {
	e.w.Byte(b)
	e.w.WriteU32(v)
	return e
}

// Control flow.

func (e *Expr) Unreachable() *Expr { return e.op(OpUnreachable) }
func (e *Expr) End() *Expr         { return e.op(OpEnd) }
func (e *Expr) Select() *Expr      { return e.op(OpSelect) }

// Block opens a block with the given block type (BlockEmpty or a ValType byte).
func (e *Expr) Block(bt byte) *Expr {
	e.w.Byte(OpBlock)
	e.w.Byte(bt)
	return e
}

// Loop opens a loop.
func (e *Expr) Loop(bt byte) *Expr {
	e.w.Byte(OpLoop)
	e.w.Byte(bt)
	return e
}

// If opens an if.
func (e *Expr) If(bt byte) *Expr {
	e.w.Byte(OpIf)
	e.w.Byte(bt)
	return e
}

func (e *Expr) Br(depth uint32) *Expr   { return e.opU32(OpBr, depth) }
func (e *Expr) BrIf(depth uint32) *Expr { return e.opU32(OpBrIf, depth) }
func (e *Expr) Call(idx uint32) *Expr   { return e.opU32(OpCall, idx) }

// Variables.

func (e *Expr) LocalGet(idx uint32) *Expr  { return e.opU32(OpLocalGet, idx) }
func (e *Expr) LocalSet(idx uint32) *Expr  { return e.opU32(OpLocalSet, idx) }
func (e *Expr) GlobalGet(idx uint32) *Expr { return e.opU32(OpGlobalGet, idx) }
func (e *Expr) GlobalSet(idx uint32) *Expr { return e.opU32(OpGlobalSet, idx) }

// Memory.

// MemorySize pushes the size of memory 0 in pages.
func (e *Expr) MemorySize() *Expr {
	e.w.Byte(OpMemorySize)
	e.w.Byte(0)
	return e
}

// MemoryGrow grows memory 0 by the popped page count.
func (e *Expr) MemoryGrow() *Expr {
	e.w.Byte(OpMemoryGrow)
	e.w.Byte(0)
	return e
}

// MemoryCopy copies within memory 0: (dst, src, n).
func (e *Expr) MemoryCopy() *Expr {
	e.w.Byte(OpPrefixFC)
	e.w.WriteU32(OpMemoryCopy)
	e.w.Byte(0)
	e.w.Byte(0)
	return e
}

// Numeric.

func (e *Expr) I32Const(v int32) *Expr {
	e.w.Byte(OpI32Const)
	e.w.WriteS32(v)
	return e
}

func (e *Expr) I64Const(v int64) *Expr {
	e.w.Byte(OpI64Const)
	e.w.WriteS64(v)
	return e
}

func (e *Expr) I32Eq() *Expr  { return e.op(OpI32Eq) }
func (e *Expr) I32LtU() *Expr { return e.op(OpI32LtU) }
func (e *Expr) I32LeU() *Expr { return e.op(OpI32LeU) }
func (e *Expr) I32Add() *Expr { return e.op(OpI32Add) }
func (e *Expr) I32Mul() *Expr { return e.op(OpI32Mul) }
func (e *Expr) I32And() *Expr { return e.op(OpI32And) }
func (e *Expr) I32Shl() *Expr { return e.op(OpI32Shl) }

// F32Const pushes an f32 given its IEEE 754 bits.
func (e *Expr) F32Const(bits uint32) *Expr {
	e.w.Byte(OpF32Const)
	var b [4]byte
	le.PutUint32(b[:], bits)
	e.w.WriteBytes(b[:])
	return e
}

// F64Const pushes an f64 given its IEEE 754 bits.
func (e *Expr) F64Const(bits uint64) *Expr {
	e.w.Byte(OpF64Const)
	var b [8]byte
	le.PutUint64(b[:], bits)
	e.w.WriteBytes(b[:])
	return e
}
