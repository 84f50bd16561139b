package wasmloader

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// Memory represents WASM linear memory
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU8(offset uint32) (uint8, error)
	ReadU16(offset uint32) (uint16, error)
	ReadU32(offset uint32) (uint32, error)
	ReadU64(offset uint32) (uint64, error)
	WriteU8(offset uint32, value uint8) error
	WriteU16(offset uint32, value uint16) error
	WriteU32(offset uint32, value uint32) error
	WriteU64(offset uint32, value uint64) error
}

// MemorySizer provides the current size of WASM linear memory in bytes.
type MemorySizer interface {
	Size() uint32
}

// Allocator allocates memory in WASM linear memory through the module's own
// allocator exports.
type Allocator interface {
	Alloc(ctx context.Context, size uint32) (uint32, error)
	Realloc(ctx context.Context, ptr, oldSize, newSize uint32) (uint32, error)
	Free(ctx context.Context, ptr, size uint32) error
}

// Signature is the wasm type a caller expects of an indirect call target.
type Signature struct {
	Params  []api.ValueType
	Results []api.ValueType
}

// Dispatcher calls functions stored in a module's indirect function table.
type Dispatcher interface {
	Dispatch(ctx context.Context, index uint32, sig Signature, args ...uint64) ([]uint64, error)
}
