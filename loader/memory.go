package loader

import (
	"github.com/tetratelabs/wazero/api"

	wasmloader "github.com/wippyai/wasm-loader"
	wlerrors "github.com/wippyai/wasm-loader/errors"
)

var (
	_ wasmloader.Memory      = (*Memory)(nil)
	_ wasmloader.MemorySizer = (*Memory)(nil)
)

// Memory is a bounds-checked view of an instance's linear memory. Reads
// return copies; the underlying buffer may move when memory grows.
type Memory struct {
	mem api.Memory
}

func newMemory(mem api.Memory) *Memory {
	return &Memory{mem: mem}
}

// Size returns the current size in bytes.
func (m *Memory) Size() uint32 {
	return m.mem.Size()
}

// Grow adds delta pages and returns the previous size in pages.
func (m *Memory) Grow(delta uint32) (uint32, error) {
	prev, ok := m.mem.Grow(delta)
	if !ok {
		return 0, wlerrors.New(wlerrors.PhaseRuntime, wlerrors.KindAllocation).
			Detail("grow memory by %d pages from %d bytes", delta, m.mem.Size()).
			Build()
	}
	return prev, nil
}

func (m *Memory) oob(what string, offset, length uint32) error {
	return wlerrors.OutOfBounds(wlerrors.PhaseRuntime, what, uint64(offset), uint64(length), uint64(m.mem.Size()))
}

func (m *Memory) Read(offset, length uint32) ([]byte, error) {
	b, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, m.oob("read", offset, length)
	}
	out := make([]byte, length)
	copy(out, b)
	return out, nil
}

func (m *Memory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return m.oob("write", offset, uint32(len(data)))
	}
	return nil
}

func (m *Memory) ReadU8(offset uint32) (uint8, error) {
	v, ok := m.mem.ReadByte(offset)
	if !ok {
		return 0, m.oob("read", offset, 1)
	}
	return v, nil
}

func (m *Memory) ReadU16(offset uint32) (uint16, error) {
	v, ok := m.mem.ReadUint16Le(offset)
	if !ok {
		return 0, m.oob("read", offset, 2)
	}
	return v, nil
}

func (m *Memory) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, m.oob("read", offset, 4)
	}
	return v, nil
}

func (m *Memory) ReadU64(offset uint32) (uint64, error) {
	v, ok := m.mem.ReadUint64Le(offset)
	if !ok {
		return 0, m.oob("read", offset, 8)
	}
	return v, nil
}

func (m *Memory) WriteU8(offset uint32, value uint8) error {
	if !m.mem.WriteByte(offset, value) {
		return m.oob("write", offset, 1)
	}
	return nil
}

func (m *Memory) WriteU16(offset uint32, value uint16) error {
	if !m.mem.WriteUint16Le(offset, value) {
		return m.oob("write", offset, 2)
	}
	return nil
}

func (m *Memory) WriteU32(offset uint32, value uint32) error {
	if !m.mem.WriteUint32Le(offset, value) {
		return m.oob("write", offset, 4)
	}
	return nil
}

func (m *Memory) WriteU64(offset uint32, value uint64) error {
	if !m.mem.WriteUint64Le(offset, value) {
		return m.oob("write", offset, 8)
	}
	return nil
}
