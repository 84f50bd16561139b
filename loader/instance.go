package loader

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasmloader "github.com/wippyai/wasm-loader"
	wlerrors "github.com/wippyai/wasm-loader/errors"
	"github.com/wippyai/wasm-loader/wasm"
)

var _ wasmloader.Allocator = (*Instance)(nil)

// Instance is an instantiated module: its linear memory, its export roles
// and the runtime that owns them.
//
// Instance is NOT safe for concurrent use. Callers serialize every call
// into one instance.
type Instance struct {
	loader  *Loader
	module  *Module
	runtime wazero.Runtime
	mod     api.Module
	memory  *Memory
	table   *Table
	log     *zap.Logger
	roles   roles
	memName string
	starts  int
	loaded  bool // returned by Load; owns its pin and gauge slot
	closed  bool
}

func newInstance(l *Loader, m *Module, rt wazero.Runtime, mod api.Module) (*Instance, error) {
	inst := &Instance{
		loader:  l,
		module:  m,
		runtime: rt,
		mod:     mod,
		log:     l.log.With(zap.String("digest", shortDigest(m.digest))),
	}

	mem, name := resolveMemory(&l.cfg, m.header, mod, rt.Module)
	if mem != nil {
		inst.memory = newMemory(mem)
		inst.memName = name
	} else if l.cfg.required(RoleMemory) {
		return nil, wlerrors.InvalidModule("required memory not found", nil)
	}

	if name, idx, ok := resolveTable(&l.cfg, m.header); ok {
		inst.table = &Table{inst: inst, name: name, index: idx}
	} else if l.cfg.required(RoleTable) {
		return nil, wlerrors.InvalidModule("required indirect function table not found", nil)
	}

	r, err := resolveRoles(&l.cfg, m.header, mod)
	if err != nil {
		return nil, err
	}
	inst.roles = r

	inst.log.Debug("export roles bound",
		zap.String("memory", inst.memName),
		zap.String("alloc", r.alloc.name),
		zap.String("realloc", r.realloc.name),
		zap.String("free", r.free.name),
		zap.String("store_exception", r.storeExn.name),
		zap.String("start", r.start.name))
	return inst, nil
}

func (i *Instance) usable() error {
	if i.closed {
		return wlerrors.Closed("instance")
	}
	if i.reap() {
		return wlerrors.Closed("instance")
	}
	return nil
}

// reap closes the instance when wazero has already closed its module, as
// happens when a call's context is done while the guest runs. Calls with
// an already-done context are rejected before reaching wazero, so they
// leave the module open. It reports whether it closed the instance.
func (i *Instance) reap() bool {
	if i.closed || !i.loaded || !i.mod.IsClosed() {
		return false
	}
	i.log.Debug("module closed by its context; closing instance")
	_ = i.Close(context.Background())
	return true
}

// callError wraps a failed call as a trap and retires the instance if the
// failure closed its module.
func (i *Instance) callError(name string, err error) error {
	i.reap()
	return wlerrors.Trap(name, err)
}

// Module returns the compiled module this instance was created from.
func (i *Instance) Module() *Module { return i.module }

// Memory returns the instance's linear memory, or nil if the module has
// none or the instance is closed.
func (i *Instance) Memory() *Memory {
	if i.usable() != nil {
		return nil
	}
	return i.memory
}

// Table returns the indirect call table, or nil if the module exports none.
func (i *Instance) Table() *Table { return i.table }

// Exports returns the module's declared exports.
func (i *Instance) Exports() []wasm.Export { return i.module.header.Exports }

// ExportNames returns the module's declared export names in declaration
// order.
func (i *Instance) ExportNames() []string { return i.module.header.ExportNames() }

// Role returns the export name bound to role, or "" if the role is unbound.
func (i *Instance) Role(role string) string {
	switch role {
	case RoleMemory:
		return i.memName
	case RoleTable:
		if i.table != nil {
			return i.table.name
		}
	case RoleAlloc:
		if !i.roles.alloc.ok() && i.roles.realloc.ok() {
			return i.roles.realloc.name
		}
		return i.roles.alloc.name
	case RoleRealloc:
		return i.roles.realloc.name
	case RoleFree:
		return i.roles.free.name
	case RoleStoreException:
		return i.roles.storeExn.name
	case RoleStart:
		return i.roles.start.name
	}
	return ""
}

// Function returns the exported function name, or nil.
func (i *Instance) Function(name string) api.Function {
	if i.usable() != nil {
		return nil
	}
	return i.mod.ExportedFunction(name)
}

// Call invokes the exported function name with raw wasm values.
func (i *Instance) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	if err := i.usable(); err != nil {
		return nil, err
	}
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil, wlerrors.NotFound(wlerrors.PhaseRuntime, "exported function", name)
	}
	if err := ctx.Err(); err != nil {
		return nil, wlerrors.Trap(name, err)
	}
	if want := len(fn.Definition().ParamTypes()); want != len(args) {
		return nil, wlerrors.New(wlerrors.PhaseRuntime, wlerrors.KindTypeMismatch).
			Path(name).
			Detail("expected %d arguments, got %d", want, len(args)).
			Build()
	}
	res, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, i.callError(name, err)
	}
	return res, nil
}

func (i *Instance) call32(ctx context.Context, b binding, args ...uint64) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, wlerrors.Trap(b.name, err)
	}
	res, err := b.fn.Call(ctx, args...)
	if err != nil {
		return 0, i.callError(b.name, err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return uint32(res[0]), nil
}

// Alloc reserves size bytes through the module's allocator. A module with
// only a realloc export is served by realloc(0, 0, size).
func (i *Instance) Alloc(ctx context.Context, size uint32) (uint32, error) {
	if err := i.usable(); err != nil {
		return 0, err
	}
	align := uint64(i.loader.cfg.Exports.Align)
	b := i.roles.alloc
	if !b.ok() {
		if !i.roles.realloc.ok() {
			return 0, wlerrors.AllocationFailed(size, wlerrors.NotFound(wlerrors.PhaseRuntime, "export role", RoleAlloc))
		}
		return i.realloc(ctx, 0, 0, size)
	}

	var ptr uint32
	var err error
	switch b.shape {
	case shapeSizeAlign:
		ptr, err = i.call32(ctx, b, uint64(size), align)
	default:
		ptr, err = i.call32(ctx, b, uint64(size))
	}
	if err != nil {
		return 0, wlerrors.AllocationFailed(size, err)
	}
	if ptr == 0 && size > 0 {
		return 0, wlerrors.AllocationFailed(size, fmt.Errorf("%s returned null", b.name))
	}
	return ptr, nil
}

// Realloc resizes the block at ptr from oldSize to newSize bytes. Bytes up
// to min(oldSize, newSize) are preserved; the block may move.
func (i *Instance) Realloc(ctx context.Context, ptr, oldSize, newSize uint32) (uint32, error) {
	if err := i.usable(); err != nil {
		return 0, err
	}
	if !i.roles.realloc.ok() {
		return 0, wlerrors.AllocationFailed(newSize, wlerrors.NotFound(wlerrors.PhaseRuntime, "export role", RoleRealloc))
	}
	return i.realloc(ctx, ptr, oldSize, newSize)
}

func (i *Instance) realloc(ctx context.Context, ptr, oldSize, newSize uint32) (uint32, error) {
	b := i.roles.realloc
	align := uint64(i.loader.cfg.Exports.Align)
	var out uint32
	var err error
	switch b.shape {
	case shapeCABI:
		out, err = i.call32(ctx, b, uint64(ptr), uint64(oldSize), align, uint64(newSize))
	case shapeReallocAlign:
		out, err = i.call32(ctx, b, uint64(ptr), uint64(oldSize), uint64(newSize), align)
	default:
		out, err = i.call32(ctx, b, uint64(ptr), uint64(oldSize), uint64(newSize))
	}
	if err != nil {
		return 0, wlerrors.AllocationFailed(newSize, err)
	}
	if out == 0 && newSize > 0 {
		return 0, wlerrors.AllocationFailed(newSize, fmt.Errorf("%s returned null", b.name))
	}
	return out, nil
}

// Free returns a block obtained from Alloc or Realloc. Without a free
// export it is a no-op.
func (i *Instance) Free(ctx context.Context, ptr, size uint32) error {
	if err := i.usable(); err != nil {
		return err
	}
	b := i.roles.free
	if !b.ok() {
		return nil
	}
	var err error
	switch b.shape {
	case shapeFreeAlign:
		_, err = i.call32(ctx, b, uint64(ptr), uint64(size), uint64(i.loader.cfg.Exports.Align))
	default:
		_, err = i.call32(ctx, b, uint64(ptr), uint64(size))
	}
	return err
}

// WriteBytes allocates len(data) bytes, copies data in and returns the
// pointer.
func (i *Instance) WriteBytes(ctx context.Context, data []byte) (uint32, error) {
	if err := i.usable(); err != nil {
		return 0, err
	}
	if i.memory == nil {
		return 0, wlerrors.NotFound(wlerrors.PhaseRuntime, "export role", RoleMemory)
	}
	size := uint32(len(data))
	ptr, err := i.Alloc(ctx, size)
	if err != nil {
		return 0, err
	}
	if err := i.memory.Write(ptr, data); err != nil {
		if ferr := i.Free(ctx, ptr, size); ferr != nil {
			i.log.Warn("free after failed write", zap.Uint32("ptr", ptr), zap.Error(ferr))
		}
		return 0, err
	}
	return ptr, nil
}

// ReadBytes copies length bytes at ptr out of linear memory.
func (i *Instance) ReadBytes(ptr, length uint32) ([]byte, error) {
	if err := i.usable(); err != nil {
		return nil, err
	}
	if i.memory == nil {
		return nil, wlerrors.NotFound(wlerrors.PhaseRuntime, "export role", RoleMemory)
	}
	return i.memory.Read(ptr, length)
}

// StoreException hands ptr to the module's exception slot. The slot holds
// one value; a second store before the module consumes the first
// overwrites it.
func (i *Instance) StoreException(ctx context.Context, ptr uint32) error {
	if err := i.usable(); err != nil {
		return err
	}
	b := i.roles.storeExn
	if !b.ok() {
		return wlerrors.NotFound(wlerrors.PhaseRuntime, "export role", RoleStoreException)
	}
	_, err := i.call32(ctx, b, uint64(ptr))
	return err
}

// Start runs the start routine again. Load has already run it once; what a
// second run does is up to the module. A trap is a start_failed error and
// leaves the instance usable. Without a start routine Start does nothing.
func (i *Instance) Start(ctx context.Context) error {
	if err := i.usable(); err != nil {
		return err
	}
	if !i.roles.start.ok() {
		return nil
	}
	return i.runStart(ctx)
}

// Starts returns how many times the start routine has been invoked.
func (i *Instance) Starts() int { return i.starts }

func (i *Instance) runStart(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return wlerrors.StartFailed(i.roles.start.name, err)
	}
	i.starts++
	if _, err := i.roles.start.fn.Call(ctx); err != nil {
		i.reap()
		return wlerrors.StartFailed(i.roles.start.name, err)
	}
	return nil
}

// Close releases the instance's runtime and memory. Further calls fail
// with a closed error. Close is idempotent.
func (i *Instance) Close(ctx context.Context) error {
	if i.closed {
		return nil
	}
	i.closed = true
	err := i.runtime.Close(ctx)
	i.module.release(ctx)
	i.loader.metrics.InstancesOpen.Dec()
	if err != nil {
		i.log.Warn("close instance failed", zap.Error(err))
	}
	return err
}
