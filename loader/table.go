package loader

import (
	"context"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental/table"

	wasmloader "github.com/wippyai/wasm-loader"
	wlerrors "github.com/wippyai/wasm-loader/errors"
)

var _ wasmloader.Dispatcher = (*Table)(nil)

// Table dispatches calls through the module's indirect function table. One
// generic entry point replaces a trampoline export per callback.
type Table struct {
	inst  *Instance
	name  string
	index uint32
}

// Name returns the export name of the table.
func (t *Table) Name() string { return t.name }

// Dispatch calls the function at index with args. The entry must have
// exactly the signature sig; a null or out-of-range entry is an
// out_of_bounds error and a signature mismatch a type_mismatch error.
func (t *Table) Dispatch(ctx context.Context, index uint32, sig wasmloader.Signature, args ...uint64) ([]uint64, error) {
	if err := t.inst.usable(); err != nil {
		return nil, err
	}
	if len(args) != len(sig.Params) {
		return nil, wlerrors.New(wlerrors.PhaseRuntime, wlerrors.KindTypeMismatch).
			Path(t.name, fmt.Sprint(index)).
			Detail("expected %d arguments, got %d", len(sig.Params), len(args)).
			Build()
	}
	fn, err := t.Lookup(index, sig)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, wlerrors.Trap(fmt.Sprintf("%s[%d]", t.name, index), err)
	}
	res, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, t.inst.callError(fmt.Sprintf("%s[%d]", t.name, index), err)
	}
	return res, nil
}

// Lookup returns the function at index if it has signature sig.
func (t *Table) Lookup(index uint32, sig wasmloader.Signature) (fn api.Function, err error) {
	if err := t.inst.usable(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = lookupError(t.name, index, r)
		}
	}()
	return table.LookupFunction(t.inst.mod, t.index, index, sig.Params, sig.Results), nil
}

// lookupError converts the panic raised by table.LookupFunction.
func lookupError(name string, index uint32, r any) error {
	msg := fmt.Sprint(r)
	kind := wlerrors.KindOutOfBounds
	if strings.Contains(msg, "type mismatch") {
		kind = wlerrors.KindTypeMismatch
	}
	b := wlerrors.New(wlerrors.PhaseRuntime, kind).
		Path(name, fmt.Sprint(index)).
		Detail("indirect call %s[%d]: %s", name, index, msg)
	if e, ok := r.(error); ok {
		b.Cause(e)
	}
	return b.Build()
}
