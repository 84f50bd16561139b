package imports

import (
	"context"
	"fmt"
	"math"
	"reflect"

	"github.com/tetratelabs/wazero/api"
)

var (
	ctxType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	moduleType = reflect.TypeOf((*api.Module)(nil)).Elem()
)

// ReflectFunc wraps a Go function as a host function. The function may
// take a leading context.Context, then an optional api.Module, followed by
// any number of int32, uint32, int64, uint64, float32 or float64 values,
// and may return values of the same types.
func ReflectFunc(fn any) (Func, error) {
	switch h := fn.(type) {
	case func(uint32):
		return Func{
			Fn:     func(_ context.Context, _ api.Module, stack []uint64) { h(uint32(stack[0])) },
			Params: []api.ValueType{api.ValueTypeI32},
		}, nil
	case func(context.Context, uint32):
		return Func{
			Fn:     func(ctx context.Context, _ api.Module, stack []uint64) { h(ctx, uint32(stack[0])) },
			Params: []api.ValueType{api.ValueTypeI32},
		}, nil
	case func(uint32, uint32):
		return Func{
			Fn:     func(_ context.Context, _ api.Module, stack []uint64) { h(uint32(stack[0]), uint32(stack[1])) },
			Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
		}, nil
	}

	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return Func{}, fmt.Errorf("handler must be function, got %T", fn)
	}
	rt := rv.Type()
	if rt.IsVariadic() {
		return Func{}, fmt.Errorf("variadic handlers are not supported: %s", rt)
	}

	pos := 0
	withCtx, withMod := false, false
	if pos < rt.NumIn() && rt.In(pos) == ctxType {
		withCtx = true
		pos++
	}
	if pos < rt.NumIn() && rt.In(pos) == moduleType {
		withMod = true
		pos++
	}

	var f Func
	argKinds := make([]reflect.Kind, 0, rt.NumIn()-pos)
	for i := pos; i < rt.NumIn(); i++ {
		vt, ok := valueTypeOf(rt.In(i).Kind())
		if !ok {
			return Func{}, fmt.Errorf("param %d: unsupported type %s", i, rt.In(i))
		}
		f.Params = append(f.Params, vt)
		argKinds = append(argKinds, rt.In(i).Kind())
	}
	for i := 0; i < rt.NumOut(); i++ {
		vt, ok := valueTypeOf(rt.Out(i).Kind())
		if !ok {
			return Func{}, fmt.Errorf("result %d: unsupported type %s", i, rt.Out(i))
		}
		f.Results = append(f.Results, vt)
	}

	argTypes := make([]reflect.Type, len(argKinds))
	for i := range argKinds {
		argTypes[i] = rt.In(pos + i)
	}

	f.Fn = func(ctx context.Context, mod api.Module, stack []uint64) {
		args := make([]reflect.Value, 0, rt.NumIn())
		if withCtx {
			args = append(args, reflect.ValueOf(ctx))
		}
		if withMod {
			if mod == nil {
				args = append(args, reflect.Zero(moduleType))
			} else {
				args = append(args, reflect.ValueOf(mod))
			}
		}
		for i, k := range argKinds {
			args = append(args, decodeArg(stack[i], k).Convert(argTypes[i]))
		}
		out := rv.Call(args)
		for i, v := range out {
			stack[i] = encodeResult(v)
		}
	}
	return f, nil
}

func valueTypeOf(k reflect.Kind) (api.ValueType, bool) {
	switch k {
	case reflect.Int32, reflect.Uint32:
		return api.ValueTypeI32, true
	case reflect.Int64, reflect.Uint64:
		return api.ValueTypeI64, true
	case reflect.Float32:
		return api.ValueTypeF32, true
	case reflect.Float64:
		return api.ValueTypeF64, true
	}
	return 0, false
}

func decodeArg(raw uint64, k reflect.Kind) reflect.Value {
	switch k {
	case reflect.Int32:
		return reflect.ValueOf(int32(uint32(raw)))
	case reflect.Uint32:
		return reflect.ValueOf(uint32(raw))
	case reflect.Int64:
		return reflect.ValueOf(int64(raw))
	case reflect.Float32:
		return reflect.ValueOf(math.Float32frombits(uint32(raw)))
	case reflect.Float64:
		return reflect.ValueOf(math.Float64frombits(raw))
	default:
		return reflect.ValueOf(raw)
	}
}

func encodeResult(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Int32:
		return uint64(uint32(int32(v.Int())))
	case reflect.Int64:
		return uint64(v.Int())
	case reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32:
		return uint64(math.Float32bits(float32(v.Float())))
	case reflect.Float64:
		return math.Float64bits(v.Float())
	}
	return 0
}
