package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

func parseArgs(args []string, types []api.ValueType) ([]uint64, error) {
	if len(args) != len(types) {
		return nil, fmt.Errorf("expected %d arguments, got %d", len(types), len(args))
	}
	out := make([]uint64, len(args))
	for i, s := range args {
		v, err := parseArg(s, types[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// parseArg encodes s as a raw wasm value of type t. Integers accept
// decimal, 0x hex and negative values.
func parseArg(s string, t api.ValueType) (uint64, error) {
	s = strings.TrimSpace(s)
	switch t {
	case api.ValueTypeI32:
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil || v < -1<<31 || v > 1<<32-1 {
			return 0, fmt.Errorf("invalid i32 %q", s)
		}
		return uint64(uint32(v)), nil
	case api.ValueTypeI64:
		if v, err := strconv.ParseInt(s, 0, 64); err == nil {
			return uint64(v), nil
		}
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid i64 %q", s)
		}
		return v, nil
	case api.ValueTypeF32:
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid f32 %q", s)
		}
		return api.EncodeF32(float32(v)), nil
	case api.ValueTypeF64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid f64 %q", s)
		}
		return api.EncodeF64(v), nil
	default:
		return 0, fmt.Errorf("unsupported parameter type %s", api.ValueTypeName(t))
	}
}

func formatValue(v uint64, t api.ValueType) string {
	switch t {
	case api.ValueTypeI32:
		return strconv.FormatInt(int64(api.DecodeI32(v)), 10)
	case api.ValueTypeI64:
		return strconv.FormatInt(int64(v), 10)
	case api.ValueTypeF32:
		return strconv.FormatFloat(float64(api.DecodeF32(v)), 'g', -1, 32)
	case api.ValueTypeF64:
		return strconv.FormatFloat(api.DecodeF64(v), 'g', -1, 64)
	default:
		return fmt.Sprintf("%#x", v)
	}
}

func formatResults(vals []uint64, types []api.ValueType) string {
	if len(vals) == 0 {
		return "()"
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		t := api.ValueTypeI64
		if i < len(types) {
			t = types[i]
		}
		parts[i] = formatValue(v, t)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
