package source

import (
	"context"
	"fmt"
	"reflect"

	wlerrors "github.com/wippyai/wasm-loader/errors"
)

// Kind identifies the active variant of a Source.
type Kind uint8

const (
	KindNone Kind = iota
	KindBytes
	KindLocator
	KindCompiled
	KindDeferred
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindLocator:
		return "locator"
	case KindCompiled:
		return "compiled"
	case KindDeferred:
		return "deferred"
	default:
		return "none"
	}
}

// Precompiled is a module that has already been compiled. The loader's
// Module type implements it.
type Precompiled interface {
	// Digest is a stable content hash of the binary.
	Digest() string
	// Binary returns the original module bytes.
	Binary() []byte
}

// Source says where a module comes from. Exactly one variant is set; the
// zero value is invalid.
type Source struct {
	compiled Precompiled
	deferred func(context.Context) (Source, error)
	locator  string
	bytes    []byte
	kind     Kind
}

// Bytes wraps a raw module binary. The slice is not copied.
func Bytes(b []byte) Source {
	return Source{kind: KindBytes, bytes: b}
}

// Locator references a resource to fetch: a file path, file:// URL,
// http(s) URL or data: URL.
func Locator(ref string) Source {
	return Source{kind: KindLocator, locator: ref}
}

// Compiled wraps an already-compiled module.
func Compiled(m Precompiled) Source {
	return Source{kind: KindCompiled, compiled: m}
}

// Deferred wraps a source that becomes available later. fn is called once
// per resolution and may block until ctx is done.
func Deferred(fn func(ctx context.Context) (Source, error)) Source {
	return Source{kind: KindDeferred, deferred: fn}
}

// FromChannel is a Deferred source completed by a single send on ch.
func FromChannel(ch <-chan Source) Source {
	return Deferred(func(ctx context.Context) (Source, error) {
		select {
		case s, ok := <-ch:
			if !ok {
				return Source{}, fmt.Errorf("source channel closed")
			}
			return s, nil
		case <-ctx.Done():
			return Source{}, ctx.Err()
		}
	})
}

// Kind returns the active variant.
func (s Source) Kind() Kind { return s.kind }

// RawBytes returns the binary for a bytes source.
func (s Source) RawBytes() ([]byte, bool) { return s.bytes, s.kind == KindBytes }

// Ref returns the reference of a locator source.
func (s Source) Ref() (string, bool) { return s.locator, s.kind == KindLocator }

// Module returns the compiled module of a compiled source.
func (s Source) Module() (Precompiled, bool) { return s.compiled, s.kind == KindCompiled }

func (s Source) String() string {
	switch s.kind {
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(s.bytes))
	case KindLocator:
		if len(s.locator) > 64 {
			return "locator(" + s.locator[:64] + "...)"
		}
		return "locator(" + s.locator + ")"
	case KindCompiled:
		if isNil(s.compiled) {
			return "compiled(nil)"
		}
		return "compiled(" + s.compiled.Digest() + ")"
	case KindDeferred:
		return "deferred"
	default:
		return "none"
	}
}

// maxDeferredDepth bounds chains of deferred sources resolving to more
// deferred sources.
const maxDeferredDepth = 8

// Resolve awaits deferred sources and fetches locators. The result is a
// bytes or compiled source. All failures, including a zero Source or a nil
// compiled module, are FetchFailed errors.
func Resolve(ctx context.Context, s Source, f Fetcher) (Source, error) {
	for depth := 0; ; depth++ {
		switch s.kind {
		case KindBytes:
			return s, nil
		case KindCompiled:
			if isNil(s.compiled) {
				return Source{}, wlerrors.FetchFailed("compiled", fmt.Errorf("nil compiled module"))
			}
			return s, nil
		case KindLocator:
			if f == nil {
				return Source{}, wlerrors.FetchFailed(s.locator, fmt.Errorf("no fetcher configured"))
			}
			data, err := f.Fetch(ctx, s.locator)
			if err != nil {
				return Source{}, wlerrors.FetchFailed(s.locator, err)
			}
			return Bytes(data), nil
		case KindDeferred:
			if depth >= maxDeferredDepth {
				return Source{}, wlerrors.FetchFailed("deferred", fmt.Errorf("deferred sources nested deeper than %d", maxDeferredDepth))
			}
			next, err := s.deferred(ctx)
			if err != nil {
				return Source{}, wlerrors.FetchFailed("deferred", err)
			}
			if err := ctx.Err(); err != nil {
				return Source{}, wlerrors.FetchFailed("deferred", err)
			}
			s = next
		default:
			return Source{}, wlerrors.FetchFailed("none", fmt.Errorf("empty module source"))
		}
	}
}

// isNil reports whether p is nil or an interface holding a nil pointer.
func isNil(p Precompiled) bool {
	if p == nil {
		return true
	}
	v := reflect.ValueOf(p)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return v.IsNil()
	}
	return false
}
