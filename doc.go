// Package wasmloader loads compiled WebAssembly modules and exposes their
// linear memory and a small fixed set of entry points to Go.
//
// # Architecture Overview
//
//	wasmloader/          Root package with Memory, Allocator and Dispatcher interfaces
//	├── loader/          Loader, compiled Module and live Instance
//	├── source/          Module sources: bytes, locators, compiled modules, deferred values
//	├── imports/         Immutable import tables and their instantiation
//	├── cache/           Size-bounded compiled-module cache
//	├── wasm/            Core WASM binary decoding and encoding
//	├── config/          YAML configuration and logger construction
//	├── errors/          Structured error types for debugging
//	└── cmd/wasmload/    Command line inspector and runner
//
// # Quick Start
//
//	l, err := loader.New(ctx, loader.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Close(ctx)
//
//	table := imports.NewBuilder().
//	    GoFunc("env", "log", func(v uint32) { fmt.Println(v) }).
//	    MustBuild()
//
//	inst, err := l.Load(ctx, source.Locator("app.wasm"), table)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	ptr, err := inst.WriteBytes(ctx, []byte("hello"))
//
// # Failure Modes
//
// Load fails with exactly one of four kinds: fetch_failed, invalid_module,
// import_mismatch or start_failed. Match them with errors.Is against the
// sentinels in the errors package. Nothing is retried internally.
//
// # Thread Safety
//
// Loader and Module are safe for concurrent use. Instance is NOT thread-safe
// and should be used by a single goroutine, or access must be synchronized.
//
// # Memory Model
//
// WASM linear memory can only grow, never shrink. Freeing through the
// module's allocator makes memory reusable inside the instance; it is
// returned to the host only when the instance is closed.
package wasmloader
