// Package errors provides structured error types for the module loader.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// A failed Load always carries one of four kinds: fetch_failed, invalid_module,
// import_mismatch or start_failed. Test for them with the sentinels:
//
//	inst, err := ld.Load(ctx, src, table)
//	switch {
//	case errors.Is(err, wlerrors.ErrFetchFailed):
//	case errors.Is(err, wlerrors.ErrImportMismatch):
//	}
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseRuntime, errors.KindOutOfBounds).
//		Path("memory").
//		Detail("read [%d, %d) past end", off, off+n).
//		Build()
//
// Import resolution failures are reported as *ImportMismatchError, which
// lists every offending import and also matches ErrImportMismatch.
package errors
