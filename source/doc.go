// Package source describes where a module comes from.
//
// A Source holds exactly one of raw bytes, a locator to fetch, or an
// already-compiled module. Any of them may be wrapped in a Deferred source
// that produces it later. Resolve turns a Source into bytes or a compiled
// module, reporting every failure as a fetch_failed error.
package source
