package loader

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-loader/source"
	"github.com/wippyai/wasm-loader/wasm"
)

var _ source.Precompiled = (*Module)(nil)

// Module is a validated, compiled module. It is safe for concurrent use and
// can be loaded any number of times by passing source.Compiled(m).
type Module struct {
	loader   *Loader
	header   *wasm.Module
	compiled wazero.CompiledModule
	digest   string
	binary   []byte

	mu       sync.Mutex
	refs     int
	evicted  bool
	released bool
}

// Digest returns the hex SHA-256 of the binary.
func (m *Module) Digest() string { return m.digest }

// Binary returns the module bytes. Callers must not modify them.
func (m *Module) Binary() []byte { return m.binary }

// Header returns the decoded module header. Callers must not modify it.
func (m *Module) Header() *wasm.Module { return m.header }

// Imports returns the declared imports.
func (m *Module) Imports() []wasm.Import { return m.header.Imports }

// Exports returns the declared exports in declaration order.
func (m *Module) Exports() []wasm.Export { return m.header.Exports }

// ExportNames returns the declared export names in declaration order.
func (m *Module) ExportNames() []string { return m.header.ExportNames() }

// acquire pins the compiled code for one instantiation. It fails once the
// module was evicted and its code released.
func (m *Module) acquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return false
	}
	m.refs++
	return true
}

// release drops a pin taken by acquire.
func (m *Module) release(ctx context.Context) {
	m.mu.Lock()
	m.refs--
	closeNow := m.refs == 0 && m.evicted && !m.released
	if closeNow {
		m.released = true
	}
	m.mu.Unlock()
	if closeNow {
		m.closeCompiled(ctx)
	}
}

// evict marks the module as dropped by the cache. The compiled code is
// released when the last pin goes.
func (m *Module) evict(ctx context.Context) {
	m.mu.Lock()
	m.evicted = true
	closeNow := m.refs == 0 && !m.released
	if closeNow {
		m.released = true
	}
	m.mu.Unlock()
	if closeNow {
		m.closeCompiled(ctx)
	}
}

// closeCompiled drops this module's claim on the engine's compiled code.
// The code is closed when no other Module for the same digest still
// holds it; close and registration in compileModule are serialized.
func (m *Module) closeCompiled(ctx context.Context) {
	l := m.loader
	l.liveMu.Lock()
	defer l.liveMu.Unlock()
	l.live[m.digest]--
	if l.live[m.digest] > 0 {
		return
	}
	delete(l.live, m.digest)
	if err := m.compiled.Close(ctx); err != nil {
		l.log.Warn("close compiled module failed", zap.String("digest", shortDigest(m.digest)), zap.Error(err))
	}
}
