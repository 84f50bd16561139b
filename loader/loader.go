package loader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-loader/cache"
	wlerrors "github.com/wippyai/wasm-loader/errors"
	"github.com/wippyai/wasm-loader/imports"
	"github.com/wippyai/wasm-loader/source"
	"github.com/wippyai/wasm-loader/wasm"
)

// wasiNamespace is reserved when WASI is enabled.
const wasiNamespace = wasi_snapshot_preview1.ModuleName

// maxAcquireAttempts bounds recompiles when a cached module is evicted
// between lookup and use.
const maxAcquireAttempts = 3

// Loader resolves, compiles and instantiates modules. It owns a shared
// compilation cache and a cache of compiled modules keyed by digest; both
// live until Close. A Loader is safe for concurrent use.
type Loader struct {
	cfg       Config
	opts      options
	log       *zap.Logger
	fetcher   source.Fetcher
	tracer    trace.Tracer
	metrics   *metrics
	compCache wazero.CompilationCache
	runtime   wazero.Runtime
	modules   *cache.Cache[*Module]
	closed    atomic.Bool

	// live counts Modules per digest holding compiled code.
	liveMu sync.Mutex
	live   map[string]int
}

// New creates a Loader.
func New(ctx context.Context, opts ...Option) (*Loader, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := DefaultConfig()
	if o.config != nil {
		cfg = *o.config
		cfg.Defaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Loader{
		cfg:     cfg,
		opts:    o,
		log:     o.logger,
		fetcher: o.fetcher,
		metrics: newMetrics(o.registerer),
		live:    make(map[string]int),
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	tp := o.tracer
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	l.tracer = tp.Tracer(tracerName)

	if l.fetcher == nil {
		f := source.NewFetcher()
		f.MaxBytes = cfg.MaxModuleBytes
		f.Timeout = cfg.FetchTimeout
		f.AllowFiles = !cfg.DisableFiles
		l.fetcher = f
	}

	if cfg.CompilationCacheDir != "" {
		cc, err := wazero.NewCompilationCacheWithDir(cfg.CompilationCacheDir)
		if err != nil {
			return nil, wlerrors.Wrap(wlerrors.PhaseConfig, wlerrors.KindInvalidInput, err, "open compilation cache")
		}
		l.compCache = cc
	} else {
		l.compCache = wazero.NewCompilationCache()
	}
	l.runtime = wazero.NewRuntimeWithConfig(ctx, l.runtimeConfig())

	modules, err := cache.New(cfg.CacheSize, func(_ string, m *Module) {
		l.metrics.CacheEvictionsTotal.Inc()
		m.evict(context.Background())
	})
	if err != nil {
		_ = l.runtime.Close(ctx)
		_ = l.compCache.Close(ctx)
		return nil, wlerrors.Wrap(wlerrors.PhaseConfig, wlerrors.KindInvalidInput, err, "create module cache")
	}
	l.modules = modules

	l.log.Debug("loader created",
		zap.Int("cache_size", cfg.CacheSize),
		zap.Bool("wasi", cfg.WASI),
		zap.String("compilation_cache_dir", cfg.CompilationCacheDir))
	return l, nil
}

func (l *Loader) runtimeConfig() wazero.RuntimeConfig {
	rc := wazero.NewRuntimeConfig().
		WithCompilationCache(l.compCache).
		WithCloseOnContextDone(true)
	if l.cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(l.cfg.MemoryLimitPages)
	}
	return rc
}

// Config returns the effective configuration.
func (l *Loader) Config() Config { return l.cfg }

// CacheStats reports compiled-module cache statistics.
func (l *Loader) CacheStats() cache.Stats { return l.modules.Stats() }

// Close releases the compiled-module cache and the compilation cache.
// All instances must be closed before calling this.
func (l *Loader) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.modules.Close()
	err := multierr.Combine(
		l.runtime.Close(ctx),
		l.compCache.Close(ctx),
	)
	if err != nil {
		l.log.Warn("loader close failed", zap.Error(err))
	}
	return err
}

// Compile resolves src and validates it without instantiating. The
// returned module is cached by digest and can be passed back to Load as
// source.Compiled.
func (l *Loader) Compile(ctx context.Context, src source.Source) (m *Module, err error) {
	if l.closed.Load() {
		return nil, wlerrors.Closed("loader")
	}
	ctx, span := l.tracer.Start(ctx, "loader.Compile", trace.WithAttributes(attribute.String("wasm.source", src.String())))
	defer func() { endSpan(span, err) }()

	m, err = l.resolve(ctx, src)
	if err != nil {
		return nil, err
	}
	m.release(ctx)
	return m, nil
}

// Load resolves src, checks table against the module's imports,
// instantiates the module and runs its start routine once.
//
// Failures are fetch_failed, invalid_module, import_mismatch or
// start_failed. An import_mismatch is reported before anything runs. On
// failure nothing of the instance survives; on success every export is
// available on the returned Instance.
func (l *Loader) Load(ctx context.Context, src source.Source, table *imports.Table) (inst *Instance, err error) {
	if l.closed.Load() {
		return nil, wlerrors.Closed("loader")
	}
	began := time.Now()
	ctx, span := l.tracer.Start(ctx, "loader.Load", trace.WithAttributes(attribute.String("wasm.source", src.String())))
	defer func() {
		endSpan(span, err)
		l.metrics.RecordLoad(err)
		if err != nil {
			l.log.Debug("load failed", zap.Stringer("source", src), zap.Error(err))
		}
	}()
	if table == nil {
		table = imports.Empty()
	}

	m, err := l.resolve(ctx, src)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			m.release(context.Background())
		}
	}()
	span.SetAttributes(attribute.String("wasm.digest", m.digest))

	if err := l.link(ctx, m, table); err != nil {
		return nil, err
	}

	inst, err = l.instantiate(ctx, m, table)
	if err != nil {
		return nil, err
	}

	inst.loaded = true
	l.metrics.InstancesOpen.Inc()
	l.log.Info("module loaded",
		zap.String("digest", shortDigest(m.digest)),
		zap.Int("exports", len(m.header.Exports)),
		zap.Duration("duration", time.Since(began)))
	return inst, nil
}

// resolve turns src into a pinned compiled module.
func (l *Loader) resolve(ctx context.Context, src source.Source) (*Module, error) {
	fctx, span := l.startPhase(ctx, wlerrors.PhaseFetch, attribute.String("wasm.source_kind", src.Kind().String()))
	began := time.Now()
	resolved, err := source.Resolve(fctx, src, l.fetcher)
	l.metrics.RecordPhase(wlerrors.PhaseFetch, time.Since(began))
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, wlerrors.FetchFailed(src.String(), err)
	}

	var bin []byte
	if pc, ok := resolved.Module(); ok {
		if m, ok := pc.(*Module); ok && m.loader == l && m.acquire() {
			l.log.Debug("reusing compiled module", zap.String("digest", shortDigest(m.digest)))
			return m, nil
		}
		bin = pc.Binary()
	} else {
		bin, _ = resolved.RawBytes()
	}

	cctx, span := l.startPhase(ctx, wlerrors.PhaseCompile)
	began = time.Now()
	m, err := l.compile(cctx, bin)
	l.metrics.RecordPhase(wlerrors.PhaseCompile, time.Since(began))
	endSpan(span, err)
	return m, err
}

// compile returns the cached module for bin, compiling it on a miss, and
// pins it.
func (l *Loader) compile(ctx context.Context, bin []byte) (*Module, error) {
	if len(bin) == 0 {
		return nil, wlerrors.InvalidModule("empty module binary", nil)
	}
	sum := sha256.Sum256(bin)
	digest := hex.EncodeToString(sum[:])

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		m, hit, err := l.modules.GetOrCreate(ctx, digest, func() (*Module, error) {
			return l.compileModule(bin, digest)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, wlerrors.InvalidModule("compile abandoned", ctxErr)
			}
			return nil, err
		}
		if hit {
			l.metrics.CacheHitsTotal.Inc()
		} else {
			l.metrics.CacheMissesTotal.Inc()
		}
		if m.acquire() {
			return m, nil
		}
		l.modules.Remove(digest)
	}
	return nil, wlerrors.InvalidModule("compiled module evicted during load", nil)
}

// compileModule decodes and compiles bin. It runs detached from any one
// caller's context because concurrent loads share its result.
func (l *Loader) compileModule(bin []byte, digest string) (*Module, error) {
	header, err := wasm.Decode(bin)
	if err != nil {
		return nil, wlerrors.InvalidModule("decode module", err)
	}
	compiled, err := l.runtime.CompileModule(context.Background(), bin)
	if err != nil {
		return nil, wlerrors.InvalidModule("compile module", err)
	}
	l.liveMu.Lock()
	l.live[digest]++
	l.liveMu.Unlock()

	l.log.Debug("module compiled",
		zap.String("digest", shortDigest(digest)),
		zap.Int("bytes", len(bin)),
		zap.Int("imports", len(header.Imports)))
	return &Module{
		loader:   l,
		header:   header,
		compiled: compiled,
		digest:   digest,
		binary:   bytes.Clone(bin),
	}, nil
}

// link checks the import table against the module before anything is
// instantiated.
func (l *Loader) link(ctx context.Context, m *Module, table *imports.Table) error {
	_, span := l.startPhase(ctx, wlerrors.PhaseLink, attribute.Int("wasm.imports", len(m.header.Imports)))
	began := time.Now()
	err := table.Check(m.header, l.reserved()...)
	l.metrics.RecordPhase(wlerrors.PhaseLink, time.Since(began))
	endSpan(span, err)
	if err != nil {
		return err
	}
	if unused := table.Unused(m.header); len(unused) > 0 {
		l.log.Debug("import table entries not used by module", zap.Strings("entries", unused))
	}
	if err := ctx.Err(); err != nil {
		return wlerrors.Wrap(wlerrors.PhaseLink, wlerrors.KindImportMismatch, err, "load abandoned")
	}
	return nil
}

func (l *Loader) reserved() []string {
	if l.cfg.WASI {
		return []string{wasiNamespace}
	}
	return nil
}

// instantiate creates the per-load runtime, instantiates imports and the
// module, binds export roles and runs the start routine. The runtime is
// closed on any failure.
func (l *Loader) instantiate(ctx context.Context, m *Module, table *imports.Table) (*Instance, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, l.runtimeConfig())
	ok := false
	defer func() {
		if !ok {
			if err := rt.Close(context.Background()); err != nil {
				l.log.Warn("close runtime after failed load", zap.Error(err))
			}
		}
	}()

	ictx, span := l.startPhase(ctx, wlerrors.PhaseInstance)
	began := time.Now()
	mod, err := l.instantiateModule(ictx, rt, m, table)
	l.metrics.RecordPhase(wlerrors.PhaseInstance, time.Since(began))
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	inst, err := newInstance(l, m, rt, mod)
	if err != nil {
		return nil, err
	}

	// A start section already ran inside InstantiateModule and counts as
	// the single start invocation.
	if m.header.Start != nil {
		inst.starts = 1
	} else if inst.roles.start.ok() {
		sctx, span := l.startPhase(ctx, wlerrors.PhaseStart, attribute.String("wasm.start", inst.roles.start.name))
		began := time.Now()
		err := inst.runStart(sctx)
		l.metrics.RecordPhase(wlerrors.PhaseStart, time.Since(began))
		endSpan(span, err)
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return inst, nil
}

func (l *Loader) instantiateModule(ctx context.Context, rt wazero.Runtime, m *Module, table *imports.Table) (api.Module, error) {
	if l.cfg.WASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			return nil, wlerrors.Wrap(wlerrors.PhaseInstance, wlerrors.KindInvalidModule, err, "instantiate WASI")
		}
	}
	if err := table.Instantiate(ctx, rt); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, wlerrors.Wrap(wlerrors.PhaseInstance, wlerrors.KindInvalidModule, err, "load abandoned")
	}

	compiled, err := rt.CompileModule(ctx, m.binary)
	if err != nil {
		return nil, wlerrors.InvalidModule("compile module", err)
	}

	mc := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions()
	if l.cfg.WASI {
		if l.opts.stdin != nil {
			mc = mc.WithStdin(l.opts.stdin)
		}
		if l.opts.stdout != nil {
			mc = mc.WithStdout(l.opts.stdout)
		}
		if l.opts.stderr != nil {
			mc = mc.WithStderr(l.opts.stderr)
		}
	}

	mod, err := rt.InstantiateModule(ctx, compiled, mc)
	if err != nil {
		return nil, classifyInstantiate(err)
	}
	return mod, nil
}

// classifyInstantiate maps an engine instantiation error to a load error.
// The import table was checked beforehand, so link errors are rare.
func classifyInstantiate(err error) error {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return wlerrors.StartFailed("start section", err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "start") && strings.Contains(msg, "failed"):
		return wlerrors.StartFailed("start section", err)
	case strings.Contains(msg, "import"), strings.Contains(msg, "not instantiated"):
		return wlerrors.Wrap(wlerrors.PhaseLink, wlerrors.KindImportMismatch, err, "resolve imports")
	default:
		return wlerrors.Wrap(wlerrors.PhaseInstance, wlerrors.KindInvalidModule, err, "instantiate module")
	}
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
