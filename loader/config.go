package loader

import (
	"fmt"
	"time"

	wlerrors "github.com/wippyai/wasm-loader/errors"
)

// Config holds loader configuration. The zero value is usable; Defaults
// fills unset fields.
type Config struct {
	// CompilationCacheDir persists compiled code between processes.
	// Empty keeps the compilation cache in memory.
	CompilationCacheDir string `yaml:"compilation_cache_dir"`

	// Exports overrides the export names bound to each role.
	Exports ExportNames `yaml:"exports"`

	// MaxModuleBytes caps fetched module size. 0 means the fetcher default.
	MaxModuleBytes int64 `yaml:"max_module_bytes"`

	// FetchTimeout bounds http fetches. 0 means the fetcher default.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// CacheSize is the number of compiled modules kept by the loader.
	CacheSize int `yaml:"cache_size"`

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`

	// WASI instantiates wasi_snapshot_preview1 for every load. Its
	// namespace is then reserved and cannot appear in an import table.
	WASI bool `yaml:"wasi"`

	// DisableFiles rejects local paths and file:// locators.
	DisableFiles bool `yaml:"disable_files"`
}

// ExportNames lists candidate export names per role, tried in order.
type ExportNames struct {
	Memory         string   `yaml:"memory"`
	Table          string   `yaml:"table"`
	Alloc          []string `yaml:"alloc"`
	Realloc        []string `yaml:"realloc"`
	Free           []string `yaml:"free"`
	StoreException []string `yaml:"store_exception"`
	Start          []string `yaml:"start"`

	// Require lists roles that must resolve, e.g. "memory" or "alloc".
	Require []string `yaml:"require,omitempty"`

	// Align is passed to allocator exports that take an alignment.
	Align uint32 `yaml:"align"`
}

// Role names accepted by ExportNames.Require.
const (
	RoleMemory         = "memory"
	RoleTable          = "table"
	RoleAlloc          = "alloc"
	RoleRealloc        = "realloc"
	RoleFree           = "free"
	RoleStoreException = "store_exception"
	RoleStart          = "start"
)

var knownRoles = map[string]bool{
	RoleMemory: true, RoleTable: true, RoleAlloc: true, RoleRealloc: true,
	RoleFree: true, RoleStoreException: true, RoleStart: true,
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	var c Config
	c.Defaults()
	return c
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.CacheSize == 0 {
		c.CacheSize = 64
	}
	e := &c.Exports
	if e.Memory == "" {
		e.Memory = "memory"
	}
	if e.Alloc == nil {
		e.Alloc = []string{"__wbindgen_malloc", "alloc", "malloc", "allocate"}
	}
	if e.Realloc == nil {
		e.Realloc = []string{"__wbindgen_realloc", "realloc", "cabi_realloc"}
	}
	if e.Free == nil {
		e.Free = []string{"__wbindgen_free", "free", "dealloc", "deallocate"}
	}
	if e.StoreException == nil {
		e.StoreException = []string{"__wbindgen_exn_store", "store_exception"}
	}
	if e.Start == nil {
		e.Start = []string{"__wbindgen_start", "start", "_initialize"}
	}
	if e.Align == 0 {
		e.Align = 8
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	if c.CacheSize < 0 {
		return wlerrors.InvalidInput(wlerrors.PhaseConfig, fmt.Sprintf("cache_size must not be negative, got %d", c.CacheSize))
	}
	if c.MemoryLimitPages > 65536 {
		return wlerrors.InvalidInput(wlerrors.PhaseConfig, fmt.Sprintf("memory_limit_pages exceeds 65536, got %d", c.MemoryLimitPages))
	}
	if c.MaxModuleBytes < 0 {
		return wlerrors.InvalidInput(wlerrors.PhaseConfig, "max_module_bytes must not be negative")
	}
	if a := c.Exports.Align; a != 0 && a&(a-1) != 0 {
		return wlerrors.InvalidInput(wlerrors.PhaseConfig, fmt.Sprintf("exports.align must be a power of two, got %d", a))
	}
	for _, r := range c.Exports.Require {
		if !knownRoles[r] {
			return wlerrors.InvalidInput(wlerrors.PhaseConfig, fmt.Sprintf("unknown role %q in exports.require", r))
		}
	}
	return nil
}

func (c *Config) required(role string) bool {
	for _, r := range c.Exports.Require {
		if r == role {
			return true
		}
	}
	return false
}
