package executor

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/caffeineduck/hostcall/guestmem"
)

// HostModule instantiates an additional host module in the runtime. Guests
// may import any function it exports.
type HostModule func(ctx context.Context, rt wazero.Runtime) (api.Module, error)

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	wasi             bool
	maxArgSize       uint32
	hostModules      []HostModule
	logger           *zap.Logger
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		wasi:   true,
		logger: zap.NewNop(),
	}
}

// WithDiskCache enables persistent compilation cache for faster CLI startup.
// Optionally provide a custom directory; otherwise uses ~/.cache/hostcall or XDG_CACHE_HOME/hostcall.
//
// Examples:
//
//	executor.New(registry, executor.WithDiskCache())            // default dir
//	executor.New(registry, executor.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) ExecutorOption {
	return func(c *executorConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum memory available to each module instance.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(1024) = 64MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) ExecutorOption {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// WithWASI controls whether WASI preview1 is available to guests.
// Enabled by default; Go and Rust guests built for wasip1 need it.
func WithWASI(enabled bool) ExecutorOption {
	return func(c *executorConfig) {
		c.wasi = enabled
	}
}

// WithHostModule adds a host module next to the capability table.
func WithHostModule(m HostModule) ExecutorOption {
	return func(c *executorConfig) {
		c.hostModules = append(c.hostModules, m)
	}
}

// WithMaxArgSize bounds the argument size of every capability call.
func WithMaxArgSize(n uint32) ExecutorOption {
	return func(c *executorConfig) {
		c.maxArgSize = n
	}
}

func WithLogger(l *zap.Logger) ExecutorOption {
	return func(c *executorConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// ModuleOption configures how a loaded module is called.
type ModuleOption func(*moduleConfig)

type moduleConfig struct {
	entryPoint   string
	allocateName string
	releaseName  string
}

// DefaultEntryPoint is the export Run invokes.
const DefaultEntryPoint = "run"

func defaultModuleConfig() moduleConfig {
	return moduleConfig{
		entryPoint:   DefaultEntryPoint,
		allocateName: guestmem.AllocateExport,
		releaseName:  guestmem.ReleaseExport,
	}
}

// WithEntryPoint sets the export Run invokes.
func WithEntryPoint(name string) ModuleOption {
	return func(c *moduleConfig) {
		c.entryPoint = name
	}
}

// WithAllocatorExports sets the names of the guest allocator exports.
//
//	executor.WithAllocatorExports("alloc", "dealloc") // older guests
func WithAllocatorExports(allocate, release string) ModuleOption {
	return func(c *moduleConfig) {
		c.allocateName = allocate
		c.releaseName = release
	}
}

// Option configures a single run.
type Option func(*runConfig)

type runConfig struct {
	timeout time.Duration
}

func defaultRunConfig() runConfig {
	return runConfig{}
}

// WithTimeout sets the maximum execution time of one run.
func WithTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		c.timeout = d
	}
}
