package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/wippyai/wasm-runtime/wat"
	"go.uber.org/zap"

	"github.com/caffeineduck/hostcall/hostfunc"
)

// Executor owns one WASM runtime with the capability table bound into it,
// and the modules compiled for that runtime.
type Executor struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[string]*Module
	registry *hostfunc.Registry
	cfg      executorConfig
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// New creates an Executor exposing the capabilities in registry.
func New(registry *hostfunc.Registry, opts ...ExecutorOption) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if registry == nil {
		registry = hostfunc.NewRegistry()
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	fail := func(err error) (*Executor, error) {
		rt.Close(ctx)
		if cache != nil {
			cache.Close(ctx)
		}
		return nil, err
	}

	if cfg.wasi {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			return fail(fmt.Errorf("instantiate WASI: %w", err))
		}
	}

	dispatchOpts := []hostfunc.DispatcherOption{hostfunc.WithLogger(cfg.logger)}
	if cfg.maxArgSize > 0 {
		dispatchOpts = append(dispatchOpts, hostfunc.WithMaxArgSize(cfg.maxArgSize))
	}
	if _, err := hostfunc.Bind(ctx, rt, registry, dispatchOpts...); err != nil {
		return fail(err)
	}

	for _, hm := range cfg.hostModules {
		if _, err := hm(ctx, rt); err != nil {
			return fail(fmt.Errorf("instantiate host module: %w", err))
		}
	}

	return &Executor{
		runtime:  rt,
		cache:    cache,
		compiled: make(map[string]*Module),
		registry: registry,
		cfg:      cfg,
		logger:   cfg.logger,
	}, nil
}

// Load compiles bytecode under name and checks the exports every guest
// must provide. Loading the same name twice returns the first module.
func (e *Executor) Load(ctx context.Context, name string, bytecode []byte, opts ...ModuleOption) (*Module, error) {
	e.mu.RLock()
	if m, ok := e.compiled[name]; ok {
		e.mu.RUnlock()
		return m, nil
	}
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrExecutorClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.compiled[name]; ok {
		return m, nil
	}

	cfg := defaultModuleConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	compiled, err := e.runtime.CompileModule(ctx, bytecode)
	if err != nil {
		return nil, &LoadError{Module: name, Err: err}
	}
	if err := checkExports(compiled, cfg); err != nil {
		compiled.Close(ctx)
		return nil, &LoadError{Module: name, Err: err}
	}

	m := &Module{
		exec:     e,
		name:     name,
		compiled: compiled,
		cfg:      cfg,
		phase:    PhaseLoaded,
		logger:   e.logger.With(zap.String("module", name)),
	}
	e.compiled[name] = m
	e.logger.Debug("module loaded", zap.String("module", name), zap.Int("size", len(bytecode)))
	return m, nil
}

// LoadFile loads a .wasm binary or compiles a .wat text module. The module
// is named after the file.
func (e *Executor) LoadFile(ctx context.Context, path string, opts ...ModuleOption) (*Module, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return e.LoadFileAs(ctx, name, path, opts...)
}

// LoadFileAs is LoadFile with an explicit module name.
func (e *Executor) LoadFileAs(ctx context.Context, name, path string, opts ...ModuleOption) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Module: name, Err: err}
	}

	if filepath.Ext(path) == ".wat" {
		data, err = wat.Compile(string(data))
		if err != nil {
			return nil, &LoadError{Module: name, Err: fmt.Errorf("compile wat: %w", err)}
		}
	}
	return e.Load(ctx, name, data, opts...)
}

// Module returns a loaded module by name.
func (e *Executor) Module(name string) (*Module, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.compiled[name]
	return m, ok
}

// Registry returns the capability table bound into the runtime.
func (e *Executor) Registry() *hostfunc.Registry {
	return e.registry
}

// Close releases all resources held by the Executor, including every
// instance still open.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	ctx := context.Background()

	var errs []error
	if err := e.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.cache != nil {
		if err := e.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func checkExports(compiled wazero.CompiledModule, cfg moduleConfig) error {
	if len(compiled.ExportedMemories()) == 0 {
		return errors.New("no exported memory")
	}

	exports := compiled.ExportedFunctions()
	checks := []struct {
		name    string
		params  []api.ValueType
		results [][]api.ValueType
	}{
		{cfg.allocateName, []api.ValueType{api.ValueTypeI32}, [][]api.ValueType{{api.ValueTypeI32}}},
		// the result of release is ignored, so older guests returning a status word load too
		{cfg.releaseName, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, [][]api.ValueType{{}, {api.ValueTypeI32}}},
		{cfg.entryPoint, nil, [][]api.ValueType{{}, {api.ValueTypeI32}}},
	}

	for _, c := range checks {
		def, ok := exports[c.name]
		if !ok {
			return fmt.Errorf("missing export %q", c.name)
		}
		if !sameTypes(def.ParamTypes(), c.params) {
			return fmt.Errorf("export %q: want params %s, have %s", c.name, typeList(c.params), typeList(def.ParamTypes()))
		}
		matched := false
		for _, want := range c.results {
			if sameTypes(def.ResultTypes(), want) {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("export %q: unexpected results %s", c.name, typeList(def.ResultTypes()))
		}
	}
	return nil
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func typeList(ts []api.ValueType) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = api.ValueTypeName(t)
	}
	return "(" + strings.Join(names, ", ") + ")"
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "hostcall")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "hostcall")
	}
	return filepath.Join(os.TempDir(), "hostcall-cache")
}
