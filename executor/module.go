package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/caffeineduck/hostcall/guestmem"
	"github.com/caffeineduck/hostcall/hostfunc"
)

// Phase is the lifecycle position of a module or instance.
type Phase int

const (
	PhaseUnloaded Phase = iota
	PhaseLoaded
	PhaseBound
	PhaseRunning
	PhaseFinished
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseUnloaded: "unloaded",
	PhaseLoaded:   "loaded",
	PhaseBound:    "bound",
	PhaseRunning:  "running",
	PhaseFinished: "finished",
	PhaseFailed:   "failed",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Module is compiled bytecode ready to be bound and instantiated.
type Module struct {
	exec     *Executor
	name     string
	compiled wazero.CompiledModule
	cfg      moduleConfig
	logger   *zap.Logger

	mu    sync.Mutex
	phase Phase
}

func (m *Module) Name() string {
	return m.name
}

func (m *Module) EntryPoint() string {
	return m.cfg.entryPoint
}

func (m *Module) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Import describes one function a module imports.
type Import struct {
	Namespace string
	Name      string
	Params    []api.ValueType
	Results   []api.ValueType
}

func (i Import) String() string {
	return fmt.Sprintf("%s.%s%s -> %s", i.Namespace, i.Name, typeList(i.Params), typeList(i.Results))
}

// Export describes one function a module exports.
type Export struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

func (e Export) String() string {
	return fmt.Sprintf("%s%s -> %s", e.Name, typeList(e.Params), typeList(e.Results))
}

func (m *Module) Imports() []Import {
	defs := m.compiled.ImportedFunctions()
	out := make([]Import, 0, len(defs))
	for _, def := range defs {
		ns, name, _ := def.Import()
		out = append(out, Import{
			Namespace: ns,
			Name:      name,
			Params:    def.ParamTypes(),
			Results:   def.ResultTypes(),
		})
	}
	return out
}

func (m *Module) Exports() []Export {
	defs := m.compiled.ExportedFunctions()
	out := make([]Export, 0, len(defs))
	for name, def := range defs {
		out = append(out, Export{Name: name, Params: def.ParamTypes(), Results: def.ResultTypes()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Bind resolves every import against the capability table and the other
// host modules of the runtime. It is idempotent.
func (m *Module) Bind() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase >= PhaseBound {
		return nil
	}

	if mems := m.compiled.ImportedMemories(); len(mems) > 0 {
		ns, name, _ := mems[0].Import()
		return &UnresolvedImportError{Module: m.name, Namespace: ns, Name: name, Reason: "memory imports are not supported"}
	}

	for _, imp := range m.Imports() {
		if reason := m.resolve(imp); reason != "" {
			return &UnresolvedImportError{Module: m.name, Namespace: imp.Namespace, Name: imp.Name, Reason: reason}
		}
	}

	m.phase = PhaseBound
	return nil
}

func (m *Module) resolve(imp Import) string {
	if imp.Namespace == hostfunc.Namespace {
		if _, ok := m.exec.registry.Get(imp.Name); !ok {
			return "unknown capability"
		}
		if !sameTypes(imp.Params, hostfunc.Params) || !sameTypes(imp.Results, hostfunc.Results) {
			return fmt.Sprintf("signature %s -> %s, capabilities take %s -> %s",
				typeList(imp.Params), typeList(imp.Results), typeList(hostfunc.Params), typeList(hostfunc.Results))
		}
		return ""
	}

	host := m.exec.runtime.Module(imp.Namespace)
	if host == nil {
		return "no host module " + imp.Namespace
	}
	// ExportedFunction panics on host modules; definitions are safe.
	def, ok := host.ExportedFunctionDefinitions()[imp.Name]
	if !ok {
		return "not exported by " + imp.Namespace
	}
	if !sameTypes(imp.Params, def.ParamTypes()) || !sameTypes(imp.Results, def.ResultTypes()) {
		return fmt.Sprintf("signature %s -> %s, host provides %s -> %s",
			typeList(imp.Params), typeList(imp.Results), typeList(def.ParamTypes()), typeList(def.ResultTypes()))
	}
	return ""
}

// Instantiate creates a fresh instance with its own memory and host state.
// The module is bound first if needed.
func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	if err := m.Bind(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	instName := m.name + "-" + id
	logger := m.logger.With(zap.String("instance", id))

	config := wazero.NewModuleConfig().
		WithName(instName).
		WithStartFunctions("_initialize").
		WithStdout(&zapio.Writer{Log: logger, Level: zap.InfoLevel}).
		WithStderr(&zapio.Writer{Log: logger, Level: zap.WarnLevel})

	mod, err := m.exec.runtime.InstantiateModule(ctx, m.compiled, config)
	if err != nil {
		return nil, &InstantiationError{Module: m.name, Err: err}
	}

	alloc := guestmem.NewModuleAllocator(mod, guestmem.WithExportNames(m.cfg.allocateName, m.cfg.releaseName))
	inst := &Instance{
		id:     id,
		module: m,
		mod:    mod,
		binding: &hostfunc.Binding{
			State:     hostfunc.NewState(),
			Allocator: alloc,
			Logger:    logger,
		},
		logger: logger,
	}
	inst.setPhase(PhaseBound)
	logger.Debug("instance created")
	return inst, nil
}
