// Package config loads the hostcall server configuration from YAML.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/caffeineduck/hostcall/executor"
	"github.com/caffeineduck/hostcall/hostfunc"
)

// validate is shared; validator caches struct metadata per instance.
var validate = validator.New()

type Config struct {
	Listen      string        `yaml:"listen" validate:"required,hostname_port"`
	Delimiter   string        `yaml:"delimiter"`
	MaxConns    int           `yaml:"max_conns" validate:"gte=1"`
	ReadTimeout time.Duration `yaml:"read_timeout" validate:"gte=0"`
	RunTimeout  time.Duration `yaml:"run_timeout" validate:"gte=0"`

	Runtime RuntimeConfig  `yaml:"runtime"`
	Fetch   FetchConfig    `yaml:"fetch"`
	Modules []ModuleConfig `yaml:"modules" validate:"unique=Name,dive"`
	Log     LogConfig      `yaml:"log"`
}

type RuntimeConfig struct {
	// MemoryLimitPages caps each instance's memory in 64KiB pages; 0 leaves
	// the engine default.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages" validate:"lte=65536"`
	// MaxArgSize bounds every capability argument; 0 disables the check.
	MaxArgSize uint32 `yaml:"max_arg_size"`
	CacheDir   string `yaml:"cache_dir"`
	NoCache    bool   `yaml:"no_cache"`
	WASI       bool   `yaml:"wasi"`
}

type FetchConfig struct {
	AllowedHosts    []string      `yaml:"allowed_hosts" validate:"dive,required"`
	Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxBodySize     int64         `yaml:"max_body_size" validate:"gte=0"`
	MaxURLLength    int           `yaml:"max_url_length" validate:"gte=0"`
	RatePerSecond   float64       `yaml:"rate_per_second" validate:"gte=0"`
	Burst           int           `yaml:"burst" validate:"gte=0"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
}

type ModuleConfig struct {
	Name       string `yaml:"name" validate:"required"`
	Path       string `yaml:"path" validate:"required"`
	Instances  int    `yaml:"instances" validate:"gte=1"`
	EntryPoint string `yaml:"entry_point"`
	// Allocate and Release name the guest allocator exports, for guests
	// that do not export allocate/release. Both or neither.
	Allocate string `yaml:"allocate" validate:"required_with=Release"`
	Release  string `yaml:"release" validate:"required_with=Allocate"`
}

// ModuleOptions translates the per-module settings.
func (m ModuleConfig) ModuleOptions() []executor.ModuleOption {
	var opts []executor.ModuleOption
	if m.EntryPoint != "" {
		opts = append(opts, executor.WithEntryPoint(m.EntryPoint))
	}
	if m.Allocate != "" && m.Release != "" {
		opts = append(opts, executor.WithAllocatorExports(m.Allocate, m.Release))
	}
	return opts
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

func Default() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Delimiter:   "\n",
		MaxConns:    64,
		ReadTimeout: 5 * time.Second,
		RunTimeout:  30 * time.Second,
		Runtime: RuntimeConfig{
			MemoryLimitPages: executor.MemoryLimit16MB,
			MaxArgSize:       1 << 20,
			WASI:             true,
		},
		Fetch: FetchConfig{
			Timeout:         10 * time.Second,
			MaxBodySize:     hostfunc.DefaultMaxBodySize,
			MaxURLLength:    hostfunc.DefaultMaxURLLength,
			Burst:           1,
			BreakerFailures: hostfunc.DefaultBreakerFailures,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for i := range cfg.Modules {
		if cfg.Modules[i].Instances == 0 {
			cfg.Modules[i].Instances = 1
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// AddModule appends a module given as name=path, as passed on the command
// line. A bare path is named after its file.
func (c *Config) AddModule(spec string, instances int) error {
	name, path, ok := strings.Cut(spec, "=")
	if !ok {
		path = spec
		name = moduleName(path)
	}
	if name == "" || path == "" {
		return fmt.Errorf("invalid module %q (expected name=path)", spec)
	}
	if instances < 1 {
		instances = 1
	}
	c.Modules = append(c.Modules, ModuleConfig{Name: name, Path: path, Instances: instances})
	return nil
}

func moduleName(path string) string {
	base := path
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base
}

// HTTPConfig is the fetch section as the fetch_url transport expects it.
func (f FetchConfig) HTTPConfig(logger *zap.Logger) hostfunc.HTTPConfig {
	return hostfunc.HTTPConfig{
		AllowedHosts:    f.AllowedHosts,
		MaxBodySize:     f.MaxBodySize,
		MaxURLLength:    f.MaxURLLength,
		RequestTimeout:  f.Timeout,
		RatePerSecond:   f.RatePerSecond,
		Burst:           f.Burst,
		BreakerFailures: f.BreakerFailures,
		Logger:          logger,
	}
}

// ExecutorOptions translates the runtime section.
func (r RuntimeConfig) ExecutorOptions(logger *zap.Logger) []executor.ExecutorOption {
	opts := []executor.ExecutorOption{
		executor.WithWASI(r.WASI),
		executor.WithLogger(logger),
	}
	if !r.NoCache {
		opts = append(opts, executor.WithDiskCache(r.CacheDir))
	}
	if r.MemoryLimitPages > 0 {
		opts = append(opts, executor.WithMemoryLimit(r.MemoryLimitPages))
	}
	if r.MaxArgSize > 0 {
		opts = append(opts, executor.WithMaxArgSize(r.MaxArgSize))
	}
	return opts
}

// Build returns a production logger, or a development one when asked for.
func (l LogConfig) Build() (*zap.Logger, error) {
	var zc zap.Config
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if l.Level != "" {
		level, err := zap.ParseAtomicLevel(l.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}

const pageSize = 64 << 10

// ParseMemory converts a size such as "16mb", "512kb" or "1gb" to 64KiB
// pages. Sizes are rounded up to a whole page.
func ParseMemory(s string) (uint32, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	unit := uint64(1)
	for _, suffix := range []struct {
		name string
		mul  uint64
	}{{"kb", 1 << 10}, {"mb", 1 << 20}, {"gb", 1 << 30}, {"b", 1}} {
		if strings.HasSuffix(s, suffix.name) {
			s = strings.TrimSuffix(s, suffix.name)
			unit = suffix.mul
			break
		}
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", s, err)
	}
	if n > (math.MaxUint64-pageSize)/unit {
		return 0, fmt.Errorf("memory size exceeds 4gb")
	}
	pages := (n*unit + pageSize - 1) / pageSize
	if pages > 65536 {
		return 0, fmt.Errorf("memory size exceeds 4gb")
	}
	return uint32(pages), nil
}
