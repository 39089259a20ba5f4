package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostcall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "\n", cfg.Delimiter)
	assert.Equal(t, uint32(256), cfg.Runtime.MemoryLimitPages)
	assert.True(t, cfg.Runtime.WASI)
	assert.Empty(t, cfg.Fetch.AllowedHosts)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen: "0.0.0.0:9000"
delimiter: "|"
read_timeout: 2s
run_timeout: 1m
runtime:
  memory_limit_pages: 16
  wasi: false
fetch:
  allowed_hosts: [example.com, api.example.org]
  timeout: 500ms
  rate_per_second: 2.5
modules:
  - name: hello
    path: ./hello.wasm
  - name: weather
    path: ./weather.wasm
    instances: 4
    entry_point: doit
    allocate: alloc
    release: dealloc
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "|", cfg.Delimiter)
	assert.Equal(t, 64, cfg.MaxConns, "unset fields keep their defaults")
	assert.Equal(t, 2*time.Second, cfg.ReadTimeout)
	assert.Equal(t, time.Minute, cfg.RunTimeout)
	assert.Equal(t, uint32(16), cfg.Runtime.MemoryLimitPages)
	assert.False(t, cfg.Runtime.WASI)
	assert.Equal(t, []string{"example.com", "api.example.org"}, cfg.Fetch.AllowedHosts)
	assert.Equal(t, 500*time.Millisecond, cfg.Fetch.Timeout)
	assert.Equal(t, int64(1<<20), cfg.Fetch.MaxBodySize)
	assert.Equal(t, 2.5, cfg.Fetch.RatePerSecond)
	require.Len(t, cfg.Modules, 2)
	assert.Equal(t, ModuleConfig{Name: "hello", Path: "./hello.wasm", Instances: 1}, cfg.Modules[0])
	assert.Equal(t, ModuleConfig{
		Name: "weather", Path: "./weather.wasm", Instances: 4,
		EntryPoint: "doit", Allocate: "alloc", Release: "dealloc",
	}, cfg.Modules[1])
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad yaml", "listen: [", "parse config"},
		{"bad duration", "run_timeout: soon", "parse config"},
		{"bad listen", `listen: "nope"`, "Listen"},
		{"zero conns", "max_conns: 0", "MaxConns"},
		{"module without path", "modules: [{name: a}]", "Path"},
		{"duplicate module", "modules: [{name: a, path: a.wasm}, {name: a, path: b.wasm}]", "Modules"},
		{"negative instances", "modules: [{name: a, path: a.wasm, instances: -1}]", "Instances"},
		{"allocate without release", "modules: [{name: a, path: a.wasm, allocate: alloc}]", "Release"},
		{"release without allocate", "modules: [{name: a, path: a.wasm, release: dealloc}]", "Allocate"},
		{"empty host", `fetch: {allowed_hosts: [""]}`, "AllowedHosts"},
		{"bad level", "log: {level: loud}", "Level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestAddModule(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.AddModule("greet=./mods/hello.wasm", 2))
	require.NoError(t, cfg.AddModule("./mods/weather.wat", 0))
	assert.Error(t, cfg.AddModule("name=", 1))
	assert.Error(t, cfg.AddModule("=path.wasm", 1))

	assert.Equal(t, []ModuleConfig{
		{Name: "greet", Path: "./mods/hello.wasm", Instances: 2},
		{Name: "weather", Path: "./mods/weather.wat", Instances: 1},
	}, cfg.Modules)
	assert.NoError(t, cfg.Validate())
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
	}{
		{"1mb", 16},
		{"16MB", 256},
		{"64kb", 1},
		{"65kb", 2},
		{"1gb", 16384},
		{"4gb", 65536},
		{"131072", 2},
	}
	for _, tt := range tests {
		got, err := ParseMemory(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "mb", "lots", "-1mb", "5gb", "17179869184gb", "18446744073709551615kb", "18446744073709551615"} {
		_, err := ParseMemory(bad)
		assert.Error(t, err, bad)
	}
}

func TestTranslations(t *testing.T) {
	cfg := Default()
	cfg.Fetch.AllowedHosts = []string{"example.com"}
	hc := cfg.Fetch.HTTPConfig(nil)
	assert.Equal(t, []string{"example.com"}, hc.AllowedHosts)
	assert.Equal(t, 10*time.Second, hc.RequestTimeout)
	assert.Equal(t, uint32(5), hc.BreakerFailures)

	assert.Len(t, cfg.Runtime.ExecutorOptions(nil), 5)
	cfg.Runtime.NoCache = true
	cfg.Runtime.MemoryLimitPages = 0
	cfg.Runtime.MaxArgSize = 0
	assert.Len(t, cfg.Runtime.ExecutorOptions(nil), 2)

	assert.Empty(t, ModuleConfig{Name: "a", Path: "a.wasm"}.ModuleOptions())
	assert.Len(t, ModuleConfig{Name: "a", Path: "a.wasm", EntryPoint: "doit"}.ModuleOptions(), 1)
	assert.Len(t, ModuleConfig{EntryPoint: "doit", Allocate: "alloc", Release: "dealloc"}.ModuleOptions(), 2)
}

func TestLogBuild(t *testing.T) {
	logger, err := LogConfig{Level: "warn"}.Build()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
	assert.True(t, logger.Core().Enabled(1))

	_, err = LogConfig{Level: "loud"}.Build()
	assert.Error(t, err)
}
