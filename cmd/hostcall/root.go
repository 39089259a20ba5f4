package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/hostcall/config"
	"github.com/caffeineduck/hostcall/executor"
	"github.com/caffeineduck/hostcall/hostfunc"
)

var rootCmd = &cobra.Command{
	Use:   "hostcall",
	Short: "Capability host for sandboxed WebAssembly modules",
	Long: `hostcall - Run WebAssembly modules against a small table of host capabilities.

Modules have no access to the network, filesystem or clock beyond what the
capability table grants: fetch_url for allowlisted HTTP GETs, set_response to
deliver output and log to write to the host log. Nothing is allowed unless
enabled with flags or configuration.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable compilation cache")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-dev", false, "Human-readable development logging")
}

// addCapabilityFlags adds the flags shared by every command that runs modules.
func addCapabilityFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("allow-host", nil, "Allow fetch_url to host (repeatable)")
	cmd.Flags().Duration("fetch-timeout", 0, "Timeout for each fetch_url request (default 10s)")
	cmd.Flags().Int64("fetch-max-body", 0, "Max fetch_url response body size (default 1MB)")
	cmd.Flags().String("memory", "", "Memory limit per instance, e.g. 1mb, 16mb, 64mb (default 16mb)")
}

// loadConfig reads --config when the command has it, then applies every
// flag the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	if changed("no-cache") {
		cfg.Runtime.NoCache, _ = flags.GetBool("no-cache")
	}
	if changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if changed("log-dev") {
		cfg.Log.Development, _ = flags.GetBool("log-dev")
	}
	if changed("allow-host") {
		cfg.Fetch.AllowedHosts, _ = flags.GetStringSlice("allow-host")
	}
	if changed("fetch-timeout") {
		cfg.Fetch.Timeout, _ = flags.GetDuration("fetch-timeout")
	}
	if changed("fetch-max-body") {
		cfg.Fetch.MaxBodySize, _ = flags.GetInt64("fetch-max-body")
	}
	if changed("memory") {
		s, _ := flags.GetString("memory")
		pages, err := config.ParseMemory(s)
		if err != nil {
			return nil, err
		}
		cfg.Runtime.MemoryLimitPages = pages
	}
	if changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if changed("delimiter") {
		cfg.Delimiter, _ = flags.GetString("delimiter")
	}
	if changed("max-conns") {
		cfg.MaxConns, _ = flags.GetInt("max-conns")
	}
	if changed("timeout") {
		cfg.RunTimeout, _ = flags.GetDuration("timeout")
	}
	if changed("module") {
		specs, _ := flags.GetStringArray("module")
		instances, _ := flags.GetInt("instances")
		for _, spec := range specs {
			if err := cfg.AddModule(spec, instances); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newExecutor builds the capability table and runtime described by cfg.
func newExecutor(cfg *config.Config, logger *zap.Logger) (*executor.Executor, error) {
	fetcher := hostfunc.NewHTTPFetcher(cfg.Fetch.HTTPConfig(logger.Named("fetch")))
	exec, err := executor.New(hostfunc.NewTable(fetcher), cfg.Runtime.ExecutorOptions(logger)...)
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return exec, nil
}
