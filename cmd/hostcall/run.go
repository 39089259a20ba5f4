package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/hostcall/executor"
)

var runCmd = &cobra.Command{
	Use:   "run <module.wasm|module.wat>",
	Short: "Run a module's entry point once",
	Long: `Load a module, run its entry point once and print what it delivered
through set_response. Logs go to stderr.

Examples:
  hostcall run hello.wasm
  hostcall run weather.wat --allow-host api.weather.gov
  hostcall run legacy.wasm --entry doit`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("entry", executor.DefaultEntryPoint, "Exported function to run")
	runCmd.Flags().Duration("timeout", 30*time.Second, "Execution timeout")
	runCmd.Flags().String("allocator", "", "Allocator exports as allocate,release (default allocate,release)")
	addCapabilityFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	modOpts, err := moduleOptions(cmd)
	if err != nil {
		return err
	}

	exec, err := newExecutor(cfg, logger)
	if err != nil {
		return err
	}
	defer exec.Close()

	ctx := cmd.Context()
	mod, err := exec.LoadFile(ctx, args[0], modOpts...)
	if err != nil {
		return err
	}
	inst, err := mod.Instantiate(ctx)
	if err != nil {
		return err
	}
	defer inst.Close(ctx)

	result := inst.Run(ctx, executor.WithTimeout(cfg.RunTimeout))
	fmt.Fprint(cmd.OutOrStdout(), result.Output)
	if result.Error != nil {
		return result.Error
	}
	if result.Status != 0 {
		return fmt.Errorf("%s returned status %d", mod.EntryPoint(), result.Status)
	}
	return nil
}

func moduleOptions(cmd *cobra.Command) ([]executor.ModuleOption, error) {
	var opts []executor.ModuleOption
	if entry, _ := cmd.Flags().GetString("entry"); entry != "" {
		opts = append(opts, executor.WithEntryPoint(entry))
	}
	if spec, _ := cmd.Flags().GetString("allocator"); spec != "" {
		allocate, release, ok := strings.Cut(spec, ",")
		if !ok || allocate == "" || release == "" {
			return nil, fmt.Errorf("invalid allocator %q (expected allocate,release)", spec)
		}
		opts = append(opts, executor.WithAllocatorExports(allocate, release))
	}
	return opts, nil
}
