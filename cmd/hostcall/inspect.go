package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/hostcall/executor"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <module.wasm|module.wat>",
	Short: "List a module's imports and exports",
	Long: `Print the functions a module imports and exports, and check whether
every import resolves against the capability table. Exits non-zero when
the module would not load or bind.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().String("entry", executor.DefaultEntryPoint, "Entry point the module must export")
	inspectCmd.Flags().String("allocator", "", "Allocator exports as allocate,release (default allocate,release)")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Runtime.NoCache = true
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

	mod, err := exec.LoadFile(cmd.Context(), args[0], modOpts...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "module %s\n", mod.Name())
	fmt.Fprintln(out, "imports:")
	for _, imp := range mod.Imports() {
		fmt.Fprintf(out, "  %s\n", imp)
	}
	fmt.Fprintln(out, "exports:")
	for _, exp := range mod.Exports() {
		fmt.Fprintf(out, "  %s\n", exp)
	}

	if err := mod.Bind(); err != nil {
		fmt.Fprintf(out, "binds: no (%v)\n", err)
		return err
	}
	fmt.Fprintln(out, "binds: yes")
	return nil
}
