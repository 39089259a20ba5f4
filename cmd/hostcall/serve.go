package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/hostcall/config"
	"github.com/caffeineduck/hostcall/executor"
	"github.com/caffeineduck/hostcall/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve module output over HTTP",
	Long: `Start a listener that runs every configured module once per request.

Each request gets a 200 text/plain response whose body is the output of
every module, in configured order, separated by the delimiter. A module
that fails contributes "error: <message>" instead.

Modules come from --config, from --module name=path flags, or both:
  hostcall serve --module hello=hello.wasm --module weather=weather.wasm \
      --allow-host api.weather.gov --instances 4`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "YAML configuration file")
	serveCmd.Flags().String("listen", "127.0.0.1:8080", "Address to listen on")
	serveCmd.Flags().StringArray("module", nil, "Module to run per request, as name=path (repeatable)")
	serveCmd.Flags().Int("instances", 1, "Instances per --module")
	serveCmd.Flags().String("delimiter", "\n", "Separator between module outputs")
	serveCmd.Flags().Int("max-conns", 64, "Connections handled at once")
	serveCmd.Flags().Duration("timeout", 30*time.Second, "Execution timeout per module")
	addCapabilityFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(cfg.Modules) == 0 {
		return errors.New("no modules configured: use --module name=path or a config file")
	}

	logger, err := cfg.Log.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "hostcall listening on %s\n", ln.Addr())
	return srv.Serve(ctx, ln)
}

// newServer loads every configured module into its own pool. Any failure
// here is fatal; cleanup releases whatever was created.
func newServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*server.Server, func(), error) {
	exec, err := newExecutor(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	var pools []*executor.Pool
	cleanup := func() {
		for _, p := range pools {
			p.Close(context.Background())
		}
		exec.Close()
	}

	runners := make([]server.Runner, 0, len(cfg.Modules))
	for _, mc := range cfg.Modules {
		mod, err := exec.LoadFileAs(ctx, mc.Name, mc.Path, mc.ModuleOptions()...)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		pool, err := mod.NewPool(ctx, mc.Instances)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("module %s: %w", mc.Name, err)
		}
		pools = append(pools, pool)
		runners = append(runners, pool)
		logger.Info("module ready",
			zap.String("module", mc.Name),
			zap.String("path", mc.Path),
			zap.Int("instances", mc.Instances),
		)
	}

	return &server.Server{
		Pools:       runners,
		Delimiter:   cfg.Delimiter,
		Logger:      logger.Named("server"),
		MaxConns:    cfg.MaxConns,
		ReadTimeout: cfg.ReadTimeout,
		RunTimeout:  cfg.RunTimeout,
	}, cleanup, nil
}
