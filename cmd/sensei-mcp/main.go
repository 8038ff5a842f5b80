// Command sensei-mcp serves sensei's local diagnostic tools and knowledge
// documents as a stdio tool provider. Point an mcp_settings.json entry at
// it to mount this host as an extension category of another sensei.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"sensei/internal/adapter/memory/vector"
	"sensei/internal/adapter/tool"
	"sensei/internal/adapter/toolserver"
	"sensei/internal/domain"
	"sensei/internal/infra/config"
	"sensei/internal/infra/logger"
	"sensei/internal/infra/tracer"
)

const version = "0.1.0"

type options struct {
	configPath string
	envFile    string
	name       string
	knowledge  bool
	resources  int
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:          "sensei-mcp",
		Short:        "Serve sensei tools and knowledge over stdio",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, opts, in, out)
		},
	}
	defaultConfig := os.Getenv("SENSEI_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	cmd.Flags().StringVar(&opts.configPath, "config", defaultConfig, "path to config.yaml")
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before config")
	cmd.Flags().StringVar(&opts.name, "name", "sensei-tools", "server name reported during initialize")
	cmd.Flags().BoolVar(&opts.knowledge, "knowledge", true, "publish knowledge documents as resources")
	cmd.Flags().IntVar(&opts.resources, "resources", 100, "maximum documents listed in resources/list (0 = all)")
	return cmd
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("env file: %w", err)
		}
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// stdout carries the protocol.
	if cfg.Logger.Output == "" || cfg.Logger.Output == "stdout" {
		cfg.Logger.Output = "stderr"
	}
	if cfg.Tracer.Exporter == "stdout" {
		cfg.Tracer.Exporter = "stderr"
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	srv, cleanup, err := newToolServer(ctx, cfg, opts, log)
	if err != nil {
		return err
	}
	defer cleanup()

	log.Info("tool provider ready", "name", opts.name, "knowledge", opts.knowledge)
	if err := srv.Serve(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newToolServer(ctx context.Context, cfg *config.Config, opts options, log *slog.Logger) (*toolserver.Server, func(), error) {
	shell := tool.NewLocalShellBackend(cfg.Tools.ShellTimeout)
	perMin := cfg.Tools.CallsPerMinute
	tools := []domain.Tool{
		tool.Limit(tool.NewSystemTool(shell, cfg.Tools.MaxOutputBytes, log), perMin, time.Minute),
		tool.Limit(tool.NewNmapTool(shell, cfg.Tools.NmapPath, log), perMin, time.Minute),
	}

	serverOpts := []toolserver.Option{toolserver.WithLogger(log)}
	cleanup := func() {}
	if opts.knowledge {
		store, err := vector.Open(cfg.Memory.DatabasePath, log)
		if err != nil {
			return nil, nil, fmt.Errorf("memory: %w", err)
		}
		serverOpts = append(serverOpts, toolserver.WithKnowledge(store))
		cleanup = func() { _ = store.Close() }
	}

	srv := toolserver.New(opts.name, version, tools, serverOpts...)
	if _, err := srv.SyncResources(ctx, opts.resources); err != nil {
		cleanup()
		return nil, nil, err
	}
	return srv, cleanup, nil
}
