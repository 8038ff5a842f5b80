// Command sensei runs the agent orchestration engine. It serves the HTTP
// gateway and offers one-shot classify, ask and correct commands plus an
// interactive chat over the same stack.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"sensei/internal/infra/config"
	"sensei/internal/infra/logger"
	"sensei/internal/infra/tracer"
)

// cli holds state shared by the subcommands once PersistentPreRunE has run.
type cli struct {
	configPath string
	envFile    string

	cfg      *config.Config
	logger   *slog.Logger
	shutdown []func()
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "sensei",
		Short: "Sensei - security assistant orchestration engine",
		Long: `Sensei classifies free-text questions into capability categories, hands
them to the matching specialist, and follows delegation directives between
specialists and external tool providers.

Run "sensei serve" to start the HTTP gateway.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
		PersistentPostRun: func(*cobra.Command, []string) { c.teardown() },
	}

	defaultConfig := os.Getenv("SENSEI_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", defaultConfig, "path to config.yaml")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before config")

	root.AddCommand(
		c.serveCmd(),
		c.classifyCmd(),
		c.askCmd(),
		c.chatCmd(),
		c.correctCmd(),
		c.sessionsCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("env file: %w", err)
		}
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.cfg = cfg

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	c.logger = log
	c.shutdown = append(c.shutdown, func() { _ = closeLog() })

	shutdownTracer, err := tracer.Setup(cmd.Context(), cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	c.shutdown = append(c.shutdown, func() { _ = shutdownTracer(context.Background()) })
	return nil
}

// teardown runs shutdown hooks in reverse order.
func (c *cli) teardown() {
	for i := len(c.shutdown) - 1; i >= 0; i-- {
		c.shutdown[i]()
	}
	c.shutdown = nil
}
