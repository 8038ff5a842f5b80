package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and watch tool-provider settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.logger.Error("shutdown", "error", err)
		}
	}()

	if c.cfg.MCP.Watch || c.cfg.MCP.PollInterval > 0 {
		if err := a.watcher.Start(ctx); err != nil {
			return err
		}
	} else {
		a.loadExtensions(ctx)
	}

	c.logger.Info("sensei starting",
		"model", a.model.Name(),
		"memory", c.cfg.Memory.DatabasePath,
		"categories", len(a.registry.Categories()),
		"extensions", a.reconciler.Active(),
		"gateway", c.cfg.Gateway.Enabled,
	)

	if !c.cfg.Gateway.Enabled {
		<-ctx.Done()
		return nil
	}

	return a.gateway().Start(ctx)
}
