package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sensei/internal/domain"
)

func (c *cli) classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify [prompt]",
		Short: "Show how the router classifies a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			a.loadExtensions(cmd.Context())

			out := a.router.Explain(cmd.Context(), strings.Join(args, " "))
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func (c *cli) askCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Route a prompt and print the final answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			a.loadExtensions(cmd.Context())

			reply, err := a.ask(cmd.Context(), strings.Join(args, " "), domain.NewCategory(category))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "skip routing and send to this category")
	return cmd
}

func (c *cli) correctCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "correct --category NAME [prompt]",
		Short: "Teach the semantic cache the right category for a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(category) == "" {
				return errors.New("--category is required")
			}
			a, err := newApp(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			target := domain.NewCategory(category)
			res, err := a.router.Correct(cmd.Context(), strings.Join(args, " "), target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", res, target.Display())
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "correct category")
	return cmd
}
