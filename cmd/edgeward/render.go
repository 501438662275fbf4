package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgeward/edgeward/internal/config"
	"github.com/edgeward/edgeward/internal/logger"
)

func newRenderCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the edge proxy config for the current state without applying it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Init(cfg.Debug, cmd.ErrOrStderr())

			a, err := openApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.caddy.Preview(cmd.Context())
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				logger.Log().Warn(w)
			}
			if output != "" {
				if err := os.WriteFile(output, res.Document, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (hash %s)\n", output, res.Hash)
				return nil
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(res.Document))
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the document to a file instead of stdout")
	return cmd
}
