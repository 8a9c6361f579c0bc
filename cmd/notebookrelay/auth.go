package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCheckAuthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-auth",
		Short: "Verify the external session works through the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Gateway.Timeout)
			defer cancel()
			out := cmd.OutOrStdout()
			status := a.session.Status()
			if status.Path != "" {
				fmt.Fprintf(out, "storage state: %s\n", status.Path)
			}
			if !status.ExpiresAt.IsZero() {
				fmt.Fprintf(out, "credential expires %s\n", humanize.Time(status.ExpiresAt))
			}
			if err := a.service.CheckAuth(ctx); err != nil {
				fmt.Fprintln(out, "session: NOT authenticated")
				return err
			}
			fmt.Fprintln(out, "session: authenticated")
			return nil
		},
	}
}
