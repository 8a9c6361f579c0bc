package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/notebookrelay/internal/config"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter notebookrelay.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "notebookrelay.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var reveal bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			doc, err := config.Document(cfg, reveal)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(doc)
			return err
		},
	}
	show.Flags().BoolVar(&reveal, "reveal", false, "print secrets instead of masking them")

	env := &cobra.Command{
		Use:   "env",
		Short: "List the environment variables that override each key",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, key := range config.Keys() {
				marker := ""
				if _, ok := os.LookupEnv(config.EnvName(key)); ok {
					marker = " (set)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s%s\n", config.EnvName(key), key, marker)
			}
		},
	}

	cmd.AddCommand(initCmd, show, env)
	return cmd
}
