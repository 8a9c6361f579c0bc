package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/notebookrelay/internal/config"
)

type rootOptions struct {
	configFile string
	envFile    string
}

// load reads configuration and builds a logger writing to the command's
// stderr, so stdout stays free for output and the MCP transport.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: o.configFile, EnvFile: o.envFile})
	if err != nil {
		return nil, nil, err
	}
	return cfg, config.NewLogger(cfg.Log, cmd.ErrOrStderr()), nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "notebookrelay",
		Short:         "Per-user notebook relay for the chess learning platform",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default ./notebookrelay.yaml, then ~/.notebookrelay/notebookrelay.yaml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file (default .env)")

	cmd.AddCommand(
		newServeCmd(opts),
		newMCPCmd(opts),
		newNotebooksCmd(opts),
		newCheckAuthCmd(opts),
		newKeepAliveCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return cmd
}
