package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/notebookrelay/internal/notebook"
)

func newNotebooksCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "notebooks",
		Short: "Inspect and manage user notebook mappings",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	var remote bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded mappings (or, with --remote, the external account's notebooks)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				if remote {
					notebooks, err := a.service.RemoteNotebooks(ctx)
					if err != nil {
						return err
					}
					if asJSON {
						return printJSON(out, notebooks)
					}
					return printRemote(out, notebooks)
				}
				mappings, err := a.service.Manager().List(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, mappings)
				}
				return printMappings(out, mappings)
			})
		},
	}
	list.Flags().BoolVar(&remote, "remote", false, "list notebooks in the external account")

	show := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show one user's mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				mapping, err := a.service.Manager().Get(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), mapping)
				}
				return printMappings(cmd.OutOrStdout(), []notebook.Mapping{mapping})
			})
		},
	}

	var name string
	resolve := &cobra.Command{
		Use:   "resolve <user-id>",
		Short: "Return the user's notebook, creating it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				var resolveOpts []notebook.ResolveOption
				if name != "" {
					resolveOpts = append(resolveOpts, notebook.WithDisplayName(name))
				}
				res, err := a.service.Manager().Resolve(ctx, args[0], resolveOpts...)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				verb := "reused"
				if res.Created {
					verb = "created"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s notebook %s for %s\n", verb, res.Mapping.NotebookID, res.Mapping.UserID)
				return nil
			})
		},
	}
	resolve.Flags().StringVar(&name, "name", "", "display name used if a notebook is created")

	del := &cobra.Command{
		Use:   "delete <user-id>",
		Short: "Delete the user's notebook and mark the mapping deleted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.service.Manager().Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted notebook for %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, resolve, del)
	return cmd
}

// withApp loads config, builds the app, and runs fn with a context bounded by
// the creation timeout plus the wait budget.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := opts.load(cmd)
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Lifecycle.CreateTimeout+cfg.Lifecycle.WaitTimeout)
	defer cancel()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMappings(w io.Writer, mappings []notebook.Mapping) error {
	if len(mappings) == 0 {
		_, err := fmt.Fprintln(w, "no mappings")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tSTATUS\tNOTEBOOK\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, m := range mappings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			m.UserID, m.Status, dash(m.NotebookID), m.Attempts, ago(m.UpdatedAt), dash(m.LastError))
	}
	return tw.Flush()
}

func printRemote(w io.Writer, notebooks []notebook.NotebookInfo) error {
	if len(notebooks) == 0 {
		_, err := fmt.Fprintln(w, "no notebooks")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tSOURCES\tCREATED")
	for _, nb := range notebooks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", nb.ID, nb.Title, humanize.Comma(int64(nb.SourceCount)), ago(nb.CreatedAt))
	}
	return tw.Flush()
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
