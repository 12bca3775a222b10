package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/avi3tal/agentcore/internal/watch"
)

func newPatchCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Review staged file changes",
		Long: `Staged patches hold changes to existing files until they are applied or
discarded. Apply refuses to write when the file changed after the patch was
staged.`,
	}
	cmd.AddCommand(
		newPatchProposeCommand(a),
		newPatchShowCommand(a),
		newPatchApplyCommand(a),
		newPatchDiscardCommand(a),
		newPatchVerifyCommand(a),
		newPatchListCommand(a),
		newPatchGCCommand(a),
		newPatchWatchCommand(a),
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newPatchProposeCommand(a *app) *cobra.Command {
	var content, from string
	cmd := &cobra.Command{
		Use:   "propose <path>",
		Short: "Propose new content for a file",
		Long: `Propose new content for a file, read from --content, --from or stdin.
New files are written immediately; changes to existing files are staged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proposed := content
			switch {
			case cmd.Flags().Changed("content"):
			case from != "":
				data, err := os.ReadFile(from)
				if err != nil {
					return err
				}
				proposed = string(data)
			default:
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				proposed = string(data)
			}

			o, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer o.Close()

			res, err := o.Staging().CreatePatch(cmd.Context(), args[0], proposed)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "Proposed content")
	cmd.Flags().StringVar(&from, "from", "", "Read proposed content from this file")
	cmd.MarkFlagsMutuallyExclusive("content", "from")
	return cmd
}

func newPatchShowCommand(a *app) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the diff of a staged patch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer o.Close()

			view, err := o.Staging().GetPatch(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("patch %s: %w", args[0], err)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), view)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s (%s)\nfile    %s\nchanges +%d -%d\n\n",
				view.SessionID, view.Status, view.FilePath, view.Stats.Added, view.Stats.Removed)
			fmt.Fprint(out, view.Diff)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the full patch as JSON")
	return cmd
}

func newPatchApplyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <session-id>",
		Short: "Write a staged patch if its file is unchanged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer o.Close()

			res, err := o.Staging().ApplyPatch(cmd.Context(), args[0])
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newPatchDiscardCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <session-id>",
		Short: "Reject a staged patch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer o.Close()

			res, err := o.Staging().DiscardPatch(cmd.Context(), args[0])
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newPatchVerifyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <session-id>",
		Short: "Check whether a staged patch would still apply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer o.Close()

			res, err := o.Staging().Verify(cmd.Context(), args[0])
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newPatchListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending patches, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer o.Close()

			active := o.Staging().ActiveSessions(cmd.Context())
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tFILE\tCHANGES\tCREATED")
			for _, v := range active {
				fmt.Fprintf(tw, "%s\t%s\t+%d -%d\t%s\n",
					v.SessionID, v.FilePath, v.Stats.Added, v.Stats.Removed, v.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newPatchGCCommand(a *app) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove patches older than the session TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("ttl") {
				ttl = a.cfg.Staging.SessionTTL
			}
			o, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer o.Close()

			removed, err := o.Staging().CleanupExpired(cmd.Context(), ttl)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d session(s)\n", removed)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Maximum session age (default: staging.session_ttl)")
	return cmd
}

func newPatchWatchCommand(a *app) *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Warn when the target of a pending patch changes on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer o.Close()

			out := cmd.OutOrStdout()
			w, err := watch.New(o.Staging(), func(alert watch.Alert) {
				fmt.Fprintf(out, "%s  %s  %s: %s\n",
					alert.Time.Format(time.TimeOnly), alert.SessionID, alert.FilePath, alert.Reason)
			}, watch.WithDebounce(debounce), watch.WithLogger(a.logger))
			if err != nil {
				return err
			}
			a.logger.Info("watching staged patches", slog.Int("pending", len(o.Staging().ActiveSessions(cmd.Context()))))
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 100*time.Millisecond, "Wait this long for more events before checking")
	return cmd
}
