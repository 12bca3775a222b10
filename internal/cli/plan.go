package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/avi3tal/agentcore/internal/engine"
	"github.com/avi3tal/agentcore/internal/graph"
	"github.com/avi3tal/agentcore/internal/handlers"
	"github.com/avi3tal/agentcore/internal/plan"
)

func newPlanCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect plan documents",
	}
	cmd.AddCommand(newPlanShowCommand(a))
	return cmd
}

func newPlanShowCommand(a *app) *cobra.Command {
	var (
		request    string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "show [plan-file]",
		Short: "Validate a plan and print its graph",
		Long: `Validate a plan document against the stock handlers and print its structure.
Without a file the default plan for --request is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := plan.Default(request)
			if len(args) == 1 {
				var err error
				if p, err = plan.LoadFile(args[0]); err != nil {
					return err
				}
			}
			if p.ID == "" {
				p.ID = a.cfg.Engine.GraphID
			}

			// write_file needs a stager only at run time
			reg := engine.NewRegistry()
			if err := handlers.New().Register(reg); err != nil {
				return err
			}
			if err := reg.RegisterFunc(graph.TypeWriteFile, noopHandler); err != nil {
				return err
			}

			g, err := p.Build(plan.WithRegistry(reg))
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(g.Info())
			}
			g.Print(cmd.OutOrStdout())
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d tasks, plan is valid\n", g.Len())
			return nil
		},
	}
	cmd.Flags().StringVarP(&request, "request", "r", "", "Request text for the default plan")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the graph as JSON")
	return cmd
}

func noopHandler(context.Context, engine.Context) (any, error) {
	return nil, nil
}
