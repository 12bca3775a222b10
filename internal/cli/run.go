package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/avi3tal/agentcore/internal/engine"
	"github.com/avi3tal/agentcore/internal/graph"
	"github.com/avi3tal/agentcore/internal/plan"
	"github.com/avi3tal/agentcore/internal/telemetry"
)

type runOptions struct {
	request         string
	planPath        string
	eventsPath      string
	jsonOutput      bool
	templateContext map[string]string
}

func newRunCommand(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a plan, or the default analyze/generate/review plan for a request",
		Long: `Execute a task graph. With --plan the graph is loaded from a YAML, JSON or
HCL plan document; otherwise the default plan is built around --request.
Changes the agents propose to existing files are staged; see 'agentcore patch'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.request, "request", "r", "", "Request text for the default plan")
	cmd.Flags().StringVarP(&opts.planPath, "plan", "p", "", "Plan document (.yaml, .yml, .json or .hcl)")
	cmd.Flags().StringVar(&opts.eventsPath, "events", "", "Append snapshots and the summary to this NDJSON file")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print snapshots and the summary as NDJSON instead of text")
	cmd.Flags().StringToStringVar(&opts.templateContext, "template-context", nil, "key=value pairs attached to every snapshot")
	cmd.MarkFlagsMutuallyExclusive("request", "plan")
	return cmd
}

func (a *app) run(cmd *cobra.Command, opts *runOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var engineOpts []engine.Option
	if a.cfg.Engine.JoinSemantics {
		engineOpts = append(engineOpts, engine.WithJoinSemantics())
	}
	if a.cfg.Engine.StrictHandlers {
		engineOpts = append(engineOpts, engine.WithStrictHandlers())
	}
	if a.cfg.Engine.MaxSteps > 0 {
		engineOpts = append(engineOpts, engine.WithMaxSteps(a.cfg.Engine.MaxSteps))
	}
	if len(opts.templateContext) > 0 {
		tc := make(map[string]any, len(opts.templateContext))
		for k, v := range opts.templateContext {
			tc[k] = v
		}
		engineOpts = append(engineOpts, engine.WithTemplateContext(tc))
	}

	var stdoutSink *telemetry.Sink
	if opts.jsonOutput {
		stdoutSink = telemetry.NewSink(out, a.logger)
		engineOpts = append(engineOpts, engine.WithSink(stdoutSink))
	}

	eventsPath := opts.eventsPath
	if eventsPath == "" {
		eventsPath = a.cfg.Engine.EventLog
	}
	if eventsPath != "" {
		fileSink, err := telemetry.OpenFile(eventsPath, a.logger)
		if err != nil {
			return err
		}
		defer fileSink.Close()
		engineOpts = append(engineOpts, engine.WithSink(fileSink))
	}

	o, err := a.open(ctx, true, engineOpts...)
	if err != nil {
		return err
	}
	defer o.Close()

	p := plan.Default(opts.request)
	if opts.planPath != "" {
		if p, err = plan.LoadFile(opts.planPath); err != nil {
			return err
		}
	}
	if p.ID == "" {
		p.ID = a.cfg.Engine.GraphID
	}

	g, err := p.Build(plan.WithRegistry(o.Registry()))
	if err != nil {
		return err
	}

	snapshots, err := o.Stream(ctx, g, nil)
	if err != nil {
		return err
	}
	for snap := range snapshots {
		if !opts.jsonOutput {
			printSnapshot(out, g, snap)
		}
	}
	if stdoutSink != nil {
		if err := stdoutSink.Close(); err != nil {
			return err
		}
	}

	summary := engine.Summarize(g)
	if !opts.jsonOutput {
		printSummary(out, g, summary)
	}
	if node, failed := engine.FailedNode(g); failed {
		return fmt.Errorf("run failed at node %s: %s", node.ID, node.Error)
	}
	return nil
}

func printSnapshot(w io.Writer, g *graph.Graph, snap engine.Snapshot) {
	n, ok := g.Node(snap.CurrentNode)
	if !ok {
		return
	}
	status := n.Status
	for _, s := range snap.Nodes {
		if s.ID == snap.CurrentNode {
			status = s.Status
		}
	}
	fmt.Fprintf(w, "[%3.0f%%] %-20s %s\n", snap.Progress*100, snap.CurrentNode, status)
}

func printSummary(w io.Writer, g *graph.Graph, summary engine.Summary) {
	fmt.Fprintf(w, "\n%d/%d nodes completed\n", summary.CompletedNodes, g.Len())
	for _, n := range g.Nodes() {
		if res, ok := n.Result.(map[string]any); ok {
			if id, ok := res["session_id"].(string); ok {
				fmt.Fprintf(w, "staged patch %s for %v (review with 'agentcore patch show %s')\n", id, res["file_path"], id)
			}
		}
	}
}
