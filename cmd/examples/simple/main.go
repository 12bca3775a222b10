package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/avi3tal/agentcore/internal/engine"
	"github.com/avi3tal/agentcore/internal/plan"
	"github.com/avi3tal/agentcore/internal/sessionstore"
	"github.com/avi3tal/agentcore/pkg/orchestrator"
)

// wordCount is a custom node type registered next to the stock handlers
func wordCount(_ context.Context, in engine.Context) (any, error) {
	return len(strings.Fields(in.String("text"))), nil
}

func main() {
	ctx := context.Background()

	root, err := os.MkdirTemp("", "agentcore-example-")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(root)

	if err := os.WriteFile(filepath.Join(root, "NOTES.md"), []byte("draft\n"), 0o644); err != nil {
		log.Fatal(err)
	}

	o, err := orchestrator.New(ctx, root,
		orchestrator.WithStore(sessionstore.NewMemoryStore()),
		orchestrator.WithHandler("word_count", engine.HandlerFunc(wordCount)),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer o.Close()

	p := &plan.Plan{
		ID: "simple",
		Tasks: []plan.Task{
			{ID: "count", Type: "word_count", Payload: map[string]any{"text": "the quick brown fox"}, Next: []string{"notes"}},
			{ID: "notes", Type: "write_file", Payload: map[string]any{"path": "NOTES.md", "content": "four words counted\n"}},
		},
	}
	g, err := p.Build(plan.WithRegistry(o.Registry()))
	if err != nil {
		log.Fatal(err)
	}

	snapshots, err := o.Stream(ctx, g, nil)
	if err != nil {
		log.Fatal(err)
	}
	for snap := range snapshots {
		fmt.Printf("%-6s progress=%.2f\n", snap.CurrentNode, snap.Progress)
	}

	g.Print(os.Stdout)

	for _, v := range o.Staging().ActiveSessions(ctx) {
		fmt.Printf("\npending patch %s:\n%s", v.SessionID, v.Diff)
		if _, err := o.Staging().ApplyPatch(ctx, v.SessionID); err != nil {
			log.Fatal(err)
		}
	}

	data, err := os.ReadFile(filepath.Join(root, "NOTES.md"))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("\nNOTES.md now reads: %s", data)
}
