package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avi3tal/agentcore/internal/engine"
	"github.com/avi3tal/agentcore/internal/graph"
	"github.com/avi3tal/agentcore/internal/handlers"
)

const yamlPlan = `
id: release
entry: analyze
tasks:
  - id: analyze
    type: analysis
    payload:
      message: plan the release
    next: [generate]
  - id: generate
    type: code
    next: [review]
  - id: review
    type: review
`

const jsonPlan = `{
  "id": "release",
  "entry": "analyze",
  "tasks": [
    {"id": "analyze", "type": "analysis", "payload": {"message": "plan the release"}, "next": ["generate"]},
    {"id": "generate", "type": "code", "next": ["review"]},
    {"id": "review", "type": "review"}
  ]
}`

const hclPlan = `
id    = "release"
entry = "analyze"

task "analyze" {
  type    = "analysis"
  payload = { message = "plan the release", retries = 2 }
  next    = ["generate"]
}

task "generate" {
  type = "code"
  next = ["review"]
}

task "review" {
  type = "review"
}
`

func TestParseFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		format Format
		doc    string
	}{
		{name: "YAML", format: FormatYAML, doc: yamlPlan},
		{name: "JSON", format: FormatJSON, doc: jsonPlan},
		{name: "HCL", format: FormatHCL, doc: hclPlan},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := Parse([]byte(tc.doc), tc.format, "plan."+string(tc.format))
			require.NoError(t, err)

			assert.Equal(t, "release", p.ID)
			assert.Equal(t, "analyze", p.Entry)
			require.Len(t, p.Tasks, 3)
			assert.Equal(t, "plan the release", p.Tasks[0].Payload["message"])
			assert.Equal(t, []string{"generate"}, p.Tasks[0].Next)

			g, err := p.Build()
			require.NoError(t, err)
			assert.Equal(t, "release", g.ID())
			assert.Equal(t, "analyze", g.Entry())
			assert.Equal(t, []string{"review"}, g.Successors("generate"))
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte("entry: a\nsteps: []\n"), FormatYAML, "p.yaml")
	require.Error(t, err)

	_, err = Parse([]byte(`{"entry": "a", "steps": []}`), FormatJSON, "p.json")
	require.Error(t, err)

	_, err = Parse([]byte(`task "a" { kind = "x" }`), FormatHCL, "p.hcl")
	require.Error(t, err)
}

func TestHCLPayloadMustBeObject(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte(`task "a" {
  type    = "analysis"
  payload = "flat"
}`), FormatHCL, "p.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload must be an object")
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()

	t.Run("UnknownEdgeTarget", func(t *testing.T) {
		t.Parallel()
		p := &Plan{Tasks: []Task{{ID: "a", Type: "analysis", Next: []string{"ghost"}}}}
		_, err := p.Build()
		require.ErrorIs(t, err, graph.ErrNodeNotFound)
	})

	t.Run("Cycle", func(t *testing.T) {
		t.Parallel()
		p := &Plan{Tasks: []Task{
			{ID: "a", Type: "analysis", Next: []string{"b"}},
			{ID: "b", Type: "analysis", Next: []string{"a"}},
		}}
		_, err := p.Build()
		require.ErrorIs(t, err, graph.ErrCyclicDependency)
	})

	t.Run("DuplicateTask", func(t *testing.T) {
		t.Parallel()
		p := &Plan{Tasks: []Task{{ID: "a", Type: "analysis"}, {ID: "a", Type: "code"}}}
		_, err := p.Build()
		require.Error(t, err)
	})

	t.Run("UnregisteredType", func(t *testing.T) {
		t.Parallel()
		reg := engine.NewRegistry()
		require.NoError(t, handlers.New().Register(reg))

		p := &Plan{Tasks: []Task{{ID: "a", Type: "analysis", Next: []string{"b"}}, {ID: "b", Type: "deploy"}}}
		_, err := p.Build(WithRegistry(reg))
		var missing *engine.MissingHandlerError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, "b", missing.Missing[0].Node)
	})

	t.Run("EntryDefaultsToFirstTask", func(t *testing.T) {
		t.Parallel()
		p := &Plan{Tasks: []Task{{ID: "first", Type: "analysis"}}}
		g, err := p.Build()
		require.NoError(t, err)
		assert.Equal(t, "first", g.Entry())
		assert.Equal(t, graph.DefaultGraphID, g.ID())
	})
}

func TestDefaultPlanRuns(t *testing.T) {
	t.Parallel()
	reg := engine.NewRegistry()
	require.NoError(t, handlers.New().Register(reg))

	g, err := Default("add a health check").Build(WithRegistry(reg))
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())
	assert.Equal(t, handlers.AnalyzeNodeID, g.Entry())

	summary, err := engine.New(reg).Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.CompletedNodes)

	a, _ := g.Node(handlers.AnalyzeNodeID)
	findings := a.Result.(map[string]any)["findings"]
	assert.Equal(t, "Analyze the following request and plan the implementation: add a health check", findings)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := filepath.Join(dir, "plan.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlPlan), 0o644))
	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, p.Tasks, 3)

	_, err = LoadFile(filepath.Join(dir, "plan.toml"))
	require.Error(t, err)
	_, err = LoadFile(filepath.Join(dir, "missing.hcl"))
	require.Error(t, err)
}
