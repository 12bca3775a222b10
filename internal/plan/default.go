package plan

import (
	"fmt"

	"github.com/avi3tal/agentcore/internal/graph"
	"github.com/avi3tal/agentcore/internal/handlers"
)

// Default returns the analyze -> generate -> review plan for a request
func Default(request string) *Plan {
	if request == "" {
		request = "the user's request"
	}
	return &Plan{
		ID:    graph.DefaultGraphID,
		Entry: handlers.AnalyzeNodeID,
		Tasks: []Task{
			{
				ID:      handlers.AnalyzeNodeID,
				Type:    string(graph.TypeAnalysis),
				Payload: map[string]any{handlers.MessageKey: fmt.Sprintf("Analyze the following request and plan the implementation: %s", request)},
				Next:    []string{handlers.GenerateNodeID},
			},
			{
				ID:      handlers.GenerateNodeID,
				Type:    string(graph.TypeCode),
				Payload: map[string]any{handlers.MessageKey: fmt.Sprintf("Generate the code/files for: %s", request)},
				Next:    []string{handlers.ReviewNodeID},
			},
			{
				ID:      handlers.ReviewNodeID,
				Type:    string(graph.TypeReview),
				Payload: map[string]any{handlers.MessageKey: fmt.Sprintf("Review and finalize: %s", request)},
			},
		},
	}
}
