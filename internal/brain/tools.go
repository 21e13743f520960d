package brain

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

const (
	ToolCalculator      = "calculator"
	ToolSearchResources = "search_resources"
	ToolGenerateSummary = "generate_summary"
)

var ErrUnknownTool = errors.New("unknown tool")

// Tool produces a canned response for a query. None of them look at the input.
type Tool func(ctx context.Context, query string) Response

var tools = map[string]Tool{
	ToolCalculator:      calculator,
	ToolSearchResources: searchResources,
	ToolGenerateSummary: generateSummary,
}

var knowledgeBase = map[string][]string{
	"physics": {"Newton's Laws", "Thermodynamics", "Quantum Mechanics"},
	"math":    {"Calculus", "Linear Algebra", "Geometry"},
	"cs":      {"Algorithms", "Data Structures", "AI/ML"},
}

func calculator(_ context.Context, _ string) Response {
	return Response{
		Type:   TypeToolResult,
		Tool:   ToolCalculator,
		Text:   "I've calculated the values for your request using the high-performance math engine.",
		Result: "Calculated value: 42.0 (Simulated)",
	}
}

func searchResources(_ context.Context, _ string) Response {
	return Response{
		Type:    TypeToolResult,
		Tool:    ToolSearchResources,
		Text:    "Searching UIET Resource Hub for relevant documentation...",
		Results: []string{"LHC Notes - Physics 101", "Sem 3 - Mathematics PYQ"},
	}
}

func generateSummary(_ context.Context, _ string) Response {
	return Response{
		Type: TypeToolResult,
		Tool: "summary",
		Text: "Generated summary of requested content.",
	}
}

// Tools returns the registered tool names in sorted order.
func Tools() []string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs a registered tool by name, bypassing keyword dispatch.
func Invoke(ctx context.Context, name, query string) (Response, error) {
	t, ok := tools[name]
	if !ok {
		return Response{}, fmt.Errorf("%w %q", ErrUnknownTool, name)
	}
	return t(ctx, query), nil
}

// Topics returns a copy of the knowledge base.
func Topics() map[string][]string {
	out := make(map[string][]string, len(knowledgeBase))
	for topic, subjects := range knowledgeBase {
		out[topic] = append([]string(nil), subjects...)
	}
	return out
}
