package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultThinkDelay = 500 * time.Millisecond

	ModelName = "AeroBrain-v1 (Python)"

	// Client-visible; keep verbatim, spelling included.
	solutionTemplate = "Optimimal Solution for: '%s'"
	chatTemplate     = "Processed query: %s. AeroBrain is utilizing Python's powerful AI stack to assist you."

	analysisPreviewRunes = 50
	solutionConfidence   = 0.98
)

var solutionSteps = []string{
	"1. Identify the core concepts and variables.",
	"2. Formulate the equation based on physical laws.",
	"3. Substitute the given values.",
	"4. Calculate the result.",
	"5. Verify dimensions and units.",
}

var analysisInsights = []string{
	"Key topic identified: Advanced Physics",
	"Complexity level: Graduate",
	"Required prerequisites: Calculus III",
}

type Brain struct {
	thinkDelay time.Duration
}

type Config struct {
	ThinkDelay time.Duration
}

func New(cfg Config) *Brain {
	if cfg.ThinkDelay < 0 {
		cfg.ThinkDelay = 0
	}
	return &Brain{thinkDelay: cfg.ThinkDelay}
}

// Process waits the thinking delay and then dispatches on keywords in query.
// history is accepted for compatibility and never inspected. The only error
// is ctx ending before the delay elapses.
func (b *Brain) Process(ctx context.Context, query string, history []json.RawMessage) (Response, error) {
	if err := b.think(ctx); err != nil {
		return Response{}, err
	}

	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "calculate") || strings.Contains(q, "+"):
		return tools[ToolCalculator](ctx, query), nil
	case strings.Contains(q, "find") || strings.Contains(q, "notes"):
		return tools[ToolSearchResources](ctx, query), nil
	case strings.Contains(q, "solve"):
		return solve(query), nil
	case strings.Contains(q, "analyze"):
		return analyze(query), nil
	default:
		return chat(query), nil
	}
}

func (b *Brain) think(ctx context.Context) error {
	if b.thinkDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(b.thinkDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("thinking interrupted: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

func solve(problem string) Response {
	return Response{
		Type:       TypeSolution,
		Text:       fmt.Sprintf(solutionTemplate, problem),
		Steps:      append([]string(nil), solutionSteps...),
		Confidence: solutionConfidence,
	}
}

func analyze(text string) Response {
	preview := []rune(text)
	if len(preview) > analysisPreviewRunes {
		preview = preview[:analysisPreviewRunes]
	}
	return Response{
		Type:     TypeAnalysis,
		Text:     fmt.Sprintf("Analysis of: '%s...'", string(preview)),
		Insights: append([]string(nil), analysisInsights...),
	}
}

func chat(query string) Response {
	return Response{
		Type:    TypeChat,
		Text:    fmt.Sprintf(chatTemplate, query),
		AIModel: ModelName,
	}
}
