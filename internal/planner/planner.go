// Package planner turns a validated user request into an ordered step
// plan by prompting a completion provider and parsing its JSON reply.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

// ErrNoProvider means planning was requested with no completion backend
// configured. This is the planner's only hard failure.
var ErrNoProvider = errors.New("planner: no completion provider configured")

const planningSystemPrompt = `You are a planning assistant. Break the user's request into concrete steps.

Respond with a single JSON object and nothing else:
{
  "reasoning": "why this plan addresses the request",
  "steps": [
    {"action": "human-readable description", "tool": "tool_name or null", "parameters": {}, "reasoning": "why this step"}
  ]
}

Rules:
- Use only tools from the provided catalog, matched by exact name.
- Set "tool" to null for steps answered directly from knowledge.
- Keep plans short; most requests need 1-3 steps.`

// Planner builds plans. Safe for concurrent use.
type Planner struct {
	provider  providers.CompletionProvider
	maxTokens int
	logger    *observability.Logger
}

// New builds a Planner. A nil provider is valid; Plan then fails with
// ErrNoProvider.
func New(provider providers.CompletionProvider, logger *observability.Logger) *Planner {
	return &Planner{provider: provider, maxTokens: 1024, logger: logger}
}

// Plan asks the provider for a step sequence covering the input. Context
// entries arrive in chronological order and are embedded verbatim. A
// malformed provider reply degrades to a single toolless respond step,
// never an error.
func (p *Planner) Plan(ctx context.Context, sessionID, input string, contextEntries []*models.MemoryEntry, tools []*models.ToolDefinition) (*models.Plan, error) {
	if p.provider == nil {
		return nil, ErrNoProvider
	}

	raw, err := p.provider.Complete(ctx, &providers.Request{
		System:    planningSystemPrompt,
		Messages:  []providers.Message{{Role: "user", Content: buildPrompt(input, contextEntries, tools)}},
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("planner: completion failed: %w", err)
	}

	plan, err := parsePlan(raw)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn(ctx, "plan parsing failed, degrading to direct response",
				"session_id", sessionID,
				"error", err.Error())
		}
		return degradedPlan(err), nil
	}
	return plan, nil
}

// buildPrompt is deterministic for a given input, context, and catalog,
// so identical requests produce identical prompts.
func buildPrompt(input string, contextEntries []*models.MemoryEntry, tools []*models.ToolDefinition) string {
	var b strings.Builder

	b.WriteString("Available tools:\n")
	if len(tools) == 0 {
		b.WriteString("(none)\n")
	}
	for _, tool := range tools {
		b.WriteString("- ")
		b.WriteString(tool.Name)
		b.WriteString(": ")
		b.WriteString(tool.Description)
		if params := tool.ParamNames(); len(params) > 0 {
			b.WriteString(" (parameters: ")
			b.WriteString(strings.Join(params, ", "))
			b.WriteString(")")
		}
		b.WriteString("\n")
	}

	if len(contextEntries) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, entry := range contextEntries {
			b.WriteString(entry.Content)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nRequest: ")
	b.WriteString(input)
	return b.String()
}

type rawStep struct {
	Action     string         `json:"action"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Reasoning  string         `json:"reasoning"`
}

type rawPlan struct {
	Reasoning string    `json:"reasoning"`
	Steps     []rawStep `json:"steps"`
}

func parsePlan(text string) (*models.Plan, error) {
	object, err := extractJSON(text)
	if err != nil {
		return nil, err
	}

	var raw rawPlan
	if err := json.Unmarshal([]byte(object), &raw); err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}
	if len(raw.Steps) == 0 {
		return nil, errors.New("plan has no steps")
	}

	plan := &models.Plan{Reasoning: raw.Reasoning}
	for _, step := range raw.Steps {
		plan.Steps = append(plan.Steps, models.PlanStep{
			Action:     step.Action,
			Tool:       step.Tool,
			Parameters: step.Parameters,
			Reasoning:  step.Reasoning,
		})
	}
	return plan, nil
}

// extractJSON returns the first balanced JSON object in text, tolerating
// prose and code fences around it.
func extractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", errors.New("no JSON object in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", errors.New("unbalanced JSON object in response")
}

// degradedPlan is the repair path for malformed provider output: a
// single toolless step that the executor turns into a direct response.
func degradedPlan(cause error) *models.Plan {
	return &models.Plan{
		Reasoning: fmt.Sprintf("plan parsing failed (%v); responding directly", cause),
		Steps: []models.PlanStep{{
			Action:    "Respond to the user's request",
			Reasoning: "fallback after unparseable plan output",
		}},
	}
}
