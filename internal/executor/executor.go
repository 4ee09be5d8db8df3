// Package executor runs plans step by step, capturing one outcome per
// step. A failing step never aborts the rest of the plan.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

// ToolInvoker executes a named tool with parameters on behalf of a session.
type ToolInvoker interface {
	Invoke(ctx context.Context, sessionID, toolName string, params map[string]any) (string, error)
}

const stepSystemPrompt = "You are completing one step of a larger plan. " +
	"Produce the text output for this step only, with no preamble."

// defaultStepTimeout bounds a single toolless step's completion call.
// Tool steps carry their own budgets inside the invoker.
const defaultStepTimeout = 60 * time.Second

// Executor runs plan steps in order against the tool invoker, falling
// back to direct response generation for toolless steps.
type Executor struct {
	invoker     ToolInvoker
	provider    providers.CompletionProvider
	stepTimeout time.Duration
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// New builds an Executor. Metrics may be nil.
func New(invoker ToolInvoker, provider providers.CompletionProvider, logger *observability.Logger, metrics *observability.Metrics) *Executor {
	return &Executor{
		invoker:     invoker,
		provider:    provider,
		stepTimeout: defaultStepTimeout,
		logger:      logger,
		metrics:     metrics,
	}
}

// WithStepTimeout overrides the per-step completion deadline. Returns
// the receiver for chaining.
func (e *Executor) WithStepTimeout(d time.Duration) *Executor {
	if d > 0 {
		e.stepTimeout = d
	}
	return e
}

// Execute runs every step of the plan in order and returns one outcome
// per step. Partial failure is expected behavior: a failed step is
// recorded and execution moves on.
func (e *Executor) Execute(ctx context.Context, sessionID string, plan *models.Plan) []models.StepOutcome {
	if plan == nil {
		return nil
	}
	if e.metrics != nil {
		e.metrics.PlanSteps.Observe(float64(len(plan.Steps)))
	}

	outcomes := make([]models.StepOutcome, 0, len(plan.Steps))
	for i, step := range plan.Steps {
		outcome := e.runStep(ctx, sessionID, step)
		if !outcome.Success && e.logger != nil {
			e.logger.Warn(ctx, "plan step failed",
				"session_id", sessionID,
				"step", i,
				"tool", step.Tool,
				"error", outcome.Error)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (e *Executor) runStep(ctx context.Context, sessionID string, step models.PlanStep) models.StepOutcome {
	if step.HasTool() {
		result, err := e.invoker.Invoke(ctx, sessionID, step.Tool, step.Parameters)
		if err != nil {
			return models.StepOutcome{Step: step, Error: err.Error()}
		}
		return models.StepOutcome{Step: step, Result: result, Success: true}
	}
	return e.respond(ctx, step)
}

// respond handles toolless steps with a short completion seeded from the
// step's action and rationale.
func (e *Executor) respond(ctx context.Context, step models.PlanStep) models.StepOutcome {
	if e.provider == nil {
		return models.StepOutcome{Step: step, Error: "no completion provider configured"}
	}

	prompt := step.Action
	if step.Reasoning != "" {
		prompt = fmt.Sprintf("%s\n\nContext: %s", step.Action, step.Reasoning)
	}

	// The caller's context has no deadline of its own; a hung provider
	// must surface as a failed step, not a stuck plan.
	ctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	text, err := e.provider.Complete(ctx, &providers.Request{
		System:    stepSystemPrompt,
		Messages:  []providers.Message{{Role: "user", Content: prompt}},
		MaxTokens: 1024,
	})
	if err != nil {
		return models.StepOutcome{Step: step, Error: err.Error()}
	}
	return models.StepOutcome{Step: step, Result: text, Success: true}
}
