package models

// Plan is an ordered step sequence produced by the planner for a complex
// request. Plans are ephemeral; only the execution records of their steps
// are persisted.
type Plan struct {
	// Reasoning is the planner's rationale for the step sequence.
	Reasoning string `json:"reasoning"`

	// Steps run in order against the tool invoker or the fallback
	// response generator.
	Steps []PlanStep `json:"steps"`
}

// PlanStep is one unit of work within a plan.
type PlanStep struct {
	// Action is the human-readable description of the step.
	Action string `json:"action"`

	// Tool names the capability to invoke, or a no-tool sentinel for
	// steps answered directly by the completion provider.
	Tool string `json:"tool,omitempty"`

	// Parameters are passed to the tool invoker verbatim.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Reasoning explains why this step exists.
	Reasoning string `json:"reasoning,omitempty"`
}

// HasTool reports whether the step names a real tool. The planner's
// completion provider emits a handful of "no tool" spellings that all
// mean toolless.
func (s PlanStep) HasTool() bool {
	switch s.Tool {
	case "", "None", "null", "undefined":
		return false
	}
	return true
}

// StepOutcome is the result of executing one plan step. Outcomes are
// produced 1:1 with plan steps, in order; a failed step never discards
// earlier outcomes.
type StepOutcome struct {
	// Step is the originating plan step.
	Step PlanStep `json:"step"`

	// Result is the textual result on success.
	Result string `json:"result,omitempty"`

	// Error is the failure message when Success is false.
	Error string `json:"error,omitempty"`

	// Success marks whether the step settled without error.
	Success bool `json:"success"`
}
