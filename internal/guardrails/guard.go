// Package guardrails evaluates input and output text against content
// safety rules. Evaluation is pure over the text plus session id; the
// only side effect is an audit entry on block/filter decisions.
package guardrails

import (
	"context"
	"regexp"
	"unicode/utf8"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

// Rule names recorded in audit entries.
const (
	RulePromptInjection = "prompt_injection"
	RuleInputLength     = "input_length"
	RuleStructural      = "structural_payload"
	RuleOutputLength    = "output_length"
	RuleCredentialLeak  = "credential_leak"
	RuleHarmful         = "harmful_instructions"
)

// Decision is the outcome of an input evaluation.
type Decision struct {
	Allowed bool
	Rule    string
	Reason  string
}

type rule struct {
	name    string
	reason  string
	pattern *regexp.Regexp
}

// Fixed pattern sets. Ordering within each set matters: the first match
// wins and evaluation stops.
var (
	injectionRules = []rule{
		{RulePromptInjection, "prompt injection detected: instruction override",
			regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\b.{0,40}\b(previous|prior|above|earlier|all)\b.{0,20}\b(instructions?|prompts?|rules?|context)\b`)},
		{RulePromptInjection, "prompt injection detected: system prompt probe",
			regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|leak)\b.{0,30}\b(system prompt|hidden instructions?|initial instructions?)\b`)},
		{RulePromptInjection, "prompt injection detected: fake role marker",
			regexp.MustCompile(`(?im)(^\s*(system|assistant)\s*:|<\|im_start\|>|\[/?(INST|SYS)\])`)},
		{RulePromptInjection, "prompt injection detected: jailbreak phrasing",
			regexp.MustCompile(`(?i)\b(jailbreak|do anything now|DAN mode|developer mode enabled|you are now unrestricted|pretend (you have|there are) no (rules|restrictions))\b`)},
	}

	structuralRules = []rule{
		{RuleStructural, "structurally malicious payload: script tag",
			regexp.MustCompile(`(?i)<\s*script[\s>]`)},
		{RuleStructural, "structurally malicious payload: inline event handler",
			regexp.MustCompile(`(?i)\bon(load|error|click|focus|mouseover)\s*=`)},
		{RuleStructural, "structurally malicious payload: javascript URI",
			regexp.MustCompile(`(?i)javascript\s*:`)},
		{RuleStructural, "structurally malicious payload: eval-style call",
			regexp.MustCompile(`(?i)\b(eval|execScript|new\s+Function)\s*\(`)},
	}

	credentialRules = []rule{
		{RuleCredentialLeak, "credential material in output: key or token name",
			regexp.MustCompile(`(?i)\b(api[_-]?key|secret[_-]?key|access[_-]?token|private[_-]?key)\b`)},
		{RuleCredentialLeak, "credential material in output: password assignment",
			regexp.MustCompile(`(?i)\bpassword\s*[:=]\s*\S+`)},
		{RuleCredentialLeak, "credential material in output: bearer token",
			regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}`)},
		{RuleCredentialLeak, "credential material in output: key literal",
			regexp.MustCompile(`(sk-[A-Za-z0-9-]{20,}|AKIA[0-9A-Z]{16}|-----BEGIN [A-Z ]*PRIVATE KEY-----)`)},
	}

	harmfulRules = []rule{
		{RuleHarmful, "harmful instructions in output: weapon construction",
			regexp.MustCompile(`(?i)\b(how to|steps to|instructions for)\b.{0,40}\b(build|make|construct|assemble)\b.{0,30}\b(bomb|explosive|weapon|firearm)\b`)},
		{RuleHarmful, "harmful instructions in output: malware construction",
			regexp.MustCompile(`(?i)\b(write|create|build|deploy)\b.{0,30}\b(ransomware|malware|keylogger|botnet|computer virus)\b`)},
		{RuleHarmful, "harmful instructions in output: illegal synthesis",
			regexp.MustCompile(`(?i)\b(synthesize|manufacture|cook)\b.{0,30}\b(methamphetamine|fentanyl|illegal drugs)\b`)},
	}
)

// Guard evaluates text against the rule sets above. Safe for concurrent
// use; all state is immutable after construction.
type Guard struct {
	enabled      bool
	maxInput     int
	maxOutput    int
	sampleLength int
	audit        storage.AuditStore
	logger       *observability.Logger
	metrics      *observability.Metrics
}

// New builds a Guard. Metrics may be nil.
func New(cfg config.GuardrailsConfig, audit storage.AuditStore, logger *observability.Logger, metrics *observability.Metrics) *Guard {
	return &Guard{
		enabled:      cfg.Enabled,
		maxInput:     cfg.MaxInputChars,
		maxOutput:    cfg.MaxOutputChars,
		sampleLength: cfg.SampleLength,
		audit:        audit,
		logger:       logger,
		metrics:      metrics,
	}
}

// EvaluateInput checks inbound text. Rule order: injection signatures,
// length ceiling, structural payloads. The first match blocks; a block
// writes exactly one audit entry before returning. Allowed inputs write
// nothing.
func (g *Guard) EvaluateInput(ctx context.Context, sessionID, text string) Decision {
	if !g.enabled {
		return Decision{Allowed: true}
	}

	for _, r := range injectionRules {
		if r.pattern.MatchString(text) {
			return g.block(ctx, sessionID, r, text)
		}
	}

	if g.maxInput > 0 && utf8.RuneCountInString(text) > g.maxInput {
		r := rule{name: RuleInputLength, reason: "input exceeds maximum length"}
		return g.block(ctx, sessionID, r, text)
	}

	for _, r := range structuralRules {
		if r.pattern.MatchString(text) {
			return g.block(ctx, sessionID, r, text)
		}
	}

	g.count("input", models.GuardrailAllow)
	return Decision{Allowed: true}
}

// EvaluateOutput checks generated text before emission. Rule order:
// length ceiling, credential leaks, harmful instructions. A match writes
// one audit entry with action filter and returns false.
func (g *Guard) EvaluateOutput(ctx context.Context, sessionID, text string) bool {
	if !g.enabled {
		return true
	}

	if g.maxOutput > 0 && utf8.RuneCountInString(text) > g.maxOutput {
		g.filter(ctx, sessionID, rule{name: RuleOutputLength, reason: "output exceeds maximum length"}, text)
		return false
	}

	for _, rules := range [][]rule{credentialRules, harmfulRules} {
		for _, r := range rules {
			if r.pattern.MatchString(text) {
				g.filter(ctx, sessionID, r, text)
				return false
			}
		}
	}

	g.count("output", models.GuardrailAllow)
	return true
}

func (g *Guard) block(ctx context.Context, sessionID string, r rule, text string) Decision {
	g.record(ctx, sessionID, r, models.GuardrailBlock, text)
	g.count("input", models.GuardrailBlock)
	return Decision{Allowed: false, Rule: r.name, Reason: r.reason}
}

func (g *Guard) filter(ctx context.Context, sessionID string, r rule, text string) {
	g.record(ctx, sessionID, r, models.GuardrailFilter, text)
	g.count("output", models.GuardrailFilter)
}

// record persists the audit entry before evaluation returns. An append
// failure cannot change the decision, so it is logged and swallowed.
func (g *Guard) record(ctx context.Context, sessionID string, r rule, action models.GuardrailAction, text string) {
	entry := &models.GuardrailLogEntry{
		SessionID: sessionID,
		Rule:      r.name,
		Action:    action,
		Sample:    g.sample(text),
		Reason:    r.reason,
	}
	if err := g.audit.Append(ctx, entry); err != nil && g.logger != nil {
		g.logger.Error(ctx, "guardrail audit append failed",
			"rule", r.name,
			"action", string(action),
			"error", err.Error())
	}
}

// sample truncates by rune count so a multibyte character is never
// split mid-sequence.
func (g *Guard) sample(text string) string {
	limit := g.sampleLength
	if limit <= 0 {
		limit = 200
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

func (g *Guard) count(direction string, action models.GuardrailAction) {
	if g.metrics != nil {
		g.metrics.GuardDecisions.WithLabelValues(direction, string(action)).Inc()
	}
}
