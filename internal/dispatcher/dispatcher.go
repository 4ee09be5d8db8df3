package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/relay/internal/executor"
	"github.com/haasonsaas/relay/internal/guardrails"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/planner"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

// User-facing messages. Guardrail and pipeline failures are delivered
// as text through the normal event stream, never as transport errors.
const (
	refusalMessage = "I'm sorry, but I can't provide that response. Is there something else I can help you with?"

	inputBlockedMessage = "I'm sorry, I can't help with that request."

	busyMessage = "I'm still working on your previous message. Please wait for it to finish and try again."

	degradedMessage = "I'm having trouble reaching my language service right now. Please try again in a moment."

	fastPathSystemPrompt = "You are a helpful, concise assistant. Continue the conversation naturally."
)

// Turn outcome labels for metrics.
const (
	outcomeOK       = "ok"
	outcomeBusy     = "busy"
	outcomeRejected = "rejected"
	outcomeFiltered = "filtered"
	outcomeDegraded = "degraded"
	outcomeError    = "error"
)

// Options wires the dispatcher's collaborators.
type Options struct {
	Store    *storage.Store
	Guard    *guardrails.Guard
	Planner  *planner.Planner
	Executor *executor.Executor
	Provider providers.CompletionProvider
	Locker   *sessions.TurnLocker
	Registry *Registry
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer

	ContextWindow   int
	NameMaxLength   int
	ProviderTimeout time.Duration
}

// Dispatcher runs the per-turn state machine: received, input
// validation, fast-path or planning, output validation, streaming,
// settled. At most one turn runs per session at a time.
type Dispatcher struct {
	store    *storage.Store
	guard    *guardrails.Guard
	planner  *planner.Planner
	executor *executor.Executor
	provider providers.CompletionProvider
	locker   *sessions.TurnLocker
	registry *Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	contextWindow   int
	nameMaxLength   int
	providerTimeout time.Duration

	// Emission tuning. minFlushSize is the coalescing threshold for
	// provider streams; wordGroupSize and paceDelay shape the simulated
	// streaming of planned responses.
	minFlushSize  int
	wordGroupSize int
	paceDelay     time.Duration

	sideEffects sync.WaitGroup
}

// New builds a Dispatcher from its collaborators.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		store:           opts.Store,
		guard:           opts.Guard,
		planner:         opts.Planner,
		executor:        opts.Executor,
		provider:        opts.Provider,
		locker:          opts.Locker,
		registry:        opts.Registry,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		contextWindow:   opts.ContextWindow,
		nameMaxLength:   opts.NameMaxLength,
		providerTimeout: opts.ProviderTimeout,
		minFlushSize:    48,
		wordGroupSize:   8,
		paceDelay:       25 * time.Millisecond,
	}
	if d.contextWindow <= 0 {
		d.contextWindow = 10
	}
	if d.nameMaxLength <= 0 {
		d.nameMaxLength = 50
	}
	if d.providerTimeout <= 0 {
		d.providerTimeout = 60 * time.Second
	}
	if d.locker == nil {
		d.locker = sessions.NewTurnLocker(0)
	}
	if d.registry == nil {
		d.registry = NewRegistry()
	}
	return d
}

// Registry exposes the connection registry for the transport layer.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Wait blocks until in-flight post-turn side effects finish. Used on
// shutdown and in tests.
func (d *Dispatcher) Wait() { d.sideEffects.Wait() }

// ProcessTurn runs one full turn for the session. A busy session
// rejects the turn with a retryable status event; everything else is
// emitted in-band to the session's connections.
func (d *Dispatcher) ProcessTurn(ctx context.Context, sessionID, input string) {
	turnID := uuid.NewString()
	ctx = observability.WithSessionID(ctx, sessionID)
	ctx = observability.WithTurnID(ctx, turnID)

	release, ok := d.locker.TryAcquire(sessionID)
	if !ok {
		d.emit(sessionID, turnID, models.EventStatus, busyMessage)
		d.countTurn("none", outcomeBusy, 0)
		return
	}
	defer release()

	if d.metrics != nil {
		d.metrics.ActiveTurns.Inc()
		defer d.metrics.ActiveTurns.Dec()
	}

	if d.tracer != nil {
		var span oteltrace.Span
		ctx, span = d.tracer.Start(ctx, "dispatcher.turn",
			attribute.String("session_id", sessionID),
			attribute.String("turn_id", turnID))
		defer span.End()
	}

	start := time.Now()
	path, outcome := d.runTurn(ctx, sessionID, turnID, input)
	d.countTurn(string(path), outcome, time.Since(start))
}

func (d *Dispatcher) runTurn(ctx context.Context, sessionID, turnID, input string) (turnPath, string) {
	if _, err := d.store.Sessions.Get(ctx, sessionID); err != nil {
		d.warn(ctx, "session lookup failed", "error", err.Error())
		d.emit(sessionID, turnID, models.EventError, "session unavailable")
		return pathFast, outcomeError
	}

	decision := d.guard.EvaluateInput(ctx, sessionID, input)
	if !decision.Allowed {
		d.info(ctx, "input blocked", "rule", decision.Rule)
		d.emit(sessionID, turnID, models.EventTextComplete, inputBlockedMessage)
		return pathFast, outcomeRejected
	}

	path := classify(input)
	var response string
	var outcome string
	if path == pathPlanning {
		response, outcome = d.planningTurn(ctx, sessionID, turnID, input)
	} else {
		response, outcome = d.fastTurn(ctx, sessionID, turnID, input)
	}

	if outcome == outcomeOK {
		d.settle(ctx, sessionID, input, response)
	}
	return path, outcome
}

// fastTurn streams a direct completion. The provider stream is consumed
// and coalesced first, then validated, then emitted: a filtered
// response never reaches the wire.
func (d *Dispatcher) fastTurn(ctx context.Context, sessionID, turnID, input string) (string, string) {
	req := &providers.Request{
		System:   fastPathSystemPrompt + d.contextBlock(ctx, sessionID),
		Messages: []providers.Message{{Role: "user", Content: input}},
	}

	streamCtx, cancel := context.WithTimeout(ctx, d.providerTimeout)
	defer cancel()

	if d.provider == nil {
		d.emit(sessionID, turnID, models.EventTextComplete, degradedMessage)
		return degradedMessage, outcomeDegraded
	}

	chunks, err := d.provider.Stream(streamCtx, req)
	if err != nil {
		return d.fastFailure(ctx, sessionID, turnID, err)
	}

	var parts []string
	for chunk := range chunks {
		if chunk.Err != nil {
			return d.fastFailure(ctx, sessionID, turnID, chunk.Err)
		}
		if chunk.Text != "" {
			parts = append(parts, chunk.Text)
		}
	}
	full := strings.Join(parts, "")
	if strings.TrimSpace(full) == "" {
		return d.fastFailure(ctx, sessionID, turnID, errors.New("empty completion"))
	}

	if !d.guard.EvaluateOutput(ctx, sessionID, full) {
		d.emit(sessionID, turnID, models.EventTextComplete, refusalMessage)
		return refusalMessage, outcomeFiltered
	}

	for _, batch := range coalesce(parts, d.minFlushSize) {
		d.emit(sessionID, turnID, models.EventTextChunk, batch)
	}
	d.emit(sessionID, turnID, models.EventTextComplete, full)
	return full, outcomeOK
}

// fastFailure degrades a fast-path turn to a canned reply when the
// provider is unavailable and to an in-band error otherwise.
func (d *Dispatcher) fastFailure(ctx context.Context, sessionID, turnID string, err error) (string, string) {
	d.warn(ctx, "fast path failed", "error", err.Error())
	var pe *providers.ProviderError
	if errors.Is(err, providers.ErrProviderUnavailable) || errors.As(err, &pe) {
		d.emit(sessionID, turnID, models.EventTextComplete, degradedMessage)
		return degradedMessage, outcomeDegraded
	}
	d.emit(sessionID, turnID, models.EventError, degradedMessage)
	return "", outcomeError
}

// planningTurn routes through the planner and executor, aggregates the
// step outcomes, validates, and re-chunks the final text into paced
// word groups.
func (d *Dispatcher) planningTurn(ctx context.Context, sessionID, turnID, input string) (string, string) {
	contextEntries := d.recentContext(ctx, sessionID)

	tools, err := d.store.Tools.ListActive(ctx)
	if err != nil {
		d.warn(ctx, "tool catalog unavailable", "error", err.Error())
		tools = nil
	}

	planCtx, cancel := context.WithTimeout(ctx, d.providerTimeout)
	planCtx, span := d.tracer.Start(planCtx, "dispatcher.plan",
		attribute.String("session_id", sessionID))
	plan, err := d.planner.Plan(planCtx, sessionID, input, contextEntries, tools)
	if err != nil {
		observability.RecordError(span, err)
	} else {
		span.SetAttributes(attribute.Int("plan_steps", len(plan.Steps)))
	}
	span.End()
	cancel()
	if err != nil {
		// No provider is fatal on the planning path.
		d.warn(ctx, "planning failed", "error", err.Error())
		d.emit(sessionID, turnID, models.EventError, degradedMessage)
		return "", outcomeError
	}

	outcomes := d.executor.Execute(ctx, sessionID, plan)
	response := aggregate(outcomes)
	if response == "" {
		d.warn(ctx, "plan produced no usable output", "steps", len(outcomes))
		d.emit(sessionID, turnID, models.EventError, "I wasn't able to complete that request. Please try again.")
		return "", outcomeError
	}

	if !d.guard.EvaluateOutput(ctx, sessionID, response) {
		// Tool side effects may already have landed; this is a terminal
		// rejection, not a silent fallback.
		d.emit(sessionID, turnID, models.EventTextComplete, refusalMessage)
		return refusalMessage, outcomeFiltered
	}

	for _, group := range wordGroups(response, d.wordGroupSize) {
		d.emit(sessionID, turnID, models.EventTextChunk, group)
		if d.paceDelay > 0 {
			time.Sleep(d.paceDelay)
		}
	}
	d.emit(sessionID, turnID, models.EventTextComplete, response)
	return response, outcomeOK
}

// settle runs post-turn side effects: the turn summary memory append
// and, asynchronously, session auto-naming. Both are best-effort.
func (d *Dispatcher) settle(ctx context.Context, sessionID, input, response string) {
	entry := &models.MemoryEntry{
		SessionID: sessionID,
		Type:      models.MemoryContext,
		Content:   fmt.Sprintf("User: %s\nAssistant: %s", input, response),
	}
	if err := d.store.Memories.Append(ctx, entry); err != nil {
		d.warn(ctx, "memory append failed", "error", err.Error())
	}

	d.sideEffects.Add(1)
	go func() {
		defer d.sideEffects.Done()
		// Detached from the turn context: naming may outlive the turn.
		nameCtx, cancel := context.WithTimeout(context.Background(), d.providerTimeout)
		defer cancel()
		d.maybeNameSession(observability.WithSessionID(nameCtx, sessionID), sessionID, input)
	}()
}

func (d *Dispatcher) recentContext(ctx context.Context, sessionID string) []*models.MemoryEntry {
	entries, err := d.store.Memories.ListRecent(ctx, sessionID, d.contextWindow)
	if err != nil {
		d.warn(ctx, "context fetch failed", "error", err.Error())
		return nil
	}
	return entries
}

func (d *Dispatcher) contextBlock(ctx context.Context, sessionID string) string {
	entries := d.recentContext(ctx, sessionID)
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nRecent conversation:\n")
	for _, entry := range entries {
		b.WriteString(entry.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func (d *Dispatcher) emit(sessionID, turnID string, eventType models.TurnEventType, text string) {
	d.registry.Broadcast(sessionID, &models.TurnEvent{
		Type:      eventType,
		SessionID: sessionID,
		TurnID:    turnID,
		Text:      text,
		Time:      time.Now(),
	})
}

func (d *Dispatcher) countTurn(path, outcome string, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.TurnCounter.WithLabelValues(path, outcome).Inc()
	if elapsed > 0 {
		d.metrics.TurnDuration.WithLabelValues(path).Observe(elapsed.Seconds())
	}
}

func (d *Dispatcher) warn(ctx context.Context, msg string, args ...any) {
	if d.logger != nil {
		d.logger.Warn(ctx, msg, args...)
	}
}

func (d *Dispatcher) info(ctx context.Context, msg string, args ...any) {
	if d.logger != nil {
		d.logger.Info(ctx, msg, args...)
	}
}

// aggregate concatenates non-empty step results in plan order.
func aggregate(outcomes []models.StepOutcome) string {
	var parts []string
	for _, outcome := range outcomes {
		if outcome.Success && strings.TrimSpace(outcome.Result) != "" {
			parts = append(parts, strings.TrimSpace(outcome.Result))
		}
	}
	return strings.Join(parts, "\n\n")
}

// coalesce merges raw stream fragments into emission batches of at
// least minFlush bytes, always flushing the remainder.
func coalesce(parts []string, minFlush int) []string {
	var batches []string
	var pending strings.Builder
	for _, part := range parts {
		pending.WriteString(part)
		if pending.Len() >= minFlush {
			batches = append(batches, pending.String())
			pending.Reset()
		}
	}
	if pending.Len() > 0 {
		batches = append(batches, pending.String())
	}
	return batches
}

// wordGroups splits text into groups of size words for simulated
// streaming of pre-computed responses.
func wordGroups(text string, size int) []string {
	if size <= 0 {
		size = 8
	}
	words := strings.Fields(text)
	var groups []string
	for start := 0; start < len(words); start += size {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		groups = append(groups, strings.Join(words[start:end], " "))
	}
	return groups
}
