package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

// fakeInvoker scripts results per tool name.
type fakeInvoker struct {
	results map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, sessionID, toolName string, params map[string]any) (string, error) {
	f.calls = append(f.calls, toolName)
	if err, ok := f.errs[toolName]; ok {
		return "", err
	}
	return f.results[toolName], nil
}

type fixedProvider struct {
	text        string
	err         error
	hadDeadline bool
}

func (f *fixedProvider) Name() string { return "fixed" }

func (f *fixedProvider) Complete(ctx context.Context, req *providers.Request) (string, error) {
	_, f.hadDeadline = ctx.Deadline()
	return f.text, f.err
}

func (f *fixedProvider) Stream(ctx context.Context, req *providers.Request) (<-chan providers.Chunk, error) {
	out := make(chan providers.Chunk, 2)
	out <- providers.Chunk{Text: f.text}
	out <- providers.Chunk{Done: true}
	close(out)
	return out, nil
}

// slowProvider blocks until the context expires or the delay elapses.
type slowProvider struct {
	delay time.Duration
}

func (s *slowProvider) Name() string { return "slow" }

func (s *slowProvider) Complete(ctx context.Context, req *providers.Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(s.delay):
		return "late", nil
	}
}

func (s *slowProvider) Stream(ctx context.Context, req *providers.Request) (<-chan providers.Chunk, error) {
	return nil, errors.New("not used")
}

func TestExecuteNeverAbortsEarly(t *testing.T) {
	invoker := &fakeInvoker{
		results: map[string]string{"first": "one", "third": "three"},
		errs:    map[string]error{"second": errors.New("boom")},
	}
	plan := &models.Plan{Steps: []models.PlanStep{
		{Action: "step 1", Tool: "first"},
		{Action: "step 2", Tool: "second"},
		{Action: "step 3", Tool: "third"},
	}}

	outcomes := New(invoker, nil, nil, nil).Execute(context.Background(), "sess-1", plan)
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outcomes))
	}
	if !outcomes[0].Success || outcomes[0].Result != "one" {
		t.Errorf("outcome 0 = %+v", outcomes[0])
	}
	if outcomes[1].Success || !strings.Contains(outcomes[1].Error, "boom") {
		t.Errorf("outcome 1 = %+v", outcomes[1])
	}
	if !outcomes[2].Success || outcomes[2].Result != "three" {
		t.Errorf("outcome 2 = %+v", outcomes[2])
	}
	if len(invoker.calls) != 3 {
		t.Errorf("invoker calls = %v", invoker.calls)
	}
}

func TestToollessStepUsesResponseGeneration(t *testing.T) {
	invoker := &fakeInvoker{}
	provider := &fixedProvider{text: "generated answer"}
	plan := &models.Plan{Steps: []models.PlanStep{
		{Action: "Answer the question directly", Reasoning: "no tool applies"},
	}}

	outcomes := New(invoker, provider, nil, nil).Execute(context.Background(), "sess-1", plan)
	if len(outcomes) != 1 || !outcomes[0].Success {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if outcomes[0].Result != "generated answer" {
		t.Errorf("result = %q", outcomes[0].Result)
	}
	if len(invoker.calls) != 0 {
		t.Errorf("invoker should not be called for toolless steps")
	}
}

func TestToollessStepCompletionHasDeadline(t *testing.T) {
	provider := &fixedProvider{text: "bounded answer"}
	plan := &models.Plan{Steps: []models.PlanStep{{Action: "respond"}}}

	// The dispatcher hands over a context with no deadline; the step
	// must impose its own.
	outcomes := New(&fakeInvoker{}, provider, nil, nil).Execute(context.Background(), "sess-1", plan)
	if len(outcomes) != 1 || !outcomes[0].Success {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if !provider.hadDeadline {
		t.Error("step completion ran without a deadline")
	}
}

func TestStepTimeoutExpiryFailsStep(t *testing.T) {
	provider := &slowProvider{delay: 50 * time.Millisecond}
	plan := &models.Plan{Steps: []models.PlanStep{{Action: "respond"}}}

	exec := New(&fakeInvoker{}, provider, nil, nil).WithStepTimeout(5 * time.Millisecond)
	outcomes := exec.Execute(context.Background(), "sess-1", plan)
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	if outcomes[0].Success {
		t.Error("expired step should fail")
	}
	if !strings.Contains(outcomes[0].Error, "deadline") {
		t.Errorf("error = %q", outcomes[0].Error)
	}
}

func TestSentinelToolNamesAreToolless(t *testing.T) {
	invoker := &fakeInvoker{}
	provider := &fixedProvider{text: "direct"}

	var steps []models.PlanStep
	for _, sentinel := range []string{"", "None", "null", "undefined"} {
		steps = append(steps, models.PlanStep{Action: "respond", Tool: sentinel})
	}
	outcomes := New(invoker, provider, nil, nil).Execute(context.Background(), "sess-1", &models.Plan{Steps: steps})

	if len(invoker.calls) != 0 {
		t.Errorf("sentinel tools invoked: %v", invoker.calls)
	}
	for i, outcome := range outcomes {
		if !outcome.Success {
			t.Errorf("outcome %d = %+v", i, outcome)
		}
	}
}

func TestToollessStepWithoutProviderFails(t *testing.T) {
	plan := &models.Plan{Steps: []models.PlanStep{{Action: "respond"}}}
	outcomes := New(&fakeInvoker{}, nil, nil, nil).Execute(context.Background(), "sess-1", plan)

	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	if outcomes[0].Success || outcomes[0].Error == "" {
		t.Errorf("outcome = %+v", outcomes[0])
	}
}

func TestExecuteNilPlan(t *testing.T) {
	if outcomes := New(&fakeInvoker{}, nil, nil, nil).Execute(context.Background(), "sess-1", nil); outcomes != nil {
		t.Errorf("outcomes = %v", outcomes)
	}
}
