package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeProvider scripts Complete and Stream results for chain tests.
type fakeProvider struct {
	name     string
	text     string
	err      error
	calls    int
	chunks   []Chunk
	streamed int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req *Request) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	f.streamed++
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan Chunk, len(f.chunks)+1)
	for _, chunk := range f.chunks {
		out <- chunk
	}
	out <- Chunk{Done: true}
	close(out)
	return out, nil
}

func TestChainPrefersFirstHealthy(t *testing.T) {
	primary := &fakeProvider{name: "primary", text: "from primary"}
	secondary := &fakeProvider{name: "secondary", text: "from secondary"}
	chain := NewChain(nil, primary, secondary)

	text, err := chain.Complete(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "from primary" {
		t.Errorf("text = %q", text)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary called %d times", secondary.calls)
	}
}

func TestChainFailsOverOnRetryableError(t *testing.T) {
	primary := &fakeProvider{
		name: "primary",
		err:  &ProviderError{Provider: "primary", Status: 503, Err: errors.New("service unavailable")},
	}
	secondary := &fakeProvider{name: "secondary", text: "fallback"}
	chain := NewChain(nil, primary, secondary)

	text, err := chain.Complete(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "fallback" {
		t.Errorf("text = %q", text)
	}

	// Primary is on cooldown; the next request skips it entirely.
	if _, err := chain.Complete(context.Background(), &Request{}); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("primary calls = %d, want 1", primary.calls)
	}
}

func TestChainStopsOnNonRetryableError(t *testing.T) {
	bad := &ProviderError{Provider: "primary", Status: 400, Err: errors.New("invalid request")}
	primary := &fakeProvider{name: "primary", err: bad}
	secondary := &fakeProvider{name: "secondary", text: "never"}
	chain := NewChain(nil, primary, secondary)

	_, err := chain.Complete(context.Background(), &Request{})
	if !errors.Is(err, bad) {
		t.Fatalf("err = %v", err)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary called on non-retryable error")
	}
}

func TestChainExhaustedReturnsUnavailable(t *testing.T) {
	down := &fakeProvider{
		name: "only",
		err:  &ProviderError{Provider: "only", Status: 500, Err: errors.New("boom")},
	}
	chain := NewChain(nil, down)

	if _, err := chain.Complete(context.Background(), &Request{}); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("err = %v", err)
	}

	// Empty chain behaves the same way.
	empty := NewChain(nil)
	if _, err := empty.Complete(context.Background(), &Request{}); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("empty chain err = %v", err)
	}
}

func TestChainCooldownExpires(t *testing.T) {
	flaky := &fakeProvider{
		name: "flaky",
		err:  &ProviderError{Provider: "flaky", Status: 500, Err: errors.New("boom")},
	}
	chain := NewChain(nil, flaky)
	chain.cooldown = 10 * time.Millisecond

	chain.Complete(context.Background(), &Request{})
	time.Sleep(20 * time.Millisecond)

	flaky.err = nil
	flaky.text = "recovered"
	text, err := chain.Complete(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("complete after cooldown: %v", err)
	}
	if text != "recovered" {
		t.Errorf("text = %q", text)
	}
}

func TestChainStreamFailover(t *testing.T) {
	primary := &fakeProvider{
		name: "primary",
		err:  &ProviderError{Provider: "primary", Status: 429, Err: errors.New("rate_limit")},
	}
	secondary := &fakeProvider{
		name:   "secondary",
		chunks: []Chunk{{Text: "hello "}, {Text: "world"}},
	}
	chain := NewChain(nil, primary, secondary)

	chunks, err := chain.Stream(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, err := drain(chunks)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q", text)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&ProviderError{Status: 429, Err: errors.New("x")}, true},
		{&ProviderError{Status: 503, Err: errors.New("x")}, true},
		{&ProviderError{Status: 400, Err: errors.New("x")}, false},
		{&ProviderError{Status: 401, Err: errors.New("x")}, false},
		{errors.New("connection refused"), true},
		{errors.New("deadline exceeded"), true},
		{errors.New("invalid model name"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := retryable(tc.err); got != tc.want {
			t.Errorf("retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
