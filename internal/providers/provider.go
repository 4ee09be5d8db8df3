// Package providers implements completion backends behind a single
// interface: Anthropic, OpenAI, and a prioritized failover chain.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrProviderUnavailable means no backend could take the request right now.
// Callers treat it as retryable.
var ErrProviderUnavailable = errors.New("providers: unavailable")

// Message is a single prompt turn.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request is a completion request. Model and MaxTokens fall back to
// provider defaults when zero.
type Request struct {
	System    string
	Messages  []Message
	Model     string
	MaxTokens int
}

// Chunk is one streamed fragment. A chunk with Done set is the last one;
// a chunk with Err set terminates the stream abnormally.
type Chunk struct {
	Text string
	Done bool
	Err  error
}

// CompletionProvider produces model completions. Stream returns a finite,
// ordered channel of chunks, closed after the final chunk. Streams are not
// restartable; consume once.
type CompletionProvider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (string, error)
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// ProviderError carries the backend, model, and HTTP status of a failed call.
type ProviderError struct {
	Provider string
	Model    string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%s): status %d: %v", e.Provider, e.Model, e.Status, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient (throttling, server
// errors, network trouble) rather than a bad request.
func (e *ProviderError) Retryable() bool {
	if e.Status == 429 || e.Status >= 500 {
		return true
	}
	if e.Status >= 400 {
		return false
	}
	return retryable(e.Err)
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Err != err {
		return pe.Retryable()
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// drain collects a stream into a single string. Shared by the Complete
// implementations so streaming stays the one code path per backend.
func drain(chunks <-chan Chunk) (string, error) {
	var b strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return b.String(), chunk.Err
		}
		b.WriteString(chunk.Text)
	}
	return b.String(), nil
}
