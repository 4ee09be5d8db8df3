package providers

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
)

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// Anthropic streams completions from the Anthropic Messages API.
// Safe for concurrent use; each Stream call owns its goroutine.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropic builds the Anthropic backend. The API key is required.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:       anthropic.NewClient(options...),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Complete(ctx context.Context, req *Request) (string, error) {
	chunks, err := p.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	return drain(chunks)
}

func (p *Anthropic) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	model := p.model(req)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens(req)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)

		// Retry the whole stream on transient failures, but only while
		// nothing has been emitted yet. Once text is out, a broken
		// stream surfaces as an error chunk.
		for attempt := 0; ; attempt++ {
			emitted, err := p.consume(ctx, params, chunks)
			if err == nil {
				chunks <- Chunk{Done: true}
				return
			}

			wrapped := p.wrapError(err, model)
			if emitted || attempt >= p.maxRetries || !retryable(wrapped) {
				chunks <- Chunk{Err: wrapped}
				return
			}

			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				chunks <- Chunk{Err: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}
	}()
	return chunks, nil
}

// consume runs one streaming attempt, reporting whether any text was sent.
func (p *Anthropic) consume(ctx context.Context, params anthropic.MessageNewParams, chunks chan<- Chunk) (bool, error) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	emitted, err := p.pump(ctx, stream, chunks)
	if closeErr := stream.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	return emitted, err
}

func (p *Anthropic) pump(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk) (bool, error) {
	emitted := false
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				select {
				case chunks <- Chunk{Text: delta.Text}:
					emitted = true
				case <-ctx.Done():
					return emitted, ctx.Err()
				}
			}
		case "message_stop":
			return emitted, nil
		}
	}
	if err := stream.Err(); err != nil {
		return emitted, err
	}
	return emitted, nil
}

func (p *Anthropic) model(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func maxTokens(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

func (p *Anthropic) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	wrapped := &ProviderError{Provider: "anthropic", Model: model, Err: err}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		wrapped.Status = apiErr.StatusCode
	}
	return wrapped
}

func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
