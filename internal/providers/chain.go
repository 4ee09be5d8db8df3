package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
)

// defaultCooldown is how long a failed backend sits out before it is
// tried again.
const defaultCooldown = 30 * time.Second

// Chain tries backends in priority order. A backend that fails with a
// retryable error is put on cooldown and the next one is tried; the
// request fails only when every backend is exhausted.
type Chain struct {
	providers []CompletionProvider
	cooldown  time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics

	mu        sync.Mutex
	downUntil map[string]time.Time
}

// NewChain builds a failover chain over the given backends, most
// preferred first.
func NewChain(logger *observability.Logger, backends ...CompletionProvider) *Chain {
	return &Chain{
		providers: backends,
		cooldown:  defaultCooldown,
		logger:    logger,
		downUntil: make(map[string]time.Time),
	}
}

// WithMetrics enables per-backend request metrics.
func (c *Chain) WithMetrics(m *observability.Metrics) *Chain {
	c.metrics = m
	return c
}

// FromConfig assembles the chain from the configured priority list,
// skipping backends with no API key. An empty chain is valid; calls
// return ErrProviderUnavailable.
func FromConfig(cfg config.ProvidersConfig, logger *observability.Logger) (*Chain, error) {
	var backends []CompletionProvider
	for _, name := range cfg.Priority {
		switch name {
		case "anthropic":
			if cfg.Anthropic.APIKey == "" {
				continue
			}
			p, err := NewAnthropic(AnthropicConfig{
				APIKey:       cfg.Anthropic.APIKey,
				BaseURL:      cfg.Anthropic.BaseURL,
				DefaultModel: cfg.Anthropic.DefaultModel,
			})
			if err != nil {
				return nil, err
			}
			backends = append(backends, p)
		case "openai":
			if cfg.OpenAI.APIKey == "" {
				continue
			}
			p, err := NewOpenAI(OpenAIConfig{
				APIKey:       cfg.OpenAI.APIKey,
				BaseURL:      cfg.OpenAI.BaseURL,
				DefaultModel: cfg.OpenAI.DefaultModel,
			})
			if err != nil {
				return nil, err
			}
			backends = append(backends, p)
		default:
			return nil, fmt.Errorf("providers: unknown provider %q", name)
		}
	}
	return NewChain(logger, backends...), nil
}

func (c *Chain) Name() string { return "chain" }

// Backends returns the configured backend names in priority order.
func (c *Chain) Backends() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

func (c *Chain) Complete(ctx context.Context, req *Request) (string, error) {
	var lastErr error
	for _, p := range c.providers {
		if c.onCooldown(p.Name()) {
			continue
		}
		start := time.Now()
		text, err := p.Complete(ctx, req)
		c.observe(p.Name(), "complete", start, err)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		if !retryable(err) {
			return "", err
		}
		c.markDown(ctx, p.Name(), err)
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
	}
	return "", ErrProviderUnavailable
}

// Stream hands out the first healthy backend's stream. Failover only
// applies to stream creation; a stream that breaks mid-flight is
// surfaced to the caller, which has already seen partial output.
func (c *Chain) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	var lastErr error
	for _, p := range c.providers {
		if c.onCooldown(p.Name()) {
			continue
		}
		start := time.Now()
		chunks, err := p.Stream(ctx, req)
		c.observe(p.Name(), "stream", start, err)
		if err == nil {
			return chunks, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		c.markDown(ctx, p.Name(), err)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
	}
	return nil, ErrProviderUnavailable
}

func (c *Chain) observe(provider, kind string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.ProviderRequestCounter.WithLabelValues(provider, status).Inc()
	c.metrics.ProviderRequestDuration.WithLabelValues(provider, kind).Observe(time.Since(start).Seconds())
}

func (c *Chain) onCooldown(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.downUntil[name]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.downUntil, name)
		return false
	}
	return true
}

func (c *Chain) markDown(ctx context.Context, name string, err error) {
	c.mu.Lock()
	c.downUntil[name] = time.Now().Add(c.cooldown)
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Warn(ctx, "provider on cooldown",
			"provider", name,
			"cooldown", c.cooldown.String(),
			"error", err.Error())
	}
}
