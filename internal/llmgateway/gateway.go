// Package llmgateway provides the provider-agnostic completion surface every
// sub-agent and the Session Coordinator's commit-message step call through:
// retries, span telemetry, and a replay cache sit in front of one of two
// concrete provider adapters.
package llmgateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/appforge/genforge/internal/backoff"
	"github.com/appforge/genforge/internal/observability"
	"github.com/appforge/genforge/pkg/models"
)

// tracer wraps every completion call in a span via the shared
// observability.Tracer rather than a bare otel.Tracer, so the Gateway picks
// up the same OTLP endpoint/sampling configuration cmd/genforge wires for
// the rest of the request path.
var tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "genforge-llmgateway"})

// Tool describes one function the model may call, independent of provider
// wire format.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is a provider-agnostic completion request.
type Request struct {
	Model       string
	System      string
	Messages    []models.Turn
	Tools       []Tool
	MaxTokens   int
	Temperature float64
	ToolChoice  string // "", "auto", "any", or a specific tool name
}

// Completion is a provider-agnostic completion response: zero or more
// content blocks plus token usage.
type Completion struct {
	Blocks       []models.Block
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// Provider is implemented by each concrete LLM backend adapter.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Completion, error)
}

// Gateway wraps a set of named Provider adapters with retry, telemetry, and
// replay-cache behavior common to every call site.
type Gateway struct {
	providers map[string]Provider
	policy    backoff.BackoffPolicy
	maxRetries int
	replay    *replayCache
	logger    *slog.Logger
}

// Option configures a Gateway at construction time.
type Option func(*Gateway)

// WithBackoffPolicy overrides the retry backoff policy.
func WithBackoffPolicy(p backoff.BackoffPolicy) Option {
	return func(g *Gateway) { g.policy = p }
}

// WithMaxRetries overrides the maximum number of retry attempts.
func WithMaxRetries(n int) Option {
	return func(g *Gateway) { g.maxRetries = n }
}

// WithLogger overrides the Gateway's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithReplayCache enables replay of previously-seen requests within the
// process lifetime, keyed by a stable hash of the request payload.
func WithReplayCache() Option {
	return func(g *Gateway) { g.replay = newReplayCache() }
}

// New returns a Gateway dispatching to the given named providers.
func New(providers map[string]Provider, opts ...Option) *Gateway {
	g := &Gateway{
		providers:  providers,
		policy:     backoff.DefaultPolicy(),
		maxRetries: 3,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Complete dispatches req to the named provider, retrying transient errors
// with exponential-jitter backoff, wrapping the call in a telemetry span,
// and consulting the replay cache (if enabled) before making a live call.
func (g *Gateway) Complete(ctx context.Context, provider string, req *Request) (*Completion, error) {
	ctx, span := tracer.TraceLLMRequest(ctx, provider, req.Model)
	defer span.End()

	p, ok := g.providers[provider]
	if !ok {
		err := fmt.Errorf("llmgateway: unknown provider %q", provider)
		tracer.RecordError(span, err)
		return nil, err
	}

	var cacheKey string
	if g.replay != nil {
		cacheKey = requestHash(provider, req)
		if cached, ok := g.replay.get(cacheKey); ok {
			tracer.SetAttributes(span, "llm.replayed", true)
			return cached, nil
		}
	}

	var (
		completion *Completion
		err        error
	)
	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		completion, err = p.Complete(ctx, req)
		if err == nil {
			break
		}
		if !IsRetryable(err) || attempt == g.maxRetries {
			break
		}
		delay := backoff.ComputeBackoff(g.policy, attempt)
		g.logger.Warn("llm completion retrying", "provider", provider, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = g.maxRetries
		}
	}
	if err != nil {
		wrapped := fmt.Errorf("llmgateway: %s completion failed: %w", provider, err)
		tracer.RecordError(span, wrapped)
		return nil, wrapped
	}

	tracer.SetAttributes(span, "llm.input_tokens", completion.InputTokens, "llm.output_tokens", completion.OutputTokens)

	if g.replay != nil {
		g.replay.put(cacheKey, completion)
	}
	return completion, nil
}

func requestHash(provider string, req *Request) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(provider)
	_ = enc.Encode(req)
	return hex.EncodeToString(h.Sum(nil))
}

type replayCache struct {
	mu    sync.Mutex
	items map[string]*Completion
}

func newReplayCache() *replayCache {
	return &replayCache{items: make(map[string]*Completion)}
}

func (c *replayCache) get(key string) (*Completion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *replayCache) put(key string, v *Completion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = v
}
