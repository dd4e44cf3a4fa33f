package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Tier selects which configured provider serves a request.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierSecondary Tier = "secondary"
)

// Request is one gateway invocation. Mode is implied by the entry point:
// Plain ignores Tools and Schema, Structured requires Schema, WithTools
// requires Tools.
type Request struct {
	ThreadID    string
	Agent       string
	Tier        Tier
	Model       string
	System      string
	Messages    []ConversationMessage
	Temperature float64
	MaxTokens   int
	Tools       []ToolDefinition
	Schema      *Schema

	// OnDelta receives text fragments as they stream in. May be nil.
	OnDelta func(content string)
}

// Response is the aggregated result of one invocation.
type Response struct {
	Text       string
	Structured []byte
	ToolCalls  []ToolCall
	Usage      Usage
}

// Usage is one accounting sample.
type Usage struct {
	ThreadID     string
	Agent        string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// Observer receives a sample after every completed invocation, successful
// or not.
type Observer interface {
	ObserveLLMCall(u Usage, err error)
}

// GatewayConfig bounds retry, timeout and request rate behavior.
type GatewayConfig struct {
	MaxAttempts int           // per invocation, default 3
	BackoffBase time.Duration // first retry delay, default 500ms
	BackoffCap  time.Duration // delay ceiling, default 8s
	CallTimeout time.Duration // per-attempt deadline, default 60s
	RatePerSec  float64       // per-provider request rate, 0 = unlimited
	RateBurst   int
}

func (c *GatewayConfig) withDefaults() GatewayConfig {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 500 * time.Millisecond
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = 8 * time.Second
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = 60 * time.Second
	}
	if out.RateBurst <= 0 {
		out.RateBurst = 2
	}
	return out
}

// Gateway routes invocations to the configured providers with bounded
// retry, per-provider rate limiting and usage accounting.
type Gateway struct {
	primary   Client
	secondary Client
	limiters  map[string]*rate.Limiter
	cfg       GatewayConfig
	usage     *UsageLog
	observer  Observer
	logger    *slog.Logger
}

// NewGateway builds a gateway. secondary and observer may be nil.
func NewGateway(primary, secondary Client, cfg GatewayConfig, usage *UsageLog, observer Observer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		primary:   primary,
		secondary: secondary,
		limiters:  map[string]*rate.Limiter{},
		cfg:       cfg.withDefaults(),
		usage:     usage,
		observer:  observer,
		logger:    logger.With("component", "llm_gateway"),
	}
	if g.cfg.RatePerSec > 0 {
		g.limiters[primary.Name()] = rate.NewLimiter(rate.Limit(g.cfg.RatePerSec), g.cfg.RateBurst)
		if secondary != nil && secondary.Name() != primary.Name() {
			g.limiters[secondary.Name()] = rate.NewLimiter(rate.Limit(g.cfg.RatePerSec), g.cfg.RateBurst)
		}
	}
	return g
}

// HasSecondary reports whether a secondary provider is configured.
func (g *Gateway) HasSecondary() bool { return g.secondary != nil }

// Close releases both providers.
func (g *Gateway) Close() error {
	var firstErr error
	if err := g.primary.Close(); err != nil {
		firstErr = err
	}
	if g.secondary != nil {
		if err := g.secondary.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Plain sends the conversation and returns the aggregated text response.
func (g *Gateway) Plain(ctx context.Context, req Request) (*Response, error) {
	req.Tools = nil
	req.Schema = nil
	return g.invoke(ctx, req)
}

// Structured sends the conversation constrained to req.Schema and returns
// the validated payload in Response.Structured.
func (g *Gateway) Structured(ctx context.Context, req Request) (*Response, error) {
	if req.Schema == nil {
		return nil, fmt.Errorf("structured invocation requires a schema")
	}
	resp, err := g.invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	client := g.clientFor(req.Tier)
	payload := structuredPayload(resp, req.Schema.Name)
	if payload == "" {
		return nil, schemaViolation(client.Name(), req.Model, fmt.Errorf("no %s payload in response", req.Schema.Name))
	}
	if err := req.Schema.Validate([]byte(payload)); err != nil {
		return nil, schemaViolation(client.Name(), req.Model, err)
	}
	resp.Structured = []byte(payload)
	return resp, nil
}

// WithTools sends the conversation with tool definitions attached. The
// response carries either a final text or the requested tool calls.
func (g *Gateway) WithTools(ctx context.Context, req Request) (*Response, error) {
	req.Schema = nil
	return g.invoke(ctx, req)
}

func (g *Gateway) clientFor(tier Tier) Client {
	if tier == TierSecondary && g.secondary != nil {
		return g.secondary
	}
	return g.primary
}

func (g *Gateway) invoke(ctx context.Context, req Request) (*Response, error) {
	if req.Tier == TierSecondary && g.secondary == nil {
		return nil, &ProviderError{Kind: KindProvider, Provider: "secondary", Err: fmt.Errorf("secondary provider not configured")}
	}
	client := g.clientFor(req.Tier)

	if limiter := g.limiters[client.Name()]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, classify(err, client.Name(), req.Model)
		}
	}

	in := &GenerateInput{
		ThreadID:     req.ThreadID,
		Agent:        req.Agent,
		Model:        req.Model,
		SystemPrompt: req.System,
		Messages:     req.Messages,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		Tools:        req.Tools,
	}
	if req.Schema != nil {
		// Providers bind the schema natively: a forced tool carrying the
		// schema, or a schema-bound response format.
		in.Tools = []ToolDefinition{{
			Name:             req.Schema.Name,
			Description:      "Record the structured response.",
			ParametersSchema: req.Schema.Raw,
		}}
		in.ForceTool = req.Schema.Name
		in.ResponseSchema = req.Schema.Raw
		in.SchemaName = req.Schema.Name
	}

	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := g.sleepBackoff(ctx, attempt); err != nil {
				return nil, classify(err, client.Name(), req.Model)
			}
			g.logger.Debug("retrying LLM call",
				"provider", client.Name(), "agent", req.Agent, "attempt", attempt+1)
		}

		resp, emitted, err := g.attempt(ctx, client, in, req.OnDelta)
		g.record(req, client, resp, err)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// Once text reached the caller's stream a retry would duplicate
		// output, so the error propagates as-is.
		if !IsRetryable(err) || emitted {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt runs one provider call and aggregates its stream. emitted reports
// whether any text was forwarded to the delta callback.
func (g *Gateway) attempt(ctx context.Context, client Client, in *GenerateInput, onDelta func(string)) (*Response, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	chunks, err := client.Generate(callCtx, in)
	if err != nil {
		return nil, false, classify(err, client.Name(), in.Model)
	}

	var (
		text      strings.Builder
		toolCalls []ToolCall
		usage     Usage
		emitted   bool
		streamErr error
	)
	for chunk := range chunks {
		switch c := chunk.(type) {
		case *TextChunk:
			text.WriteString(c.Content)
			if onDelta != nil {
				onDelta(c.Content)
			}
			emitted = true
		case *ToolCallChunk:
			toolCalls = append(toolCalls, ToolCall{ID: c.CallID, Name: c.Name, Arguments: c.Arguments})
		case *UsageChunk:
			usage.InputTokens = c.InputTokens
			usage.OutputTokens = c.OutputTokens
		case *ErrorChunk:
			streamErr = c.Err
		}
	}
	if streamErr != nil {
		return nil, emitted, classify(streamErr, client.Name(), in.Model)
	}

	usage.ThreadID = in.ThreadID
	usage.Agent = in.Agent
	usage.Provider = client.Name()
	usage.Model = in.Model
	usage.Latency = time.Since(start)
	return &Response{Text: text.String(), ToolCalls: toolCalls, Usage: usage}, emitted, nil
}

func (g *Gateway) record(req Request, client Client, resp *Response, err error) {
	u := Usage{ThreadID: req.ThreadID, Agent: req.Agent, Provider: client.Name(), Model: req.Model}
	if resp != nil {
		u = resp.Usage
	}
	if g.usage != nil {
		g.usage.Record(u, err)
	}
	if g.observer != nil {
		g.observer.ObserveLLMCall(u, err)
	}
	if err != nil {
		g.logger.Warn("LLM call failed",
			"provider", u.Provider, "agent", u.Agent, "thread_id", u.ThreadID, "error", err)
		return
	}
	g.logger.Debug("LLM call complete",
		"provider", u.Provider, "agent", u.Agent, "thread_id", u.ThreadID,
		"input_tokens", u.InputTokens, "output_tokens", u.OutputTokens,
		"latency_ms", u.Latency.Milliseconds())
}

// sleepBackoff waits base*2^(attempt-1) plus up to 50% jitter, capped.
func (g *Gateway) sleepBackoff(ctx context.Context, attempt int) error {
	delay := g.cfg.BackoffBase << (attempt - 1)
	if delay > g.cfg.BackoffCap {
		delay = g.cfg.BackoffCap
	}
	delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// structuredPayload extracts the schema payload from a response: the forced
// tool call's arguments, or the response text for schema-bound formats.
func structuredPayload(resp *Response, schemaName string) string {
	for _, tc := range resp.ToolCalls {
		if tc.Name == schemaName {
			return tc.Arguments
		}
	}
	return strings.TrimSpace(resp.Text)
}
