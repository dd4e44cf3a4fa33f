package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// Kind classifies a provider failure. The gateway retries Timeout and
// RateLimited; everything else propagates to the caller.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindRateLimited     Kind = "rate_limited"
	KindUnauthorized    Kind = "unauthorized"
	KindProvider        Kind = "provider_error"
	KindSchemaViolation Kind = "schema_violation"
	KindCancelled       Kind = "cancelled"
)

// ProviderError is the gateway's failure type. It carries enough context to
// log the failing call and to decide retry and fallback behavior.
type ProviderError struct {
	Kind     Kind
	Provider string
	Model    string
	Status   int
	Code     string
	Err      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the gateway's bounded retry applies.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindRateLimited
}

// KindOf extracts the failure kind from an error chain, or KindProvider
// when the error is not a ProviderError.
func KindOf(err error) Kind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindProvider
}

// IsRetryable reports whether an error chain contains a retryable
// ProviderError.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}

// classify wraps an SDK or transport error into a ProviderError. Existing
// ProviderErrors pass through unchanged.
func classify(err error, provider, model string) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	out := &ProviderError{Kind: KindProvider, Provider: provider, Model: model, Err: err}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindTimeout
		return out
	case errors.Is(err, context.Canceled):
		out.Kind = KindCancelled
		return out
	}

	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		out.Status = anthErr.StatusCode
		out.Kind = kindFromStatus(anthErr.StatusCode)
		return out
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		out.Status = apiErr.HTTPStatusCode
		if code, ok := apiErr.Code.(string); ok {
			out.Code = code
		}
		out.Kind = kindFromStatus(apiErr.HTTPStatusCode)
		return out
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		out.Status = reqErr.HTTPStatusCode
		out.Kind = kindFromStatus(reqErr.HTTPStatusCode)
		return out
	}

	// Transport-level failures surface as plain errors; classify by text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		out.Kind = KindTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		out.Kind = KindRateLimited
	}
	return out
}

func kindFromStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindUnauthorized
	case status == 429:
		return KindRateLimited
	case status == 408 || status == 504:
		return KindTimeout
	default:
		return KindProvider
	}
}

// schemaViolation builds the error for structured output that failed
// validation or decoding.
func schemaViolation(provider, model string, err error) error {
	return &ProviderError{Kind: KindSchemaViolation, Provider: provider, Model: model, Err: err}
}
