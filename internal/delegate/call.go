package delegate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/taskwave/taskwave/internal/domain"
	"github.com/taskwave/taskwave/internal/provider"
	"github.com/taskwave/taskwave/internal/router"
)

const (
	callMaxRetries  = 5
	callInitialWait = 2 * time.Second
	callMaxWait     = 30 * time.Second
)

// callFunc performs one streaming call against a pool endpoint.
type callFunc func(ctx context.Context, ep *router.Endpoint, req provider.Request) ([]domain.ContentBlock, string, provider.Usage, error)

// streamFunc is a callFunc already bound to its target.
type streamFunc func(ctx context.Context, req provider.Request) ([]domain.ContentBlock, string, provider.Usage, error)

func (e *Engine) caller() callFunc {
	if e.call != nil {
		return e.call
	}
	return dialEndpoint
}

func (e *Engine) dialFor(ep *router.Endpoint) streamFunc {
	call := e.caller()
	return func(ctx context.Context, req provider.Request) ([]domain.ContentBlock, string, provider.Usage, error) {
		return call(ctx, ep, req)
	}
}

// dialEndpoint resolves the endpoint's provider adapter and streams the
// request. Pool entries without a provider prefix are ollama.
func dialEndpoint(ctx context.Context, ep *router.Endpoint, req provider.Request) ([]domain.ContentBlock, string, provider.Usage, error) {
	provName, model := provider.ResolveProviderAndModel(ep.Model, "ollama")
	prov, err := provider.GetProvider(provName)
	if err != nil {
		return nil, "", provider.Usage{}, err
	}
	req.Model = model
	if req.BaseURL == "" {
		req.BaseURL = ep.URL
	}
	return prov.StreamChat(ctx, req)
}

// callWithRetry wraps a model call with exponential backoff for retryable
// failures: rate limits and overloads honor the server's Retry-After;
// dropped streams flush the connection pool first so the retry dials fresh.
// Anything else returns immediately.
func (e *Engine) callWithRetry(ctx context.Context, dial streamFunc, req provider.Request, onEvent EventFunc) ([]domain.ContentBlock, string, provider.Usage, error) {
	wait := callInitialWait

	for attempt := 0; ; attempt++ {
		blocks, stopReason, usage, err := dial(ctx, req)
		if err == nil {
			return blocks, stopReason, usage, nil
		}
		if attempt >= callMaxRetries || ctx.Err() != nil {
			return nil, "", usage, err
		}

		retryWait := wait
		var msg string
		var apiErr *provider.APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.IsRetryable():
			// Prefer the server's Retry-After; it knows when capacity
			// returns.
			if apiErr.RetryAfterMs > 0 {
				retryWait = time.Duration(apiErr.RetryAfterMs) * time.Millisecond
			} else if retryWait > callMaxWait {
				retryWait = callMaxWait
			}
			label := "Rate limited"
			if apiErr.StatusCode == 529 || apiErr.ErrorType == "overloaded_error" {
				label = "API overloaded"
			} else if apiErr.StatusCode == 503 {
				label = "Service unavailable"
			}
			msg = fmt.Sprintf("%s, retrying in %s (attempt %d/%d)", label, retryWait.Round(time.Millisecond), attempt+1, callMaxRetries)
		case isStreamError(err):
			// Go's Transport only auto-retries stale pooled connections for
			// idempotent methods; flush so the POST retry gets a fresh one.
			provider.CloseIdleConnections()
			if retryWait > callMaxWait {
				retryWait = callMaxWait
			}
			msg = fmt.Sprintf("Connection lost, retrying in %s (attempt %d/%d)", retryWait.Round(time.Millisecond), attempt+1, callMaxRetries)
		default:
			return nil, "", usage, err
		}

		if onEvent != nil {
			onEvent(Event{Kind: EventRetrying, RetryAttempt: attempt + 1, RetryAfter: retryWait, RetryMessage: msg})
		}
		select {
		case <-ctx.Done():
			return nil, "", provider.Usage{}, ctx.Err()
		case <-time.After(retryWait):
		}
		wait *= 2
		if wait > callMaxWait {
			wait = callMaxWait
		}
	}
}

// isStreamError reports transient stream/connection failures worth retrying.
func isStreamError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "HTTP/1.x transport connection broken") ||
		strings.Contains(msg, "malformed chunked encoding") ||
		strings.Contains(msg, "invalid byte in chunk length") ||
		strings.Contains(msg, "reading stream:")
}
