// Package gateway dispatches normalized requests to LLM providers with
// uniform timeout enforcement and error classification. Wire formats live
// in the provider adapters; this layer only decides who, how long, and what
// a failure means.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/contentforge/ai-proxy/internal/apperror"
	"github.com/contentforge/ai-proxy/internal/provider"
)

// Per-provider timeouts: anthropic and openai completions on large prompts
// routinely run 30-60s; gemini flash is faster.
var defaultTimeouts = map[string]time.Duration{
	provider.Anthropic: 90 * time.Second,
	provider.OpenAI:    90 * time.Second,
	provider.Google:    45 * time.Second,
}

const (
	fallbackTimeout           = 60 * time.Second
	defaultUpstreamRetryAfter = 60
)

type Gateway struct {
	providers map[string]provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	timeouts  map[string]time.Duration
	tracer    trace.Tracer
	logger    *zap.Logger
}

func New(providers map[string]provider.Provider, tracer trace.Tracer, logger *zap.Logger) *Gateway {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(providers))
	for name := range providers {
		settings := gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[name] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Gateway{
		providers: providers,
		breakers:  breakers,
		timeouts:  defaultTimeouts,
		tracer:    tracer,
		logger:    logger,
	}
}

// Supported returns the accepted provider names, sorted.
func (g *Gateway) Supported() []string {
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports which providers currently have credentials. Used by
// the health endpoint; no side effects.
func (g *Gateway) Configured() map[string]bool {
	out := make(map[string]bool, len(g.providers))
	for name, p := range g.providers {
		out[name] = p.Configured()
	}
	return out
}

// Complete dispatches one normalized request. Every failure comes back as
// an *apperror.Error; raw provider text never leaves this layer.
func (g *Gateway) Complete(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	p, ok := g.providers[req.Provider]
	if !ok {
		return nil, apperror.BadRequest("Unsupported provider: %s. Supported: %s",
			req.Provider, strings.Join(g.Supported(), ", "))
	}
	if !p.Configured() {
		return nil, apperror.Unavailable(apperror.CodeProviderUnavailable,
			"%s API key not configured", req.Provider)
	}

	ctx, span := g.tracer.Start(ctx, "gateway.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", req.Provider),
		attribute.String("model", req.Model),
	)

	timeout, ok := g.timeouts[req.Provider]
	if !ok {
		timeout = fallbackTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cb := g.breakers[req.Provider]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(callCtx, req)
	})
	if err != nil {
		appErr := classify(callCtx, err)
		span.SetAttributes(attribute.String("error_code", string(appErr.Code)))
		g.logger.Warn("provider call failed",
			zap.String("provider", req.Provider),
			zap.String("code", string(appErr.Code)),
			zap.Error(err))
		return nil, appErr
	}
	return result.(*provider.Result), nil
}

// classify maps an upstream failure into the error taxonomy.
func classify(ctx context.Context, err error) *apperror.Error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return apperror.New(apperror.CodeProviderTimeout, http.StatusGatewayTimeout,
			"AI request timed out. Try again or use a shorter prompt.")
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperror.Unavailable(apperror.CodeProviderUnavailable,
			"AI provider temporarily unavailable. Please retry later.")
	}

	var perr *provider.Error
	if errors.As(err, &perr) {
		switch {
		case perr.StatusCode == http.StatusTooManyRequests:
			retryAfter := perr.RetryAfter
			if retryAfter == 0 {
				retryAfter = defaultUpstreamRetryAfter
			}
			e := apperror.New(apperror.CodeUpstreamRateLimited, http.StatusTooManyRequests,
				"Upstream rate limit exceeded. Please retry later.")
			e.RetryAfter = retryAfter
			return e
		case perr.StatusCode == http.StatusUnauthorized || perr.StatusCode == http.StatusForbidden:
			return apperror.New(apperror.CodeProviderAuth, http.StatusBadGateway,
				"AI provider authentication failed. Check server API key configuration.")
		}
	}

	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr
	}

	return apperror.New(apperror.CodeProviderError, http.StatusBadGateway,
		"AI provider returned an error. Please try again.")
}
