package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/contentforge/ai-proxy/internal/apperror"
	"github.com/contentforge/ai-proxy/internal/gateway"
	"github.com/contentforge/ai-proxy/internal/provider"
	"github.com/contentforge/ai-proxy/pkg/ratelimit"
)

type scriptedProvider struct {
	name  string
	delay time.Duration
	err   error
}

func (p *scriptedProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &provider.Result{Content: "echo: " + req.Content, Model: "test-model"}, nil
}

func (p *scriptedProvider) Name() string     { return p.name }
func (p *scriptedProvider) Configured() bool { return true }

func newExecutor(t *testing.T, providers map[string]provider.Provider) (*Executor, *ratelimit.Limiter) {
	t.Helper()
	tracer := noop.NewTracerProvider().Tracer("test")
	gw := gateway.New(providers, tracer, zap.NewNop())
	limiter := ratelimit.NewTiered()
	t.Cleanup(limiter.Close)
	return New(gw, limiter, zap.NewNop()), limiter
}

func TestRun_ResultsKeepItemOrder(t *testing.T) {
	ex, _ := newExecutor(t, map[string]provider.Provider{
		"anthropic": &scriptedProvider{name: "anthropic", delay: 50 * time.Millisecond},
		"openai":    &scriptedProvider{name: "openai"},
	})

	items := []Item{
		{ID: "slow", Provider: "anthropic", Content: "first"},
		{ID: "fast", Provider: "openai", Content: "second"},
	}
	results, err := ex.Run(context.Background(), "user-1", ratelimit.TierPro, items)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "slow", results[0].ID)
	assert.Equal(t, "fast", results[1].ID)
	require.True(t, results[0].Success)
	assert.Equal(t, "echo: first", *results[0].Content)
}

func TestRun_PartialFailureIsolated(t *testing.T) {
	ex, _ := newExecutor(t, map[string]provider.Provider{
		"openai": &scriptedProvider{name: "openai"},
	})

	items := []Item{
		{ID: float64(1), Provider: "openai", Content: "ok one"},
		{ID: float64(2), Provider: "bogus", Content: "doomed"},
		{ID: float64(3), Provider: "openai", Content: "ok two"},
	}
	results, err := ex.Run(context.Background(), "user-1", ratelimit.TierPro, items)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.True(t, results[2].Success)

	assert.False(t, results[1].Success)
	assert.Nil(t, results[1].Content)
	require.NotNil(t, results[1].Error)
	assert.Contains(t, *results[1].Error, "Unsupported provider: bogus")
}

func TestRun_ProviderErrorIsolated(t *testing.T) {
	ex, _ := newExecutor(t, map[string]provider.Provider{
		"openai": &scriptedProvider{name: "openai"},
		"google": &scriptedProvider{name: "google", err: errors.New("boom")},
	})

	items := []Item{
		{ID: "a", Provider: "google", Content: "fails"},
		{ID: "b", Provider: "openai", Content: "works"},
	}
	results, err := ex.Run(context.Background(), "user-1", ratelimit.TierPro, items)
	require.NoError(t, err)

	assert.False(t, results[0].Success)
	require.NotNil(t, results[0].Error)
	assert.True(t, results[1].Success)
}

func TestRun_TimeoutIsolated(t *testing.T) {
	ex, _ := newExecutor(t, map[string]provider.Provider{
		"openai": &scriptedProvider{name: "openai"},
		"google": &scriptedProvider{name: "google", err: context.DeadlineExceeded},
	})

	items := []Item{
		{ID: 1, Provider: "openai", Content: "first"},
		{ID: 2, Provider: "google", Content: "times out"},
		{ID: 3, Provider: "openai", Content: "third"},
	}
	results, err := ex.Run(context.Background(), "user-1", ratelimit.TierPro, items)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.True(t, results[2].Success)
	assert.False(t, results[1].Success)
	require.NotNil(t, results[1].Error)
	assert.Contains(t, *results[1].Error, "timed out")
}

func TestRun_MissingFields(t *testing.T) {
	ex, _ := newExecutor(t, map[string]provider.Provider{
		"openai": &scriptedProvider{name: "openai"},
	})

	items := []Item{
		{ID: "no-provider", Content: "text"},
		{ID: "no-content", Provider: "openai"},
	}
	results, err := ex.Run(context.Background(), "user-1", ratelimit.TierFree, items)
	require.NoError(t, err)

	for _, r := range results {
		assert.False(t, r.Success)
		require.NotNil(t, r.Error)
		assert.Equal(t, "Missing provider or content", *r.Error)
	}
}

func TestRun_NilIDFallsBackToIndex(t *testing.T) {
	ex, _ := newExecutor(t, map[string]provider.Provider{
		"openai": &scriptedProvider{name: "openai"},
	})

	items := []Item{
		{Provider: "openai", Content: "one"},
		{Provider: "openai", Content: "two"},
	}
	results, err := ex.Run(context.Background(), "user-1", ratelimit.TierFree, items)
	require.NoError(t, err)

	assert.Equal(t, 0, results[0].ID)
	assert.Equal(t, 1, results[1].ID)
}

func TestRun_EmptyBatchRejected(t *testing.T) {
	ex, _ := newExecutor(t, nil)

	_, err := ex.Run(context.Background(), "user-1", ratelimit.TierFree, nil)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.CodeInvalidRequest, appErr.Code)
}

func TestRun_OversizedBatchRejected(t *testing.T) {
	ex, _ := newExecutor(t, map[string]provider.Provider{
		"openai": &scriptedProvider{name: "openai"},
	})

	items := make([]Item, MaxSize+1)
	for i := range items {
		items[i] = Item{ID: i, Provider: "openai", Content: fmt.Sprintf("item %d", i)}
	}
	_, err := ex.Run(context.Background(), "user-1", ratelimit.TierEnterprise, items)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.CodeBatchTooLarge, appErr.Code)
	assert.Equal(t, "Batch size exceeds maximum of 5", appErr.Message)
}

func TestRun_AtomicQuotaAdmission(t *testing.T) {
	ex, limiter := newExecutor(t, map[string]provider.Provider{
		"openai": &scriptedProvider{name: "openai"},
	})

	// Free tier allows 10. Use 8, then a batch of 3 must be rejected whole.
	for i := 0; i < 8; i++ {
		require.True(t, limiter.Allow("user-1", ratelimit.TierFree).Allowed)
	}

	items := []Item{
		{ID: 1, Provider: "openai", Content: "a"},
		{ID: 2, Provider: "openai", Content: "b"},
		{ID: 3, Provider: "openai", Content: "c"},
	}
	_, err := ex.Run(context.Background(), "user-1", ratelimit.TierFree, items)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.CodeRateLimited, appErr.Code)
	assert.Contains(t, appErr.Message, "Batch of 3 would exceed remaining 2 slots.")
	assert.Equal(t, 10, appErr.Limit)
	assert.Equal(t, "free", appErr.Tier)
	assert.Positive(t, appErr.RetryAfter)

	// Rejection consumed nothing, so a batch of 2 still fits.
	results, err := ex.Run(context.Background(), "user-1", ratelimit.TierFree, items[:2])
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
