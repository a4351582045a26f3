// Package batch executes several completion requests in one call. Items run
// concurrently and fail independently; only quota exhaustion and malformed
// envelopes reject the batch as a whole.
package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/contentforge/ai-proxy/internal/apperror"
	"github.com/contentforge/ai-proxy/internal/gateway"
	"github.com/contentforge/ai-proxy/internal/provider"
	"github.com/contentforge/ai-proxy/pkg/ratelimit"
)

// MaxSize caps the number of items in one batch.
const MaxSize = 5

// Item is one completion request inside a batch. ID is echoed back untouched
// so clients can correlate results; it may be any JSON value.
type Item struct {
	ID         any                 `json:"id"`
	Provider   string              `json:"provider"`
	Model      string              `json:"model"`
	Content    string              `json:"content"`
	Parameters *gateway.Parameters `json:"parameters"`
}

// Result is the per-item outcome. Content, Model and Error are pointers so
// absent values serialize as JSON null, matching what clients parse.
type Result struct {
	ID      any     `json:"id"`
	Success bool    `json:"success"`
	Content *string `json:"content"`
	Model   *string `json:"model"`
	Error   *string `json:"error"`
}

type Executor struct {
	gateway *gateway.Gateway
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

func New(gw *gateway.Gateway, limiter *ratelimit.Limiter, logger *zap.Logger) *Executor {
	return &Executor{gateway: gw, limiter: limiter, logger: logger}
}

// Run admits the whole batch against key's quota, then fans the items out.
// Results come back in item order regardless of completion order.
func (e *Executor) Run(ctx context.Context, key string, tier ratelimit.Tier, items []Item) ([]Result, error) {
	if len(items) == 0 {
		return nil, apperror.BadRequest(`Invalid request: "requests" must be a non-empty array`)
	}
	if len(items) > MaxSize {
		return nil, &apperror.Error{
			Code:    apperror.CodeBatchTooLarge,
			Status:  http.StatusBadRequest,
			Message: "Batch size exceeds maximum of 5",
		}
	}

	d := e.limiter.AllowN(key, tier, len(items))
	if !d.Allowed {
		return nil, &apperror.Error{
			Code:   apperror.CodeRateLimited,
			Status: http.StatusTooManyRequests,
			Message: fmt.Sprintf(
				"Rate limit exceeded. Your %s plan allows %d requests per hour. Batch of %d would exceed remaining %d slots.",
				tierName(tier), d.Limit, len(items), d.Remaining),
			RetryAfter: d.RetryAfter,
			Limit:      d.Limit,
			Tier:       tierName(tier),
		}
	}

	results := make([]Result, len(items))
	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = e.runOne(ctx, idx, items[idx])
		}(i)
	}
	wg.Wait()

	return results, nil
}

func (e *Executor) runOne(ctx context.Context, idx int, item Item) Result {
	id := item.ID
	if id == nil {
		id = idx
	}

	if item.Provider == "" || item.Content == "" {
		return failure(id, "Missing provider or content")
	}

	req := &provider.Request{
		Provider: item.Provider,
		Model:    item.Model,
		Content:  item.Content,
	}
	if item.Parameters != nil {
		req.Temperature = item.Parameters.Temperature
		req.MaxTokens = item.Parameters.MaxTokens
	}

	res, err := e.gateway.Complete(ctx, req)
	if err != nil {
		e.logger.Warn("batch item failed",
			zap.Any("id", id),
			zap.String("provider", item.Provider),
			zap.Error(err))
		msg := err.Error()
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			msg = appErr.Message
		}
		return failure(id, msg)
	}

	return Result{ID: id, Success: true, Content: &res.Content, Model: &res.Model}
}

func failure(id any, msg string) Result {
	return Result{ID: id, Error: &msg}
}

func tierName(tier ratelimit.Tier) string {
	if tier == "" {
		return string(ratelimit.TierFree)
	}
	return string(tier)
}
