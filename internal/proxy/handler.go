package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/contentforge/ai-proxy/internal/apperror"
	"github.com/contentforge/ai-proxy/internal/batch"
	"github.com/contentforge/ai-proxy/internal/fetch"
	"github.com/contentforge/ai-proxy/internal/gateway"
	"github.com/contentforge/ai-proxy/pkg/ratelimit"
)

const version = "1.0.0"

type Handler struct {
	gateway        *gateway.Gateway
	batch          *batch.Executor
	fetcher        *fetch.Fetcher
	reports        *ratelimit.Limiter
	logger         *zap.Logger
	startedAt      time.Time
	authConfigured bool
}

func NewHandler(gw *gateway.Gateway, ex *batch.Executor, fetcher *fetch.Fetcher, reports *ratelimit.Limiter, authConfigured bool, logger *zap.Logger) *Handler {
	return &Handler{
		gateway:        gw,
		batch:          ex,
		fetcher:        fetcher,
		reports:        reports,
		logger:         logger,
		startedAt:      time.Now(),
		authConfigured: authConfigured,
	}
}

// HandleAI serves completion requests in any of the accepted shapes.
func (h *Handler) HandleAI(w http.ResponseWriter, r *http.Request) {
	var raw gateway.RawRequest
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		h.writeAIError(w, apperror.BadRequest("Invalid JSON body"))
		return
	}

	req, err := gateway.Normalize(&raw)
	if err != nil {
		h.writeAIError(w, err)
		return
	}

	res, err := h.gateway.Complete(r.Context(), req)
	if err != nil {
		h.writeAIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"content": res.Content,
		"model":   res.Model,
	})
}

// HandleBatch runs up to batch.MaxSize completion requests concurrently.
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	key, tier := limitKey(r)

	var body struct {
		Requests []batch.Item `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeAIError(w, apperror.BadRequest("Invalid JSON body"))
		return
	}

	results, err := h.batch.Run(r.Context(), key, tier, body.Requests)
	if err != nil {
		h.writeAIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// fetchRequest is the POST /api/fetch-url body.
type fetchRequest struct {
	URL     string `json:"url"`
	Options struct {
		Timeout      int `json:"timeout"`
		MaxRedirects int `json:"maxRedirects"`
	} `json:"options"`
}

// HandleFetch retrieves a page server-side for readability analysis.
func (h *Handler) HandleFetch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeFetchFailure(w, http.StatusBadRequest, "INVALID_PAYLOAD", "Invalid JSON body", nil)
		return
	}
	if req.URL == "" {
		h.writeFetchFailure(w, http.StatusBadRequest, "MISSING_URL", "URL is required", nil)
		return
	}

	opts := fetch.Options{
		Timeout:      time.Duration(req.Options.Timeout) * time.Millisecond,
		MaxRedirects: req.Options.MaxRedirects,
	}

	res, err := h.fetcher.Fetch(r.Context(), req.URL, opts)
	fetchTimeMs := time.Since(start).Milliseconds()
	if err != nil {
		h.writeFetchError(w, err, req.URL, fetchTimeMs)
		return
	}

	contentType := res.Headers["content-type"]
	if !isTextContent(contentType) {
		mediaType := strings.TrimSpace(strings.Split(contentType, ";")[0])
		h.writeFetchFailure(w, http.StatusUnsupportedMediaType, "NOT_HTML",
			"URL returned "+mediaType+" content, not HTML.", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"html":          res.Body,
			"url":           req.URL,
			"finalUrl":      res.FinalURL,
			"statusCode":    res.StatusCode,
			"headers":       res.Headers,
			"redirectChain": res.RedirectChain,
			"fetchTimeMs":   fetchTimeMs,
			"contentLength": len(res.Body),
		},
	})
}

func isTextContent(contentType string) bool {
	return strings.Contains(contentType, "text/html") ||
		strings.Contains(contentType, "application/xhtml") ||
		strings.Contains(contentType, "text/plain")
}

// errorReport is a client-submitted error. Unauthenticated, so nothing in it
// is trusted beyond being loggable text.
type errorReport struct {
	Context   string          `json:"context"`
	Message   string          `json:"message"`
	Stack     string          `json:"stack"`
	Metadata  json.RawMessage `json:"metadata"`
	Timestamp string          `json:"timestamp"`
	URL       string          `json:"url"`
}

// HandleErrors ingests frontend error reports. IP rate limited since it
// takes no auth.
func (h *Handler) HandleErrors(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if d := h.reports.Allow("ip:"+ip, ""); !d.Allowed {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "Too many error reports",
			"code":  "RATE_LIMITED",
		})
		return
	}

	var report errorReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil || report.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "Missing error message",
			"code":  "INVALID_PAYLOAD",
		})
		return
	}

	h.logger.Error("client error report",
		zap.String("source", "client"),
		zap.String("context", orUnknown(report.Context)),
		zap.String("message", truncate(report.Message, 2000)),
		zap.String("stack", truncate(report.Stack, 5000)),
		zap.String("client_url", report.URL),
		zap.String("client_timestamp", report.Timestamp),
		zap.String("ip", ip))

	writeJSON(w, http.StatusAccepted, map[string]any{"received": true})
}

// HandleHealth reports service status. No auth so that load balancers and
// uptime monitors can poll it.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	services := make(map[string]string)
	for name, configured := range h.gateway.Configured() {
		if configured {
			services[name] = "configured"
		} else {
			services[name] = "not_configured"
		}
	}
	if h.authConfigured {
		services["auth"] = "configured"
	} else {
		services["auth"] = "not_configured"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    int(time.Since(h.startedAt).Seconds()),
		"version":   version,
		"services":  services,
	})
}

// HandleNotFound is the JSON 404 fallback.
func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": "Route not found: " + r.Method + " " + r.URL.Path,
		"code":  "NOT_FOUND",
	})
}

// writeAIError renders a classified error in the flat envelope the AI
// endpoints use.
func (h *Handler) writeAIError(w http.ResponseWriter, err error) {
	appErr := apperror.From(err)

	body := map[string]any{
		"error": appErr.Message,
		"code":  appErr.Code,
	}
	if appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(appErr.RetryAfter))
		body["retryAfter"] = appErr.RetryAfter
	}
	if appErr.Code == apperror.CodeRateLimited {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(appErr.Limit))
		w.Header().Set("X-RateLimit-Remaining", "0")
		body["limit"] = appErr.Limit
		body["tier"] = appErr.Tier
	}
	if appErr.Code == apperror.CodeInternal {
		h.logger.Error("unclassified handler error", zap.Error(err))
	}

	writeJSON(w, appErr.Status, body)
}

// writeFetchError maps fetch failures to the success/error envelope.
func (h *Handler) writeFetchError(w http.ResponseWriter, err error, url string, fetchTimeMs int64) {
	var fe *fetch.Error
	if !errors.As(err, &fe) {
		h.logger.Error("unclassified fetch error", zap.Error(err))
		h.writeFetchFailure(w, http.StatusInternalServerError, fetch.CodeFetchError,
			"Failed to fetch URL content", nil)
		return
	}

	switch fe.Code {
	case fetch.CodeBlockedURL, fetch.CodeBlockedRedirect:
		h.writeFetchFailure(w, http.StatusForbidden, fe.Code, fe.Message, fe.Chain)
	case fetch.CodeFetchTimeout:
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{
			"success": false,
			"error": map[string]any{
				"code":        fe.Code,
				"message":     "Request timed out",
				"fetchTimeMs": fetchTimeMs,
			},
		})
	case fetch.CodeResponseTooLarge:
		h.writeFetchFailure(w, http.StatusRequestEntityTooLarge, fe.Code, fe.Message, fe.Chain)
	case fetch.CodeTooManyRedirects, fetch.CodeInvalidRedirect:
		h.writeFetchFailure(w, http.StatusBadGateway, fe.Code, fe.Message, fe.Chain)
	case fetch.CodeHTTPError:
		switch fe.StatusCode {
		case http.StatusNotFound:
			h.writeFetchFailure(w, http.StatusNotFound, "NOT_FOUND",
				`Page not found at "`+url+`"`, fe.Chain)
		case http.StatusForbidden:
			h.writeFetchFailure(w, http.StatusForbidden, "ACCESS_DENIED",
				"Access denied by the target server", fe.Chain)
		default:
			h.writeFetchFailure(w, http.StatusBadGateway, "UPSTREAM_ERROR",
				"Target server returned HTTP "+strconv.Itoa(fe.StatusCode), fe.Chain)
		}
	case fetch.CodeDNSError:
		h.writeFetchFailure(w, http.StatusBadGateway, fe.Code,
			`Could not resolve hostname for "`+url+`"`, fe.Chain)
	case fetch.CodeConnectionError:
		h.writeFetchFailure(w, http.StatusBadGateway, fe.Code,
			`Could not connect to "`+url+`"`, fe.Chain)
	case fetch.CodeSSLError:
		h.writeFetchFailure(w, http.StatusBadGateway, fe.Code,
			`SSL/TLS error connecting to "`+url+`"`, fe.Chain)
	default:
		h.logger.Error("fetch failed", zap.String("url", url), zap.Error(err))
		h.writeFetchFailure(w, http.StatusInternalServerError, fetch.CodeFetchError,
			"Failed to fetch URL content", fe.Chain)
	}
}

func (h *Handler) writeFetchFailure(w http.ResponseWriter, status int, code, message string, chain []fetch.Hop) {
	errBody := map[string]any{"code": code, "message": message}
	if len(chain) > 0 {
		errBody["redirectChain"] = chain
	}
	writeJSON(w, status, map[string]any{"success": false, "error": errBody})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
