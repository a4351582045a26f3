// Package fetch retrieves HTML from user-supplied URLs on the server side.
// Redirects are followed manually so every hop can be re-validated, and
// response bodies are read under a hard size cap.
package fetch

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
	MaxTimeout     = 30 * time.Second
	MaxRedirects   = 5
	DefaultMaxSize = 10 << 20

	userAgent = "ContentStrategyPortal/1.0 AIReadabilityChecker"
	acceptHdr = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// Error code vocabulary surfaced to clients.
const (
	CodeBlockedURL       = "BLOCKED_URL"
	CodeBlockedRedirect  = "BLOCKED_REDIRECT"
	CodeInvalidRedirect  = "INVALID_REDIRECT"
	CodeTooManyRedirects = "TOO_MANY_REDIRECTS"
	CodeResponseTooLarge = "RESPONSE_TOO_LARGE"
	CodeHTTPError        = "HTTP_ERROR"
	CodeFetchTimeout     = "FETCH_TIMEOUT"
	CodeDNSError         = "DNS_ERROR"
	CodeConnectionError  = "CONNECTION_ERROR"
	CodeSSLError         = "SSL_ERROR"
	CodeFetchError       = "FETCH_ERROR"
)

// Options bounds a single fetch. Zero values take the defaults and nothing
// may exceed the hard caps.
type Options struct {
	Timeout      time.Duration
	MaxRedirects int
	MaxSize      int64
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 || o.Timeout > MaxTimeout {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRedirects <= 0 || o.MaxRedirects > MaxRedirects {
		o.MaxRedirects = MaxRedirects
	}
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	return o
}

// Hop records one redirect that was followed.
type Hop struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Status int    `json:"status"`
}

// Result is a completed fetch.
type Result struct {
	Body          string
	FinalURL      string
	StatusCode    int
	Headers       map[string]string
	RedirectChain []Hop
}

// Error carries the client-facing code plus whatever redirect chain had been
// walked before the failure.
type Error struct {
	Code       string
	Message    string
	StatusCode int
	Chain      []Hop
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch failed (%s): %s", e.Code, e.Message)
}

// Validator is the per-hop URL check. The ssrf guard satisfies it.
type Validator interface {
	ValidateForFetch(ctx context.Context, rawURL string) error
}

type Fetcher struct {
	guard  Validator
	client *http.Client
}

func New(guard Validator) *Fetcher {
	return &Fetcher{
		guard: guard,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

var errTooLarge = errors.New("response body over size limit")

// Fetch retrieves the URL, following up to MaxRedirects redirects and
// re-validating every hop. All failures return *Error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	currentURL := rawURL
	var chain []Hop

	for hop := 0; hop <= opts.MaxRedirects; hop++ {
		if err := f.guard.ValidateForFetch(ctx, currentURL); err != nil {
			code := CodeBlockedURL
			msg := err.Error()
			if hop > 0 {
				code = CodeBlockedRedirect
				msg = "Redirect to blocked URL: " + msg
			}
			return nil, &Error{Code: code, Message: msg, Chain: chain}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, currentURL, nil)
		if err != nil {
			return nil, &Error{Code: CodeFetchError, Message: "invalid URL: " + err.Error(), Chain: chain}
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", acceptHdr)
		req.Header.Set("Accept-Language", "en-US,en;q=0.5")

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, classifyTransport(err, chain)
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, &Error{
					Code:    CodeInvalidRedirect,
					Message: "Redirect without Location header",
					Chain:   chain,
				}
			}
			next, err := req.URL.Parse(loc)
			if err != nil {
				return nil, &Error{
					Code:    CodeInvalidRedirect,
					Message: "Unparseable redirect target: " + loc,
					Chain:   chain,
				}
			}
			chain = append(chain, Hop{From: currentURL, To: next.String(), Status: resp.StatusCode})
			currentURL = next.String()
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, &Error{
				Code:       CodeHTTPError,
				Message:    fmt.Sprintf("HTTP %d", resp.StatusCode),
				StatusCode: resp.StatusCode,
				Chain:      chain,
			}
		}

		if resp.ContentLength > opts.MaxSize {
			resp.Body.Close()
			return nil, &Error{
				Code:    CodeResponseTooLarge,
				Message: fmt.Sprintf("Response too large: %d bytes (max %d)", resp.ContentLength, opts.MaxSize),
				Chain:   chain,
			}
		}

		body, err := readBounded(resp.Body, opts.MaxSize)
		resp.Body.Close()
		if err != nil {
			if errors.Is(err, errTooLarge) {
				return nil, &Error{
					Code:    CodeResponseTooLarge,
					Message: fmt.Sprintf("Response body exceeds %d bytes", opts.MaxSize),
					Chain:   chain,
				}
			}
			return nil, classifyTransport(err, chain)
		}

		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[strings.ToLower(k)] = resp.Header.Get(k)
		}

		return &Result{
			Body:          string(body),
			FinalURL:      currentURL,
			StatusCode:    resp.StatusCode,
			Headers:       headers,
			RedirectChain: chain,
		}, nil
	}

	return nil, &Error{
		Code:    CodeTooManyRedirects,
		Message: fmt.Sprintf("Too many redirects (%d)", opts.MaxRedirects),
		Chain:   chain,
	}
}

func readBounded(r io.Reader, maxSize int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxSize {
		return nil, errTooLarge
	}
	return body, nil
}

func classifyTransport(err error, chain []Hop) *Error {
	var dnsErr *net.DNSError
	var certErr *x509.CertificateInvalidError
	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeFetchTimeout, Message: "Request timed out", Chain: chain}
	case errors.As(err, &dnsErr):
		return &Error{Code: CodeDNSError, Message: "Could not resolve hostname", Chain: chain}
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return &Error{Code: CodeConnectionError, Message: "Could not connect to server", Chain: chain}
	case errors.As(err, &certErr), errors.As(err, &unknownAuth), errors.As(err, &hostnameErr),
		strings.Contains(err.Error(), "tls:"), strings.Contains(err.Error(), "certificate"):
		return &Error{Code: CodeSSLError, Message: "SSL/TLS error connecting to server", Chain: chain}
	default:
		return &Error{Code: CodeFetchError, Message: "Failed to fetch URL content", Chain: chain}
	}
}
