package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type allowAll struct{}

func (allowAll) ValidateForFetch(context.Context, string) error { return nil }

// denyMatching blocks any URL containing the given substring.
type denyMatching struct{ substr string }

func (d denyMatching) ValidateForFetch(_ context.Context, rawURL string) error {
	if strings.Contains(rawURL, d.substr) {
		return fmt.Errorf("blocked hostname")
	}
	return nil
}

func fetchErrFrom(t *testing.T, err error) *Error {
	t.Helper()
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *fetch.Error, got %v", err)
	}
	return fe
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != userAgent {
			t.Errorf("unexpected User-Agent %q", got)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>hello</body></html>")
	}))
	defer srv.Close()

	f := New(allowAll{})
	res, err := f.Fetch(context.Background(), srv.URL+"/page", Options{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.Body != "<html><body>hello</body></html>" {
		t.Errorf("unexpected body %q", res.Body)
	}
	if res.StatusCode != 200 {
		t.Errorf("unexpected status %d", res.StatusCode)
	}
	if res.FinalURL != srv.URL+"/page" {
		t.Errorf("unexpected final URL %q", res.FinalURL)
	}
	if res.Headers["content-type"] != "text/html; charset=utf-8" {
		t.Errorf("expected lowercased header keys, got %v", res.Headers)
	}
	if len(res.RedirectChain) != 0 {
		t.Errorf("expected empty redirect chain, got %v", res.RedirectChain)
	}
}

func TestFetch_FollowsRedirectsAndRecordsChain(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/middle", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		// Relative Location, resolved against the current URL.
		w.Header().Set("Location", "end")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "done")
	})

	f := New(allowAll{})
	res, err := f.Fetch(context.Background(), srv.URL+"/start", Options{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.Body != "done" {
		t.Errorf("unexpected body %q", res.Body)
	}
	if res.FinalURL != srv.URL+"/end" {
		t.Errorf("unexpected final URL %q", res.FinalURL)
	}
	if len(res.RedirectChain) != 2 {
		t.Fatalf("expected 2 hops, got %v", res.RedirectChain)
	}
	if res.RedirectChain[0].Status != 301 || res.RedirectChain[1].Status != 302 {
		t.Errorf("unexpected hop statuses %v", res.RedirectChain)
	}
	if res.RedirectChain[1].To != srv.URL+"/end" {
		t.Errorf("expected relative redirect resolution, got %q", res.RedirectChain[1].To)
	}
}

func TestFetch_BlockedRedirectKeepsChain(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/internal-admin", http.StatusFound)
	})

	f := New(denyMatching{substr: "internal-admin"})
	_, err := f.Fetch(context.Background(), srv.URL+"/start", Options{})
	fe := fetchErrFrom(t, err)
	if fe.Code != CodeBlockedRedirect {
		t.Errorf("expected BLOCKED_REDIRECT, got %s", fe.Code)
	}
	if len(fe.Chain) != 1 || fe.Chain[0].From != srv.URL+"/start" {
		t.Errorf("expected partial chain with the walked hop, got %v", fe.Chain)
	}
}

func TestFetch_BlockedInitialURL(t *testing.T) {
	f := New(denyMatching{substr: "evil"})
	_, err := f.Fetch(context.Background(), "http://evil.example.com/", Options{})
	fe := fetchErrFrom(t, err)
	if fe.Code != CodeBlockedURL {
		t.Errorf("expected BLOCKED_URL, got %s", fe.Code)
	}
	if len(fe.Chain) != 0 {
		t.Errorf("expected empty chain, got %v", fe.Chain)
	}
}

func TestFetch_TooManyRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	f := New(allowAll{})
	_, err := f.Fetch(context.Background(), srv.URL+"/a", Options{MaxRedirects: 3})
	fe := fetchErrFrom(t, err)
	if fe.Code != CodeTooManyRedirects {
		t.Errorf("expected TOO_MANY_REDIRECTS, got %s", fe.Code)
	}
	if len(fe.Chain) != 4 {
		t.Errorf("expected chain of maxRedirects+1 hops, got %d", len(fe.Chain))
	}
}

func TestFetch_RedirectWithoutLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	f := New(allowAll{})
	_, err := f.Fetch(context.Background(), srv.URL, Options{})
	if fe := fetchErrFrom(t, err); fe.Code != CodeInvalidRedirect {
		t.Errorf("expected INVALID_REDIRECT, got %s", fe.Code)
	}
}

func TestFetch_HTTPErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := New(allowAll{})
	_, err := f.Fetch(context.Background(), srv.URL, Options{})
	fe := fetchErrFrom(t, err)
	if fe.Code != CodeHTTPError || fe.StatusCode != 404 {
		t.Errorf("expected HTTP_ERROR 404, got %s %d", fe.Code, fe.StatusCode)
	}
}

func TestFetch_DeclaredContentLengthTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "99")
		fmt.Fprint(w, strings.Repeat("a", 99))
	}))
	defer srv.Close()

	f := New(allowAll{})
	_, err := f.Fetch(context.Background(), srv.URL, Options{MaxSize: 50})
	if fe := fetchErrFrom(t, err); fe.Code != CodeResponseTooLarge {
		t.Errorf("expected RESPONSE_TOO_LARGE, got %s", fe.Code)
	}
}

func TestFetch_StreamedBodyOverLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("response writer does not support flushing")
		}
		for i := 0; i < 10; i++ {
			fmt.Fprint(w, strings.Repeat("b", 100))
			fl.Flush()
		}
	}))
	defer srv.Close()

	f := New(allowAll{})
	_, err := f.Fetch(context.Background(), srv.URL, Options{MaxSize: 500})
	if fe := fetchErrFrom(t, err); fe.Code != CodeResponseTooLarge {
		t.Errorf("expected RESPONSE_TOO_LARGE, got %s", fe.Code)
	}
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	f := New(allowAll{})
	_, err := f.Fetch(context.Background(), srv.URL, Options{Timeout: 30 * time.Millisecond})
	if fe := fetchErrFrom(t, err); fe.Code != CodeFetchTimeout {
		t.Errorf("expected FETCH_TIMEOUT, got %s", fe.Code)
	}
}

func TestFetch_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	f := New(allowAll{})
	_, err = f.Fetch(context.Background(), "http://"+addr+"/", Options{})
	if fe := fetchErrFrom(t, err); fe.Code != CodeConnectionError {
		t.Errorf("expected CONNECTION_ERROR, got %s", fe.Code)
	}
}

func TestOptions_Clamped(t *testing.T) {
	o := Options{Timeout: 5 * time.Minute, MaxRedirects: 50}.withDefaults()
	if o.Timeout != MaxTimeout {
		t.Errorf("timeout not clamped: %v", o.Timeout)
	}
	if o.MaxRedirects != MaxRedirects {
		t.Errorf("redirects not clamped: %d", o.MaxRedirects)
	}
	if o.MaxSize != DefaultMaxSize {
		t.Errorf("expected default max size, got %d", o.MaxSize)
	}
}
