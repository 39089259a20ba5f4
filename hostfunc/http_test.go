package hostfunc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/caffeineduck/hostcall/codec"
)

func expectErr(t *testing.T, res codec.FetchResult, kind codec.ErrorKind, msg string) {
	t.Helper()
	if res.Err == nil {
		t.Fatalf("expected %s error %q, got body %q", kind, msg, res.Body)
	}
	if res.Err.Kind != kind {
		t.Errorf("expected kind %s, got %s (%s)", kind, res.Err.Kind, res.Err.Message)
	}
	if msg != "" && res.Err.Message != msg {
		t.Errorf("expected %q, got %q", msg, res.Err.Message)
	}
}

func TestFetchBlockedWhenNoHosts(t *testing.T) {
	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: nil})
	res := h.Fetch(context.Background(), "https://example.com")
	expectErr(t, res, codec.KindDenied, "http not enabled")
}

func TestFetchBlockedForUnallowedHost(t *testing.T) {
	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"allowed.com"}})
	res := h.Fetch(context.Background(), "https://evil.com")
	expectErr(t, res, codec.KindDenied, "host not allowed: evil.com")
}

func TestFetchBypassQueryParam(t *testing.T) {
	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"allowed.com"}})
	res := h.Fetch(context.Background(), "https://evil.com/?x=allowed.com")
	expectErr(t, res, codec.KindDenied, "host not allowed: evil.com")
}

func TestFetchBypassSubdomainSuffix(t *testing.T) {
	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"allowed.com"}})
	res := h.Fetch(context.Background(), "https://allowed.com.evil.com/")
	expectErr(t, res, codec.KindDenied, "host not allowed: allowed.com.evil.com")
}

func TestFetchAllowsExactHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}})
	res := h.Fetch(context.Background(), server.URL)
	if !res.Ok() {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Body != `{"ok": true}` {
		t.Errorf("unexpected body %q", res.Body)
	}
}

func TestFetchEmptyBodyIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}})
	res := h.Fetch(context.Background(), server.URL)
	if !res.Ok() || res.Body != "" {
		t.Errorf("expected Ok(\"\"), got %+v", res)
	}
}

func TestFetchAllowsSubdomain(t *testing.T) {
	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"example.com"}})
	if !h.isHostAllowed("api.example.com") {
		t.Error("subdomain should be allowed")
	}
}

func TestFetchMissingURL(t *testing.T) {
	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"example.com"}})
	res := h.Fetch(context.Background(), "")
	expectErr(t, res, codec.KindInvalid, "url required")
}

func TestFetchInvalidURL(t *testing.T) {
	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"example.com"}})
	res := h.Fetch(context.Background(), "://invalid")
	expectErr(t, res, codec.KindInvalid, "invalid url")
}

func TestFetchRejectsScheme(t *testing.T) {
	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"example.com"}})
	res := h.Fetch(context.Background(), "file:///etc/passwd")
	expectErr(t, res, codec.KindInvalid, "scheme must be http or https")
}

// Security tests

func TestFetchURLTooLong(t *testing.T) {
	h := NewHTTPFetcher(HTTPConfig{
		AllowedHosts: []string{"example.com"},
		MaxURLLength: 100,
	})

	longURL := "https://example.com/" + strings.Repeat("a", 200)
	res := h.Fetch(context.Background(), longURL)
	expectErr(t, res, codec.KindInvalid, "url exceeds max length")
}

func TestFetchDefaultMaxURLLength(t *testing.T) {
	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"example.com"}})

	longURL := "https://example.com/" + strings.Repeat("a", 10*1024)
	res := h.Fetch(context.Background(), longURL)
	expectErr(t, res, codec.KindInvalid, "url exceeds max length")
}

func TestFetchStatusError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}})
	res := h.Fetch(context.Background(), server.URL)
	expectErr(t, res, codec.KindStatus, "HTTP 404 Not Found")

	// client errors do not count against the breaker
	if h.State() != gobreaker.StateClosed {
		t.Errorf("expected closed breaker, got %s", h.State())
	}
}

func TestFetchBodyTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}, MaxBodySize: 16})
	res := h.Fetch(context.Background(), server.URL)
	expectErr(t, res, codec.KindInvalid, "response body exceeds max size")
}

func TestFetchBodyExactlyMaxSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 16)))
	}))
	defer server.Close()

	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}, MaxBodySize: 16})
	res := h.Fetch(context.Background(), server.URL)
	if !res.Ok() || len(res.Body) != 16 {
		t.Errorf("expected 16 byte body, got %+v", res)
	}
}

func TestFetchInvalidUTF8Replaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{'o', 'k', 0xff})
	}))
	defer server.Close()

	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}})
	res := h.Fetch(context.Background(), server.URL)
	if res.Body != "ok\uFFFD" {
		t.Errorf("unexpected body %q", res.Body)
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	h := NewHTTPFetcher(HTTPConfig{
		AllowedHosts:   []string{"127.0.0.1"},
		RequestTimeout: 50 * time.Millisecond,
	})
	res := h.Fetch(context.Background(), server.URL)
	expectErr(t, res, codec.KindTimeout, "")
}

func TestFetchNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}})
	res := h.Fetch(context.Background(), url)
	expectErr(t, res, codec.KindNetwork, "")
}

func TestFetchBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	h := NewHTTPFetcher(HTTPConfig{
		AllowedHosts:    []string{"127.0.0.1"},
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})

	expectErr(t, h.Fetch(context.Background(), server.URL), codec.KindStatus, "HTTP 502 Bad Gateway")
	expectErr(t, h.Fetch(context.Background(), server.URL), codec.KindStatus, "HTTP 502 Bad Gateway")
	expectErr(t, h.Fetch(context.Background(), server.URL), codec.KindUnavailable, "circuit open")

	if n := calls.Load(); n != 2 {
		t.Errorf("expected 2 upstream calls, got %d", n)
	}
	if h.State() != gobreaker.StateOpen {
		t.Errorf("expected open breaker, got %s", h.State())
	}
}

func TestFetchRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	h := NewHTTPFetcher(HTTPConfig{
		AllowedHosts:  []string{"127.0.0.1"},
		RatePerSecond: 0.001,
		Burst:         1,
	})

	if res := h.Fetch(context.Background(), server.URL); !res.Ok() {
		t.Fatalf("first fetch failed: %v", res.Err)
	}
	expectErr(t, h.Fetch(context.Background(), server.URL), codec.KindUnavailable, "rate limited")
}

func TestFetchIPv6Normalization(t *testing.T) {
	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"::1"}})

	tests := []struct {
		host    string
		allowed bool
	}{
		{"::1", true},
		{"0:0:0:0:0:0:0:1", true}, // expanded form
		{"::2", false},
		{"example.com", false}, // domain shouldn't match IP
	}

	for _, tc := range tests {
		got := h.isHostAllowed(tc.host)
		if got != tc.allowed {
			t.Errorf("isHostAllowed(%q) = %v, want %v", tc.host, got, tc.allowed)
		}
	}
}

func TestFetchIPNoSubdomainBypass(t *testing.T) {
	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"example.com"}})

	// IP addresses should not match domain allowlists via subdomain logic
	tests := []string{
		"::1",
		"127.0.0.1",
		"192.168.1.1",
		"2001:db8::1",
	}

	for _, host := range tests {
		if h.isHostAllowed(host) {
			t.Errorf("IP %q should not match domain allowlist", host)
		}
	}
}

func TestFetchIPv4Matching(t *testing.T) {
	h := NewHTTPFetcher(HTTPConfig{AllowedHosts: []string{"192.168.1.1"}})

	tests := []struct {
		host    string
		allowed bool
	}{
		{"192.168.1.1", true},
		{"192.168.1.2", false},
		{"example.com", false},
	}

	for _, tc := range tests {
		got := h.isHostAllowed(tc.host)
		if got != tc.allowed {
			t.Errorf("isHostAllowed(%q) = %v, want %v", tc.host, got, tc.allowed)
		}
	}
}
