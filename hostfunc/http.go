package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/caffeineduck/hostcall/codec"
)

const (
	DefaultMaxURLLength    = 8192
	DefaultMaxBodySize     = 1 << 20 // 1MB
	DefaultRequestTimeout  = 30 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second
)

type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration

	// RatePerSecond limits outbound requests; 0 disables the limiter.
	RatePerSecond float64
	Burst         int

	// BreakerFailures consecutive network, timeout or 5xx failures open
	// the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	Logger *zap.Logger
}

// HTTPFetcher is the Fetcher behind fetch_url. Only GET is issued, only to
// allowed hosts.
type HTTPFetcher struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[fetched]
	logger  *zap.Logger
}

type fetched struct {
	body   string
	status int
	reason string
}

type serverError struct {
	status int
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server error %d", e.status)
}

func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultBreakerFailures
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = DefaultBreakerCooldown
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &HTTPFetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: logger,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	failures := cfg.BreakerFailures
	h.breaker = gobreaker.NewCircuitBreaker[fetched](gobreaker.Settings{
		Name:        "fetch_url",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errBodyTooLarge)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
	return h
}

// Fetch issues a GET for rawURL and returns the body. Every failure is
// classified into a CapabilityError kind.
func (h *HTTPFetcher) Fetch(ctx context.Context, rawURL string) codec.FetchResult {
	if err := h.checkURL(rawURL); err != nil {
		return codec.FetchResult{Err: err}
	}

	if h.limiter != nil && !h.limiter.Allow() {
		return fail(codec.KindUnavailable, "rate limited")
	}

	res, err := h.breaker.Execute(func() (fetched, error) {
		return h.get(ctx, rawURL)
	})
	if err != nil {
		h.logger.Debug("fetch failed", zap.String("url", rawURL), zap.Error(err))
		return classify(err)
	}

	if res.status < 200 || res.status > 299 {
		return fail(codec.KindStatus, fmt.Sprintf("HTTP %d %s", res.status, res.reason))
	}
	return codec.FetchResult{Body: res.body}
}

func (h *HTTPFetcher) checkURL(rawURL string) *codec.CapabilityError {
	if rawURL == "" {
		return &codec.CapabilityError{Kind: codec.KindInvalid, Message: "url required"}
	}
	if len(rawURL) > h.cfg.MaxURLLength {
		return &codec.CapabilityError{Kind: codec.KindInvalid, Message: "url exceeds max length"}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return &codec.CapabilityError{Kind: codec.KindInvalid, Message: "invalid url"}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &codec.CapabilityError{Kind: codec.KindInvalid, Message: "scheme must be http or https"}
	}

	if len(h.cfg.AllowedHosts) == 0 {
		return &codec.CapabilityError{Kind: codec.KindDenied, Message: "http not enabled"}
	}
	host := parsed.Hostname()
	if !h.isHostAllowed(host) {
		return &codec.CapabilityError{Kind: codec.KindDenied, Message: "host not allowed: " + host}
	}
	return nil
}

func (h *HTTPFetcher) get(ctx context.Context, rawURL string) (fetched, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fetched{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fetched{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	res := fetched{status: resp.StatusCode, reason: http.StatusText(resp.StatusCode)}
	if resp.StatusCode >= 500 {
		return res, &serverError{status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize+1))
	if err != nil {
		return fetched{}, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > h.cfg.MaxBodySize {
		return res, errBodyTooLarge
	}
	res.body = strings.ToValidUTF8(string(body), "\uFFFD")
	return res, nil
}

var errBodyTooLarge = errors.New("response body exceeds max size")

func (h *HTTPFetcher) isHostAllowed(host string) bool {
	ip := net.ParseIP(host)
	for _, allowed := range h.cfg.AllowedHosts {
		if ip != nil {
			// IPs match only IPs, in any textual form
			if aip := net.ParseIP(allowed); aip != nil && aip.Equal(ip) {
				return true
			}
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// State reports the circuit breaker state.
func (h *HTTPFetcher) State() gobreaker.State {
	return h.breaker.State()
}

func classify(err error) codec.FetchResult {
	var se *serverError
	var ne net.Error
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fail(codec.KindUnavailable, "circuit open")
	case errors.As(err, &se):
		return fail(codec.KindStatus, fmt.Sprintf("HTTP %d %s", se.status, http.StatusText(se.status)))
	case errors.Is(err, errBodyTooLarge):
		return fail(codec.KindInvalid, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return fail(codec.KindTimeout, err.Error())
	default:
		return fail(codec.KindNetwork, err.Error())
	}
}

func fail(kind codec.ErrorKind, msg string) codec.FetchResult {
	return codec.FetchResult{Err: &codec.CapabilityError{Kind: kind, Message: msg}}
}
