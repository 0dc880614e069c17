// Package analyzer fetches raw room analyses from the layout analyzer service.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kwv/roomcanon/room"
)

const (
	// DefaultTimeout is the default HTTP request timeout for analysis fetches.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts.
	DefaultMaxRetries = 3

	defaultBaseBackoff = 500 * time.Millisecond

	// analyses are small; anything bigger than 4 MB is not one
	maxResponseBytes = 4 << 20
)

// Option configures Fetch.
type Option func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
	headers     http.Header
	log         *zap.Logger
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		headers:     http.Header{},
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts. Values below 1 mean one attempt.
func WithMaxRetries(n int) Option {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between attempts.
func WithBaseBackoff(d time.Duration) Option {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// WithHeader adds a request header, e.g. an API key.
func WithHeader(key, value string) Option {
	return func(c *fetchConfig) {
		c.headers.Add(key, value)
	}
}

// WithLogger logs retries.
func WithLogger(log *zap.Logger) Option {
	return func(c *fetchConfig) {
		c.log = log
	}
}

// StatusError is returned for non-200 analyzer responses.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP GET %s: status %d", e.URL, e.Status)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

// Fetch retrieves a GeometryAnalysis from url. Transport errors and
// temporary HTTP statuses are retried with exponential backoff; client errors
// and undecodable bodies are returned immediately. The result is untrusted:
// pass it through room.Normalize before use.
func Fetch(ctx context.Context, url string, opts ...Option) (*room.GeometryAnalysis, error) {
	if url == "" {
		return nil, fmt.Errorf("fetch analysis: analyzer URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}
	log := cfg.log
	if log == nil {
		log = zap.NewNop()
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			log.Debug("retrying analysis fetch",
				zap.String("url", url),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch analysis: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := doFetch(ctx, client, url, cfg.headers)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !se.Temporary() {
				return nil, fmt.Errorf("fetch analysis: %w", err)
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("fetch analysis: %w", ctx.Err())
			}
			lastErr = err
			continue
		}

		a, err := room.ParseAnalysisJSON(body)
		if err != nil {
			// a malformed document will not improve on retry
			return nil, fmt.Errorf("fetch analysis: %w", err)
		}
		return a, nil
	}

	return nil, fmt.Errorf("fetch analysis: all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

func doFetch(ctx context.Context, client *http.Client, url string, headers http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return body, nil
}
