package bitmex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"vpin_mm/internal/domain"
	"vpin_mm/internal/infra"

	json "github.com/goccy/go-json"
)

const duplicateClOrdIDMessage = "Duplicate clOrdID"

// RetryPolicy holds the fixed backoffs of the command client.
type RetryPolicy struct {
	RateLimitBackoff   time.Duration // 429
	UnavailableBackoff time.Duration // 503
	ConnectionBackoff  time.Duration // dial / reset errors; timeouts retry at once
	MaxRetries         int
}

// Client is the BitMEX REST API Client (Boundary Layer).
// Calls are synchronous; retries sleep the calling goroutine.
type Client struct {
	baseURL    string
	symbol     string
	prefix     string
	userAgent  string
	httpClient *http.Client
	signer     *Signer
	policy     RetryPolicy
	journal    domain.CommandJournal
	metrics    *infra.Metrics
	logger     *slog.Logger

	exit     func(code int)
	sleep    func(ctx context.Context, d time.Duration) error
	newToken func() string
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the transport, e.g. for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithExitFunc replaces os.Exit for fatal responses.
func WithExitFunc(exit func(code int)) ClientOption {
	return func(c *Client) { c.exit = exit }
}

// WithJournal records write commands by idempotency token.
func WithJournal(j domain.CommandJournal) ClientOption {
	return func(c *Client) { c.journal = j }
}

// WithClientMetrics overrides the metrics sink.
func WithClientMetrics(m *infra.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = sleep }
}

// NewClient creates a new BitMEX API client.
func NewClient(cfg *infra.Config, opts ...ClientOption) (*Client, error) {
	if len(cfg.BitMEX.OrderIDPrefix) > infra.MaxOrderIDPrefixLen {
		return nil, &domain.ConfigError{
			Field: "bitmex.order_id_prefix",
			Err:   fmt.Errorf("must be at most %d characters long", infra.MaxOrderIDPrefixLen),
		}
	}

	c := &Client{
		baseURL:   cfg.BitMEX.RestURL,
		symbol:    cfg.BitMEX.Symbol,
		prefix:    cfg.BitMEX.OrderIDPrefix,
		userAgent: "vpinbot-" + cfg.App.Version,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout(),
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		signer: NewSigner(cfg.BitMEX.APIKey, cfg.BitMEX.APISecret),
		policy: RetryPolicy{
			RateLimitBackoff:   time.Duration(cfg.Retry.RateLimitBackoffMS) * time.Millisecond,
			UnavailableBackoff: time.Duration(cfg.Retry.UnavailableBackoffMS) * time.Millisecond,
			ConnectionBackoff:  time.Duration(cfg.Retry.ConnectionBackoffMS) * time.Millisecond,
			MaxRetries:         cfg.Retry.MaxRetries,
		},
		metrics:  infra.GlobalMetrics,
		logger:   slog.Default().With("module", "bitmex_client"),
		exit:     os.Exit,
		sleep:    sleepContext,
		newToken: nil,
	}
	c.newToken = c.defaultToken

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Symbol returns the tracked symbol.
func (c *Client) Symbol() string { return c.symbol }

// OrderIDPrefix returns the clOrdID namespace of this client.
func (c *Client) OrderIDPrefix() string { return c.prefix }

// Signer exposes the signer so the stream can authenticate with the same key.
func (c *Client) Signer() *Signer { return c.signer }

// request describes one logical command. Resubmissions reuse the same body bytes.
type request struct {
	verb    string
	path    string
	query   url.Values
	body    any
	rethrow bool

	// orders sent by this request, checked when the exchange reports a duplicate clOrdID
	orders    []domain.OrderRequest
	recovered bool
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Name    string `json:"name"`
	} `json:"error"`
}

// do sends req and applies the status policy in a bounded loop.
// A nil body with a nil error means "404 on DELETE": the target is already gone.
func (c *Client) do(ctx context.Context, req *request) ([]byte, error) {
	var payload []byte
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", req.verb, req.path, err)
		}
		payload = b
	}

	fullURL := c.baseURL + req.path
	if len(req.query) > 0 {
		fullURL += "?" + req.query.Encode()
	}
	parsed, err := url.Parse(fullURL)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	signPath := parsed.RequestURI()

	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		status, body, err := c.send(ctx, req.verb, fullURL, signPath, payload)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if isTimeout(err) {
				c.logger.Warn("Timed out, retrying...", slog.String("path", req.path))
				c.metrics.RecordRetry("timeout")
				continue
			}
			c.logger.Warn("Unable to contact the BitMEX API, retrying",
				slog.String("verb", req.verb), slog.String("path", req.path), slog.Any("error", err))
			c.metrics.RecordRetry("connection")
			if err := c.sleep(ctx, c.policy.ConnectionBackoff); err != nil {
				return nil, err
			}
			continue
		}

		if status >= 200 && status < 300 {
			return body, nil
		}

		apiErr := &domain.APIError{Status: status, Verb: req.verb, Path: req.path, Body: string(body)}
		var eb apiErrorBody
		if json.Unmarshal(body, &eb) == nil {
			apiErr.Message = eb.Error.Message
		}

		switch {
		case status == http.StatusUnauthorized:
			c.logger.Error("Login information or API Key incorrect, please check and restart.",
				slog.String("body", string(body)), slog.String("payload", string(payload)))
			// Fatal even when the caller asked for errors.
			c.exit(1)
			return nil, apiErr

		case status == http.StatusNotFound:
			if req.verb == http.MethodDelete {
				c.logger.Error("Order not found", slog.String("payload", string(payload)))
				return nil, nil
			}
			c.logger.Error("Unable to contact the BitMEX API (404)",
				slog.String("url", fullURL), slog.String("payload", string(payload)))
			return nil, c.maybeExit(req, apiErr)

		case status == http.StatusTooManyRequests:
			c.logger.Error("Ratelimited on current request. Sleeping, then trying again.",
				slog.String("url", fullURL), slog.String("payload", string(payload)))
			c.metrics.RecordRetry("rate_limit")
			if err := c.sleep(ctx, c.policy.RateLimitBackoff); err != nil {
				return nil, err
			}
			continue

		case status == http.StatusServiceUnavailable:
			c.logger.Warn("Unable to contact the BitMEX API (503), retrying.",
				slog.String("url", fullURL), slog.String("payload", string(payload)))
			c.metrics.RecordRetry("unavailable")
			if err := c.sleep(ctx, c.policy.UnavailableBackoff); err != nil {
				return nil, err
			}
			continue

		case status == http.StatusBadRequest && apiErr.Message == duplicateClOrdIDMessage && len(req.orders) > 0:
			return c.recoverDuplicate(ctx, req)

		default:
			c.logger.Error("Unhandled Error",
				slog.Any("error", apiErr),
				slog.String("verb", req.verb), slog.String("path", req.path), slog.String("payload", string(payload)))
			return nil, c.maybeExit(req, apiErr)
		}
	}

	return nil, fmt.Errorf("%s %s: %w after %d attempts", req.verb, req.path, domain.ErrRetriesExhausted, c.policy.MaxRetries+1)
}

func (c *Client) maybeExit(req *request, err error) error {
	if !req.rethrow {
		c.exit(1)
	}
	return err
}

func (c *Client) send(ctx context.Context, verb, fullURL, signPath string, payload []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, verb, fullURL, bodyReader)
	if err != nil {
		return 0, nil, err
	}

	httpReq.Header.Set("user-agent", c.userAgent)
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("accept", "application/json")
	if c.signer.HasCredentials() {
		for k, v := range c.signer.GenerateHeaders(verb, signPath, string(payload)) {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.RecordRequest(verb, 0)
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordRequest(verb, 0)
		return 0, nil, err
	}
	c.metrics.RecordRequest(verb, resp.StatusCode)
	return resp.StatusCode, body, nil
}

// recoverDuplicate looks up every order of req by clOrdID. The request is
// accepted only if each found order matches what we sent.
func (c *Client) recoverDuplicate(ctx context.Context, req *request) ([]byte, error) {
	found := make([]domain.Order, 0, len(req.orders))
	for _, sent := range req.orders {
		orders, err := c.OrdersByClOrdID(ctx, sent.ClOrdID)
		if err != nil {
			return nil, fmt.Errorf("recover duplicate %s: %w", sent.ClOrdID, err)
		}
		if len(orders) == 0 {
			return nil, fmt.Errorf("%w: no order with clOrdID %s", domain.ErrDuplicateMismatch, sent.ClOrdID)
		}
		if !sameOrder(sent, orders[0]) {
			c.logger.Error("Attempted to recover from duplicate clOrdID, but order returned from API did not match",
				slog.Any("sent", sent), slog.Any("returned", orders[0]))
			return nil, fmt.Errorf("%w: clOrdID %s", domain.ErrDuplicateMismatch, sent.ClOrdID)
		}
		found = append(found, orders[0])
	}

	c.logger.Info("Recovered duplicate clOrdID", slog.Int("orders", len(found)))
	req.recovered = true
	if len(found) == 1 && !isBulk(req) {
		return json.Marshal(found[0])
	}
	return json.Marshal(found)
}

func isBulk(req *request) bool {
	_, ok := req.body.(bulkRequest)
	return ok
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
