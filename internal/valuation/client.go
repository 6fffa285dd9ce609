// Package valuation prices participant portfolios using the prediction
// market's public API.
package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/chain/ratelimit"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/metrics"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/retry"
)

const (
	DefaultBaseURL = "https://clob.polymarket.com"
	DefaultTimeout = 30 * time.Second

	maxResponseBytes    = 8 << 20
	maxErrorBodyPreview = 512
)

var (
	// ErrNotFound is matched by HTTP 404 responses.
	ErrNotFound = errors.New("valuation: not found")
	// ErrMalformedResponse is returned when a 2xx body cannot be decoded.
	ErrMalformedResponse = errors.New("valuation: malformed response")
)

// HTTPError is a non-2xx answer from the valuation API.
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: http status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatus() int {
	return e.StatusCode
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// API is the valuation API surface used by Provider.
type API interface {
	GetPortfolio(ctx context.Context, wallet string) (*PortfolioResponse, error)
	GetPositions(ctx context.Context, wallet string) ([]PositionRecord, error)
	GetMarkets(ctx context.Context, ids []string) ([]MarketRecord, error)
	GetTrades(ctx context.Context, wallet string, limit int, order string) ([]TradeRecord, error)
	Health(ctx context.Context) error
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func NewClient(baseURL, apiKey string, logger *slog.Logger, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		logger:     logger.With("component", "valuation_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) GetPortfolio(ctx context.Context, wallet string) (*PortfolioResponse, error) {
	var resp PortfolioResponse
	if err := c.get(ctx, "portfolio", "/portfolio/"+url.PathEscape(wallet), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetPositions(ctx context.Context, wallet string) ([]PositionRecord, error) {
	var resp struct {
		Positions []PositionRecord `json:"positions"`
	}
	if err := c.get(ctx, "positions", "/positions", url.Values{"wallet": {wallet}}, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

func (c *Client) GetMarkets(ctx context.Context, ids []string) ([]MarketRecord, error) {
	var resp struct {
		Markets []MarketRecord `json:"markets"`
	}
	if err := c.get(ctx, "markets", "/markets", url.Values{"ids": {strings.Join(ids, ",")}}, &resp); err != nil {
		return nil, err
	}
	return resp.Markets, nil
}

func (c *Client) GetTrades(ctx context.Context, wallet string, limit int, order string) ([]TradeRecord, error) {
	params := url.Values{
		"wallet": {wallet},
		"limit":  {strconv.Itoa(limit)},
		"order":  {order},
	}
	var resp struct {
		Trades []TradeRecord `json:"trades"`
	}
	if err := c.get(ctx, "trades", "/trades", params, &resp); err != nil {
		return nil, err
	}
	return resp.Trades, nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "health", "/health", nil, nil)
}

func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values, out any) (err error) {
	defer func() {
		metrics.ValuationAPICalls.WithLabelValues(endpoint, callStatus(err)).Inc()
	}()

	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := string(body)
		if len(preview) > maxErrorBodyPreview {
			preview = preview[:maxErrorBodyPreview]
		}
		return &HTTPError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: preview}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return retry.Terminal(fmt.Errorf("%w: %s: %v", ErrMalformedResponse, endpoint, err))
	}
	return nil
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	}
	return ratelimit.ClassifyCallError(err)
}
