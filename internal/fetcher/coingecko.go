package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	simplePricePath   = "/simple/price"
	defaultBaseURL    = "https://api.coingecko.com/api/v3"
	defaultProBaseURL = "https://pro-api.coingecko.com/api/v3"
	proAPIKeyHeader   = "x-cg-pro-api-key"
)

// CoinGeckoOptions parameterise the CoinGecko fetcher.
type CoinGeckoOptions struct {
	BaseURL     string
	ProBaseURL  string
	APIKey      string
	Timeout     time.Duration
	UserAgent   string
	MaxAttempts int
	BaseDelay   time.Duration
}

// CoinGecko fetches batched quotes from the CoinGecko simple price API.
type CoinGecko struct {
	opts    CoinGeckoOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCoinGecko constructs a CoinGecko fetcher. A non-empty API key switches to the pro endpoint.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if opts.APIKey != "" {
		baseURL = strings.TrimRight(opts.ProBaseURL, "/")
		if baseURL == "" {
			baseURL = defaultProBaseURL
		}
	}

	return &CoinGecko{
		opts:    opts,
		logger:  logger.With().Str("component", "coingecko_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchPrices retrieves price, 24h change and update time for the given ids.
// 429 answers are retried with exponential backoff up to MaxAttempts requests.
func (c *CoinGecko) FetchPrices(ctx context.Context, assetIDs []string) (map[string]Quote, error) {
	ids := normalizeIDs(assetIDs)
	if len(ids) == 0 {
		return nil, ErrNoAssets
	}
	endpoint := c.endpoint(ids)

	for attempt := 0; ; attempt++ {
		status, payload, err := c.get(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		switch {
		case status == http.StatusTooManyRequests:
			if attempt+1 >= c.opts.MaxAttempts {
				return nil, fmt.Errorf("%w after %d attempts", ErrRateLimited, attempt+1)
			}
			delay := c.opts.BaseDelay << attempt
			c.logger.Warn().Int("attempt", attempt+1).Dur("retry_in", delay).Msg("rate limit hit, backing off")
			if err := sleepContext(ctx, delay); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
			}
		case status != http.StatusOK:
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, parseHTTPError(status, payload))
		default:
			quotes, err := decodeQuotes(payload, ids)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
			}
			return quotes, nil
		}
	}
}

func (c *CoinGecko) endpoint(ids []string) string {
	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	query.Set("vs_currencies", "usd")
	query.Set("include_24h_change", "true")
	query.Set("include_last_updated_at", "true")
	return c.baseURL + simplePricePath + "?" + query.Encode()
}

func (c *CoinGecko) get(ctx context.Context, endpoint string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "coinwatch/1.0")
	}
	if c.opts.APIKey != "" {
		req.Header.Set(proAPIKeyHeader, c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, payload, nil
}

type simplePrice struct {
	USD           *decimal.Decimal    `json:"usd"`
	USD24hChange  decimal.NullDecimal `json:"usd_24h_change"`
	LastUpdatedAt *int64              `json:"last_updated_at"`
}

func decodeQuotes(payload []byte, requested []string) (map[string]Quote, error) {
	var body map[string]simplePrice
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode simple price: %w", err)
	}

	quotes := make(map[string]Quote, len(body))
	for _, id := range requested {
		entry, ok := body[id]
		if !ok || entry.USD == nil {
			continue
		}
		quote := Quote{Price: *entry.USD, Change24h: entry.USD24hChange}
		if entry.LastUpdatedAt != nil && *entry.LastUpdatedAt > 0 {
			quote.ObservedAt = time.Unix(*entry.LastUpdatedAt, 0).UTC()
		}
		quotes[id] = quote
	}
	return quotes, nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Status.ErrorMessage != "" {
			return fmt.Errorf("coingecko api error (%d): %s", status, apiErr.Status.ErrorMessage)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("coingecko api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("coingecko api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("coingecko api error (%d)", status)
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ PriceSource = (*CoinGecko)(nil)
