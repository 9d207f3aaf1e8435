package alegra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/nvelasco/ledgersync/internal/config"
)

// ErrRetriesExhausted marks a page that stayed throttled or unreachable
// through the whole attempt budget.
var ErrRetriesExhausted = errors.New("alegra: retries exhausted")

// ErrNoRecords is returned by the ID probes when the remote has no
// record matching the date filter.
var ErrNoRecords = errors.New("alegra: no records found")

// RetryPolicy controls the per-page retry behavior. Tests inject small
// values; production values come from config.API.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget per page, first try included.
	MaxAttempts int
	// RateLimitCooldown is slept after a 429 before the same page is retried.
	RateLimitCooldown time.Duration
	// NetworkRetryDelay is slept after a network-level failure.
	NetworkRetryDelay time.Duration
}

// Client issues paginated requests against the remote ledger API and
// applies the retry policy. It is safe for concurrent use.
type Client struct {
	baseURL  string
	key      string
	pageSize int
	policy   RetryPolicy
	httpc    *http.Client
	log      zerolog.Logger

	// sleep is swapped out in tests so retry paths run without waiting.
	sleep func(time.Duration)
}

// NewClient builds a Client from the API configuration.
func NewClient(cfg config.API, log zerolog.Logger) *Client {
	return &Client{
		baseURL:  cfg.BaseURL,
		key:      cfg.Key,
		pageSize: cfg.PageSize,
		policy: RetryPolicy{
			MaxAttempts:       cfg.MaxAttempts,
			RateLimitCooldown: cfg.RateLimitCooldown,
			NetworkRetryDelay: cfg.NetworkRetryDelay,
		},
		httpc: &http.Client{Timeout: cfg.Timeout},
		log:   log,
		sleep: time.Sleep,
	}
}

// PageSize returns the provider page size the client was built with.
func (c *Client) PageSize() int {
	return c.pageSize
}

// FetchPage performs one paginated request with retries and returns a
// structured outcome. A terminal failure produces an empty result with
// Err set; it never aborts the run.
func (c *Client) FetchPage(ctx context.Context, p Page) PageResult {
	params := url.Values{}
	if p.ByDate() {
		params.Set("date", p.Date.String())
		params.Set("order_field", "date")
		params.Set("limit", strconv.Itoa(c.pageSize))
		if p.Resource == ResourceBills {
			params.Set("type", "bill")
		}
	} else {
		params.Set("start", strconv.Itoa(p.Offset))
		params.Set("limit", strconv.Itoa(p.Limit))
		params.Set("order_field", "id")
		params.Set("order_direction", "ASC")
	}

	records, attempts, err := c.fetchRetry(ctx, p.Resource, params, p.String())
	return PageResult{Page: p, Records: records, Attempts: attempts, Err: err}
}

// FetchDate fetches every record of one exact calendar day, with the
// same retry policy as any other page.
func (c *Client) FetchDate(ctx context.Context, resource string, d civil.Date) ([]Record, error) {
	res := c.FetchPage(ctx, Page{Resource: resource, Date: d})
	return res.Records, res.Err
}

// LatestID probes for the newest remote identifier dated at or before
// the given day. Used to bound the offset-paged fetch range.
func (c *Client) LatestID(ctx context.Context, resource string, onOrBefore civil.Date) (int64, error) {
	params := url.Values{}
	params.Set("date_beforeOrNow", onOrBefore.String())
	params.Set("order_direction", "DESC")
	params.Set("limit", "1")

	return c.probeID(ctx, resource, params, "latest")
}

// FirstID probes for the oldest remote identifier dated at or after the
// given day. Used to seed a first run.
func (c *Client) FirstID(ctx context.Context, resource string, onOrAfter civil.Date) (int64, error) {
	params := url.Values{}
	params.Set("date_afterOrNow", onOrAfter.String())
	params.Set("order_direction", "ASC")
	params.Set("limit", "1")

	return c.probeID(ctx, resource, params, "probe")
}

func (c *Client) probeID(ctx context.Context, resource string, params url.Values, desc string) (int64, error) {
	records, _, err := c.fetchRetry(ctx, resource, params, fmt.Sprintf("%s %s", resource, desc))
	if err != nil {
		return 0, err
	}
	if len(records) == 0 || records[0].ID == nil {
		return 0, ErrNoRecords
	}
	return *records[0].ID, nil
}

// fetchRetry drives one page descriptor through the attempt budget.
// 429 sleeps the cooldown and retries; network errors sleep the shorter
// delay and retry; any other non-2xx status is terminal for the page.
func (c *Client) fetchRetry(ctx context.Context, resource string, params url.Values, desc string) ([]Record, int, error) {
	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, resource, params.Encode())

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		records, status, err := c.doRequest(ctx, endpoint)

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, attempt, fmt.Errorf("fetch %s: %w", desc, ctx.Err())
			}
			c.log.Warn().Str("page", desc).Int("attempt", attempt).
				Int("max_attempts", c.policy.MaxAttempts).Err(err).
				Msg("Network error, will retry")
			c.sleep(c.policy.NetworkRetryDelay)

		case status == http.StatusOK:
			return records, attempt, nil

		case status == http.StatusTooManyRequests:
			c.log.Warn().Str("page", desc).Int("attempt", attempt).
				Int("max_attempts", c.policy.MaxAttempts).
				Dur("cooldown", c.policy.RateLimitCooldown).
				Msg("Rate limited, cooling down")
			c.sleep(c.policy.RateLimitCooldown)

		default:
			// Retrying a non-throttle error wastes budget better spent on
			// transient rate limiting.
			c.log.Error().Str("page", desc).Int("status", status).
				Msg("Non-retryable status, giving up on page")
			return nil, attempt, fmt.Errorf("fetch %s: unexpected status %d", desc, status)
		}
	}

	c.log.Error().Str("page", desc).Int("attempts", c.policy.MaxAttempts).
		Msg("Permanent failure for page")
	return nil, c.policy.MaxAttempts, fmt.Errorf("fetch %s after %d attempts: %w", desc, c.policy.MaxAttempts, ErrRetriesExhausted)
}

// doRequest performs a single HTTP round trip and decodes a 200 body.
func (c *Client) doRequest(ctx context.Context, endpoint string) ([]Record, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+c.key)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}

	records, err := DecodeRecords(body)
	if err != nil {
		return nil, 0, err
	}
	return records, http.StatusOK, nil
}
