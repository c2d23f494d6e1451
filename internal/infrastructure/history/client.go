package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vitos/crypto_trade_engine/internal/domain"
	"github.com/vitos/crypto_trade_engine/internal/infrastructure/ratelimit"
)

// Client fetches pre-aggregated price history used to seed a coin's windows.
type Client struct {
	baseURL string
	mode    string
	client  *http.Client
	caller  *ratelimit.Caller
}

func NewClient(baseURL, mode string, timeout time.Duration, caller *ratelimit.Caller) *Client {
	return &Client{
		baseURL: baseURL,
		mode:    mode,
		client:  &http.Client{Timeout: timeout},
		caller:  caller,
	}
}

// response keys granularities by their short names: "d", "h", "m".
type response struct {
	Lowest   map[domain.Granularity][]domain.Sample `json:"lowest"`
	Averages map[domain.Granularity][]domain.Sample `json:"averages"`
	Highest  map[domain.Granularity][]domain.Sample `json:"highest"`
}

func (c *Client) Bootstrap(ctx context.Context, symbol string, date time.Time) (*domain.SeriesSnapshot, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("date", date.UTC().Format("20060102"))
	q.Set("mode", c.mode)
	endpoint := c.baseURL + "?" + q.Encode()

	var resp response
	err := c.caller.Do(ctx, "history", func(ctx context.Context) error {
		return c.get(ctx, endpoint, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", symbol, err)
	}

	snap := &domain.SeriesSnapshot{
		Lowest:   resp.Lowest,
		Averages: resp.Averages,
		Highest:  resp.Highest,
	}
	// seconds are never seeded
	delete(snap.Lowest, domain.Second)
	delete(snap.Averages, domain.Second)
	delete(snap.Highest, domain.Second)
	return snap, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out *response) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ratelimit.Permanent(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ratelimit.ThrottledError{Msg: resp.Status}
	case resp.StatusCode == http.StatusNotFound:
		return ratelimit.Permanent(fmt.Errorf("no history: %s", resp.Status))
	case resp.StatusCode >= 400:
		return fmt.Errorf("history error %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return ratelimit.Permanent(fmt.Errorf("decode history: %w", err))
	}
	return nil
}
