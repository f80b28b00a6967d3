// Package coingecko fetches venue listings from the CoinGecko tickers API.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"tickerflow/logger"
	"tickerflow/models"
	"tickerflow/reader"
)

const (
	// DefaultBaseURL is the public API root.
	DefaultBaseURL = "https://api.coingecko.com/api/v3"
	// Attribution must be shown by users of the free plan.
	Attribution = "Data provided by CoinGecko"

	tickersPath  = "/coins/{id}/tickers"
	apiKeyHeader = "x-cg-demo-api-key"
)

// Client implements reader.ListingFetcher.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	page    int
	order   string
	log     *logger.Log
}

var _ reader.ListingFetcher = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a client for baseURL. No request deadline is set unless
// WithTimeout is given.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", "tickerflow/1.0"),
		page:  1,
		order: "volume_desc",
		log:   logger.GetLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets a per-request deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

// WithAPIKey sends key as the demo API key header.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		if key != "" {
			c.http.SetHeader(apiKeyHeader, key)
		}
	}
}

// WithRequestsPerMinute paces requests to stay within the plan's limit.
// Zero disables pacing.
func WithRequestsPerMinute(n int) ClientOption {
	return func(c *Client) {
		if n <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	}
}

// WithPage selects the result page.
func WithPage(page int) ClientOption {
	return func(c *Client) {
		if page > 0 {
			c.page = page
		}
	}
}

// WithOrder sets the sort order of the tickers.
func WithOrder(order string) ClientOption {
	return func(c *Client) {
		if order != "" {
			c.order = order
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Log) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// FetchListings performs one GET of the asset's tickers. Every failure is
// returned as a *reader.FetchError; nothing is retried.
func (c *Client) FetchListings(ctx context.Context, assetID string) (*models.Listings, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &reader.FetchError{Op: "rate_limit", AssetID: assetID, Err: err}
		}
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", assetID).
		SetQueryParams(map[string]string{
			"page":  strconv.Itoa(c.page),
			"order": c.order,
		}).
		Get(tickersPath)
	if err != nil {
		return nil, &reader.FetchError{Op: "request", AssetID: assetID, Err: err}
	}

	if resp.IsError() {
		return nil, &reader.FetchError{
			Op:         "request",
			AssetID:    assetID,
			StatusCode: resp.StatusCode(),
			Err:        fmt.Errorf("unexpected response: %s", resp.Status()),
		}
	}

	var payload tickersPayload
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, &reader.FetchError{Op: "decode", AssetID: assetID, Err: err}
	}

	listings, err := payload.toListings(assetID)
	if err != nil {
		return nil, &reader.FetchError{Op: "decode", AssetID: assetID, Err: err}
	}

	c.log.WithComponent("coingecko_reader").WithFields(logger.Fields{
		"asset_id":    assetID,
		"listings":    len(listings.Records),
		"duration_ms": time.Since(start).Milliseconds(),
		"bytes":       len(resp.Body()),
	}).Debug("listings fetched")

	return listings, nil
}
