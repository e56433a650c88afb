// Package search queries a Serper-compatible web search API.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spigell/fitcheck/internal/httputil"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultEndpoint          = "https://google.serper.dev/search"
	defaultResultsPerQuery   = 10
	defaultRequestsPerSecond = 5
	defaultMaxRetries        = 3
	maxErrorBody             = 512
)

// Result is one organic search hit.
type Result struct {
	Title    string `json:"title"`
	URL      string `json:"link"`
	Snippet  string `json:"snippet"`
	Position int    `json:"position"`
}

// Searcher runs a single web query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

type Config struct {
	Endpoint          string  `mapstructure:"endpoint"`
	APIKey            string  `mapstructure:"api-key"`
	APIKeyFile        string  `mapstructure:"api-key-file"`
	ResultsPerQuery   int     `mapstructure:"results-per-query"`
	RequestsPerSecond float64 `mapstructure:"requests-per-second"`
	MaxRetries        int     `mapstructure:"max-retries"`
}

// StatusError is returned for non-200 replies.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bad status: %d %s", e.Code, e.Body)
}

type Client struct {
	endpoint   string
	apiKey     string
	perQuery   int
	maxRetries int
	limiter    *rate.Limiter
	logger     *zap.Logger
	HTTPClient *http.Client
}

var _ Searcher = (*Client)(nil)

func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("search api key is required")
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = httputil.NewClient()
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	perQuery := cfg.ResultsPerQuery
	if perQuery <= 0 {
		perQuery = defaultResultsPerQuery
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		perQuery:   perQuery,
		maxRetries: maxRetries,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger.With(zap.String("component", "search")),
		HTTPClient: httpClient,
	}, nil
}

func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("search query is empty")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for search rate limiter: %w", err)
	}

	payload, err := json.Marshal(map[string]any{"q": query, "num": c.perQuery})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	c.logger.Debug("make request", zap.String("query", query))

	resp, err := httputil.DoWithRetry(ctx, c.HTTPClient, req, c.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var response map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results, err := decodeOrganic(response["organic"])
	if err != nil {
		return nil, err
	}

	c.logger.Debug("got search results", zap.String("query", query), zap.Int("count", len(results)))

	return results, nil
}

// decodeOrganic converts the loosely typed organic items, dropping hits without a link.
func decodeOrganic(items any) ([]Result, error) {
	if items == nil {
		return nil, nil
	}

	var decoded []Result
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &decoded,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(items); err != nil {
		return nil, fmt.Errorf("decode organic results: %w", err)
	}

	results := decoded[:0]
	for _, r := range decoded {
		r.URL = strings.TrimSpace(r.URL)
		if r.URL == "" {
			continue
		}
		r.Title = strings.TrimSpace(r.Title)
		r.Snippet = strings.TrimSpace(r.Snippet)
		results = append(results, r)
	}

	return results, nil
}
