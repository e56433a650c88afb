// Package fetch downloads evidence pages and reduces them to readable text.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spigell/fitcheck/internal/httputil"

	"go.uber.org/zap"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultMaxBytes = 2 << 20
	defaultMaxChars = 8000
	userAgent       = "fitcheck/1.0 (+https://github.com/spigell/fitcheck)"
)

// Kind classifies a fetch failure.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindNetwork     Kind = "network"
	KindStatus      Kind = "status"
	KindUnsupported Kind = "unsupported"
)

type Error struct {
	Kind Kind
	URL  string
	// Status is set for KindStatus.
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("fetch %s: %s: status %d", e.URL, e.Kind, e.Status)
	default:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsDependencyFailure reports whether err says the network or the remote side
// is unhealthy. A page that answered with a client error or with content that
// cannot be read is a property of that page only.
func IsDependencyFailure(err error) bool {
	if err == nil {
		return false
	}

	var fetchErr *Error
	if !errors.As(err, &fetchErr) {
		return true
	}

	switch fetchErr.Kind {
	case KindTimeout, KindNetwork:
		return true
	case KindStatus:
		return fetchErr.Status >= http.StatusInternalServerError
	default:
		return false
	}
}

// Fetcher retrieves the readable text of a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) (string, error)
}

type Config struct {
	MaxBytes int64
	// MaxChars truncates the extracted text.
	MaxChars int
}

type Client struct {
	maxBytes   int64
	maxChars   int
	logger     *zap.Logger
	HTTPClient *http.Client
}

var _ Fetcher = (*Client)(nil)

func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = httputil.NewClient()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}

	return &Client{
		maxBytes:   cfg.MaxBytes,
		maxChars:   cfg.MaxChars,
		logger:     logger.With(zap.String("component", "fetch")),
		HTTPClient: httpClient,
	}
}

func (c *Client) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &Error{Kind: KindUnsupported, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	c.logger.Debug("make request", zap.String("url", rawURL))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", classify(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{Kind: KindStatus, URL: rawURL, Status: resp.StatusCode}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return "", classify(rawURL, err)
	}

	var text string
	switch {
	case mediaType == "" || mediaType == "text/html" || mediaType == "application/xhtml+xml":
		text, err = ExtractText(bytes.NewReader(body))
		if err != nil {
			return "", &Error{Kind: KindUnsupported, URL: rawURL, Err: err}
		}
	case strings.HasPrefix(mediaType, "text/"):
		text = normalizeSpace(string(body))
	default:
		return "", &Error{Kind: KindUnsupported, URL: rawURL, Err: fmt.Errorf("content type %q", mediaType)}
	}

	return truncate(text, c.maxChars), nil
}

func classify(rawURL string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, URL: rawURL, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: KindTimeout, URL: rawURL, Err: err}
	default:
		return &Error{Kind: KindNetwork, URL: rawURL, Err: err}
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
