package responder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/GPTx-global/flightsurety-oracle/oracle/types"
)

// StatusSource looks up the real status of the flight a request is about.
type StatusSource interface {
	Status(ctx context.Context, req types.StatusRequestEvent) (types.StatusCode, error)
}

// FeedSource reads flight status from an HTTP JSON feed. The URL may contain the placeholders
// {airline}, {flight} and {timestamp}; path is a gjson path to the status, given either as a
// code (20) or a name ("LATE_AIRLINE").
type FeedSource struct {
	client *http.Client
	url    string
	path   string
}

func NewFeedSource(endpoint, path string, timeout time.Duration) *FeedSource {
	transport := new(http.Transport)
	transport.MaxIdleConns = 100
	transport.MaxIdleConnsPerHost = 100
	transport.IdleConnTimeout = 90 * time.Second

	client := new(http.Client)
	client.Timeout = timeout
	client.Transport = transport

	return &FeedSource{
		client: client,
		url:    endpoint,
		path:   path,
	}
}

func (f *FeedSource) Status(ctx context.Context, req types.StatusRequestEvent) (types.StatusCode, error) {
	raw, err := f.fetch(ctx, f.requestURL(req))
	if err != nil {
		return 0, err
	}

	if !gjson.ValidBytes(raw) {
		return 0, fmt.Errorf("feed returned invalid JSON")
	}

	value := gjson.GetBytes(raw, f.path)
	if !value.Exists() {
		return 0, fmt.Errorf("path %q not found in feed response", f.path)
	}

	return types.ParseStatusCode(value.String())
}

func (f *FeedSource) requestURL(req types.StatusRequestEvent) string {
	var timestamp string
	if req.Timestamp != nil {
		timestamp = req.Timestamp.String()
	}

	return strings.NewReplacer(
		"{airline}", escape(req.Airline.Hex()),
		"{flight}", escape(req.Flight),
		"{timestamp}", escape(timestamp),
	).Replace(f.url)
}

// escape makes s safe in both a path segment and a query value.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func (f *FeedSource) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", "Oracle-Daemon/1.0")
	req.Header.Set("Accept", "application/json")

	res, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch flight status: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("feed returned HTTP %d", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return body, nil
}
