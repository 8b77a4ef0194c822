package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes caps how much of a page is read into memory.
const maxBodyBytes = 10 << 20

// HTTPLoader fetches pages with a plain HTTP client.
type HTTPLoader struct {
	client    *http.Client
	userAgent string
}

// NewHTTPLoader creates an HTTPLoader. Timeouts come from the caller's
// context, one per attempt.
func NewHTTPLoader(client *http.Client, userAgent string) *HTTPLoader {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPLoader{client: client, userAgent: userAgent}
}

// Load issues a GET for url.
func (l *HTTPLoader) Load(ctx context.Context, url string) (*PageResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("http: build request: %w", err)
	}
	req.Header.Set("User-Agent", l.userAgent)
	req.Header.Set("Accept", "text/html,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: get %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("http: read body: %w", err)
	}

	return &PageResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
