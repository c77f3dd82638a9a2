package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"storyline/internal/domain"
	"storyline/internal/logattr"
)

const (
	DefaultEndpoint = "https://www.pivotaltracker.com/services/v3/"
	TokenHeader     = "X-TrackerToken"
	userAgent       = "storyline/0.1"
)

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Client is a minimal tracker HTTP/XML client. It returns raw response
// bodies; decoding is left to the parse package.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// Timeout applies when HTTPClient is nil. Zero means no timeout.
	Timeout   time.Duration
	UserAgent string
}

// NewClient creates a client for baseURL, or DefaultEndpoint when empty.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultEndpoint
	}
	return &Client{BaseURL: baseURL}
}

// ActiveToken exchanges basic credentials for the account's API token
// document.
func (c *Client) ActiveToken(ctx context.Context, username, password string) ([]byte, error) {
	return c.do(ctx, "tokens/active", func(req *http.Request) {
		req.SetBasicAuth(username, password)
	})
}

// Projects returns the project list document.
func (c *Client) Projects(ctx context.Context, token string) ([]byte, error) {
	return c.do(ctx, "projects", withToken(token))
}

// Iterations returns the iteration list document of one project.
func (c *Client) Iterations(ctx context.Context, token string, projectID domain.ID) ([]byte, error) {
	return c.do(ctx, fmt.Sprintf("projects/%d/iterations", projectID), withToken(token))
}

func withToken(token string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set(TokenHeader, token)
	}
}

func (c *Client) do(ctx context.Context, resource string, decorate func(*http.Request)) ([]byte, error) {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	url := c.url(resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/xml")
	ua := c.UserAgent
	if ua == "" {
		ua = userAgent
	}
	req.Header.Set("User-Agent", ua)
	decorate(req)

	start := time.Now()
	resp, err := hc.Do(req)
	dur := time.Since(start)
	if err != nil {
		slog.Debug("Tracker request failed",
			slog.String("url", url),
			slog.Duration("duration", dur),
			logattr.Error(err))
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", resource, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Debug("Tracker request rejected",
			slog.String("url", url),
			logattr.Status(resp.StatusCode),
			slog.Duration("duration", dur))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	slog.Debug("Tracker request completed",
		slog.String("url", url),
		logattr.Status(resp.StatusCode),
		slog.Duration("duration", dur))
	return body, nil
}

func (c *Client) url(resource string) string {
	base := c.BaseURL
	if base == "" {
		base = DefaultEndpoint
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(resource, "/")
}
