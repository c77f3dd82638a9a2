package storylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Storyline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Story struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type Iteration struct {
	ID      int            `json:"id"`
	Stories []Story        `json:"stories"`
	Counts  map[string]int `json:"counts"`
}

// Project is a tracker project as served by the API. Iterations is only
// filled by Project, not by Projects.
type Project struct {
	ID               int         `json:"id"`
	Name             string      `json:"name"`
	MemberCount      int         `json:"member_count"`
	StartDate        string      `json:"start_date"`
	IterationsLoaded bool        `json:"iterations_loaded"`
	Current          *Iteration  `json:"current_iteration"`
	Iterations       []Iteration `json:"iterations"`
}

type Session struct {
	State       string    `json:"state"`
	Viewer      string    `json:"viewer"`
	Established bool      `json:"established"`
	Rejected    bool      `json:"rejected"`
	Projects    int       `json:"projects"`
	Loaded      int       `json:"loaded"`
	LastError   string    `json:"last_error"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Event represents a journal entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Topic     string         `json:"topic"`
	ProjectID *int           `json:"project_id"`
	Payload   map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Session returns the tracker session status.
func (c *Client) Session(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "session", nil, &resp)
	return resp, err
}

// Projects lists projects with their current iteration.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Items []Project `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp.Items, err
}

// Project fetches one project with all its iterations.
func (c *Client) Project(ctx context.Context, id int) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%d", id), nil, &resp)
	return resp, err
}

// Stories returns the current iteration's stories, filtered by state when
// state is non-empty.
func (c *Client) Stories(ctx context.Context, projectID int, state string) ([]Story, error) {
	endpoint := fmt.Sprintf("projects/%d/stories", projectID)
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp struct {
		Items []Story `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Refresh asks the server to refetch projects and iterations.
func (c *Client) Refresh(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "refresh", nil, nil)
}

// Events returns recent journal events, newest first.
func (c *Client) Events(ctx context.Context, topic string, limit int) ([]Event, error) {
	q := url.Values{}
	if topic != "" {
		q.Set("topic", topic)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
