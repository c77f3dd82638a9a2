package tracker_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"storyline/internal/tracker"
	"storyline/internal/trackertest"
)

func TestClientSendsCredentialsAndToken(t *testing.T) {
	var gotUser, gotPass, gotToken, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		gotToken = r.Header.Get(tracker.TokenHeader)
		_, _ = w.Write([]byte("<ok/>"))
	}))
	defer srv.Close()

	c := tracker.NewClient(srv.URL + "/services/v3/")
	ctx := context.Background()

	if _, err := c.ActiveToken(ctx, "ann", "pw"); err != nil {
		t.Fatalf("active token: %v", err)
	}
	if gotPath != "/services/v3/tokens/active" || gotUser != "ann" || gotPass != "pw" {
		t.Fatalf("token request: path=%s user=%s pass=%s", gotPath, gotUser, gotPass)
	}

	if _, err := c.Iterations(ctx, "tok", 42); err != nil {
		t.Fatalf("iterations: %v", err)
	}
	if gotPath != "/services/v3/projects/42/iterations" || gotToken != "tok" {
		t.Fatalf("iterations request: path=%s token=%s", gotPath, gotToken)
	}
}

func TestClientAPIError(t *testing.T) {
	srv := trackertest.New(t)
	c := tracker.NewClient(srv.URL)

	_, err := c.Projects(context.Background(), "wrong")
	var apiErr *tracker.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || !strings.Contains(apiErr.Body, "Access denied") {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := tracker.NewClient(url)
	if _, err := c.Projects(context.Background(), "tok"); err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestClientDefaultEndpoint(t *testing.T) {
	c := tracker.NewClient("")
	if c.BaseURL != tracker.DefaultEndpoint {
		t.Fatalf("expected default endpoint, got %s", c.BaseURL)
	}
}
