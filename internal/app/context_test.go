package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"storyline/internal/config"
	"storyline/internal/session"
	"storyline/internal/tracker"
	"storyline/internal/trackertest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResumeAcrossRuns(t *testing.T) {
	upstream := trackertest.New(t, trackertest.WithProjects(trackertest.Project{ID: "4", Name: "Delta"}))
	workspace := t.TempDir()
	ctx := context.Background()
	opts := Options{Workspace: workspace, Logger: quietLogger(), Endpoint: upstream.URL}

	first, err := Open(ctx, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	resumed, err := first.Resume(ctx)
	if err != nil || resumed {
		t.Fatalf("fresh workspace should not resume: %v %v", resumed, err)
	}
	if err := first.Pipeline.AuthenticateWithCredentials(ctx, trackertest.DefaultUsername, trackertest.DefaultPassword).Wait(); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := Open(ctx, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	resumed, err = second.Resume(ctx)
	if err != nil || !resumed {
		t.Fatalf("expected resumed session: %v %v", resumed, err)
	}
	if second.Pipeline.State() != tracker.StateAuthenticated || second.Pipeline.Token() != trackertest.DefaultToken {
		t.Fatalf("unexpected session state=%s token=%q", second.Pipeline.State(), second.Pipeline.Token())
	}
	if n := upstream.Count("/tokens/active"); n != 1 {
		t.Fatalf("resume must not log in again, got %d token requests", n)
	}

	if err := second.Pipeline.FetchProjects(ctx).Wait(); err != nil {
		t.Fatalf("fetch projects: %v", err)
	}
	second.Pipeline.Wait()
	evts, err := second.Repo.LatestEvents(ctx, 10, "", nil)
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	// first run: established; second run: established, projects, iterations.
	if len(evts) != 4 {
		t.Fatalf("expected 4 journal rows, got %d", len(evts))
	}

	if err := second.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := second.Store.Load(ctx); err == nil {
		t.Fatalf("expected token cleared")
	}
}

func TestOpenRespectsConfig(t *testing.T) {
	workspace := t.TempDir()
	doc := "tracker:\n  endpoint: http://127.0.0.1:1/\n  timeout: 2s\nsession:\n  store: memory\nparsing:\n  malformed: strict\n"
	if err := os.WriteFile(config.Path(workspace), []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := Open(context.Background(), Options{Workspace: workspace, Logger: quietLogger(), NoJournal: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Config.Session.Store != config.StoreMemory {
		t.Fatalf("expected memory store, got %s", a.Config.Session.Store)
	}
	if _, ok := a.Store.(*session.Memory); !ok {
		t.Fatalf("expected memory store, got %T", a.Store)
	}

	if _, err := Open(context.Background(), Options{Workspace: workspace, Endpoint: "not a url"}); err == nil {
		t.Fatalf("expected invalid endpoint override to fail")
	}
}
