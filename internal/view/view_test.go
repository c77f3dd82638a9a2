package view

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"storyline/internal/bus"
	"storyline/internal/domain"
	"storyline/internal/parse"
	"storyline/internal/tracker"
	"storyline/internal/trackertest"
)

type countingFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *countingFetcher) FetchProjects(context.Context) *tracker.Task {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil
}

// rendered reports whether want appears in a table, ignoring title casing.
func rendered(out, want string) bool {
	return strings.Contains(strings.ToUpper(out), strings.ToUpper(want))
}

func loadedProject(t *testing.T, id domain.ID, name string, states ...domain.State) *domain.Project {
	t.Helper()
	p := &domain.Project{ID: id, Name: name, MemberCount: 2, StartDate: "2020-01-01"}
	var stories []domain.Story
	for i, st := range states {
		stories = append(stories, domain.Story{Name: name + "-story-" + string(rune('a'+i)), State: st})
	}
	if err := p.SetIterations([]domain.Iteration{domain.NewIteration(1, nil), domain.NewIteration(2, stories)}); err != nil {
		t.Fatalf("set iterations: %v", err)
	}
	return p
}

func TestTerminalFetchesOnEstablished(t *testing.T) {
	b := bus.New()
	f := &countingFetcher{}
	var out bytes.Buffer
	detach := NewTerminal(context.Background(), &out, f).Attach(b)

	b.Publish(tracker.TopicSessionEstablished)
	if f.calls != 1 {
		t.Fatalf("expected one fetch, got %d", f.calls)
	}
	b.Publish(tracker.TopicSessionRejected)
	if !strings.Contains(out.String(), RejectedMessage) {
		t.Fatalf("missing rejection message: %q", out.String())
	}

	detach()
	b.Publish(tracker.TopicSessionEstablished)
	if f.calls != 1 {
		t.Fatalf("detached terminal still fetching")
	}
}

func TestTerminalRendersProjects(t *testing.T) {
	b := bus.New()
	var out bytes.Buffer
	NewTerminal(context.Background(), &out, nil).Attach(b)

	alpha := loadedProject(t, 7, "Alpha", domain.StateAccepted, domain.StateAccepted, domain.StateStarted)
	broken := &domain.Project{ID: domain.InvalidID, Name: "Broken"}
	b.Publish(tracker.TopicProjectsReceived, []*domain.Project{alpha, broken})
	listing := out.String()
	if !rendered(listing, "Projects") || !strings.Contains(listing, "Alpha") || !strings.Contains(listing, "Broken") {
		t.Fatalf("unexpected listing: %q", listing)
	}

	out.Reset()
	b.Publish(tracker.TopicIterationsReceived, alpha)
	if !rendered(out.String(), "Alpha (#7)") || !strings.Contains(out.String(), "2020-01-01") {
		t.Fatalf("unexpected project render: %q", out.String())
	}

	out.Reset()
	b.Publish(tracker.TopicRecordsMalformed, errors.New("bad id"))
	if !strings.Contains(out.String(), "bad id") {
		t.Fatalf("malformed notice missing: %q", out.String())
	}
}

func TestRenderStoriesFiltersByState(t *testing.T) {
	p := loadedProject(t, 3, "Gamma", domain.StateAccepted, domain.StateRejected)
	cur, _ := p.CurrentIteration()
	var out bytes.Buffer
	RenderStories(&out, cur, domain.StateRejected)
	if !strings.Contains(out.String(), "Gamma-story-b") || strings.Contains(out.String(), "Gamma-story-a") {
		t.Fatalf("unexpected stories: %q", out.String())
	}
}

func TestSnapshotTracksGraph(t *testing.T) {
	b := bus.New()
	s := NewSnapshot()
	s.Attach(b)

	b.Publish(tracker.TopicSessionEstablished)
	first := []*domain.Project{
		{ID: 1, Name: "One"},
		{ID: domain.InvalidID, Name: "Broken"},
		{ID: 2, Name: "Two"},
	}
	b.Publish(tracker.TopicProjectsReceived, first)

	got := s.Projects()
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("unexpected projects %+v", got)
	}
	if err := first[0].SetIterations(nil); err != nil {
		t.Fatalf("set iterations: %v", err)
	}
	b.Publish(tracker.TopicIterationsReceived, first[0])
	st := s.Session()
	if !st.Established || st.Projects != 2 || st.Loaded != 1 {
		t.Fatalf("unexpected status %+v", st)
	}

	b.Publish(tracker.TopicProjectsReceived, []*domain.Project{{ID: 3, Name: "Three"}})
	if _, ok := s.Project(1); ok {
		t.Fatalf("refresh must replace the graph")
	}
	if p, ok := s.Project(3); !ok || p.Name != "Three" {
		t.Fatalf("missing project 3")
	}

	b.Publish(tracker.TopicSessionRejected)
	st = s.Session()
	if st.Established || !st.Rejected || st.LastError != RejectedMessage {
		t.Fatalf("unexpected status after rejection %+v", st)
	}
}

func TestTerminalDrivesCascade(t *testing.T) {
	srv := trackertest.New(t, trackertest.WithProjects(
		trackertest.Project{ID: "1", Name: "Alpha", Members: 2,
			Iterations: []trackertest.Iteration{{ID: 5, Stories: []trackertest.Story{{Name: "s", State: "accepted"}}}}},
		trackertest.Project{ID: "2", Name: "Beta"},
	))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(bus.WithLogger(logger))
	p := tracker.New(tracker.Config{
		Bus:    b,
		Client: tracker.NewClient(srv.URL),
		Parser: parse.Parser{Logger: logger},
		Logger: logger,
	})
	defer p.Close()

	var out bytes.Buffer
	NewTerminal(context.Background(), &out, p).Attach(b)
	snap := NewSnapshot()
	snap.Attach(b)

	if err := p.AuthenticateWithCredentials(context.Background(), trackertest.DefaultUsername, trackertest.DefaultPassword).Wait(); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	p.Wait()

	if !rendered(out.String(), "Alpha (#1)") || !rendered(out.String(), "Beta (#2)") {
		t.Fatalf("projects not rendered: %q", out.String())
	}
	if st := snap.Session(); st.Projects != 2 || st.Loaded != 2 {
		t.Fatalf("snapshot incomplete: %+v", st)
	}
}
