// Package view holds the bus consumers: a terminal renderer for the CLI and an
// id-keyed snapshot for the HTTP API.
package view

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"

	"storyline/internal/bus"
	"storyline/internal/domain"
	"storyline/internal/tracker"
)

const RejectedMessage = "Username/Password or token invalid"

// Fetcher starts the project cascade.
type Fetcher interface {
	FetchProjects(ctx context.Context) *tracker.Task
}

// Terminal prints pipeline results as they arrive. Once a session is
// established it asks Fetcher for the project list.
type Terminal struct {
	out     io.Writer
	fetcher Fetcher
	ctx     context.Context

	mu       sync.Mutex
	projects map[domain.ID]*domain.Project
}

// NewTerminal returns a renderer writing to out. fetcher may be nil, in which
// case the caller drives fetching.
func NewTerminal(ctx context.Context, out io.Writer, fetcher Fetcher) *Terminal {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Terminal{
		out:      out,
		fetcher:  fetcher,
		ctx:      ctx,
		projects: make(map[domain.ID]*domain.Project),
	}
}

// Attach subscribes the renderer and returns a func that detaches it.
func (t *Terminal) Attach(b *bus.Bus) func() {
	subs := map[bus.Topic]bus.SubscriptionID{
		tracker.TopicSessionEstablished: tracker.OnSessionEstablished(b, t.sessionEstablished),
		tracker.TopicSessionRejected:    tracker.OnSessionRejected(b, t.sessionRejected),
		tracker.TopicProjectsReceived:   tracker.OnProjectsReceived(b, t.projectsReceived),
		tracker.TopicIterationsReceived: tracker.OnIterationsReceived(b, t.iterationsReceived),
		tracker.TopicRecordsMalformed:   tracker.OnRecordsMalformed(b, t.recordsMalformed),
	}
	return func() {
		for topic, id := range subs {
			b.Unsubscribe(topic, id)
		}
	}
}

func (t *Terminal) sessionEstablished() {
	if t.fetcher != nil {
		t.fetcher.FetchProjects(t.ctx)
	}
}

func (t *Terminal) sessionRejected() {
	fmt.Fprintln(t.out, RejectedMessage)
}

func (t *Terminal) recordsMalformed(err error) {
	fmt.Fprintf(t.out, "Malformed tracker data: %v\n", err)
}

func (t *Terminal) projectsReceived(projects []*domain.Project) {
	t.mu.Lock()
	for _, p := range projects {
		if p.ID.Valid() {
			t.projects[p.ID] = p
		}
	}
	t.mu.Unlock()

	tw := table.NewWriter()
	tw.SetOutputMirror(t.out)
	tw.SetTitle("Projects")
	tw.AppendHeader(table.Row{"ID", "Name", "Members", "Start date"})
	for _, p := range projects {
		tw.AppendRow(table.Row{idCell(p.ID), p.Name, p.MemberCount, p.StartDate})
	}
	tw.Render()
}

func (t *Terminal) iterationsReceived(project *domain.Project) {
	t.mu.Lock()
	known, ok := t.projects[project.ID]
	t.mu.Unlock()
	if !ok {
		known = project
	}
	RenderProject(t.out, known)
}

// RenderProject prints a project with the story counts of its current
// iteration.
func RenderProject(w io.Writer, p *domain.Project) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(fmt.Sprintf("%s (#%s)", p.Name, idCell(p.ID)))
	tw.AppendHeader(table.Row{"Members", "Start date", "Iterations", "Current", "Accepted", "Started", "Unstarted", "Rejected"})
	row := table.Row{p.MemberCount, p.StartDate, len(p.Iterations())}
	if cur, ok := p.CurrentIteration(); ok {
		counts := cur.Counts()
		row = append(row, idCell(cur.ID),
			counts[domain.StateAccepted], counts[domain.StateStarted],
			counts[domain.StateUnstarted], counts[domain.StateRejected])
	} else {
		row = append(row, "-", 0, 0, 0, 0)
	}
	tw.AppendRow(row)
	tw.Render()
}

// RenderStories prints the stories of it, limited to state when non-empty.
func RenderStories(w io.Writer, it domain.Iteration, state domain.State) {
	stories := it.Stories()
	if state != "" {
		stories = it.StoriesWhere(state)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(fmt.Sprintf("Iteration #%s", idCell(it.ID)))
	tw.AppendHeader(table.Row{"Name", "State"})
	for _, s := range stories {
		tw.AppendRow(table.Row{s.Name, s.State})
	}
	tw.Render()
}

func idCell(id domain.ID) string {
	if !id.Valid() {
		return "?"
	}
	return fmt.Sprint(int(id))
}
