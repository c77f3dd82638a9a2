package parse_test

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"storyline/internal/domain"
	"storyline/internal/parse"
)

const projectsXML = `<?xml version="1.0" encoding="UTF-8"?>
<projects type="array">
  <project>
    <id>42</id>
    <name>Demo</name>
    <start_date>2020-01-01</start_date>
    <memberships type="array">
      <membership><id>1</id><person><name>Ann</name></person></membership>
      <membership><id>2</id><person><name>Bo</name></person></membership>
    </memberships>
  </project>
  <project>
    <id>7</id>
    <name>Second</name>
  </project>
</projects>`

const iterationsXML = `<?xml version="1.0" encoding="UTF-8"?>
<iterations type="array">
  <iteration>
    <id type="integer">1</id>
    <stories type="array">
      <story><id>10</id><name>Login form</name><current_state>accepted</current_state></story>
      <story><id>11</id><name>Logout</name><current_state>started</current_state></story>
    </stories>
  </iteration>
  <iteration>
    <id type="integer">2</id>
    <stories type="array">
      <story><name>Render stories</name><current_state>finished</current_state></story>
    </stories>
  </iteration>
</iterations>`

func quiet() parse.Parser {
	return parse.Parser{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestProjectFromRawRecord(t *testing.T) {
	p, err := quiet().Project(parse.RawProject{
		ID:              "42",
		Name:            "Demo",
		StartDate:       "2020-01-01",
		BareMemberships: make([]parse.RawMembership, 2),
	})
	if err != nil {
		t.Fatalf("parse project: %v", err)
	}
	if p.ID != 42 || p.Name != "Demo" || p.MemberCount != 2 || p.StartDate != "2020-01-01" {
		t.Fatalf("unexpected project: %+v", p)
	}
	if p.IterationsLoaded() || len(p.Iterations()) != 0 {
		t.Fatalf("iterations should start empty")
	}
}

func TestProjectsDocument(t *testing.T) {
	projects, err := quiet().Projects(strings.NewReader(projectsXML))
	if err != nil {
		t.Fatalf("parse projects: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(projects))
	}
	first, second := projects[0], projects[1]
	if first.ID != 42 || first.MemberCount != 2 || first.StartDate != "2020-01-01" {
		t.Fatalf("first project: %+v", first)
	}
	if second.ID != 7 || second.Name != "Second" || second.MemberCount != 0 || second.StartDate != "" {
		t.Fatalf("second project defaults: %+v", second)
	}
}

func TestIterationsDocument(t *testing.T) {
	its, err := quiet().Iterations(strings.NewReader(iterationsXML))
	if err != nil {
		t.Fatalf("parse iterations: %v", err)
	}
	if len(its) != 2 || its[0].ID != 1 || its[1].ID != 2 {
		t.Fatalf("iterations: %+v", its)
	}
	stories := its[0].Stories()
	if len(stories) != 2 || stories[0].Name != "Login form" || stories[0].State != domain.StateAccepted {
		t.Fatalf("stories: %+v", stories)
	}
	if got := its[1].Stories(); got[0].State != domain.State("finished") {
		t.Fatalf("opaque state not preserved: %+v", got)
	}
}

func TestMalformedIDFailSoft(t *testing.T) {
	p, err := quiet().Project(parse.RawProject{Name: "no id"})
	if err != nil {
		t.Fatalf("fail-soft should not error: %v", err)
	}
	if p.ID.Valid() || p.ID != domain.InvalidID {
		t.Fatalf("expected invalid id, got %d", p.ID)
	}
	it, err := quiet().Iteration(parse.RawIteration{ID: "abc"})
	if err != nil || it.ID != domain.InvalidID {
		t.Fatalf("iteration id: %d %v", it.ID, err)
	}
}

func TestMalformedIDStrict(t *testing.T) {
	parser := parse.Parser{Policy: parse.Strict}
	_, err := parser.Projects(strings.NewReader(`<projects><project><id>x1</id></project></projects>`))
	var mre *parse.MalformedRecordError
	if !errors.As(err, &mre) {
		t.Fatalf("expected MalformedRecordError, got %v", err)
	}
	if mre.Kind != "project" || mre.Field != "id" || mre.Value != "x1" {
		t.Fatalf("unexpected error detail: %+v", mre)
	}
}

func TestToken(t *testing.T) {
	tok, err := quiet().Token(strings.NewReader(`<token><guid>c93f12c71bec27843c1d84b3bdd547f3</guid><id type="integer">1</id></token>`))
	if err != nil || tok != "c93f12c71bec27843c1d84b3bdd547f3" {
		t.Fatalf("token: %q %v", tok, err)
	}
	if _, err := quiet().Token(strings.NewReader(`<token></token>`)); !errors.Is(err, parse.ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestBrokenDocument(t *testing.T) {
	if _, err := quiet().Projects(strings.NewReader(`<projects><project><id>1</id>`)); err == nil {
		t.Fatalf("expected decode error for truncated document")
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]parse.Policy{"": parse.FailSoft, "fail-soft": parse.FailSoft, "strict": parse.Strict} {
		got, err := parse.ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := parse.ParsePolicy("lenient"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
