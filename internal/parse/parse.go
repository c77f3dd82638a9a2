// Package parse turns tracker XML payloads into domain entities.
//
// Parsing is total: missing text fields become "", a missing membership list
// counts as zero members. What happens to a record whose identifier is not
// numeric depends on the Parser's Policy.
package parse

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"storyline/internal/domain"
)

// Policy selects how malformed identifiers are handled.
type Policy string

const (
	// FailSoft keeps the record and sets its id to domain.InvalidID.
	FailSoft Policy = "fail-soft"
	// Strict rejects the record with a *MalformedRecordError.
	Strict Policy = "strict"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.TrimSpace(s)) {
	case "", FailSoft:
		return FailSoft, nil
	case Strict:
		return Strict, nil
	default:
		return "", fmt.Errorf("invalid malformed-record policy %q (want %s or %s)", s, FailSoft, Strict)
	}
}

// MalformedRecordError reports a record with an unusable required field.
type MalformedRecordError struct {
	Kind  string
	Field string
	Value string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s record: %s=%q", e.Kind, e.Field, e.Value)
}

var ErrMissingToken = errors.New("token document has no guid")

// RawMembership is only counted, never read.
type RawMembership struct{}

type RawProject struct {
	ID        string `xml:"id"`
	Name      string `xml:"name"`
	StartDate string `xml:"start_date"`
	// Memberships usually arrive wrapped in <memberships>; bare children are
	// counted too.
	Memberships     []RawMembership `xml:"memberships>membership"`
	BareMemberships []RawMembership `xml:"membership"`
}

type RawStory struct {
	Name         string `xml:"name"`
	CurrentState string `xml:"current_state"`
}

type RawIteration struct {
	ID      string     `xml:"id"`
	Stories []RawStory `xml:"stories>story"`
}

// Parser converts raw records. The zero value uses FailSoft.
type Parser struct {
	Policy Policy
	Logger *slog.Logger
}

func (p Parser) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p Parser) id(kind, raw string) (domain.ID, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err == nil && v >= 0 {
		return domain.ID(v), nil
	}
	if p.Policy == Strict {
		return domain.InvalidID, &MalformedRecordError{Kind: kind, Field: "id", Value: raw}
	}
	p.logger().Warn("Malformed record id",
		slog.String("kind", kind),
		slog.String("value", raw))
	return domain.InvalidID, nil
}

func (p Parser) Project(raw RawProject) (*domain.Project, error) {
	id, err := p.id("project", raw.ID)
	if err != nil {
		return nil, err
	}
	return &domain.Project{
		ID:          id,
		Name:        strings.TrimSpace(raw.Name),
		MemberCount: len(raw.Memberships) + len(raw.BareMemberships),
		StartDate:   strings.TrimSpace(raw.StartDate),
	}, nil
}

func (p Parser) Story(raw RawStory) domain.Story {
	return domain.Story{
		Name:  strings.TrimSpace(raw.Name),
		State: domain.State(strings.TrimSpace(raw.CurrentState)),
	}
}

func (p Parser) Iteration(raw RawIteration) (domain.Iteration, error) {
	id, err := p.id("iteration", raw.ID)
	if err != nil {
		return domain.Iteration{}, err
	}
	stories := make([]domain.Story, 0, len(raw.Stories))
	for _, s := range raw.Stories {
		stories = append(stories, p.Story(s))
	}
	return domain.NewIteration(id, stories), nil
}

// ProjectList parses already-decoded records in order.
func (p Parser) ProjectList(raws []RawProject) ([]*domain.Project, error) {
	res := make([]*domain.Project, 0, len(raws))
	for _, raw := range raws {
		proj, err := p.Project(raw)
		if err != nil {
			return nil, err
		}
		res = append(res, proj)
	}
	return res, nil
}

// IterationList parses already-decoded records in order.
func (p Parser) IterationList(raws []RawIteration) ([]domain.Iteration, error) {
	res := make([]domain.Iteration, 0, len(raws))
	for _, raw := range raws {
		it, err := p.Iteration(raw)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, nil
}

// Projects decodes every <project> element of a project list document.
func (p Parser) Projects(r io.Reader) ([]*domain.Project, error) {
	raws, err := collect[RawProject](r, "project")
	if err != nil {
		return nil, err
	}
	return p.ProjectList(raws)
}

// Iterations decodes every <iteration> element of an iteration list document.
func (p Parser) Iterations(r io.Reader) ([]domain.Iteration, error) {
	raws, err := collect[RawIteration](r, "iteration")
	if err != nil {
		return nil, err
	}
	return p.IterationList(raws)
}

// Token returns the <guid> text of a token document.
func (p Parser) Token(r io.Reader) (string, error) {
	guids, err := collect[string](r, "guid")
	if err != nil {
		return "", err
	}
	for _, g := range guids {
		if guid := strings.TrimSpace(g); guid != "" {
			return guid, nil
		}
	}
	return "", ErrMissingToken
}

// collect decodes every element named name, at any depth, in document order.
// A matched element is consumed whole, so nested matches are not revisited.
func collect[T any](r io.Reader, name string) ([]T, error) {
	dec := xml.NewDecoder(r)
	var res []T
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s document: %w", name, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != name {
			continue
		}
		var v T
		if err := dec.DecodeElement(&v, &start); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		res = append(res, v)
	}
}
