package server

import (
	"encoding/json"

	"storyline/internal/domain"
	"storyline/internal/repo"
	"storyline/internal/view"
)

// Response payloads

type StoryResponse struct {
	Name  string `json:"name"`
	State string `json:"state" example:"accepted"`
}

type IterationResponse struct {
	ID      int             `json:"id"`
	Stories []StoryResponse `json:"stories"`
	Counts  map[string]int  `json:"counts"`
}

type ProjectResponse struct {
	ID               int                 `json:"id"`
	Name             string              `json:"name"`
	MemberCount      int                 `json:"member_count"`
	StartDate        string              `json:"start_date,omitempty"`
	IterationsLoaded bool                `json:"iterations_loaded"`
	Current          *IterationResponse  `json:"current_iteration,omitempty"`
	Iterations       []IterationResponse `json:"iterations,omitempty"`
}

type SessionResponse struct {
	State  string `json:"state" enum:"unauthenticated,authenticating,authenticated,rejected"`
	Viewer string `json:"viewer,omitempty"`
	view.SessionStatus
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Topic     string         `json:"topic"`
	ProjectID *int           `json:"project_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

type RefreshResponse struct {
	Status string `json:"status" example:"refreshing"`
}

type paginatedProjects struct {
	Items []ProjectResponse `json:"items"`
}

type paginatedStories struct {
	IterationID int             `json:"iteration_id"`
	Items       []StoryResponse `json:"items"`
}

type paginatedEvents struct {
	Items []EventResponse `json:"items"`
}

// Conversion helpers

func storyResponses(stories []domain.Story) []StoryResponse {
	res := make([]StoryResponse, 0, len(stories))
	for _, s := range stories {
		res = append(res, StoryResponse{Name: s.Name, State: string(s.State)})
	}
	return res
}

func iterationResponse(it domain.Iteration) IterationResponse {
	counts := make(map[string]int)
	for state, n := range it.Counts() {
		counts[string(state)] = n
	}
	return IterationResponse{
		ID:      int(it.ID),
		Stories: storyResponses(it.Stories()),
		Counts:  counts,
	}
}

// projectResponse summarizes p; withIterations adds the full iteration list.
func projectResponse(p *domain.Project, withIterations bool) ProjectResponse {
	res := ProjectResponse{
		ID:               int(p.ID),
		Name:             p.Name,
		MemberCount:      p.MemberCount,
		StartDate:        p.StartDate,
		IterationsLoaded: p.IterationsLoaded(),
	}
	if cur, ok := p.CurrentIteration(); ok {
		ir := iterationResponse(cur)
		res.Current = &ir
	}
	if withIterations && res.IterationsLoaded {
		res.Iterations = []IterationResponse{}
		for _, it := range p.Iterations() {
			res.Iterations = append(res.Iterations, iterationResponse(it))
		}
	}
	return res
}

func eventResponse(e repo.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Topic:     e.Topic,
		ProjectID: e.ProjectID,
		Payload:   decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
