package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"storyline/internal/bus"
	"storyline/internal/domain"
	"storyline/internal/logattr"
	"storyline/internal/repo"
	"storyline/internal/tracker"
)

// Journal appends one events row per pipeline publish.
type Journal struct {
	Repo   repo.Repo
	Now    func() time.Time
	Logger *slog.Logger
}

type EventPayload map[string]any

// Attach subscribes the journal to every pipeline topic. The returned func
// detaches it again.
func (j Journal) Attach(b *bus.Bus) func() {
	ids := make(map[bus.Topic]bus.SubscriptionID, len(tracker.Topics))
	for _, topic := range tracker.Topics {
		ids[topic] = b.Subscribe(topic, j.record)
	}
	return func() {
		for topic, id := range ids {
			b.Unsubscribe(topic, id)
		}
	}
}

func (j Journal) record(topic bus.Topic, args ...any) {
	projectID, payload := summarize(topic, args)
	if err := j.Append(context.Background(), topic, projectID, payload); err != nil {
		j.logger().Error("Failed to journal event", logattr.Topic(topic), logattr.Error(err))
	}
}

// Append writes a single row.
func (j Journal) Append(ctx context.Context, topic bus.Topic, projectID *int, payload EventPayload) error {
	if j.Now == nil {
		j.Now = time.Now
	}
	var data string
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		data = string(raw)
	}
	_, err := j.Repo.InsertEvent(ctx, repo.Event{
		TS:        j.Now().UTC().Format(time.RFC3339),
		Topic:     string(topic),
		ProjectID: projectID,
		Payload:   data,
	})
	return err
}

func (j Journal) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func summarize(topic bus.Topic, args []any) (*int, EventPayload) {
	switch topic {
	case tracker.TopicProjectsReceived:
		projects, _ := first[[]*domain.Project](args)
		ids := make([]int, 0, len(projects))
		for _, p := range projects {
			ids = append(ids, int(p.ID))
		}
		return nil, EventPayload{"count": len(projects), "project_ids": ids}
	case tracker.TopicIterationsReceived:
		project, ok := first[*domain.Project](args)
		if !ok || project == nil {
			return nil, nil
		}
		id := int(project.ID)
		payload := EventPayload{"iterations": len(project.Iterations())}
		if cur, ok := project.CurrentIteration(); ok {
			payload["current_iteration"] = int(cur.ID)
			payload["stories"] = cur.Counts()
		}
		return &id, payload
	case tracker.TopicRecordsMalformed:
		if err, ok := first[error](args); ok && err != nil {
			return nil, EventPayload{"error": err.Error()}
		}
	}
	return nil, nil
}

func first[T any](args []any) (T, bool) {
	var zero T
	if len(args) == 0 {
		return zero, false
	}
	v, ok := args[0].(T)
	return v, ok
}
