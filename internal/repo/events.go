package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Event is one journal row.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Topic     string `json:"topic"`
	ProjectID *int   `json:"project_id,omitempty"`
	Payload   string `json:"payload_json"`
}

func (r Repo) InsertEvent(ctx context.Context, e Event) (int64, error) {
	var projectID any
	if e.ProjectID != nil {
		projectID = *e.ProjectID
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,topic,project_id,payload_json) VALUES (?,?,?,?)`,
		e.TS, e.Topic, projectID, nullable(e.Payload))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// LatestEvents returns up to limit events, newest first, optionally filtered
// by topic and project.
func (r Repo) LatestEvents(ctx context.Context, limit int, topic string, projectID *int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		where []string
		args  []any
	)
	if topic != "" {
		where = append(where, "topic=?")
		args = append(args, topic)
	}
	if projectID != nil {
		where = append(where, "project_id=?")
		args = append(args, *projectID)
	}
	query := `SELECT id,ts,topic,project_id,COALESCE(payload_json,'') FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var pid sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TS, &e.Topic, &pid, &e.Payload); err != nil {
			return nil, err
		}
		if pid.Valid {
			v := int(pid.Int64)
			e.ProjectID = &v
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
