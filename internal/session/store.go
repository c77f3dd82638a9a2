// Package session persists the tracker token so a later run can skip the
// credential exchange. The token is one opaque string under a fixed key.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"storyline/internal/repo"
)

const DefaultKey = "api-token"

var ErrNoToken = errors.New("no session token stored")

type Store interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Memory keeps the token for the life of the process.
type Memory struct {
	mu    sync.Mutex
	token string
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return "", ErrNoToken
	}
	return m.token, nil
}

func (m *Memory) Save(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}

// SQL stores the token in the workspace database.
type SQL struct {
	Repo repo.Repo
	Key  string
	Now  func() time.Time
}

func NewSQL(r repo.Repo, key string) *SQL {
	if key == "" {
		key = DefaultKey
	}
	return &SQL{Repo: r, Key: key, Now: time.Now}
}

func (s *SQL) Load(ctx context.Context) (string, error) {
	token, err := s.Repo.GetSessionToken(ctx, s.Key)
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("load session token: %w", err)
	}
	return token, nil
}

func (s *SQL) Save(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return s.Clear(ctx)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if err := s.Repo.PutSessionToken(ctx, s.Key, token, now()); err != nil {
		return fmt.Errorf("save session token: %w", err)
	}
	return nil
}

func (s *SQL) Clear(ctx context.Context) error {
	if err := s.Repo.DeleteSessionToken(ctx, s.Key); err != nil {
		return fmt.Errorf("clear session token: %w", err)
	}
	return nil
}
