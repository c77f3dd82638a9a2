package view

import (
	"sync"
	"time"

	"storyline/internal/bus"
	"storyline/internal/domain"
	"storyline/internal/tracker"
)

// SessionStatus summarizes what the snapshot has seen of the session.
type SessionStatus struct {
	Established bool      `json:"established"`
	Rejected    bool      `json:"rejected"`
	Projects    int       `json:"projects"`
	Loaded      int       `json:"loaded"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snapshot keeps the latest project graph keyed by id. Projects without a
// valid id cannot be addressed and are left out.
type Snapshot struct {
	now func() time.Time

	mu          sync.RWMutex
	established bool
	rejected    bool
	lastError   string
	updated     time.Time
	order       []domain.ID
	projects    map[domain.ID]*domain.Project
}

func NewSnapshot() *Snapshot {
	return &Snapshot{now: time.Now, projects: make(map[domain.ID]*domain.Project)}
}

// Attach subscribes the snapshot and returns a func that detaches it.
func (s *Snapshot) Attach(b *bus.Bus) func() {
	subs := map[bus.Topic]bus.SubscriptionID{
		tracker.TopicSessionEstablished: tracker.OnSessionEstablished(b, s.sessionEstablished),
		tracker.TopicSessionRejected:    tracker.OnSessionRejected(b, s.sessionRejected),
		tracker.TopicProjectsReceived:   tracker.OnProjectsReceived(b, s.projectsReceived),
		tracker.TopicIterationsReceived: tracker.OnIterationsReceived(b, s.iterationsReceived),
		tracker.TopicRecordsMalformed:   tracker.OnRecordsMalformed(b, s.recordsMalformed),
	}
	return func() {
		for topic, id := range subs {
			b.Unsubscribe(topic, id)
		}
	}
}

func (s *Snapshot) sessionEstablished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.established, s.rejected = true, false
	s.lastError = ""
	s.updated = s.now()
}

func (s *Snapshot) sessionRejected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.established, s.rejected = false, true
	s.lastError = RejectedMessage
	s.updated = s.now()
}

func (s *Snapshot) recordsMalformed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
	s.updated = s.now()
}

// projectsReceived replaces the graph; a refresh brings new project values.
func (s *Snapshot) projectsReceived(projects []*domain.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = s.order[:0]
	s.projects = make(map[domain.ID]*domain.Project, len(projects))
	for _, p := range projects {
		if !p.ID.Valid() {
			continue
		}
		if _, dup := s.projects[p.ID]; !dup {
			s.order = append(s.order, p.ID)
		}
		s.projects[p.ID] = p
	}
	s.updated = s.now()
}

func (s *Snapshot) iterationsReceived(project *domain.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if known, ok := s.projects[project.ID]; ok && known != project {
		// Iterations of a project list that has since been replaced.
		return
	}
	s.updated = s.now()
}

// Projects returns the projects in server order.
func (s *Snapshot) Projects() []*domain.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*domain.Project, 0, len(s.order))
	for _, id := range s.order {
		res = append(res, s.projects[id])
	}
	return res
}

func (s *Snapshot) Project(id domain.ID) (*domain.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	return p, ok
}

func (s *Snapshot) Session() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := SessionStatus{
		Established: s.established,
		Rejected:    s.rejected,
		Projects:    len(s.order),
		LastError:   s.lastError,
		UpdatedAt:   s.updated,
	}
	for _, p := range s.projects {
		if p.IterationsLoaded() {
			st.Loaded++
		}
	}
	return st
}
