// Package trackertest runs a fake tracker service for tests: basic-auth token
// exchange, project list and per-project iteration lists, all in XML.
package trackertest

import (
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	DefaultUsername = "ann"
	DefaultPassword = "secret"
	DefaultToken    = "c93f12c71bec27843c1d84b3bdd547f3"
)

type Story struct {
	Name  string `xml:"name"`
	State string `xml:"current_state"`
}

type Iteration struct {
	ID      int     `xml:"id"`
	Stories []Story `xml:"stories>story"`
}

type Project struct {
	ID        string
	Name      string
	StartDate string
	Members   int

	Iterations []Iteration
	// Delay holds the iterations response back.
	Delay time.Duration
	// Status forces the iterations response status when non-zero.
	Status int
}

// Server is a running fake. Fields may be changed between requests.
type Server struct {
	URL string

	mu             sync.Mutex
	username       string
	password       string
	token          string
	projects       []Project
	projectsStatus int
	rawProjects    string
	requests       []string
	srv            *httptest.Server
}

type Option func(*Server)

func WithProjects(projects ...Project) Option {
	return func(s *Server) { s.projects = projects }
}

func WithCredentials(username, password, token string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
		s.token = token
	}
}

// New starts a fake and closes it when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		username: DefaultUsername,
		password: DefaultPassword,
		token:    DefaultToken,
	}
	for _, opt := range opts {
		opt(s)
	}
	router := chi.NewRouter()
	router.Use(s.record)
	router.Get("/tokens/active", s.handleToken)
	router.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/projects", s.handleProjects)
		r.Get("/projects/{id}/iterations", s.handleIterations)
	})
	s.srv = httptest.NewServer(router)
	s.URL = s.srv.URL + "/"
	t.Cleanup(s.srv.Close)
	return s
}

// Requests returns the request paths served so far, in arrival order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Count returns how many requests hit path.
func (s *Server) Count(path string) int {
	n := 0
	for _, p := range s.Requests() {
		if p == path {
			n++
		}
	}
	return n
}

// FailProjects forces the status of the project list response; 0 restores it.
func (s *Server) FailProjects(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectsStatus = status
}

// SetRawProjects replaces the project list body verbatim.
func (s *Server) SetRawProjects(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawProjects = body
}

// RevokeToken makes every later token-authenticated request fail with 401.
func (s *Server) RevokeToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.URL.Path)
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()
		if token == "" || r.Header.Get("X-TrackerToken") != token {
			http.Error(w, "<message>Access denied.</message>", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	s.mu.Lock()
	valid := ok && user == s.username && pass == s.password && s.token != ""
	token := s.token
	s.mu.Unlock()
	if !valid {
		http.Error(w, "<message>Invalid username or password.</message>", http.StatusUnauthorized)
		return
	}
	writeXML(w, struct {
		XMLName xml.Name `xml:"token"`
		GUID    string   `xml:"guid"`
		ID      int      `xml:"id"`
	}{GUID: token, ID: 1})
}

type xmlMembership struct {
	ID int `xml:"id"`
}

type xmlProject struct {
	ID          string          `xml:"id"`
	Name        string          `xml:"name"`
	StartDate   string          `xml:"start_date,omitempty"`
	Memberships []xmlMembership `xml:"memberships>membership"`
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.projectsStatus
	raw := s.rawProjects
	projects := append([]Project(nil), s.projects...)
	s.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if raw != "" {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(raw))
		return
	}
	doc := struct {
		XMLName  xml.Name     `xml:"projects"`
		Type     string       `xml:"type,attr"`
		Projects []xmlProject `xml:"project"`
	}{Type: "array"}
	for _, p := range projects {
		xp := xmlProject{ID: p.ID, Name: p.Name, StartDate: p.StartDate}
		for i := 0; i < p.Members; i++ {
			xp.Memberships = append(xp.Memberships, xmlMembership{ID: i + 1})
		}
		doc.Projects = append(doc.Projects, xp)
	}
	writeXML(w, doc)
}

func (s *Server) handleIterations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	var project *Project
	for i := range s.projects {
		if s.projects[i].ID == id {
			p := s.projects[i]
			project = &p
			break
		}
	}
	s.mu.Unlock()
	if project == nil {
		http.NotFound(w, r)
		return
	}
	if project.Delay > 0 {
		select {
		case <-time.After(project.Delay):
		case <-r.Context().Done():
			return
		}
	}
	if project.Status != 0 {
		http.Error(w, http.StatusText(project.Status), project.Status)
		return
	}
	writeXML(w, struct {
		XMLName    xml.Name    `xml:"iterations"`
		Type       string      `xml:"type,attr"`
		Iterations []Iteration `xml:"iteration"`
	}{Type: "array", Iterations: project.Iterations})
}

func writeXML(w http.ResponseWriter, v any) {
	data, err := xml.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Length", strconv.Itoa(len(xml.Header)+len(data)))
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(data)
}
