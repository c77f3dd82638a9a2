package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"storyline/internal/domain"
	"storyline/internal/parse"
	"storyline/internal/repo"
	"storyline/internal/tracker"
	"storyline/internal/view"
)

// Pipeline is the part of the fetch pipeline the API drives.
type Pipeline interface {
	FetchProjects(ctx context.Context) *tracker.Task
	State() tracker.State
}

// Config for the HTTP API handler.
type Config struct {
	Snapshot *view.Snapshot
	Pipeline Pipeline
	// Repo serves the event journal; nil disables /events.
	Repo     *repo.Repo
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"session_unavailable"`
	Message string         `json:"message" example:"tracker session is not established"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the project graph.
func New(cfg Config) (http.Handler, error) {
	if cfg.Snapshot == nil || cfg.Pipeline == nil {
		return nil, errors.New("server: snapshot and pipeline are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Storyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSession(group, cfg)
	registerProjects(group, cfg.Snapshot)
	registerRefresh(group, cfg.Pipeline)
	if cfg.Repo != nil {
		registerEvents(group, *cfg.Repo)
	}
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, tracker.ErrNotAuthenticated):
		return newAPIError(http.StatusServiceUnavailable, "session_unavailable", "tracker session is not established", nil)
	case errors.Is(err, tracker.ErrClosed):
		return newAPIError(http.StatusServiceUnavailable, "shutting_down", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var apiErr *tracker.APIError
	if errors.As(err, &apiErr) {
		return newAPIError(http.StatusBadGateway, "upstream_error", "tracker request failed", map[string]any{"status": apiErr.StatusCode})
	}
	var mre *parse.MalformedRecordError
	if errors.As(err, &mre) {
		return newAPIError(http.StatusBadGateway, "malformed_upstream", err.Error(), map[string]any{"kind": mre.Kind, "field": mre.Field})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Storyline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerSession(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "session",
		Method:      http.MethodGet,
		Path:        "/session",
		Summary:     "Tracker session status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		res := SessionResponse{
			State:         cfg.Pipeline.State().String(),
			SessionStatus: cfg.Snapshot.Session(),
		}
		if p, ok := principalFromContext(ctx); ok {
			res.Viewer = p.Subject
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: res}, nil
	})
}

type projectPath struct {
	ID int `path:"id" minimum:"0"`
}

func lookupProject(snap *view.Snapshot, id int) (*domain.Project, huma.StatusError) {
	p, ok := snap.Project(domain.ID(id))
	if !ok {
		return nil, newAPIError(http.StatusNotFound, "not_found", "project not found", map[string]any{"id": id})
	}
	return p, nil
}

func registerProjects(api huma.API, snap *view.Snapshot) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body paginatedProjects `json:"body"`
	}, error) {
		resp := paginatedProjects{Items: []ProjectResponse{}}
		for _, p := range snap.Projects() {
			resp.Items = append(resp.Items, projectResponse(p, false))
		}
		return &struct {
			Body paginatedProjects `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project with iterations",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, herr := lookupProject(snap, input.ID)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/stories",
		Summary:     "Stories of the current iteration",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID    int    `path:"id" minimum:"0"`
		State string `query:"state" example:"accepted"`
	}) (*struct {
		Body paginatedStories `json:"body"`
	}, error) {
		p, herr := lookupProject(snap, input.ID)
		if herr != nil {
			return nil, herr
		}
		if !p.IterationsLoaded() {
			return nil, newAPIError(http.StatusConflict, "iterations_pending", "iterations not loaded yet", map[string]any{"id": input.ID})
		}
		resp := paginatedStories{Items: []StoryResponse{}}
		if cur, ok := p.CurrentIteration(); ok {
			resp.IterationID = int(cur.ID)
			stories := cur.Stories()
			if input.State != "" {
				stories = cur.StoriesWhere(domain.State(input.State))
			}
			resp.Items = storyResponses(stories)
		}
		return &struct {
			Body paginatedStories `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRefresh(api huma.API, p Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID:   "refresh",
		Method:        http.MethodPost,
		Path:          "/refresh",
		Summary:       "Refetch projects and their iterations",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusServiceUnavailable, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RefreshResponse `json:"body"`
	}, error) {
		// The cascade keeps running after the response is written.
		task := p.FetchProjects(context.WithoutCancel(ctx))
		select {
		case <-task.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err := task.Err(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RefreshResponse `json:"body"`
		}{Body: RefreshResponse{Status: "refreshing"}}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent pipeline events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Topic     string `query:"topic"`
		ProjectID int    `query:"project_id" default:"-1"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		var projectID *int
		if input.ProjectID >= 0 {
			projectID = &input.ProjectID
		}
		items, err := r.LatestEvents(ctx, normalizeLimit(input.Limit), input.Topic, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
