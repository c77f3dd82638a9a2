package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"storyline/internal/bus"
	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/events"
	"storyline/internal/migrate"
	"storyline/internal/parse"
	"storyline/internal/repo"
	"storyline/internal/session"
	"storyline/internal/tracker"
)

// Options for Open. Zero values fall back to the workspace config.
type Options struct {
	Workspace string
	Logger    *slog.Logger
	// Endpoint overrides tracker.endpoint.
	Endpoint string
	// NoJournal skips recording pipeline events.
	NoJournal bool
}

// Context is the wired runtime of one command: workspace database, bus,
// token store and fetch pipeline.
type Context struct {
	Config   *config.Config
	DB       *sql.DB
	Repo     repo.Repo
	Bus      *bus.Bus
	Store    session.Store
	Pipeline *tracker.Pipeline
	Logger   *slog.Logger

	detach []func()
}

// Open loads the workspace config, migrates the database and builds the
// pipeline. Close releases everything.
func Open(ctx context.Context, opts Options) (*Context, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if opts.Endpoint != "" {
		cfg.Tracker.Endpoint = opts.Endpoint
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate workspace db: %w", err)
	}
	logger.Debug("Workspace ready", slog.String("db", db.Path(opts.Workspace)), slog.Int("schema_version", version))

	r := repo.Repo{DB: conn}
	a := &Context{Config: cfg, DB: conn, Repo: r, Logger: logger}
	switch cfg.Session.Store {
	case config.StoreMemory:
		a.Store = session.NewMemory()
	default:
		a.Store = session.NewSQL(r, cfg.SessionKey())
	}

	a.Bus = bus.New(bus.WithLogger(logger))
	client := tracker.NewClient(cfg.Tracker.Endpoint)
	client.Timeout = timeout
	client.UserAgent = cfg.Tracker.UserAgent
	a.Pipeline = tracker.New(tracker.Config{
		Bus:    a.Bus,
		Client: client,
		Parser: parse.Parser{Policy: policy, Logger: logger},
		Store:  a.Store,
		Logger: logger,
	})
	if !opts.NoJournal {
		a.detach = append(a.detach, events.Journal{Repo: r, Logger: logger}.Attach(a.Bus))
	}
	return a, nil
}

// Resume authenticates with the stored token, if any. It reports whether a
// session was resumed.
func (a *Context) Resume(ctx context.Context) (bool, error) {
	token, err := a.Store.Load(ctx)
	if errors.Is(err, session.ErrNoToken) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := a.Pipeline.AuthenticateWithToken(ctx, token).Wait(); err != nil {
		return false, err
	}
	a.Logger.Debug("Resumed stored session")
	return true, nil
}

// Logout forgets the stored token.
func (a *Context) Logout(ctx context.Context) error {
	return a.Store.Clear(ctx)
}

// Close drains the pipeline, detaches the journal and closes the database.
func (a *Context) Close() error {
	a.Pipeline.Close()
	for _, fn := range a.detach {
		fn()
	}
	return a.DB.Close()
}
