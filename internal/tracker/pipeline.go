// Package tracker drives the authenticated fetch cascade against the tracker
// service: login, then projects, then one iterations request per project.
// Results are parsed into domain entities and announced on a bus.
package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"storyline/internal/bus"
	"storyline/internal/domain"
	"storyline/internal/logattr"
	"storyline/internal/parse"
)

// State is the session state of a Pipeline.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrCredentialRejected = errors.New("credentials rejected")
	ErrEmptyToken         = errors.New("token required")
	ErrInvalidProjectID   = errors.New("project has no valid id")
	ErrClosed             = errors.New("pipeline closed")
)

// TokenStore persists the session token between runs.
type TokenStore interface {
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Config wires a Pipeline. Bus and Client are required.
type Config struct {
	Bus    *bus.Bus
	Client *Client
	Parser parse.Parser
	Store  TokenStore
	Logger *slog.Logger
}

// Pipeline owns the session token and issues tracker requests. Every
// publish goes through a single dispatch goroutine, so handlers of different
// events never run concurrently and may call back into the Pipeline.
type Pipeline struct {
	bus    *bus.Bus
	client *Client
	parser parse.Parser
	store  TokenStore
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	token  string
	epoch  uint64
	closed bool

	loop    *loop
	pending pending
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = NewClient("")
	}
	b := cfg.Bus
	if b == nil {
		b = bus.New(bus.WithLogger(logger))
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		bus:    b,
		client: client,
		parser: cfg.Parser,
		store:  cfg.Store,
		logger: logger,
		loop:   newLoop(),
		ctx:    ctx,
		cancel: cancel,
	}
	p.pending.cond = sync.NewCond(&p.pending.mu)
	return p
}

func (p *Pipeline) Bus() *bus.Bus { return p.bus }

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Token returns the held token, or "" outside the authenticated state.
func (p *Pipeline) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// AuthenticateWithCredentials exchanges username and password for a token.
// Success publishes session:established, failure session:rejected.
func (p *Pipeline) AuthenticateWithCredentials(ctx context.Context, username, password string) *Task {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return doneTask(ErrClosed)
	}
	p.epoch++
	epoch := p.epoch
	p.state = StateAuthenticating
	p.token = ""
	p.mu.Unlock()

	return p.spawn(ctx, func(ctx context.Context) error {
		body, err := p.client.ActiveToken(ctx, username, password)
		var token string
		if err == nil {
			token, err = p.parser.Token(bytes.NewReader(body))
		}
		if err != nil {
			if p.canceled(ctx, err) {
				p.abandon(epoch)
				return err
			}
			p.credentialFailed(epoch, err)
			return fmt.Errorf("%w: %w", ErrCredentialRejected, err)
		}
		p.establish(ctx, epoch, token)
		return nil
	})
}

// AuthenticateWithToken trusts token without a round trip; the first
// authenticated request is what validates it.
func (p *Pipeline) AuthenticateWithToken(ctx context.Context, token string) *Task {
	if token == "" {
		return doneTask(ErrEmptyToken)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return doneTask(ErrClosed)
	}
	p.epoch++
	epoch := p.epoch
	p.mu.Unlock()

	p.establish(orBackground(ctx), epoch, token)
	return doneTask(nil)
}

// FetchProjects requests the project list. On success it publishes
// projects:received and then issues one FetchIterations per project.
func (p *Pipeline) FetchProjects(ctx context.Context) *Task {
	token, epoch, err := p.authorized()
	if err != nil {
		return doneTask(err)
	}
	ctx = orBackground(ctx)
	return p.spawn(ctx, func(tctx context.Context) error {
		body, err := p.client.Projects(tctx, token)
		if err != nil {
			return p.requestFailed(tctx, epoch, err)
		}
		projects, err := p.parser.Projects(bytes.NewReader(body))
		if err != nil {
			return p.parseFailed(tctx, epoch, err)
		}
		p.logger.Debug("Projects received", slog.Int("count", len(projects)))
		p.emit(TopicProjectsReceived, projects)
		// The cascade outlives this task, so it runs under the caller's ctx.
		for _, proj := range projects {
			p.FetchIterations(ctx, proj)
		}
		return nil
	})
}

// FetchIterations requests the iterations of project, stores them in the
// project's write-once slot and publishes iterations:received with project.
func (p *Pipeline) FetchIterations(ctx context.Context, project *domain.Project) *Task {
	if project == nil || !project.ID.Valid() {
		if project != nil {
			p.logger.Warn("Skipping iterations for project without id",
				slog.String("project_name", project.Name))
		}
		return doneTask(ErrInvalidProjectID)
	}
	token, epoch, err := p.authorized()
	if err != nil {
		return doneTask(err)
	}
	return p.spawn(ctx, func(ctx context.Context) error {
		body, err := p.client.Iterations(ctx, token, project.ID)
		if err != nil {
			return p.requestFailed(ctx, epoch, err)
		}
		its, err := p.parser.Iterations(bytes.NewReader(body))
		if err != nil {
			return p.parseFailed(ctx, epoch, err)
		}
		if err := project.SetIterations(its); err != nil {
			p.logger.Warn("Iterations already loaded",
				logattr.ProjectID(project.ID))
			return err
		}
		p.emit(TopicIterationsReceived, project)
		return nil
	})
}

// Wait blocks until no request is in flight and no publish is queued,
// including requests issued by handlers while waiting. Do not call it from a
// bus handler.
func (p *Pipeline) Wait() {
	p.pending.wait()
}

// Close cancels in-flight requests, delivers what is already queued and
// stops the dispatch goroutine. Do not call it from a bus handler.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.pending.wait()
	p.loop.close()
}

func (p *Pipeline) authorized() (string, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", 0, ErrClosed
	}
	if p.state != StateAuthenticated || p.token == "" {
		return "", 0, ErrNotAuthenticated
	}
	return p.token, p.epoch, nil
}

func (p *Pipeline) establish(ctx context.Context, epoch uint64, token string) {
	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return
	}
	p.state = StateAuthenticated
	p.token = token
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.Save(context.WithoutCancel(ctx), token); err != nil {
			p.logger.Error("Failed to persist session token", logattr.Error(err))
		}
	}
	p.logger.Info("Session established")
	p.emit(TopicSessionEstablished)
}

// abandon drops an unfinished credential exchange without publishing.
func (p *Pipeline) abandon(epoch uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.epoch == epoch && p.state == StateAuthenticating {
		p.state = StateUnauthenticated
	}
}

func (p *Pipeline) credentialFailed(epoch uint64, err error) {
	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return
	}
	p.state = StateUnauthenticated
	p.mu.Unlock()

	p.logger.Warn("Credential exchange failed", logattr.Error(err))
	p.emit(TopicSessionRejected)
}

// requestFailed treats any authenticated request failure as a rejected
// credential. Only the first failure of a session publishes.
func (p *Pipeline) requestFailed(ctx context.Context, epoch uint64, err error) error {
	if p.canceled(ctx, err) {
		return err
	}
	p.mu.Lock()
	if p.epoch != epoch || p.state != StateAuthenticated {
		p.mu.Unlock()
		p.logger.Debug("Ignoring failure of stale session", logattr.Error(err))
		return err
	}
	p.state = StateRejected
	p.token = ""
	p.mu.Unlock()

	if p.store != nil {
		if cerr := p.store.Clear(context.WithoutCancel(ctx)); cerr != nil {
			p.logger.Error("Failed to clear session token", logattr.Error(cerr))
		}
	}
	p.logger.Warn("Session rejected", logattr.Error(err))
	p.emit(TopicSessionRejected)
	return err
}

func (p *Pipeline) parseFailed(ctx context.Context, epoch uint64, err error) error {
	var mre *parse.MalformedRecordError
	if errors.As(err, &mre) {
		p.logger.Warn("Malformed record", logattr.Error(err))
		p.emit(TopicRecordsMalformed, err)
		return err
	}
	return p.requestFailed(ctx, epoch, err)
}

func (p *Pipeline) canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func (p *Pipeline) spawn(ctx context.Context, fn func(context.Context) error) *Task {
	ctx = orBackground(ctx)
	t := newTask()
	p.pending.add()
	go func() {
		defer p.pending.done()
		tctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(p.ctx, cancel)
		defer stop()

		var err error
		var pc panics.Catcher
		pc.Try(func() { err = fn(tctx) })
		if r := pc.Recovered(); r != nil {
			p.logger.Error("Request task panicked",
				slog.Any("panic", r.Value),
				slog.String("stack", string(r.Stack)))
			err = fmt.Errorf("request task panicked: %v", r.Value)
		}
		t.finish(err)
	}()
	return t
}

func (p *Pipeline) emit(topic bus.Topic, args ...any) {
	p.pending.add()
	ok := p.loop.post(func() {
		defer p.pending.done()
		p.bus.Publish(topic, args...)
	})
	if !ok {
		p.pending.done()
		p.logger.Debug("Dropped publish after close", logattr.Topic(topic))
	}
}

// pending counts in-flight tasks and queued publishes.
type pending struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func (c *pending) add() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *pending) done() {
	c.mu.Lock()
	c.n--
	if c.n == 0 {
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

func (c *pending) wait() {
	c.mu.Lock()
	for c.n > 0 {
		c.cond.Wait()
	}
	c.mu.Unlock()
}
