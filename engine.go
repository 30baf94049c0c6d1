package marketsync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// EngineOptions configures an Engine. The zero value is usable.
type EngineOptions struct {
	Clock    clockwork.Clock
	Logger   *slog.Logger
	TTLs     map[ResourceKind]time.Duration
	PageSize int

	// Self is stamped as author/sender on optimistic records.
	Self UserRef

	// Authenticated gates mutations. Nil means always authenticated.
	Authenticated func() bool
}

// Engine is the application-root owner of the cache, the event bus and
// every optimistic list. Construct one per process (or per test).
type Engine struct {
	api    API
	store  *Store
	bus    *Bus
	coord  *Coordinator
	mut    *Mutator
	clock  clockwork.Clock
	logger *slog.Logger

	self          UserRef
	authenticated func() bool

	mu       sync.Mutex
	chats    map[string]*Thread[Message]
	comments map[string]*Thread[Comment]
	polls    map[string]*PollTask
	pushes   map[*Realtime]struct{}
	unsubs   []func()
	closed   bool

	expired atomic.Bool
}

// NewEngine creates an engine over api.
func NewEngine(api API, opts *EngineOptions) *Engine {
	if opts == nil {
		opts = &EngineOptions{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "marketsync")

	e := &Engine{
		api:           api,
		clock:         clock,
		logger:        logger,
		self:          opts.Self,
		authenticated: opts.Authenticated,
		chats:         make(map[string]*Thread[Message]),
		comments:      make(map[string]*Thread[Comment]),
		polls:         make(map[string]*PollTask),
		pushes:        make(map[*Realtime]struct{}),
	}
	e.store = NewStore(clock, opts.TTLs)
	e.bus = NewBus(logger)
	e.coord = NewCoordinator(api, e.store, e.bus, logger, opts.PageSize, e.expireSession)
	e.mut = NewMutator(e.bus, NewLatches(), e.expireSession)

	// Likes change what the favorites screen shows.
	e.unsubs = append(e.unsubs,
		On(e.bus, func(PublicationLiked) { e.store.Invalidate(KindFavorites) }),
		On(e.bus, func(PublicationUnliked) { e.store.Invalidate(KindFavorites) }),
		On(e.bus, func(ev MessageReceived) {
			kind, id := ev.Target()
			e.store.Patch(kind, id, ev.Patch)
		}),
	)
	return e
}

func (e *Engine) Store() *Store             { return e.store }
func (e *Engine) Bus() *Bus                 { return e.bus }
func (e *Engine) Coordinator() *Coordinator { return e.coord }
func (e *Engine) Mutator() *Mutator         { return e.mut }
func (e *Engine) Logger() *slog.Logger      { return e.logger }

// Load returns kind's collection through the coordinator.
func (e *Engine) Load(ctx context.Context, kind ResourceKind, forceRefresh bool) ([]Resource, error) {
	return e.coord.Load(ctx, kind, forceRefresh)
}

// Refresh refetches kind regardless of freshness.
func (e *Engine) Refresh(ctx context.Context, kind ResourceKind) ([]Resource, error) {
	return e.coord.Refresh(ctx, kind)
}

// LoadMore appends the next page of kind.
func (e *Engine) LoadMore(ctx context.Context, kind ResourceKind) ([]Resource, error) {
	return e.coord.LoadMore(ctx, kind)
}

// Subscribe registers fn for topic on the engine's bus.
func (e *Engine) Subscribe(topic Topic, fn Handler) func() {
	return e.bus.Subscribe(topic, fn)
}

// Emit publishes ev on the engine's bus.
func (e *Engine) Emit(ev Event) {
	e.bus.Emit(ev)
}

// ChatThread returns the message list of chatID, creating it on first use.
func (e *Engine) ChatThread(chatID string) *Thread[Message] {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.chats[chatID]
	if !ok {
		t = NewThread[Message](chatID)
		e.chats[chatID] = t
	}
	return t
}

// CommentThread returns the comment list of publicationID, creating it on
// first use.
func (e *Engine) CommentThread(publicationID string) *Thread[Comment] {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.comments[publicationID]
	if !ok {
		t = NewThread[Comment](publicationID)
		e.comments[publicationID] = t
	}
	return t
}

func (e *Engine) existingChatThread(chatID string) (*Thread[Message], bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.chats[chatID]
	return t, ok
}

// SessionExpired reports whether a 401 has torn the session down.
func (e *Engine) SessionExpired() bool { return e.expired.Load() }

// ResetSession clears the expired flag after the user signs in again.
func (e *Engine) ResetSession() { e.expired.Store(false) }

// expireSession tears the session down on the first 401: every kind goes
// stale, polling stops and SessionExpired is emitted once.
func (e *Engine) expireSession(err error) {
	if !e.expired.CompareAndSwap(false, true) {
		return
	}
	e.logger.Warn("session expired", "err", err)
	e.store.InvalidateAll()
	e.stopAllPolls()
	e.bus.Emit(SessionExpired{Err: err})
}

func (e *Engine) stopAllPolls() {
	e.mu.Lock()
	tasks := make([]*PollTask, 0, len(e.polls))
	for _, t := range e.polls {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()
	for _, t := range tasks {
		t.Stop()
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close stops polling, disconnects realtime listeners, drops every
// subscription and marks the engine closed. It is safe to call more than
// once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	pushes := make([]*Realtime, 0, len(e.pushes))
	for rt := range e.pushes {
		pushes = append(pushes, rt)
	}
	e.pushes = nil
	e.mu.Unlock()

	e.stopAllPolls()
	for _, rt := range pushes {
		if err := rt.Disconnect(); err != nil {
			e.logger.Debug("realtime disconnect on close", "err", err)
		}
	}
	for _, u := range unsubs {
		u()
	}
	e.bus.ClearAll()
}

func (e *Engine) requireAuth() error {
	if e.authenticated != nil && !e.authenticated() {
		return &ValidationError{Reason: "authentication required"}
	}
	return nil
}
