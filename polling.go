package marketsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// PollOptions describes one polled subject.
type PollOptions struct {
	// Key identifies the subject. At most one task runs per key.
	Key string

	Interval time.Duration

	// Fetch performs one request. The returned commit func applies the
	// result and is only called while the task is live.
	Fetch func(ctx context.Context) (commit func(), err error)
}

// PollTask is a running poll loop. Stop it explicitly or cancel the
// context it was started with.
type PollTask struct {
	key    string
	fetch  func(ctx context.Context) (func(), error)
	ticker clockwork.Ticker
	logger *slog.Logger
	onAuth func(error)
	onStop func(*PollTask)

	ctx    context.Context
	cancel context.CancelFunc

	inFlight atomic.Bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	reason  error
	ticks   int64
	skipped int64

	stopOnce sync.Once
	done     chan struct{}
}

// Key returns the polled subject.
func (t *PollTask) Key() string { return t.key }

// Done is closed once the loop and any in-flight fetch have exited.
func (t *PollTask) Done() <-chan struct{} { return t.done }

// StopReason is nil after a plain Stop, wraps ErrNotFound when the subject
// disappeared, holds the 401 error when the session expired, or the
// context error when the parent context ended.
func (t *PollTask) StopReason() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Stopped reports whether the task no longer accepts results.
func (t *PollTask) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Skipped returns how many ticks were dropped because a fetch was still
// in flight.
func (t *PollTask) Skipped() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.skipped
}

// Stop ends the task. Results of a fetch still in flight are discarded.
// Calling Stop more than once is a no-op.
func (t *PollTask) Stop() {
	t.stopWith(nil)
}

func (t *PollTask) stopWith(reason error) {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		t.reason = reason
		t.mu.Unlock()
		t.cancel()
		if t.onStop != nil {
			t.onStop(t)
		}
	})
}

func (t *PollTask) run() {
	defer close(t.done)
	defer t.wg.Wait()
	defer t.ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			t.stopWith(t.ctx.Err())
			return
		case <-t.ticker.Chan():
			t.mu.Lock()
			t.ticks++
			t.mu.Unlock()
			if !t.inFlight.CompareAndSwap(false, true) {
				t.mu.Lock()
				t.skipped++
				t.mu.Unlock()
				t.logger.Debug("poll tick skipped, fetch in flight", "key", t.key)
				continue
			}
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				defer t.inFlight.Store(false)
				t.once()
			}()
		}
	}
}

func (t *PollTask) once() {
	commit, err := t.fetch(t.ctx)
	if err != nil {
		if t.Stopped() || t.ctx.Err() != nil {
			return
		}
		switch {
		case IsNotFound(err):
			t.logger.Info("poll subject gone, stopping", "key", t.key)
			t.stopWith(fmt.Errorf("poll %s: %w", t.key, ErrNotFound))
		case IsUnauthorized(err):
			t.stopWith(err)
			if t.onAuth != nil {
				t.onAuth(err)
			}
		default:
			t.logger.Warn("poll failed", "key", t.key, "err", err)
		}
		return
	}
	if commit == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	commit()
}

// ============================================================================
// Engine entry points
// ============================================================================

// Poll runs opts.Fetch once in the foreground and, if it succeeds, keeps
// running it every opts.Interval in the background. A foreground error is
// returned and no task is started. If a task for opts.Key is already
// running it is returned as is.
func (e *Engine) Poll(ctx context.Context, opts PollOptions) (*PollTask, error) {
	if opts.Interval <= 0 {
		return nil, &ValidationError{Field: "interval", Reason: "must be positive"}
	}
	if opts.Fetch == nil {
		return nil, &ValidationError{Field: "fetch", Reason: "required"}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if t, ok := e.polls[opts.Key]; ok {
		e.mu.Unlock()
		return t, nil
	}
	e.mu.Unlock()

	commit, err := opts.Fetch(ctx)
	if err != nil {
		if IsUnauthorized(err) {
			e.expireSession(err)
		}
		return nil, fmt.Errorf("poll %s: %w", opts.Key, err)
	}
	if commit != nil {
		commit()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if t, ok := e.polls[opts.Key]; ok {
		return t, nil
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &PollTask{
		key:    opts.Key,
		fetch:  opts.Fetch,
		ticker: e.clock.NewTicker(opts.Interval),
		logger: e.logger,
		onAuth: e.expireSession,
		onStop: e.forgetPoll,
		ctx:    taskCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.polls[opts.Key] = t
	go t.run()

	e.logger.Debug("poll started", "key", opts.Key, "interval", opts.Interval)
	return t, nil
}

func (e *Engine) forgetPoll(t *PollTask) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.polls[t.key] == t {
		delete(e.polls, t.key)
	}
}

// Polling returns the running task for key, if any.
func (e *Engine) Polling(key string) (*PollTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.polls[key]
	return t, ok
}

func defaultPollInterval(kind ResourceKind) time.Duration {
	if kind == KindProfile {
		return VerificationPollInterval
	}
	return ChatPollInterval
}

// StartPolling keeps the first page of kind fresh. The profile is polled to
// pick up verification status changes. A zero interval picks the kind's
// default.
func (e *Engine) StartPolling(ctx context.Context, kind ResourceKind, interval time.Duration) (*PollTask, error) {
	if interval <= 0 {
		interval = defaultPollInterval(kind)
	}
	return e.Poll(ctx, PollOptions{
		Key:      "kind:" + string(kind),
		Interval: interval,
		Fetch: func(ctx context.Context) (func(), error) {
			p, err := e.api.FetchCollection(ctx, kind, 1, e.coord.pageSize)
			if err != nil {
				return nil, err
			}
			return func() { e.store.SetPage(kind, p.Results, 1, p.HasMore) }, nil
		},
	})
}

// WatchChat polls the newest messages of chatID and merges them into its
// thread, keeping Pending and Failed local records on top.
func (e *Engine) WatchChat(ctx context.Context, chatID string, interval time.Duration) (*PollTask, error) {
	if interval <= 0 {
		interval = ChatPollInterval
	}
	thread := e.ChatThread(chatID)
	return e.Poll(ctx, PollOptions{
		Key:      "chat:" + chatID,
		Interval: interval,
		Fetch: func(ctx context.Context) (func(), error) {
			p, err := e.api.FetchMessages(ctx, chatID, 1, e.coord.pageSize)
			if err != nil {
				return nil, err
			}
			msgs := Items[Message](p.Results)
			return func() {
				thread.Merge(msgs)
				if len(msgs) > 0 {
					newest := msgs[0]
					e.store.Patch(KindChats, chatID, func(r Resource) Resource {
						return patchLastMessage(r, newest)
					})
				}
			}, nil
		},
	})
}
