package marketsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// sharedFetchTimeout bounds a fetch that outlives the caller that started
// it.
const sharedFetchTimeout = 30 * time.Second

// CoordinatorStats counts how loads were served.
type CoordinatorStats struct {
	Hits    int64
	Misses  int64
	Fetches int64
	Errors  int64
}

// Coordinator is the single entry point screens use to obtain a kind's
// collection. It serves fresh cache entries and fetches on a miss.
type Coordinator struct {
	api      API
	store    *Store
	bus      *Bus
	logger   *slog.Logger
	pageSize int
	onAuth   func(error)

	group singleflight.Group

	hits    atomic.Int64
	misses  atomic.Int64
	fetches atomic.Int64
	errors  atomic.Int64
}

// NewCoordinator wires a coordinator over store. onAuth is called with any
// 401 returned by a fetch; it may be nil.
func NewCoordinator(api API, store *Store, bus *Bus, logger *slog.Logger, pageSize int, onAuth func(error)) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Coordinator{
		api:      api,
		store:    store,
		bus:      bus,
		logger:   logger,
		pageSize: pageSize,
		onAuth:   onAuth,
	}
}

// Stats returns a snapshot of the hit and fetch counters.
func (c *Coordinator) Stats() CoordinatorStats {
	return CoordinatorStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Fetches: c.fetches.Load(),
		Errors:  c.errors.Load(),
	}
}

// Load returns kind's collection, from cache when it is fresh and force is
// false, otherwise from the API. A failed fetch leaves the cache untouched
// and returns the error; there is no automatic retry.
func (c *Coordinator) Load(ctx context.Context, kind ResourceKind, force bool) ([]Resource, error) {
	if !force {
		entry := c.store.Get(kind)
		if entry.IsFresh(c.store.Now()) {
			c.hits.Add(1)
			c.logger.Debug("cache hit", "kind", string(kind), "items", len(entry.Data))
			return entry.Data, nil
		}
	}
	c.misses.Add(1)

	key := string(kind)
	if force {
		key += ":force"
	}
	return c.shared(ctx, key, func(ctx context.Context) ([]Resource, error) {
		return c.fetch(ctx, kind, 1)
	})
}

// Refresh is Load with force set.
func (c *Coordinator) Refresh(ctx context.Context, kind ResourceKind) ([]Resource, error) {
	return c.Load(ctx, kind, true)
}

// LoadMore fetches the page after the last cached one and appends it. It
// returns the full collection, unchanged when there is nothing more.
func (c *Coordinator) LoadMore(ctx context.Context, kind ResourceKind) ([]Resource, error) {
	entry := c.store.Get(kind)
	if entry.Page == 0 {
		return c.Load(ctx, kind, false)
	}
	if !entry.HasMore {
		return entry.Data, nil
	}
	next := entry.Page + 1
	return c.shared(ctx, fmt.Sprintf("%s:page:%d", kind, next), func(ctx context.Context) ([]Resource, error) {
		return c.fetch(ctx, kind, next)
	})
}

// shared runs fn once per key for all concurrent callers. fn runs under a
// context detached from whichever caller started it; each caller returns
// as soon as its own ctx ends.
func (c *Coordinator) shared(ctx context.Context, key string, fn func(context.Context) ([]Resource, error)) ([]Resource, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()
		return fn(fetchCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Resource), nil
	}
}

func (c *Coordinator) fetch(ctx context.Context, kind ResourceKind, page int) ([]Resource, error) {
	c.fetches.Add(1)
	p, err := c.api.FetchCollection(ctx, kind, page, c.pageSize)
	if err != nil {
		c.errors.Add(1)
		if IsUnauthorized(err) && c.onAuth != nil {
			c.onAuth(err)
		}
		return nil, fmt.Errorf("fetch %s page %d: %w", kind, page, err)
	}
	c.store.SetPage(kind, p.Results, page, p.HasMore)
	c.logger.Debug("fetched", "kind", string(kind), "page", page, "items", len(p.Results), "has_more", p.HasMore)
	return c.store.Get(kind).Data, nil
}

// RefreshOn invalidates kind whenever topic is emitted and refetches it in
// the background. Refresh failures are logged. The returned func removes
// the subscription.
func (c *Coordinator) RefreshOn(ctx context.Context, topic Topic, kind ResourceKind, done func([]Resource, error)) func() {
	return c.bus.Subscribe(topic, func(ev Event) {
		c.store.Invalidate(kind)
		go func() {
			data, err := c.Refresh(ctx, kind)
			if err != nil {
				c.logger.Warn("refresh after event failed",
					"topic", string(topic), "kind", string(kind), "err", err)
			}
			if done != nil {
				done(data, err)
			}
		}()
	})
}
