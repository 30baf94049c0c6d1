package marketsync

import (
	"context"
	"sync"
)

// View is a screen's own copy of one kind. It stays consistent with
// mutations made elsewhere by applying patch events to its copy, so a
// second screen never has to refetch to show a like made on the first.
type View[T Resource] struct {
	engine *Engine
	kind   ResourceKind

	mu     sync.Mutex
	items  []T
	live   bool
	unsubs []func()
}

// NewView opens a view of kind. Close it when the screen goes away.
func NewView[T Resource](e *Engine, kind ResourceKind) *View[T] {
	v := &View[T]{engine: e, kind: kind, live: true}
	for _, topic := range patchTopics {
		v.unsubs = append(v.unsubs, e.bus.Subscribe(topic, v.apply))
	}
	return v
}

func (v *View[T]) apply(ev Event) {
	rp, ok := ev.(ResourcePatch)
	if !ok {
		return
	}
	kind, id := rp.Target()
	if kind != v.kind {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.live {
		return
	}
	for i, item := range v.items {
		if item.ResourceID() != id {
			continue
		}
		if patched, ok := rp.Patch(item).(T); ok {
			v.items[i] = patched
		}
		return
	}
}

// Load fills the view through the engine's coordinator. Results arriving
// after Close are dropped and ErrClosed is returned.
func (v *View[T]) Load(ctx context.Context, forceRefresh bool) ([]T, error) {
	data, err := v.engine.Load(ctx, v.kind, forceRefresh)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.live {
		return nil, ErrClosed
	}
	v.items = Items[T](data)
	return append([]T(nil), v.items...), nil
}

// LoadMore appends the next page.
func (v *View[T]) LoadMore(ctx context.Context) ([]T, error) {
	data, err := v.engine.LoadMore(ctx, v.kind)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.live {
		return nil, ErrClosed
	}
	v.items = Items[T](data)
	return append([]T(nil), v.items...), nil
}

// Items returns a copy of the view's current items.
func (v *View[T]) Items() []T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]T(nil), v.items...)
}

// Get returns the item with the given id.
func (v *View[T]) Get(id string) (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, item := range v.items {
		if item.ResourceID() == id {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Close unsubscribes the view. It is safe to call more than once.
func (v *View[T]) Close() {
	v.mu.Lock()
	v.live = false
	unsubs := v.unsubs
	v.unsubs = nil
	v.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}
