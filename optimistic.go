package marketsync

import (
	"context"
	"sync"
)

// Latches is a set of per-action busy flags. Holding a key disables
// re-entry of that one action until it settles; other actions are
// unaffected.
type Latches struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLatches() *Latches {
	return &Latches{held: make(map[string]struct{})}
}

// TryAcquire takes key and reports whether it was free.
func (l *Latches) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *Latches) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

// Busy reports whether key is currently held.
func (l *Latches) Busy(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[key]
	return busy
}

// Mutation describes one optimistic change. Apply runs synchronously before
// Send; exactly one of Reconcile or RollbackOrMark runs after it.
type Mutation[T any] struct {
	// Latch is the action key; empty means no re-entry guard.
	Latch string

	// Validate rejects locally invalid input before any state changes.
	Validate func() error

	// Apply changes local state to the expected result.
	Apply func()

	// Send performs the request and returns the authoritative result.
	Send func(ctx context.Context) (T, error)

	// Reconcile replaces the optimistic state with the server's.
	Reconcile func(T)

	// RollbackOrMark reverts toggles or marks appended records failed.
	RollbackOrMark func(error)

	// Event builds the event emitted after Reconcile. Nil means none.
	Event func(T) Event
}

// Mutator runs mutations against one bus and latch set.
type Mutator struct {
	bus     *Bus
	latches *Latches
	onAuth  func(error)
}

// NewMutator creates a Mutator. onAuth is called with 401 failures and may
// be nil.
func NewMutator(bus *Bus, latches *Latches, onAuth func(error)) *Mutator {
	if latches == nil {
		latches = NewLatches()
	}
	return &Mutator{bus: bus, latches: latches, onAuth: onAuth}
}

// Latches exposes the action latches, e.g. to disable a send button.
func (mu *Mutator) Latches() *Latches { return mu.latches }

// Run drives m through validate, apply, send and then reconcile or
// rollback. It never retries.
func Run[T any](ctx context.Context, mu *Mutator, m Mutation[T]) (T, error) {
	var zero T

	if m.Validate != nil {
		if err := m.Validate(); err != nil {
			return zero, err
		}
	}
	if m.Latch != "" {
		if !mu.latches.TryAcquire(m.Latch) {
			return zero, ErrInFlight
		}
		defer mu.latches.Release(m.Latch)
	}

	if m.Apply != nil {
		m.Apply()
	}

	result, err := m.Send(ctx)
	if err != nil {
		if m.RollbackOrMark != nil {
			m.RollbackOrMark(err)
		}
		if IsUnauthorized(err) && mu.onAuth != nil {
			mu.onAuth(err)
		}
		return zero, err
	}

	if m.Reconcile != nil {
		m.Reconcile(result)
	}
	if m.Event != nil && mu.bus != nil {
		if ev := m.Event(result); ev != nil {
			mu.bus.Emit(ev)
		}
	}
	return result, nil
}
