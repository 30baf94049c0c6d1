package marketsync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testTimeout = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// receive waits for one value on ch or fails the test.
func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

// eventually polls cond until it holds or the test times out.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}

func makePublications(ids ...int) []Resource {
	out := make([]Resource, len(ids))
	for i, id := range ids {
		out[i] = Publication{
			ID:         strconv.Itoa(id),
			Title:      "Item " + strconv.Itoa(id),
			Price:      float64(id),
			LikesCount: id,
		}
	}
	return out
}

func idRange(from, to int) []int {
	var out []int
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

// fakeAPI is an in-memory API whose behavior is set per test.
type fakeAPI struct {
	mu    sync.Mutex
	calls []string

	fetch    func(ctx context.Context, kind ResourceKind, page int) (*Page, error)
	messages func(ctx context.Context, chatID string, page int) (*Page, error)
	comments func(ctx context.Context, publicationID string, page int) (*Page, error)
	mutate   func(ctx context.Context, kind ResourceKind, id string, op Operation) (json.RawMessage, error)
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

// count returns how many recorded calls start with prefix.
func (f *fakeAPI) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeAPI) FetchCollection(ctx context.Context, kind ResourceKind, page, pageSize int) (*Page, error) {
	f.record("fetch:" + string(kind))
	if f.fetch == nil {
		return &Page{Page: page}, nil
	}
	return f.fetch(ctx, kind, page)
}

func (f *fakeAPI) FetchMessages(ctx context.Context, chatID string, page, pageSize int) (*Page, error) {
	f.record("messages:" + chatID)
	if f.messages == nil {
		return &Page{Page: page}, nil
	}
	return f.messages(ctx, chatID, page)
}

func (f *fakeAPI) FetchComments(ctx context.Context, publicationID string, page, pageSize int) (*Page, error) {
	f.record("comments:" + publicationID)
	if f.comments == nil {
		return &Page{Page: page}, nil
	}
	return f.comments(ctx, publicationID, page)
}

func (f *fakeAPI) Mutate(ctx context.Context, kind ResourceKind, id string, op Operation) (json.RawMessage, error) {
	f.record("mutate:" + op.Name + ":" + id)
	if f.mutate == nil {
		return json.RawMessage(`{}`), nil
	}
	return f.mutate(ctx, kind, id, op)
}

func newTestEngine(t *testing.T, api API) (*Engine, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	e := NewEngine(api, &EngineOptions{
		Clock:  clock,
		Logger: discardLogger(),
		Self:   UserRef{ID: "me", Username: "me"},
	})
	t.Cleanup(e.Close)
	return e, clock
}

// collect subscribes to topic and forwards every event to the returned
// channel.
func collect(t *testing.T, b *Bus, topic Topic) <-chan Event {
	t.Helper()
	ch := make(chan Event, 16)
	unsub := b.Subscribe(topic, func(ev Event) { ch <- ev })
	t.Cleanup(unsub)
	return ch
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
