package marketsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func cachedPublication(t *testing.T, e *Engine, id string) Publication {
	t.Helper()
	r, ok := e.Store().Find(KindPublications, id)
	if !ok {
		t.Fatalf("publication %s not cached", id)
	}
	return r.(Publication)
}

// ============================================================================
// Run
// ============================================================================

func TestRun_ValidationTouchesNothing(t *testing.T) {
	mu := NewMutator(NewBus(discardLogger()), nil, nil)
	applied := false
	_, err := Run(context.Background(), mu, Mutation[int]{
		Latch:    "x",
		Validate: func() error { return &ValidationError{Field: "text", Reason: "empty"} },
		Apply:    func() { applied = true },
		Send:     func(context.Context) (int, error) { return 0, nil },
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if applied || mu.Latches().Busy("x") {
		t.Fatal("validation failure changed state")
	}
}

func TestRun_LatchReleasedAfterFailure(t *testing.T) {
	mu := NewMutator(nil, nil, nil)
	rolledBack := false
	_, err := Run(context.Background(), mu, Mutation[int]{
		Latch:          "x",
		Send:           func(context.Context) (int, error) { return 0, errors.New("nope") },
		RollbackOrMark: func(error) { rolledBack = true },
		Reconcile:      func(int) { t.Fatal("Reconcile ran after a failure") },
	})
	if err == nil || !rolledBack {
		t.Fatalf("err = %v rolledBack = %v", err, rolledBack)
	}
	if mu.Latches().Busy("x") {
		t.Fatal("latch still held")
	}
}

// ============================================================================
// LikeToggle
// ============================================================================

func TestLikeToggle_OptimisticThenConfirmed(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{
		mutate: func(_ context.Context, _ ResourceKind, _ string, op Operation) (json.RawMessage, error) {
			<-release
			if op.Name != OpLike {
				t.Errorf("op = %s, want like", op.Name)
			}
			return json.RawMessage(`{"is_liked": true, "likes_count": 10}`), nil
		},
	}
	e, _ := newTestEngine(t, api)
	e.Store().Set(KindPublications, makePublications(42))
	liked := collect(t, e.Bus(), TopicPublicationLiked)

	done := make(chan error, 1)
	go func() {
		_, err := e.LikeToggle(context.Background(), "42")
		done <- err
	}()

	eventually(t, func() bool { return cachedPublication(t, e, "42").IsLiked }, "optimistic like applied")
	if got := cachedPublication(t, e, "42").LikesCount; got != 43 {
		t.Fatalf("optimistic likes_count = %d, want 43", got)
	}

	close(release)
	if err := receive(t, done); err != nil {
		t.Fatalf("LikeToggle: %v", err)
	}

	p := cachedPublication(t, e, "42")
	if !p.IsLiked || p.LikesCount != 10 {
		t.Fatalf("reconciled = %+v, want server values", p)
	}
	ev := receive(t, liked).(PublicationLiked)
	if ev.PublicationID != "42" || !ev.Liked || ev.LikesCount != 10 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestLikeToggle_FailureRestoresExactly(t *testing.T) {
	api := &fakeAPI{
		mutate: func(context.Context, ResourceKind, string, Operation) (json.RawMessage, error) {
			return nil, &NetworkError{Op: "POST", Err: errors.New("offline")}
		},
	}
	e, _ := newTestEngine(t, api)
	e.Store().Set(KindPublications, []Resource{Publication{ID: "7", IsLiked: true, LikesCount: 3}})
	events := collect(t, e.Bus(), TopicPublicationUnliked)

	_, err := e.LikeToggle(context.Background(), "7")
	if !IsNetwork(err) {
		t.Fatalf("err = %v, want network error", err)
	}

	p := cachedPublication(t, e, "7")
	if !p.IsLiked || p.LikesCount != 3 {
		t.Fatalf("after rollback = %+v, want liked with 3", p)
	}
	if api.count("mutate:unlike:7") != 1 {
		t.Fatal("expected exactly one unlike request")
	}
	select {
	case ev := <-events:
		t.Fatalf("event emitted on failure: %+v", ev)
	default:
	}
}

func TestLikeToggle_SecondTapWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{
		mutate: func(context.Context, ResourceKind, string, Operation) (json.RawMessage, error) {
			<-release
			return json.RawMessage(`{}`), nil
		},
	}
	e, _ := newTestEngine(t, api)
	e.Store().Set(KindPublications, makePublications(1))

	done := make(chan error, 1)
	go func() {
		_, err := e.LikeToggle(context.Background(), "1")
		done <- err
	}()
	eventually(t, func() bool { return cachedPublication(t, e, "1").IsLiked }, "first like in flight")

	_, err := e.LikeToggle(context.Background(), "1")
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("second tap err = %v, want ErrInFlight", err)
	}
	if got := cachedPublication(t, e, "1"); !got.IsLiked || got.LikesCount != 2 {
		t.Fatalf("second tap changed state: %+v", got)
	}

	close(release)
	if err := receive(t, done); err != nil {
		t.Fatal(err)
	}
	if api.count("mutate:") != 1 {
		t.Fatalf("requests = %d, want 1", api.count("mutate:"))
	}
}

func TestLikeToggle_NotCached(t *testing.T) {
	api := &fakeAPI{}
	e, _ := newTestEngine(t, api)

	_, err := e.LikeToggle(context.Background(), "404")
	if !errors.Is(err, ErrNotCached) {
		t.Fatalf("err = %v, want ErrNotCached", err)
	}
	if api.count("mutate:") != 0 {
		t.Fatal("request sent for an uncached publication")
	}
}

func TestLikeToggle_UnauthorizedExpiresSession(t *testing.T) {
	api := &fakeAPI{
		mutate: func(context.Context, ResourceKind, string, Operation) (json.RawMessage, error) {
			return nil, &APIError{Status: http.StatusUnauthorized, Detail: "token expired"}
		},
	}
	e, _ := newTestEngine(t, api)
	e.Store().Set(KindPublications, makePublications(1))
	e.Store().Set(KindChats, nil)
	expired := collect(t, e.Bus(), TopicSessionExpired)

	_, err := e.LikeToggle(context.Background(), "1")
	if !IsUnauthorized(err) {
		t.Fatalf("err = %v", err)
	}
	if ev := receive(t, expired).(SessionExpired); !IsUnauthorized(ev.Err) {
		t.Fatalf("SessionExpired.Err = %v", ev.Err)
	}
	if !e.SessionExpired() {
		t.Fatal("engine not marked expired")
	}
	if e.Store().IsFresh(KindChats) || e.Store().IsFresh(KindPublications) {
		t.Fatal("expected every kind invalidated")
	}
	if p := cachedPublication(t, e, "1"); p.IsLiked {
		t.Fatal("like not rolled back")
	}
}

func TestLikeToggle_InvalidatesFavorites(t *testing.T) {
	e, _ := newTestEngine(t, &fakeAPI{})
	e.Store().Set(KindPublications, makePublications(1))
	e.Store().Set(KindFavorites, nil)

	if _, err := e.LikeToggle(context.Background(), "1"); err != nil {
		t.Fatal(err)
	}
	if e.Store().IsFresh(KindFavorites) {
		t.Fatal("favorites still fresh after a like")
	}
}

func TestLikeToggle_RequiresAuthentication(t *testing.T) {
	api := &fakeAPI{}
	e := NewEngine(api, &EngineOptions{Logger: discardLogger(), Authenticated: func() bool { return false }})
	defer e.Close()
	e.Store().Set(KindPublications, makePublications(1))

	_, err := e.LikeToggle(context.Background(), "1")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if p := cachedPublication(t, e, "1"); p.IsLiked {
		t.Fatal("unauthenticated like applied")
	}
}

// ============================================================================
// SendMessage
// ============================================================================

func TestSendMessage_PendingThenConfirmed(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{
		mutate: func(_ context.Context, _ ResourceKind, id string, op Operation) (json.RawMessage, error) {
			<-release
			body := op.Body.(map[string]string)
			return mustJSON(t, Message{ID: "srv-1", ChatID: id, Text: body["text"]}), nil
		},
	}
	e, _ := newTestEngine(t, api)
	e.Store().Set(KindChats, []Resource{Chat{ID: "c1"}})
	e.ChatThread("c1").Merge([]Message{{ID: "old"}})
	sent := collect(t, e.Bus(), TopicMessageSent)

	done := make(chan Record[Message], 1)
	go func() {
		rec, err := e.SendMessage(context.Background(), "c1", "  Is it still available?  ")
		if err != nil {
			t.Errorf("SendMessage: %v", err)
		}
		done <- rec
	}()

	thread := e.ChatThread("c1")
	eventually(t, func() bool {
		chat, _ := e.Store().Find(KindChats, "c1")
		return thread.Len() == 2 && chat.(Chat).LastMessage != nil
	}, "pending message visible")
	top := thread.Records()[0]
	if top.State != StatePending || top.Payload.Text != "Is it still available?" || top.Payload.Sender.ID != "me" {
		t.Fatalf("pending record = %+v", top)
	}
	chat, _ := e.Store().Find(KindChats, "c1")
	if lm := chat.(Chat).LastMessage; lm == nil || lm.ID != top.TempID {
		t.Fatalf("chat preview not patched: %+v", lm)
	}

	close(release)
	rec := receive(t, done)
	if rec.State != StateConfirmed || rec.RealID != "srv-1" || rec.TempID != top.TempID {
		t.Fatalf("returned record = %+v", rec)
	}
	recs := thread.Records()
	if recs[0].RealID != "srv-1" || recs[1].RealID != "old" {
		t.Fatalf("confirmed record moved: %v", keys(recs))
	}
	chat, _ = e.Store().Find(KindChats, "c1")
	if lm := chat.(Chat).LastMessage; lm == nil || lm.ID != "srv-1" {
		t.Fatalf("chat preview not reconciled: %+v", lm)
	}
	if ev := receive(t, sent).(MessageSent); ev.Message.ID != "srv-1" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestSendMessage_EchoWhilePendingShownOnce(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{
		mutate: func(context.Context, ResourceKind, string, Operation) (json.RawMessage, error) {
			<-release
			return json.RawMessage(`{"id":"srv-1","text":"hello"}`), nil
		},
	}
	e, _ := newTestEngine(t, api)
	thread := e.ChatThread("c1")

	done := make(chan Record[Message], 1)
	go func() {
		rec, _ := e.SendMessage(context.Background(), "c1", "hello")
		done <- rec
	}()
	eventually(t, func() bool { return thread.Len() == 1 }, "pending message visible")

	// The push channel delivers our own message before the send returns.
	e.receiveMessage("c1", Message{ID: "srv-1", Text: "hello"})
	close(release)
	rec := receive(t, done)

	recs := thread.Records()
	if len(recs) != 1 || recs[0].TempID != rec.TempID || recs[0].RealID != "srv-1" {
		t.Fatalf("thread = %v, want the confirmed record once", keys(recs))
	}
}

func TestSendMessage_FailureKeepsRecordVisible(t *testing.T) {
	api := &fakeAPI{
		mutate: func(context.Context, ResourceKind, string, Operation) (json.RawMessage, error) {
			return nil, &APIError{Status: http.StatusInternalServerError}
		},
	}
	e, _ := newTestEngine(t, api)
	prev := Message{ID: "old", Text: "hello", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e.Store().Set(KindChats, []Resource{Chat{ID: "c1", LastMessage: &prev}})

	rec, err := e.SendMessage(context.Background(), "c1", "ping")
	if err == nil {
		t.Fatal("expected an error")
	}
	if rec.State != StateFailed || rec.Err == nil {
		t.Fatalf("record = %+v, want Failed with error", rec)
	}

	recs := e.ChatThread("c1").Records()
	if len(recs) != 1 || recs[0].State != StateFailed {
		t.Fatalf("failed record not visible: %+v", recs)
	}
	chat, _ := e.Store().Find(KindChats, "c1")
	if lm := chat.(Chat).LastMessage; lm == nil || lm.ID != "old" {
		t.Fatalf("chat preview not restored: %+v", lm)
	}
	if api.count("mutate:") != 1 {
		t.Fatal("failed send was retried automatically")
	}
}

func TestSendMessage_EmptyTextCreatesNoRecord(t *testing.T) {
	api := &fakeAPI{}
	e, _ := newTestEngine(t, api)

	_, err := e.SendMessage(context.Background(), "c1", "   ")
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "text" {
		t.Fatalf("err = %v, want text validation error", err)
	}
	if e.ChatThread("c1").Len() != 0 || api.count("mutate:") != 0 {
		t.Fatal("validation failure created a record or sent a request")
	}
}

func TestRetryMessage_CreatesNewPendingRecord(t *testing.T) {
	fail := true
	api := &fakeAPI{
		mutate: func(context.Context, ResourceKind, string, Operation) (json.RawMessage, error) {
			if fail {
				return nil, &NetworkError{Op: "POST", Err: errors.New("offline")}
			}
			return json.RawMessage(`{"id":"srv-2","text":"ping"}`), nil
		},
	}
	e, _ := newTestEngine(t, api)

	failed, _ := e.SendMessage(context.Background(), "c1", "ping")
	fail = false

	rec, err := e.RetryMessage(context.Background(), "c1", failed.TempID)
	if err != nil {
		t.Fatalf("RetryMessage: %v", err)
	}
	if rec.TempID == failed.TempID || rec.RealID != "srv-2" || rec.Payload.Text != "ping" {
		t.Fatalf("retried record = %+v", rec)
	}
	recs := e.ChatThread("c1").Records()
	if len(recs) != 1 || recs[0].State != StateConfirmed {
		t.Fatalf("thread after retry = %+v", recs)
	}

	if _, err := e.RetryMessage(context.Background(), "c1", rec.TempID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("retrying a confirmed record: err = %v", err)
	}
}

func TestRetryMessage_RejectedRetryKeepsFailedRecord(t *testing.T) {
	offline := func(context.Context, ResourceKind, string, Operation) (json.RawMessage, error) {
		return nil, &NetworkError{Op: "POST", Err: errors.New("offline")}
	}

	t.Run("signed out", func(t *testing.T) {
		var signedIn atomic.Bool
		signedIn.Store(true)
		api := &fakeAPI{mutate: offline}
		e := NewEngine(api, &EngineOptions{
			Clock:         clockwork.NewFakeClock(),
			Logger:        discardLogger(),
			Authenticated: signedIn.Load,
		})
		t.Cleanup(e.Close)

		failed, _ := e.SendMessage(context.Background(), "c1", "ping")
		signedIn.Store(false)

		if _, err := e.RetryMessage(context.Background(), "c1", failed.TempID); !errors.Is(err, ErrValidation) {
			t.Fatalf("err = %v, want a validation error", err)
		}
		recs := e.ChatThread("c1").Records()
		if len(recs) != 1 || recs[0].TempID != failed.TempID || recs[0].State != StateFailed {
			t.Fatalf("thread after rejected retry = %v", keys(recs))
		}
		if n := api.count("mutate:"); n != 1 {
			t.Fatalf("mutations = %d, want 1", n)
		}
	})

	t.Run("another send in flight", func(t *testing.T) {
		release := make(chan struct{})
		var calls atomic.Int32
		api := &fakeAPI{
			mutate: func(ctx context.Context, kind ResourceKind, id string, op Operation) (json.RawMessage, error) {
				if calls.Add(1) == 1 {
					return offline(ctx, kind, id, op)
				}
				<-release
				return json.RawMessage(`{"id":"srv-9","text":"other"}`), nil
			},
		}
		e, _ := newTestEngine(t, api)

		failed, _ := e.SendMessage(context.Background(), "c1", "ping")
		done := make(chan error, 1)
		go func() {
			_, err := e.SendMessage(context.Background(), "c1", "other")
			done <- err
		}()
		eventually(t, func() bool { return e.Mutator().Latches().Busy("send:c1") }, "second send in flight")

		if _, err := e.RetryMessage(context.Background(), "c1", failed.TempID); !errors.Is(err, ErrInFlight) {
			t.Fatalf("err = %v, want ErrInFlight", err)
		}
		if rec, ok := e.ChatThread("c1").Get(failed.TempID); !ok || rec.State != StateFailed {
			t.Fatalf("failed record after rejected retry = %+v, %v", rec, ok)
		}

		close(release)
		if err := receive(t, done); err != nil {
			t.Fatal(err)
		}
	})
}

// ============================================================================
// Comments
// ============================================================================

func TestPostComment_FailureRestoresCounter(t *testing.T) {
	api := &fakeAPI{
		mutate: func(context.Context, ResourceKind, string, Operation) (json.RawMessage, error) {
			return nil, &APIError{Status: http.StatusBadGateway}
		},
	}
	e, _ := newTestEngine(t, api)
	e.Store().Set(KindPublications, []Resource{Publication{ID: "p1", CommentsCount: 4}})

	rec, err := e.PostComment(context.Background(), "p1", "nice")
	if err == nil || rec.State != StateFailed {
		t.Fatalf("rec = %+v err = %v", rec, err)
	}
	if got := cachedPublication(t, e, "p1").CommentsCount; got != 4 {
		t.Fatalf("comments_count = %d, want 4", got)
	}
	if e.CommentThread("p1").Len() != 1 {
		t.Fatal("failed comment not visible")
	}
}

func TestPostComment_Success(t *testing.T) {
	api := &fakeAPI{
		mutate: func(context.Context, ResourceKind, string, Operation) (json.RawMessage, error) {
			return json.RawMessage(`{"id":"cm-1","text":"nice"}`), nil
		},
	}
	e, _ := newTestEngine(t, api)
	e.Store().Set(KindPublications, []Resource{Publication{ID: "p1", CommentsCount: 4}})
	commented := collect(t, e.Bus(), TopicPublicationCommented)

	rec, err := e.PostComment(context.Background(), "p1", "nice")
	if err != nil || rec.RealID != "cm-1" || rec.Payload.PublicationID != "p1" {
		t.Fatalf("rec = %+v err = %v", rec, err)
	}
	if got := cachedPublication(t, e, "p1").CommentsCount; got != 5 {
		t.Fatalf("comments_count = %d, want 5", got)
	}
	if ev := receive(t, commented).(PublicationCommented); ev.CommentsCount != 5 || ev.Comment.ID != "cm-1" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestDeleteComment_ReinsertedOnFailure(t *testing.T) {
	api := &fakeAPI{
		mutate: func(context.Context, ResourceKind, string, Operation) (json.RawMessage, error) {
			return nil, &APIError{Status: http.StatusForbidden, Detail: "not yours"}
		},
	}
	e, _ := newTestEngine(t, api)
	e.Store().Set(KindPublications, []Resource{Publication{ID: "p1", CommentsCount: 3}})
	thread := e.CommentThread("p1")
	thread.Merge([]Comment{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	if err := e.DeleteComment(context.Background(), "p1", "b"); err == nil {
		t.Fatal("expected an error")
	}
	if got := keys(thread.Records()); len(got) != 3 || got[1] != "b" {
		t.Fatalf("comment not restored in place: %v", got)
	}
	if got := cachedPublication(t, e, "p1").CommentsCount; got != 3 {
		t.Fatalf("comments_count = %d, want 3", got)
	}
}

func TestDeleteComment_Success(t *testing.T) {
	api := &fakeAPI{
		mutate: func(context.Context, ResourceKind, string, Operation) (json.RawMessage, error) {
			return json.RawMessage(`{"comments_count": 2}`), nil
		},
	}
	e, _ := newTestEngine(t, api)
	e.Store().Set(KindPublications, []Resource{Publication{ID: "p1", CommentsCount: 3}})
	thread := e.CommentThread("p1")
	thread.Merge([]Comment{{ID: "a"}, {ID: "b"}})

	if err := e.DeleteComment(context.Background(), "p1", "a"); err != nil {
		t.Fatal(err)
	}
	if thread.Len() != 1 {
		t.Fatalf("len = %d, want 1", thread.Len())
	}
	if got := cachedPublication(t, e, "p1").CommentsCount; got != 2 {
		t.Fatalf("comments_count = %d, want 2", got)
	}
	if api.count("mutate:comment.delete:a") != 1 {
		t.Fatal("delete not sent for comment a")
	}
}

// ============================================================================
// Profile
// ============================================================================

func TestUpdateProfile(t *testing.T) {
	city := "Lyon"

	t.Run("success", func(t *testing.T) {
		api := &fakeAPI{
			mutate: func(_ context.Context, _ ResourceKind, _ string, op Operation) (json.RawMessage, error) {
				return json.RawMessage(`{"id":"u1","username":"me","city":"Lyon","is_verified":true}`), nil
			},
		}
		e, _ := newTestEngine(t, api)
		e.Store().Set(KindProfile, []Resource{Profile{ID: "u1", Username: "me", City: "Paris"}})
		updated := collect(t, e.Bus(), TopicProfileUpdated)

		p, err := e.UpdateProfile(context.Background(), ProfilePatch{City: &city})
		if err != nil || p.City != "Lyon" || !p.IsVerified {
			t.Fatalf("p = %+v err = %v", p, err)
		}
		if ev := receive(t, updated).(ProfileUpdated); ev.Profile.City != "Lyon" {
			t.Fatalf("event = %+v", ev)
		}
	})

	t.Run("rollback", func(t *testing.T) {
		api := &fakeAPI{
			mutate: func(context.Context, ResourceKind, string, Operation) (json.RawMessage, error) {
				return nil, &APIError{Status: http.StatusBadRequest, Detail: "invalid city"}
			},
		}
		e, _ := newTestEngine(t, api)
		e.Store().Set(KindProfile, []Resource{Profile{ID: "u1", City: "Paris"}})

		if _, err := e.UpdateProfile(context.Background(), ProfilePatch{City: &city}); err == nil {
			t.Fatal("expected an error")
		}
		r, _ := e.Store().Find(KindProfile, "u1")
		if r.(Profile).City != "Paris" {
			t.Fatalf("profile not restored: %+v", r)
		}
	})

	t.Run("empty patch", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeAPI{})
		if _, err := e.UpdateProfile(context.Background(), ProfilePatch{}); !errors.Is(err, ErrValidation) {
			t.Fatalf("err = %v", err)
		}
	})
}
