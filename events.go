package marketsync

import (
	"log/slog"
	"sync"
)

// ============================================================================
// Topics and events
// ============================================================================

// Topic names a class of domain events.
type Topic string

const (
	TopicPublicationLiked     Topic = "publication:liked"
	TopicPublicationUnliked   Topic = "publication:unliked"
	TopicPublicationCommented Topic = "publication:commented"
	TopicCommentDeleted       Topic = "comment:deleted"
	TopicMessageSent          Topic = "chat:message"
	TopicMessageReceived      Topic = "chat:message-received"
	TopicProfileUpdated       Topic = "profile:updated"
	TopicSessionExpired       Topic = "session:expired"
)

// Event is a domain event. The set of implementations is closed: each
// topic has exactly one payload type, declared below.
type Event interface {
	Topic() Topic
	event()
}

// ResourcePatch is implemented by events that carry the new state of one
// cached resource. Patch must be idempotent.
type ResourcePatch interface {
	Event
	Target() (ResourceKind, string)
	Patch(Resource) Resource
}

// PublicationLiked is emitted after the server confirms a like.
type PublicationLiked struct {
	PublicationID string
	Liked         bool
	LikesCount    int
}

// PublicationUnliked is emitted after the server confirms an unlike.
type PublicationUnliked struct {
	PublicationID string
	Liked         bool
	LikesCount    int
}

// PublicationCommented and CommentDeleted carry the publication's comment
// count after the change. A negative count means it is not known and
// patching leaves the cached counter alone.
type PublicationCommented struct {
	PublicationID string
	Comment       Comment
	CommentsCount int
}

type CommentDeleted struct {
	PublicationID string
	CommentID     string
	CommentsCount int
}

// MessageSent is emitted when one of our own messages is confirmed.
type MessageSent struct {
	ChatID  string
	Message Message
}

// MessageReceived is emitted for messages pushed by the realtime channel.
type MessageReceived struct {
	ChatID  string
	Message Message
}

type ProfileUpdated struct {
	Profile Profile
}

// SessionExpired is emitted when the API rejects our credentials.
type SessionExpired struct {
	Err error
}

func (PublicationLiked) Topic() Topic     { return TopicPublicationLiked }
func (PublicationUnliked) Topic() Topic   { return TopicPublicationUnliked }
func (PublicationCommented) Topic() Topic { return TopicPublicationCommented }
func (CommentDeleted) Topic() Topic       { return TopicCommentDeleted }
func (MessageSent) Topic() Topic          { return TopicMessageSent }
func (MessageReceived) Topic() Topic      { return TopicMessageReceived }
func (ProfileUpdated) Topic() Topic       { return TopicProfileUpdated }
func (SessionExpired) Topic() Topic       { return TopicSessionExpired }

func (PublicationLiked) event()     {}
func (PublicationUnliked) event()   {}
func (PublicationCommented) event() {}
func (CommentDeleted) event()       {}
func (MessageSent) event()          {}
func (MessageReceived) event()      {}
func (ProfileUpdated) event()       {}
func (SessionExpired) event()       {}

func patchLike(r Resource, liked bool, count int) Resource {
	p, ok := r.(Publication)
	if !ok {
		return r
	}
	p.IsLiked = liked
	p.LikesCount = count
	return p
}

func (e PublicationLiked) Target() (ResourceKind, string) { return KindPublications, e.PublicationID }
func (e PublicationLiked) Patch(r Resource) Resource     { return patchLike(r, e.Liked, e.LikesCount) }

func (e PublicationUnliked) Target() (ResourceKind, string) { return KindPublications, e.PublicationID }
func (e PublicationUnliked) Patch(r Resource) Resource     { return patchLike(r, e.Liked, e.LikesCount) }

func (e PublicationCommented) Target() (ResourceKind, string) {
	return KindPublications, e.PublicationID
}

func (e PublicationCommented) Patch(r Resource) Resource {
	return patchCommentsCount(r, e.CommentsCount)
}

func (e CommentDeleted) Target() (ResourceKind, string) { return KindPublications, e.PublicationID }

func (e CommentDeleted) Patch(r Resource) Resource {
	return patchCommentsCount(r, e.CommentsCount)
}

func patchCommentsCount(r Resource, count int) Resource {
	p, ok := r.(Publication)
	if !ok || count < 0 {
		return r
	}
	p.CommentsCount = count
	return p
}

func patchLastMessage(r Resource, msg Message) Resource {
	c, ok := r.(Chat)
	if !ok {
		return r
	}
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(msg.CreatedAt) {
		return c
	}
	m := msg
	c.LastMessage = &m
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	return c
}

func (e MessageSent) Target() (ResourceKind, string) { return KindChats, e.ChatID }
func (e MessageSent) Patch(r Resource) Resource     { return patchLastMessage(r, e.Message) }

func (e MessageReceived) Target() (ResourceKind, string) { return KindChats, e.ChatID }
func (e MessageReceived) Patch(r Resource) Resource     { return patchLastMessage(r, e.Message) }

func (e ProfileUpdated) Target() (ResourceKind, string) { return KindProfile, e.Profile.ID }
func (e ProfileUpdated) Patch(Resource) Resource       { return e.Profile }

// patchTopics lists every topic whose event implements ResourcePatch.
var patchTopics = []Topic{
	TopicPublicationLiked,
	TopicPublicationUnliked,
	TopicPublicationCommented,
	TopicCommentDeleted,
	TopicMessageSent,
	TopicMessageReceived,
	TopicProfileUpdated,
}

// ============================================================================
// Bus
// ============================================================================

// Handler receives events for one topic.
type Handler func(Event)

type subscriber struct {
	id uint64
	fn Handler
}

// Bus is a synchronous in-process publish/subscribe registry. Handlers for
// a topic run in registration order on the emitting goroutine.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic][]subscriber
	logger *slog.Logger
}

// NewBus creates an empty bus. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[Topic][]subscriber),
		logger: logger,
	}
}

// Subscribe registers fn for topic and returns its disposer. Calling the
// disposer more than once is a no-op.
func (b *Bus) Subscribe(topic Topic, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

// On subscribes fn to the topic of E. E must be one of the event structs
// declared in this package.
func On[E Event](b *Bus, fn func(E)) func() {
	var zero E
	return b.Subscribe(zero.Topic(), func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}

func (b *Bus) remove(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Emit delivers ev to every handler registered for its topic at the time
// of the call. A panicking handler is logged and skipped.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	handlers := append([]subscriber(nil), b.subs[ev.Topic()]...)
	b.mu.RUnlock()

	for _, s := range handlers {
		b.call(ev, s)
	}
}

func (b *Bus) call(ev Event, s subscriber) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"topic", string(ev.Topic()), "subscriber", s.id, "panic", r)
		}
	}()
	s.fn(ev)
}

// Clear drops every handler for topic.
func (b *Bus) Clear(topic Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
}

// ClearAll drops every handler. Used at top-level teardown.
func (b *Bus) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Topic][]subscriber)
}

// Count returns the number of handlers registered for topic.
func (b *Bus) Count(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
