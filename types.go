package marketsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Resource kinds
// ============================================================================

// ResourceKind names a server-owned collection tracked independently in the
// cache.
type ResourceKind string

const (
	KindPublications ResourceKind = "publications"
	KindFavorites    ResourceKind = "favorites"
	KindChats        ResourceKind = "chats"
	KindProfile      ResourceKind = "profile"
)

// DefaultTTLs holds the freshness window for each kind.
var DefaultTTLs = map[ResourceKind]time.Duration{
	KindPublications: 5 * time.Minute,
	KindFavorites:    3 * time.Minute,
	KindChats:        2 * time.Minute,
	KindProfile:      10 * time.Minute,
}

// fallbackTTL applies to kinds registered without an explicit TTL.
const fallbackTTL = 5 * time.Minute

const (
	DefaultPageSize          = 20
	ChatPollInterval         = 6 * time.Second
	VerificationPollInterval = 30 * time.Second
)

// Resource is anything the cache can hold and patch by identity.
type Resource interface {
	ResourceID() string
}

// ============================================================================
// Marketplace models
// ============================================================================

type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type Publication struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Price         float64   `json:"price"`
	Currency      string    `json:"currency,omitempty"`
	Author        UserRef   `json:"author"`
	Images        []string  `json:"images,omitempty"`
	IsLiked       bool      `json:"is_liked"`
	LikesCount    int       `json:"likes_count"`
	CommentsCount int       `json:"comments_count"`
	CreatedAt     time.Time `json:"created_at"`
}

func (p Publication) ResourceID() string { return p.ID }

// Favorite is a publication the user saved.
type Favorite struct {
	ID          string      `json:"id"`
	Publication Publication `json:"publication"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (f Favorite) ResourceID() string { return f.ID }

type Chat struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Participants []UserRef `json:"participants,omitempty"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (c Chat) ResourceID() string { return c.ID }

type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Sender    UserRef   `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Message) ResourceID() string { return m.ID }

type Comment struct {
	ID            string    `json:"id"`
	PublicationID string    `json:"publication_id"`
	Author        UserRef   `json:"author"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"created_at"`
}

func (c Comment) ResourceID() string { return c.ID }

type Profile struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	FullName   string `json:"full_name,omitempty"`
	Bio        string `json:"bio,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
	City       string `json:"city,omitempty"`
	IsVerified bool   `json:"is_verified"`
}

func (p Profile) ResourceID() string { return p.ID }

// ProfilePatch carries the editable profile fields. Nil fields are left
// unchanged.
type ProfilePatch struct {
	FullName *string `json:"full_name,omitempty"`
	Bio      *string `json:"bio,omitempty"`
	City     *string `json:"city,omitempty"`
}

func (p ProfilePatch) apply(to Profile) Profile {
	if p.FullName != nil {
		to.FullName = *p.FullName
	}
	if p.Bio != nil {
		to.Bio = *p.Bio
	}
	if p.City != nil {
		to.City = *p.City
	}
	return to
}

// ============================================================================
// API envelopes
// ============================================================================

// Page is one page of a paginated collection read.
type Page struct {
	Results    []Resource
	HasMore    bool
	Page       int
	TotalPages int
}

type pageEnvelope struct {
	Results    json.RawMessage `json:"results"`
	HasMore    bool            `json:"has_more"`
	Page       int             `json:"page"`
	TotalPages int             `json:"total_pages"`
}

// Operation is a single-resource mutation sent through API.Mutate.
type Operation struct {
	Name string
	Body any
}

const (
	OpLike          = "like"
	OpUnlike        = "unlike"
	OpCommentCreate = "comment.create"
	OpCommentDelete = "comment.delete"
	OpMessageSend   = "message.send"
	OpProfileUpdate = "profile.update"
)

// Items converts a cached collection into its concrete element type,
// skipping members of other types.
func Items[T Resource](data []Resource) []T {
	out := make([]T, 0, len(data))
	for _, r := range data {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func toResources[T Resource](items []T) []Resource {
	out := make([]Resource, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out
}
