package marketsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================================
// Likes
// ============================================================================

type likeResult struct {
	IsLiked    *bool `json:"is_liked"`
	LikesCount *int  `json:"likes_count"`
}

// LikeToggle flips the like state of a cached publication. The cache shows
// the new state immediately; on failure both fields are restored exactly.
func (e *Engine) LikeToggle(ctx context.Context, publicationID string) (Publication, error) {
	var prev, next Publication

	return Run(ctx, e.mut, Mutation[Publication]{
		Latch: "like:" + publicationID,
		Validate: func() error {
			if err := e.requireAuth(); err != nil {
				return err
			}
			if _, ok := e.store.Find(KindPublications, publicationID); !ok {
				return fmt.Errorf("publication %s: %w", publicationID, ErrNotCached)
			}
			return nil
		},
		Apply: func() {
			e.store.Patch(KindPublications, publicationID, func(r Resource) Resource {
				p, ok := r.(Publication)
				if !ok {
					return r
				}
				prev = p
				p.IsLiked = !p.IsLiked
				if p.IsLiked {
					p.LikesCount++
				} else if p.LikesCount > 0 {
					p.LikesCount--
				}
				next = p
				return p
			})
		},
		Send: func(ctx context.Context) (Publication, error) {
			op := OpLike
			if prev.IsLiked {
				op = OpUnlike
			}
			raw, err := e.api.Mutate(ctx, KindPublications, publicationID, Operation{Name: op})
			if err != nil {
				return Publication{}, fmt.Errorf("%s publication %s: %w", op, publicationID, err)
			}
			out := next
			var res likeResult
			if len(raw) > 0 && json.Unmarshal(raw, &res) == nil {
				if res.IsLiked != nil {
					out.IsLiked = *res.IsLiked
				}
				if res.LikesCount != nil {
					out.LikesCount = *res.LikesCount
				}
			}
			return out, nil
		},
		Reconcile: func(p Publication) {
			e.store.Patch(KindPublications, publicationID, func(r Resource) Resource {
				return patchLike(r, p.IsLiked, p.LikesCount)
			})
		},
		RollbackOrMark: func(err error) {
			e.store.Patch(KindPublications, publicationID, func(r Resource) Resource {
				return patchLike(r, prev.IsLiked, prev.LikesCount)
			})
			e.logger.Debug("like rolled back", "publication", publicationID, "err", err)
		},
		Event: func(p Publication) Event {
			if p.IsLiked {
				return PublicationLiked{PublicationID: publicationID, Liked: true, LikesCount: p.LikesCount}
			}
			return PublicationUnliked{PublicationID: publicationID, Liked: false, LikesCount: p.LikesCount}
		},
	})
}

// ============================================================================
// Comments
// ============================================================================

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	return nil
}

// commentsCount returns the cached comment counter of a publication, or -1
// when the publication is not cached.
func (e *Engine) commentsCount(publicationID string) int {
	r, ok := e.store.Find(KindPublications, publicationID)
	if !ok {
		return -1
	}
	if p, ok := r.(Publication); ok {
		return p.CommentsCount
	}
	return -1
}

func (e *Engine) bumpComments(publicationID string, delta int) bool {
	return e.store.Patch(KindPublications, publicationID, func(r Resource) Resource {
		p, ok := r.(Publication)
		if !ok {
			return r
		}
		p.CommentsCount += delta
		if p.CommentsCount < 0 {
			p.CommentsCount = 0
		}
		return p
	})
}

// PostComment prepends a Pending comment to the publication's thread and
// bumps its comment counter. On failure the record stays visible as Failed
// and the counter is restored.
func (e *Engine) PostComment(ctx context.Context, publicationID, text string) (Record[Comment], error) {
	text = strings.TrimSpace(text)
	thread := e.CommentThread(publicationID)

	var rec Record[Comment]
	var counted bool

	_, err := Run(ctx, e.mut, Mutation[Comment]{
		Latch: "comment:" + publicationID,
		Validate: func() error {
			if err := e.requireAuth(); err != nil {
				return err
			}
			return validateText(text)
		},
		Apply: func() {
			rec = thread.Prepend(func(tempID string) Comment {
				return Comment{
					ID:            tempID,
					PublicationID: publicationID,
					Author:        e.self,
					Text:          text,
					CreatedAt:     e.clock.Now(),
				}
			})
			counted = e.bumpComments(publicationID, 1)
		},
		Send: func(ctx context.Context) (Comment, error) {
			raw, err := e.api.Mutate(ctx, KindPublications, publicationID, Operation{
				Name: OpCommentCreate,
				Body: map[string]string{"text": text},
			})
			if err != nil {
				return Comment{}, fmt.Errorf("post comment on %s: %w", publicationID, err)
			}
			c, err := decodeJSON[Comment](raw)
			if err != nil {
				return Comment{}, err
			}
			if c.PublicationID == "" {
				c.PublicationID = publicationID
			}
			return *c, nil
		},
		Reconcile: func(c Comment) {
			if r, ok := thread.Confirm(rec.TempID, c); ok {
				rec = r
			}
		},
		RollbackOrMark: func(err error) {
			if r, ok := thread.Fail(rec.TempID, err); ok {
				rec = r
			}
			if counted {
				e.bumpComments(publicationID, -1)
			}
		},
		Event: func(c Comment) Event {
			return PublicationCommented{
				PublicationID: publicationID,
				Comment:       c,
				CommentsCount: e.commentsCount(publicationID),
			}
		},
	})
	return rec, err
}

// DeleteComment removes a comment from its thread immediately and puts it
// back at the same position if the server refuses.
func (e *Engine) DeleteComment(ctx context.Context, publicationID, commentID string) error {
	thread := e.CommentThread(publicationID)

	var (
		removed Record[Comment]
		index   int
		found   bool
		counted bool
	)

	_, err := Run(ctx, e.mut, Mutation[int]{
		Latch:    "comment-delete:" + commentID,
		Validate: e.requireAuth,
		Apply: func() {
			removed, index, found = thread.Remove(commentID)
			counted = e.bumpComments(publicationID, -1)
		},
		Send: func(ctx context.Context) (int, error) {
			raw, err := e.api.Mutate(ctx, KindPublications, commentID, Operation{Name: OpCommentDelete})
			if err != nil {
				return 0, fmt.Errorf("delete comment %s: %w", commentID, err)
			}
			var res struct {
				CommentsCount *int `json:"comments_count"`
			}
			if len(raw) > 0 && json.Unmarshal(raw, &res) == nil && res.CommentsCount != nil {
				return *res.CommentsCount, nil
			}
			return e.commentsCount(publicationID), nil
		},
		Reconcile: func(count int) {
			if count >= 0 {
				e.store.Patch(KindPublications, publicationID, func(r Resource) Resource {
					return patchCommentsCount(r, count)
				})
			}
		},
		RollbackOrMark: func(error) {
			if found {
				thread.InsertAt(index, removed)
			}
			if counted {
				e.bumpComments(publicationID, 1)
			}
		},
		Event: func(count int) Event {
			return CommentDeleted{PublicationID: publicationID, CommentID: commentID, CommentsCount: count}
		},
	})
	return err
}

// ============================================================================
// Chat messages
// ============================================================================

// SendMessage prepends a Pending message to the chat's thread and shows it
// as the chat's last message. On success the record is confirmed in place;
// on failure it is marked Failed and the chat preview is restored.
func (e *Engine) SendMessage(ctx context.Context, chatID, text string) (Record[Message], error) {
	return e.sendMessage(ctx, chatID, text, "")
}

// sendMessage runs the send mutation. A non-empty retryOf names a Failed
// record that the new Pending record replaces; it is only dismissed once
// the replacement is in the thread.
func (e *Engine) sendMessage(ctx context.Context, chatID, text, retryOf string) (Record[Message], error) {
	text = strings.TrimSpace(text)
	thread := e.ChatThread(chatID)

	var rec Record[Message]
	var prevChat Chat
	var chatCached bool

	_, err := Run(ctx, e.mut, Mutation[Message]{
		Latch: "send:" + chatID,
		Validate: func() error {
			if err := e.requireAuth(); err != nil {
				return err
			}
			if retryOf != "" {
				if r, ok := thread.Get(retryOf); !ok || r.State != StateFailed {
					return fmt.Errorf("failed message %s in chat %s: %w", retryOf, chatID, ErrNotFound)
				}
			}
			return validateText(text)
		},
		Apply: func() {
			rec = thread.Prepend(func(tempID string) Message {
				return Message{
					ID:        tempID,
					ChatID:    chatID,
					Sender:    e.self,
					Text:      text,
					CreatedAt: e.clock.Now(),
				}
			})
			if retryOf != "" {
				thread.DismissFailed(retryOf)
			}
			chatCached = e.store.Patch(KindChats, chatID, func(r Resource) Resource {
				if c, ok := r.(Chat); ok {
					prevChat = c
				}
				return patchLastMessage(r, rec.Payload)
			})
		},
		Send: func(ctx context.Context) (Message, error) {
			raw, err := e.api.Mutate(ctx, KindChats, chatID, Operation{
				Name: OpMessageSend,
				Body: map[string]string{"text": text, "client_id": rec.TempID},
			})
			if err != nil {
				return Message{}, fmt.Errorf("send message to %s: %w", chatID, err)
			}
			m, err := decodeJSON[Message](raw)
			if err != nil {
				return Message{}, err
			}
			if m.ChatID == "" {
				m.ChatID = chatID
			}
			return *m, nil
		},
		Reconcile: func(m Message) {
			if r, ok := thread.Confirm(rec.TempID, m); ok {
				rec = r
			}
			e.store.Patch(KindChats, chatID, func(r Resource) Resource {
				return replaceLastMessage(r, rec.TempID, m)
			})
		},
		RollbackOrMark: func(err error) {
			if r, ok := thread.Fail(rec.TempID, err); ok {
				rec = r
			}
			if chatCached {
				e.store.Patch(KindChats, chatID, func(r Resource) Resource {
					c, ok := r.(Chat)
					if !ok || c.LastMessage == nil || c.LastMessage.ID != rec.TempID {
						return r
					}
					c.LastMessage = prevChat.LastMessage
					c.UpdatedAt = prevChat.UpdatedAt
					return c
				})
			}
		},
		Event: func(m Message) Event {
			return MessageSent{ChatID: chatID, Message: m}
		},
	})
	return rec, err
}

// replaceLastMessage swaps our optimistic preview for the server's copy even
// when the server timestamp is older than the local one.
func replaceLastMessage(r Resource, tempID string, msg Message) Resource {
	c, ok := r.(Chat)
	if !ok {
		return r
	}
	if c.LastMessage != nil && c.LastMessage.ID == tempID {
		m := msg
		c.LastMessage = &m
		return c
	}
	return patchLastMessage(c, msg)
}

// RetryMessage resends the text of a Failed message as a brand-new Pending
// record at the top. The Failed record is dismissed only once the new one
// is in place; if the retry is rejected before that, it stays as it was.
func (e *Engine) RetryMessage(ctx context.Context, chatID, tempID string) (Record[Message], error) {
	rec, ok := e.ChatThread(chatID).Get(tempID)
	if !ok || rec.State != StateFailed {
		return Record[Message]{}, fmt.Errorf("failed message %s in chat %s: %w", tempID, chatID, ErrNotFound)
	}
	return e.sendMessage(ctx, chatID, rec.Payload.Text, tempID)
}

// ============================================================================
// Profile
// ============================================================================

func (e *Engine) cachedProfile() (Profile, bool) {
	for _, r := range e.store.Get(KindProfile).Data {
		if p, ok := r.(Profile); ok {
			return p, true
		}
	}
	return Profile{}, false
}

// UpdateProfile applies patch to the cached profile right away and sends
// it. The previous profile is restored if the server refuses.
func (e *Engine) UpdateProfile(ctx context.Context, patch ProfilePatch) (Profile, error) {
	var prev Profile

	return Run(ctx, e.mut, Mutation[Profile]{
		Latch: "profile",
		Validate: func() error {
			if err := e.requireAuth(); err != nil {
				return err
			}
			if patch.FullName == nil && patch.Bio == nil && patch.City == nil {
				return &ValidationError{Field: "profile", Reason: "nothing to update"}
			}
			if patch.FullName != nil && strings.TrimSpace(*patch.FullName) == "" {
				return &ValidationError{Field: "full_name", Reason: "must not be empty"}
			}
			if _, ok := e.cachedProfile(); !ok {
				return fmt.Errorf("profile: %w", ErrNotCached)
			}
			return nil
		},
		Apply: func() {
			prev, _ = e.cachedProfile()
			e.store.Patch(KindProfile, prev.ID, func(r Resource) Resource {
				if p, ok := r.(Profile); ok {
					return patch.apply(p)
				}
				return r
			})
		},
		Send: func(ctx context.Context) (Profile, error) {
			raw, err := e.api.Mutate(ctx, KindProfile, prev.ID, Operation{Name: OpProfileUpdate, Body: patch})
			if err != nil {
				return Profile{}, fmt.Errorf("update profile: %w", err)
			}
			p, err := decodeJSON[Profile](raw)
			if err != nil {
				return Profile{}, err
			}
			return *p, nil
		},
		Reconcile: func(p Profile) {
			e.store.Patch(KindProfile, prev.ID, func(Resource) Resource { return p })
		},
		RollbackOrMark: func(error) {
			e.store.Patch(KindProfile, prev.ID, func(Resource) Resource { return prev })
		},
		Event: func(p Profile) Event {
			return ProfileUpdated{Profile: p}
		},
	})
}
