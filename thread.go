package marketsync

import (
	"sync"

	"github.com/google/uuid"
)

// RecordState is the lifecycle position of an optimistic record.
type RecordState string

const (
	StatePending   RecordState = "pending"
	StateConfirmed RecordState = "confirmed"
	StateFailed    RecordState = "failed"
)

// Record is one entry of a visible list. Records created locally carry a
// TempID until the server assigns RealID; records read from the server
// have no TempID.
type Record[T Resource] struct {
	TempID  string
	RealID  string
	State   RecordState
	Payload T
	Err     error
}

// Key identifies the record inside its thread.
func (r Record[T]) Key() string {
	if r.TempID != "" {
		return r.TempID
	}
	return r.RealID
}

func newTempID() string {
	return "tmp-" + uuid.NewString()
}

// Thread is the visible, newest-first list of records under one parent,
// e.g. the messages of a chat or the comments of a publication.
type Thread[T Resource] struct {
	ParentID string

	mu      sync.Mutex
	records []*Record[T]
}

func NewThread[T Resource](parentID string) *Thread[T] {
	return &Thread[T]{ParentID: parentID}
}

// Prepend inserts a Pending record for payload at the top of the list. The
// build function receives the freshly generated temporary id so the
// payload can carry it.
func (t *Thread[T]) Prepend(build func(tempID string) T) Record[T] {
	tempID := newTempID()
	rec := &Record[T]{
		TempID:  tempID,
		State:   StatePending,
		Payload: build(tempID),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append([]*Record[T]{rec}, t.records...)
	return *rec
}

func (t *Thread[T]) indexLocked(key string) int {
	for i, r := range t.records {
		if r.TempID == key || (r.RealID != "" && r.RealID == key) {
			return i
		}
	}
	return -1
}

// Confirm swaps the payload of the record with tempID for the server's and
// marks it Confirmed, keeping its position. A server copy of the same item
// that a poll or push added while the record was Pending is dropped.
func (t *Thread[T]) Confirm(tempID string, payload T) (Record[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(tempID)
	if i < 0 {
		return Record[T]{}, false
	}
	r := t.records[i]
	r.RealID = payload.ResourceID()
	r.Payload = payload
	r.State = StateConfirmed
	r.Err = nil

	kept := t.records[:0]
	for _, other := range t.records {
		if other != r && other.RealID == r.RealID {
			continue
		}
		kept = append(kept, other)
	}
	t.records = kept
	return *r, true
}

// Fail marks the record with tempID as Failed. The record stays visible.
func (t *Thread[T]) Fail(tempID string, err error) (Record[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(tempID)
	if i < 0 {
		return Record[T]{}, false
	}
	r := t.records[i]
	r.State = StateFailed
	r.Err = err
	return *r, true
}

// Get returns the record whose temporary or real id is key.
func (t *Thread[T]) Get(key string) (Record[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(key)
	if i < 0 {
		return Record[T]{}, false
	}
	return *t.records[i], true
}

// Remove takes the record out of the list and returns it with its former
// index so it can be put back with InsertAt.
func (t *Thread[T]) Remove(key string) (Record[T], int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(key)
	if i < 0 {
		return Record[T]{}, -1, false
	}
	r := t.records[i]
	t.records = append(t.records[:i:i], t.records[i+1:]...)
	return *r, i, true
}

// InsertAt puts rec back at index, clamped to the list bounds.
func (t *Thread[T]) InsertAt(index int, rec Record[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 {
		index = 0
	}
	if index > len(t.records) {
		index = len(t.records)
	}
	r := rec
	out := make([]*Record[T], 0, len(t.records)+1)
	out = append(out, t.records[:index]...)
	out = append(out, &r)
	out = append(out, t.records[index:]...)
	t.records = out
}

// DismissFailed removes a Failed record on explicit user request. Records
// in other states are left alone.
func (t *Thread[T]) DismissFailed(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(tempID)
	if i < 0 || t.records[i].State != StateFailed {
		return false
	}
	t.records = append(t.records[:i:i], t.records[i+1:]...)
	return true
}

// Merge folds a server page (newest first) into the list. Pending and
// Failed local records stay on top in their current order; confirmed
// records are replaced by the server's copy.
func (t *Thread[T]) Merge(server []T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inServer := make(map[string]struct{}, len(server))
	for _, item := range server {
		inServer[item.ResourceID()] = struct{}{}
	}

	out := make([]*Record[T], 0, len(t.records)+len(server))
	for _, r := range t.records {
		switch {
		case r.State != StateConfirmed:
			out = append(out, r)
		case r.TempID != "":
			// Our own confirmed record the server page does not show yet.
			if _, ok := inServer[r.RealID]; !ok {
				out = append(out, r)
			}
		}
	}
	for _, item := range server {
		out = append(out, &Record[T]{
			RealID:  item.ResourceID(),
			State:   StateConfirmed,
			Payload: item,
		})
	}
	t.records = out
}

// Receive puts a server-pushed item on top as Confirmed. It reports false
// when a record with the same real id is already listed.
func (t *Thread[T]) Receive(item T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := item.ResourceID()
	for _, r := range t.records {
		if r.RealID == id {
			return false
		}
	}
	rec := &Record[T]{RealID: id, State: StateConfirmed, Payload: item}
	t.records = append([]*Record[T]{rec}, t.records...)
	return true
}

// Records returns a snapshot of the list, newest first.
func (t *Thread[T]) Records() []Record[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record[T], len(t.records))
	for i, r := range t.records {
		out[i] = *r
	}
	return out
}

// Len returns the number of records.
func (t *Thread[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
