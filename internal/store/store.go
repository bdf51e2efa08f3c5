// Package store holds the in-memory, per-conversation ordered message
// collection the rest of the sync engine mutates.
package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/johndosdos/rentchat/internal/model"
)

const btreeDegree = 16

// Result tells the caller what an Upsert did.
type Result int

const (
	Unchanged Result = iota
	Inserted
	Updated
)

func (r Result) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	}
	return "unchanged"
}

// entry is a message plus its ordering key. The key (at, seq) is fixed when
// the entry enters the tree and never changes afterwards, so the message can
// be mutated in place.
type entry struct {
	at  time.Time
	seq uint64
	msg model.Message
}

func lessEntry(a, b *entry) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

type thread struct {
	conv     model.Conversation
	messages *btree.BTreeG[*entry]
}

func newThread(conversationID string) *thread {
	return &thread{
		conv:     model.Conversation{ID: conversationID, IsActive: true},
		messages: btree.NewG(btreeDegree, lessEntry),
	}
}

// Store is safe for concurrent readers. Writers are expected to be
// serialized by the caller; the lock only protects readers from observing a
// half-applied mutation.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*thread
	byID    map[string]*entry
	seq     uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		threads: make(map[string]*thread),
		byID:    make(map[string]*entry),
	}
}

func (s *Store) thread(conversationID string) *thread {
	t, ok := s.threads[conversationID]
	if !ok {
		t = newThread(conversationID)
		s.threads[conversationID] = t
	}
	return t
}

// Upsert inserts m, or merges its status into the entry already holding
// m.ID. A placeholder identical to an unresolved one (same sender, content
// and createdAt) is refused with model.ErrDuplicateSuppressed.
func (s *Store) Upsert(m model.Message) (Result, error) {
	if m.ID == "" || m.ConversationID == "" {
		return Unchanged, errors.New("store: message requires id and conversation id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[m.ID]; ok {
		if mergeStatus(&existing.msg, m) {
			return Updated, nil
		}
		return Unchanged, nil
	}

	t := s.thread(m.ConversationID)

	if m.IsLocal() {
		dup := false
		t.messages.Ascend(func(e *entry) bool {
			if isUnresolved(e.msg) &&
				e.msg.SenderID == m.SenderID &&
				e.msg.Content == m.Content &&
				e.msg.CreatedAt.Equal(m.CreatedAt) {
				dup = true
				return false
			}
			return true
		})
		if dup {
			return Unchanged, fmt.Errorf("store: placeholder %s: %w", m.ID, model.ErrDuplicateSuppressed)
		}
	}

	s.insertLocked(t, m.Clone())
	return Inserted, nil
}

func (s *Store) insertLocked(t *thread, m model.Message) *entry {
	s.seq++
	e := &entry{at: m.CreatedAt, seq: s.seq, msg: m}
	t.messages.ReplaceOrInsert(e)
	s.byID[m.ID] = e
	touchConversation(t, e)
	return e
}

// Replace promotes the placeholder localID to the server-confirmed message.
// The placeholder's position and createdAt are kept. If the server id is
// already present (it arrived through another path) the placeholder is
// dropped and the status merged into the existing entry.
func (s *Store) Replace(localID string, server model.Message) error {
	if !model.IsLocalID(localID) {
		return fmt.Errorf("store: %q is not a local id", localID)
	}
	if server.ID == "" || model.IsLocalID(server.ID) {
		return fmt.Errorf("store: %q is not a server id", server.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ph, ok := s.byID[localID]
	if !ok {
		return fmt.Errorf("store: placeholder %s: %w", localID, model.ErrNotFound)
	}
	t := s.thread(ph.msg.ConversationID)

	if existing, ok := s.byID[server.ID]; ok {
		t.messages.Delete(ph)
		delete(s.byID, localID)
		mergeStatus(&existing.msg, server)
		touchConversation(t, existing)
		return nil
	}

	msg := server.Clone()
	msg.ConversationID = ph.msg.ConversationID
	msg.CreatedAt = ph.msg.CreatedAt
	if msg.Status == "" || msg.Status == model.StatusSending {
		msg.Status = model.StatusSent
	}

	ph.msg = msg
	delete(s.byID, localID)
	s.byID[msg.ID] = ph
	touchConversation(t, ph)

	return nil
}

// MarkStatus moves message id to status if that is a forward transition.
// It reports whether anything changed; a regression is a silent no-op.
func (s *Store) MarkStatus(id string, status model.Status, at time.Time) (bool, error) {
	switch status {
	case model.StatusSending, model.StatusSent, model.StatusDelivered, model.StatusRead, model.StatusFailed:
	default:
		return false, fmt.Errorf("store: status %q: %w", status, model.ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return false, fmt.Errorf("store: message %s: %w", id, model.ErrNotFound)
	}

	return applyStatus(&e.msg, status, at), nil
}

// MarkAllRead moves every confirmed message of a conversation that readerID
// did not author to read. It returns the ids that changed.
func (s *Store) MarkAllRead(conversationID, readerID string, at time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return nil
	}

	var changed []string
	t.messages.Ascend(func(e *entry) bool {
		if e.msg.SenderID == readerID || e.msg.IsLocal() {
			return true
		}
		if applyStatus(&e.msg, model.StatusRead, at) {
			changed = append(changed, e.msg.ID)
		}
		return true
	})
	return changed
}

// Reset replaces every message of a conversation, placeholders included,
// with msgs. Conversation metadata is kept.
func (s *Store) Reset(conversationID string, msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(conversationID)
	t.messages.Ascend(func(e *entry) bool {
		delete(s.byID, e.msg.ID)
		return true
	})
	t.messages.Clear(false)
	t.conv.LastMessagePreview = ""
	t.conv.LastMessageAt = time.Time{}

	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if existing, ok := s.byID[m.ID]; ok {
			mergeStatus(&existing.msg, m)
			continue
		}
		m.ConversationID = conversationID
		s.insertLocked(t, m.Clone())
	}
}

// Snapshot returns the conversation's messages ordered by createdAt, ties
// in insertion order.
func (s *Store) Snapshot(conversationID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return nil
	}
	out := make([]model.Message, 0, t.messages.Len())
	t.messages.Ascend(func(e *entry) bool {
		out = append(out, e.msg.Clone())
		return true
	})
	return out
}

// Placeholders returns the unresolved placeholders of a conversation, oldest
// first.
func (s *Store) Placeholders(conversationID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return nil
	}
	var out []model.Message
	t.messages.Ascend(func(e *entry) bool {
		if isUnresolved(e.msg) {
			out = append(out, e.msg.Clone())
		}
		return true
	})
	return out
}

// Get returns the message with the given id.
func (s *Store) Get(id string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return model.Message{}, false
	}
	return e.msg.Clone(), true
}

// Len returns the number of messages held for a conversation.
func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.threads[conversationID]; ok {
		return t.messages.Len()
	}
	return 0
}

// SetConversation records conversation metadata. The last-message fields
// are only taken from c when they are newer than what the store derived
// from its own messages.
func (s *Store) SetConversation(c model.Conversation) {
	if c.ID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(c.ID)
	preview, at := t.conv.LastMessagePreview, t.conv.LastMessageAt
	t.conv = c
	t.conv.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	if at.After(c.LastMessageAt) {
		t.conv.LastMessagePreview = preview
		t.conv.LastMessageAt = at
	}
}

// SetUnreadCount overwrites the unread counter of a conversation.
func (s *Store) SetUnreadCount(conversationID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.thread(conversationID).conv.UnreadCount = max(n, 0)
}

// Conversation returns the metadata of a conversation.
func (s *Store) Conversation(id string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[id]
	if !ok {
		return model.Conversation{}, false
	}
	c := t.conv
	c.ParticipantIDs = slices.Clone(t.conv.ParticipantIDs)
	return c, true
}

func isUnresolved(m model.Message) bool {
	return m.IsLocal() && m.Status == model.StatusSending
}

// touchConversation refreshes the preview when e is the newest message.
func touchConversation(t *thread, e *entry) {
	newest, ok := t.messages.Max()
	if !ok || newest != e {
		return
	}
	t.conv.LastMessagePreview = e.msg.Preview()
	t.conv.LastMessageAt = e.at
}

// mergeStatus folds the status carried by incoming into dst using the
// monotonic rule. Identity fields of dst are never touched.
func mergeStatus(dst *model.Message, incoming model.Message) bool {
	changed := false
	if incoming.Status != "" {
		var at time.Time
		switch incoming.Status {
		case model.StatusRead:
			if incoming.ReadAt != nil {
				at = *incoming.ReadAt
			}
		case model.StatusDelivered:
			if incoming.DeliveredAt != nil {
				at = *incoming.DeliveredAt
			}
		}
		if at.IsZero() {
			at = time.Now().UTC()
		}
		changed = applyStatus(dst, incoming.Status, at)
	}
	if dst.DeliveredAt == nil && incoming.DeliveredAt != nil {
		t := *incoming.DeliveredAt
		dst.DeliveredAt = &t
		changed = true
	}
	return changed
}

func applyStatus(m *model.Message, status model.Status, at time.Time) bool {
	if !m.Status.CanTransition(status) {
		return false
	}
	m.Status = status
	switch status {
	case model.StatusRead:
		m.ReadAt = &at
		if m.DeliveredAt == nil {
			d := at
			m.DeliveredAt = &d
		}
	case model.StatusDelivered:
		m.DeliveredAt = &at
	}
	return true
}
