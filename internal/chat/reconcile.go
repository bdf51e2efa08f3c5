package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johndosdos/rentchat/internal/metrics"
	"github.com/johndosdos/rentchat/internal/model"
	"github.com/johndosdos/rentchat/internal/store"
)

type typingObserver interface {
	Observe(sig TypingSignal)
}

type EngineConfig struct {
	DedupWindow time.Duration
	Hub         *Hub
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Engine applies every change to the store. Its mutex is the single writer:
// events are observed one at a time, so ordering and dedup decisions never
// interleave.
type Engine struct {
	self    string
	store   *store.Store
	window  time.Duration
	hub     *Hub
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	typing typingObserver
	// resolved is told about every placeholder that stops being pending.
	resolved func(localID string)
}

// NewEngine returns an Engine acting for the user self.
func NewEngine(self string, st *store.Store, cfg EngineConfig) *Engine {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		self:    self,
		store:   st,
		window:  cfg.DedupWindow,
		hub:     cfg.Hub,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Self is the user this engine acts for.
func (e *Engine) Self() string { return e.self }

func (e *Engine) setTyping(t typingObserver) {
	e.mu.Lock()
	e.typing = t
	e.mu.Unlock()
}

func (e *Engine) onResolved(fn func(localID string)) {
	e.mu.Lock()
	e.resolved = fn
	e.mu.Unlock()
}

// Ingest applies one event. Events that change nothing because they repeat
// what the store already holds return model.ErrDuplicateSuppressed.
func (e *Engine) Ingest(ev Event) error {
	e.metrics.ObserveIngest(ev.eventName())

	switch ev := ev.(type) {
	case RemoteMessageArrived:
		return e.remoteMessage(ev)

	case OwnSendConfirmed:
		msg := ev.Message
		if msg.ConversationID == "" {
			msg.ConversationID = ev.ConversationID
		}
		if msg.RelatedContext == nil && ev.Context != nil {
			msg.RelatedContext = ev.Context
		}
		_, err := e.Promote(msg)
		return err

	case ReadReceiptArrived:
		return e.readReceipt(ev)

	case ConversationReadArrived:
		e.conversationRead(ev)
		return nil

	case TypingSignal:
		if ev.UserID == e.self {
			return nil
		}
		e.mu.Lock()
		t := e.typing
		e.mu.Unlock()
		if t != nil {
			t.Observe(ev)
		}
		return nil
	}

	return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
}

func (e *Engine) remoteMessage(ev RemoteMessageArrived) error {
	msg := e.normalize(ev.Message, ev.ConversationID)
	if msg.RelatedContext == nil && ev.Context != nil {
		msg.RelatedContext = ev.Context
	}

	// Own sends are confirmed through message-sent only.
	if msg.SenderID == e.self {
		e.suppressed("self_echo", msg)
		return fmt.Errorf("chat: echo of own message %s: %w", msg.ID, model.ErrDuplicateSuppressed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.store.Upsert(msg)
	if err != nil {
		return err
	}

	switch res {
	case store.Unchanged:
		e.suppressed("duplicate_id", msg)
		return fmt.Errorf("chat: message %s: %w", msg.ID, model.ErrDuplicateSuppressed)
	case store.Updated:
		e.publishStored(UpdateStatus, msg.ID)
	default:
		e.publishStored(UpdateMessage, msg.ID)
	}
	return nil
}

// Promote hands a server-confirmed message of this user to the store. It
// replaces the oldest matching placeholder and returns its local id, or
// upserts the message when no placeholder matches.
func (e *Engine) Promote(confirmed model.Message) (string, error) {
	msg := e.normalize(confirmed, confirmed.ConversationID)
	if msg.SenderID == "" {
		msg.SenderID = e.self
	}
	if msg.ID == "" || model.IsLocalID(msg.ID) {
		return "", errors.New("chat: confirmation without a server id")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ph, ok := MatchPlaceholder(e.store.Placeholders(msg.ConversationID), msg, e.window)
	if ok {
		if err := e.store.Replace(ph.ID, msg); err != nil {
			return "", err
		}
		e.metrics.ObservePromotion()
		e.logger.Debug("placeholder promoted",
			"local_id", ph.ID,
			"message_id", msg.ID,
			"conversation_id", msg.ConversationID)

		stored, _ := e.store.Get(msg.ID)
		e.hub.Publish(Update{
			Kind:           UpdatePromoted,
			ConversationID: msg.ConversationID,
			Message:        stored,
			LocalID:        ph.ID,
		})
		if e.resolved != nil {
			e.resolved(ph.ID)
		}
		return ph.ID, nil
	}

	// The placeholder is gone: already promoted through the other channel,
	// discarded by a history reload, or failed before the answer came.
	res, err := e.store.Upsert(msg)
	if err != nil {
		return "", err
	}
	if res == store.Unchanged {
		e.suppressed("already_confirmed", msg)
		return "", fmt.Errorf("chat: confirmation %s: %w", msg.ID, model.ErrDuplicateSuppressed)
	}

	kind := UpdateMessage
	if res == store.Updated {
		kind = UpdateStatus
	}
	e.publishStored(kind, msg.ID)
	return "", nil
}

// InsertPlaceholder puts an optimistic message into the store.
func (e *Engine) InsertPlaceholder(ph model.Message) error {
	if !ph.IsLocal() || ph.Status != model.StatusSending {
		return fmt.Errorf("chat: %s is not a pending placeholder", ph.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.store.Upsert(ph); err != nil {
		return err
	}
	e.publishStored(UpdateMessage, ph.ID)
	return nil
}

// FailPending marks a still-pending placeholder failed and reports whether
// it did. A placeholder that no longer exists because a history reload
// dropped it is reported to subscribers as failed all the same.
func (e *Engine) FailPending(localID, conversationID string, cause error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.store.Get(localID)
	if !ok {
		e.hub.Publish(Update{
			Kind:           UpdateFailed,
			ConversationID: conversationID,
			LocalID:        localID,
			Err:            cause,
		})
		return false
	}
	if !m.IsLocal() || m.Status != model.StatusSending {
		return false
	}

	changed, err := e.store.MarkStatus(localID, model.StatusFailed, e.now())
	if err != nil || !changed {
		return false
	}

	e.metrics.ObserveSendFailure(failureReason(cause))
	stored, _ := e.store.Get(localID)
	e.hub.Publish(Update{
		Kind:           UpdateFailed,
		ConversationID: stored.ConversationID,
		Message:        stored,
		LocalID:        localID,
		Err:            cause,
	})
	if e.resolved != nil {
		e.resolved(localID)
	}
	return true
}

// MarkRead moves a message authored by someone other than reader to read.
// Placeholders and the reader's own messages are left alone.
func (e *Engine) MarkRead(messageID, reader string, at time.Time) (model.Message, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.store.Get(messageID)
	if !ok {
		return model.Message{}, false, fmt.Errorf("chat: message %s: %w", messageID, model.ErrNotFound)
	}
	if m.IsLocal() || m.SenderID == reader {
		return m, false, nil
	}

	changed, err := e.store.MarkStatus(messageID, model.StatusRead, at)
	if err != nil {
		return m, false, err
	}
	stored, _ := e.store.Get(messageID)
	if changed {
		e.hub.Publish(Update{Kind: UpdateStatus, ConversationID: stored.ConversationID, Message: stored})
	}
	return stored, changed, nil
}

// MarkConversationRead sweeps every message in the conversation not
// authored by reader to read and returns the ids that changed.
func (e *Engine) MarkConversationRead(conversationID, reader string, at time.Time) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := e.store.MarkAllRead(conversationID, reader, at)
	if reader == e.self {
		e.store.SetUnreadCount(conversationID, 0)
	}
	for _, id := range changed {
		e.publishStored(UpdateStatus, id)
	}
	return changed
}

// ResetConversation replaces the conversation's timeline with msgs.
func (e *Engine) ResetConversation(conversationID string, msgs []model.Message) {
	for i := range msgs {
		msgs[i] = e.normalize(msgs[i], conversationID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.store.Reset(conversationID, msgs)
	e.hub.Publish(Update{Kind: UpdateHistory, ConversationID: conversationID})
}

// MergeHistory adds older or refreshed messages without disturbing what is
// already there. It returns how many were new.
func (e *Engine) MergeHistory(conversationID string, msgs []model.Message) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	added := 0
	for _, m := range msgs {
		m = e.normalize(m, conversationID)
		res, err := e.store.Upsert(m)
		if err != nil {
			e.logger.Debug("skipping history message", "message_id", m.ID, "error", err)
			continue
		}
		if res == store.Inserted {
			added++
		}
	}
	if added > 0 {
		e.hub.Publish(Update{Kind: UpdateHistory, ConversationID: conversationID})
	}
	return added
}

func (e *Engine) readReceipt(ev ReadReceiptArrived) error {
	at := ev.ReadAt
	if at.IsZero() {
		at = e.now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	changed, err := e.store.MarkStatus(ev.MessageID, model.StatusRead, at)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			e.logger.Debug("read receipt for unknown message", "message_id", ev.MessageID)
			return nil
		}
		return err
	}
	if !changed {
		e.metrics.ObserveSuppressed("read_receipt")
		return nil
	}
	e.publishStored(UpdateStatus, ev.MessageID)
	return nil
}

func (e *Engine) conversationRead(ev ConversationReadArrived) {
	at := ev.ReadAt
	if at.IsZero() {
		at = e.now()
	}
	changed := e.MarkConversationRead(ev.ConversationID, ev.ReadBy, at)
	e.logger.Debug("conversation read",
		"conversation_id", ev.ConversationID,
		"read_by", ev.ReadBy,
		"changed", len(changed))
}

// normalize fills defaults the server may leave out. Content is kept as sent.
func (e *Engine) normalize(m model.Message, conversationID string) model.Message {
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	if m.Status == "" {
		m.Status = model.StatusSent
	}
	if m.Kind == "" {
		m.Kind = model.KindText
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = e.now()
	}
	return m
}

// publishStored publishes the stored copy of id. Callers hold e.mu.
func (e *Engine) publishStored(kind UpdateKind, id string) {
	if e.hub == nil {
		return
	}
	m, ok := e.store.Get(id)
	if !ok {
		return
	}
	e.hub.Publish(Update{Kind: kind, ConversationID: m.ConversationID, Message: m})
}

func (e *Engine) suppressed(reason string, m model.Message) {
	e.metrics.ObserveSuppressed(reason)
	e.logger.Debug("duplicate suppressed",
		"reason", reason,
		"message_id", m.ID,
		"conversation_id", m.ConversationID)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, model.ErrSendTimeout):
		return "timeout"
	case errors.Is(err, model.ErrAuth):
		return "auth"
	default:
		return "rejected"
	}
}
