package chat

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/johndosdos/rentchat/internal/model"
	ratelimiter "github.com/johndosdos/rentchat/internal/rate_limiter"
)

const typingEmitTimeout = 5 * time.Second

type TypingConfig struct {
	// Quiet is how long after the last keystroke typing=false goes out.
	Quiet time.Duration
	// TTL bounds how long a remote typing=true is trusted without a
	// follow-up.
	TTL time.Duration
	// Rate and Window bound typing=true signals per conversation.
	Rate   int
	Window time.Duration
	Hub    *Hub
	Logger *slog.Logger
}

type localTyping struct {
	timer *time.Timer
	last  time.Time
}

type remoteTyping struct {
	timer   *time.Timer
	expires time.Time
}

// Typing debounces this user's typing signals and tracks who else is typing.
type Typing struct {
	self    string
	stream  emitter
	quiet   time.Duration
	ttl     time.Duration
	limiter *ratelimiter.KeyedLimiter
	hub     *Hub
	logger  *slog.Logger

	mu     sync.Mutex
	local  map[string]*localTyping
	remote map[string]map[string]*remoteTyping
	closed bool
}

func NewTyping(self string, stream emitter, cfg TypingConfig) *Typing {
	if cfg.Quiet <= 0 {
		cfg.Quiet = 3 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * cfg.Quiet
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Typing{
		self:   self,
		stream: stream,
		quiet:  cfg.Quiet,
		ttl:    cfg.TTL,
		limiter: ratelimiter.NewKeyedLimiter(cfg.Rate, cfg.Window, ratelimiter.CleanupOpts{
			TTL:      10 * cfg.Window,
			Interval: cfg.Window,
		}),
		hub:    cfg.Hub,
		logger: cfg.Logger,
		local:  make(map[string]*localTyping),
		remote: make(map[string]map[string]*remoteTyping),
	}
}

// NotifyActivity is called on every keystroke. The first one emits
// typing=true; the rest only push the quiet deadline back.
func (t *Typing) NotifyActivity(ctx context.Context, conversationID string) {
	now := time.Now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if lt, ok := t.local[conversationID]; ok {
		lt.last = now
		t.mu.Unlock()
		return
	}
	if !t.limiter.Allow(conversationID) {
		t.mu.Unlock()
		t.logger.DebugContext(ctx, "typing signal throttled", "conversation_id", conversationID)
		return
	}
	t.local[conversationID] = &localTyping{
		last:  now,
		timer: time.AfterFunc(t.quiet, func() { t.quietElapsed(conversationID) }),
	}
	t.mu.Unlock()

	t.emit(ctx, conversationID, true)
}

// quietElapsed fires after the quiet period. Activity since arming moves
// the deadline instead of stopping.
func (t *Typing) quietElapsed(conversationID string) {
	t.mu.Lock()
	lt, ok := t.local[conversationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if remaining := t.quiet - time.Since(lt.last); remaining > 0 {
		lt.timer.Reset(remaining)
		t.mu.Unlock()
		return
	}
	delete(t.local, conversationID)
	t.mu.Unlock()

	t.emit(context.Background(), conversationID, false)
}

// Leave emits typing=false for a conversation the user navigates away from,
// whether or not a signal is pending.
func (t *Typing) Leave(ctx context.Context, conversationID string) {
	t.mu.Lock()
	if lt, ok := t.local[conversationID]; ok {
		lt.timer.Stop()
		delete(t.local, conversationID)
	}
	t.mu.Unlock()

	t.emit(ctx, conversationID, false)
}

// Observe applies a typing signal from another participant.
func (t *Typing) Observe(sig TypingSignal) {
	if sig.UserID == t.self {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	users := t.remote[sig.ConversationID]
	rt, exists := users[sig.UserID]

	switch {
	case sig.IsTyping && exists:
		rt.expires = time.Now().Add(t.ttl)
		rt.timer.Reset(t.ttl)
	case sig.IsTyping:
		if users == nil {
			users = make(map[string]*remoteTyping)
			t.remote[sig.ConversationID] = users
		}
		users[sig.UserID] = &remoteTyping{
			expires: time.Now().Add(t.ttl),
			timer:   time.AfterFunc(t.ttl, func() { t.expire(sig.ConversationID, sig.UserID) }),
		}
	case exists:
		rt.timer.Stop()
		t.removeLocked(sig.ConversationID, sig.UserID)
	default:
		t.mu.Unlock()
		return
	}

	typing := t.typingLocked(sig.ConversationID)
	t.mu.Unlock()

	t.hub.Publish(Update{Kind: UpdateTyping, ConversationID: sig.ConversationID, Typing: typing})
}

func (t *Typing) expire(conversationID, userID string) {
	t.mu.Lock()
	rt, ok := t.remote[conversationID][userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if remaining := time.Until(rt.expires); remaining > 0 {
		rt.timer.Reset(remaining)
		t.mu.Unlock()
		return
	}
	t.removeLocked(conversationID, userID)
	typing := t.typingLocked(conversationID)
	t.mu.Unlock()

	t.hub.Publish(Update{Kind: UpdateTyping, ConversationID: conversationID, Typing: typing})
}

// IsTyping returns the other participants currently typing, sorted.
func (t *Typing) IsTyping(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typingLocked(conversationID)
}

func (t *Typing) typingLocked(conversationID string) []string {
	now := time.Now()
	out := []string{}
	for uid, rt := range t.remote[conversationID] {
		if rt.expires.After(now) {
			out = append(out, uid)
		}
	}
	slices.Sort(out)
	return out
}

func (t *Typing) removeLocked(conversationID, userID string) {
	users := t.remote[conversationID]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.remote, conversationID)
	}
}

func (t *Typing) emit(ctx context.Context, conversationID string, isTyping bool) {
	if t.stream == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), typingEmitTimeout)
	defer cancel()

	err := t.stream.Emit(ctx, model.EventTyping, model.TypingPayload{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
	if err != nil {
		t.logger.DebugContext(ctx, "typing signal not sent",
			"conversation_id", conversationID,
			"is_typing", isTyping,
			"error", err)
	}
}

// Close stops every timer and clears pending signals with typing=false.
func (t *Typing) Close(ctx context.Context) {
	t.mu.Lock()
	t.closed = true
	pending := make([]string, 0, len(t.local))
	for conv, lt := range t.local {
		lt.timer.Stop()
		pending = append(pending, conv)
	}
	clear(t.local)
	for _, users := range t.remote {
		for _, rt := range users {
			rt.timer.Stop()
		}
	}
	clear(t.remote)
	t.mu.Unlock()

	t.limiter.Stop()

	for _, conv := range pending {
		t.emit(ctx, conv, false)
	}
}
