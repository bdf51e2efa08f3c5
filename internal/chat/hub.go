package chat

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/johndosdos/rentchat/internal/model"
)

// UpdateKind says what changed in the store.
type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdatePromoted UpdateKind = "promoted"
	UpdateStatus   UpdateKind = "status"
	UpdateFailed   UpdateKind = "failed"
	UpdateHistory  UpdateKind = "history"
	UpdateTyping   UpdateKind = "typing"
)

// Update tells subscribers to re-read part of the store. Message is a copy
// taken when the change was applied.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	Message        model.Message
	// LocalID is the placeholder id that was promoted or failed.
	LocalID string
	// Typing lists who is typing, for UpdateTyping.
	Typing []string
	Err    error
}

type Registration struct {
	Sub  *Subscription
	Done chan struct{}
}

// Hub fans updates out to subscribers.
type Hub struct {
	subs       map[*Subscription]struct{}
	Register   chan Registration
	Unregister chan *Subscription
	Broadcast  chan Update
	done       chan struct{}
	logger     *slog.Logger
}

// Run manages subscriptions and delivery until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for sub := range h.subs {
			close(sub.ch)
		}
		clear(h.subs)
		close(h.done)
	}()

	for {
		select {
		case reg := <-h.Register:
			h.subs[reg.Sub] = struct{}{}
			close(reg.Done)

		case sub := <-h.Unregister:
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				close(sub.ch)
			}

		case u := <-h.Broadcast:
			for sub := range h.subs {
				if !sub.wants(u.ConversationID) {
					continue
				}
				select {
				case sub.ch <- u:
				default:
					h.logger.Warn("skipping update - channel full or subscriber slow",
						"kind", u.Kind,
						"conversation_id", u.ConversationID)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// Publish queues u for delivery without blocking the caller. Safe on a nil
// Hub.
func (h *Hub) Publish(u Update) {
	if h == nil {
		return
	}
	select {
	case h.Broadcast <- u:
	default:
		h.logger.Warn("dropping update - hub backlog full", "kind", u.Kind)
	}
}

// Subscribe registers a subscriber for the given conversations, or all of
// them when none are named. The subscription ends when ctx is done or Close
// is called; its channel is then closed.
func (h *Hub) Subscribe(ctx context.Context, conversationIDs ...string) *Subscription {
	sub := &Subscription{
		hub:   h,
		ch:    make(chan Update, 64),
		convs: slices.Clone(conversationIDs),
		stop:  make(chan struct{}),
	}

	reg := Registration{Sub: sub, Done: make(chan struct{})}
	select {
	case h.Register <- reg:
		<-reg.Done
	case <-h.done:
		close(sub.ch)
		sub.once.Do(func() { close(sub.stop) })
		return sub
	case <-ctx.Done():
		close(sub.ch)
		sub.once.Do(func() { close(sub.stop) })
		return sub
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.stop:
		case <-h.done:
		}
	}()

	return sub
}

// NewHub returns a new instance of Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:       make(map[*Subscription]struct{}),
		Register:   make(chan Registration),
		Unregister: make(chan *Subscription),
		Broadcast:  make(chan Update, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Subscription is a scoped handle on the hub.
type Subscription struct {
	hub   *Hub
	ch    chan Update
	convs []string
	stop  chan struct{}
	once  sync.Once
}

// Updates is closed once the subscription ends.
func (s *Subscription) Updates() <-chan Update {
	return s.ch
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.stop)
		select {
		case s.hub.Unregister <- s:
		case <-s.hub.done:
		}
	})
}

func (s *Subscription) wants(conversationID string) bool {
	return len(s.convs) == 0 || slices.Contains(s.convs, conversationID)
}
