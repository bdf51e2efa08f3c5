package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/johndosdos/rentchat/internal/api"
	"github.com/johndosdos/rentchat/internal/model"
)

type historySource interface {
	ListMessages(ctx context.Context, conversationID string, page, limit int) (api.MessagePage, error)
}

// History loads pages of past messages into the store.
type History struct {
	engine   *Engine
	source   historySource
	pageSize int
	logger   *slog.Logger

	mu       sync.Mutex
	seq      int
	inflight map[string]map[int]context.CancelFunc
}

func NewHistory(engine *Engine, source historySource, pageSize int, logger *slog.Logger) *History {
	if pageSize <= 0 {
		pageSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		engine:   engine,
		source:   source,
		pageSize: pageSize,
		logger:   logger,
		inflight: make(map[string]map[int]context.CancelFunc),
	}
}

// Load fetches one page, newest first, and applies it. Page 1 replaces the
// conversation in the store, pending placeholders included; later pages are
// merged. A load cancelled by Cancel leaves the store untouched.
func (h *History) Load(ctx context.Context, conversationID string, page int) ([]model.Message, error) {
	if page < 1 {
		page = 1
	}

	msgs, lctx, done, err := h.fetch(ctx, conversationID, page)
	defer done()
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := lctx.Err(); err != nil {
		h.logger.DebugContext(ctx, "discarding history for a conversation that was left",
			"conversation_id", conversationID,
			"page", page)
		return nil, fmt.Errorf("chat: history for %s: %w", conversationID, err)
	}

	if page == 1 {
		h.engine.ResetConversation(conversationID, msgs)
	} else {
		h.engine.MergeHistory(conversationID, msgs)
	}

	return msgs, nil
}

// Refresh merges the newest page without discarding anything, for catching
// up after the push stream was down.
func (h *History) Refresh(ctx context.Context, conversationID string) (int, error) {
	msgs, lctx, done, err := h.fetch(ctx, conversationID, 1)
	defer done()
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := lctx.Err(); err != nil {
		return 0, err
	}
	return h.engine.MergeHistory(conversationID, msgs), nil
}

// Cancel aborts in-flight loads of a conversation. Results that arrive
// afterwards are discarded.
func (h *History) Cancel(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, cancel := range h.inflight[conversationID] {
		cancel()
	}
	delete(h.inflight, conversationID)
}

func (h *History) fetch(ctx context.Context, conversationID string, page int) ([]model.Message, context.Context, func(), error) {
	lctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.seq++
	id := h.seq
	if h.inflight[conversationID] == nil {
		h.inflight[conversationID] = make(map[int]context.CancelFunc)
	}
	h.inflight[conversationID][id] = cancel
	h.mu.Unlock()

	done := func() {
		h.mu.Lock()
		delete(h.inflight[conversationID], id)
		if len(h.inflight[conversationID]) == 0 {
			delete(h.inflight, conversationID)
		}
		h.mu.Unlock()
		cancel()
	}

	res, err := h.source.ListMessages(lctx, conversationID, page, h.pageSize)
	if err != nil {
		return nil, lctx, done, fmt.Errorf("chat: loading history for %s page %d: %w", conversationID, page, err)
	}

	return dedupByID(res.Messages), lctx, done, nil
}

// dedupByID keeps the first occurrence of each id; overlapping pages repeat
// messages at their edges.
func dedupByID(msgs []model.Message) []model.Message {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}
