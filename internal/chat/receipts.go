package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/johndosdos/rentchat/internal/model"
)

const receiptTimeout = 10 * time.Second

type readMarker interface {
	MarkMessageRead(ctx context.Context, messageID string) error
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// Receipts propagates this user's reads: the store first, then the push
// stream and the request/response API side by side. Neither network write is
// allowed to undo or block the local update.
type Receipts struct {
	engine  *Engine
	stream  emitter
	durable readMarker
	logger  *slog.Logger

	wg sync.WaitGroup
}

func NewReceipts(engine *Engine, stream emitter, durable readMarker, logger *slog.Logger) *Receipts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receipts{
		engine:  engine,
		stream:  stream,
		durable: durable,
		logger:  logger,
	}
}

// MarkRead marks one message read. Only a missing message is an error;
// network failures are logged.
func (r *Receipts) MarkRead(ctx context.Context, messageID string) error {
	msg, _, err := r.engine.MarkRead(messageID, r.engine.Self(), r.engine.now())
	if err != nil {
		return err
	}
	if msg.IsLocal() || msg.SenderID == r.engine.Self() {
		return nil
	}

	r.dispatch(ctx, "message-read", messageID,
		func(ctx context.Context) error {
			return r.emit(ctx, model.EventMessageRead, model.MessageReadPayload{
				MessageID:      messageID,
				ConversationID: msg.ConversationID,
			})
		},
		func(ctx context.Context) error {
			if r.durable == nil {
				return nil
			}
			return r.durable.MarkMessageRead(ctx, messageID)
		},
	)
	return nil
}

// MarkConversationRead marks every message from the other participants
// read.
func (r *Receipts) MarkConversationRead(ctx context.Context, conversationID string) {
	r.engine.MarkConversationRead(conversationID, r.engine.Self(), r.engine.now())

	r.dispatch(ctx, "chat-read", conversationID,
		func(ctx context.Context) error {
			return r.emit(ctx, model.EventChatRead, model.ConversationReadPayload{ConversationID: conversationID})
		},
		func(ctx context.Context) error {
			if r.durable == nil {
				return nil
			}
			return r.durable.MarkConversationRead(ctx, conversationID)
		},
	)
}

func (r *Receipts) emit(ctx context.Context, event string, payload any) error {
	if r.stream == nil {
		return model.ErrNotConnected
	}
	return r.stream.Emit(ctx, event, payload)
}

// dispatch runs both writes in the background. They are independent: one
// failing does not stop the other.
func (r *Receipts) dispatch(ctx context.Context, kind, id string, writes ...func(context.Context) error) {
	base := context.WithoutCancel(ctx)

	for i, write := range writes {
		path := "stream"
		if i > 0 {
			path = "api"
		}

		r.wg.Go(func() {
			wctx, cancel := context.WithTimeout(base, receiptTimeout)
			defer cancel()

			if err := write(wctx); err != nil {
				r.logger.Debug("read receipt not delivered",
					"kind", kind,
					"id", id,
					"path", path,
					"error", err)
			}
		})
	}
}

// Wait blocks until every receipt write issued so far has finished.
func (r *Receipts) Wait() {
	r.wg.Wait()
}
