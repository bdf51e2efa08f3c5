package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/johndosdos/rentchat/internal/api"
	"github.com/johndosdos/rentchat/internal/metrics"
	"github.com/johndosdos/rentchat/internal/model"
)

// ErrSenderClosed is returned by Send after Close.
var ErrSenderClosed = errors.New("chat: sender closed")

type emitter interface {
	Available() bool
	Emit(ctx context.Context, event string, payload any) error
}

type messagePoster interface {
	SendMessage(ctx context.Context, req model.SendMessagePayload) (model.Message, error)
}

type SendRequest struct {
	ConversationID string
	Content        string
	Kind           model.Kind
	ReplyTo        string
	Attachments    []model.Attachment
}

type SenderConfig struct {
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type pendingSend struct {
	conversationID string
	timer          *time.Timer
}

// Sender runs the optimistic send lifecycle. It owns one timeout timer per
// pending placeholder.
type Sender struct {
	engine   *Engine
	stream   emitter
	fallback messagePoster
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingSend
	closed  bool
}

// NewSender returns a Sender that writes through engine.
func NewSender(engine *Engine, stream emitter, fallback messagePoster, cfg SenderConfig) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Sender{
		engine:   engine,
		stream:   stream,
		fallback: fallback,
		timeout:  cfg.Timeout,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		pending:  make(map[string]pendingSend),
	}
	engine.onResolved(s.disarm)
	return s
}

// Send shows the message immediately as a placeholder, then delivers it over
// the push stream, or over the fallback call when the stream is down. The
// returned message is the placeholder, or the promoted message when the
// fallback call answered.
//
// An error returned together with a message means delivery is uncertain or
// was refused. The placeholder stays in the store in both cases.
func (s *Sender) Send(ctx context.Context, req SendRequest) (model.Message, error) {
	ph, err := s.placeholder(req)
	if err != nil {
		return model.Message{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.Message{}, ErrSenderClosed
	}
	// Armed before the insert so a confirmation can never outrun its timer.
	s.pending[ph.ID] = pendingSend{
		conversationID: ph.ConversationID,
		timer:          time.AfterFunc(s.timeout, func() { s.expire(ph.ID) }),
	}
	s.mu.Unlock()

	if err := s.engine.InsertPlaceholder(ph); err != nil {
		s.disarm(ph.ID)
		return model.Message{}, err
	}

	payload := model.SendMessagePayload{
		ConversationID: ph.ConversationID,
		Content:        ph.Content,
		Kind:           ph.Kind,
		ReplyTo:        ph.ReplyToMessageID,
		Attachments:    ph.Attachments,
	}

	if s.stream != nil && s.stream.Available() {
		err := s.stream.Emit(ctx, model.EventMessage, payload)
		if err == nil {
			return ph, nil
		}
		if !errors.Is(err, model.ErrNotConnected) {
			// The frame may or may not have left. Sending again could
			// duplicate it, so the timeout decides.
			s.logger.WarnContext(ctx, "emit failed, waiting for confirmation or timeout",
				"local_id", ph.ID,
				"conversation_id", ph.ConversationID,
				"error", err)
			return ph, err
		}
	}

	return s.sendFallback(ctx, ph, payload)
}

func (s *Sender) sendFallback(ctx context.Context, ph model.Message, payload model.SendMessagePayload) (model.Message, error) {
	if s.fallback == nil {
		return ph, model.ErrNotConnected
	}
	s.metrics.ObserveFallback()

	srv, err := s.fallback.SendMessage(ctx, payload)
	if err != nil {
		if api.IsRetryable(err) || ctx.Err() != nil {
			s.logger.WarnContext(ctx, "fallback send failed, waiting for timeout",
				"local_id", ph.ID,
				"error", err)
			return ph, err
		}

		// The server answered and refused.
		s.engine.FailPending(ph.ID, ph.ConversationID, err)
		failed, _ := s.engine.store.Get(ph.ID)
		return failed, fmt.Errorf("chat: send rejected: %w", err)
	}

	if srv.ConversationID == "" {
		srv.ConversationID = ph.ConversationID
	}
	if srv.SenderID == "" {
		srv.SenderID = ph.SenderID
	}

	if _, err := s.engine.Promote(srv); err != nil && !errors.Is(err, model.ErrDuplicateSuppressed) {
		return ph, err
	}

	promoted, ok := s.engine.store.Get(srv.ID)
	if !ok {
		return ph, nil
	}
	return promoted, nil
}

func (s *Sender) placeholder(req SendRequest) (model.Message, error) {
	if req.ConversationID == "" {
		return model.Message{}, errors.New("chat: conversation id is required")
	}

	kind := req.Kind
	if kind == "" {
		kind = model.KindText
	}
	if !kind.Valid() {
		return model.Message{}, fmt.Errorf("chat: unknown message kind %q", kind)
	}

	content := strings.TrimSpace(req.Content)
	if content == "" && len(req.Attachments) == 0 {
		return model.Message{}, errors.New("chat: message has no content")
	}

	return model.Message{
		ID:               model.NewLocalID(),
		ConversationID:   req.ConversationID,
		SenderID:         s.engine.Self(),
		Content:          content,
		Kind:             kind,
		CreatedAt:        s.engine.now(),
		Attachments:      slices.Clone(req.Attachments),
		ReplyToMessageID: req.ReplyTo,
		Status:           model.StatusSending,
	}, nil
}

func (s *Sender) expire(localID string) {
	s.mu.Lock()
	p, ok := s.pending[localID]
	delete(s.pending, localID)
	s.mu.Unlock()

	if !ok {
		return
	}

	if s.engine.FailPending(localID, p.conversationID, model.ErrSendTimeout) {
		s.logger.Warn("send timed out",
			"local_id", localID,
			"conversation_id", p.conversationID,
			"timeout", s.timeout)
	}
}

// disarm stops the timer of a placeholder that is no longer pending.
func (s *Sender) disarm(localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[localID]; ok {
		p.timer.Stop()
		delete(s.pending, localID)
	}
}

// Pending returns the number of sends awaiting confirmation.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops every timer. Placeholders still pending stay as they are.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
}
