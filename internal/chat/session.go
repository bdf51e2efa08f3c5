package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johndosdos/rentchat/internal/api"
	"github.com/johndosdos/rentchat/internal/auth"
	"github.com/johndosdos/rentchat/internal/config"
	"github.com/johndosdos/rentchat/internal/metrics"
	"github.com/johndosdos/rentchat/internal/model"
	ratelimiter "github.com/johndosdos/rentchat/internal/rate_limiter"
	"github.com/johndosdos/rentchat/internal/store"
	"github.com/johndosdos/rentchat/internal/transport"
)

type Options struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	HTTPClient *http.Client
	// RefreshOnReconnect merges the newest history page of the active
	// conversation each time the push stream comes back.
	RefreshOnReconnect bool
}

// Session is one signed-in user's view of their conversations.
type Session struct {
	identity auth.Identity
	logger   *slog.Logger

	conn     *transport.Connector
	api      *api.Client
	store    *store.Store
	hub      *Hub
	engine   *Engine
	sender   *Sender
	typing   *Typing
	receipts *Receipts
	history  *History

	stopHub context.CancelFunc

	mu     sync.Mutex
	active string

	closeOnce sync.Once
}

// NewSession builds a session for the user the configured token belongs to.
// Nothing touches the network until Connect or Run.
func NewSession(cfg *config.Config, opts Options) (*Session, error) {
	id, err := auth.Inspect(cfg.Token, time.Now())
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user_id", id.UserID)

	s := &Session{
		identity: id,
		logger:   logger,
		store:    store.New(),
		hub:      NewHub(logger),
		api:      api.NewClient(cfg.APIURL, cfg.Token, opts.HTTPClient, logger),
	}

	tcfg := transport.Config{
		URL:         cfg.WSURL,
		Token:       cfg.Token,
		MinBackoff:  cfg.ReconnectMin,
		MaxBackoff:  cfg.ReconnectMax,
		MaxAttempts: cfg.ReconnectAttempts,
		Metrics:     opts.Metrics,
	}
	if opts.RefreshOnReconnect {
		tcfg.OnReconnect = s.refreshActive
	}
	s.conn = transport.New(tcfg, logger)
	if cfg.EmitRate > 0 {
		s.conn.SetEmitLimiter(ratelimiter.NewLimiter(cfg.EmitRate, time.Minute))
	}

	s.engine = NewEngine(id.UserID, s.store, EngineConfig{
		DedupWindow: cfg.DedupWindow,
		Hub:         s.hub,
		Metrics:     opts.Metrics,
		Logger:      logger,
	})
	s.typing = NewTyping(id.UserID, s.conn, TypingConfig{
		Quiet:  cfg.TypingQuiet,
		TTL:    cfg.TypingTTL,
		Rate:   cfg.TypingRate,
		Window: cfg.TypingRateWindow,
		Hub:    s.hub,
		Logger: logger,
	})
	s.engine.setTyping(s.typing)
	s.sender = NewSender(s.engine, s.conn, s.api, SenderConfig{
		Timeout: cfg.SendTimeout,
		Metrics: opts.Metrics,
		Logger:  logger,
	})
	s.receipts = NewReceipts(s.engine, s.conn, s.api, logger)
	s.history = NewHistory(s.engine, s.api, cfg.PageSize, logger)

	hubCtx, stop := context.WithCancel(context.Background())
	s.stopHub = stop
	go s.hub.Run(hubCtx)

	return s, nil
}

// UserID is the signed-in user.
func (s *Session) UserID() string { return s.identity.UserID }

// Connect opens the push stream so that a bad token or unreachable server is
// reported before Run.
func (s *Session) Connect(ctx context.Context) error {
	return s.conn.Connect(ctx)
}

// Connected reports whether sends go over the push stream right now.
func (s *Session) Connected() bool {
	return s.conn.Available()
}

// Run pumps push events into the engine until ctx ends, Close is called, or
// the stream is lost for good.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.conn.Run(ctx)
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		for env := range s.conn.Events() {
			s.apply(ctx, env)
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) apply(ctx context.Context, env model.Envelope) {
	ev, err := DecodeEvent(env)
	if err != nil {
		s.logger.DebugContext(ctx, "ignoring push event", "event", env.Event, "error", err)
		return
	}

	if err := s.engine.Ingest(ev); err != nil {
		if errors.Is(err, model.ErrDuplicateSuppressed) {
			return
		}
		s.logger.WarnContext(ctx, "could not apply push event",
			"event", env.Event,
			"error", err)
	}
}

func (s *Session) refreshActive(ctx context.Context) {
	conv := s.Active()
	if conv == "" {
		return
	}
	n, err := s.history.Refresh(ctx, conv)
	if err != nil {
		s.logger.WarnContext(ctx, "could not refresh history after reconnect",
			"conversation_id", conv,
			"error", err)
		return
	}
	s.logger.InfoContext(ctx, "history refreshed after reconnect",
		"conversation_id", conv,
		"added", n)
}

// Open makes conversationID the active conversation and loads its newest
// page. Loads still running for the previous conversation are cancelled and
// typing=false is sent for it.
func (s *Session) Open(ctx context.Context, conversationID string) ([]model.Message, error) {
	s.mu.Lock()
	prev := s.active
	s.active = conversationID
	s.mu.Unlock()

	if prev != "" && prev != conversationID {
		s.history.Cancel(prev)
		s.typing.Leave(ctx, prev)
	}

	return s.history.Load(ctx, conversationID, 1)
}

// Active is the conversation last passed to Open.
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LoadOlder fetches an older page (2 and up) and merges it.
func (s *Session) LoadOlder(ctx context.Context, conversationID string, page int) ([]model.Message, error) {
	if page < 2 {
		return nil, fmt.Errorf("chat: older history starts at page 2, got %d", page)
	}
	return s.history.Load(ctx, conversationID, page)
}

func (s *Session) Send(ctx context.Context, req SendRequest) (model.Message, error) {
	return s.sender.Send(ctx, req)
}

func (s *Session) NotifyActivity(ctx context.Context, conversationID string) {
	s.typing.NotifyActivity(ctx, conversationID)
}

func (s *Session) TypingUsers(conversationID string) []string {
	return s.typing.IsTyping(conversationID)
}

func (s *Session) MarkRead(ctx context.Context, messageID string) error {
	return s.receipts.MarkRead(ctx, messageID)
}

func (s *Session) MarkConversationRead(ctx context.Context, conversationID string) {
	s.receipts.MarkConversationRead(ctx, conversationID)
}

// StartConversation returns the conversation with participantID, creating
// it if needed. relatedContext is typically the listing being asked about.
func (s *Session) StartConversation(ctx context.Context, participantID string, relatedContext json.RawMessage) (model.Conversation, error) {
	conv, err := s.api.CreateOrGetConversation(ctx, api.ConversationRequest{
		ParticipantID:  participantID,
		RelatedContext: relatedContext,
	})
	if err != nil {
		return model.Conversation{}, err
	}
	s.store.SetConversation(conv)
	return conv, nil
}

// UnreadCount asks the server how many messages are unread overall.
func (s *Session) UnreadCount(ctx context.Context) (int, error) {
	return s.api.UnreadCount(ctx)
}

// ConversationUnreadCount asks the server how many messages of one
// conversation are unread and keeps the answer on the stored conversation.
func (s *Session) ConversationUnreadCount(ctx context.Context, conversationID string) (int, error) {
	n, err := s.api.ConversationUnreadCount(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	s.store.SetUnreadCount(conversationID, n)
	return n, nil
}

// Snapshot is the ordered timeline of a conversation.
func (s *Session) Snapshot(conversationID string) []model.Message {
	return s.store.Snapshot(conversationID)
}

func (s *Session) Conversation(conversationID string) (model.Conversation, bool) {
	return s.store.Conversation(conversationID)
}

// Subscribe delivers store changes for the named conversations, or all.
func (s *Session) Subscribe(ctx context.Context, conversationIDs ...string) *Subscription {
	return s.hub.Subscribe(ctx, conversationIDs...)
}

// Close tears the session down: pending typing signals are cleared, send
// timers stopped, receipt writes drained and the stream closed.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.typing.Close(ctx)
		s.sender.Close()
		s.receipts.Wait()
		err = s.conn.Close()
		s.stopHub()
	})
	return err
}
