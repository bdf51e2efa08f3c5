// Package testutil runs an in-process stand-in for the chat backend: the
// push stream on /ws and the request/response API under /api/chat.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/johndosdos/rentchat/internal/auth"
	"github.com/johndosdos/rentchat/internal/model"
)

const handshakeTimeout = 5 * time.Second

type ctxKey string

const userIDKey ctxKey = "userID"

// Frame is one frame a client sent on the push stream.
type Frame struct {
	UserID string
	Event  string
	Data   json.RawMessage
}

// Server is safe for concurrent use. Its zero value is not usable; call
// NewServer.
type Server struct {
	URL    string
	WSURL  string
	Secret string

	srv    *httptest.Server
	logger *slog.Logger

	mu            sync.Mutex
	conns         map[*websocket.Conn]string
	frames        []Frame
	conversations map[string]*model.Conversation
	messages      map[string][]model.Message
	readMarks     []string
	seq           int

	autoConfirm  bool
	echoToSender bool
	streamDown   bool
	refused      int
}

// NewServer starts a server that confirms every message it receives. It is
// shut down when the test ends.
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	s := &Server{
		Secret:        "test-secret",
		logger:        slog.New(slog.DiscardHandler),
		conns:         make(map[*websocket.Conn]string),
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]model.Message),
		autoConfirm:   true,
	}

	r := chi.NewRouter()
	r.Get("/ws", s.serveWS)
	r.Route("/api/chat", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/conversations", s.createConversation)
		r.Get("/conversations/{id}/messages", s.listMessages)
		r.Post("/conversations/{id}/messages", s.postMessage)
		r.Patch("/messages/{id}/read", s.markMessageRead)
		r.Patch("/conversations/{id}/read", s.markConversationRead)
		r.Get("/unread-count", s.unreadCount)
	})

	s.srv = httptest.NewServer(r)
	s.URL = s.srv.URL
	s.WSURL = "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"

	tb.Cleanup(s.Close)
	return s
}

// Token mints a valid access token for userID.
func (s *Server) Token(tb testing.TB, userID string) string {
	tb.Helper()
	tok, err := auth.MakeJWT(userID, s.Secret, time.Hour)
	require.NoError(tb, err)
	return tok
}

// SetAutoConfirm controls whether outbound messages are persisted and
// confirmed. When off, message frames are recorded and otherwise ignored.
func (s *Server) SetAutoConfirm(v bool) {
	s.mu.Lock()
	s.autoConfirm = v
	s.mu.Unlock()
}

// SetEchoToSender makes the server push new-message to the sender as well,
// ahead of the message-sent confirmation.
func (s *Server) SetEchoToSender(v bool) {
	s.mu.Lock()
	s.echoToSender = v
	s.mu.Unlock()
}

// SetStreamDown makes the push endpoint answer 503 until turned off again.
func (s *Server) SetStreamDown(v bool) {
	s.mu.Lock()
	s.streamDown = v
	s.mu.Unlock()
}

// Refused counts push connections turned away while the stream was down.
func (s *Server) Refused() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refused
}

// AddConversation registers a conversation so the server knows whom to
// fan messages out to.
func (s *Server) AddConversation(conv model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := conv
	s.conversations[conv.ID] = &c
}

// Seed appends already-persisted messages to a conversation's history.
func (s *Server) Seed(conversationID string, msgs ...model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[conversationID] = append(s.messages[conversationID], msgs...)
}

// Messages returns the persisted history of a conversation, oldest first.
func (s *Server) Messages(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages[conversationID])
}

// Frames returns the frames received with the given event name, or all of
// them when event is empty.
func (s *Server) Frames(event string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Frame
	for _, f := range s.frames {
		if event == "" || f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// ReadMarks lists the read calls received over the request/response path as
// "message:<id>" or "conversation:<id>".
func (s *Server) ReadMarks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.readMarks)
}

// Connected returns the number of live push streams for userID.
func (s *Server) Connected(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, uid := range s.conns {
		if uid == userID {
			n++
		}
	}
	return n
}

// Push sends an event to every live stream of userID.
func (s *Server) Push(userID, event string, payload any) error {
	conns := s.connsFor(userID)
	if len(conns) == 0 {
		return fmt.Errorf("testutil: %s has no live stream", userID)
	}

	var errs []error
	for _, c := range conns {
		errs = append(errs, s.write(context.Background(), c, event, payload))
	}
	return errors.Join(errs...)
}

// Drop cuts every live stream without a close handshake, the way a network
// failure would.
func (s *Server) Drop() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.CloseNow()
	}
}

// Revoke tells userID's streams their session is no longer valid.
func (s *Server) Revoke(userID string) {
	for _, c := range s.connsFor(userID) {
		_ = s.write(context.Background(), c, model.EventUnauthorized, model.AuthResultPayload{Message: "session revoked"})
		c.Close(websocket.StatusPolicyViolation, "unauthorized")
	}
}

// Close drops all streams and stops the listener.
func (s *Server) Close() {
	s.Drop()
	s.srv.Close()
}

func (s *Server) connsFor(userID string) []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*websocket.Conn
	for c, uid := range s.conns {
		if uid == userID {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) participants(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.conversations[conversationID]; ok {
		return slices.Clone(conv.ParticipantIDs)
	}
	return nil
}

func (s *Server) write(ctx context.Context, c *websocket.Conn, event string, payload any) error {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	p, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, p)
}

// fanOut pushes event to every participant except skip.
func (s *Server) fanOut(conversationID, skip, event string, payload any) {
	for _, uid := range s.participants(conversationID) {
		if uid == skip {
			continue
		}
		for _, c := range s.connsFor(uid) {
			if err := s.write(context.Background(), c, event, payload); err != nil {
				s.logger.Debug("fan out failed", "user_id", uid, "error", err)
			}
		}
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	down := s.streamDown
	if down {
		s.refused++
	}
	s.mu.Unlock()
	if down {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	userID, err := s.handshake(ctx, conn)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[conn] = userID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	// Registered before the verdict so a client that sees authenticated
	// can be pushed to immediately.
	if err := s.write(ctx, conn, model.EventAuthenticated, model.AuthResultPayload{UserID: userID}); err != nil {
		return
	}

	for {
		typ, p, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var env model.Envelope
		if err := json.Unmarshal(p, &env); err != nil {
			continue
		}

		s.mu.Lock()
		s.frames = append(s.frames, Frame{UserID: userID, Event: env.Event, Data: env.Data})
		s.mu.Unlock()

		s.handleFrame(ctx, conn, userID, env)
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, p, err := conn.Read(hctx)
	if err != nil {
		return "", err
	}

	var env model.Envelope
	var in model.AuthenticatePayload
	if err := json.Unmarshal(p, &env); err != nil || env.Event != model.EventAuthenticate {
		_ = s.write(ctx, conn, model.EventUnauthorized, model.AuthResultPayload{Message: "authenticate first"})
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return "", errors.New("testutil: first frame was not authenticate")
	}
	_ = json.Unmarshal(env.Data, &in)

	userID, err := auth.ValidateJWT(in.Token, s.Secret)
	if err != nil {
		_ = s.write(ctx, conn, model.EventUnauthorized, model.AuthResultPayload{Message: "invalid token"})
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return "", err
	}

	return userID, nil
}

func (s *Server) handleFrame(ctx context.Context, conn *websocket.Conn, userID string, env model.Envelope) {
	switch env.Event {
	case model.EventPing:
		_ = s.write(ctx, conn, model.EventPong, nil)

	case model.EventMessage:
		var in model.SendMessagePayload
		if json.Unmarshal(env.Data, &in) != nil {
			return
		}

		s.mu.Lock()
		confirm, echo := s.autoConfirm, s.echoToSender
		s.mu.Unlock()
		if !confirm {
			return
		}

		msg := s.persist(userID, in)
		out := model.MessagePayload{ConversationID: msg.ConversationID, Message: msg}
		if echo {
			_ = s.write(ctx, conn, model.EventNewMessage, out)
		}
		_ = s.write(ctx, conn, model.EventMessageSent, out)
		s.fanOut(msg.ConversationID, userID, model.EventNewMessage, out)

	case model.EventTyping:
		var in model.TypingPayload
		if json.Unmarshal(env.Data, &in) != nil {
			return
		}
		s.fanOut(in.ConversationID, userID, model.EventUserTyping, model.UserTypingPayload{
			ConversationID: in.ConversationID,
			UserID:         userID,
			IsTyping:       in.IsTyping,
		})

	case model.EventMessageRead:
		var in model.MessageReadPayload
		if json.Unmarshal(env.Data, &in) != nil {
			return
		}
		s.readMessage(userID, in.MessageID)

	case model.EventChatRead:
		var in model.ConversationReadPayload
		if json.Unmarshal(env.Data, &in) != nil {
			return
		}
		s.readConversation(userID, in.ConversationID)
	}
}

func (s *Server) persist(userID string, in model.SendMessagePayload) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	kind := in.Kind
	if kind == "" {
		kind = model.KindText
	}
	msg := model.Message{
		ID:               "srv-" + strconv.Itoa(s.seq),
		ConversationID:   in.ConversationID,
		SenderID:         userID,
		Content:          in.Content,
		Kind:             kind,
		CreatedAt:        time.Now().UTC(),
		Attachments:      in.Attachments,
		ReplyToMessageID: in.ReplyTo,
		Status:           model.StatusSent,
	}
	s.messages[in.ConversationID] = append(s.messages[in.ConversationID], msg)

	if conv, ok := s.conversations[in.ConversationID]; ok {
		conv.LastMessagePreview = msg.Preview()
		conv.LastMessageAt = msg.CreatedAt
	}
	return msg
}

func (s *Server) readMessage(readerID, messageID string) {
	now := time.Now().UTC()

	s.mu.Lock()
	var found *model.Message
	for convID, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				msgs[i].Status = model.StatusRead
				msgs[i].ReadAt = &now
				found = &s.messages[convID][i]
			}
		}
	}
	var sender, convID string
	if found != nil {
		sender, convID = found.SenderID, found.ConversationID
	}
	s.mu.Unlock()

	if found == nil || sender == readerID {
		return
	}
	for _, c := range s.connsFor(sender) {
		_ = s.write(context.Background(), c, model.EventReadReceipt, model.ReadReceiptPayload{
			MessageID:      messageID,
			ConversationID: convID,
			ReadBy:         readerID,
			ReadAt:         now,
		})
	}
}

func (s *Server) readConversation(readerID, conversationID string) {
	now := time.Now().UTC()

	s.mu.Lock()
	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].SenderID != readerID && msgs[i].Status != model.StatusRead {
			msgs[i].Status = model.StatusRead
			msgs[i].ReadAt = &now
		}
	}
	s.mu.Unlock()

	s.fanOut(conversationID, readerID, model.EventChatRead, model.ChatReadPayload{
		ConversationID: conversationID,
		ReadBy:         readerID,
		ReadAt:         now,
	})
}

// authenticate validates the bearer token and stores the caller's id in
// the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}

		userID, err := auth.ValidateJWT(tok, s.Secret)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), userIDKey, userID))
		next.ServeHTTP(w, r)
	})
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ParticipantID  string          `json:"participantId"`
		RelatedContext json.RawMessage `json:"relatedContext"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ParticipantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "participantId is required"})
		return
	}

	want := model.Conversation{ParticipantIDs: []string{callerID(r), in.ParticipantID}}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conv := range s.conversations {
		if conv.SameParticipants(want) {
			writeJSON(w, http.StatusOK, conv)
			return
		}
	}

	s.seq++
	conv := &model.Conversation{
		ID:             "conv-" + strconv.Itoa(s.seq),
		ParticipantIDs: want.ParticipantIDs,
		RelatedContext: in.RelatedContext,
		IsActive:       true,
	}
	s.conversations[conv.ID] = conv
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = 50
	}

	s.mu.Lock()
	all := s.messages[convID]
	end := max(len(all)-(page-1)*limit, 0)
	start := max(end-limit, 0)
	msgs := slices.Clone(all[start:end])
	s.mu.Unlock()

	if msgs == nil {
		msgs = []model.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"page":     page,
		"hasMore":  start > 0,
	})
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var in model.SendMessagePayload
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	in.ConversationID = chi.URLParam(r, "id")

	userID := callerID(r)
	msg := s.persist(userID, in)
	s.fanOut(msg.ConversationID, userID, model.EventNewMessage, model.MessagePayload{
		ConversationID: msg.ConversationID,
		Message:        msg,
	})

	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) markMessageRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	s.readMarks = append(s.readMarks, "message:"+id)
	s.mu.Unlock()

	s.readMessage(callerID(r), id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markConversationRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	s.readMarks = append(s.readMarks, "conversation:"+id)
	s.mu.Unlock()

	s.readConversation(callerID(r), id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	only := r.URL.Query().Get("conversationId")

	s.mu.Lock()
	n := 0
	for convID, msgs := range s.messages {
		if only != "" && convID != only {
			continue
		}
		if conv, ok := s.conversations[convID]; ok && !conv.HasParticipant(userID) {
			continue
		}
		for _, m := range msgs {
			if m.SenderID != userID && m.Status != model.StatusRead {
				n++
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
