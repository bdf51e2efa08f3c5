package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndosdos/rentchat/internal/config"
	"github.com/johndosdos/rentchat/internal/logger"
	"github.com/johndosdos/rentchat/internal/model"
	"github.com/johndosdos/rentchat/internal/testutil"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func testConfig(t *testing.T, srv *testutil.Server, userID string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.APIURL = srv.URL
	cfg.WSURL = srv.WSURL
	cfg.Token = srv.Token(t, userID)
	cfg.SendTimeout = 2 * time.Second
	cfg.TypingQuiet = 50 * time.Millisecond
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	cfg.ReconnectAttempts = 5
	cfg.EmitRate = 0
	return &cfg
}

func newSession(t *testing.T, cfg *config.Config, opts Options) *Session {
	t.Helper()
	opts.Logger = logger.Discard()
	s, err := NewSession(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// startSession connects s and runs it until the test ends. The returned
// channel yields Run's result.
func startSession(t *testing.T, s *Session) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Connect(ctx))

	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return errc
}

func twoParty(srv *testutil.Server, id string) {
	srv.AddConversation(model.Conversation{ID: id, ParticipantIDs: []string{"A", "B"}, IsActive: true})
}

func confirmed(msgs []model.Message) bool {
	for _, m := range msgs {
		if m.IsLocal() || m.Status == model.StatusSending {
			return false
		}
	}
	return true
}

func TestSessionSendRoundTrip(t *testing.T) {
	srv := testutil.NewServer(t)
	twoParty(srv, "c1")

	a := newSession(t, testConfig(t, srv, "A"), Options{})
	startSession(t, a)
	assert.Equal(t, "A", a.UserID())
	assert.True(t, a.Connected())

	_, err := a.Open(context.Background(), "c1")
	require.NoError(t, err)

	ph, err := a.Send(context.Background(), SendRequest{ConversationID: "c1", Content: "Is the flat still available?"})
	require.NoError(t, err)
	assert.True(t, ph.IsLocal())

	require.Eventually(t, func() bool {
		snap := a.Snapshot("c1")
		return len(snap) == 1 && confirmed(snap)
	}, waitFor, tick)

	snap := a.Snapshot("c1")
	persisted := srv.Messages("c1")
	require.Len(t, persisted, 1)
	assert.Equal(t, persisted[0].ID, snap[0].ID)
	assert.Equal(t, "Is the flat still available?", snap[0].Content)
}

func TestSessionContentSurvivesRoundTrip(t *testing.T) {
	srv := testutil.NewServer(t)
	twoParty(srv, "c1")

	a := newSession(t, testConfig(t, srv, "A"), Options{})
	startSession(t, a)

	texts := []string{"don't", "a & b", "5 < 6"}
	for _, text := range texts {
		_, err := a.Send(context.Background(), SendRequest{ConversationID: "c1", Content: text})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		snap := a.Snapshot("c1")
		return len(snap) == len(texts) && confirmed(snap)
	}, waitFor, tick)

	var got []string
	for _, m := range a.Snapshot("c1") {
		got = append(got, m.Content)
	}
	assert.ElementsMatch(t, texts, got)

	var persisted []string
	for _, m := range srv.Messages("c1") {
		persisted = append(persisted, m.Content)
	}
	assert.ElementsMatch(t, texts, persisted)
}

func TestSessionEchoDoesNotDuplicate(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.SetEchoToSender(true)
	twoParty(srv, "c1")

	a := newSession(t, testConfig(t, srv, "A"), Options{})
	startSession(t, a)

	for range 2 {
		_, err := a.Send(context.Background(), SendRequest{ConversationID: "c1", Content: "ok"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		snap := a.Snapshot("c1")
		return len(snap) == 2 && confirmed(snap)
	}, waitFor, tick)

	assert.Never(t, func() bool {
		return len(a.Snapshot("c1")) != 2
	}, 200*time.Millisecond, tick)
}

func TestSessionConversationBetweenTwoUsers(t *testing.T) {
	srv := testutil.NewServer(t)
	twoParty(srv, "c1")

	a := newSession(t, testConfig(t, srv, "A"), Options{})
	b := newSession(t, testConfig(t, srv, "B"), Options{})
	startSession(t, a)
	startSession(t, b)

	sub := b.Subscribe(context.Background(), "c1")
	defer sub.Close()

	_, err := a.Send(context.Background(), SendRequest{ConversationID: "c1", Content: "Hi, is parking included?"})
	require.NoError(t, err)

	u := waitUpdate(t, sub, UpdateMessage)
	assert.Equal(t, "A", u.Message.SenderID)
	assert.Equal(t, "Hi, is parking included?", u.Message.Content)
	msgID := u.Message.ID

	require.NoError(t, b.MarkRead(context.Background(), msgID))

	require.Eventually(t, func() bool {
		m, ok := a.store.Get(msgID)
		return ok && m.Status == model.StatusRead
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"message:" + msgID}, srv.ReadMarks())
	}, waitFor, tick)
}

func TestSessionTypingBetweenUsers(t *testing.T) {
	srv := testutil.NewServer(t)
	twoParty(srv, "c1")

	a := newSession(t, testConfig(t, srv, "A"), Options{})
	b := newSession(t, testConfig(t, srv, "B"), Options{})
	startSession(t, a)
	startSession(t, b)

	a.NotifyActivity(context.Background(), "c1")

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"A"}, b.TypingUsers("c1"))
	}, waitFor, tick)

	// The quiet period ends and typing=false reaches B.
	require.Eventually(t, func() bool {
		return len(b.TypingUsers("c1")) == 0
	}, waitFor, tick)
}

func TestSessionFallbackWithoutStream(t *testing.T) {
	srv := testutil.NewServer(t)
	twoParty(srv, "c1")

	a := newSession(t, testConfig(t, srv, "A"), Options{})
	assert.False(t, a.Connected())

	msg, err := a.Send(context.Background(), SendRequest{ConversationID: "c1", Content: "sent over REST"})
	require.NoError(t, err)
	assert.False(t, msg.IsLocal())
	assert.Equal(t, model.StatusSent, msg.Status)

	assert.Equal(t, []string{msg.ID}, ids(a.Snapshot("c1")))
	assert.Empty(t, srv.Frames(model.EventMessage))
}

func TestSessionSendTimeout(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.SetAutoConfirm(false)
	twoParty(srv, "c1")

	cfg := testConfig(t, srv, "A")
	cfg.SendTimeout = 100 * time.Millisecond
	a := newSession(t, cfg, Options{})
	startSession(t, a)

	ph, err := a.Send(context.Background(), SendRequest{ConversationID: "c1", Content: "hello?"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m, ok := a.store.Get(ph.ID)
		return ok && m.Status == model.StatusFailed
	}, waitFor, tick)
	assert.Len(t, a.Snapshot("c1"), 1)
}

func TestSessionOpenSwitchesConversation(t *testing.T) {
	srv := testutil.NewServer(t)
	twoParty(srv, "c1")
	twoParty(srv, "c2")

	cfg := testConfig(t, srv, "A")
	cfg.TypingQuiet = time.Minute
	a := newSession(t, cfg, Options{})
	startSession(t, a)

	ctx := context.Background()
	_, err := a.Open(ctx, "c1")
	require.NoError(t, err)
	a.NotifyActivity(ctx, "c1")

	_, err = a.Open(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "c2", a.Active())

	require.Eventually(t, func() bool {
		var states []bool
		for _, f := range srv.Frames(model.EventTyping) {
			var p model.TypingPayload
			if json.Unmarshal(f.Data, &p) == nil && p.ConversationID == "c1" {
				states = append(states, p.IsTyping)
			}
		}
		return assert.ObjectsAreEqual([]bool{true, false}, states)
	}, waitFor, tick)
}

func TestSessionHistoryPaging(t *testing.T) {
	srv := testutil.NewServer(t)
	twoParty(srv, "c1")
	base := time.Now().UTC().Add(-time.Hour)
	srv.Seed("c1",
		model.Message{ID: "h1", ConversationID: "c1", SenderID: "B", Content: "one", CreatedAt: base, Status: model.StatusSent},
		model.Message{ID: "h2", ConversationID: "c1", SenderID: "A", Content: "two", CreatedAt: base.Add(time.Minute), Status: model.StatusSent},
		model.Message{ID: "h3", ConversationID: "c1", SenderID: "B", Content: "three", CreatedAt: base.Add(2 * time.Minute), Status: model.StatusSent},
	)

	cfg := testConfig(t, srv, "A")
	cfg.PageSize = 2
	a := newSession(t, cfg, Options{})

	ctx := context.Background()
	msgs, err := a.Open(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, []string{"h2", "h3"}, ids(a.Snapshot("c1")))

	_, err = a.LoadOlder(ctx, "c1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2", "h3"}, ids(a.Snapshot("c1")))

	_, err = a.LoadOlder(ctx, "c1", 1)
	assert.Error(t, err)

	a.MarkConversationRead(ctx, "c1")
	for _, m := range a.Snapshot("c1") {
		if m.SenderID == "B" {
			assert.Equal(t, model.StatusRead, m.Status, m.ID)
		}
	}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"conversation:c1"}, srv.ReadMarks())
	}, waitFor, tick)
}

func TestSessionRefreshOnReconnect(t *testing.T) {
	srv := testutil.NewServer(t)
	twoParty(srv, "c1")

	a := newSession(t, testConfig(t, srv, "A"), Options{RefreshOnReconnect: true})
	startSession(t, a)

	_, err := a.Open(context.Background(), "c1")
	require.NoError(t, err)

	// Persisted while the stream is about to go down; no push is sent.
	srv.Seed("c1", model.Message{
		ID:             "missed-1",
		ConversationID: "c1",
		SenderID:       "B",
		Content:        "did you get my last message?",
		CreatedAt:      time.Now().UTC(),
		Status:         model.StatusSent,
	})
	srv.Drop()

	require.Eventually(t, func() bool {
		_, ok := a.store.Get("missed-1")
		return ok
	}, waitFor, tick)
	assert.Eventually(t, a.Connected, waitFor, tick)
}

func TestSessionStartConversationAndUnread(t *testing.T) {
	srv := testutil.NewServer(t)
	a := newSession(t, testConfig(t, srv, "A"), Options{})
	ctx := context.Background()

	conv, err := a.StartConversation(ctx, "B", json.RawMessage(`{"listingId":"L-42"}`))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, conv.ParticipantIDs)

	stored, ok := a.Conversation(conv.ID)
	require.True(t, ok)
	assert.Equal(t, conv.ID, stored.ID)

	again, err := a.StartConversation(ctx, "B", nil)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	srv.Seed(conv.ID,
		model.Message{ID: "u1", ConversationID: conv.ID, SenderID: "B", Content: "hello", CreatedAt: time.Now().UTC(), Status: model.StatusSent},
		model.Message{ID: "u2", ConversationID: conv.ID, SenderID: "B", Content: "still there?", CreatedAt: time.Now().UTC(), Status: model.StatusSent},
	)

	n, err := a.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = a.ConversationUnreadCount(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	stored, ok = a.Conversation(conv.ID)
	require.True(t, ok)
	assert.Equal(t, 2, stored.UnreadCount)

	a.MarkConversationRead(ctx, conv.ID)
	stored, _ = a.Conversation(conv.ID)
	assert.Zero(t, stored.UnreadCount)
}

func TestSessionRevokedStopsRun(t *testing.T) {
	srv := testutil.NewServer(t)
	a := newSession(t, testConfig(t, srv, "A"), Options{})
	errc := startSession(t, a)

	require.Eventually(t, func() bool { return srv.Connected("A") == 1 }, waitFor, tick)
	srv.Revoke("A")

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, model.ErrAuth)
	case <-time.After(waitFor):
		t.Fatal("Run kept going after the session was revoked")
	}
}

func TestNewSessionRejectsBadToken(t *testing.T) {
	cfg := config.Default()
	cfg.Token = "not-a-jwt"
	_, err := NewSession(&cfg, Options{Logger: logger.Discard()})
	assert.ErrorIs(t, err, model.ErrAuth)
}
