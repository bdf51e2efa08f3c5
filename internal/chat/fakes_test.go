package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/johndosdos/rentchat/internal/api"
	"github.com/johndosdos/rentchat/internal/logger"
	"github.com/johndosdos/rentchat/internal/model"
	"github.com/johndosdos/rentchat/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type emitted struct {
	Event   string
	Payload any
}

type fakeStream struct {
	mu        sync.Mutex
	available bool
	err       error
	emitted   []emitted
}

func (f *fakeStream) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeStream) Emit(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.emitted = append(f.emitted, emitted{Event: event, Payload: payload})
	return nil
}

func (f *fakeStream) events(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.emitted {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeStream) typing(conversationID string) []bool {
	var out []bool
	for _, e := range f.events(model.EventTyping) {
		p := e.Payload.(model.TypingPayload)
		if p.ConversationID == conversationID {
			out = append(out, p.IsTyping)
		}
	}
	return out
}

type fakeAPI struct {
	mu    sync.Mutex
	seq   int
	sent  []model.SendMessagePayload
	reads []string

	sendErr error
	readErr error

	pages   map[int]api.MessagePage
	listErr error
	// gate, when set, holds ListMessages until it is closed.
	gate chan struct{}
}

func (f *fakeAPI) SendMessage(_ context.Context, req model.SendMessagePayload) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	f.seq++
	return model.Message{
		ID:             fmt.Sprintf("srv-fb-%d", f.seq),
		ConversationID: req.ConversationID,
		SenderID:       "A",
		Content:        req.Content,
		Kind:           req.Kind,
		CreatedAt:      time.Now().UTC(),
		Status:         model.StatusSent,
	}, nil
}

func (f *fakeAPI) MarkMessageRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, "message:"+id)
	return f.readErr
}

func (f *fakeAPI) MarkConversationRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, "conversation:"+id)
	return f.readErr
}

func (f *fakeAPI) ListMessages(ctx context.Context, _ string, page, _ int) (api.MessagePage, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return api.MessagePage{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return api.MessagePage{}, f.listErr
	}
	return f.pages[page], nil
}

func (f *fakeAPI) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeAPI) readCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reads...)
}

// newTestEngine returns an engine for user "A" with a running hub.
func newTestEngine(t *testing.T) (*Engine, *store.Store, *Hub) {
	t.Helper()

	hub := NewHub(logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	st := store.New()
	e := NewEngine("A", st, EngineConfig{
		DedupWindow: 10 * time.Second,
		Hub:         hub,
		Logger:      logger.Discard(),
	})
	return e, st, hub
}

func serverMsg(id, sender, content string, at time.Time) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Content:        content,
		Kind:           model.KindText,
		CreatedAt:      at,
		Status:         model.StatusSent,
	}
}

func placeholder(sender, content string, at time.Time) model.Message {
	return model.Message{
		ID:             model.NewLocalID(),
		ConversationID: "c1",
		SenderID:       sender,
		Content:        content,
		Kind:           model.KindText,
		CreatedAt:      at,
		Status:         model.StatusSending,
	}
}

func envelope(t *testing.T, event string, payload any) model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(event, payload)
	require.NoError(t, err)
	return env
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	p, err := json.Marshal(v)
	require.NoError(t, err)
	return p
}
