package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndosdos/rentchat/internal/api"
	"github.com/johndosdos/rentchat/internal/logger"
	"github.com/johndosdos/rentchat/internal/model"
)

func TestLoadFirstPageReplaces(t *testing.T) {
	e, st, _ := newTestEngine(t)
	source := &fakeAPI{pages: map[int]api.MessagePage{
		1: {Page: 1, HasMore: true, Messages: []model.Message{
			serverMsg("s3", "B", "three", t0.Add(2*time.Second)),
			serverMsg("s2", "A", "two", t0.Add(time.Second)),
		}},
	}}
	h := NewHistory(e, source, 2, logger.Discard())

	ph := placeholder("A", "pending", t0.Add(time.Hour))
	require.NoError(t, e.InsertPlaceholder(ph))

	msgs, err := h.Load(context.Background(), "c1", 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	assert.Equal(t, []string{"s2", "s3"}, ids(st.Snapshot("c1")))
	_, ok := st.Get(ph.ID)
	assert.False(t, ok, "page 1 replaces pending placeholders")
}

func TestLoadOlderPageMerges(t *testing.T) {
	e, st, _ := newTestEngine(t)
	source := &fakeAPI{pages: map[int]api.MessagePage{
		1: {Page: 1, HasMore: true, Messages: []model.Message{
			serverMsg("s3", "B", "three", t0.Add(2*time.Second)),
			serverMsg("s2", "A", "two", t0.Add(time.Second)),
		}},
		2: {Page: 2, Messages: []model.Message{
			serverMsg("s2", "A", "two", t0.Add(time.Second)),
			serverMsg("s1", "B", "one", t0),
			serverMsg("s1", "B", "one", t0),
		}},
	}}
	h := NewHistory(e, source, 2, logger.Discard())

	_, err := h.Load(context.Background(), "c1", 1)
	require.NoError(t, err)

	ph := placeholder("A", "pending", t0.Add(time.Hour))
	require.NoError(t, e.InsertPlaceholder(ph))

	msgs, err := h.Load(context.Background(), "c1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s1"}, ids(msgs))

	assert.Equal(t, []string{"s1", "s2", "s3", ph.ID}, ids(st.Snapshot("c1")))
}

func TestLoadCancelledDiscardsResult(t *testing.T) {
	e, st, _ := newTestEngine(t)
	source := &fakeAPI{
		gate: make(chan struct{}),
		pages: map[int]api.MessagePage{
			1: {Page: 1, Messages: []model.Message{serverMsg("s1", "B", "one", t0)}},
		},
	}
	h := NewHistory(e, source, 50, logger.Discard())

	errc := make(chan error, 1)
	go func() {
		_, err := h.Load(context.Background(), "c1", 1)
		errc <- err
	}()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.inflight["c1"]) == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.Cancel("c1")

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("load did not return after cancel")
	}
	assert.Empty(t, st.Snapshot("c1"))

	h.mu.Lock()
	assert.Empty(t, h.inflight)
	h.mu.Unlock()
}

func TestLoadError(t *testing.T) {
	e, _, _ := newTestEngine(t)
	source := &fakeAPI{listErr: model.ErrAuth}
	h := NewHistory(e, source, 50, logger.Discard())

	_, err := h.Load(context.Background(), "c1", 1)
	assert.ErrorIs(t, err, model.ErrAuth)
}

func TestRefreshKeepsPlaceholders(t *testing.T) {
	e, st, _ := newTestEngine(t)
	source := &fakeAPI{pages: map[int]api.MessagePage{
		1: {Page: 1, Messages: []model.Message{
			serverMsg("s2", "B", "missed while offline", t0.Add(time.Second)),
			serverMsg("s1", "B", "one", t0),
		}},
	}}
	h := NewHistory(e, source, 50, logger.Discard())

	require.NoError(t, e.Ingest(RemoteMessageArrived{ConversationID: "c1", Message: serverMsg("s1", "B", "one", t0)}))
	ph := placeholder("A", "pending", t0.Add(time.Minute))
	require.NoError(t, e.InsertPlaceholder(ph))

	added, err := h.Refresh(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, []string{"s1", "s2", ph.ID}, ids(st.Snapshot("c1")))
}
