package store

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndosdos/rentchat/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "B",
		Content:        "content " + id,
		Kind:           model.KindText,
		CreatedAt:      t0.Add(offset),
		Status:         model.StatusSent,
	}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestUpsertOrdering(t *testing.T) {
	s := New()

	// Arrival order deliberately differs from createdAt order.
	for _, m := range []model.Message{
		msg("m3", 3*time.Second),
		msg("m1", 1*time.Second),
		msg("m4", 4*time.Second),
		msg("m2", 2*time.Second),
	} {
		res, err := s.Upsert(m)
		require.NoError(t, err)
		assert.Equal(t, Inserted, res)
	}

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(s.Snapshot("c1")))
}

func TestUpsertTiesKeepInsertionOrder(t *testing.T) {
	s := New()
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Upsert(msg(id, 0))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"a", "b", "c"}, ids(s.Snapshot("c1")))
}

func TestSnapshotNonDecreasing(t *testing.T) {
	s := New()
	r := rand.New(rand.NewPCG(1, 2))

	for i := range 500 {
		m := msg(fmt.Sprintf("m%d", i), time.Duration(r.IntN(60))*time.Second)
		_, err := s.Upsert(m)
		require.NoError(t, err)
	}

	snap := s.Snapshot("c1")
	require.Len(t, snap, 500)
	for i := 1; i < len(snap); i++ {
		assert.False(t, snap[i].CreatedAt.Before(snap[i-1].CreatedAt),
			"snapshot out of order at %d", i)
	}
}

func TestUpsertIdempotent(t *testing.T) {
	s := New()
	m := msg("srv-1", 0)

	res, err := s.Upsert(m)
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)

	res, err = s.Upsert(m)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res)
	assert.Equal(t, 1, s.Len("c1"))
}

func TestUpsertMergesStatusForward(t *testing.T) {
	s := New()
	_, err := s.Upsert(msg("srv-1", 0))
	require.NoError(t, err)

	delivered := msg("srv-1", 0)
	delivered.Status = model.StatusDelivered
	res, err := s.Upsert(delivered)
	require.NoError(t, err)
	assert.Equal(t, Updated, res)

	stale := msg("srv-1", 0)
	stale.Status = model.StatusSent
	res, err = s.Upsert(stale)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res)

	got, ok := s.Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, model.StatusDelivered, got.Status)
}

func TestUpsertRejectsDuplicatePlaceholder(t *testing.T) {
	s := New()
	ph := msg(model.NewLocalID(), 0)
	ph.Status = model.StatusSending
	_, err := s.Upsert(ph)
	require.NoError(t, err)

	again := ph
	again.ID = model.NewLocalID()
	_, err = s.Upsert(again)
	assert.ErrorIs(t, err, model.ErrDuplicateSuppressed)

	later := again
	later.CreatedAt = later.CreatedAt.Add(time.Second)
	_, err = s.Upsert(later)
	assert.NoError(t, err)
	assert.Len(t, s.Placeholders("c1"), 2)
}

func TestReplace(t *testing.T) {
	t.Run("promotes_in_place", func(t *testing.T) {
		s := New()
		_, err := s.Upsert(msg("m1", 0))
		require.NoError(t, err)

		localID := model.NewLocalID()
		ph := msg(localID, 2*time.Second)
		ph.Status = model.StatusSending
		_, err = s.Upsert(ph)
		require.NoError(t, err)
		_, err = s.Upsert(msg("m3", 3*time.Second))
		require.NoError(t, err)

		server := msg("srv-2", 2*time.Second+300*time.Millisecond)
		server.Status = ""
		require.NoError(t, s.Replace(localID, server))

		assert.Equal(t, []string{"m1", "srv-2", "m3"}, ids(s.Snapshot("c1")))
		_, ok := s.Get(localID)
		assert.False(t, ok)

		got, ok := s.Get("srv-2")
		require.True(t, ok)
		assert.Equal(t, model.StatusSent, got.Status)
		assert.Equal(t, ph.CreatedAt, got.CreatedAt)
	})

	t.Run("server_id_already_present", func(t *testing.T) {
		s := New()
		localID := model.NewLocalID()
		ph := msg(localID, 0)
		ph.Status = model.StatusSending
		_, err := s.Upsert(ph)
		require.NoError(t, err)
		_, err = s.Upsert(msg("srv-1", time.Second))
		require.NoError(t, err)

		require.NoError(t, s.Replace(localID, msg("srv-1", time.Second)))
		assert.Equal(t, []string{"srv-1"}, ids(s.Snapshot("c1")))
	})

	t.Run("missing_placeholder", func(t *testing.T) {
		s := New()
		err := s.Replace(model.NewLocalID(), msg("srv-1", 0))
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("rejects_non_local_id", func(t *testing.T) {
		s := New()
		assert.Error(t, s.Replace("srv-0", msg("srv-1", 0)))
	})
}

func TestMarkStatus(t *testing.T) {
	s := New()
	_, err := s.Upsert(msg("srv-1", 0))
	require.NoError(t, err)

	readAt := t0.Add(time.Minute)
	changed, err := s.MarkStatus("srv-1", model.StatusRead, readAt)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkStatus("srv-1", model.StatusRead, readAt.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.MarkStatus("srv-1", model.StatusDelivered, readAt.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	got, _ := s.Get("srv-1")
	assert.Equal(t, model.StatusRead, got.Status)
	require.NotNil(t, got.ReadAt)
	assert.Equal(t, readAt, *got.ReadAt)

	_, err = s.MarkStatus("nope", model.StatusRead, readAt)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.MarkStatus("srv-1", model.Status("bogus"), readAt)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestConversationPreview(t *testing.T) {
	s := New()
	s.SetConversation(model.Conversation{ID: "c1", ParticipantIDs: []string{"A", "B"}})

	_, err := s.Upsert(msg("m2", 2*time.Second))
	require.NoError(t, err)
	c, ok := s.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, "content m2", c.LastMessagePreview)

	// An older message does not move the preview.
	_, err = s.Upsert(msg("m1", time.Second))
	require.NoError(t, err)
	c, _ = s.Conversation("c1")
	assert.Equal(t, "content m2", c.LastMessagePreview)
	assert.Equal(t, t0.Add(2*time.Second), c.LastMessageAt)

	_, err = s.Upsert(msg("m3", 3*time.Second))
	require.NoError(t, err)
	c, _ = s.Conversation("c1")
	assert.Equal(t, "content m3", c.LastMessagePreview)
	assert.Equal(t, []string{"A", "B"}, c.ParticipantIDs)
}

func TestReset(t *testing.T) {
	s := New()
	ph := msg(model.NewLocalID(), 5*time.Second)
	ph.Status = model.StatusSending
	_, err := s.Upsert(ph)
	require.NoError(t, err)
	_, err = s.Upsert(msg("old", 0))
	require.NoError(t, err)

	s.Reset("c1", []model.Message{
		msg("h2", 2*time.Second),
		msg("h1", time.Second),
		msg("h1", time.Second),
	})

	assert.Equal(t, []string{"h1", "h2"}, ids(s.Snapshot("c1")))
	assert.Empty(t, s.Placeholders("c1"))
	_, ok := s.Get("old")
	assert.False(t, ok)

	c, _ := s.Conversation("c1")
	assert.Equal(t, "content h2", c.LastMessagePreview)
}

func TestMarkAllRead(t *testing.T) {
	s := New()

	for i, id := range []string{"b1", "b2", "b3"} {
		_, err := s.Upsert(msg(id, time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	own := msg("a1", 4*time.Second)
	own.SenderID = "A"
	_, err := s.Upsert(own)
	require.NoError(t, err)

	ph := msg(model.NewLocalID(), 5*time.Second)
	ph.Status = model.StatusSending
	_, err = s.Upsert(ph)
	require.NoError(t, err)

	changed := s.MarkAllRead("c1", "A", t0.Add(time.Minute))
	assert.Equal(t, []string{"b1", "b2", "b3"}, changed)

	got, _ := s.Get("a1")
	assert.Equal(t, model.StatusSent, got.Status, "reader's own message is untouched")

	got, _ = s.Get(ph.ID)
	assert.Equal(t, model.StatusSending, got.Status, "placeholders are untouched")

	assert.Empty(t, s.MarkAllRead("c1", "A", t0.Add(2*time.Minute)), "second sweep is a no-op")
	assert.Nil(t, s.MarkAllRead("unknown", "A", t0))
}
