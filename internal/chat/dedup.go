package chat

import (
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/johndosdos/rentchat/internal/model"
)

// markup strips tags the server may drop from content before persisting it.
var markup = bluemonday.StrictPolicy()

// contentKey is the form content is compared in, so a server that strips
// tags or escapes entities still confirms the placeholder. Stored text is
// never rewritten.
func contentKey(s string) string {
	return html.UnescapeString(markup.Sanitize(strings.TrimSpace(s)))
}

// MatchPlaceholder picks the placeholder that confirmed acknowledges. A
// candidate matches when it is an unresolved local placeholder of the same
// conversation, sender and content key whose createdAt lies within window of
// the confirmation's. Among matches the oldest wins, so identical sends in flight
// are consumed first in, first out. Equal createdAt falls back to slice
// order.
func MatchPlaceholder(candidates []model.Message, confirmed model.Message, window time.Duration) (model.Message, bool) {
	var (
		best  model.Message
		found bool
	)

	key := contentKey(confirmed.Content)
	for _, c := range candidates {
		if !c.IsLocal() || c.Status != model.StatusSending {
			continue
		}
		if c.ConversationID != confirmed.ConversationID ||
			c.SenderID != confirmed.SenderID ||
			contentKey(c.Content) != key {
			continue
		}
		if absDuration(c.CreatedAt.Sub(confirmed.CreatedAt)) > window {
			continue
		}
		if !found || c.CreatedAt.Before(best.CreatedAt) {
			best, found = c, true
		}
	}

	return best, found
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
