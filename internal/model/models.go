// Package model defines data structure.
package model

import (
	"encoding/json"
	"slices"
	"time"
)

// Conversation holds the list-level state of a chat between participants.
type Conversation struct {
	ID                 string          `json:"id"`
	ParticipantIDs     []string        `json:"participantIds"`
	RelatedContext     json.RawMessage `json:"relatedContext,omitempty"`
	LastMessagePreview string          `json:"lastMessagePreview"`
	LastMessageAt      time.Time       `json:"lastMessageAt"`
	IsActive           bool            `json:"isActive"`
	UnreadCount        int             `json:"unreadCount"`
}

// HasParticipant reports whether userID takes part in c.
func (c Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// SameParticipants reports whether c and other have exactly the same set of
// parties, ignoring order.
func (c Conversation) SameParticipants(other Conversation) bool {
	if len(c.ParticipantIDs) != len(other.ParticipantIDs) {
		return false
	}
	a := slices.Clone(c.ParticipantIDs)
	b := slices.Clone(other.ParticipantIDs)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
