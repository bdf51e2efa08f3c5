package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/johndosdos/rentchat/internal/model"
)

// ErrUnknownEvent is returned by DecodeEvent for events the engine does not
// consume.
var ErrUnknownEvent = errors.New("chat: unknown event")

// Event is one input to Engine.Ingest.
type Event interface {
	eventName() string
}

// RemoteMessageArrived is a message broadcast to this session.
type RemoteMessageArrived struct {
	ConversationID string
	Message        model.Message
	Context        json.RawMessage
}

// OwnSendConfirmed is the server's acknowledgement of a message this session
// sent, from either the push stream or the fallback call.
type OwnSendConfirmed struct {
	ConversationID string
	Message        model.Message
	Context        json.RawMessage
}

type ReadReceiptArrived struct {
	MessageID      string
	ConversationID string
	ReadBy         string
	ReadAt         time.Time
}

type ConversationReadArrived struct {
	ConversationID string
	ReadBy         string
	ReadAt         time.Time
}

type TypingSignal struct {
	ConversationID string
	UserID         string
	IsTyping       bool
}

func (RemoteMessageArrived) eventName() string    { return model.EventNewMessage }
func (OwnSendConfirmed) eventName() string        { return model.EventMessageSent }
func (ReadReceiptArrived) eventName() string      { return model.EventReadReceipt }
func (ConversationReadArrived) eventName() string { return model.EventChatRead }
func (TypingSignal) eventName() string            { return model.EventUserTyping }

// DecodeEvent turns a push stream frame into an engine event.
func DecodeEvent(env model.Envelope) (Event, error) {
	switch env.Event {
	case model.EventNewMessage, model.EventMessageSent:
		var p model.MessagePayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		if p.Message.ConversationID == "" {
			p.Message.ConversationID = p.ConversationID
		}
		if env.Event == model.EventMessageSent {
			return OwnSendConfirmed{ConversationID: p.ConversationID, Message: p.Message, Context: p.Context}, nil
		}
		return RemoteMessageArrived{ConversationID: p.ConversationID, Message: p.Message, Context: p.Context}, nil

	case model.EventReadReceipt:
		var p model.ReadReceiptPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return ReadReceiptArrived(p), nil

	case model.EventChatRead:
		var p model.ChatReadPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return ConversationReadArrived(p), nil

	case model.EventUserTyping:
		var p model.UserTypingPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return TypingSignal(p), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

func decode(env model.Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("chat: %s frame has no data", env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("chat: could not decode %s payload: %w", env.Event, err)
	}
	return nil
}
