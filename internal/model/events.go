package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Push stream event names. Inbound events come from the server, outbound
// events are emitted by this client. chat-read travels both ways.
const (
	EventNewMessage  = "new-message"
	EventMessageSent = "message-sent"
	EventReadReceipt = "message-read-receipt"
	EventChatRead    = "chat-read"
	EventUserTyping  = "user-typing"

	EventMessage     = "message"
	EventTyping      = "typing"
	EventMessageRead = "message-read"

	EventAuthenticate  = "authenticate"
	EventAuthenticated = "authenticated"
	EventUnauthorized  = "unauthorized"
	EventPing          = "ping"
	EventPong          = "pong"
)

// Envelope is a single text frame on the push stream.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload under the given event name.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("could not encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// MessagePayload carries new-message and message-sent.
type MessagePayload struct {
	ConversationID string          `json:"conversationId"`
	Message        Message         `json:"message"`
	Context        json.RawMessage `json:"context,omitempty"`
}

// ReadReceiptPayload carries message-read-receipt.
type ReadReceiptPayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	ReadBy         string    `json:"readBy"`
	ReadAt         time.Time `json:"readAt"`
}

// ChatReadPayload carries an inbound chat-read.
type ChatReadPayload struct {
	ConversationID string    `json:"conversationId"`
	ReadBy         string    `json:"readBy"`
	ReadAt         time.Time `json:"readAt"`
}

// UserTypingPayload carries user-typing.
type UserTypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// SendMessagePayload carries an outbound message.
type SendMessagePayload struct {
	ConversationID string       `json:"conversationId"`
	Content        string       `json:"content"`
	Kind           Kind         `json:"kind"`
	ReplyTo        string       `json:"replyTo,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// TypingPayload carries an outbound typing signal.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// MessageReadPayload carries an outbound message-read.
type MessageReadPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// ConversationReadPayload carries an outbound chat-read.
type ConversationReadPayload struct {
	ConversationID string `json:"conversationId"`
}

// AuthenticatePayload is the first frame sent after dialing.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthResultPayload answers AuthenticatePayload.
type AuthResultPayload struct {
	UserID  string `json:"userId,omitempty"`
	Message string `json:"message,omitempty"`
}
