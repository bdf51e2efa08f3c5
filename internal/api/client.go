// Package api talks to the persistence collaborator over plain
// request/response HTTP. It is the durable path for sends and read marks and
// the only one available while the push stream is down.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/johndosdos/rentchat/internal/model"
)

// StatusError is returned for non-2xx responses that map to no sentinel.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Code, e.Message)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient returns a Client for the API rooted at baseURL.
func NewClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		logger:  logger,
	}
}

// ConversationRequest asks for the conversation between the caller and
// ParticipantID, creating it when it does not exist yet.
type ConversationRequest struct {
	ParticipantID  string          `json:"participantId"`
	RelatedContext json.RawMessage `json:"relatedContext,omitempty"`
}

// MessagePage is one page of history, newest page first.
type MessagePage struct {
	Messages []model.Message `json:"messages"`
	Page     int             `json:"page"`
	HasMore  bool            `json:"hasMore"`
}

type unreadCount struct {
	Count int `json:"count"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CreateOrGetConversation returns the conversation matching req.
func (c *Client) CreateOrGetConversation(ctx context.Context, req ConversationRequest) (model.Conversation, error) {
	var conv model.Conversation
	err := c.do(ctx, http.MethodPost, "/api/chat/conversations", nil, req, &conv)
	return conv, err
}

// ListMessages fetches one page of history for a conversation. Page 1 holds
// the most recent messages.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, limit int) (MessagePage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var out MessagePage
	err := c.do(ctx, http.MethodGet, "/api/chat/conversations/"+url.PathEscape(conversationID)+"/messages", q, nil, &out)
	return out, err
}

// SendMessage persists a message and returns the server-assigned record.
func (c *Client) SendMessage(ctx context.Context, req model.SendMessagePayload) (model.Message, error) {
	var msg model.Message
	err := c.do(ctx, http.MethodPost, "/api/chat/conversations/"+url.PathEscape(req.ConversationID)+"/messages", nil, req, &msg)
	return msg, err
}

// MarkMessageRead records that the caller has read one message.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPatch, "/api/chat/messages/"+url.PathEscape(messageID)+"/read", nil, nil, nil)
}

// MarkConversationRead records that the caller has read every message of a
// conversation.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPatch, "/api/chat/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil, nil)
}

// UnreadCount returns the number of unread messages across conversations.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out unreadCount
	err := c.do(ctx, http.MethodGet, "/api/chat/unread-count", nil, nil, &out)
	return out.Count, err
}

// ConversationUnreadCount returns the number of unread messages in one
// conversation.
func (c *Client) ConversationUnreadCount(ctx context.Context, conversationID string) (int, error) {
	var out unreadCount
	q := url.Values{"conversationId": {conversationID}}
	err := c.do(ctx, http.MethodGet, "/api/chat/unread-count", q, nil, &out)
	return out.Count, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		p, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: could not encode request body: %w", err)
		}
		body = bytes.NewReader(p)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("api: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("api: %s %s: %w: %w", method, path, model.ErrNetwork, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return c.statusError(ctx, method, path, res)
	}

	if out == nil || res.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("api: could not decode %s %s response: %w", method, path, err)
	}

	return nil
}

func (c *Client) statusError(ctx context.Context, method, path string, res *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))

	var eb errorBody
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &eb) == nil {
		if eb.Message != "" {
			msg = eb.Message
		} else if eb.Error != "" {
			msg = eb.Error
		}
	}

	c.logger.DebugContext(ctx, "api request failed",
		"method", method,
		"path", path,
		"status", res.StatusCode)

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return fmt.Errorf("api: %s %s: %w", method, path, model.ErrAuth)
	case res.StatusCode == http.StatusNotFound:
		return fmt.Errorf("api: %s %s: %w", method, path, model.ErrNotFound)
	case res.StatusCode >= 500:
		return fmt.Errorf("api: %s %s: status %d: %w", method, path, res.StatusCode, model.ErrNetwork)
	}

	return &StatusError{Code: res.StatusCode, Message: msg}
}

// IsRetryable reports whether err is a transport-level failure worth trying
// again later.
func IsRetryable(err error) bool {
	return errors.Is(err, model.ErrNetwork)
}
