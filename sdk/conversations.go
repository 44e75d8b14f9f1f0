package voxbridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ConversationsService manages stored conversations and their transcripts.
// All operations fail with a store_disabled error when the gateway runs
// without a database.
type ConversationsService struct {
	client *Client
}

// Conversation is a stored conversation container.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	SystemPrompt string    `json:"system_prompt"`
	Model        string    `json:"model"`
	Voice        string    `json:"voice"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is a stored transcript entry. Source distinguishes typed chat
// ("chat") from live voice turns ("live").
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	Source         string    `json:"source"`
	Turn           int64     `json:"turn"`
	AudioMS        int64     `json:"audio_ms,omitempty"`
	PlayedMS       int64     `json:"played_ms,omitempty"`
	Interrupted    bool      `json:"interrupted,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateConversationRequest configures a new conversation. All fields are
// optional; the gateway fills defaults.
type CreateConversationRequest struct {
	Title        string `json:"title,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Model        string `json:"model,omitempty"`
	Voice        string `json:"voice,omitempty"`
}

// ConversationDetail is a conversation plus its most recent messages in
// ascending seq order.
type ConversationDetail struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// Create creates a new conversation.
func (s *ConversationsService) Create(ctx context.Context, req CreateConversationRequest) (*Conversation, error) {
	var out struct {
		Conversation *Conversation `json:"conversation"`
	}
	if err := s.client.doJSON(ctx, http.MethodPost, "/v1/conversations", req, &out); err != nil {
		return nil, err
	}
	if out.Conversation == nil {
		return nil, &APIError{Type: ErrAPI, Message: "gateway response missing conversation"}
	}
	return out.Conversation, nil
}

// List returns up to limit conversations, most recently updated first.
// A limit of 0 uses the gateway default.
func (s *ConversationsService) List(ctx context.Context, limit int) ([]Conversation, error) {
	path := "/v1/conversations"
	if limit > 0 {
		path += "?limit=" + url.QueryEscape(fmt.Sprint(limit))
	}
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := s.client.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Get returns one conversation with its recent transcript.
func (s *ConversationsService) Get(ctx context.Context, id string) (*ConversationDetail, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, &APIError{Type: ErrInvalidRequest, Message: "conversation id must not be empty", Param: "id"}
	}
	var out ConversationDetail
	if err := s.client.doJSON(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a conversation and its messages.
func (s *ConversationsService) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &APIError{Type: ErrInvalidRequest, Message: "conversation id must not be empty", Param: "id"}
	}
	return s.client.doJSON(ctx, http.MethodDelete, "/v1/conversations/"+url.PathEscape(id), nil, nil)
}
