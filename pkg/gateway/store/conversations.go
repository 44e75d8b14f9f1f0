package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	SystemPrompt string    `json:"system_prompt"`
	Model        string    `json:"model"`
	Voice        string    `json:"voice"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

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

type CreateConversationParams struct {
	Title        string
	SystemPrompt string
	Model        string
	Voice        string
}

type AppendMessageParams struct {
	ConversationID string
	Role           string
	Text           string
	Source         string
	Turn           int64
	AudioMS        int64
	PlayedMS       int64
	Interrupted    bool
}

func (s *Store) CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, ErrDisabled
	}

	conv := Conversation{
		ID:           NewID("conv"),
		Title:        strings.TrimSpace(params.Title),
		SystemPrompt: params.SystemPrompt,
		Model:        strings.TrimSpace(params.Model),
		Voice:        strings.TrimSpace(params.Voice),
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, title, system_prompt, model, voice)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		conv.ID, conv.Title, conv.SystemPrompt, conv.Model, conv.Voice)
	if err := row.Scan(&conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return Conversation{}, fmt.Errorf("store: create conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, ErrDisabled
	}

	var conv Conversation
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, system_prompt, model, voice, created_at, updated_at
		FROM conversations WHERE id = $1`, id)
	err := row.Scan(&conv.ID, &conv.Title, &conv.SystemPrompt, &conv.Model, &conv.Voice, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("store: get conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, title, system_prompt, model, voice, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.SystemPrompt, &conv.Model, &conv.Voice, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts a message and touches the conversation's updated_at
// in one transaction.
func (s *Store) AppendMessage(ctx context.Context, params AppendMessageParams) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, ErrDisabled
	}
	if strings.TrimSpace(params.ConversationID) == "" {
		return Message{}, fmt.Errorf("store: conversation id is required")
	}
	role := strings.TrimSpace(params.Role)
	if role != "user" && role != "assistant" && role != "system" {
		return Message{}, fmt.Errorf("store: invalid role %q", params.Role)
	}
	source := strings.TrimSpace(params.Source)
	if source == "" {
		source = "text"
	}

	msg := Message{
		ID:             NewID("msg"),
		ConversationID: params.ConversationID,
		Role:           role,
		Text:           params.Text,
		Source:         source,
		Turn:           params.Turn,
		AudioMS:        params.AudioMS,
		PlayedMS:       params.PlayedMS,
		Interrupted:    params.Interrupted,
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO messages (id, conversation_id, role, text, source, turn, audio_ms, played_ms, interrupted)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING seq, created_at`,
			msg.ID, msg.ConversationID, msg.Role, msg.Text, msg.Source, msg.Turn, msg.AudioMS, msg.PlayedMS, msg.Interrupted)
		if err := row.Scan(&msg.Seq, &msg.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, msg.ConversationID)
		return err
	})
	if err != nil {
		return Message{}, fmt.Errorf("store: append message: %w", err)
	}
	return msg, nil
}

// RecentMessages returns the last n messages in chronological order.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	if n <= 0 || n > 500 {
		n = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, seq, role, text, source, turn, audio_ms, played_ms, interrupted, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY seq DESC LIMIT $2`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Role, &msg.Text, &msg.Source,
			&msg.Turn, &msg.AudioMS, &msg.PlayedMS, &msg.Interrupted, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	reverseMessages(out)
	return out, nil
}

func reverseMessages(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
