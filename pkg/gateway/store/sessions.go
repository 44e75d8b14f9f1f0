package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type SessionStartParams struct {
	SessionID      string
	ConversationID string
	Principal      string
	Model          string
	StartedAt      time.Time
}

type SessionEndParams struct {
	SessionID     string
	EndedAt       time.Time
	EndReason     string
	AudioInMS     int64
	AudioOutMS    int64
	Turns         int64
	Interruptions int64
}

func (s *Store) RecordSessionStart(ctx context.Context, params SessionStartParams) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(params.SessionID) == "" {
		return fmt.Errorf("store: session id is required")
	}
	startedAt := params.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	var conversationID any
	if id := strings.TrimSpace(params.ConversationID); id != "" {
		conversationID = id
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO live_sessions (id, conversation_id, principal, model, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		params.SessionID, conversationID, params.Principal, params.Model, startedAt)
	if err != nil {
		return fmt.Errorf("store: record session start: %w", err)
	}
	return nil
}

func (s *Store) RecordSessionEnd(ctx context.Context, params SessionEndParams) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(params.SessionID) == "" {
		return fmt.Errorf("store: session id is required")
	}
	endedAt := params.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE live_sessions
		SET ended_at = $2, end_reason = $3, audio_in_ms = $4, audio_out_ms = $5, turns = $6, interruptions = $7
		WHERE id = $1`,
		params.SessionID, endedAt, params.EndReason, params.AudioInMS, params.AudioOutMS, params.Turns, params.Interruptions)
	if err != nil {
		return fmt.Errorf("store: record session end: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
