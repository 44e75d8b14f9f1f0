package handlers

import (
	"context"

	"github.com/voxbridge/voxbridge/pkg/gateway/live/session"
	"github.com/voxbridge/voxbridge/pkg/gateway/store"
)

// storeRecorder persists live session transcripts into a conversation.
// Without a store or conversation it silently drops messages; the session
// must not depend on persistence.
type storeRecorder struct {
	store          *store.Store
	conversationID string
}

func (r storeRecorder) RecordMessage(ctx context.Context, msg session.RecordedMessage) error {
	if r.store == nil || r.conversationID == "" {
		return nil
	}
	_, err := r.store.AppendMessage(ctx, store.AppendMessageParams{
		ConversationID: r.conversationID,
		Role:           msg.Role,
		Text:           msg.Text,
		Source:         "voice",
		Turn:           msg.Turn,
		AudioMS:        msg.AudioMS,
		PlayedMS:       msg.PlayedMS,
		Interrupted:    msg.Interrupted,
	})
	return err
}
