package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voxbridge/voxbridge/pkg/gateway/apierror"
	"github.com/voxbridge/voxbridge/pkg/gateway/billing"
	"github.com/voxbridge/voxbridge/pkg/gateway/config"
	"github.com/voxbridge/voxbridge/pkg/gateway/metrics"
	"github.com/voxbridge/voxbridge/pkg/gateway/principal"
	"github.com/voxbridge/voxbridge/pkg/gateway/ratelimit"
	"github.com/voxbridge/voxbridge/pkg/gateway/sse"
	"github.com/voxbridge/voxbridge/pkg/gateway/store"
	"github.com/voxbridge/voxbridge/pkg/gateway/upstream/gemini"
)

type chatRequest struct {
	Text   string `json:"text"`
	Stream *bool  `json:"stream,omitempty"`
}

type chatUsage struct {
	PromptTokens   int32 `json:"prompt_tokens"`
	ResponseTokens int32 `json:"response_tokens"`
	TotalTokens    int32 `json:"total_tokens"`
}

type chatDone struct {
	ConversationID string         `json:"conversation_id"`
	Model          string         `json:"model"`
	Message        *store.Message `json:"message,omitempty"`
	Text           string         `json:"text"`
	Usage          *chatUsage     `json:"usage,omitempty"`
}

// ChatCompleter starts streaming chat completions.
type ChatCompleter interface {
	StreamChat(ctx context.Context, req gemini.ChatRequest) (gemini.ChatStream, error)
}

// ChatHandler streams one assistant reply for a posted user message.
// Mounted under /v1/conversations/{id}/messages; responses default to SSE,
// "stream": false returns one JSON object instead.
type ChatHandler struct {
	Config   config.Config
	Upstream ChatCompleter
	Logger   *slog.Logger
	Limiter  *ratelimit.Limiter
	Store    *store.Store
	Metrics  *metrics.Metrics
	Meter    *billing.Meter
}

// ServeMessage handles POST /v1/conversations/{id}/messages.
func (h ChatHandler) ServeMessage(w http.ResponseWriter, r *http.Request, conversationID string) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeAPIError(w, r, apierror.NewInvalidRequest("request body too large"))
			return
		}
		writeAPIError(w, r, apierror.NewInvalidRequest("invalid JSON body"))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeAPIError(w, r, apierror.NewInvalidRequestWithParam("text is required", "text"))
		return
	}

	conv, err := h.Store.GetConversation(r.Context(), conversationID)
	switch {
	case errors.Is(err, store.ErrDisabled):
		// Without a store the conversation is ephemeral: no history is
		// replayed and nothing is persisted.
		conv = store.Conversation{ID: conversationID}
	case errors.Is(err, store.ErrNotFound):
		writeAPIError(w, r, apierror.NewNotFound("unknown conversation"))
		return
	case err != nil:
		writeError(w, r, err)
		return
	}

	who := principal.Resolve(r, h.Config)
	if h.Limiter != nil {
		dec := h.Limiter.AcquireStream(who.Key, time.Now())
		if !dec.Allowed {
			writeAPIError(w, r, apierror.NewRateLimit("too many concurrent chat streams", dec.RetryAfter))
			return
		}
		defer dec.Permit.Release()
	}

	history, err := h.chatHistory(r.Context(), conv.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	messages := append(history, gemini.ChatMessage{Role: "user", Text: req.Text})

	if _, err := h.Store.AppendMessage(r.Context(), store.AppendMessageParams{
		ConversationID: conv.ID,
		Role:           "user",
		Text:           req.Text,
		Source:         "text",
	}); err != nil && !errors.Is(err, store.ErrDisabled) {
		h.logger().Warn("failed to persist user message", "conversation_id", conv.ID, "error", err)
	}

	model := strings.TrimSpace(conv.Model)
	if model == "" || model == "default" {
		model = strings.TrimSpace(h.Config.ChatModel)
	}
	if model == "" {
		model = gemini.DefaultChatModel
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Config.SSEMaxStreamDuration)
	defer cancel()

	stream, err := h.Upstream.StreamChat(ctx, gemini.ChatRequest{
		Model:           model,
		System:          conv.SystemPrompt,
		Messages:        messages,
		MaxOutputTokens: int32(h.Config.ChatMaxOutputTokens),
	})
	if err != nil {
		h.Metrics.RecordChatRequest("upstream_error")
		writeAPIError(w, r, apierror.NewUpstream("failed to start chat completion"))
		return
	}

	h.Meter.AddChatRequest(who.Key)
	w.Header().Set("X-Model", model)

	if req.Stream != nil && !*req.Stream {
		h.serveJSON(ctx, w, r, stream, conv.ID, model)
		return
	}
	h.serveSSE(ctx, w, r, stream, conv.ID, model)
}

func (h ChatHandler) serveSSE(ctx context.Context, w http.ResponseWriter, r *http.Request, stream gemini.ChatStream, conversationID, model string) {
	sse.SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	sw, err := sse.New(w)
	if err != nil {
		h.Metrics.RecordChatRequest("error")
		return
	}

	_ = sw.Send("message_start", map[string]string{
		"conversation_id": conversationID,
		"model":           model,
		"request_id":      requestIDFromContext(r.Context()),
	})

	ticker := time.NewTicker(h.Config.SSEPingInterval)
	defer ticker.Stop()

	var full strings.Builder
	var usage *chatUsage
	status := "ok"

recv:
	for {
		select {
		case <-ctx.Done():
			status = "timeout"
			_ = sw.Send("error", apierror.Envelope{Error: &apierror.Error{
				Type:      apierror.TypeAPI,
				Code:      "stream_timeout",
				Message:   "stream closed before completion",
				RequestID: requestIDFromContext(r.Context()),
			}})
			break recv
		case <-ticker.C:
			_ = sw.Comment("ping")
		case delta, ok := <-stream.Deltas():
			if !ok {
				if streamErr := stream.Err(); streamErr != nil {
					status = "upstream_error"
					apiErr, _ := apierror.FromError(streamErr, requestIDFromContext(r.Context()))
					_ = sw.Send("error", apierror.Envelope{Error: apiErr})
				}
				break recv
			}
			if delta.Text != "" {
				full.WriteString(delta.Text)
				_ = sw.Send("delta", map[string]string{"text": delta.Text})
			}
			if delta.Usage != nil {
				usage = &chatUsage{
					PromptTokens:   delta.Usage.PromptTokens,
					ResponseTokens: delta.Usage.ResponseTokens,
					TotalTokens:    delta.Usage.TotalTokens,
				}
			}
		}
	}

	saved := h.persistAssistantReply(conversationID, full.String())
	if status == "ok" {
		_ = sw.Send("done", chatDone{
			ConversationID: conversationID,
			Model:          model,
			Message:        saved,
			Text:           full.String(),
			Usage:          usage,
		})
	}
	h.Metrics.RecordChatRequest(status)
}

func (h ChatHandler) serveJSON(ctx context.Context, w http.ResponseWriter, r *http.Request, stream gemini.ChatStream, conversationID, model string) {
	var full strings.Builder
	var usage *chatUsage

	for {
		select {
		case <-ctx.Done():
			h.Metrics.RecordChatRequest("timeout")
			writeError(w, r, ctx.Err())
			return
		case delta, ok := <-stream.Deltas():
			if !ok {
				if streamErr := stream.Err(); streamErr != nil {
					h.Metrics.RecordChatRequest("upstream_error")
					writeAPIError(w, r, apierror.NewUpstream("chat completion failed"))
					return
				}
				saved := h.persistAssistantReply(conversationID, full.String())
				h.Metrics.RecordChatRequest("ok")
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusOK)
				_ = json.NewEncoder(w).Encode(chatDone{
					ConversationID: conversationID,
					Model:          model,
					Message:        saved,
					Text:           full.String(),
					Usage:          usage,
				})
				return
			}
			if delta.Text != "" {
				full.WriteString(delta.Text)
			}
			if delta.Usage != nil {
				usage = &chatUsage{
					PromptTokens:   delta.Usage.PromptTokens,
					ResponseTokens: delta.Usage.ResponseTokens,
					TotalTokens:    delta.Usage.TotalTokens,
				}
			}
		}
	}
}

// chatHistory replays the conversation's recent messages, oldest first.
// Voice transcripts count as history too; the model sees one conversation.
func (h ChatHandler) chatHistory(ctx context.Context, conversationID string) ([]gemini.ChatMessage, error) {
	msgs, err := h.Store.RecentMessages(ctx, conversationID, h.Config.ChatHistoryWindow)
	if errors.Is(err, store.ErrDisabled) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]gemini.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		out = append(out, gemini.ChatMessage{Role: msg.Role, Text: msg.Text})
	}
	return out, nil
}

func (h ChatHandler) persistAssistantReply(conversationID, text string) *store.Message {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := h.Store.AppendMessage(ctx, store.AppendMessageParams{
		ConversationID: conversationID,
		Role:           "assistant",
		Text:           text,
		Source:         "text",
	})
	if err != nil {
		if !errors.Is(err, store.ErrDisabled) {
			h.logger().Warn("failed to persist assistant message", "conversation_id", conversationID, "error", err)
		}
		return nil
	}
	return &msg
}

func (h ChatHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
