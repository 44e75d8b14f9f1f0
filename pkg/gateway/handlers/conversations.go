package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/voxbridge/voxbridge/pkg/gateway/apierror"
	"github.com/voxbridge/voxbridge/pkg/gateway/store"
	"github.com/voxbridge/voxbridge/pkg/gateway/upstream/gemini"
)

// ConversationsHandler serves the conversation REST surface and routes
// message posts to the chat handler:
//
//	POST   /v1/conversations
//	GET    /v1/conversations
//	GET    /v1/conversations/{id}
//	DELETE /v1/conversations/{id}
//	POST   /v1/conversations/{id}/messages
type ConversationsHandler struct {
	Store *store.Store
	Chat  ChatHandler
}

func (h ConversationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/conversations"), "/")

	if rest == "" {
		switch r.Method {
		case http.MethodPost:
			h.create(w, r)
		case http.MethodGet:
			h.list(w, r)
		default:
			writeMethodNotAllowed(w, r)
		}
		return
	}

	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1:
		id := parts[0]
		switch r.Method {
		case http.MethodGet:
			h.get(w, r, id)
		case http.MethodDelete:
			h.delete(w, r, id)
		default:
			writeMethodNotAllowed(w, r)
		}
	case len(parts) == 2 && parts[1] == "messages":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, r)
			return
		}
		h.Chat.ServeMessage(w, r, parts[0])
	default:
		writeAPIError(w, r, apierror.NewNotFound("not found"))
	}
}

func (h ConversationsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title        string `json:"title,omitempty"`
		SystemPrompt string `json:"system_prompt,omitempty"`
		Model        string `json:"model,omitempty"`
		Voice        string `json:"voice,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeAPIError(w, r, apierror.NewInvalidRequest("request body too large"))
			return
		}
		writeAPIError(w, r, apierror.NewInvalidRequest("invalid JSON body"))
		return
	}
	if !gemini.SupportedChatModel(req.Model) {
		writeAPIError(w, r, apierror.NewInvalidRequestWithParam("unknown model", "model"))
		return
	}

	conv, err := h.Store.CreateConversation(r.Context(), store.CreateConversationParams{
		Title:        req.Title,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Voice:        req.Voice,
	})
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversation": conv})
}

func (h ConversationsHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	convs, err := h.Store.ListConversations(r.Context(), limit)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h ConversationsHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	conv, err := h.Store.GetConversation(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	msgs, err := h.Store.RecentMessages(r.Context(), id, queryInt(r, "messages", 50))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv, "messages": msgs})
}

func (h ConversationsHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.Store.DeleteConversation(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrDisabled):
		writeAPIError(w, r, errStoreDisabled())
	case errors.Is(err, store.ErrNotFound):
		writeAPIError(w, r, apierror.NewNotFound("unknown conversation"))
	default:
		writeError(w, r, err)
	}
}

func errStoreDisabled() *apierror.Error {
	return &apierror.Error{
		Type:    apierror.TypeInvalidRequest,
		Code:    "store_disabled",
		Message: "conversation store is not configured",
	}
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{
		Type:      apierror.TypeInvalidRequest,
		Code:      "method_not_allowed",
		Message:   "method not allowed",
		RequestID: requestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
