package voxbridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// ChatService sends text turns and streams model replies over SSE.
type ChatService struct {
	client *Client
}

// ChatUsage reports token totals for one completion.
type ChatUsage struct {
	PromptTokens   int32 `json:"prompt_tokens"`
	ResponseTokens int32 `json:"response_tokens"`
	TotalTokens    int32 `json:"total_tokens"`
}

// ChatResult is the final state of one completion. Message is the persisted
// assistant message when the gateway has a store.
type ChatResult struct {
	ConversationID string     `json:"conversation_id"`
	Model          string     `json:"model"`
	Message        *Message   `json:"message,omitempty"`
	Text           string     `json:"text"`
	Usage          *ChatUsage `json:"usage,omitempty"`
}

type chatSendRequest struct {
	Text   string `json:"text"`
	Stream *bool  `json:"stream,omitempty"`
}

func chatMessagesPath(conversationID string) (string, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return "", &APIError{Type: ErrInvalidRequest, Message: "conversation id must not be empty", Param: "id"}
	}
	return "/v1/conversations/" + url.PathEscape(conversationID) + "/messages", nil
}

// Send posts a user message and waits for the complete assistant reply.
// Against a storeless gateway the conversation id is client-chosen and the
// exchange is ephemeral.
func (s *ChatService) Send(ctx context.Context, conversationID, text string) (*ChatResult, error) {
	path, err := chatMessagesPath(conversationID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, &APIError{Type: ErrInvalidRequest, Message: "text must not be empty", Param: "text"}
	}
	stream := false
	var out ChatResult
	if err := s.client.doJSON(ctx, http.MethodPost, path, chatSendRequest{Text: text, Stream: &stream}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stream posts a user message and returns a handle yielding reply deltas as
// they arrive. The caller must drain Deltas or call Close.
func (s *ChatService) Stream(ctx context.Context, conversationID, text string) (*ChatStream, error) {
	path, err := chatMessagesPath(conversationID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, &APIError{Type: ErrInvalidRequest, Message: "text must not be empty", Param: "text"}
	}

	resp, endpoint, err := s.client.sendJSON(ctx, http.MethodPost, path, chatSendRequest{Text: text}, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeErrorResponse(resp, endpoint, http.MethodPost)
	}

	st := &ChatStream{
		reader: newSSEReader(resp.Body),
		model:  strings.TrimSpace(resp.Header.Get("X-Model")),
		deltas: make(chan string, 16),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go st.readLoop()
	return st, nil
}

// ChatStream is one in-flight streamed completion.
type ChatStream struct {
	reader *sseReader
	model  string

	deltas chan string
	done   chan struct{}
	closed chan struct{}

	closeOnce sync.Once

	mu     sync.Mutex
	result *ChatResult
	err    error
}

// Deltas yields reply text fragments in order. The channel closes when the
// stream finishes, fails, or is closed.
func (st *ChatStream) Deltas() <-chan string {
	if st == nil {
		return nil
	}
	return st.deltas
}

// Result blocks until the stream finishes and returns the final completion
// state, or the terminal error.
func (st *ChatStream) Result() (*ChatResult, error) {
	if st == nil {
		return nil, &APIError{Type: ErrInvalidRequest, Message: "stream must not be nil"}
	}
	<-st.done
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.err != nil {
		return nil, st.err
	}
	return st.result, nil
}

// Close abandons the stream and releases the response body.
func (st *ChatStream) Close() error {
	if st == nil {
		return nil
	}
	var err error
	st.closeOnce.Do(func() {
		close(st.closed)
		err = st.reader.Close()
	})
	return err
}

func (st *ChatStream) setErr(err error) {
	if err == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.err == nil {
		st.err = err
	}
}

func (st *ChatStream) readLoop() {
	defer close(st.done)
	defer close(st.deltas)
	defer st.Close()

	sawDone := false
	for {
		event, data, err := st.reader.Next()
		if err != nil {
			if err != io.EOF {
				select {
				case <-st.closed:
					// Reader failure caused by Close is not an error.
				default:
					st.setErr(&TransportError{Op: "read", Err: err})
				}
			} else if !sawDone {
				st.setErr(&APIError{Type: ErrAPI, Message: "stream ended before completion"})
			}
			return
		}

		switch event {
		case "message_start":
			var start struct {
				ConversationID string `json:"conversation_id"`
				Model          string `json:"model"`
			}
			if err := json.Unmarshal(data, &start); err == nil && start.Model != "" {
				st.mu.Lock()
				st.model = start.Model
				st.mu.Unlock()
			}
		case "delta":
			var delta struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(data, &delta); err != nil {
				st.setErr(&APIError{Type: ErrAPI, Message: "failed to decode stream delta"})
				return
			}
			if delta.Text == "" {
				continue
			}
			select {
			case st.deltas <- delta.Text:
			case <-st.closed:
				return
			}
		case "done":
			var result ChatResult
			if err := json.Unmarshal(data, &result); err != nil {
				st.setErr(&APIError{Type: ErrAPI, Message: "failed to decode stream result"})
				return
			}
			st.mu.Lock()
			st.result = &result
			st.mu.Unlock()
			sawDone = true
		case "error":
			var env struct {
				Error *APIError `json:"error"`
			}
			if err := json.Unmarshal(data, &env); err != nil || env.Error == nil {
				st.setErr(&APIError{Type: ErrAPI, Message: "stream failed"})
				return
			}
			st.setErr(env.Error)
			return
		default:
			// Ignore unknown events for forward compatibility.
		}
	}
}
