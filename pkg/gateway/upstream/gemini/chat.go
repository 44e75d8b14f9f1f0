package gemini

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// ChatMessage is one prior turn in a text conversation.
type ChatMessage struct {
	Role string // "user" or "assistant"
	Text string
}

// ChatRequest describes one streaming text completion.
type ChatRequest struct {
	Model           string
	System          string
	Messages        []ChatMessage
	MaxOutputTokens int32
}

// ChatDelta is one increment of a streamed completion. The final delta has
// Done set and, when the upstream reported it, cumulative Usage.
type ChatDelta struct {
	Text  string
	Done  bool
	Usage *UsageTotals
}

// ChatStream delivers completion deltas. The channel closes after the Done
// delta or on error; Err() reports the terminal error afterwards.
type ChatStream interface {
	Deltas() <-chan ChatDelta
	Err() error
}

type chatStream struct {
	deltas chan ChatDelta

	mu  sync.Mutex
	err error
}

func (s *chatStream) Deltas() <-chan ChatDelta {
	return s.deltas
}

func (s *chatStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *chatStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// StreamChat starts a streaming completion. Cancel ctx to abandon the
// stream early.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (ChatStream, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("chat request has no messages")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = DefaultChatModel
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		role := "user"
		if strings.EqualFold(strings.TrimSpace(m.Role), "assistant") {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: text}}})
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("chat request has no non-empty messages")
	}

	cfg := &genai.GenerateContentConfig{}
	if system := strings.TrimSpace(req.System); system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = req.MaxOutputTokens
	}

	stream := &chatStream{deltas: make(chan ChatDelta, 16)}
	go func() {
		defer close(stream.deltas)

		var usage *UsageTotals
		for resp, err := range c.genai.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				stream.setErr(err)
				return
			}
			if resp == nil {
				continue
			}
			if um := resp.UsageMetadata; um != nil {
				usage = &UsageTotals{
					PromptTokens:   um.PromptTokenCount,
					ResponseTokens: um.CandidatesTokenCount,
					TotalTokens:    um.TotalTokenCount,
				}
			}
			text := textFromResponse(resp)
			if text == "" {
				continue
			}
			select {
			case stream.deltas <- ChatDelta{Text: text}:
			case <-ctx.Done():
				stream.setErr(ctx.Err())
				return
			}
		}

		select {
		case stream.deltas <- ChatDelta{Done: true, Usage: usage}:
		case <-ctx.Done():
			stream.setErr(ctx.Err())
		}
	}()
	return stream, nil
}

func textFromResponse(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand == nil || cand.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if part == nil || part.Text == "" {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}
