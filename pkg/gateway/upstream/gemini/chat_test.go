package gemini

import (
	"testing"

	"google.golang.org/genai"
)

func TestTextFromResponse(t *testing.T) {
	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		want string
	}{
		{name: "nil response", resp: nil, want: ""},
		{name: "no candidates", resp: &genai.GenerateContentResponse{}, want: ""},
		{
			name: "joins text parts",
			resp: &genai.GenerateContentResponse{
				Candidates: []*genai.Candidate{{
					Content: &genai.Content{Parts: []*genai.Part{
						{Text: "Hello"},
						{Text: ", world"},
					}},
				}},
			},
			want: "Hello, world",
		},
		{
			name: "skips non-text parts",
			resp: &genai.GenerateContentResponse{
				Candidates: []*genai.Candidate{{
					Content: &genai.Content{Parts: []*genai.Part{
						{InlineData: &genai.Blob{Data: []byte{1}}},
						{Text: "after audio"},
					}},
				}},
			},
			want: "after audio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := textFromResponse(tt.resp); got != tt.want {
				t.Fatalf("textFromResponse()=%q, want %q", got, tt.want)
			}
		})
	}
}
