package gemini

import "testing"

func TestSupportedLiveModel(t *testing.T) {
	tests := []struct {
		name  string
		model string
		want  bool
	}{
		{"empty selects default", "", true},
		{"whitespace only", "   ", true},
		{"default live model", DefaultLiveModel, true},
		{"half cascade live", "gemini-2.0-flash-live-001", true},
		{"padded known id", "  gemini-live-2.5-flash-preview  ", true},
		{"chat model rejected", DefaultChatModel, false},
		{"unknown id", "gemini-9.9-ultra", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SupportedLiveModel(tt.model); got != tt.want {
				t.Fatalf("SupportedLiveModel(%q)=%v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestSupportedChatModel(t *testing.T) {
	tests := []struct {
		name  string
		model string
		want  bool
	}{
		{"empty selects default", "", true},
		{"default chat model", DefaultChatModel, true},
		{"pro model", "gemini-2.5-pro", true},
		{"live id passes for chat", DefaultLiveModel, true},
		{"unknown id", "mystery-model", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SupportedChatModel(tt.model); got != tt.want {
				t.Fatalf("SupportedChatModel(%q)=%v, want %v", tt.model, got, tt.want)
			}
		})
	}
}
