package gemini

import "strings"

// Live-capable model ids accepted from clients. The allowlist applies to
// client-chosen models only; VOX_LIVE_MODEL and VOX_CHAT_MODEL overrides
// are not checked against it.
var liveModels = map[string]struct{}{
	DefaultLiveModel:                                    {},
	"gemini-2.5-flash-preview-native-audio-dialog":      {},
	"gemini-2.5-flash-exp-native-audio-thinking-dialog": {},
	"gemini-live-2.5-flash-preview":                     {},
	"gemini-2.0-flash-live-001":                         {},
}

var chatModels = map[string]struct{}{
	DefaultChatModel:        {},
	"gemini-2.5-pro":        {},
	"gemini-2.5-flash-lite": {},
	"gemini-2.0-flash":      {},
	"gemini-2.0-flash-lite": {},
}

// SupportedLiveModel reports whether a client may open a live session on
// model. The empty string selects the configured default and always passes.
func SupportedLiveModel(model string) bool {
	model = strings.TrimSpace(model)
	if model == "" {
		return true
	}
	_, ok := liveModels[model]
	return ok
}

// SupportedChatModel reports whether model can back a conversation's chat
// turns. Live-capable ids pass too since a conversation carries one model
// for both surfaces.
func SupportedChatModel(model string) bool {
	model = strings.TrimSpace(model)
	if model == "" {
		return true
	}
	if _, ok := chatModels[model]; ok {
		return true
	}
	_, ok := liveModels[model]
	return ok
}
