// Package gemini bridges gateway sessions to the Gemini Live API.
// It wraps the genai SDK behind channel-based connections so session code
// can select on upstream events next to client frames.
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"google.golang.org/genai"
)

const (
	// DefaultLiveModel is used when hello.model is empty.
	DefaultLiveModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultChatModel serves the text-only chat endpoint.
	DefaultChatModel = "gemini-2.5-flash"

	captureMIMEType = "audio/pcm;rate=16000"

	connectAttempts = 3
	connectBackoff  = 300 * time.Millisecond
)

// Config configures the upstream client.
type Config struct {
	APIKey     string
	HTTPClient *http.Client
}

// Client owns one genai client shared by all live and chat sessions.
type Client struct {
	genai *genai.Client
}

// New creates an upstream client for the Gemini API backend.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{genai: gc}, nil
}

// LiveConfig shapes one live connection.
type LiveConfig struct {
	Model        string
	System       string
	VoiceName    string
	Language     string
	ResumeHandle string
}

// LiveConn is one bidirectional live session. Events are pumped from the
// upstream socket into Events(); the channel closes when the upstream ends,
// after which Err() reports the terminal error, if any.
type LiveConn struct {
	session *genai.Session

	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

// ConnectLive dials the live endpoint. Transient dial failures are retried
// with exponential backoff before giving up.
func (c *Client) ConnectLive(ctx context.Context, cfg LiveConfig) (*LiveConn, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultLiveModel
	}

	connectCfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		// Always request resumption updates so a handle exists before the
		// first reconnect.
		SessionResumption: &genai.SessionResumptionConfig{Handle: strings.TrimSpace(cfg.ResumeHandle)},
	}
	if system := strings.TrimSpace(cfg.System); system != "" {
		connectCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if voice := strings.TrimSpace(cfg.VoiceName); voice != "" {
		connectCfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
			LanguageCode: strings.TrimSpace(cfg.Language),
		}
	} else if lang := strings.TrimSpace(cfg.Language); lang != "" {
		connectCfg.SpeechConfig = &genai.SpeechConfig{LanguageCode: lang}
	}

	var session *genai.Session
	backoff := retry.WithMaxRetries(connectAttempts, retry.NewExponential(connectBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := c.genai.Live.Connect(ctx, model, connectCfg)
		if err != nil {
			return retry.RetryableError(err)
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect live: %w", err)
	}

	conn := &LiveConn{
		session: session,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	go conn.pump()
	return conn, nil
}

// SendAudio forwards one PCM frame of mic audio.
func (c *LiveConn) SendAudio(data []byte) error {
	if c == nil || c.session == nil {
		return fmt.Errorf("live conn is closed")
	}
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{Data: data, MIMEType: captureMIMEType},
	})
}

// EndAudioStream marks a pause in mic input, e.g. when the client mutes.
func (c *LiveConn) EndAudioStream() error {
	if c == nil || c.session == nil {
		return fmt.Errorf("live conn is closed")
	}
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true})
}

// SendTurnText injects a typed user turn and requests a model response.
func (c *LiveConn) SendTurnText(text string) error {
	if c == nil || c.session == nil {
		return fmt.Errorf("live conn is closed")
	}
	return c.session.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: text}}}},
		TurnComplete: genai.Ptr(true),
	})
}

// Events returns the upstream event stream. The channel is closed when the
// upstream connection ends.
func (c *LiveConn) Events() <-chan Event {
	if c == nil {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	return c.events
}

// Err returns the terminal receive error after Events() closes.
func (c *LiveConn) Err() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears down the live session. Safe to call more than once.
func (c *LiveConn) Close() error {
	if c == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.session != nil {
			err = c.session.Close()
		}
	})
	return err
}

func (c *LiveConn) pump() {
	defer close(c.events)
	for {
		msg, err := c.session.Receive()
		if err != nil {
			select {
			case <-c.done:
				// Close() already tore the socket down; the receive error
				// is an artifact of the teardown, not a session failure.
			default:
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
		for _, ev := range translateServerMessage(msg) {
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
	}
}
