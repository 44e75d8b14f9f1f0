// Command voxbridge-console is the terminal voice client for the voxbridge
// gateway: it streams microphone PCM into a live session, plays assistant
// speech back in order, renders transcripts and a volume meter, and offers
// an SSE text chat mode against the same conversation.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/voxbridge/internal/dotenv"
	"github.com/voxbridge/voxbridge/pkg/core/pcm"
	"github.com/voxbridge/voxbridge/pkg/gateway/live/protocol"
	voxbridge "github.com/voxbridge/voxbridge/sdk"
)

const (
	defaultGateway = "http://127.0.0.1:8080"
	meterRefresh   = 100 * time.Millisecond

	// How long to wait for the gateway's usage frame and close after
	// requesting a graceful session end.
	endSessionWait = 5 * time.Second
)

type consoleConfig struct {
	Gateway        string
	APIKey         string
	Model          string
	System         string
	Voice          string
	Language       string
	ConversationID string
	Theme          string
	Transport      string
	MarkInterval   time.Duration
	StartInChat    bool
	NoMeter        bool
	Debug          bool
}

func parseConsoleConfig(args []string, getenv func(string) string) (consoleConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := consoleConfig{}
	fs := flag.NewFlagSet("voxbridge-console", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.Gateway, "gateway", envOr(getenv, "VOX_CONSOLE_GATEWAY", defaultGateway), "gateway base URL")
	fs.StringVar(&cfg.APIKey, "api-key", strings.TrimSpace(getenv("VOX_CONSOLE_API_KEY")), "gateway API key (or VOX_CONSOLE_API_KEY)")
	fs.StringVar(&cfg.Model, "model", strings.TrimSpace(getenv("VOX_CONSOLE_MODEL")), "live model (empty uses the gateway default)")
	fs.StringVar(&cfg.System, "system", strings.TrimSpace(getenv("VOX_CONSOLE_SYSTEM")), "system prompt for new sessions")
	fs.StringVar(&cfg.Voice, "voice", strings.TrimSpace(getenv("VOX_CONSOLE_VOICE")), "assistant voice name")
	fs.StringVar(&cfg.Language, "lang", strings.TrimSpace(getenv("VOX_CONSOLE_LANGUAGE")), "assistant voice language")
	fs.StringVar(&cfg.ConversationID, "conversation", "", "attach to an existing conversation id")
	fs.StringVar(&cfg.Theme, "theme", envOr(getenv, "VOX_CONSOLE_THEME", "dark"), "console theme: dark, light, or mono")
	fs.StringVar(&cfg.Transport, "transport", protocol.AudioTransportBase64JSON, "assistant audio transport: base64_json or binary")
	fs.DurationVar(&cfg.MarkInterval, "mark-interval", defaultMarkInterval, "playback mark reporting interval")
	fs.BoolVar(&cfg.StartInChat, "chat", false, "start in text chat mode instead of voice")
	fs.BoolVar(&cfg.NoMeter, "no-meter", false, "disable the volume meter status line")
	fs.BoolVar(&cfg.Debug, "debug", envBool(getenv("VOX_CONSOLE_DEBUG")), "log session details to stderr")

	if err := fs.Parse(args); err != nil {
		return consoleConfig{}, err
	}
	if err := validateConsoleConfig(&cfg); err != nil {
		return consoleConfig{}, err
	}
	return cfg, nil
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func validateConsoleConfig(cfg *consoleConfig) error {
	cfg.Gateway = strings.TrimSpace(cfg.Gateway)
	if cfg.Gateway == "" {
		return errors.New("gateway must not be empty")
	}
	u, err := url.Parse(cfg.Gateway)
	if err != nil || strings.TrimSpace(u.Scheme) == "" || strings.TrimSpace(u.Host) == "" {
		return errors.New("gateway must be a valid absolute URL")
	}
	if u.User != nil {
		return errors.New("gateway must not include credentials")
	}
	if _, ok := themeByName(cfg.Theme); !ok {
		return fmt.Errorf("unknown theme %q (themes: %s)", cfg.Theme, strings.Join(themeNames(), ", "))
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport != protocol.AudioTransportBase64JSON && cfg.Transport != protocol.AudioTransportBinary {
		return errors.New("transport must be base64_json or binary")
	}
	if cfg.MarkInterval <= 0 {
		return errors.New("mark-interval must be > 0")
	}
	return nil
}

// consoleState carries the settings that survive session reconnects and
// mode switches.
type consoleState struct {
	mu              sync.Mutex
	th              theme
	system          string
	conversationID  string
	resumeSessionID string
	caption         string

	muted atomic.Bool

	log *slog.Logger
}

func newConsoleState(cfg consoleConfig) *consoleState {
	th, _ := themeByName(cfg.Theme)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.Debug {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return &consoleState{
		th:             th,
		system:         cfg.System,
		conversationID: strings.TrimSpace(cfg.ConversationID),
		log:            log,
	}
}

func (s *consoleState) theme() theme {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.th
}

func (s *consoleState) setTheme(t theme) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.th = t
}

func (s *consoleState) systemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.system
}

func (s *consoleState) setSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.system = prompt
}

func (s *consoleState) conversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *consoleState) setConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
}

func (s *consoleState) resume() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeSessionID
}

func (s *consoleState) setResume(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeSessionID = id
}

func (s *consoleState) captionText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caption
}

func (s *consoleState) setCaption(caption string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caption = caption
}

type consoleMode int

const (
	modeVoice consoleMode = iota
	modeChat
	modeIdle
	modeQuit
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "voxbridge-console:", err)
		return 1
	}

	cfg, err := parseConsoleConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "voxbridge-console:", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runConsole(ctx, cfg, os.Stdin, os.Stdout)
}

func runConsole(ctx context.Context, cfg consoleConfig, in io.Reader, out io.Writer) int {
	state := newConsoleState(cfg)
	printer := newConsolePrinter(out)
	th := state.theme()

	var opts []voxbridge.ClientOption
	if cfg.APIKey != "" {
		opts = append(opts, voxbridge.WithAPIKey(cfg.APIKey))
	}
	client := voxbridge.NewClient(cfg.Gateway, opts...)

	mic, speaker, cleanupAudio, err := initAudio()
	if err != nil {
		printer.Line(th.paint(th.alert, "audio setup failed: "+err.Error()))
		return 1
	}
	defer cleanupAudio()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	printer.Line(th.paint(th.info, "voxbridge console: gateway "+cfg.Gateway))
	printer.Line(th.paint(th.info, "commands: /text <msg>, /chat, /system <prompt>, /theme <name>, /mute, /interrupt, /end, /quit"))

	mode := modeVoice
	if cfg.StartInChat {
		mode = modeChat
	}
	for {
		if ctx.Err() != nil {
			printer.SetStatus("")
			return 0
		}
		var err error
		switch mode {
		case modeVoice:
			mode, err = runVoiceMode(ctx, client, cfg, state, mic, speaker, printer, lines)
		case modeChat:
			mode, err = runChatMode(ctx, client, cfg, state, printer, lines)
		case modeIdle:
			mode = runIdleMode(ctx, state, printer, lines)
		default:
			printer.SetStatus("")
			return 0
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			reportError(state, printer, err)
		}
	}
}

func reportError(state *consoleState, printer *consolePrinter, err error) {
	th := state.theme()
	var apiErr *voxbridge.APIError
	if errors.As(err, &apiErr) {
		printer.Line(th.paint(th.alert, "error: "+apiErr.Message) + th.paint(th.dim, " ("+apiErr.Type+")"))
		if apiErr.Retryable() {
			printer.Line(th.paint(th.info, "the gateway looks busy; /voice retries the session"))
		}
		return
	}
	printer.Line(th.paint(th.alert, "error: "+err.Error()))
}

func runIdleMode(ctx context.Context, state *consoleState, printer *consolePrinter, lines <-chan string) consoleMode {
	th := state.theme()
	hint := "disconnected: /voice to reconnect, /chat for text, /quit to exit"
	if state.resume() != "" {
		hint = "disconnected: /voice resumes the last session, /chat for text, /quit to exit"
	}
	printer.Line(th.paint(th.info, hint))

	for {
		select {
		case <-ctx.Done():
			return modeQuit
		case line, ok := <-lines:
			if !ok {
				return modeQuit
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			switch line {
			case "/voice":
				return modeVoice
			case "/chat":
				return modeChat
			case "/quit", "/exit":
				return modeQuit
			default:
				if handleCommonCommand(line, state, printer) {
					continue
				}
				printer.Line(state.theme().paint(state.theme().info, "idle commands: /voice, /chat, /system, /theme, /quit"))
			}
		}
	}
}

// handleCommonCommand covers the commands valid in every mode. It reports
// whether the line was consumed.
func handleCommonCommand(line string, state *consoleState, printer *consolePrinter) bool {
	th := state.theme()
	switch {
	case line == "/help":
		printer.Line(th.paint(th.info, "commands: /text <msg>, /chat, /voice, /system <prompt>, /theme <name>, /mute, /interrupt, /end, /quit"))
		return true
	case line == "/theme":
		printer.Line(th.paint(th.info, "theme "+th.name+" (available: "+strings.Join(themeNames(), ", ")+")"))
		return true
	case strings.HasPrefix(line, "/theme "):
		name := strings.TrimSpace(strings.TrimPrefix(line, "/theme "))
		next, ok := themeByName(name)
		if !ok {
			printer.Line(th.paint(th.alert, "unknown theme "+name+" (available: "+strings.Join(themeNames(), ", ")+")"))
			return true
		}
		state.setTheme(next)
		printer.Line(next.paint(next.info, "theme switched to "+next.name))
		return true
	case line == "/system":
		if prompt := state.systemPrompt(); prompt != "" {
			printer.Line(th.paint(th.info, "system prompt: "+prompt))
		} else {
			printer.Line(th.paint(th.info, "no system prompt set"))
		}
		return true
	case strings.HasPrefix(line, "/system "):
		state.setSystemPrompt(strings.TrimSpace(strings.TrimPrefix(line, "/system ")))
		printer.Line(th.paint(th.info, "system prompt set; applies to the next session"))
		return true
	case line == "/mute":
		muted := !state.muted.Load()
		state.muted.Store(muted)
		if muted {
			printer.Line(th.paint(th.warn, "microphone muted"))
		} else {
			printer.Line(th.paint(th.info, "microphone live"))
		}
		return true
	}
	return false
}

func runVoiceMode(
	ctx context.Context,
	client *voxbridge.Client,
	cfg consoleConfig,
	state *consoleState,
	mic *micReader,
	speaker *speakerWriter,
	printer *consolePrinter,
	lines <-chan string,
) (consoleMode, error) {
	session, err := connectLive(ctx, client, cfg, state)
	if err != nil {
		return modeIdle, err
	}
	defer session.Close()

	th := state.theme()
	if id := session.ConversationID(); id != "" {
		state.setConversation(id)
	}
	if session.Ack().Resume.Accepted {
		printer.Line(th.paint(th.info, "resumed session "+session.SessionID()))
	} else {
		printer.Line(th.paint(th.info, "connected: session "+session.SessionID()))
	}
	state.log.Debug("live session open",
		"session_id", session.SessionID(),
		"conversation_id", session.ConversationID(),
		"transport", cfg.Transport,
		"resumed", session.Ack().Resume.Accepted)
	// A fresh resume handle arrives via session_resume once the gateway
	// has one for this session.
	state.setResume("")
	state.setCaption("")

	pm := newPlaybackManager(speaker, cfg.MarkInterval)
	defer pm.Close()
	pm.SetMarkSender(func(mark voxbridge.LivePlaybackMark) {
		_ = session.SendPlaybackMark(mark)
	})
	session.AudioOutput().HandleAudio(pm.Feed, pm.Reset)

	if err := session.StartAudioStream("mic"); err != nil {
		return modeIdle, err
	}

	meter := &volumeMeter{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return micLoop(gctx, session, mic, meter, state) })
	g.Go(func() error { return eventLoop(gctx, session, pm, meter, state, printer) })
	if !cfg.NoMeter {
		g.Go(func() error { return meterLoop(gctx, meter, pm, state, printer) })
	}

	sessionDone := make(chan error, 1)
	go func() { sessionDone <- g.Wait() }()

	// finish collects the loops after a graceful end request, forcing the
	// socket closed if the gateway never finishes the goodbye.
	finish := func() error {
		select {
		case err := <-sessionDone:
			return err
		case <-time.After(endSessionWait):
			session.Close()
			return <-sessionDone
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = session.EndSession()
			session.Close()
			<-sessionDone
			printer.SetStatus("")
			return modeQuit, nil
		case err := <-sessionDone:
			printer.SetStatus("")
			if err != nil && !errors.Is(err, context.Canceled) {
				return modeIdle, err
			}
			return modeIdle, nil
		case line, ok := <-lines:
			if !ok {
				_ = session.EndSession()
				session.Close()
				<-sessionDone
				printer.SetStatus("")
				return modeQuit, nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			next, leave := dispatchVoiceCommand(line, session, state, printer)
			if !leave {
				continue
			}
			_ = session.EndSession()
			err := finish()
			printer.SetStatus("")
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return next, err
		}
	}
}

// dispatchVoiceCommand handles one command line inside a live session. It
// returns the next mode and whether the session should end.
func dispatchVoiceCommand(line string, session *voxbridge.LiveSession, state *consoleState, printer *consolePrinter) (consoleMode, bool) {
	th := state.theme()
	switch {
	case line == "/quit" || line == "/exit":
		return modeQuit, true
	case line == "/end":
		return modeIdle, true
	case line == "/chat":
		return modeChat, true
	case line == "/interrupt":
		if err := session.Interrupt(); err != nil && !errors.Is(err, voxbridge.ErrSessionClosed) {
			printer.Line(th.paint(th.alert, "interrupt failed: "+err.Error()))
		}
		return 0, false
	case strings.HasPrefix(line, "/text "):
		text := strings.TrimSpace(strings.TrimPrefix(line, "/text "))
		if text == "" {
			return 0, false
		}
		if err := session.SendText(text); err != nil && !errors.Is(err, voxbridge.ErrSessionClosed) {
			printer.Line(th.paint(th.alert, "send failed: "+err.Error()))
			return 0, false
		}
		printer.Line(th.paint(th.user, "you:") + " " + text)
		return 0, false
	default:
		if handleCommonCommand(line, state, printer) {
			return 0, false
		}
		printer.Line(th.paint(th.info, "voice commands: /text <msg>, /chat, /interrupt, /mute, /system, /theme, /end, /quit"))
		return 0, false
	}
}

func connectLive(ctx context.Context, client *voxbridge.Client, cfg consoleConfig, state *consoleState) (*voxbridge.LiveSession, error) {
	req := &voxbridge.LiveConnectRequest{
		Model:  cfg.Model,
		System: state.systemPrompt(),
		Voice: voxbridge.LiveVoice{
			Name:     cfg.Voice,
			Language: cfg.Language,
		},
		Features: voxbridge.LiveFeatures{
			AudioTransport:         cfg.Transport,
			SendPlaybackMarks:      true,
			WantPartialTranscripts: true,
			WantAssistantText:      true,
		},
		ConversationID:  state.conversation(),
		ResumeSessionID: state.resume(),
	}

	var session *voxbridge.LiveSession
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := client.Live.Connect(ctx, req)
		if err != nil {
			state.log.Debug("live connect attempt failed", "err", err)
			var apiErr *voxbridge.APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				return err
			}
			return retry.RetryableError(err)
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// micLoop pushes capture frames into the session with increasing sequence
// numbers. Muted frames go out as silence so turn pacing is unaffected.
func micLoop(ctx context.Context, session *voxbridge.LiveSession, mic *micReader, meter *volumeMeter, state *consoleState) error {
	frame := make([]byte, pcm.CaptureFormat().BytesForDurationMs(micFrameMS))
	var seq int64
	defer func() { state.log.Debug("mic loop done", "frames", seq) }()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n := mic.Read(frame)
		if n == 0 {
			return nil
		}
		chunk := frame[:n]
		if state.muted.Load() {
			for i := range chunk {
				chunk[i] = 0
			}
		}
		meter.ObserveInput(chunk)
		seq++
		if err := session.SendAudioFrame(chunk, voxbridge.LiveAudioMeta{Seq: seq}); err != nil {
			if errors.Is(err, voxbridge.ErrSessionClosed) {
				return nil
			}
			return err
		}
	}
}

// eventLoop renders session events and drives playback bookkeeping. It
// returns the session's terminal error once the event channel closes.
func eventLoop(ctx context.Context, session *voxbridge.LiveSession, pm *playbackManager, meter *volumeMeter, state *consoleState, printer *consolePrinter) error {
	var (
		partialID     string
		partial       strings.Builder
		assistantText strings.Builder
		assistantTurn int64 = -1
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-session.Events():
			if !ok {
				return session.Err()
			}
			th := state.theme()
			switch e := event.(type) {
			case voxbridge.LiveTranscriptDeltaEvent:
				if e.UtteranceID != partialID {
					partialID = e.UtteranceID
					partial.Reset()
				}
				partial.WriteString(e.Text)
				state.setCaption("you: " + partial.String())
			case voxbridge.LiveTranscriptFinalEvent:
				partialID = ""
				partial.Reset()
				state.setCaption("")
				printer.Line(th.paint(th.user, "you:") + " " + e.Text)
			case voxbridge.LiveAssistantTextDeltaEvent:
				if e.Turn != assistantTurn {
					assistantTurn = e.Turn
					assistantText.Reset()
				}
				assistantText.WriteString(e.Delta)
				state.setCaption("assistant: " + assistantText.String())
			case voxbridge.LiveAssistantTextFinalEvent:
				assistantTurn = -1
				assistantText.Reset()
				state.setCaption("")
				if strings.TrimSpace(e.Text) != "" {
					printer.Line(th.paint(th.assistant, "assistant:") + " " + e.Text)
				}
			case voxbridge.LiveAssistantAudioStartEvent:
				pm.Start(e.Start.AssistantAudioID)
			case voxbridge.LiveAssistantAudioChunkEvent:
				meter.ObserveOutput(e.Data)
			case voxbridge.LiveAssistantAudioEndEvent:
				pm.End(e.End.AssistantAudioID)
			case voxbridge.LiveAudioResetEvent:
				state.setCaption("")
				printer.Line(th.paint(th.dim, "(interrupted)"))
			case voxbridge.LiveSessionResumeEvent:
				state.setResume(e.SessionID)
			case voxbridge.LiveUsageEvent:
				u := e.Usage
				printer.Linef("%s audio in %.1fs out %.1fs, %d turns, %d interruptions",
					th.paint(th.info, "session usage:"),
					float64(u.AudioInMS)/1000, float64(u.AudioOutMS)/1000, u.Turns, u.Interruptions)
			case voxbridge.LiveWarningEvent:
				printer.Line(th.paint(th.warn, "warning: "+e.Warning.Message))
			case voxbridge.LiveErrorEvent:
				printer.Line(th.paint(th.alert, "gateway error: "+e.Error.Message) + th.paint(th.dim, " ("+e.Error.Code+")"))
			case voxbridge.LiveUnknownEvent:
				state.log.Debug("unhandled live event", "type", e.Type)
			}
		}
	}
}

func meterLoop(ctx context.Context, meter *volumeMeter, pm *playbackManager, state *consoleState, printer *consolePrinter) error {
	ticker := time.NewTicker(meterRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			printer.SetStatus("")
			return ctx.Err()
		case <-ticker.C:
			printer.SetStatus(renderStatus(state.theme(), meter, pm.Speaking(), state.muted.Load(), state.captionText()))
			meter.Decay()
		}
	}
}
