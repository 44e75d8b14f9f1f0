package main

import (
	"context"
	"errors"
	"strings"

	"github.com/oklog/ulid/v2"

	voxbridge "github.com/voxbridge/voxbridge/sdk"
)

// runChatMode drives the typed chat panel over the conversation SSE stream.
// The first entry creates a conversation carrying the current settings so a
// later voice session shares the same history.
func runChatMode(ctx context.Context, client *voxbridge.Client, cfg consoleConfig, state *consoleState, printer *consolePrinter, lines <-chan string) (consoleMode, error) {
	printer.SetStatus("")
	th := state.theme()

	if err := ensureConversation(ctx, client, cfg, state, printer); err != nil {
		return modeIdle, err
	}

	printer.Line(th.paint(th.info, "chat mode: type to send, /voice to talk, /quit to exit"))

	for {
		th = state.theme()
		printer.Print(th.paint(th.prompt, "> "))
		select {
		case <-ctx.Done():
			printer.Print("\n")
			return modeQuit, nil
		case line, ok := <-lines:
			if !ok {
				printer.Print("\n")
				return modeQuit, nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			switch {
			case line == "/quit" || line == "/exit":
				return modeQuit, nil
			case line == "/voice":
				return modeVoice, nil
			case line == "/chat":
				continue
			case handleCommonCommand(line, state, printer):
				continue
			case strings.HasPrefix(line, "/"):
				printer.Line(th.paint(th.info, "chat commands: /voice, /system, /theme, /quit"))
				continue
			}
			if err := ensureConversation(ctx, client, cfg, state, printer); err != nil {
				reportChatError(state, printer, err)
				continue
			}
			if err := streamChatTurn(ctx, client, state, printer, line); err != nil {
				reportChatError(state, printer, err)
			}
		}
	}
}

func ensureConversation(ctx context.Context, client *voxbridge.Client, cfg consoleConfig, state *consoleState, printer *consolePrinter) error {
	if state.conversation() != "" {
		return nil
	}
	th := state.theme()
	conv, err := client.Conversations.Create(ctx, voxbridge.CreateConversationRequest{
		SystemPrompt: state.systemPrompt(),
		Model:        cfg.Model,
		Voice:        cfg.Voice,
	})
	if err != nil {
		// A storeless gateway still chats; it just needs a client-chosen
		// id and keeps no history.
		var apiErr *voxbridge.APIError
		if errors.As(err, &apiErr) && apiErr.Code == "store_disabled" {
			state.setConversation("local_" + strings.ToLower(ulid.Make().String()))
			printer.Line(th.paint(th.warn, "gateway has no conversation store; chat history will not persist"))
			return nil
		}
		return err
	}
	state.setConversation(conv.ID)
	printer.Line(th.paint(th.info, "conversation "+conv.ID))
	return nil
}

// streamChatTurn sends one user message and prints the assistant reply as
// deltas arrive.
func streamChatTurn(ctx context.Context, client *voxbridge.Client, state *consoleState, printer *consolePrinter, text string) error {
	th := state.theme()

	stream, err := client.Chat.Stream(ctx, state.conversation(), text)
	if err != nil {
		return err
	}
	defer stream.Close()

	printer.Print(th.paint(th.assistant, "assistant:") + " ")
	for delta := range stream.Deltas() {
		printer.Print(delta)
	}
	printer.Print("\n")

	_, err = stream.Result()
	return err
}

func reportChatError(state *consoleState, printer *consolePrinter, err error) {
	var apiErr *voxbridge.APIError
	if errors.As(err, &apiErr) && apiErr.Type == voxbridge.ErrNotFound {
		// The conversation was deleted out from under us; the next turn
		// starts a fresh one.
		state.setConversation("")
		th := state.theme()
		printer.Line(th.paint(th.warn, "conversation is gone; the next message starts a new one"))
		return
	}
	reportError(state, printer, err)
}
