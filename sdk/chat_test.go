package voxbridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestChatStream_YieldsDeltasAndResult(t *testing.T) {
	t.Parallel()

	var gotPath, gotAccept, gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.Header().Set("X-Model", "gemini-2.0-flash")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "event: message_start\ndata: {\"conversation_id\":\"conv_1\",\"model\":\"gemini-2.0-flash\"}\n\n")
		_, _ = io.WriteString(w, ": ping\n\n")
		_, _ = io.WriteString(w, "event: delta\ndata: {\"text\":\"Hel\"}\n\n")
		_, _ = io.WriteString(w, "event: delta\ndata: {\"text\":\"lo\"}\n\n")
		_, _ = io.WriteString(w, "event: done\ndata: {\"conversation_id\":\"conv_1\",\"model\":\"gemini-2.0-flash\",\"text\":\"Hello\",\"usage\":{\"prompt_tokens\":4,\"response_tokens\":2,\"total_tokens\":6}}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("gw-secret"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	stream, err := client.Chat.Stream(ctx, "conv_1", "hello")
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	defer stream.Close()

	var got strings.Builder
	for delta := range stream.Deltas() {
		got.WriteString(delta)
	}
	result, err := stream.Result()
	if err != nil {
		t.Fatalf("Result error: %v", err)
	}

	if gotPath != "/v1/conversations/conv_1/messages" {
		t.Fatalf("path=%q", gotPath)
	}
	if gotAccept != "text/event-stream" {
		t.Fatalf("accept=%q", gotAccept)
	}
	if gotAuth != "Bearer gw-secret" {
		t.Fatalf("authorization=%q", gotAuth)
	}
	if gotBody["text"] != "hello" {
		t.Fatalf("body=%+v", gotBody)
	}
	if _, hasStream := gotBody["stream"]; hasStream {
		t.Fatalf("streaming request must omit stream flag: %+v", gotBody)
	}

	if got.String() != "Hello" {
		t.Fatalf("deltas=%q", got.String())
	}
	if result.Text != "Hello" || result.ConversationID != "conv_1" {
		t.Fatalf("result=%+v", result)
	}
	if result.Usage == nil || result.Usage.TotalTokens != 6 {
		t.Fatalf("usage=%+v", result.Usage)
	}
	if result.Model != "gemini-2.0-flash" {
		t.Fatalf("model=%q", result.Model)
	}
}

func TestChatStream_ErrorEventSurfaces(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "event: delta\ndata: {\"text\":\"par\"}\n\n")
		_, _ = io.WriteString(w, "event: error\ndata: {\"error\":{\"type\":\"api_error\",\"code\":\"stream_timeout\",\"message\":\"stream closed before completion\"}}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	stream, err := client.Chat.Stream(ctx, "conv_1", "hello")
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	defer stream.Close()

	for range stream.Deltas() {
		// drain until close
	}
	_, err = stream.Result()
	if err == nil {
		t.Fatalf("expected stream error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T: %v", err, err)
	}
	if apiErr.Code != "stream_timeout" || apiErr.Type != ErrAPI {
		t.Fatalf("apiErr=%+v", apiErr)
	}
}

func TestChatStream_EndsWithoutDone(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "event: delta\ndata: {\"text\":\"oops\"}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	stream, err := client.Chat.Stream(ctx, "conv_1", "hello")
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	defer stream.Close()

	for range stream.Deltas() {
	}
	_, err = stream.Result()
	if err == nil || !strings.Contains(err.Error(), "stream ended before completion") {
		t.Fatalf("err=%v", err)
	}
}

func TestChatStream_HTTPErrorDecoded(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("X-Request-ID", "req_chat")
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"type":"rate_limit_error","message":"too many concurrent chat streams"}}`)
	}))
	defer server.Close()

	client := NewClient(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := client.Chat.Stream(ctx, "conv_1", "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T: %v", err, err)
	}
	if apiErr.Type != ErrRateLimit || apiErr.HTTPStatus != http.StatusTooManyRequests {
		t.Fatalf("apiErr=%+v", apiErr)
	}
	if apiErr.RequestID != "req_chat" {
		t.Fatalf("request_id=%q", apiErr.RequestID)
	}
	if apiErr.RetryAfter == nil || *apiErr.RetryAfter != 2 {
		t.Fatalf("retry_after=%v", apiErr.RetryAfter)
	}
	if !apiErr.Retryable() {
		t.Fatalf("rate limit errors should be retryable")
	}
}

func TestChatSend_ReturnsResult(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"conversation_id":"conv_2","model":"gemini-2.0-flash","text":"All set.","usage":{"prompt_tokens":3,"response_tokens":2,"total_tokens":5}}`)
	}))
	defer server.Close()

	client := NewClient(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := client.Chat.Send(ctx, "conv_2", "lights off please")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if gotBody["text"] != "lights off please" {
		t.Fatalf("body=%+v", gotBody)
	}
	if gotBody["stream"] != false {
		t.Fatalf("stream flag=%v", gotBody["stream"])
	}
	if result.Text != "All set." || result.ConversationID != "conv_2" {
		t.Fatalf("result=%+v", result)
	}
}

func TestChatSend_RejectsEmptyInput(t *testing.T) {
	t.Parallel()

	client := NewClient("http://127.0.0.1:0")

	if _, err := client.Chat.Send(context.Background(), "", "hi"); err == nil {
		t.Fatalf("expected error for empty conversation id")
	}
	if _, err := client.Chat.Send(context.Background(), "conv_1", "   "); err == nil {
		t.Fatalf("expected error for blank text")
	}
}
