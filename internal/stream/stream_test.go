package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/streamwerks/llmstream/internal/corestream"
	"github.com/streamwerks/llmstream/internal/provider"
)

// parseSSEEvents splits the raw SSE output into individual data payloads,
// excluding the "data: [DONE]" sentinel.
func parseSSEEvents(body string) []string {
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			payload := strings.TrimPrefix(line, "data: ")
			if payload != "[DONE]" {
				events = append(events, payload)
			}
		}
	}
	return events
}

func TestWriter_MultipleChunks(t *testing.T) {
	w := httptest.NewRecorder()
	sw, err := NewWriter(w, "test-model")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if err := sw.Write(corestream.Chunk{Content: "Hello"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sw.Write(corestream.Chunk{Content: " world"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sw.Write(corestream.Chunk{
		FinishReason: corestream.FinishStop,
		Metadata:     map[string]any{"usage": provider.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}},
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", cc, "no-cache")
	}

	body := w.Body.String()
	if !strings.Contains(body, "data: [DONE]") {
		t.Error("missing [DONE] sentinel")
	}

	events := parseSSEEvents(body)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	var first sseChunk
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatalf("parse event 0: %v", err)
	}
	if first.Choices[0].Delta.Content != "Hello" {
		t.Errorf("event 0 content = %q, want %q", first.Choices[0].Delta.Content, "Hello")
	}
	if first.Choices[0].FinishReason != nil {
		t.Errorf("event 0 finish_reason = %v, want nil", *first.Choices[0].FinishReason)
	}
	if first.Model != "test-model" {
		t.Errorf("event 0 model = %q, want fallback %q", first.Model, "test-model")
	}

	var third sseChunk
	if err := json.Unmarshal([]byte(events[2]), &third); err != nil {
		t.Fatalf("parse event 2: %v", err)
	}
	if third.Choices[0].FinishReason == nil || *third.Choices[0].FinishReason != "stop" {
		t.Error("event 2 should have finish_reason=stop")
	}
	if third.Choices[0].Delta.Content != "" {
		t.Errorf("event 2 delta should be empty, got %q", third.Choices[0].Delta.Content)
	}
	if third.Usage == nil || third.Usage.TotalTokens != 7 {
		t.Fatalf("event 2 usage = %+v, want total_tokens=7", third.Usage)
	}
}

func TestWriter_IDCarriesForwardFromEarlierChunk(t *testing.T) {
	w := httptest.NewRecorder()
	sw, err := NewWriter(w, "m")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if err := sw.Write(corestream.Chunk{ID: "msg_1", Model: "m"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sw.Write(corestream.Chunk{Content: "hi"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	events := parseSSEEvents(w.Body.String())
	var second sseChunk
	if err := json.Unmarshal([]byte(events[1]), &second); err != nil {
		t.Fatalf("parse event 1: %v", err)
	}
	if second.ID != "msg_1" {
		t.Errorf("event 1 id = %q, want carried-forward %q", second.ID, "msg_1")
	}
}

func TestWriter_DropsWritesAfterTerminalChunk(t *testing.T) {
	w := httptest.NewRecorder()
	sw, err := NewWriter(w, "m")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if err := sw.Write(corestream.Chunk{FinishReason: corestream.FinishStop}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	before := w.Body.String()

	if err := sw.Write(corestream.Chunk{Content: "late"}); err != nil {
		t.Fatalf("Write after close should not error: %v", err)
	}

	if w.Body.String() != before {
		t.Error("Write after the terminal chunk should be a no-op")
	}
}

func TestWriter_SSEFormat(t *testing.T) {
	w := httptest.NewRecorder()
	sw, err := NewWriter(w, "m")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if err := sw.Write(corestream.Chunk{Content: "hi"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sw.Write(corestream.Chunk{FinishReason: corestream.FinishStop}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	body := w.Body.String()
	if !strings.Contains(body, "data: [DONE]\n\n") {
		t.Error("missing properly formatted [DONE] sentinel")
	}

	parts := strings.Split(body, "\n\n")
	nonEmpty := 0
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty++
		}
	}
	if nonEmpty != 3 {
		t.Errorf("got %d SSE events, want 3 (content + finish + DONE)", nonEmpty)
	}
}
