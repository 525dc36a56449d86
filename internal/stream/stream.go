// Package stream writes corestream.Chunk values out to an HTTP client as
// OpenAI-compatible Server-Sent Events. It is the consumer-side
// counterpart to the coordinator/engine pipeline: engine.StartStream
// takes a corestream.ConsumerFunc, and Writer.Write has exactly that
// signature, so `server` wires one directly into the other.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/streamwerks/llmstream/internal/corestream"
	"github.com/streamwerks/llmstream/internal/provider"
)

// ---------------------------------------------------------------------------
// OpenAI-compatible SSE response types
// ---------------------------------------------------------------------------

// sseChunk is the top-level JSON object in each SSE event.
type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`

	// Usage is included only on the final chunk, when the provider's
	// ParseChunk hook attached it to the chunk's Metadata.
	Usage *sseUsage `json:"usage,omitempty"`
}

// sseChoice represents one choice in the streaming response. OpenAI
// supports multiple choices (n > 1); we always return one.
type sseChoice struct {
	Index int      `json:"index"`
	Delta sseDelta `json:"delta"`

	// FinishReason is null for all chunks except the final one. *string
	// (rather than string) lets us distinguish "not set" from "set to a
	// value" in the JSON — a plain string can't represent null.
	FinishReason *string `json:"finish_reason"`
}

// sseDelta holds the incremental content in each chunk. Content is
// omitempty so the final chunk sends {"delta":{}} instead of
// {"delta":{"content":""}}, matching OpenAI's format.
type sseDelta struct {
	Content string `json:"content,omitempty"`
}

// sseUsage mirrors provider.Usage for the JSON response.
type sseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ---------------------------------------------------------------------------
// Writer
// ---------------------------------------------------------------------------

// Writer adapts an http.ResponseWriter into a corestream.ConsumerFunc: one
// Writer.Write call per chunk, each flushed immediately as an
// OpenAI-compatible "data: {json}\n\n" SSE event. The coordinator may call
// Write from its own goroutine; Writer serializes concurrent calls with a
// mutex since http.ResponseWriter is not safe for concurrent use.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher

	// fallbackID/fallbackModel fill in the "id"/"model" wire fields on
	// chunks whose ParseChunk hook left them blank — Gemini never echoes
	// either on stream events, and Anthropic only does on message_start.
	fallbackID    string
	fallbackModel string

	mu     sync.Mutex
	closed bool
}

// NewWriter sets the SSE response headers and returns a Writer ready to
// receive chunks. requestModel is the model the client asked for, used to
// fill the wire "model" field on chunks the provider's ParseChunk hook
// left blank. Returns an error if w does not support flushing — SSE
// requires incremental delivery, which Go's http.ResponseWriter only
// supports via the optional http.Flusher interface.
func NewWriter(w http.ResponseWriter, requestModel string) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	// These headers must be set before any Write/Flush call — once the
	// body starts, headers are locked in.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher, fallbackModel: requestModel}, nil
}

// Write satisfies corestream.ConsumerFunc. It formats chunk as one SSE
// event and flushes it immediately so the client sees tokens in real
// time. On the terminal chunk (FinishReason set), it also emits the
// "[DONE]" sentinel OpenAI-compatible clients look for.
func (sw *Writer) Write(chunk corestream.Chunk) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return nil
	}

	id := chunk.ID
	if id == "" {
		id = sw.fallbackID
	} else {
		sw.fallbackID = id
	}
	model := chunk.Model
	if model == "" {
		model = sw.fallbackModel
	}

	event := sseChunk{
		ID:     id,
		Object: "chat.completion.chunk",
		Model:  model,
		Choices: []sseChoice{
			{Index: 0, Delta: sseDelta{Content: chunk.Content}},
		},
	}

	if chunk.FinishReason != "" {
		reason := chunk.FinishReason
		event.Choices[0].FinishReason = &reason
		if usage, ok := chunk.Metadata["usage"].(provider.Usage); ok {
			event.Usage = &sseUsage{
				PromptTokens:     usage.PromptTokens,
				CompletionTokens: usage.CompletionTokens,
				TotalTokens:      usage.TotalTokens,
			}
		}
	}

	if err := sw.writeEvent(event); err != nil {
		return err
	}

	if chunk.FinishReason != "" {
		return sw.closeLocked()
	}
	return nil
}

// writeEvent serializes and flushes one SSE data line. Caller holds sw.mu.
func (sw *Writer) writeEvent(event sseChunk) error {
	jsonBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling SSE chunk: %w", err)
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", jsonBytes); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// closeLocked sends the "[DONE]" sentinel and marks the writer closed so
// later Write calls (e.g. an error chunk arriving after an already-closed
// terminal chunk) are silently dropped instead of corrupting the stream.
// Caller holds sw.mu.
func (sw *Writer) closeLocked() error {
	if sw.closed {
		return nil
	}
	sw.closed = true
	if _, err := fmt.Fprintf(sw.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	sw.flusher.Flush()
	return nil
}
