// Package provider defines the Provider interface and per-backend LLM
// adapters (Google Gemini, Anthropic Messages). Every adapter translates
// the unified ChatRequest/ChatResponse shape into its backend's wire
// format and supplies the two hooks the streaming engine needs to drive
// a stream without knowing anything about a specific provider:
// StreamRequest (how to build the HTTP request) and ParseChunk (how to
// turn one SSE data payload into a corestream.Chunk).
//
// This is the "out-of-scope component that supplies parse_chunk_fn,
// auth headers, and endpoint URL per provider" named in spec.md §13 —
// the rest of the pipeline (sse, coordinator, engine) is provider-blind.
package provider

import (
	"context"

	"github.com/streamwerks/llmstream/internal/corestream"
)

// Provider is the interface every LLM backend adapter satisfies.
type Provider interface {
	// Name returns the provider identifier, e.g. "google" or "anthropic".
	// Used for logging, metrics labels, and the X-LLMStream-Provider header.
	Name() string

	// ChatCompletion sends a request and returns the complete response.
	// This is the non-streaming path (when the client sends stream: false).
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamRequest builds the HTTP call for the streaming path: the
	// endpoint URL, the serialized request body, and any extra headers
	// (auth, API version) the backend requires. The coordinator owns
	// issuing the request and reading the response.
	StreamRequest(req *ChatRequest) (url string, body []byte, headers map[string]string, err error)

	// ParseChunk turns one SSE event's data payload into a canonical
	// Chunk (spec.md §6.1's parse_chunk_fn hook). Must be pure and fast:
	// no I/O, no blocking, never panics.
	ParseChunk(data string) corestream.ParseResult
}

// ---------------------------------------------------------------------------
// Unified request types
// ---------------------------------------------------------------------------

// ChatRequest is the internal representation of a chat completion request.
// The HTTP handler parses the incoming OpenAI-format JSON into this struct,
// and provider adapters translate it into their backend-specific format.
type ChatRequest struct {
	Model     string    `json:"model"`      // e.g. "gemini-2.0-flash", "claude-haiku-4-5-20251001"
	Messages  []Message `json:"messages"`   // the conversation history
	Stream    bool      `json:"stream"`     // true = SSE streaming
	MaxTokens int       `json:"max_tokens"` // max tokens in the response
}

// Message is a single message in the conversation. This matches the OpenAI
// format, which uses role + content pairs. Google and Anthropic use different
// structures (Google has "parts", Anthropic separates "system"), so each
// adapter translates from this common format.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // the message text
}

// ---------------------------------------------------------------------------
// Unified response types
// ---------------------------------------------------------------------------

// ChatResponse is the internal representation of a complete (non-streaming)
// chat completion response.
type ChatResponse struct {
	ID      string // unique response ID from the provider
	Model   string // the model that actually generated the response
	Content string // the generated text
	Usage   Usage  // token counts for cost tracking and metrics
}

// Usage holds token count information. Every provider returns this in some
// form — we normalize it here.
type Usage struct {
	PromptTokens     int // tokens in the input (our request)
	CompletionTokens int // tokens in the output (model's response)
	TotalTokens      int // sum of the above
}
