package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/streamwerks/llmstream/internal/corestream"
)

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider implements the Provider interface for Anthropic's
// Messages API. Same pattern as GoogleProvider: translate our unified
// ChatRequest into Anthropic's format, make the HTTP call, translate back.
type AnthropicProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.anthropic.com/v1"
	client  *http.Client
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
func NewAnthropicProvider(apiKey, baseURL string, client *http.Client) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
	}
}

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// --- Request types ---

// anthropicRequest is the top-level request body for Anthropic's
// /v1/messages endpoint.
type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

// anthropicMessage is one message in the conversation — a flat role +
// content shape, same as OpenAI's format.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// --- Response types ---

// anthropicResponse is the top-level response from Anthropic's /v1/messages.
type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// anthropicContentBlock is one piece of the response. Anthropic returns an
// array because responses can mix text and tool_use blocks.
type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// anthropicUsage holds token counts, named differently from Gemini's
// (input_tokens/output_tokens vs promptTokenCount/candidatesTokenCount) —
// exactly why we have our own unified Usage type.
type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Streaming event types ---
//
// Anthropic's streaming format sends NAMED events, each with a different
// JSON payload shape:
//
//	message_start         → response ID, model, input token count
//	content_block_delta   → a text fragment (the actual tokens)
//	message_delta         → stop_reason and output token count
//	message_stop          → signals the stream is done (empty payload)
//
// Every payload carries its own "type" field matching the event name, so
// ParseChunk (which only sees the data line, not the event: line) can
// still dispatch correctly by decoding into one wrapper struct first.

// anthropicStreamEvent is a lightweight wrapper for initial decoding: we
// unmarshal into this just to read "type", then decide how to handle the
// rest based on that.
type anthropicStreamEvent struct {
	Type    string                 `json:"type"`
	Message *anthropicEventMessage `json:"message,omitempty"` // present on message_start
	Delta   *anthropicEventDelta   `json:"delta,omitempty"`   // present on content_block_delta AND message_delta
	Usage   *anthropicUsage        `json:"usage,omitempty"`   // present on message_delta (output tokens)
}

// anthropicEventMessage is the "message" object inside a message_start
// event: response metadata plus the input token count (output tokens are
// 0 here — the model hasn't generated anything yet).
type anthropicEventMessage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

// anthropicEventDelta carries different data depending on the event type:
// content_block_delta sets Type/Text; message_delta sets StopReason.
type anthropicEventDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// anthropicAPIVersion pins the Anthropic API behavior via a required header.
const anthropicAPIVersion = "2023-06-01"

// defaultMaxTokens is used when the caller doesn't specify max_tokens —
// Anthropic requires this field, so we need a fallback.
const defaultMaxTokens = 1024

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toAnthropicRequest translates our unified ChatRequest into Anthropic's
// format: system messages move into the top-level "system" string, the
// rest map directly, and max_tokens gets a default if unset.
func toAnthropicRequest(req *ChatRequest) *anthropicRequest {
	ar := &anthropicRequest{
		Model: req.Model,
	}

	var systemParts []string

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.Content)
			continue
		}

		// No role mapping needed — Anthropic uses "user"/"assistant" just
		// like our unified format.
		ar.Messages = append(ar.Messages, anthropicMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	if len(systemParts) > 0 {
		ar.System = strings.Join(systemParts, "\n")
	}

	if req.MaxTokens > 0 {
		ar.MaxTokens = req.MaxTokens
	} else {
		ar.MaxTokens = defaultMaxTokens
	}

	return ar
}

// ---------------------------------------------------------------------------
// Non-streaming: ChatCompletion
// ---------------------------------------------------------------------------

// ChatCompletion sends a non-streaming request to Anthropic's /v1/messages
// endpoint and returns the complete response.
func (a *AnthropicProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	anthropicReq := toAnthropicRequest(req)

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/messages", a.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to anthropic: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("anthropic API error (status %d): %v",
			httpResp.StatusCode, errBody,
		)
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthropicResp); err != nil {
		return nil, fmt.Errorf("decoding anthropic response: %w", err)
	}

	// Anthropic returns content as an array of blocks; for a simple chat
	// completion (no tool use) content[0] is always type "text", but we
	// loop to be safe in case blocks are ever reordered.
	var text string
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	return &ChatResponse{
		ID:      anthropicResp.ID,
		Model:   anthropicResp.Model,
		Content: text,
		Usage: Usage{
			PromptTokens:     anthropicResp.Usage.InputTokens,
			CompletionTokens: anthropicResp.Usage.OutputTokens,
			TotalTokens:      anthropicResp.Usage.InputTokens + anthropicResp.Usage.OutputTokens,
		},
	}, nil
}

// ---------------------------------------------------------------------------
// Streaming hooks: StreamRequest + ParseChunk
// ---------------------------------------------------------------------------

// StreamRequest builds the call to Anthropic's /v1/messages endpoint with
// stream: true set in the body. Unlike Gemini, Anthropic reuses the same
// URL for both streaming and non-streaming — the body field is what
// switches the mode.
func (a *AnthropicProvider) StreamRequest(req *ChatRequest) (string, []byte, map[string]string, error) {
	anthropicReq := toAnthropicRequest(req)
	anthropicReq.Stream = true

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return "", nil, nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/messages", a.baseURL)
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicAPIVersion,
	}

	return url, body, headers, nil
}

// ParseChunk decodes one Anthropic SSE data payload. Every event type
// carries its own "type" field, so this dispatches purely on the decoded
// JSON without needing the event: line.
//
// Anthropic spreads response metadata across several events rather than
// repeating it on each one (unlike Gemini). message_start yields a chunk
// with empty content carrying the response ID and model,
// content_block_delta events yield just the text fragment, message_delta
// is ignored, and message_stop yields the terminal stop chunk. Nothing
// here accumulates state across ParseChunk calls — that would violate
// the "pure function" hook contract (spec.md §6.1) — so no streamed
// chunk carries token usage; usage is only available from the
// non-streaming ChatCompletion path. See DESIGN.md's internal/provider
// section for why per-chunk hooks can't carry cross-event accumulation.
func (a *AnthropicProvider) ParseChunk(data string) corestream.ParseResult {
	var event anthropicStreamEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return corestream.ErrResult(fmt.Errorf("decoding anthropic stream event: %w", err))
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta == nil {
			return corestream.DoneResult()
		}
		return corestream.Ok(corestream.Chunk{Content: event.Delta.Text})

	case "message_start":
		if event.Message != nil {
			return corestream.Ok(corestream.Chunk{
				Model: event.Message.Model,
				ID:    event.Message.ID,
			})
		}
		return corestream.DoneResult()

	case "message_delta":
		// Carries stop_reason and output token count, but message_stop
		// (immediately following) is what actually ends the stream —
		// treat this one as informational only to avoid emitting two
		// terminal chunks.
		return corestream.DoneResult()

	case "message_stop":
		return corestream.Ok(corestream.Chunk{FinishReason: corestream.FinishStop})

	default:
		// content_block_start, content_block_stop, ping: no data we need.
		return corestream.DoneResult()
	}
}
