package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/streamwerks/llmstream/internal/corestream"
)

// ---------------------------------------------------------------------------
// GoogleProvider struct + constructor
// ---------------------------------------------------------------------------

// GoogleProvider implements the Provider interface for Google's Gemini API.
// It translates our unified ChatRequest into Gemini's format, makes the
// HTTP call, and translates the response back.
type GoogleProvider struct {
	apiKey  string       // Gemini API key (sent as a query parameter, not a header)
	baseURL string       // e.g. "https://generativelanguage.googleapis.com/v1beta"
	client  *http.Client // reusable HTTP client for the non-streaming path
}

// NewGoogleProvider creates a GoogleProvider ready to make API calls.
func NewGoogleProvider(apiKey, baseURL string, client *http.Client) *GoogleProvider {
	return &GoogleProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
	}
}

// Name returns the provider identifier.
func (g *GoogleProvider) Name() string {
	return "google"
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported — only this file uses them)
// ---------------------------------------------------------------------------

// --- Request types ---

// geminiRequest is the top-level request body for Gemini's generateContent.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent represents one message in the conversation. Gemini uses
// "parts" (an array) because it supports multimodal input; for text-only
// we always send a single part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiPart is one piece of content within a message.
type geminiPart struct {
	Text string `json:"text"`
}

// geminiGenerationConfig holds generation parameters.
type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

// --- Response types ---

// geminiResponse is the top-level response from generateContent, and also
// the shape of every streamGenerateContent SSE data payload — Gemini sends
// the same struct for both, just scoped to one candidate's worth of delta
// in the streaming case.
type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

// geminiCandidate is one generated response. Gemini can return multiple
// candidates; we only use the first one.
type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

// geminiUsageMetadata holds token counts from the Gemini response.
type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toGeminiRequest translates our unified ChatRequest into Gemini's format:
// system messages move into systemInstruction, messages become
// contents/parts, and max_tokens becomes maxOutputTokens.
func toGeminiRequest(req *ChatRequest) *geminiRequest {
	gr := &geminiRequest{}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{
					Parts: []geminiPart{{Text: msg.Content}},
				}
			} else {
				gr.SystemInstruction.Parts = append(
					gr.SystemInstruction.Parts,
					geminiPart{Text: msg.Content},
				)
			}
			continue
		}

		role := msg.Role
		if role == "assistant" {
			role = "model" // OpenAI uses "assistant", Gemini uses "model"
		}

		gr.Contents = append(gr.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}

	if req.MaxTokens > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
		}
	}

	return gr
}

// ---------------------------------------------------------------------------
// Non-streaming: ChatCompletion
// ---------------------------------------------------------------------------

// ChatCompletion sends a non-streaming request to Gemini's generateContent
// endpoint and returns the complete response.
func (g *GoogleProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	geminiReq := toGeminiRequest(req)

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	// The Gemini endpoint pattern is {baseURL}/models/{model}:generateContent.
	// The API key goes as a query parameter, unlike most APIs' auth headers.
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		g.baseURL, req.Model, g.apiKey,
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to gemini: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("gemini API error (status %d): %v",
			httpResp.StatusCode, errBody,
		)
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&geminiResp); err != nil {
		return nil, fmt.Errorf("decoding gemini response: %w", err)
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	candidate := geminiResp.Candidates[0]

	resp := &ChatResponse{
		Model:   req.Model,
		Content: candidate.Content.Parts[0].Text,
	}

	if geminiResp.UsageMetadata != nil {
		resp.Usage = Usage{
			PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      geminiResp.UsageMetadata.TotalTokenCount,
		}
	}

	return resp, nil
}

// ---------------------------------------------------------------------------
// Streaming hooks: StreamRequest + ParseChunk
// ---------------------------------------------------------------------------

// StreamRequest builds the call to Gemini's streamGenerateContent endpoint.
// The coordinator owns issuing it and reading the SSE response body — this
// adapter only describes what to send.
func (g *GoogleProvider) StreamRequest(req *ChatRequest) (string, []byte, map[string]string, error) {
	geminiReq := toGeminiRequest(req)

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return "", nil, nil, fmt.Errorf("marshaling request: %w", err)
	}

	// ?alt=sse tells Gemini to return Server-Sent Events instead of a
	// single JSON blob; the endpoint path itself also differs from the
	// non-streaming generateContent call.
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		g.baseURL, req.Model, g.apiKey,
	)

	return url, body, nil, nil
}

// ParseChunk decodes one streamGenerateContent SSE data payload. Gemini
// sends the same geminiResponse shape for every event — the only
// difference from the non-streaming response is that each event carries
// just one slice of generated text.
func (g *GoogleProvider) ParseChunk(data string) corestream.ParseResult {
	var geminiResp geminiResponse
	if err := json.Unmarshal([]byte(data), &geminiResp); err != nil {
		return corestream.ErrResult(fmt.Errorf("decoding gemini stream event: %w", err))
	}

	if len(geminiResp.Candidates) == 0 {
		return corestream.DoneResult()
	}
	candidate := geminiResp.Candidates[0]

	var delta string
	if len(candidate.Content.Parts) > 0 {
		delta = candidate.Content.Parts[0].Text
	}

	// Gemini stream events carry no model name (the non-streaming
	// response doesn't either; ChatCompletion fills Model from the
	// request), so Model is left empty here.
	chunk := corestream.Chunk{
		Content: delta,
	}

	// An empty finishReason means more chunks are coming; Gemini sets it
	// to "STOP" (or "MAX_TOKENS" etc.) on the last candidate only.
	if candidate.FinishReason != "" {
		chunk.FinishReason = mapGeminiFinishReason(candidate.FinishReason)
		if geminiResp.UsageMetadata != nil {
			chunk.Metadata = map[string]any{
				"usage": Usage{
					PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
					CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
					TotalTokens:      geminiResp.UsageMetadata.TotalTokenCount,
				},
			}
		}
	}

	return corestream.Ok(chunk)
}

func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return corestream.FinishStop
	case "MAX_TOKENS":
		return corestream.FinishLength
	default:
		return corestream.FinishStop
	}
}
