package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/streamwerks/llmstream/internal/corestream"
	"github.com/streamwerks/llmstream/internal/engine"
	"github.com/streamwerks/llmstream/internal/provider"
	"github.com/streamwerks/llmstream/internal/stream"
)

// resolveProvider looks up the Provider for a given model name using the
// model-to-provider registry built from config at startup.
func (s *Server) resolveProvider(model string) (provider.Provider, error) {
	p, ok := s.models[model]
	if !ok {
		return nil, fmt.Errorf("unknown model: %q", model)
	}
	return p, nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// handleHealth responds with a simple JSON liveness status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleChatCompletions handles POST /v1/chat/completions. It decodes
// the request, resolves the provider from the model name, and
// dispatches to either the streaming or non-streaming path.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	p, err := s.resolveProvider(req.Model)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("X-LLMStream-Provider", p.Name())
	w.Header().Set("X-LLMStream-Model", req.Model)

	if req.Stream {
		s.handleStreamingChatCompletion(w, r, p, &req)
		return
	}

	resp, err := p.ChatCompletion(r.Context(), &req)
	if err != nil {
		log.Printf("provider error: %v", err)
		writeJSONError(w, http.StatusBadGateway, "provider error: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleStreamingChatCompletion runs the engine pipeline for one
// streaming request: it asks the provider how to make the HTTP call
// (StreamRequest), hands the provider's ParseChunk hook and the
// request's engine.Options to the engine, and wires a stream.Writer in
// as the consumer so each parsed chunk goes straight out over SSE.
func (s *Server) handleStreamingChatCompletion(w http.ResponseWriter, r *http.Request, p provider.Provider, req *provider.ChatRequest) {
	url, body, headers, err := p.StreamRequest(req)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "provider error: "+err.Error())
		return
	}

	sw, err := stream.NewWriter(w, req.Model)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	providerName := p.Name()
	opts := engine.Config(engine.Preset(s.cfg.Engine.Preset), engine.Options{
		ParseChunk:            p.ParseChunk,
		Provider:              providerName,
		BufferCapacity:        s.cfg.Engine.BufferCapacity,
		BackpressureThreshold: s.cfg.Engine.BackpressureThreshold,
		RateLimit:             s.cfg.Engine.RateLimit,
		EnableBatching:        s.cfg.Engine.EnableBatching,
		BatchSize:             s.cfg.Engine.BatchSize,
		StreamRecovery:        s.cfg.Engine.StreamRecovery,
		TrackDetailedMetrics:  s.cfg.Engine.TrackDetailedMetrics,
		OnMetrics: func(snap corestream.Snapshot) {
			if s.metrics != nil {
				s.metrics.RecordSnapshot(providerName, snap.StreamID, snap)
			}
		},
	})

	// engine.StartStream returns as soon as the pipeline goroutine is
	// launched; the handler must stay alive until the response is
	// fully written, so wrap the consumer to signal doneCh on the
	// terminal chunk instead of returning immediately.
	var once sync.Once
	doneCh := make(chan struct{})
	consumer := func(c corestream.Chunk) error {
		err := sw.Write(c)
		if corestream.IsTerminal(c.FinishReason) {
			once.Do(func() { close(doneCh) })
		}
		return err
	}

	if _, err := s.engine.StartStream(r.Context(), url, body, headers, consumer, opts); err != nil {
		log.Printf("engine start stream error: %v", err)
		writeJSONError(w, http.StatusBadGateway, "stream error: "+err.Error())
		return
	}

	select {
	case <-doneCh:
	case <-r.Context().Done():
	}
}

// handleGetStream handles GET /v1/streams/{id}, a thin REST wrapper
// around engine.GetStreamStatus.
func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.engine.GetStreamStatus(id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":       status.ID,
		"provider": status.Provider,
		"state":    status.State,
		"metrics":  status.Metrics,
	})
}

// handleCancelStream handles DELETE /v1/streams/{id}, a thin REST
// wrapper around engine.CancelStream.
func (s *Server) handleCancelStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.CancelStream(id); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListStreams handles GET /v1/streams, a thin REST wrapper
// around engine.ListStreams.
func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"streams": s.engine.ListStreams()})
}
