// Package main is the entry point for the llmstreamd demo gateway: it
// wires config, the provider registry, the coordinator/engine/recovery
// pipeline, and the metrics collector into an HTTP server.
package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamwerks/llmstream/internal/config"
	"github.com/streamwerks/llmstream/internal/coordinator"
	"github.com/streamwerks/llmstream/internal/engine"
	"github.com/streamwerks/llmstream/internal/metrics"
	"github.com/streamwerks/llmstream/internal/provider"
	"github.com/streamwerks/llmstream/internal/recovery"
	"github.com/streamwerks/llmstream/internal/server"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Build the provider registry: a map from model name -> Provider.
	// constructors maps provider names (from config) to the
	// factory function that creates them, avoiding a big if/else chain
	// when a new provider is added.
	type providerFactory func(apiKey, baseURL string) provider.Provider

	constructors := map[string]providerFactory{
		"google": func(apiKey, baseURL string) provider.Provider {
			return provider.NewGoogleProvider(apiKey, baseURL, http.DefaultClient)
		},
		"anthropic": func(apiKey, baseURL string) provider.Provider {
			return provider.NewAnthropicProvider(apiKey, baseURL, http.DefaultClient)
		},
	}

	models := make(map[string]provider.Provider)
	for name, provCfg := range cfg.Providers {
		factory, ok := constructors[name]
		if !ok {
			log.Fatalf("unknown provider in config: %q", name)
		}

		p := factory(provCfg.APIKey, provCfg.BaseURL)

		for _, model := range provCfg.Models {
			models[model] = p
			log.Printf("registered model %q -> provider %q", model, name)
		}
	}

	// Recovery manager backs StreamRecovery (spec.md §4.6); one manager
	// is shared by every coordinator-driven stream regardless of which
	// provider or preset it runs under.
	recoveryCfg := recovery.DefaultConfig()
	if cfg.Recovery.MaxRetries != 0 {
		recoveryCfg.MaxRetries = cfg.Recovery.MaxRetries
	}
	if cfg.Recovery.InitialBackoff != 0 {
		recoveryCfg.InitialBackoff = cfg.Recovery.InitialBackoff
	}
	if cfg.Recovery.MaxBackoff != 0 {
		recoveryCfg.MaxBackoff = cfg.Recovery.MaxBackoff
	}
	if cfg.Recovery.Multiplier != 0 {
		recoveryCfg.Multiplier = cfg.Recovery.Multiplier
	}
	if cfg.Recovery.JitterFraction != 0 {
		recoveryCfg.JitterFraction = cfg.Recovery.JitterFraction
	}
	if cfg.Recovery.CheckpointIntervalChunks != 0 {
		recoveryCfg.CheckpointIntervalChunks = cfg.Recovery.CheckpointIntervalChunks
	}
	if cfg.Recovery.DedupWindow != 0 {
		recoveryCfg.DedupWindow = cfg.Recovery.DedupWindow
	}
	if cfg.Recovery.GracePeriod != 0 {
		recoveryCfg.GracePeriod = cfg.Recovery.GracePeriod
	}
	recoveryMgr := recovery.NewManager(recoveryCfg)
	defer recoveryMgr.Close()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	coord := coordinator.New(http.DefaultClient, recoveryMgr)
	eng := engine.New(coord, recoveryMgr)

	srv := server.New(cfg, models, eng, collector, reg)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("llmstreamd listening on :%d", cfg.Server.Port)

	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
