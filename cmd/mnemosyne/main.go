package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antoniostano/mnemosyne/internal/companion"
	"github.com/antoniostano/mnemosyne/internal/config"
	"github.com/antoniostano/mnemosyne/internal/httpapi"
	"github.com/antoniostano/mnemosyne/internal/llm"
	"github.com/antoniostano/mnemosyne/internal/memory"
	"github.com/antoniostano/mnemosyne/internal/observability"
	"github.com/antoniostano/mnemosyne/internal/skills"
	"github.com/antoniostano/mnemosyne/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	st, err := store.NewStore(ctx, store.Options{
		DatabaseURL:  cfg.DatabaseURL,
		DataDir:      cfg.DataDir,
		EmbeddingDim: cfg.EmbeddingDim,
	})
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer st.Close()
	if cfg.DatabaseURL != "" {
		log.Printf("store: postgres")
	} else {
		log.Printf("store: embedded (%s)", cfg.DataDir)
	}

	var embedder memory.Embedder
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		embedder = llm.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIEmbeddingModel, cfg.EmbeddingDim)
		log.Printf("embedder: openai (%s)", cfg.OpenAIEmbeddingModel)
	} else {
		embedder = llm.NewMockEmbedder(cfg.EmbeddingDim)
		log.Printf("embedder: mock (OPENAI_API_KEY not set)")
	}
	cached, err := llm.NewCachedEmbedder(embedder, int64(cfg.EmbeddingCacheBytes))
	if err != nil {
		log.Fatalf("embedding cache init failed: %v", err)
	}

	var client llm.Client
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		client = llm.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicModel, int64(cfg.AnthropicMaxTokens))
		log.Printf("model: anthropic (%s)", cfg.AnthropicModel)
	} else {
		client = llm.MockClient{}
		log.Printf("model: mock (ANTHROPIC_API_KEY not set)")
	}

	mem, err := memory.NewManager(memory.Config{
		TriggerThreshold:     cfg.MemoryTriggerThreshold,
		KeepMin:              cfg.MemoryKeepMin,
		MaxSummaries:         cfg.MemoryMaxSummaries,
		RetrievalTopK:        cfg.RetrievalTopK,
		RetrievalOverscan:    cfg.RetrievalOverscan,
		VerboseAssistantText: cfg.VerboseAssistantText,
		PersonaID:            cfg.PersonaID,
		UserID:               cfg.UserID,
	}, st, cached, llm.NewSummarizer(client), llm.NewArtifactUpdater(client), llm.KeywordReranker{})
	if err != nil {
		log.Fatalf("memory manager init failed: %v", err)
	}

	hub := companion.NewHub(mem, client, metrics, cfg.SessionInactivityTimeout)

	registry := skills.NewRegistry()
	err = registry.Register(skills.NewRecallMemory(func(ctx context.Context, query string) ([]memory.SearchHit, error) {
		view, err := hub.Recall(ctx, query)
		if err != nil {
			return nil, err
		}
		return view.Recalled, nil
	}))
	if err != nil {
		log.Fatalf("skill registration failed: %v", err)
	}

	api := httpapi.New(cfg, hub, registry, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	hub.StartJanitor(runCtx, cfg.JanitorInterval)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	// Fold and persona-evolve whatever session is still open before exit.
	if hub.SessionActive() {
		if err := hub.CloseSession(shutdownCtx); err != nil {
			log.Printf("closing session on shutdown: %v", err)
		}
	}

	log.Printf("shutdown complete")
}
