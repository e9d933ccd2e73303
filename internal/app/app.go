package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"litingest/internal/acquire"
	"litingest/internal/citation"
	"litingest/internal/config"
	"litingest/internal/decompose"
	"litingest/internal/embedding"
	"litingest/internal/ingest"
	"litingest/internal/interpret"
	"litingest/internal/models"
	"litingest/internal/objectstore"
	"litingest/internal/providers"
	"litingest/internal/registry"
)

// Components is the assembled ingestion stack for one process.
type Components struct {
	Config      config.Config
	Registry    *registry.Client
	Acquirer    *acquire.Acquirer
	Decomposer  *decompose.Decomposer
	Interpreter *interpret.Interpreter
	Engine      *embedding.Engine
	Walker      *citation.Walker
	Providers   *providers.Manager
	Pipeline    *ingest.Pipeline
}

// Build wires every component from cfg. store may be nil for commands that never
// persist; recorder, when set, receives one record per model call.
func Build(ctx context.Context, cfg config.Config, store ingest.Store, recorder providers.CallRecorder, logger *slog.Logger) (*Components, error) {
	pm, err := providers.NewManager(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}
	if recorder != nil {
		pm.SetRecorder(recorder)
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.HTTPTimeoutSecs) * time.Second}
	pacer := registry.NewPacer(cfg.RegistryRatePerSec, cfg.RegistryBurst)
	reg := registry.New(registry.Options{
		NCBIAPIKey:      cfg.NCBIAPIKey,
		ContactEmail:    cfg.ContactEmail,
		Retries:         cfg.FetchRetries,
		CitedByPageSize: cfg.CitedByPageSize,
		HTTPClient:      httpClient,
		Pacer:           pacer,
		Logger:          logger,
	})

	objects, err := objectstore.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	acq := acquire.New(acquire.Options{Pacer: pacer, Store: objects, Logger: logger, UserAgent: userAgent(cfg.ContactEmail)})

	extractor, err := decompose.NewExtractor(cfg.TextExtractor)
	if err != nil {
		return nil, err
	}
	var layout decompose.LayoutClient
	if cfg.LayoutURL != "" {
		layout = decompose.NewHTTPLayout(cfg.LayoutURL, 5*time.Minute)
	}
	dec := decompose.New(decompose.Options{Extractor: extractor, Layout: layout, Zoom: cfg.LayoutZoom, Logger: logger})

	prompts := interpret.DefaultPrompts()
	if cfg.PromptsFile != "" {
		if prompts, err = interpret.LoadPrompts(cfg.PromptsFile); err != nil {
			return nil, err
		}
	}
	if cfg.CaptionMaxTokens > 0 {
		prompts.MaxTokens = cfg.CaptionMaxTokens
	}
	interp := interpret.New(pm, prompts, logger)

	auto, threshold, err := embedding.ParseThreshold(cfg.ChunkThreshold)
	if err != nil {
		return nil, err
	}
	engine := embedding.New(embedding.Options{
		Text:      pm,
		Image:     pm,
		Dimension: cfg.EmbedDim,
		Chunker:   embedding.ChunkerConfig{Auto: auto, Threshold: threshold, MinSentences: cfg.ChunkMinSentences, MaxTokens: cfg.ChunkMaxTokens},
		Logger:    logger,
	})

	kinds, err := models.ParseEdgeKinds(config.List(cfg.EdgeKinds))
	if err != nil {
		return nil, err
	}
	walker := citation.New(reg, citation.Options{Kinds: kinds, MaxCitedByPages: cfg.CitedByMaxPages, Logger: logger})

	opts := ingest.Options{
		Resolver:   reg,
		Downloader: acq,
		Decomposer: dec,
		Captioner:  interp,
		Embedder:   engine,
		Walker:     walker,
		Store:      store,
		PDFDir:     cfg.PDFDir,
		Logger:     logger,
	}
	return &Components{
		Config:      cfg,
		Registry:    reg,
		Acquirer:    acq,
		Decomposer:  dec,
		Interpreter: interp,
		Engine:      engine,
		Walker:      walker,
		Providers:   pm,
		Pipeline:    ingest.NewPipeline(opts),
	}, nil
}

func userAgent(email string) string {
	if strings.TrimSpace(email) == "" {
		return "litingest/1.0"
	}
	return "litingest/1.0 (mailto:" + email + ")"
}
