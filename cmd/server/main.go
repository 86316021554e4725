package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatstack/internal/api"
	"chatstack/internal/chunker"
	"chatstack/internal/config"
	"chatstack/internal/core"
	"chatstack/internal/extract"
	"chatstack/internal/index"
	"chatstack/internal/llm"
	"chatstack/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	tuningPath := flag.String("tuning", "tuning.yaml", "Optional YAML file with RAG/chat tunables")
	ingestPath := flag.String("ingest", "", "Chunk and print a local document, then exit (sanity check for extraction)")
	flag.Parse()

	cfg, err := config.Load(*tuningPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if *ingestPath != "" {
		ingestAndExit(*ingestPath, cfg.Tuning.ChunkSize)
	}

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer dbStore.Close()

	client := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, time.Duration(cfg.Tuning.CallTimeoutSeconds)*time.Second)

	embedder := index.NewByteEmbedder(cfg.Tuning.EmbeddingDim)
	docService := core.NewDocumentService(embedder, cfg.Tuning.ChunkSize, log.Logger)

	assembler := core.NewAssembler(cfg.Tuning.HistoryWindow, cfg.Tuning.ContextCharLimit)
	chatService := core.NewChatService(dbStore, docService, client, assembler, core.Options{
		Model:       cfg.Model,
		MaxTokens:   cfg.Tuning.MaxTokens,
		TopK:        cfg.Tuning.TopK,
		CallTimeout: time.Duration(cfg.Tuning.CallTimeoutSeconds) * time.Second,
	}, log.Logger)

	apiHandler := api.NewAPIHandler(chatService, cfg.JWTSecret, log.Logger)
	router := api.NewRouter(apiHandler, log.Logger)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Duration(cfg.Tuning.CallTimeoutSeconds)*time.Second + 30*time.Second, // streamed model calls take a while
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}

// ingestAndExit extracts and chunks one local file so operators can inspect
// what retrieval would see for a given document.
func ingestAndExit(path string, chunkSize int) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to read document")
	}
	text, err := extract.Text(path, data)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to extract document")
	}
	chunks := chunker.Split(text, chunkSize)
	for i, chunk := range chunks {
		preview := chunk
		if len(preview) > 80 {
			preview = preview[:80] + "..."
		}
		log.Info().Int("chunk", i).Int("bytes", len(chunk)).Str("preview", preview).Msg("chunked")
	}
	log.Info().Int("chunks", len(chunks)).Msg("extraction complete")
	os.Exit(0)
}
