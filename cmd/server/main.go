package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"edustack.com/course-assistant/internal/api"
	"edustack.com/course-assistant/internal/config"
	"edustack.com/course-assistant/internal/core"
	"edustack.com/course-assistant/internal/llm"
	"edustack.com/course-assistant/internal/store"
)

func main() {
	// Load configuration
	config.LoadConfig()
	logger := newLogger(config.AppConfig.LogLevel)
	slog.SetDefault(logger)

	// Command line flags for one-shot course indexing
	indexFlag := flag.String("index", "", "Index the given file into the knowledge base and exit")
	courseFlag := flag.String("course", "", "Course id to index the file under (with -index)")
	flag.Parse()

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	// Initialize upstream LLM client
	llmClient, err := llm.NewClient(llm.Config{
		BaseURL:        config.AppConfig.OpenAIBaseURL,
		APIKey:         config.AppConfig.OpenAIAPIKey,
		ChatModel:      config.AppConfig.ChatModel,
		EmbeddingModel: config.AppConfig.EmbeddingModel,
		MaxRetries:     config.AppConfig.MaxRetries,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	knowledgeService := core.NewKnowledgeService(dbStore, llmClient, logger)

	// Handle one-shot indexing if requested
	if *indexFlag != "" {
		if *courseFlag == "" {
			log.Fatal("-course is required with -index")
		}
		content, err := os.ReadFile(*indexFlag)
		if err != nil {
			log.Fatalf("Failed to read %s: %v", *indexFlag, err)
		}
		result, err := knowledgeService.IndexCourseContent(
			context.Background(), *courseFlag, string(content), filepath.Base(*indexFlag))
		if err != nil {
			log.Fatalf("Indexing failed: %v", err)
		}
		logger.Info("indexing complete", "file", *indexFlag, "course", *courseFlag,
			"chunksCreated", result.ChunksCreated)
		return
	}

	// Initialize chat service and HTTP layer
	chatService := core.NewChatService(dbStore, knowledgeService, llmClient, core.NewHistoryCache(), logger)
	apiHandler := api.NewAPIHandler(chatService, knowledgeService, logger)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second, // Adjusted for potentially slower LLM handshakes
		WriteTimeout: 60 * time.Second, // LLM calls can take time
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("starting server", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	// Give active connections time to finish.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	logger.Info("server exited gracefully")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
