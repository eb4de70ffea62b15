package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/invoice-ingest/internal/canonical"
	"github.com/zombor/invoice-ingest/internal/classify"
	"github.com/zombor/invoice-ingest/internal/config"
	"github.com/zombor/invoice-ingest/internal/dedup"
	"github.com/zombor/invoice-ingest/internal/document"
	"github.com/zombor/invoice-ingest/internal/pipeline"
	"github.com/zombor/invoice-ingest/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("invoice-ingest")
	var (
		port         = fs.IntLong("port", 8080, "HTTP server port")
		dbPath       = fs.StringLong("db", "invoice-ingest.db", "Database file path")
		storagePath  = fs.StringLong("storage", "./data", "Storage directory for page images and artifacts")
		engineList   = fs.StringLong("engines", "tesseract,gemini", "OCR engines in fallback order: tesseract, gemini, ollama")
		tessLang     = fs.StringLong("tesseract-lang", "", "Tesseract language (overrides the tunables file)")
		geminiKey    = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel  = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL    = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel  = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		authUser     = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass     = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		tunablesPath = fs.StringLong("tunables", "", "YAML file of thresholds and weights (optional)")
		showVersion  = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_INGEST"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	tunables, err := config.Load(*tunablesPath)
	if err != nil {
		slog.Error("Failed to load tunables", "error", err)
		os.Exit(1)
	}
	if *tessLang != "" {
		tunables.OCR.Language = *tessLang
	}

	slog.Info("Initializing database...")
	db, err := document.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	slog.Info("Initializing storage...")
	store, err := document.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	var engines []scanning.Engine
	for _, name := range strings.Split(*engineList, ",") {
		switch strings.TrimSpace(name) {
		case "":
			continue
		case "tesseract":
			slog.Info("Initializing Tesseract engine...", "language", tunables.OCR.Language)
			engines = append(engines, scanning.NewTesseract(tunables.OCR.Language))
		case "gemini":
			apiKey := *geminiKey
			if apiKey == "" {
				apiKey = os.Getenv("GEMINI_API_KEY")
			}
			if apiKey == "" {
				slog.Warn("Skipping Gemini engine: set --gemini-key or GEMINI_API_KEY to enable it")
				continue
			}
			slog.Info("Initializing Gemini engine...", "model", *geminiModel)
			eng, err := scanning.NewGemini(apiKey, *geminiModel)
			if err != nil {
				slog.Error("Failed to initialize Gemini", "error", err)
				os.Exit(1)
			}
			engines = append(engines, eng)
		case "ollama":
			slog.Info("Initializing Ollama engine...", "url", *ollamaURL, "model", *ollamaModel)
			eng, err := scanning.NewOllama(*ollamaURL, *ollamaModel)
			if err != nil {
				slog.Error("Failed to initialize Ollama", "error", err)
				os.Exit(1)
			}
			engines = append(engines, eng)
		default:
			slog.Error("Invalid OCR engine", "engine", name, "valid", "tesseract, gemini or ollama")
			os.Exit(1)
		}
	}
	if len(engines) == 0 {
		slog.Error("At least one OCR engine is required")
		os.Exit(1)
	}
	chain := scanning.NewChain(tunables.OCR, store, engines...)
	defer chain.Close()

	stages := pipeline.Stages{
		Dedup:      dedup.New(tunables.Dedup),
		Classifier: classify.NewClassifier(tunables.Classify),
		Segmenter:  classify.NewSegmenter(tunables.Segment),
		Stitcher:   classify.NewStitcher(tunables.Stitch),
		Builder:    canonical.NewBuilder(tunables.Tables, tunables.Confidence),
	}
	service := pipeline.NewService(db, store, chain, tunables.Pipeline, stages)
	defer service.Close()
	service.StartWatchdog()

	basicAuth := pipeline.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := pipeline.NewServer(service, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "engines", len(engines))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server shutdown", "error", err)
	}
}
