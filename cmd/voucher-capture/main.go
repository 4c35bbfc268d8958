package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/voucher-capture/internal/browser"
	"github.com/zombor/voucher-capture/internal/capture"
	"github.com/zombor/voucher-capture/internal/checkpoint"
	"github.com/zombor/voucher-capture/internal/config"
	"github.com/zombor/voucher-capture/internal/forward"
	"github.com/zombor/voucher-capture/internal/ledger"
	"github.com/zombor/voucher-capture/internal/scanning"
	"github.com/zombor/voucher-capture/internal/sink"
	"github.com/zombor/voucher-capture/internal/voucher"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	cfg, fs, err := config.Parse(os.Args[1:], ".env")
	if err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
			os.Exit(0)
		}
		if fs != nil {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if cfg.ShowVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	level, _ := cfg.Level()
	log := newLogger(level)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("Capture failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Initialize sinks
	log.Info("Initializing sinks...", "csv", cfg.CSVPath, "jsonl", cfg.JSONLPath)
	csvSink, err := sink.NewCSV(cfg.CSVPath)
	if err != nil {
		return fmt.Errorf("failed to initialize csv sink: %w", err)
	}
	jsonlSink := sink.NewJSONL(cfg.JSONLPath)

	// Initialize ledger
	log.Info("Initializing ledger...", "path", cfg.LedgerPath)
	db, err := ledger.NewBoltDB(cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	defer db.Close()

	// Initialize media storage
	log.Info("Initializing storage...", "path", cfg.MediaDir)
	store, err := ledger.NewLocalStorage(cfg.MediaDir)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	scanner, err := newScanner(cfg, log)
	if err != nil {
		return err
	}
	if scanner != nil {
		defer scanner.Close()
	}

	var forwarder capture.Forwarder
	if cfg.Forwarding() {
		log.Info("Initializing Google Sheets forwarding...", "spreadsheet", cfg.SpreadsheetID)
		sheets, err := forward.NewSheets(ctx, cfg.SheetsCredentials, cfg.SpreadsheetID, log)
		if err != nil {
			return fmt.Errorf("failed to initialize sheets: %w", err)
		}
		forwarder = sheets
	}

	// Attach to the browser
	log.Info("Connecting to browser...", "endpoint", cfg.CDPEndpoint)
	feed, err := browser.Connect(ctx, cfg.CDPEndpoint, cfg.TabMatch, log)
	if err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}
	defer feed.Close()

	if cfg.ChatName != "" {
		if err := feed.OpenChat(ctx, cfg.ChatName); err != nil {
			return err
		}
	}

	builder := voucher.NewBuilder(feed, store, scanner, log)

	checkpoints := checkpoint.NewStore(cfg.CheckpointPath, cfg.CSVPath, cfg.JSONLPath, log)
	engine := capture.NewEngine(feed, builder, checkpoints,
		[]capture.Sink{csvSink, jsonlSink, db},
		forwarder, cfg.Engine(), log)

	if cfg.ReviewAddr != "" {
		service := ledger.NewService(db, store, engine)
		server := ledger.NewServer(service, ledger.BasicAuth{
			Username: cfg.AuthUser,
			Password: cfg.AuthPass,
		})
		go func() {
			if err := server.Start(ctx, cfg.ReviewAddr); err != nil {
				log.Error("Review server error", "error", err)
			}
		}()
		if cfg.AuthUser != "" || cfg.AuthPass != "" {
			log.Info("Basic auth enabled", "user", cfg.AuthUser)
		}
	}

	if err := engine.Run(ctx); err != nil {
		return err
	}
	log.Info("Shutting down...")
	return nil
}

// newScanner returns nil when scanning is disabled
func newScanner(cfg *config.Config, log *slog.Logger) (scanning.Scanner, error) {
	switch cfg.Scanner {
	case config.ScannerGemini:
		log.Info("Initializing Gemini scanner...", "model", cfg.GeminiModel)
		s, err := scanning.NewGemini(cfg.GeminiKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Gemini: %w", err)
		}
		return s, nil
	case config.ScannerOllama:
		log.Info("Initializing Ollama scanner...", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		s, err := scanning.NewOllama(cfg.OllamaURL, cfg.OllamaModel)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Ollama: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}
