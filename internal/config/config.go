package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"

	"github.com/zombor/voucher-capture/internal/capture"
)

// EnvPrefix prefixes every environment variable read by Parse
const EnvPrefix = "VOUCHER_CAPTURE"

// Scanner types
const (
	ScannerNone   = "none"
	ScannerGemini = "gemini"
	ScannerOllama = "ollama"
)

// Config holds every setting of the capture service
type Config struct {
	DataDir        string
	CheckpointPath string
	CSVPath        string
	JSONLPath      string
	LedgerPath     string
	MediaDir       string

	CDPEndpoint string
	TabMatch    string
	ChatName    string

	ItemDelay       time.Duration
	SettleDelay     time.Duration
	TopSettleDelay  time.Duration
	PollInterval    time.Duration
	ItemTimeout     time.Duration
	MediaWait       time.Duration
	MediaPollStep   time.Duration
	TopMaxRounds    int
	TopBurst        int
	StableRounds    int
	MaxAnchorJumps  int
	BottomThreshold int

	Scanner     string
	GeminiKey   string
	GeminiModel string
	OllamaURL   string
	OllamaModel string

	SheetsCredentials string
	SpreadsheetID     string

	ReviewAddr string
	AuthUser   string
	AuthPass   string

	LogLevel    string
	ShowVersion bool
}

// Parse loads envFile into the environment when it exists, then parses
// flags, VOUCHER_CAPTURE_* environment variables and the optional --config
// file, in that order of precedence. The returned flag set renders help.
func Parse(args []string, envFile string) (*Config, *ff.FlagSet, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	defaults := capture.DefaultConfig()

	var cfg Config
	fs := ff.NewFlagSet("voucher-capture")
	fs.StringVar(&cfg.DataDir, 0, "data-dir", "./data", "Directory for the checkpoint, sinks, ledger and media")
	fs.StringVar(&cfg.CheckpointPath, 0, "checkpoint", "", "Checkpoint file (default <data-dir>/checkpoint.json)")
	fs.StringVar(&cfg.CSVPath, 0, "csv", "", "Tabular sink (default <data-dir>/vouchers.csv)")
	fs.StringVar(&cfg.JSONLPath, 0, "jsonl", "", "Line-delimited sink (default <data-dir>/vouchers.jsonl)")
	fs.StringVar(&cfg.LedgerPath, 0, "ledger", "", "Ledger database (default <data-dir>/ledger.db)")
	fs.StringVar(&cfg.MediaDir, 0, "media-dir", "", "Media directory (default <data-dir>/media)")

	fs.StringVar(&cfg.CDPEndpoint, 0, "cdp-endpoint", "http://127.0.0.1:9222", "DevTools endpoint of the running browser")
	fs.StringVar(&cfg.TabMatch, 0, "tab-match", "web.whatsapp.com", "Attach to the first tab whose URL contains this")
	fs.StringVar(&cfg.ChatName, 0, "chat", "", "Chat to open before capturing (optional)")

	fs.DurationVar(&cfg.ItemDelay, 0, "item-delay", defaults.ItemDelay, "Delay between captured messages")
	fs.DurationVar(&cfg.SettleDelay, 0, "settle-delay", defaults.Navigator.SettleDelay, "Wait after each scroll")
	fs.DurationVar(&cfg.TopSettleDelay, 0, "top-settle-delay", defaults.Navigator.TopSettleDelay, "Wait after jumping to the top")
	fs.DurationVar(&cfg.PollInterval, 0, "poll-interval", defaults.PollInterval, "Pause between poll cycles")
	fs.DurationVar(&cfg.ItemTimeout, 0, "item-timeout", defaults.ItemTimeout, "Time limit for one message, media download included")
	fs.DurationVar(&cfg.MediaWait, 0, "media-wait", defaults.MediaWait, "How long to wait for a voucher image to finish loading")
	fs.DurationVar(&cfg.MediaPollStep, 0, "media-poll-step", defaults.MediaPollStep, "Pause between checks for a loading voucher image")
	fs.IntVar(&cfg.TopMaxRounds, 0, "top-max-rounds", defaults.Navigator.TopMaxRounds, "Maximum rounds when scrolling to the top (0 = unbounded)")
	fs.IntVar(&cfg.TopBurst, 0, "top-burst", defaults.Navigator.TopBurst, "Page-ups per round when scrolling to the top")
	fs.IntVar(&cfg.StableRounds, 0, "stable-rounds", defaults.Navigator.StableRounds, "Unchanged rounds that confirm the top")
	fs.IntVar(&cfg.MaxAnchorJumps, 0, "max-anchor-jumps", defaults.Navigator.MaxAnchorJumps, "Maximum jumps while looking for the last message (0 = until the bottom)")
	fs.IntVar(&cfg.BottomThreshold, 0, "bottom-threshold", int(defaults.Navigator.BottomThreshold), "Pixels from the bottom still considered the bottom")

	fs.StringVar(&cfg.Scanner, 0, "scanner", ScannerNone, "Voucher image scanner: 'none', 'gemini' or 'ollama'")
	fs.StringVar(&cfg.GeminiKey, 0, "gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
	fs.StringVar(&cfg.GeminiModel, 0, "gemini-model", "gemini-2.5-flash", "Google Gemini model name")
	fs.StringVar(&cfg.OllamaURL, 0, "ollama-url", "http://localhost:11434", "Ollama API base URL")
	fs.StringVar(&cfg.OllamaModel, 0, "ollama-model", "llava", "Ollama model name")

	fs.StringVar(&cfg.SheetsCredentials, 0, "sheets-credentials", "", "Service account file for Google Sheets forwarding (optional)")
	fs.StringVar(&cfg.SpreadsheetID, 0, "spreadsheet-id", "", "Spreadsheet receiving the monthly movements")

	fs.StringVar(&cfg.ReviewAddr, 0, "review-addr", "", "Address of the review API, e.g. :8080 (disabled when empty)")
	fs.StringVar(&cfg.AuthUser, 0, "auth-user", "", "Basic auth username (optional)")
	fs.StringVar(&cfg.AuthPass, 0, "auth-pass", "", "Basic auth password (optional)")

	fs.StringVar(&cfg.LogLevel, 0, "log-level", "info", "Log level: debug, info, warn or error")
	fs.BoolVar(&cfg.ShowVersion, 0, "version", "Show version information")
	fs.StringLong("config", "", "Config file (optional)")

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix(EnvPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		return nil, fs, err
	}

	if cfg.GeminiKey == "" {
		cfg.GeminiKey = os.Getenv("GEMINI_API_KEY")
	}
	cfg.fillPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fs, err
	}
	return &cfg, fs, nil
}

func (c *Config) fillPaths() {
	fill := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(c.DataDir, name)
		}
	}
	fill(&c.CheckpointPath, "checkpoint.json")
	fill(&c.CSVPath, "vouchers.csv")
	fill(&c.JSONLPath, "vouchers.jsonl")
	fill(&c.LedgerPath, "ledger.db")
	fill(&c.MediaDir, "media")
}

// Validate checks the settings that cannot be checked by their type
func (c *Config) Validate() error {
	switch c.Scanner {
	case ScannerNone, ScannerGemini, ScannerOllama:
	default:
		return fmt.Errorf("invalid scanner type %q: want none, gemini or ollama", c.Scanner)
	}
	if c.Scanner == ScannerGemini && c.GeminiKey == "" {
		return errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.SheetsCredentials != "" && c.SpreadsheetID == "" {
		return errors.New("--spreadsheet-id is required with --sheets-credentials")
	}
	for name, d := range map[string]time.Duration{
		"item-delay":       c.ItemDelay,
		"settle-delay":     c.SettleDelay,
		"top-settle-delay": c.TopSettleDelay,
		"poll-interval":    c.PollInterval,
		"item-timeout":     c.ItemTimeout,
		"media-wait":       c.MediaWait,
		"media-poll-step":  c.MediaPollStep,
	} {
		if d < 0 {
			return fmt.Errorf("--%s must not be negative", name)
		}
	}
	if c.TopBurst < 1 || c.StableRounds < 1 {
		return errors.New("--top-burst and --stable-rounds must be at least 1")
	}
	return nil
}

// Level parses the log level
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Forwarding reports whether Google Sheets forwarding is configured
func (c *Config) Forwarding() bool {
	return c.SheetsCredentials != ""
}

// Engine returns the capture pacing
func (c *Config) Engine() capture.Config {
	return capture.Config{
		ItemDelay:     c.ItemDelay,
		PollInterval:  c.PollInterval,
		ItemTimeout:   c.ItemTimeout,
		MediaWait:     c.MediaWait,
		MediaPollStep: c.MediaPollStep,
		Navigator: capture.NavigatorConfig{
			SettleDelay:     c.SettleDelay,
			TopSettleDelay:  c.TopSettleDelay,
			TopMaxRounds:    c.TopMaxRounds,
			TopBurst:        c.TopBurst,
			StableRounds:    c.StableRounds,
			MaxAnchorJumps:  c.MaxAnchorJumps,
			BottomThreshold: float64(c.BottomThreshold),
		},
	}
}
