package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/example/stackvault/internal/config"
	"github.com/example/stackvault/internal/discord"
	"github.com/example/stackvault/internal/portainer"
	"github.com/example/stackvault/internal/stack"
	"github.com/example/stackvault/internal/sync"
	"github.com/example/stackvault/internal/vault"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stackvault",
	Short: "Back up container stack definitions to a private GitHub repository",
	Long: `stackvault backs up Docker Compose stack definitions, either owned by a
Portainer instance or living on the local filesystem, into a private GitHub
repository with one file per stack.

Every applied change (create, update, delete) produces a commit and an
optional Discord notification.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time backup pass",
	Long: `Sync reads the current stack definitions, compares them with the contents of
the backup repository, and applies the minimal set of commits to converge the
repository to the current state.`,
	RunE: runSync,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run backup passes periodically",
	Long: `Watch performs a backup pass immediately and then repeats it on the
configured interval until interrupted. Passes never overlap.`,
	RunE: runWatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stackvault %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/stackvault/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	watchCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger, cfg, err := setup()
	if err != nil {
		return err
	}

	err = runPass(ctx, cfg, logger)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger, cfg, err := setup()
	if err != nil {
		return err
	}

	interval, err := cfg.WatchInterval()
	if err != nil {
		return err
	}

	logger.Info("starting watch", "interval", interval)
	return sync.Watch(ctx, interval, logger, func(ctx context.Context) error {
		return runPass(ctx, cfg, logger)
	})
}

// runPass executes one complete backup pass: read current stacks, open the
// vault, list the snapshot, reconcile.
func runPass(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	source := newSource(cfg, logger)

	current, err := source.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read current stacks: %w", err)
	}

	v, err := vault.Open(ctx, cfg.GitHub.Token, cfg.GitHub.Repository, logger)
	if err != nil {
		return err
	}

	snapshot, err := v.List(ctx)
	if err != nil {
		return err
	}

	notifier := discord.NewNotifier(cfg.Discord.WebhookURL, logger)
	if !notifier.Enabled() {
		logger.Info("discord webhook for notifications is not set")
	}

	engine := sync.NewEngine(v, notifier, logger, dryRun)
	events := engine.Reconcile(ctx, current, snapshot)

	if err := ctx.Err(); err != nil {
		return err
	}

	logger.Info("finished backup pass",
		"current", len(current),
		"snapshot", len(snapshot),
		"changes", len(events))
	return nil
}

// newSource selects the stack source based on the configured mode.
func newSource(cfg *config.Config, logger *slog.Logger) stackSource {
	if cfg.Source.Mode == config.SourceLocal {
		return stack.NewLocalSource(cfg.Source.Root, cfg.Source.Patterns, logger)
	}

	client := portainer.NewClient(cfg.Portainer.Address, cfg.Portainer.Port, cfg.Portainer.SkipTLSVerify, logger)
	return portainer.NewSource(client, cfg.Portainer.Username, cfg.Portainer.Password, logger)
}

type stackSource interface {
	Read(ctx context.Context) (map[string]stack.Record, error)
}

// setup loads the environment and configuration and builds the logger,
// including the optional Discord log mirror.
func setup() (*slog.Logger, *config.Config, error) {
	base := newConsoleHandler()
	logger := slog.New(base)

	if err := godotenv.Load(); err == nil {
		logger.Info("loaded environment variables from .env")
	}

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Discord.LogWebhookURL != "" {
		level, err := cfg.DiscordLogLevel()
		if err != nil {
			return nil, nil, err
		}
		logger = slog.New(teeHandler{base, discord.NewHandler(cfg.Discord.LogWebhookURL, level)})
		logger.Info("mirroring logs to discord webhook", "level", level.String())
	}

	return logger, cfg, nil
}

func newConsoleHandler() slog.Handler {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/stackvault/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"source_mode", string(cfg.Source.Mode),
		"repository", cfg.GitHub.Repository)

	return cfg, nil
}

// teeHandler fans a record out to every wrapped handler that accepts its
// level. A failing mirror never blocks the console handler.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
