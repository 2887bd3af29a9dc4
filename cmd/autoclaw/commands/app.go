package commands

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/actions"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/config"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/mission"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/permission"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/provider"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/rules"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/scheduler"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/store"
	"github.com/jholhewres/autoclaw/pkg/autoclaw/workspace"
)

// app bundles the wired services the subcommands operate on.
type app struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	db         *sql.DB
	fs         *workspace.FS
	registry   *actions.Registry
	perms      *permission.Manager
	engine     *rules.Engine
	scheduler  *scheduler.Scheduler
	missions   *mission.Manager
	provider   *provider.Client
}

// loadApp builds the full service graph from config and flags.
func loadApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.FindConfigFile()
	}

	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	logger := newLogger(cmd, cfg)
	slog.SetDefault(logger)

	// Resolve the provider key through the vault/keyring chain before the
	// client is built.
	provider.ResolveAPIKey(&cfg.Provider, logger)

	db, err := store.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	fs, err := workspace.New(cfg.Workspace)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening workspace: %w", err)
	}

	perms := permission.NewManager(db, permission.TrustPolicy{
		PrivilegedResources: cfg.Trust.PrivilegedResources,
	}, logger)

	registry := actions.NewRegistry(logger)
	if err := actions.RegisterFileActions(registry, fs, perms); err != nil {
		db.Close()
		return nil, fmt.Errorf("registering file actions: %w", err)
	}

	client := provider.NewClient(cfg.Provider, logger)

	return &app{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		db:         db,
		fs:         fs,
		registry:   registry,
		perms:      perms,
		engine:     rules.NewEngine(db, registry, perms, logger),
		scheduler:  scheduler.New(db, registry, perms, logger),
		missions:   mission.NewManager(db, registry, perms, fs, client, logger),
		provider:   client,
	}, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

// newLogger builds the slog logger from config, honoring --verbose.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
