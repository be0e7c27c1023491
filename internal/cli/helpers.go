package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/manifoldco/promptui"
	"go.uber.org/zap"

	"github.com/marketkit/variantd/internal/apperr"
	"github.com/marketkit/variantd/internal/assign"
	"github.com/marketkit/variantd/internal/cache"
	"github.com/marketkit/variantd/internal/config"
	"github.com/marketkit/variantd/internal/events"
	"github.com/marketkit/variantd/internal/experiment"
	"github.com/marketkit/variantd/internal/logging"
	"github.com/marketkit/variantd/internal/results"
	"github.com/marketkit/variantd/internal/store"
)

// app holds the wired core components for one command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *store.SQLiteStore
	registry *experiment.Registry
	events   *events.Store
	ingestor *events.Ingestor
	cache    cache.AssignmentCache
	engine   *assign.Engine
	analyzer *results.Analyzer
}

// loadConfig reads the config file and applies the --db flag on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" && dbPath != cfg.DBPath {
		// A token file derived from the old path follows the database.
		if cfg.HTTP.TokenFile == filepath.Join(filepath.Dir(cfg.DBPath), ".variantd-token") {
			cfg.HTTP.TokenFile = ""
		}
		cfg.DBPath = dbPath
		cfg.Resolve()
	}
	return cfg, nil
}

// newApp opens the database and wires the core components.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	vocab := events.DefaultVocabulary()
	if cfg.Events.Kinds != nil {
		if vocab, err = events.NewVocabulary(cfg.Events.Kinds); err != nil {
			return nil, fmt.Errorf("invalid events.kinds: %w", err)
		}
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, db: db}
	a.registry = experiment.New(db, experiment.Config{RefreshInterval: cfg.Registry.RefreshInterval}, logger)
	a.events = events.NewStore(db, vocab, logger)
	a.ingestor = events.NewIngestor(a.events, events.IngestorConfig{
		BatchSize:     cfg.Ingest.BatchSize,
		FlushInterval: cfg.Ingest.FlushInterval,
	}, logger)
	a.cache = cache.New(cfg.Redis)
	a.engine = assign.New(a.registry, db, a.ingestor, assign.Options{
		Cache:             a.cache,
		DisplayExperiment: cfg.Display.Experiment,
		DisplayDefaults: assign.DisplayConfig{
			Strategy:          cfg.Display.Default.Strategy,
			MaxItems:          cfg.Display.Default.MaxItems,
			PrioritizeRevenue: cfg.Display.Default.PrioritizeRevenue,
			FallbackToRelated: cfg.Display.Default.FallbackToRelated,
		},
	}, logger)
	a.analyzer = results.NewAnalyzer(a.registry, db, cfg.Results.QueryTimeout, logger)

	if err := a.registry.Refresh(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load active experiments: %w", err)
	}
	return a, nil
}

// Close flushes buffered events and releases resources.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.ingestor.Flush(ctx); err != nil {
		a.logger.Warn("failed to flush events on exit", zap.Error(err))
	}
	a.cache.Close()
	a.db.Close()
	a.logger.Sync()
}

// withApp loads the configuration, wires the components, runs fn and cleans up.
func withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a)
}

// experimentByName resolves an experiment name given on the command line.
func (a *app) experimentByName(ctx context.Context, name string) (*store.Experiment, error) {
	exp, err := a.registry.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("experiment '%s' not found", name)
		}
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return exp, nil
}

// confirm asks a yes/no question. Declining is not an error.
var confirm = func(label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}

	if _, err := prompt.Run(); err != nil {
		if errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrInterrupt) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
