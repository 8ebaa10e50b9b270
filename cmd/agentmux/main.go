package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"agentmux/internal/commands"
	"agentmux/internal/config"
	"agentmux/internal/crypto"
	"agentmux/internal/engine"
	"agentmux/internal/metrics"
	"agentmux/internal/policy"
	"agentmux/internal/prompts"
	"agentmux/internal/queue"
	"agentmux/internal/server"
	"agentmux/internal/storage"
	"agentmux/internal/worker"
)

// version is stamped by the build.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "agentmux",
	Short:   "Agent management and orchestration service",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API server",
	Long: `Run the management API. With EMBEDDED_WORKER=true the process also
drains the run queue, which is the single-binary deployment mode.`,
	RunE: runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a queue worker",
	RunE:  runWorker,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a master encryption key",
	RunE:  runKeygen,
}

func main() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(keygenCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime bundles what serve and worker both need.
type runtime struct {
	cfg      *config.Config
	store    *storage.Store
	rdb      *redis.Client
	secrets  *crypto.Manager
	policy   *policy.Engine
	jobs     *queue.StreamQueue
	notifier *queue.Notifier
	engine   *engine.Engine
}

func (r *runtime) Close() {
	_ = r.rdb.Close()
	_ = r.store.Close()
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log.Level)

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	secrets, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		_ = rdb.Close()
		_ = store.Close()
		return nil, fmt.Errorf("initialize crypto manager: %w", err)
	}

	pol, err := policy.Load(ctx, cfg.Policy.Path)
	if err != nil {
		_ = rdb.Close()
		_ = store.Close()
		return nil, fmt.Errorf("compile command policy: %w", err)
	}

	if err := seedCatalog(ctx, store); err != nil {
		_ = rdb.Close()
		_ = store.Close()
		return nil, fmt.Errorf("seed catalog: %w", err)
	}

	jobs := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	notifier := queue.NewNotifier(rdb)

	eng := engine.New(engine.Config{
		Store:             store,
		Crypto:            secrets,
		Policy:            pol,
		Notifier:          notifier,
		Jobs:              jobs,
		Metrics:           metrics.Global(),
		Logger:            log.Logger,
		ProviderTimeout:   cfg.Provider.ClientTimeout,
		ProviderRetries:   cfg.Provider.MaxRetries,
		ProviderBackoff:   cfg.Provider.BackoffBase,
		MaxContextTokens:  cfg.Engine.MaxContextTokens,
		TaskMaxIterations: cfg.Engine.TaskMaxIterations,
		ChainMaxDepth:     cfg.Engine.ChainMaxDepth,
	})

	return &runtime{
		cfg:      cfg,
		store:    store,
		rdb:      rdb,
		secrets:  secrets,
		policy:   pol,
		jobs:     jobs,
		notifier: notifier,
		engine:   eng,
	}, nil
}

// seedCatalog upserts builtin commands and seed prompt templates so a
// fresh database is immediately usable.
func seedCatalog(ctx context.Context, store *storage.Store) error {
	defs := commands.DefaultRegistry.List()
	rows := make([]storage.Command, len(defs))
	for i, d := range defs {
		rows[i] = storage.Command{
			Name:           d.Name,
			Description:    d.Description,
			EnabledDefault: d.EnabledDefault,
		}
	}
	if err := store.SyncCommands(ctx, rows); err != nil {
		return err
	}

	for _, tpl := range prompts.Defaults() {
		err := store.EnsurePrompt(ctx, storage.Prompt{
			Name:        tpl.Name,
			Content:     tpl.Content,
			Description: tpl.Description,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := rt.cfg
	// A zero or negative hourly budget disables rate limiting.
	var limiter *queue.RateLimiter
	if cfg.Rate.PerHour > 0 {
		limiter = queue.NewRateLimiter(rt.rdb, cfg.Rate.PerHour)
	}
	srv := server.New(server.Config{
		Store:        rt.store,
		Engine:       rt.engine,
		Crypto:       rt.secrets,
		Notifier:     rt.notifier,
		RateLimiter:  limiter,
		Deduplicator: queue.NewRequestDeduplicator(rt.rdb, cfg.Redis.IdempotencyTTL),
		Metrics:      metrics.Global(),
		Logger:       log.Logger,
		APIKey:       cfg.APIKey,
		Version:      version,
	})

	if cfg.Worker.Embedded {
		w := worker.New(worker.Config{
			Store:         rt.store,
			Queue:         rt.jobs,
			Engine:        rt.engine,
			Notifier:      rt.notifier,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       metrics.Global(),
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("embedded worker failed")
				cancel()
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("embedded worker started")
	}

	log.Info().
		Str("addr", cfg.Server.ListenAddr).
		Str("public_uri", cfg.Server.PublicURI).
		Str("version", version).
		Msg("api server starting")
	if err := srv.Start(ctx, cfg.Server.ListenAddr); err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	log.Info().Msg("stopped")
	return nil
}

func runWorker(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := rt.cfg
	w := worker.New(worker.Config{
		Store:         rt.store,
		Queue:         rt.jobs,
		Engine:        rt.engine,
		Notifier:      rt.notifier,
		MaxJobRetries: cfg.Worker.MaxRetries,
		Logger:        log.Logger,
		Metrics:       metrics.Global(),
	})

	log.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Str("consumer", cfg.Worker.ConsumerName).
		Msg("worker starting")
	if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	log.Info().Msg("stopped")
	return nil
}

func runMigrate(_ *cobra.Command, _ []string) error {
	setupLogger(mustLogLevel())

	db, err := config.LoadDB()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store, err := storage.Open(ctx, db.Driver, db.DSN, true)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	defer store.Close()

	log.Info().Str("driver", db.Driver).Msg("migrations applied")
	return nil
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "MASTER_KEY_B64=%s\n", key)
	return nil
}

func mustLogLevel() string {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		return v
	}
	return "info"
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
