package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matgo18/TheyMissYou/internal/auth"
	"github.com/matgo18/TheyMissYou/internal/config"
	"github.com/matgo18/TheyMissYou/internal/docstore"
	"github.com/matgo18/TheyMissYou/internal/events"
	"github.com/matgo18/TheyMissYou/internal/handlers"
	"github.com/matgo18/TheyMissYou/internal/media"
	"github.com/matgo18/TheyMissYou/internal/metrics"
	"github.com/matgo18/TheyMissYou/internal/notify"
	"github.com/matgo18/TheyMissYou/internal/repository"
	"github.com/matgo18/TheyMissYou/internal/services"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// Execute runs the command line interface
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "theymissyou",
		Short:         "TheyMissYou API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP and WebSocket server",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrate(cmd.Context(), configPath)
			},
		},
	)
	return rootCmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	setupLogger(cfg.Log.Level)
	return cfg, nil
}

func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	db, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Info().Msg("Database connection established")
	return db, nil
}

func migrate(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Store.Driver != "postgres" {
		return fmt.Errorf("migrations need the postgres store driver, got %q", cfg.Store.Driver)
	}

	db, err := connectDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := docstore.Migrate(ctx, db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info().Msg("Migrations applied")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (docstore.Store, func(), error) {
	if cfg.Store.Driver == "memory" {
		log.Warn().Msg("Using in-memory store, data is lost on restart")
		store := docstore.NewMemoryStore()
		return store, func() { store.Close() }, nil
	}

	db, err := connectDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := docstore.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	store := docstore.NewPostgresStore(db)
	return store, func() {
		store.Close()
		db.Close()
	}, nil
}

func openMediaStorage(ctx context.Context, cfg *config.Config) (media.Storage, error) {
	if cfg.Media.Driver == "s3" {
		return media.NewS3Storage(ctx, media.S3Config{
			Region:    cfg.AWS.Region,
			Bucket:    cfg.AWS.S3Bucket,
			Prefix:    cfg.AWS.S3Prefix,
			AccessKey: cfg.AWS.AccessKey,
			SecretKey: cfg.AWS.SecretKey,
			Endpoint:  cfg.AWS.Endpoint,
		})
	}
	return media.NewDiskStorage(cfg.Media.Dir)
}

func newSender(cfg config.APNSConfig, tokens notify.TokenSource) (notify.Sender, error) {
	if !cfg.Enabled() {
		log.Info().Msg("APNs is not configured, notifications are only logged")
		return notify.LogSender{}, nil
	}
	return notify.NewAPNSSender(notify.APNSConfig{
		Topic:           cfg.Topic,
		Production:      cfg.Production,
		KeyPath:         cfg.KeyPath,
		KeyID:           cfg.KeyID,
		TeamID:          cfg.TeamID,
		CertificatePath: cfg.CertificatePath,
		CertificatePass: cfg.CertificatePass,
	}, tokens)
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	storage, err := openMediaStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open media storage: %w", err)
	}
	cache := media.NewCache(storage, cfg.Media.Quality)

	// Initialize repositories
	userRepo := repository.NewUserRepository(store)
	groupRepo := repository.NewGroupRepository(store)
	postRepo := repository.NewPostRepository(store)

	sender, err := newSender(cfg.APNS, userRepo)
	if err != nil {
		return fmt.Errorf("failed to create notification sender: %w", err)
	}
	scheduler := notify.NewScheduler(sender)
	defer scheduler.Close()

	// Initialize services; bus handlers run in construction order
	bus := events.NewBus()
	defer bus.Close()
	provider := auth.NewLocalProvider(store, auth.LocalConfig{
		Secret:   cfg.JWT.Secret,
		TokenTTL: cfg.JWT.TokenTTL,
	})
	users := services.NewUserDirectory(userRepo, provider, bus, scheduler)
	groups := services.NewGroupRegistry(groupRepo, bus)
	feeds := services.NewFeedComposer(postRepo, users, groups, bus)
	locations := services.NewLocationService(users, groups, bus)
	posts := services.NewPostService(postRepo, users, cache)
	accounts := services.NewAccountService(users, groups, posts)

	wsHub := services.NewWSHub(bus)
	reminders := services.NewReminders(scheduler, users, wsHub)
	wsHub.OnPresenceChange(reminders.HandlePresence)

	router := handlers.NewRouter(handlers.Handlers{
		Auth:      handlers.NewAuthHandler(users),
		Users:     handlers.NewUserHandler(users, groups, locations, accounts),
		Groups:    handlers.NewGroupHandler(groups),
		Posts:     handlers.NewPostHandler(posts, feeds, groups, cache),
		WebSocket: handlers.NewWebSocketHandler(wsHub, feeds, provider, cfg.WebSocket),
	}, provider, requestLogger, metrics.InstrumentHandler, corsMiddleware)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	srv := newServer(cfg.Server, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Str("store", cfg.Store.Driver).
			Str("media", cfg.Media.Driver).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exited")
	return nil
}

// WriteTimeout is left unset so WebSocket connections are not cut off
func newServer(cfg config.ServerConfig, router chi.Router) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// setupLogger configures zerolog logger
func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// requestLogger logs one line per request through zerolog
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

// corsMiddleware handles CORS
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
