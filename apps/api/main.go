package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	escalationhandler "github.com/fieldserve/backoffice/domains/escalation/be/handler"
	escalationrepo "github.com/fieldserve/backoffice/domains/escalation/be/repo"
	escalationservice "github.com/fieldserve/backoffice/domains/escalation/be/service"
	recordshandler "github.com/fieldserve/backoffice/domains/records/be/handler"
	recordsrepo "github.com/fieldserve/backoffice/domains/records/be/repo"
	recordsservice "github.com/fieldserve/backoffice/domains/records/be/service"
	synchandler "github.com/fieldserve/backoffice/domains/sync/be/handler"
	syncrepo "github.com/fieldserve/backoffice/domains/sync/be/repo"
	syncschema "github.com/fieldserve/backoffice/domains/sync/be/schema"
	syncservice "github.com/fieldserve/backoffice/domains/sync/be/service"
	workflowhandler "github.com/fieldserve/backoffice/domains/workflow/be/handler"
	workflowrepo "github.com/fieldserve/backoffice/domains/workflow/be/repo"
	workflowservice "github.com/fieldserve/backoffice/domains/workflow/be/service"
	platformlogging "github.com/fieldserve/backoffice/platform/go/logging"
	platformmiddleware "github.com/fieldserve/backoffice/platform/go/middleware"
	"github.com/fieldserve/backoffice/platform/go/notify"
	"github.com/fieldserve/backoffice/platform/go/persistence"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	RedisURL        string        `env:"REDIS_URL"` // events log-only when unset
	PermitLockWait  time.Duration `env:"PERMIT_LOCK_WAIT" envDefault:"3s"`
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "api-server",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: cfg.DatabaseURL})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	recordStore, err := persistence.NewRecordStore(ctx, pool)
	if err != nil {
		logger.Fatal("init record store", zap.Error(err))
	}
	escalationStore, err := persistence.NewEscalationStore(ctx, pool)
	if err != nil {
		logger.Fatal("init escalation store", zap.Error(err))
	}

	allocator := persistence.NewSequenceAllocator(cfg.PermitLockWait)

	var dispatcher notify.Dispatcher
	if cfg.RedisURL != "" {
		redisDispatcher, err := notify.NewRedisDispatcher(cfg.RedisURL)
		if err != nil {
			logger.Fatal("init redis dispatcher", zap.Error(err))
		}
		defer func() {
			_ = redisDispatcher.Close()
		}()
		dispatcher = redisDispatcher
	} else {
		logger.Info("no redis url configured, events go to the log")
		dispatcher = notify.NewLogDispatcher(logger)
	}

	recordsRepo := recordsrepo.NewPostgresRepository(recordStore, allocator)
	recordsSvc := recordsservice.New(recordsRepo, dispatcher, logger)
	recordsHTTPHandler := recordshandler.New(recordsSvc, logger)

	workflowRepo := workflowrepo.NewPostgresRepository(recordStore)
	workflowSvc := workflowservice.New(workflowRepo, dispatcher, notify.NewLogRenderer(logger), logger)
	workflowHTTPHandler := workflowhandler.New(workflowSvc, logger)

	validator, err := syncschema.NewValidator()
	if err != nil {
		logger.Fatal("compile sync schemas", zap.Error(err))
	}
	syncRepo := syncrepo.NewPostgresRepository(recordStore, allocator)
	syncSvc := syncservice.New(syncRepo, validator, dispatcher, logger)
	syncHTTPHandler := synchandler.New(syncSvc, logger)

	escalationRepo := escalationrepo.NewPostgresRepository(escalationStore)
	escalationSvc := escalationservice.New(escalationRepo)
	escalationHTTPHandler := escalationhandler.New(escalationSvc, logger)

	rootRouter := chi.NewRouter()

	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.DefaultCORS(),
	)

	rootRouter.Use(platformlogging.RequestLogger(logger))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	apiRouter := chi.NewRouter()
	apiRouter.Use(platformmiddleware.ActionContext)

	recordsHTTPHandler.Mount(apiRouter)
	workflowHTTPHandler.Mount(apiRouter)
	syncHTTPHandler.Mount(apiRouter)
	escalationHTTPHandler.Mount(apiRouter)

	rootRouter.Mount("/api/v1", apiRouter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
