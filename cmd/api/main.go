package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-group-change/api/swagger"
	"github.com/noah-isme/sma-group-change/internal/clock"
	"github.com/noah-isme/sma-group-change/internal/handler"
	"github.com/noah-isme/sma-group-change/internal/repository"
	"github.com/noah-isme/sma-group-change/internal/server"
	"github.com/noah-isme/sma-group-change/internal/service"
	"github.com/noah-isme/sma-group-change/pkg/cache"
	"github.com/noah-isme/sma-group-change/pkg/config"
	"github.com/noah-isme/sma-group-change/pkg/database"
	"github.com/noah-isme/sma-group-change/pkg/jobs"
	"github.com/noah-isme/sma-group-change/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

// @title Group Change API
// @version 1.0.0
// @description Group change requests with capacity-aware admission
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if _, err := database.Migrate(ctx, db, cfg.Database.MigrationsDir, logr); err != nil {
			logr.Fatal("failed to migrate database", zap.Error(err))
		}
	}

	var redisClient *redis.Client
	if cfg.Admission.LedgerBackend == config.LedgerBackendRedis {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Fatal("failed to connect redis", zap.Error(err))
		}
		defer redisClient.Close()
	}

	app := wire(cfg, db, redisClient, logr)

	app.queue.Start(ctx)
	defer app.queue.Stop()
	jobs.Every(ctx, cfg.Admission.BatchInterval, app.worker.Sweep)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("server failed", zap.Error(err))
		}
	case <-ctx.Done():
		logr.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logr.Error("server shutdown failed", zap.Error(err))
	}
	logr.Info("server stopped")
}

type application struct {
	router *gin.Engine
	queue  *jobs.Queue
	worker *service.DecisionWorker
}

func wire(cfg *config.Config, db *sqlx.DB, redisClient *redis.Client, logr *zap.Logger) *application {
	clk := clock.NewSystem()
	validate := validator.New()
	metrics := service.NewMetricsService()

	groups := repository.NewGroupRepository(db)
	students := repository.NewStudentRepository(db)
	terms := repository.NewTermRepository(db)
	enrollments := repository.NewEnrollmentRepository(db)
	requests := repository.NewChangeRequestRepository(db)
	tx := repository.NewTransactor(db)

	var ledger service.UndoLedger = service.NewMemoryUndoLedger()
	if redisClient != nil {
		ledger = repository.NewRedisUndoLedger(redisClient)
	}

	oracle := service.NewCapacityOracle(groups, groups, cfg.Admission.NearCapacityThreshold)
	chain := service.NewDefaultValidationChain(students, groups, terms, oracle, clk)
	priority := service.NewPriorityEngine(service.PriorityPolicyFromConfig(cfg.Priority), students, clk)
	machine := service.NewRequestStateMachine(clk, cfg.Admission.CancelGracePeriod)

	controller := service.NewAdmissionController(
		requests, groups, enrollments, tx, oracle, chain, priority, machine, ledger,
		logr.Named("admission"),
		service.WithAdmissionMetrics(metrics),
		service.WithDecisionTimeout(cfg.Admission.DecisionTimeout),
		service.WithAdmissionClock(clk),
	)

	worker := service.NewDecisionWorker(controller, logr.Named("decision-worker"))
	queue := jobs.NewQueue("admission", worker.Handle, jobs.QueueConfig{
		Workers:    cfg.Admission.Workers,
		MaxRetries: cfg.Admission.WorkerRetries,
		Logger:     logr.Named("queue"),
	})

	changeRequests := service.NewChangeRequestService(
		requests, groups, students, enrollments, machine, priority, validate,
		logr.Named("change-requests"),
		service.WithSubmissionMetrics(metrics),
		service.WithDecisionScheduler(service.NewDecisionScheduler(queue)),
		service.WithSharedRequestLocks(controller.RequestLocks()),
	)

	checks := map[string]handler.ReadinessCheck{"postgres": database.Pinger(db)}
	if redisClient != nil {
		checks["redis"] = cache.Pinger(redisClient)
	}

	router := server.NewRouter(server.Dependencies{
		APIPrefix:      cfg.APIPrefix,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		EnableDocs:     cfg.DocsEnable && cfg.Env != config.EnvProduction,
		Logger:         logr,
		Tokens:         service.NewTokenService(cfg.JWT),
		Metrics:        metrics,
		ChangeRequests: handler.NewChangeRequestHandler(changeRequests),
		Admission:      handler.NewAdmissionHandler(controller, oracle),
		Observability:  handler.NewMetricsHandler(metrics, checks),
	})

	return &application{router: router, queue: queue, worker: worker}
}
