package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowengine/internal/config"
	"escrowengine/internal/processor"
	"escrowengine/internal/repository"
	"escrowengine/internal/service"
	"escrowengine/pkg/db"
	"escrowengine/pkg/logger"
	"escrowengine/pkg/mq"
	"escrowengine/pkg/outbox"
	pkgredis "escrowengine/pkg/redis"
	"escrowengine/pkg/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting deadline-scanner...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("mq_url", cfg.MQ.URL),
		zap.Int("interval_seconds", cfg.Scanner.IntervalSeconds),
		zap.Int("batch_size", cfg.Scanner.BatchSize),
	)

	// DB
	log.Info("Initializing database connection...")
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()
	log.Info("Database connection established successfully")

	// Redis (distributed sweep claims)
	rdb := pkgredis.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	// MQ publisher for outbox dispatch
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	outboxRepo := outbox.NewRepository(dbConn)
	milestoneRepo := repository.NewMilestoneRepository(dbConn, outboxRepo, log)
	contractRepo := repository.NewContractRepository(dbConn, log)

	procClient := processor.NewClient(
		cfg.Processor.URL,
		time.Duration(cfg.Processor.TimeoutSeconds)*time.Second,
		cfg.Processor.MaxRetries,
		log,
	)

	approvalWindow := time.Duration(cfg.Scanner.ApprovalWindowHours) * time.Hour
	milestoneSvc := service.NewMilestoneService(milestoneRepo, contractRepo, approvalWindow, log)
	releaseSvc := service.NewReleaseService(milestoneRepo, procClient, log)

	claimTTL := time.Duration(cfg.Scanner.ClaimTTLSeconds) * time.Second
	claims := util.NewDeduper(rdb, claimTTL, log)

	scanner := service.NewDeadlineScanner(
		milestoneRepo,
		milestoneSvc,
		releaseSvc,
		claims,
		time.Duration(cfg.Scanner.IntervalSeconds)*time.Second,
		cfg.Scanner.BatchSize,
		log,
	).WithRetryBudget(util.NewRetryCounter(rdb, 24*time.Hour), int64(cfg.Processor.MaxRetries))

	// Outbox dispatcher drains the auto-release notifications.
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log)
	dispatcherCtx, dispatcherCancel := context.WithCancel(context.Background())
	defer dispatcherCancel()
	go dispatcher.Start(dispatcherCtx)

	log.Info("Starting deadline scanner loop...")
	scannerCtx, scannerCancel := context.WithCancel(context.Background())
	defer scannerCancel()
	go scanner.Run(scannerCtx)

	// HTTP server for health checks and metrics.
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		if err := dbConn.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "db"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("deadline-scanner is fully initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down deadline-scanner gracefully...")

	scannerCancel()
	dispatcherCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	publisher.Close()
	dbConn.Close()

	log.Info("deadline-scanner shutdown complete")
}
