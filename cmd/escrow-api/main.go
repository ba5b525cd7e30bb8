package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowengine/internal/config"
	"escrowengine/internal/handler"
	"escrowengine/internal/httpserver"
	"escrowengine/internal/processor"
	"escrowengine/internal/repository"
	"escrowengine/internal/service"
	"escrowengine/pkg/db"
	"escrowengine/pkg/logger"
	"escrowengine/pkg/mq"
	"escrowengine/pkg/outbox"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting escrow-api...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("mq_url", cfg.MQ.URL),
		zap.String("processor_url", cfg.Processor.URL),
	)

	// DB
	log.Info("Initializing database connection...")
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()
	log.Info("Database connection established successfully")

	// MQ publisher for outbox dispatch
	log.Info("Initializing MQ publisher...")
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()
	log.Info("MQ publisher connected")

	outboxRepo := outbox.NewRepository(dbConn)
	milestoneRepo := repository.NewMilestoneRepository(dbConn, outboxRepo, log)
	contractRepo := repository.NewContractRepository(dbConn, log)
	projectionRepo := repository.NewProjectionRepository(dbConn, log)
	notificationRepo := repository.NewNotificationRepository(dbConn, log)

	procClient := processor.NewClient(
		cfg.Processor.URL,
		time.Duration(cfg.Processor.TimeoutSeconds)*time.Second,
		cfg.Processor.MaxRetries,
		log,
	)

	approvalWindow := time.Duration(cfg.Scanner.ApprovalWindowHours) * time.Hour
	milestoneSvc := service.NewMilestoneService(milestoneRepo, contractRepo, approvalWindow, log)
	fundingSvc := service.NewFundingService(milestoneRepo, procClient, log)
	releaseSvc := service.NewReleaseService(milestoneRepo, procClient, log)

	// Outbox dispatcher: drains pending notification events to MQ.
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log)
	dispatcherCtx, dispatcherCancel := context.WithCancel(context.Background())
	defer dispatcherCancel()
	go func() {
		log.Info("Starting outbox dispatcher...")
		dispatcher.Start(dispatcherCtx)
	}()

	replaySvc := outbox.NewReplayService(outboxRepo, publisher)

	contractHandler := handler.NewContractHandler(milestoneSvc, projectionRepo, log)
	milestoneHandler := handler.NewMilestoneHandler(milestoneSvc, fundingSvc, releaseSvc, log)
	adminHandler := handler.NewAdminHandler(replaySvc, log)
	notificationHandler := handler.NewNotificationHandler(notificationRepo, log)

	router := httpserver.NewRouter(contractHandler, milestoneHandler, adminHandler, notificationHandler, cfg.JWT.Secret, log, dbConn, publisher)

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

	log.Info("escrow-api is fully initialized and running",
		zap.String("http_port", cfg.Server.Port),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down escrow-api gracefully...")

	log.Info("Stopping outbox dispatcher...")
	dispatcherCancel()

	log.Info("Shutting down HTTP server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	log.Info("Closing database connection...")
	dbConn.Close()

	log.Info("escrow-api shutdown complete")
}
