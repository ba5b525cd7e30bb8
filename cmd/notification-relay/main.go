package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowengine/contracts/mq"
	"escrowengine/internal/config"
	"escrowengine/internal/mqhandler"
	"escrowengine/internal/repository"
	"escrowengine/pkg/db"
	"escrowengine/pkg/logger"
	pkgmq "escrowengine/pkg/mq"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var consumedKeys = []string{
	mq.RoutingKeyMilestoneFunded,
	mq.RoutingKeyMilestoneSubmitted,
	mq.RoutingKeyMilestoneApproved,
	mq.RoutingKeyMilestoneRejected,
	mq.RoutingKeyMilestoneReleased,
}

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting notification-relay...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("mq_url", cfg.MQ.URL),
	)

	// DB
	log.Info("Initializing database connection...")
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()
	log.Info("Database connection established successfully")

	// Publisher (used only for dead-lettering poison messages)
	publisher, err := pkgmq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// DLQ topology
	dlqConn, err := pkgmq.NewConnection(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to connect for DLQ declaration", zap.Error(err))
	}
	dlqCh, err := dlqConn.Channel()
	if err != nil {
		log.Fatal("Failed to open DLQ channel", zap.Error(err))
	}
	if err := pkgmq.DeclareDLQExchange(dlqCh); err != nil {
		log.Fatal("Failed to declare DLQ exchange", zap.Error(err))
	}
	for _, key := range consumedKeys {
		if _, err := pkgmq.DeclareDLQQueue(dlqCh, key); err != nil {
			log.Fatal("Failed to declare DLQ queue", zap.String("routing_key", key), zap.Error(err))
		}
	}
	dlqCh.Close()
	dlqConn.Close()
	log.Info("DLQ topology declared")

	contractRepo := repository.NewContractRepository(dbConn, log)
	notificationRepo := repository.NewNotificationRepository(dbConn, log)
	eventHandler := mqhandler.NewMilestoneEventHandler(contractRepo, notificationRepo, publisher, log)

	handlers := map[string]pkgmq.MessageHandler{
		mq.RoutingKeyMilestoneFunded:    eventHandler.HandleFunded,
		mq.RoutingKeyMilestoneSubmitted: eventHandler.HandleSubmitted,
		mq.RoutingKeyMilestoneApproved:  eventHandler.HandleApproved,
		mq.RoutingKeyMilestoneRejected:  eventHandler.HandleRejected,
		mq.RoutingKeyMilestoneReleased:  eventHandler.HandleReleased,
	}

	var consumers []*pkgmq.Consumer
	for _, key := range consumedKeys {
		queue := key + ".q"
		log.Info("Initializing MQ consumer...",
			zap.String("queue", queue),
			zap.String("routing_key", key),
		)
		consumer, err := pkgmq.NewConsumer(cfg.MQ.URL, queue, key, log)
		if err != nil {
			log.Fatal("Failed to init consumer", zap.String("routing_key", key), zap.Error(err))
		}
		consumer.SetHandler(handlers[key])
		consumers = append(consumers, consumer)

		go func(c *pkgmq.Consumer, key string) {
			if err := c.StartConsuming(); err != nil {
				log.Fatal("Consumer failed", zap.String("routing_key", key), zap.Error(err))
			}
		}(consumer, key)
		log.Info("Consumer started", zap.String("routing_key", key))
	}

	// HTTP server for health checks.
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
		for _, consumer := range consumers {
			if !consumer.IsConnected() {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "mq"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

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

	log.Info("notification-relay is fully initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down notification-relay gracefully...")

	for _, consumer := range consumers {
		consumer.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	publisher.Close()
	dbConn.Close()

	log.Info("notification-relay shutdown complete")
}
