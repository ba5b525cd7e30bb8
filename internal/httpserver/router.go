package httpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"escrowengine/internal/handler"
	"escrowengine/pkg/metrics"
	"escrowengine/pkg/mq"
	"escrowengine/pkg/trace"
)

func NewRouter(
	contractHandler *handler.ContractHandler,
	milestoneHandler *handler.MilestoneHandler,
	adminHandler *handler.AdminHandler,
	notificationHandler *handler.NotificationHandler,
	jwtSecret string,
	logger *zap.Logger,
	db *pgxpool.Pool,
	publisher *mq.Publisher,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// Request logging with trace propagation.
	r.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		traceID := c.GetHeader(trace.HeaderName())
		if traceID == "" {
			traceID = trace.GenerateTraceID()
		}
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), traceID))
		c.Header(trace.HeaderName(), traceID)

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, fmt.Sprintf("%d", status), latency)
		logger.Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
			zap.String("trace_id", traceID),
		)
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c, 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(500, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}

		if publisher != nil && !publisher.IsConnected() {
			c.JSON(500, gin.H{"status": "mq_not_ready"})
			return
		}

		c.JSON(200, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/", AuthMiddleware(jwtSecret))
	{
		authed.POST("/contracts", contractHandler.CreateContract)
		authed.POST("/contracts/:id/milestones", contractHandler.AddMilestone)
		authed.GET("/contracts/:id/milestones", contractHandler.ListMilestones)
		authed.GET("/contracts/:id/summary", contractHandler.GetSummary)
		authed.GET("/contracts/:id/timeline", contractHandler.GetTimeline)

		authed.GET("/milestones/:id", milestoneHandler.GetMilestone)
		authed.POST("/milestones/:id/fund", milestoneHandler.Fund)
		authed.POST("/milestones/:id/submit", milestoneHandler.Submit)
		authed.POST("/milestones/:id/approve", milestoneHandler.Approve)
		authed.POST("/milestones/:id/reject", milestoneHandler.Reject)
		authed.POST("/milestones/:id/release", milestoneHandler.Release)

		authed.GET("/notifications", notificationHandler.List)
		authed.POST("/notifications/:id/read", notificationHandler.MarkRead)
	}

	admin := r.Group("/admin", AuthMiddleware(jwtSecret))
	{
		admin.POST("/outbox/:id/replay", adminHandler.ReplayEvent)
		admin.POST("/outbox/replay-failed", adminHandler.ReplayFailedEvents)
	}

	return r
}
