package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/reel-forge/internal/logging"
	"github.com/yourusername/reel-forge/internal/metrics"
	"github.com/yourusername/reel-forge/internal/video"
)

const (
	serviceName    = "reel-forge-api"
	serviceVersion = "0.1.0"
	// formOverhead はアップロード上限に足すプロンプト等のフォーム分の余裕です。
	formOverhead = 1 << 20
)

// newRouter は API のルーティングとミドルウェアを組み立てます。
func newRouter(a *app) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logging.RequestID(), logging.Logger(a.logger, "http"), metrics.Middleware())

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	if origins := a.cfg.AllowedOrigins(); len(origins) > 0 {
		corsConfig.AllowOrigins = origins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		logging.RequestIDHeader,
	}
	corsConfig.ExposeHeaders = []string{"Content-Disposition", logging.RequestIDHeader}
	router.Use(cors.New(corsConfig))

	router.GET("/health", healthHandler(a))
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/v1")
	v1.Use(a.auth.RequireBearer())
	{
		v1.POST("/videos", limitBody(a.cfg.MaxReferenceBytes+int64(a.cfg.MaxMetadataBytes)+formOverhead), video.CreateHandler(a.videos))
		v1.GET("/videos/:id", video.StatusHandler(a.videos))
		v1.GET("/videos/:id/content", video.ContentHandler(a.videos))
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, video.NewErrorBody("Invalid URL ("+c.Request.Method+" "+c.Request.URL.Path+")", "invalid_request_error"))
	})
	return router
}

// healthHandler はヘルスチェックエンドポイントのハンドラーです。
// ジョブストアに到達できない場合は 503 を返します。
func healthHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := a.store.Ping(ctx); err != nil {
			a.logger.Warn("health check failed", zap.Error(err))
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"service": serviceName,
			"version": serviceVersion,
		})
	}
}

// limitBody はリクエストボディの大きさを制限します。
func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}
