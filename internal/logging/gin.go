package logging

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// RequestIDHeader はリクエスト ID を受け渡すヘッダーです。
	RequestIDHeader = "X-Request-ID"
	// ContextRequestIDKey は gin.Context にリクエスト ID を保存するキーです。
	ContextRequestIDKey = "request.id"
)

// RequestID は受信ヘッダーのリクエスト ID を引き継ぎ、なければ採番します。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ContextRequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// Logger はリクエストごとに 1 行のアクセスログを出力するミドルウェアです。
// ステータスコードに応じてログレベルを切り替えます。
func Logger(l *zap.Logger, name string) gin.HandlerFunc {
	logger := l.Named(name)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.Request.URL.Path
		fields := []zap.Field{
			zap.String("type", "http_request"),
			zap.String("request_id", c.GetString(ContextRequestIDKey)),
			zap.String("http_method", c.Request.Method),
			zap.String("http_path", path),
			zap.String("route", c.FullPath()),
			zap.String("remote_addr", c.ClientIP()),
			zap.Int("http_status_code", status),
			zap.String("http_status_text", http.StatusText(status)),
			zap.Int("response_bytes", c.Writer.Size()),
			zap.Duration("latency", time.Since(start)),
			zap.String("user_agent", c.Request.UserAgent()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		msg := fmt.Sprintf("HTTP request completed: %s", path)
		switch {
		case status >= 500:
			logger.Error(msg, fields...)
		case status >= 400:
			logger.Warn(msg, fields...)
		case path == "/health" || path == "/metrics":
			logger.Debug(msg, fields...)
		default:
			logger.Info(msg, fields...)
		}
	}
}
