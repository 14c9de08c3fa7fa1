// Package middleware はHTTP層の共通ミドルウェアを提供します。
package middleware

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLogger はリクエストの完了時にメソッド・パス・ステータス・所要時間を
// 記録します。
func RequestLogger(logger *log.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = log.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Printf("%s %s status=%d duration=%s",
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			time.Since(start).Round(time.Millisecond),
		)
	}
}
