package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimit はトークンバケットによる全体レート制限を行います。
// 変換処理はCPU・メモリ負荷が高いため、受付の時点で流量を抑えます。
func RateLimit(perSecond float64, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "リクエストが多すぎます。しばらく待ってから再試行してください。",
			})
			return
		}
		c.Next()
	}
}
