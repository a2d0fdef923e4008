package middleware

import (
	"github.com/Mieluoxxx/cvp-standby/internal/stats"
	"github.com/gin-gonic/gin"
)

// RequestCounterMiddleware 请求计数中间件
// 统计所有通过的请求，认证失败的请求计入拒绝数
func RequestCounterMiddleware(counter *stats.RateCounter) gin.HandlerFunc {
	return func(c *gin.Context) {
		counter.Increment()

		c.Next()

		if c.IsAborted() {
			counter.Reject()
		}
	}
}
