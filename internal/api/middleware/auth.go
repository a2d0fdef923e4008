package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// OperatorAuthMiddleware 运维 Token 验证中间件
// 校验 Bearer Token 是否与配置的运维 Token 一致；token 为空时不校验
func OperatorAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		// 1. 提取 Authorization 头
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "MISSING_AUTH_HEADER", "Missing authorization header")
			return
		}

		// 2. 解析 Bearer Token
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			abortUnauthorized(c, "INVALID_AUTH_FORMAT", "Invalid authorization format. Expected: Bearer <token>")
			return
		}

		// 3. 验证 Token
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			abortUnauthorized(c, "INVALID_TOKEN", "Invalid token")
			return
		}

		c.Set("operator", true)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, code, message string) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
	c.Abort()
}
