package middleware

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// IdempotencyHeader 客户端重试时携带的幂等键
const IdempotencyHeader = "Idempotency-Key"

// cachedResponse 已完成请求的响应
type cachedResponse struct {
	status      int
	contentType string
	body        []byte
}

// pending 请求仍在处理中的占位
type pending struct{}

// Idempotency 运维命令幂等缓存
// 相同幂等键在有效期内重放第一次的响应，不重复执行命令
type Idempotency struct {
	cache *cache.Cache
}

// NewIdempotency 创建幂等缓存
func NewIdempotency(ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Idempotency{cache: cache.New(ttl, 2*ttl)}
}

// Middleware 返回 gin 中间件，未携带幂等键的请求直接放行
func (i *Idempotency) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		if key == "" {
			c.Next()
			return
		}
		key = c.Request.Method + " " + c.FullPath() + " " + key

		// Add 只在键不存在时成功，同一键的并发请求只有一个会执行
		if err := i.cache.Add(key, pending{}, cache.DefaultExpiration); err != nil {
			cached, _ := i.cache.Get(key)
			if resp, ok := cached.(*cachedResponse); ok {
				c.Header("Idempotent-Replay", "true")
				c.Data(resp.status, resp.contentType, resp.body)
				c.Abort()
				return
			}
			c.JSON(http.StatusConflict, gin.H{
				"error": gin.H{
					"code":    "REQUEST_IN_PROGRESS",
					"message": "A request with the same idempotency key is still in progress",
				},
			})
			c.Abort()
			return
		}

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		// 服务端错误允许客户端用同一键重试
		if recorder.Status() >= http.StatusInternalServerError {
			i.cache.Delete(key)
			return
		}
		i.cache.Set(key, &cachedResponse{
			status:      recorder.Status(),
			contentType: recorder.Header().Get("Content-Type"),
			body:        recorder.body.Bytes(),
		}, cache.DefaultExpiration)
	}
}

// bodyRecorder 记录写出的响应体
type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *bodyRecorder) WriteString(s string) (int, error) {
	r.body.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}
