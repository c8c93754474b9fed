package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"class-bridge/backend/pkg/requestid"
)

const (
	requestIDKey = "request_id"
	// requestIDMaxLen 外部传入的 Request-ID 最大长度
	requestIDMaxLen = 64
)

// RequestID 请求追踪 ID 中间件
// 优先沿用请求头 X-Request-ID，缺失或过长时生成 UUID
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestid.Header)
		if rid == "" || len(rid) > requestIDMaxLen {
			rid = uuid.New().String()
		}

		c.Set(requestIDKey, rid)
		c.Header(requestid.Header, rid)
		// 写入 Request.Context，远程调用据此透传
		c.Request = c.Request.WithContext(requestid.With(c.Request.Context(), rid))

		c.Next()
	}
}
