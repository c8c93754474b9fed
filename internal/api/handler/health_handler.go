package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger 可探活的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc 把普通函数适配为 Pinger，如 sql.DB.PingContext
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler 健康检查
type HealthHandler struct {
	db    Pinger
	redis Pinger // 可选，nil 表示未启用
}

// NewHealthHandler 创建 HealthHandler，redis 可为 nil
func NewHealthHandler(db, redis Pinger) *HealthHandler {
	return &HealthHandler{db: db, redis: redis}
}

// Check 健康检查
// GET /health
//
// 数据库不可用返回 503；Redis 不可用仅标记 degraded
func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok", "database": "up", "redis": "disabled"}

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "down"
			body["database"] = "down"
		}
	}
	if h.redis != nil {
		body["redis"] = "up"
		if err := h.redis.Ping(ctx); err != nil {
			body["redis"] = "down"
			if status == http.StatusOK {
				body["status"] = "degraded"
			}
		}
	}
	c.JSON(status, body)
}
