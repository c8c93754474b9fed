package router

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"class-bridge/backend/config"
	"class-bridge/backend/internal/api/handler"
	"class-bridge/backend/internal/api/middleware"
	"class-bridge/backend/pkg/jwt"
	"class-bridge/backend/pkg/redis"
)

// Setup 初始化并返回 Gin 路由引擎
// rdb 为 nil 时限流与黑名单降级关闭
func Setup(cfg *config.Config, h *handler.Handler, jwtMgr *jwt.Manager, rdb *redis.Client, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// ── 全局中间件 ──
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Server.CORS.AllowOrigins))
	r.Use(middleware.BodyLimit(cfg.Server.MaxBodyBytes))

	// ── 健康检查 ──
	r.GET("/health", h.Health.Check)

	// ── API v1 ──
	v1 := r.Group("/api/v1")
	v1.Use(middleware.JWTAuth(jwtMgr, rdb, logger))
	{
		// 发起与提交会调用课程后端，单独限流
		limited := middleware.RateLimit(rdb, cfg.Import.RateLimit, cfg.Import.RateWindow)

		imports := v1.Group("/imports")
		{
			imports.POST("", limited, h.Import.Start)
			imports.GET("/history", h.Import.ListHistory)
			imports.GET("/history/export", h.Export.ExportHistory)

			current := imports.Group("/current")
			{
				current.GET("", h.Import.Current)
				current.POST("/confirm", limited, h.Import.Confirm)
				current.POST("/cancel", h.Import.Cancel)
				current.POST("/select-all", h.Import.SelectAll)
				current.POST("/select-none", h.Import.SelectNone)
				current.GET("/calendar.ics", h.Import.ExportCalendar)

				candidates := current.Group("/candidates/:id")
				{
					candidates.POST("/toggle", h.Import.ToggleSelect)
					candidates.POST("/expand", h.Import.ToggleExpand)
					candidates.PUT("/schedule", h.Import.SetSchedule)
					candidates.POST("/calendar", h.Import.ApplyCalendar)
					candidates.POST("/slots", h.Import.AddSlot)
					candidates.PATCH("/slots/:index", h.Import.EditSlot)
					candidates.DELETE("/slots/:index", h.Import.RemoveSlot)
				}
			}
		}
	}

	return r
}
