package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"class-bridge/backend/config"
	"class-bridge/backend/internal/api/handler"
	"class-bridge/backend/internal/api/router"
	"class-bridge/backend/internal/repository"
	"class-bridge/backend/internal/service"
	"class-bridge/backend/internal/validator"
	"class-bridge/backend/pkg/classroom"
	"class-bridge/backend/pkg/database"
	"class-bridge/backend/pkg/jwt"
	applogger "class-bridge/backend/pkg/logger"
	"class-bridge/backend/pkg/redis"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	logger, err := applogger.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("应用启动中...",
		zap.Int("port", cfg.Server.Port),
		zap.String("log_level", cfg.Log.Level),
		zap.String("directory", cfg.Directory.BaseURL),
	)

	// 3. 连接数据库
	db, err := database.NewDB(&cfg.Database, cfg.Log.Level == "debug", logger)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}
	logger.Info("数据库连接成功")

	// 3.1 执行数据库迁移
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("获取底层 sql.DB 失败", zap.Error(err))
	}
	if err := database.RunMigrations(sqlDB, logger); err != nil {
		logger.Fatal("数据库迁移失败", zap.Error(err))
	}

	// 4. 连接 Redis（可选：连接失败时降级运行，不中断启动）
	rdb, err := redis.NewClient(&cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis 连接失败，导入锁仅在本进程生效，限流关闭", zap.Error(err))
		rdb = nil
	}
	var locker service.ImportLocker
	var redisPinger handler.Pinger
	if rdb != nil {
		locker = rdb
		redisPinger = rdb
	}

	// 5. 初始化 JWT 校验与请求体校验
	jwtMgr := jwt.NewManager(&cfg.Auth)
	validator.Setup()

	// 6. 依赖注入: Repository → Service → Handler
	repo := repository.NewRepository(db)
	dir := classroom.NewClient(&cfg.Directory, logger)
	svc := service.NewService(cfg, repo, dir, locker, logger)
	health := handler.NewHealthHandler(handler.PingFunc(sqlDB.PingContext), redisPinger)
	h := handler.NewHandler(svc, health)

	// 6.1 后台清理过期导入会话
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go svc.Import.RunJanitor(janitorCtx)

	// 7. 初始化路由
	engine := router.Setup(cfg, h, jwtMgr, rdb, logger)

	// 8. 启动 HTTP 服务器（优雅关闭）
	// 提交与同步可能较慢，写超时覆盖两次远程调用
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*cfg.Directory.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP 服务器已启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP 服务器异常", zap.Error(err))
		}
	}()

	// 9. 监听系统信号，优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("收到关闭信号，开始优雅关闭...", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}
	stopJanitor()

	// 关闭数据库连接
	sqlDB.Close()

	// 关闭 Redis 连接
	if rdb != nil {
		rdb.Close()
	}

	logger.Info("服务器已关闭")
}
