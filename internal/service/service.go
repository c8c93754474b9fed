package service

import (
	"go.uber.org/zap"

	"class-bridge/backend/config"
	"class-bridge/backend/internal/repository"
)

// Service 所有 Service 的聚合入口
type Service struct {
	Import ImportService
	Export ExportService
}

// NewService 创建 Service 聚合
// locker 为 nil 时导入锁仅在进程内生效
func NewService(
	cfg *config.Config,
	repo *repository.Repository,
	dir CourseDirectory,
	locker ImportLocker,
	logger *zap.Logger,
) *Service {
	return &Service{
		Import: NewImportService(&cfg.Import, dir, repo, locker, logger),
		Export: NewExportService(repo, logger),
	}
}
