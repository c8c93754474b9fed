package handler

import "class-bridge/backend/internal/service"

// Handler 所有 Handler 的聚合入口
type Handler struct {
	Import *ImportHandler
	Export *ExportHandler
	Health *HealthHandler
}

// NewHandler 创建 Handler 聚合
func NewHandler(svc *service.Service, health *HealthHandler) *Handler {
	return &Handler{
		Import: NewImportHandler(svc.Import),
		Export: NewExportHandler(svc.Export),
		Health: health,
	}
}
