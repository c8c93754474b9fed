package repository

import (
	"context"

	"gorm.io/gorm"

	"class-bridge/backend/internal/model"
)

// ImportRunRepository 导入记录数据访问接口
type ImportRunRepository interface {
	// Create 在同一事务中写入记录与明细
	Create(ctx context.Context, run *model.ImportRun) error
	GetByID(ctx context.Context, id string) (*model.ImportRun, error)
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]model.ImportRun, int64, error)
	// ListAllByUser 含明细，按完成时间倒序，供导出使用
	ListAllByUser(ctx context.Context, userID string) ([]model.ImportRun, error)
}

type importRunRepo struct {
	db *gorm.DB
}

// NewImportRunRepo 创建 ImportRunRepository 实例
func NewImportRunRepo(db *gorm.DB) ImportRunRepository {
	return &importRunRepo{db: db}
}

func (r *importRunRepo) Create(ctx context.Context, run *model.ImportRun) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items := run.Items
		run.Items = nil
		if err := tx.Omit("Items").Create(run).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		for i := range items {
			items[i].ImportRunID = run.ImportRunID
		}
		if err := tx.Create(&items).Error; err != nil {
			return err
		}
		run.Items = items
		return nil
	})
}

func (r *importRunRepo) GetByID(ctx context.Context, id string) (*model.ImportRun, error) {
	var run model.ImportRun
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("import_run_id = ?", id).
		First(&run).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *importRunRepo) ListByUser(ctx context.Context, userID string, offset, limit int) ([]model.ImportRun, int64, error) {
	var (
		runs  []model.ImportRun
		total int64
	)
	query := r.db.WithContext(ctx).Model(&model.ImportRun{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.
		Order("finished_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&runs).Error
	return runs, total, err
}

func (r *importRunRepo) ListAllByUser(ctx context.Context, userID string) ([]model.ImportRun, error) {
	var runs []model.ImportRun
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("status ASC, course_name ASC")
		}).
		Where("user_id = ?", userID).
		Order("finished_at DESC").
		Find(&runs).Error
	return runs, err
}
