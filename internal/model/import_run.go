package model

import "time"

// 导入记录状态
const (
	ImportItemCommitted = "committed"
	ImportItemFailed    = "failed"
)

// ImportRun 导入记录表 对应 import_runs
// 仅在流程到达 Done 后写入一条，作为审计与历史导出的数据源
type ImportRun struct {
	ImportRunID    string    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"import_run_id"`
	UserID         string    `gorm:"type:varchar(64);not null;index"                json:"user_id"`
	CommittedCount int       `gorm:"not null;default:0"                             json:"committed_count"`
	FailedCount    int       `gorm:"not null;default:0"                             json:"failed_count"`
	SyncedCount    int       `gorm:"not null;default:0"                             json:"synced_count"`
	SyncWarning    bool      `gorm:"not null;default:false"                         json:"sync_warning"`
	SyncError      string    `gorm:"type:varchar(500)"                              json:"sync_error,omitempty"`
	StartedAt      time.Time `gorm:"not null"                                       json:"started_at"`
	FinishedAt     time.Time `gorm:"not null"                                       json:"finished_at"`
	BaseModel

	// 关联
	Items []ImportRunItem `gorm:"foreignKey:ImportRunID;references:ImportRunID" json:"items,omitempty"`
}

// TableName 指定表名
func (ImportRun) TableName() string { return "import_runs" }

// ImportRunItem 导入明细表 对应 import_run_items
type ImportRunItem struct {
	ImportRunItemID string    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"import_run_item_id"`
	ImportRunID     string    `gorm:"type:uuid;not null;index"                       json:"import_run_id"`
	ExternalID      string    `gorm:"type:varchar(128);not null"                     json:"external_id"`
	CourseName      string    `gorm:"type:varchar(200);not null"                     json:"course_name"`
	Status          string    `gorm:"type:varchar(20);not null"                      json:"status"` // committed | failed
	Reason          string    `gorm:"type:varchar(500)"                              json:"reason,omitempty"`
	SlotCount       int       `gorm:"not null;default:0"                             json:"slot_count"`
	CreatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"             json:"created_at"`
}

// TableName 指定表名
func (ImportRunItem) TableName() string { return "import_run_items" }
