package dto

// ── 导入会话请求 ──

// SlotRequest 单个上课时段
// day_of_week: 0=周一 … 6=周日
type SlotRequest struct {
	DayOfWeek *int   `json:"day_of_week" binding:"required,min=0,max=6"`
	StartTime string `json:"start_time"  binding:"required,hhmm"`
	EndTime   string `json:"end_time"    binding:"required,hhmm"`
	Location  string `json:"location"    binding:"omitempty,max=100"`
}

// SetScheduleRequest 整体替换课程课表，空数组表示清空
type SetScheduleRequest struct {
	Slots []SlotRequest `json:"slots" binding:"omitempty,max=20,dive"`
}

// EditSlotRequest 修改时段的单个字段
type EditSlotRequest struct {
	Field string `json:"field" binding:"required,oneof=day_of_week start_time end_time location"`
	Value string `json:"value" binding:"max=100"`
}

// ImportHistoryRequest 导入历史分页
type ImportHistoryRequest struct {
	PaginationRequest
}

// ── 导入会话响应 ──

// ImportSessionResponse 导入会话当前状态
type ImportSessionResponse struct {
	Phase         string                    `json:"phase"`
	Candidates    []ImportCandidateResponse `json:"candidates"`
	SelectedCount int                       `json:"selected_count"`
	LastError     *ImportErrorResponse      `json:"last_error,omitempty"`
	Outcome       *ImportOutcomeResponse    `json:"outcome,omitempty"`
	Notice        string                    `json:"notice,omitempty"`
	StartedAt     string                    `json:"started_at,omitempty"`
	UpdatedAt     string                    `json:"updated_at,omitempty"`
}

// ImportCandidateResponse 候选课程
type ImportCandidateResponse struct {
	ExternalID      string         `json:"external_id"`
	Name            string         `json:"name"`
	Section         string         `json:"section,omitempty"`
	Room            string         `json:"room,omitempty"`
	Instructor      string         `json:"instructor,omitempty"`
	StudentCount    *int           `json:"student_count,omitempty"`
	AlreadyImported bool           `json:"already_imported"`
	Selected        bool           `json:"selected"`
	Expanded        bool           `json:"expanded"`
	HasConflict     bool           `json:"has_conflict"`
	ConflictsWith   []string       `json:"conflicts_with,omitempty"`
	Slots           []SlotResponse `json:"slots"`
}

// SlotResponse 上课时段
type SlotResponse struct {
	DayOfWeek int    `json:"day_of_week"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Location  string `json:"location"`
}

// ImportErrorResponse 最近一次失败的原因
// kind: remote_unavailable | not_authenticated | validation_rejected | no_candidates | unknown
type ImportErrorResponse struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ImportOutcomeResponse 导入结果
type ImportOutcomeResponse struct {
	Successful   bool                 `json:"successful"`
	CommittedIDs []string             `json:"committed_ids"`
	Failed       []ImportItemResponse `json:"failed"`
	SyncedCount  int                  `json:"synced_count"`
	SyncWarning  bool                 `json:"sync_warning"`
	SyncError    string               `json:"sync_error,omitempty"`
	SyncErrors   []ImportItemResponse `json:"sync_errors,omitempty"`
}

// ImportItemResponse 单门课程的失败原因
type ImportItemResponse struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name,omitempty"`
	Reason     string `json:"reason"`
}

// ImportRunResponse 导入历史记录
type ImportRunResponse struct {
	ID             string `json:"id"`
	CommittedCount int    `json:"committed_count"`
	FailedCount    int    `json:"failed_count"`
	SyncedCount    int    `json:"synced_count"`
	SyncWarning    bool   `json:"sync_warning"`
	SyncError      string `json:"sync_error,omitempty"`
	StartedAt      string `json:"started_at"`
	FinishedAt     string `json:"finished_at"`
}
