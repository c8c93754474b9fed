package model

// CandidateCourse 从 Classroom 预览到、尚未导入的课程
// 仅存在于导入会话内存中，不落库
type CandidateCourse struct {
	ExternalID      string `json:"external_id"`
	Name            string `json:"name"`
	Section         string `json:"section,omitempty"`
	Room            string `json:"room,omitempty"`
	Instructor      string `json:"instructor,omitempty"`
	StudentCount    *int   `json:"student_count,omitempty"`
	AlreadyImported bool   `json:"already_imported"`
}

// ScheduleSlot 每周固定上课时段
type ScheduleSlot struct {
	DayOfWeek int    `json:"day_of_week"` // 0=周一 … 6=周日
	StartTime string `json:"start_time"`  // HH:MM，补零
	EndTime   string `json:"end_time"`    // HH:MM，补零
	Location  string `json:"location,omitempty"`
}
