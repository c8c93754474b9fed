package classroom

import (
	"fmt"
	"strings"

	"class-bridge/backend/internal/model"
	apperrors "class-bridge/backend/pkg/errors"
)

// ── 线上结构 ──
//
// 课程后端只约定这一种结构；字段缺失或取值非法直接判为 ValidationRejected，
// 不再按多种候选路径猜测课程数组所在位置。

type slotPayload struct {
	DayOfWeek *int   `json:"day_of_week"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Location  string `json:"location,omitempty"`
}

type coursePayload struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Section      string        `json:"section"`
	Room         string        `json:"room"`
	Instructor   string        `json:"instructor"`
	StudentCount *int          `json:"student_count"`
	Schedules    []slotPayload `json:"schedules"`
}

type discoveryPayload struct {
	Courses            *[]coursePayload `json:"courses"`
	AlreadyImportedIDs []string         `json:"already_imported_ids"`
}

type commitRequest struct {
	CourseIDs []string                 `json:"course_ids"`
	Schedules map[string][]slotPayload `json:"schedules"`
}

type commitPayload struct {
	CommittedIDs *[]string        `json:"committed_ids"`
	Failed       map[string]string `json:"failed"`
}

type syncRequest struct {
	CourseIDs []string `json:"course_ids"`
}

type syncPayload struct {
	SyncedCount *int              `json:"synced_count"`
	Errors      map[string]string `json:"errors"`
}

func toSlotPayload(s model.ScheduleSlot) slotPayload {
	day := s.DayOfWeek
	return slotPayload{DayOfWeek: &day, StartTime: s.StartTime, EndTime: s.EndTime, Location: s.Location}
}

func malformed(op, format string, args ...interface{}) error {
	return apperrors.NewRemoteError(op, apperrors.ErrValidationRejected, 0, fmt.Sprintf(format, args...), ErrMalformed)
}

// normalizeDiscovery 预览响应 → DiscoveryResult
func normalizeDiscovery(p *discoveryPayload) (*DiscoveryResult, error) {
	if p.Courses == nil {
		return nil, malformed(OpDiscover, "缺少 courses 字段")
	}

	imported := make(map[string]bool, len(p.AlreadyImportedIDs))
	for _, id := range p.AlreadyImportedIDs {
		imported[id] = true
	}

	result := &DiscoveryResult{
		Candidates:         make([]model.CandidateCourse, 0, len(*p.Courses)),
		SuggestedSlots:     make(map[string][]model.ScheduleSlot),
		AlreadyImportedIDs: p.AlreadyImportedIDs,
	}
	seen := make(map[string]bool, len(*p.Courses))

	for i, c := range *p.Courses {
		id := strings.TrimSpace(c.ID)
		name := strings.TrimSpace(c.Name)
		if id == "" {
			return nil, malformed(OpDiscover, "courses[%d] 缺少 id", i)
		}
		if name == "" {
			return nil, malformed(OpDiscover, "courses[%d] 缺少 name", i)
		}
		if seen[id] {
			return nil, malformed(OpDiscover, "课程 id 重复: %s", id)
		}
		if c.StudentCount != nil && *c.StudentCount < 0 {
			return nil, malformed(OpDiscover, "课程 %s 的 student_count 为负数", id)
		}
		seen[id] = true

		slots := make([]model.ScheduleSlot, 0, len(c.Schedules))
		for j, sp := range c.Schedules {
			if sp.DayOfWeek == nil {
				return nil, malformed(OpDiscover, "课程 %s 的 schedules[%d] 缺少 day_of_week", id, j)
			}
			slot := model.ScheduleSlot{
				DayOfWeek: *sp.DayOfWeek,
				StartTime: sp.StartTime,
				EndTime:   sp.EndTime,
				Location:  strings.TrimSpace(sp.Location),
			}
			if err := slot.Validate(); err != nil {
				return nil, malformed(OpDiscover, "课程 %s 的 schedules[%d] 非法: %v", id, j, err)
			}
			slots = append(slots, slot)
		}
		if len(slots) > 0 {
			result.SuggestedSlots[id] = slots
		}

		result.Candidates = append(result.Candidates, model.CandidateCourse{
			ExternalID:      id,
			Name:            name,
			Section:         strings.TrimSpace(c.Section),
			Room:            strings.TrimSpace(c.Room),
			Instructor:      strings.TrimSpace(c.Instructor),
			StudentCount:    c.StudentCount,
			AlreadyImported: imported[id],
		})
	}

	return result, nil
}

// missingResultReason 对端既未确认成功也未给出失败原因的课程
const missingResultReason = "后端未返回结果"

// normalizeCommit 导入响应 → CommitResult
// 未提交过的 id、重复 id、同时出现在成功与失败中的 id 均视为结构错误；
// 提交了但对端未提及的课程记为失败
func normalizeCommit(p *commitPayload, selectedIDs []string) (*CommitResult, error) {
	if p.CommittedIDs == nil {
		return nil, malformed(OpCommit, "缺少 committed_ids 字段")
	}

	requested := make(map[string]bool, len(selectedIDs))
	for _, id := range selectedIDs {
		requested[id] = true
	}

	result := &CommitResult{
		CommittedIDs: make([]string, 0, len(*p.CommittedIDs)),
		FailedIDs:    make(map[string]string, len(p.Failed)),
	}
	committed := make(map[string]bool, len(*p.CommittedIDs))
	for _, id := range *p.CommittedIDs {
		if !requested[id] {
			return nil, malformed(OpCommit, "committed_ids 含未提交的课程: %s", id)
		}
		if committed[id] {
			return nil, malformed(OpCommit, "committed_ids 含重复课程: %s", id)
		}
		committed[id] = true
		result.CommittedIDs = append(result.CommittedIDs, id)
	}
	for id, reason := range p.Failed {
		if !requested[id] {
			return nil, malformed(OpCommit, "failed 含未提交的课程: %s", id)
		}
		if committed[id] {
			return nil, malformed(OpCommit, "课程同时出现在 committed_ids 与 failed 中: %s", id)
		}
		result.FailedIDs[id] = reason
	}
	for _, id := range selectedIDs {
		if committed[id] {
			continue
		}
		if _, ok := result.FailedIDs[id]; !ok {
			result.FailedIDs[id] = missingResultReason
		}
	}
	return result, nil
}

// normalizeSync 同步响应 → SyncResult
func normalizeSync(p *syncPayload) (*SyncResult, error) {
	if p.SyncedCount == nil {
		return nil, malformed(OpSync, "缺少 synced_count 字段")
	}
	if *p.SyncedCount < 0 {
		return nil, malformed(OpSync, "synced_count 为负数")
	}
	errs := p.Errors
	if errs == nil {
		errs = map[string]string{}
	}
	return &SyncResult{SyncedCount: *p.SyncedCount, Errors: errs}, nil
}
