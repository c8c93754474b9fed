package service

import (
	"class-bridge/backend/internal/model"
)

// ── 时段冲突检测 ────────────────────────────────────────────
//
// 两个时段冲突 ⇔ 同一 day_of_week 且 [start, end) 半开区间重叠：
//   NOT (e1 <= s2 OR s1 >= e2)
// 首尾相接（10:00 结束、10:00 开始）不算冲突。
// 补零 HH:MM 下字符串比较等价于时间比较。
// ─────────────────────────────────────────────────────────────

// slotsConflict 判断两个时段是否冲突（对称）
func slotsConflict(a, b model.ScheduleSlot) bool {
	if a.DayOfWeek != b.DayOfWeek {
		return false
	}
	return !(a.EndTime <= b.StartTime || a.StartTime >= b.EndTime)
}

// slotRef 指向某课程的某个时段
type slotRef struct {
	courseID string
	index    int
	slot     model.ScheduleSlot
}

// detectConflicts 计算每门课程是否存在冲突（课程内部或跨课程）
// 按星期分桶后两两比较，返回有冲突的课程集合
func detectConflicts(order []string, schedules map[string][]model.ScheduleSlot) map[string]bool {
	byDay := make(map[int][]slotRef)
	for _, id := range order {
		for i, s := range schedules[id] {
			byDay[s.DayOfWeek] = append(byDay[s.DayOfWeek], slotRef{courseID: id, index: i, slot: s})
		}
	}

	conflicted := make(map[string]bool)
	for _, refs := range byDay {
		for i := 0; i < len(refs); i++ {
			for j := i + 1; j < len(refs); j++ {
				if slotsConflict(refs[i].slot, refs[j].slot) {
					conflicted[refs[i].courseID] = true
					conflicted[refs[j].courseID] = true
				}
			}
		}
	}
	return conflicted
}

// conflictDetails 列出与指定课程冲突的课程 id（不含自身；课程内部冲突以自身 id 表示）
func conflictDetails(courseID string, order []string, schedules map[string][]model.ScheduleSlot) []string {
	var result []string
	seen := make(map[string]bool)
	mine := schedules[courseID]
	for _, other := range order {
		others := schedules[other]
		for i, a := range mine {
			for j, b := range others {
				if other == courseID && i >= j {
					continue
				}
				if slotsConflict(a, b) && !seen[other] {
					seen[other] = true
					result = append(result, other)
				}
			}
		}
	}
	return result
}
