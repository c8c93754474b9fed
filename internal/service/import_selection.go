package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"class-bridge/backend/internal/model"
	"class-bridge/backend/pkg/classroom"
)

// ── 选择模型 ────────────────────────────────────────────────
//
// 导入会话内的候选课程、勾选状态与每门课的周课表。
// 纯内存操作，不做 I/O；每次修改课表后全量重算冲突。
// 并发安全由持有它的编排器负责。
// ─────────────────────────────────────────────────────────────

var (
	ErrCandidateNotFound   = errors.New("候选课程不存在")
	ErrSlotIndexOutOfRange = errors.New("时段序号越界")
	ErrUnknownSlotField    = errors.New("不支持修改该字段")
	ErrInvalidSchedule     = errors.New("时段数据不合法")
)

// SlotField 可编辑的时段字段
type SlotField string

const (
	SlotFieldDayOfWeek SlotField = "day_of_week"
	SlotFieldStartTime SlotField = "start_time"
	SlotFieldEndTime   SlotField = "end_time"
	SlotFieldLocation  SlotField = "location"
)

// 新增时段的默认值
const (
	defaultSlotDay   = 0
	defaultSlotStart = "09:00"
	defaultSlotEnd   = "10:00"
)

// Selection 选择模型
type Selection struct {
	order      []string
	candidates map[string]model.CandidateCourse
	selected   map[string]bool
	expanded   map[string]bool
	schedules  map[string][]model.ScheduleSlot
	conflicts  map[string]bool
}

// CandidateView 候选课程的只读视图
type CandidateView struct {
	Course        model.CandidateCourse
	Selected      bool
	Expanded      bool
	HasConflict   bool
	ConflictsWith []string
	Slots         []model.ScheduleSlot
}

// newSelection 由预览结果构建选择模型
// 默认策略：无冲突的课程预先勾选，有冲突的课程展开待用户处理
func newSelection(res *classroom.DiscoveryResult) *Selection {
	s := &Selection{
		order:      make([]string, 0, len(res.Candidates)),
		candidates: make(map[string]model.CandidateCourse, len(res.Candidates)),
		selected:   make(map[string]bool),
		expanded:   make(map[string]bool),
		schedules:  make(map[string][]model.ScheduleSlot),
	}
	for _, c := range res.Candidates {
		s.order = append(s.order, c.ExternalID)
		s.candidates[c.ExternalID] = c
		if slots, ok := res.SuggestedSlots[c.ExternalID]; ok {
			s.schedules[c.ExternalID] = cloneSlots(slots)
		}
	}

	s.conflicts = detectConflicts(s.order, s.schedules)
	for _, id := range s.order {
		if s.conflicts[id] {
			s.expanded[id] = true
		} else {
			s.selected[id] = true
		}
	}
	return s
}

// Len 候选课程数量
func (s *Selection) Len() int { return len(s.order) }

// ToggleSelect 切换勾选状态；有冲突的课程也允许手动勾选
func (s *Selection) ToggleSelect(id string) error {
	if err := s.mustExist(id); err != nil {
		return err
	}
	if s.selected[id] {
		delete(s.selected, id)
	} else {
		s.selected[id] = true
	}
	return nil
}

// ToggleExpand 切换展开状态
func (s *Selection) ToggleExpand(id string) error {
	if err := s.mustExist(id); err != nil {
		return err
	}
	if s.expanded[id] {
		delete(s.expanded, id)
	} else {
		s.expanded[id] = true
	}
	return nil
}

// SelectAll 勾选全部无冲突课程，重复调用无副作用
func (s *Selection) SelectAll() {
	for _, id := range s.order {
		if !s.conflicts[id] {
			s.selected[id] = true
		}
	}
}

// SelectNone 取消全部无冲突课程的勾选
// 有冲突的课程只能逐个处理，批量操作不触碰
func (s *Selection) SelectNone() {
	for _, id := range s.order {
		if !s.conflicts[id] {
			delete(s.selected, id)
		}
	}
}

// SetSchedule 整体替换课程的课表，每个时段必须完整合法
func (s *Selection) SetSchedule(id string, slots []model.ScheduleSlot) error {
	if err := s.mustExist(id); err != nil {
		return err
	}
	for i, slot := range slots {
		if err := slot.Validate(); err != nil {
			return fmt.Errorf("%w: 第 %d 个时段: %v", ErrInvalidSchedule, i+1, err)
		}
	}
	if len(slots) == 0 {
		delete(s.schedules, id)
	} else {
		s.schedules[id] = cloneSlots(slots)
	}
	s.recompute()
	return nil
}

// AddSlot 追加一个默认时段，地点沿用课程教室
func (s *Selection) AddSlot(id string) error {
	if err := s.mustExist(id); err != nil {
		return err
	}
	s.schedules[id] = append(s.schedules[id], model.ScheduleSlot{
		DayOfWeek: defaultSlotDay,
		StartTime: defaultSlotStart,
		EndTime:   defaultSlotEnd,
		Location:  s.candidates[id].Room,
	})
	s.recompute()
	return nil
}

// RemoveSlot 删除第 index 个时段
func (s *Selection) RemoveSlot(id string, index int) error {
	if err := s.mustExist(id); err != nil {
		return err
	}
	slots := s.schedules[id]
	if index < 0 || index >= len(slots) {
		return fmt.Errorf("%w: %d", ErrSlotIndexOutOfRange, index)
	}
	slots = append(slots[:index:index], slots[index+1:]...)
	if len(slots) == 0 {
		delete(s.schedules, id)
	} else {
		s.schedules[id] = slots
	}
	s.recompute()
	return nil
}

// EditField 修改第 index 个时段的单个字段
// 只校验字段格式；开始/结束先后关系允许暂时不成立，提交前统一校验
func (s *Selection) EditField(id string, index int, field SlotField, value string) error {
	if err := s.mustExist(id); err != nil {
		return err
	}
	slots := s.schedules[id]
	if index < 0 || index >= len(slots) {
		return fmt.Errorf("%w: %d", ErrSlotIndexOutOfRange, index)
	}

	slot := slots[index]
	value = strings.TrimSpace(value)
	switch field {
	case SlotFieldDayOfWeek:
		day, err := strconv.Atoi(value)
		if err != nil || day < 0 || day > 6 {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, model.ErrSlotDayOutOfRange)
		}
		slot.DayOfWeek = day
	case SlotFieldStartTime:
		if !model.ValidClock(value) {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, model.ErrSlotTimeFormat)
		}
		slot.StartTime = value
	case SlotFieldEndTime:
		if !model.ValidClock(value) {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, model.ErrSlotTimeFormat)
		}
		slot.EndTime = value
	case SlotFieldLocation:
		slot.Location = value
	default:
		return fmt.Errorf("%w: %s", ErrUnknownSlotField, field)
	}

	slots[index] = slot
	s.recompute()
	return nil
}

// SelectedIDs 按预览顺序返回已勾选课程
func (s *Selection) SelectedIDs() []string {
	ids := make([]string, 0, len(s.selected))
	for _, id := range s.order {
		if s.selected[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// SelectedSchedules 已勾选课程的课表副本
func (s *Selection) SelectedSchedules() map[string][]model.ScheduleSlot {
	out := make(map[string][]model.ScheduleSlot, len(s.selected))
	for _, id := range s.order {
		if s.selected[id] {
			if slots, ok := s.schedules[id]; ok {
				out[id] = cloneSlots(slots)
			}
		}
	}
	return out
}

// ValidateSelected 提交前校验已勾选课程的全部时段
// 不强制至少一个时段，由课程后端决定
func (s *Selection) ValidateSelected() error {
	for _, id := range s.order {
		if !s.selected[id] {
			continue
		}
		for i, slot := range s.schedules[id] {
			if err := slot.Validate(); err != nil {
				return fmt.Errorf("%w: %s 第 %d 个时段: %v", ErrInvalidSchedule, s.candidates[id].Name, i+1, err)
			}
		}
	}
	return nil
}

// Course 返回候选课程
func (s *Selection) Course(id string) (model.CandidateCourse, bool) {
	c, ok := s.candidates[id]
	return c, ok
}

// HasConflict 课程当前是否存在冲突
func (s *Selection) HasConflict(id string) bool { return s.conflicts[id] }

// IsSelected 课程当前是否勾选
func (s *Selection) IsSelected(id string) bool { return s.selected[id] }

// Views 按预览顺序返回全部候选课程视图
func (s *Selection) Views() []CandidateView {
	views := make([]CandidateView, 0, len(s.order))
	for _, id := range s.order {
		v := CandidateView{
			Course:      s.candidates[id],
			Selected:    s.selected[id],
			Expanded:    s.expanded[id],
			HasConflict: s.conflicts[id],
			Slots:       cloneSlots(s.schedules[id]),
		}
		if v.HasConflict {
			v.ConflictsWith = conflictDetails(id, s.order, s.schedules)
		}
		views = append(views, v)
	}
	return views
}

// recompute 重算冲突；新出现冲突的课程自动展开提示用户
func (s *Selection) recompute() {
	next := detectConflicts(s.order, s.schedules)
	for id := range next {
		if !s.conflicts[id] {
			s.expanded[id] = true
		}
	}
	s.conflicts = next
}

func (s *Selection) mustExist(id string) error {
	if _, ok := s.candidates[id]; !ok {
		return fmt.Errorf("%w: %s", ErrCandidateNotFound, id)
	}
	return nil
}

func cloneSlots(slots []model.ScheduleSlot) []model.ScheduleSlot {
	if slots == nil {
		return nil
	}
	out := make([]model.ScheduleSlot, len(slots))
	copy(out, slots)
	return out
}
