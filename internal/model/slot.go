package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSlotDayOutOfRange = errors.New("day_of_week 必须在 0-6 之间")
	ErrSlotTimeFormat    = errors.New("时间格式必须为补零的 HH:MM")
	ErrSlotTimeOrder     = errors.New("开始时间必须早于结束时间")
)

// ValidClock 判断是否为补零的 HH:MM
func ValidClock(v string) bool {
	if len(v) != 5 {
		return false
	}
	_, err := time.Parse("15:04", v)
	return err == nil
}

// Validate 校验时段本身是否合法
// 补零格式下字符串比较即时间先后比较
func (s ScheduleSlot) Validate() error {
	if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
		return fmt.Errorf("%w: %d", ErrSlotDayOutOfRange, s.DayOfWeek)
	}
	if !ValidClock(s.StartTime) {
		return fmt.Errorf("%w: start_time=%q", ErrSlotTimeFormat, s.StartTime)
	}
	if !ValidClock(s.EndTime) {
		return fmt.Errorf("%w: end_time=%q", ErrSlotTimeFormat, s.EndTime)
	}
	if s.StartTime >= s.EndTime {
		return fmt.Errorf("%w: %s-%s", ErrSlotTimeOrder, s.StartTime, s.EndTime)
	}
	return nil
}
