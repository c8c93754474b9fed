package service

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"class-bridge/backend/internal/model"
)

// ── 日历导入导出 ────────────────────────────────────────────
//
// 导入：把 iCalendar (RFC 5545) 中的 VEVENT 折算为周课表时段
//   - DTSTART 决定星期几与开始时间，DTEND（或 DURATION）决定结束时间
//   - 重复规则与周次一律忽略，同一星期同一时间段只保留一条
//   - 全天事件、跨天事件跳过
//
// 导出：把已勾选课程的时段写成每周重复的事件，
// 首次发生日期取 now 当天或之后最近的对应星期。
// ─────────────────────────────────────────────────────────────

const (
	icsMaxFileSize = 5 * 1024 * 1024 // 5MB
	icsProductID   = "-//class-bridge//import preview//ZH"
)

var (
	ErrCalendarParseFailed = errors.New("日历文件解析失败")
	ErrCalendarNoEvents    = errors.New("日历中没有可用的课程时段")
)

// ParseSlotsFromICS 解析 ICS 为课表时段
// 事件未写 LOCATION 时使用 defaultLocation
func ParseSlotsFromICS(reader io.Reader, defaultLocation string, loc *time.Location) ([]model.ScheduleSlot, error) {
	cal, err := ics.ParseCalendar(io.LimitReader(reader, icsMaxFileSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCalendarParseFailed, err)
	}
	if loc == nil {
		loc = time.UTC
	}

	type key struct {
		day        int
		start, end string
	}
	seen := make(map[key]bool)
	var slots []model.ScheduleSlot

	for _, evt := range cal.Events() {
		s, ok := slotFromEvent(evt, defaultLocation, loc)
		if !ok {
			continue
		}
		k := key{s.DayOfWeek, s.StartTime, s.EndTime}
		if seen[k] {
			continue
		}
		seen[k] = true
		slots = append(slots, s)
	}

	if len(slots) == 0 {
		return nil, ErrCalendarNoEvents
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].DayOfWeek != slots[j].DayOfWeek {
			return slots[i].DayOfWeek < slots[j].DayOfWeek
		}
		return slots[i].StartTime < slots[j].StartTime
	})
	return slots, nil
}

func slotFromEvent(evt *ics.VEvent, defaultLocation string, loc *time.Location) (model.ScheduleSlot, bool) {
	start, allDay, err := parseICSDateTime(evt, ics.ComponentPropertyDtStart, loc)
	if err != nil || allDay {
		return model.ScheduleSlot{}, false
	}

	end, _, err := parseICSDateTime(evt, ics.ComponentPropertyDtEnd, loc)
	if err != nil {
		dur := evt.GetProperty(ics.ComponentPropertyDuration)
		if dur == nil {
			return model.ScheduleSlot{}, false
		}
		d, ok := parseICSDuration(dur.Value)
		if !ok {
			return model.ScheduleSlot{}, false
		}
		end = start.Add(d)
	}

	if !sameDay(start, end) || !end.After(start) {
		return model.ScheduleSlot{}, false
	}

	location := defaultLocation
	if p := evt.GetProperty(ics.ComponentPropertyLocation); p != nil && strings.TrimSpace(p.Value) != "" {
		location = strings.TrimSpace(p.Value)
	}

	s := model.ScheduleSlot{
		DayOfWeek: weekdayIndex(start.Weekday()),
		StartTime: start.Format("15:04"),
		EndTime:   end.Format("15:04"),
		Location:  location,
	}
	if s.Validate() != nil {
		return model.ScheduleSlot{}, false
	}
	return s, true
}

// BuildSelectionCalendar 把勾选课程的时段导出为 ICS 文本
func BuildSelectionCalendar(views []CandidateView, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(icsProductID)

	for _, v := range views {
		if !v.Selected {
			continue
		}
		for i, s := range v.Slots {
			if s.Validate() != nil {
				continue
			}
			date := today.AddDate(0, 0, (s.DayOfWeek-weekdayIndex(today.Weekday())+7)%7)
			start := atClock(date, s.StartTime)
			end := atClock(date, s.EndTime)

			uid := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", v.Course.ExternalID, i)))
			evt := cal.AddEvent(uid.String() + "@class-bridge")
			evt.SetDtStampTime(now)
			evt.SetSummary(v.Course.Name)
			if s.Location != "" {
				evt.SetLocation(s.Location)
			}
			if v.Course.Instructor != "" {
				evt.SetDescription("教师：" + v.Course.Instructor)
			}
			evt.SetStartAt(start)
			evt.SetEndAt(end)
			evt.AddRrule("FREQ=WEEKLY")
		}
	}
	return cal.Serialize()
}

// ── 辅助函数 ──

// weekdayIndex time.Weekday (0=Sunday) → 0=Monday … 6=Sunday
func weekdayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

func atClock(date time.Time, clock string) time.Time {
	t, _ := time.Parse("15:04", clock)
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, date.Location())
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// parseICSDateTime 从 VEVENT 中解析日期时间属性，第二个返回值表示是否为全天日期
func parseICSDateTime(evt *ics.VEvent, propName ics.ComponentProperty, loc *time.Location) (time.Time, bool, error) {
	prop := evt.GetProperty(propName)
	if prop == nil {
		return time.Time{}, false, fmt.Errorf("missing property %s", propName)
	}
	val := strings.TrimSpace(prop.Value)

	tzid := ""
	for k, v := range prop.ICalParameters {
		if strings.ToUpper(k) == "TZID" && len(v) > 0 {
			tzid = v[0]
		}
	}

	if t, err := time.Parse("20060102T150405Z", val); err == nil {
		return t.In(loc), false, nil
	}
	if t, err := time.Parse("20060102T150405", val); err == nil {
		src := loc
		if tzid != "" {
			if tzLoc, err := time.LoadLocation(tzid); err == nil {
				src = tzLoc
			}
		}
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, src).In(loc), false, nil
	}
	if t, err := time.Parse("20060102", val); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc), true, nil
	}
	return time.Time{}, false, fmt.Errorf("无法解析日期: %s", val)
}

// parseICSDuration 只支持时分秒部分，如 PT1H30M
func parseICSDuration(v string) (time.Duration, bool) {
	v = strings.ToUpper(strings.TrimSpace(v))
	if !strings.HasPrefix(v, "PT") {
		return 0, false
	}
	d, err := time.ParseDuration(strings.ToLower(strings.TrimPrefix(v, "PT")))
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
