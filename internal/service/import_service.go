package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"class-bridge/backend/config"
	"class-bridge/backend/internal/dto"
	"class-bridge/backend/internal/model"
	"class-bridge/backend/internal/repository"
	"class-bridge/backend/pkg/classroom"
	apperrors "class-bridge/backend/pkg/errors"
)

// ── 导入模块业务错误 ──

var (
	ErrImportSessionNotFound = errors.New("当前没有进行中的导入")
	ErrImportSessionActive   = errors.New("该账号正在其他终端导入课程")
)

// ImportLocker 跨实例的用户级导入锁
type ImportLocker interface {
	AcquireImportLock(ctx context.Context, userID, token string, ttl time.Duration) (bool, error)
	RefreshImportLock(ctx context.Context, userID, token string, ttl time.Duration) (bool, error)
	ReleaseImportLock(ctx context.Context, userID, token string) error
}

// ImportService 课程导入业务接口
//
// 每个用户在本实例内持有一个编排器；会话闲置超过 session_ttl 后由清理协程丢弃。
// 配置了 Redis 时额外用用户级锁保证多实例下同一用户只有一个活跃会话，
// Redis 不可用时降级为单实例互斥。
type ImportService interface {
	Start(ctx context.Context, id classroom.Identity) (*dto.ImportSessionResponse, error)
	Current(ctx context.Context, userID string) (*dto.ImportSessionResponse, error)

	ToggleSelect(ctx context.Context, userID, courseID string) (*dto.ImportSessionResponse, error)
	ToggleExpand(ctx context.Context, userID, courseID string) (*dto.ImportSessionResponse, error)
	SelectAll(ctx context.Context, userID string) (*dto.ImportSessionResponse, error)
	SelectNone(ctx context.Context, userID string) (*dto.ImportSessionResponse, error)
	SetSchedule(ctx context.Context, userID, courseID string, req *dto.SetScheduleRequest) (*dto.ImportSessionResponse, error)
	AddSlot(ctx context.Context, userID, courseID string) (*dto.ImportSessionResponse, error)
	RemoveSlot(ctx context.Context, userID, courseID string, index int) (*dto.ImportSessionResponse, error)
	EditSlot(ctx context.Context, userID, courseID string, index int, req *dto.EditSlotRequest) (*dto.ImportSessionResponse, error)
	ApplyCalendar(ctx context.Context, userID, courseID string, r io.Reader) (*dto.ImportSessionResponse, error)

	Confirm(ctx context.Context, id classroom.Identity) (*dto.ImportSessionResponse, error)
	Cancel(ctx context.Context, userID string) (*dto.ImportSessionResponse, error)

	ExportCalendar(ctx context.Context, userID string) ([]byte, string, error)
	ListHistory(ctx context.Context, userID string, req *dto.ImportHistoryRequest) ([]dto.ImportRunResponse, int64, error)

	// RunJanitor 周期清理过期会话，直到 ctx 结束
	RunJanitor(ctx context.Context)
}

type importSession struct {
	orch *Orchestrator

	mu        sync.Mutex
	lockToken string
}

type importService struct {
	mu       sync.Mutex
	sessions map[string]*importSession

	dir      CourseDirectory
	repo     *repository.Repository
	locker   ImportLocker
	ttl      time.Duration
	interval time.Duration
	loc      *time.Location
	logger   *zap.Logger
	now      func() time.Time
}

// NewImportService 创建 ImportService 实例；locker 为 nil 时仅做进程内互斥
func NewImportService(cfg *config.ImportConfig, dir CourseDirectory, repo *repository.Repository, locker ImportLocker, logger *zap.Logger) ImportService {
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		} else {
			logger.Warn("时区无效，改用 UTC", zap.String("timezone", cfg.Timezone), zap.Error(err))
		}
	}
	interval := cfg.JanitorInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &importService{
		sessions: make(map[string]*importSession),
		dir:      dir,
		repo:     repo,
		locker:   locker,
		ttl:      cfg.SessionTTL,
		interval: interval,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
	}
}

// ════════════════════════════════════════════════════════════
// Start / Current
// ════════════════════════════════════════════════════════════

func (s *importService) Start(ctx context.Context, id classroom.Identity) (*dto.ImportSessionResponse, error) {
	sess := s.session(id.UserID, true)

	if err := s.acquire(ctx, id.UserID, sess); err != nil {
		return nil, err
	}

	err := sess.orch.Start(ctx, id)
	if !sess.orch.Holding() {
		s.release(id.UserID, sess)
	}
	if err != nil {
		return nil, err
	}
	return toSessionResponse(sess.orch.Snapshot()), nil
}

func (s *importService) Current(_ context.Context, userID string) (*dto.ImportSessionResponse, error) {
	sess := s.session(userID, false)
	if sess == nil {
		return nil, ErrImportSessionNotFound
	}
	return toSessionResponse(sess.orch.Snapshot()), nil
}

// ════════════════════════════════════════════════════════════
// 选择阶段编辑
// ════════════════════════════════════════════════════════════

func (s *importService) ToggleSelect(ctx context.Context, userID, courseID string) (*dto.ImportSessionResponse, error) {
	return s.edit(ctx, userID, func(o *Orchestrator) error { return o.ToggleSelect(courseID) })
}

func (s *importService) ToggleExpand(ctx context.Context, userID, courseID string) (*dto.ImportSessionResponse, error) {
	return s.edit(ctx, userID, func(o *Orchestrator) error { return o.ToggleExpand(courseID) })
}

func (s *importService) SelectAll(ctx context.Context, userID string) (*dto.ImportSessionResponse, error) {
	return s.edit(ctx, userID, (*Orchestrator).SelectAll)
}

func (s *importService) SelectNone(ctx context.Context, userID string) (*dto.ImportSessionResponse, error) {
	return s.edit(ctx, userID, (*Orchestrator).SelectNone)
}

func (s *importService) SetSchedule(ctx context.Context, userID, courseID string, req *dto.SetScheduleRequest) (*dto.ImportSessionResponse, error) {
	slots := make([]model.ScheduleSlot, 0, len(req.Slots))
	for _, r := range req.Slots {
		day := 0
		if r.DayOfWeek != nil {
			day = *r.DayOfWeek
		}
		slots = append(slots, model.ScheduleSlot{
			DayOfWeek: day,
			StartTime: r.StartTime,
			EndTime:   r.EndTime,
			Location:  r.Location,
		})
	}
	return s.edit(ctx, userID, func(o *Orchestrator) error { return o.SetSchedule(courseID, slots) })
}

func (s *importService) AddSlot(ctx context.Context, userID, courseID string) (*dto.ImportSessionResponse, error) {
	return s.edit(ctx, userID, func(o *Orchestrator) error { return o.AddSlot(courseID) })
}

func (s *importService) RemoveSlot(ctx context.Context, userID, courseID string, index int) (*dto.ImportSessionResponse, error) {
	return s.edit(ctx, userID, func(o *Orchestrator) error { return o.RemoveSlot(courseID, index) })
}

func (s *importService) EditSlot(ctx context.Context, userID, courseID string, index int, req *dto.EditSlotRequest) (*dto.ImportSessionResponse, error) {
	return s.edit(ctx, userID, func(o *Orchestrator) error {
		return o.EditField(courseID, index, SlotField(req.Field), req.Value)
	})
}

// ApplyCalendar 用上传的 ICS 替换课程课表，事件未写地点时沿用课程教室
func (s *importService) ApplyCalendar(ctx context.Context, userID, courseID string, r io.Reader) (*dto.ImportSessionResponse, error) {
	sess := s.session(userID, false)
	if sess == nil {
		return nil, ErrImportSessionNotFound
	}

	var room string
	err := sess.orch.View(func(sel *Selection) error {
		c, ok := sel.Course(courseID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrCandidateNotFound, courseID)
		}
		room = c.Room
		return nil
	})
	if err != nil {
		return nil, err
	}

	slots, err := ParseSlotsFromICS(r, room, s.loc)
	if err != nil {
		return nil, err
	}
	return s.edit(ctx, userID, func(o *Orchestrator) error { return o.SetSchedule(courseID, slots) })
}

// ════════════════════════════════════════════════════════════
// Confirm / Cancel
// ════════════════════════════════════════════════════════════

func (s *importService) Confirm(ctx context.Context, id classroom.Identity) (*dto.ImportSessionResponse, error) {
	sess := s.session(id.UserID, false)
	if sess == nil {
		return nil, ErrImportSessionNotFound
	}

	outcome, err := sess.orch.Confirm(ctx, id)
	if err != nil {
		if !sess.orch.Holding() {
			s.release(id.UserID, sess)
		}
		return nil, err
	}

	// 导入已生效，记录写入失败只记日志
	s.persist(context.WithoutCancel(ctx), id.UserID, outcome)
	s.release(id.UserID, sess)

	return toSessionResponse(sess.orch.Snapshot()), nil
}

func (s *importService) Cancel(_ context.Context, userID string) (*dto.ImportSessionResponse, error) {
	sess := s.session(userID, false)
	if sess == nil {
		return nil, ErrImportSessionNotFound
	}
	if err := sess.orch.Cancel(); err != nil {
		return nil, err
	}
	s.release(userID, sess)
	return toSessionResponse(sess.orch.Snapshot()), nil
}

// ════════════════════════════════════════════════════════════
// 导出与历史
// ════════════════════════════════════════════════════════════

func (s *importService) ExportCalendar(_ context.Context, userID string) ([]byte, string, error) {
	sess := s.session(userID, false)
	if sess == nil {
		return nil, "", ErrImportSessionNotFound
	}

	var content string
	err := sess.orch.View(func(sel *Selection) error {
		if len(sel.SelectedIDs()) == 0 {
			return ErrNothingSelected
		}
		content = BuildSelectionCalendar(sel.Views(), s.now(), s.loc)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	filename := fmt.Sprintf("课表预览_%s.ics", s.now().In(s.loc).Format("20060102"))
	return []byte(content), filename, nil
}

func (s *importService) ListHistory(ctx context.Context, userID string, req *dto.ImportHistoryRequest) ([]dto.ImportRunResponse, int64, error) {
	runs, total, err := s.repo.ImportRun.ListByUser(ctx, userID, req.GetOffset(), req.GetPageSize())
	if err != nil {
		s.logger.Error("查询导入历史失败", zap.String("user_id", userID), zap.Error(err))
		return nil, 0, err
	}
	result := make([]dto.ImportRunResponse, 0, len(runs))
	for i := range runs {
		result = append(result, toImportRunResponse(&runs[i]))
	}
	return result, total, nil
}

// ════════════════════════════════════════════════════════════
// 过期清理
// ════════════════════════════════════════════════════════════

func (s *importService) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(s.now())
		}
	}
}

// sweep 丢弃闲置超时的会话并释放锁，返回清理数量
func (s *importService) sweep(now time.Time) int {
	s.mu.Lock()
	expired := make(map[string]*importSession)
	for userID, sess := range s.sessions {
		if sess.orch.Expired(now, s.ttl) {
			expired[userID] = sess
			delete(s.sessions, userID)
		}
	}
	s.mu.Unlock()

	for userID, sess := range expired {
		s.release(userID, sess)
	}
	if len(expired) > 0 {
		s.logger.Info("清理过期导入会话", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// ── 私有辅助方法 ──

func (s *importService) session(userID string, create bool) *importSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok && create {
		sess = &importSession{orch: NewOrchestrator(s.dir, s.logger)}
		s.sessions[userID] = sess
	}
	if sess != nil && create {
		// 与 sweep 同在 s.mu 下，获取锁期间不会被判定过期
		sess.orch.touch()
	}
	return sess
}

func (s *importService) edit(ctx context.Context, userID string, fn func(o *Orchestrator) error) (*dto.ImportSessionResponse, error) {
	sess := s.session(userID, false)
	if sess == nil {
		return nil, ErrImportSessionNotFound
	}
	if err := fn(sess.orch); err != nil {
		return nil, err
	}
	s.refresh(ctx, userID, sess)
	return toSessionResponse(sess.orch.Snapshot()), nil
}

// acquire 抢占用户锁；Redis 出错时降级放行
func (s *importService) acquire(ctx context.Context, userID string, sess *importSession) error {
	if s.locker == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	token := sess.lockToken
	if token == "" {
		token = uuid.NewString()
	}
	ok, err := s.locker.AcquireImportLock(ctx, userID, token, s.ttl)
	if err != nil {
		s.logger.Warn("获取导入锁失败，降级为单实例互斥", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	if !ok {
		return ErrImportSessionActive
	}
	sess.lockToken = token
	return nil
}

func (s *importService) refresh(ctx context.Context, userID string, sess *importSession) {
	if s.locker == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.lockToken == "" {
		return
	}
	ok, err := s.locker.RefreshImportLock(ctx, userID, sess.lockToken, s.ttl)
	if err != nil || !ok {
		s.logger.Warn("导入锁续期失败", zap.String("user_id", userID), zap.Bool("held", ok), zap.Error(err))
	}
}

func (s *importService) release(userID string, sess *importSession) {
	if s.locker == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.lockToken == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.locker.ReleaseImportLock(ctx, userID, sess.lockToken); err != nil {
		s.logger.Warn("释放导入锁失败", zap.String("user_id", userID), zap.Error(err))
	}
	sess.lockToken = ""
}

func (s *importService) persist(ctx context.Context, userID string, out *Outcome) {
	run := buildImportRun(userID, out)
	if err := s.repo.ImportRun.Create(ctx, run); err != nil {
		s.logger.Error("写入导入记录失败", zap.String("user_id", userID), zap.Error(err))
		return
	}
	s.logger.Info("导入记录已保存", zap.String("user_id", userID), zap.String("import_run_id", run.ImportRunID))
}

func buildImportRun(userID string, out *Outcome) *model.ImportRun {
	run := &model.ImportRun{
		UserID:         userID,
		CommittedCount: len(out.CommittedIDs),
		FailedCount:    len(out.FailedIDs),
		SyncedCount:    out.SyncedCount,
		SyncWarning:    out.SyncWarning,
		SyncError:      out.SyncError,
		StartedAt:      out.StartedAt,
		FinishedAt:     out.FinishedAt,
	}
	for _, id := range out.CommittedIDs {
		run.Items = append(run.Items, model.ImportRunItem{
			ExternalID: id,
			CourseName: out.CourseNames[id],
			Status:     model.ImportItemCommitted,
			SlotCount:  out.SlotCounts[id],
		})
	}
	for _, id := range sortedKeys(out.FailedIDs) {
		run.Items = append(run.Items, model.ImportRunItem{
			ExternalID: id,
			CourseName: out.CourseNames[id],
			Status:     model.ImportItemFailed,
			Reason:     out.FailedIDs[id],
			SlotCount:  out.SlotCounts[id],
		})
	}
	return run
}

// ── DTO 转换 ──

func toSessionResponse(st State) *dto.ImportSessionResponse {
	resp := &dto.ImportSessionResponse{
		Phase:         string(st.Phase),
		Candidates:    make([]dto.ImportCandidateResponse, 0, len(st.Candidates)),
		SelectedCount: st.Selected,
		StartedAt:     formatTime(st.StartedAt),
		UpdatedAt:     formatTime(st.UpdatedAt),
	}
	for _, v := range st.Candidates {
		c := dto.ImportCandidateResponse{
			ExternalID:      v.Course.ExternalID,
			Name:            v.Course.Name,
			Section:         v.Course.Section,
			Room:            v.Course.Room,
			Instructor:      v.Course.Instructor,
			StudentCount:    v.Course.StudentCount,
			AlreadyImported: v.Course.AlreadyImported,
			Selected:        v.Selected,
			Expanded:        v.Expanded,
			HasConflict:     v.HasConflict,
			ConflictsWith:   v.ConflictsWith,
			Slots:           make([]dto.SlotResponse, 0, len(v.Slots)),
		}
		for _, sl := range v.Slots {
			c.Slots = append(c.Slots, dto.SlotResponse{
				DayOfWeek: sl.DayOfWeek,
				StartTime: sl.StartTime,
				EndTime:   sl.EndTime,
				Location:  sl.Location,
			})
		}
		resp.Candidates = append(resp.Candidates, c)
	}

	if st.LastError != nil {
		resp.LastError = &dto.ImportErrorResponse{
			Kind:      errorKind(st.LastError),
			Message:   st.LastError.Error(),
			Retryable: apperrors.IsRetryable(st.LastError),
		}
		if errors.Is(st.LastError, apperrors.ErrNoCandidates) {
			resp.Notice = apperrors.ErrNoCandidates.Error()
		}
	}

	if out := st.Outcome; out != nil {
		o := &dto.ImportOutcomeResponse{
			Successful:   out.Successful,
			CommittedIDs: out.CommittedIDs,
			SyncedCount:  out.SyncedCount,
			SyncWarning:  out.SyncWarning,
			SyncError:    out.SyncError,
			Failed:       make([]dto.ImportItemResponse, 0, len(out.FailedIDs)),
		}
		if o.CommittedIDs == nil {
			o.CommittedIDs = []string{}
		}
		for _, id := range sortedKeys(out.FailedIDs) {
			o.Failed = append(o.Failed, dto.ImportItemResponse{ExternalID: id, Name: out.CourseNames[id], Reason: out.FailedIDs[id]})
		}
		for _, id := range sortedKeys(out.SyncErrors) {
			o.SyncErrors = append(o.SyncErrors, dto.ImportItemResponse{ExternalID: id, Name: out.CourseNames[id], Reason: out.SyncErrors[id]})
		}
		resp.Outcome = o
	}
	return resp
}

func toImportRunResponse(r *model.ImportRun) dto.ImportRunResponse {
	return dto.ImportRunResponse{
		ID:             r.ImportRunID,
		CommittedCount: r.CommittedCount,
		FailedCount:    r.FailedCount,
		SyncedCount:    r.SyncedCount,
		SyncWarning:    r.SyncWarning,
		SyncError:      r.SyncError,
		StartedAt:      formatTime(r.StartedAt),
		FinishedAt:     formatTime(r.FinishedAt),
	}
}

// errorKind 错误分类的稳定标识，供前端区分提示
func errorKind(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrRemoteUnavailable):
		return "remote_unavailable"
	case errors.Is(err, apperrors.ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, apperrors.ErrValidationRejected):
		return "validation_rejected"
	case errors.Is(err, apperrors.ErrNoCandidates):
		return "no_candidates"
	default:
		return "unknown"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
