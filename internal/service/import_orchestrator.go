package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"class-bridge/backend/internal/model"
	"class-bridge/backend/pkg/classroom"
	apperrors "class-bridge/backend/pkg/errors"
)

// ── 导入编排器 ──────────────────────────────────────────────
//
// 状态机：
//   Idle → Discovering → Selecting → Committing → SyncingAssignments → Done
//   Discovering / Committing 出错 → Failed
//   Selecting 取消 → Cancelled
//
// 约定：
//   - 三个远程调用严格串行：commit 之前必有成功的 discover，sync 之前必有成功的 commit
//   - 网络调用期间不持锁，阶段置为进行中；此时任何触发都返回 ErrBusy，不排队
//   - 进入 Committing 后不可取消：commit 与 sync 使用脱离请求取消的 context
//   - commit 失败保留选择数据，可直接再次 Confirm；身份失效则丢弃
//   - sync 失败只记为告警，流程仍以 Done 结束
// ─────────────────────────────────────────────────────────────

// Phase 编排阶段
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseDiscovering        Phase = "discovering"
	PhaseSelecting          Phase = "selecting"
	PhaseCommitting         Phase = "committing"
	PhaseSyncingAssignments Phase = "syncing_assignments"
	PhaseDone               Phase = "done"
	PhaseFailed             Phase = "failed"
	PhaseCancelled          Phase = "cancelled"
)

// busy 远程调用进行中
func (p Phase) busy() bool {
	return p == PhaseDiscovering || p == PhaseCommitting || p == PhaseSyncingAssignments
}

var (
	ErrNothingSelected   = errors.New("请至少选择一门课程")
	ErrInvalidTransition = errors.New("当前阶段不允许该操作")
	ErrCommitRejected    = errors.New("所选课程全部导入失败")
)

// CourseDirectory 远程课程后端
type CourseDirectory interface {
	Discover(ctx context.Context, id classroom.Identity) (*classroom.DiscoveryResult, error)
	Commit(ctx context.Context, id classroom.Identity, selectedIDs []string, schedules map[string][]model.ScheduleSlot) (*classroom.CommitResult, error)
	SyncAssignments(ctx context.Context, id classroom.Identity, committedIDs []string) (*classroom.SyncResult, error)
}

// Outcome 一次导入的结果
type Outcome struct {
	Successful   bool
	CommittedIDs []string
	FailedIDs    map[string]string
	CourseNames  map[string]string
	SlotCounts   map[string]int
	SyncedCount  int
	SyncErrors   map[string]string
	SyncWarning  bool
	SyncError    string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// State 编排器快照
type State struct {
	Phase      Phase
	FailedFrom Phase
	Candidates []CandidateView
	Selected   int
	LastError  error
	Outcome    *Outcome
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// Orchestrator 单个用户的导入状态机
type Orchestrator struct {
	mu     sync.Mutex
	dir    CourseDirectory
	logger *zap.Logger
	now    func() time.Time

	phase      Phase
	failedFrom Phase
	selection  *Selection
	lastError  error
	outcome    *Outcome
	startedAt  time.Time
	touchedAt  time.Time
}

// NewOrchestrator 创建处于 Idle 的编排器
func NewOrchestrator(dir CourseDirectory, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		dir:       dir,
		logger:    logger,
		now:       time.Now,
		phase:     PhaseIdle,
		touchedAt: time.Now(),
	}
}

// ════════════════════════════════════════════════════════════
// Start 预览可导入课程
// ════════════════════════════════════════════════════════════

// Start 从 Idle/Failed/Cancelled/Done 重新开始一轮导入
// 返回 ErrNoCandidates 时阶段为 Failed，属于提示而非故障
func (o *Orchestrator) Start(ctx context.Context, id classroom.Identity) error {
	o.mu.Lock()
	if o.phase.busy() {
		o.mu.Unlock()
		return apperrors.ErrBusy
	}
	if o.phase == PhaseSelecting {
		o.mu.Unlock()
		return ErrInvalidTransition
	}
	o.phase = PhaseDiscovering
	o.failedFrom = ""
	o.selection = nil
	o.lastError = nil
	o.outcome = nil
	o.startedAt = o.now()
	o.touchedAt = o.startedAt
	o.mu.Unlock()

	res, err := o.dir.Discover(ctx, id)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.touchedAt = o.now()

	if err != nil {
		err = classify(classroom.OpDiscover, err)
		o.fail(PhaseDiscovering, err)
		o.logger.Warn("课程预览失败", zap.String("user_id", id.UserID), zap.Error(err))
		return err
	}
	if len(res.Candidates) == 0 {
		o.fail(PhaseDiscovering, apperrors.ErrNoCandidates)
		o.logger.Info("无可导入课程", zap.String("user_id", id.UserID))
		return apperrors.ErrNoCandidates
	}

	o.selection = newSelection(res)
	o.phase = PhaseSelecting
	o.logger.Info("课程预览完成",
		zap.String("user_id", id.UserID),
		zap.Int("candidates", o.selection.Len()),
		zap.Int("preselected", len(o.selection.SelectedIDs())),
	)
	return nil
}

// ════════════════════════════════════════════════════════════
// 选择阶段的本地编辑
// ════════════════════════════════════════════════════════════

// Edit 在选择阶段修改选择模型，无网络调用
// commit 失败后的编辑会把阶段带回 Selecting
func (o *Orchestrator) Edit(fn func(sel *Selection) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.editable(); err != nil {
		return err
	}
	if err := fn(o.selection); err != nil {
		return err
	}
	if o.phase == PhaseFailed {
		o.phase = PhaseSelecting
		o.failedFrom = ""
		o.lastError = nil
	}
	o.touchedAt = o.now()
	return nil
}

// View 只读访问选择模型
func (o *Orchestrator) View(fn func(sel *Selection) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.phase.busy() {
		return apperrors.ErrBusy
	}
	if o.selection == nil {
		return ErrInvalidTransition
	}
	return fn(o.selection)
}

func (o *Orchestrator) ToggleSelect(courseID string) error {
	return o.Edit(func(sel *Selection) error { return sel.ToggleSelect(courseID) })
}

func (o *Orchestrator) ToggleExpand(courseID string) error {
	return o.Edit(func(sel *Selection) error { return sel.ToggleExpand(courseID) })
}

func (o *Orchestrator) SelectAll() error {
	return o.Edit(func(sel *Selection) error { sel.SelectAll(); return nil })
}

func (o *Orchestrator) SelectNone() error {
	return o.Edit(func(sel *Selection) error { sel.SelectNone(); return nil })
}

func (o *Orchestrator) SetSchedule(courseID string, slots []model.ScheduleSlot) error {
	return o.Edit(func(sel *Selection) error { return sel.SetSchedule(courseID, slots) })
}

func (o *Orchestrator) AddSlot(courseID string) error {
	return o.Edit(func(sel *Selection) error { return sel.AddSlot(courseID) })
}

func (o *Orchestrator) RemoveSlot(courseID string, index int) error {
	return o.Edit(func(sel *Selection) error { return sel.RemoveSlot(courseID, index) })
}

func (o *Orchestrator) EditField(courseID string, index int, field SlotField, value string) error {
	return o.Edit(func(sel *Selection) error { return sel.EditField(courseID, index, field, value) })
}

// Cancel 放弃本轮导入，仅提交前可用
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.editable(); err != nil {
		return err
	}
	o.phase = PhaseCancelled
	o.failedFrom = ""
	o.selection = nil
	o.lastError = nil
	o.touchedAt = o.now()
	return nil
}

// ════════════════════════════════════════════════════════════
// Confirm 提交导入并同步作业
// ════════════════════════════════════════════════════════════
//
// 流程：
//   1. 本地校验：至少勾选一门、时段完整合法（不发请求）
//   2. Commit：部分成功也继续；全部失败或调用出错 → Failed，保留选择
//   3. SyncAssignments：仅传成功导入的课程；失败只记告警
//   4. Done，返回 Outcome

func (o *Orchestrator) Confirm(ctx context.Context, id classroom.Identity) (*Outcome, error) {
	o.mu.Lock()
	if err := o.editable(); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	selectedIDs := o.selection.SelectedIDs()
	if len(selectedIDs) == 0 {
		o.mu.Unlock()
		return nil, ErrNothingSelected
	}
	if err := o.selection.ValidateSelected(); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	schedules := o.selection.SelectedSchedules()
	names := make(map[string]string, len(selectedIDs))
	slotCounts := make(map[string]int, len(selectedIDs))
	for _, cid := range selectedIDs {
		c, _ := o.selection.Course(cid)
		names[cid] = c.Name
		slotCounts[cid] = len(schedules[cid])
	}
	o.phase = PhaseCommitting
	o.failedFrom = ""
	o.lastError = nil
	o.touchedAt = o.now()
	o.mu.Unlock()

	// 提交后不可取消
	bg := context.WithoutCancel(ctx)

	res, err := o.dir.Commit(bg, id, selectedIDs, schedules)

	o.mu.Lock()
	o.touchedAt = o.now()
	if err != nil {
		err = classify(classroom.OpCommit, err)
		if errors.Is(err, apperrors.ErrNotAuthenticated) {
			o.selection = nil
		}
		o.fail(PhaseCommitting, err)
		o.mu.Unlock()
		o.logger.Warn("课程导入失败", zap.String("user_id", id.UserID), zap.Strings("course_ids", selectedIDs), zap.Error(err))
		return nil, err
	}

	outcome := &Outcome{
		CommittedIDs: res.CommittedIDs,
		FailedIDs:    res.FailedIDs,
		CourseNames:  names,
		SlotCounts:   slotCounts,
		StartedAt:    o.startedAt,
	}
	if len(res.CommittedIDs) == 0 {
		err = apperrors.NewRemoteError(classroom.OpCommit, apperrors.ErrValidationRejected, 0, "", ErrCommitRejected)
		o.outcome = outcome
		o.fail(PhaseCommitting, err)
		o.mu.Unlock()
		o.logger.Warn("所选课程全部导入失败", zap.String("user_id", id.UserID), zap.Int("failed", len(res.FailedIDs)))
		return nil, err
	}
	o.phase = PhaseSyncingAssignments
	o.mu.Unlock()

	committed := append([]string(nil), res.CommittedIDs...)
	syncRes, syncErr := o.dir.SyncAssignments(bg, id, committed)

	o.mu.Lock()
	defer o.mu.Unlock()

	if syncErr != nil {
		syncErr = classify(classroom.OpSync, syncErr)
		outcome.SyncWarning = true
		outcome.SyncError = syncErr.Error()
		o.logger.Warn("作业同步失败，导入结果不受影响", zap.String("user_id", id.UserID), zap.Error(syncErr))
	} else {
		outcome.SyncedCount = syncRes.SyncedCount
		outcome.SyncErrors = syncRes.Errors
		outcome.SyncWarning = len(syncRes.Errors) > 0
	}
	outcome.Successful = true
	outcome.FinishedAt = o.now()

	o.outcome = outcome
	o.phase = PhaseDone
	o.selection = nil
	o.touchedAt = outcome.FinishedAt

	o.logger.Info("课程导入完成",
		zap.String("user_id", id.UserID),
		zap.Int("committed", len(outcome.CommittedIDs)),
		zap.Int("failed", len(outcome.FailedIDs)),
		zap.Int("synced", outcome.SyncedCount),
		zap.Bool("sync_warning", outcome.SyncWarning),
	)

	result := *outcome
	return &result, nil
}

// ════════════════════════════════════════════════════════════
// 状态查询
// ════════════════════════════════════════════════════════════

// Snapshot 当前状态
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := State{
		Phase:      o.phase,
		FailedFrom: o.failedFrom,
		LastError:  o.lastError,
		StartedAt:  o.startedAt,
		UpdatedAt:  o.touchedAt,
	}
	if o.selection != nil {
		st.Candidates = o.selection.Views()
		st.Selected = len(o.selection.SelectedIDs())
	}
	if o.outcome != nil {
		out := *o.outcome
		st.Outcome = &out
	}
	return st
}

// Phase 当前阶段
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Holding 是否仍占用该用户的导入名额
// 进行中、选择中、以及保留了选择数据的 commit 失败都算占用
func (o *Orchestrator) Holding() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase.busy() || o.selection != nil
}

// Expired 闲置超过 ttl 且没有远程调用在进行
func (o *Orchestrator) Expired(now time.Time, ttl time.Duration) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.phase.busy() && now.Sub(o.touchedAt) > ttl
}

// ── 私有辅助方法 ──

// touch 刷新闲置计时，防止即将重新开始的会话被清理
func (o *Orchestrator) touch() {
	o.mu.Lock()
	o.touchedAt = o.now()
	o.mu.Unlock()
}

// editable 选择阶段，或 commit 失败且保留了选择数据
func (o *Orchestrator) editable() error {
	if o.phase.busy() {
		return apperrors.ErrBusy
	}
	if o.selection == nil {
		return ErrInvalidTransition
	}
	if o.phase == PhaseSelecting {
		return nil
	}
	if o.phase == PhaseFailed && o.failedFrom == PhaseCommitting {
		return nil
	}
	return ErrInvalidTransition
}

func (o *Orchestrator) fail(from Phase, err error) {
	o.phase = PhaseFailed
	o.failedFrom = from
	o.lastError = err
}

// classify 未归类的错误按暂不可用处理
func classify(op string, err error) error {
	switch {
	case errors.Is(err, apperrors.ErrRemoteUnavailable),
		errors.Is(err, apperrors.ErrNotAuthenticated),
		errors.Is(err, apperrors.ErrValidationRejected):
		return err
	default:
		return apperrors.NewRemoteError(op, apperrors.ErrRemoteUnavailable, 0, "", err)
	}
}
