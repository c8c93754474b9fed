package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"class-bridge/backend/internal/model"
	"class-bridge/backend/pkg/classroom"
	apperrors "class-bridge/backend/pkg/errors"
)

// ── Fake CourseDirectory ──

type fakeDirectory struct {
	mu sync.Mutex

	discover    *classroom.DiscoveryResult
	discoverErr error
	commitFn    func(ids []string) (*classroom.CommitResult, error)
	syncRes     *classroom.SyncResult
	syncErr     error

	// commitGate 非 nil 时 Commit 阻塞到关闭为止
	commitGate    chan struct{}
	commitEntered chan struct{}

	discoverCalls int32
	commitCalls   int32
	syncCalls     int32
	lastCommitIDs []string
	lastSchedules map[string][]model.ScheduleSlot
	lastSyncIDs   []string
}

func (f *fakeDirectory) Discover(_ context.Context, _ classroom.Identity) (*classroom.DiscoveryResult, error) {
	atomic.AddInt32(&f.discoverCalls, 1)
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return f.discover, nil
}

func (f *fakeDirectory) Commit(ctx context.Context, _ classroom.Identity, ids []string, schedules map[string][]model.ScheduleSlot) (*classroom.CommitResult, error) {
	atomic.AddInt32(&f.commitCalls, 1)
	f.mu.Lock()
	f.lastCommitIDs = ids
	f.lastSchedules = schedules
	f.mu.Unlock()
	if f.commitEntered != nil {
		close(f.commitEntered)
	}
	if f.commitGate != nil {
		<-f.commitGate
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if f.commitFn != nil {
		return f.commitFn(ids)
	}
	return &classroom.CommitResult{CommittedIDs: ids, FailedIDs: map[string]string{}}, nil
}

func (f *fakeDirectory) SyncAssignments(_ context.Context, _ classroom.Identity, ids []string) (*classroom.SyncResult, error) {
	atomic.AddInt32(&f.syncCalls, 1)
	f.mu.Lock()
	f.lastSyncIDs = ids
	f.mu.Unlock()
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	if f.syncRes != nil {
		return f.syncRes, nil
	}
	return &classroom.SyncResult{SyncedCount: len(ids), Errors: map[string]string{}}, nil
}

// threeFree A、B、C 互不冲突
func threeFree() *classroom.DiscoveryResult {
	return &classroom.DiscoveryResult{
		Candidates: []model.CandidateCourse{
			{ExternalID: "A", Name: "数学"},
			{ExternalID: "B", Name: "英语"},
			{ExternalID: "C", Name: "物理"},
		},
		SuggestedSlots: map[string][]model.ScheduleSlot{
			"A": {slot(0, "09:00", "10:00")},
			"B": {slot(1, "09:00", "10:00")},
			"C": {slot(2, "09:00", "10:00")},
		},
	}
}

var orchIdentity = classroom.Identity{UserID: "u1", Token: "t1"}

func startedOrchestrator(t *testing.T, dir *fakeDirectory) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(dir, zap.NewNop())
	if err := o.Start(context.Background(), orchIdentity); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	if p := o.Phase(); p != PhaseSelecting {
		t.Fatalf("期望 Selecting，实际 %s", p)
	}
	return o
}

// ════════════════════════════════════════════════════════════
// Start
// ════════════════════════════════════════════════════════════

func TestStart_NoCandidates(t *testing.T) {
	dir := &fakeDirectory{discover: &classroom.DiscoveryResult{}}
	o := NewOrchestrator(dir, zap.NewNop())

	err := o.Start(context.Background(), orchIdentity)
	if !errors.Is(err, apperrors.ErrNoCandidates) {
		t.Fatalf("期望 ErrNoCandidates，实际 %v", err)
	}
	st := o.Snapshot()
	if st.Phase != PhaseFailed || !errors.Is(st.LastError, apperrors.ErrNoCandidates) {
		t.Errorf("期望 Failed/NoCandidates，实际 %s/%v", st.Phase, st.LastError)
	}

	// 没有可选课程时不能提交
	if _, err := o.Confirm(context.Background(), orchIdentity); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("期望 ErrInvalidTransition，实际 %v", err)
	}
	if dir.commitCalls != 0 || dir.syncCalls != 0 {
		t.Error("不应调用 commit 或 sync")
	}
}

func TestStart_DiscoverErrorClassified(t *testing.T) {
	dir := &fakeDirectory{discoverErr: errors.New("connection reset")}
	o := NewOrchestrator(dir, zap.NewNop())

	err := o.Start(context.Background(), orchIdentity)
	if !errors.Is(err, apperrors.ErrRemoteUnavailable) {
		t.Fatalf("未归类错误应视为 ErrRemoteUnavailable，实际 %v", err)
	}
	st := o.Snapshot()
	if st.Phase != PhaseFailed || st.FailedFrom != PhaseDiscovering {
		t.Errorf("期望从 Discovering 失败，实际 %s/%s", st.Phase, st.FailedFrom)
	}

	// 可以重新开始
	dir.discoverErr = nil
	dir.discover = threeFree()
	if err := o.Start(context.Background(), orchIdentity); err != nil {
		t.Fatalf("重试 Start 失败: %v", err)
	}
	if o.Phase() != PhaseSelecting {
		t.Errorf("期望 Selecting，实际 %s", o.Phase())
	}
}

func TestStart_RejectedWhileSelecting(t *testing.T) {
	dir := &fakeDirectory{discover: threeFree()}
	o := startedOrchestrator(t, dir)

	if err := o.Start(context.Background(), orchIdentity); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("选择阶段再次 Start 期望 ErrInvalidTransition，实际 %v", err)
	}
	if dir.discoverCalls != 1 {
		t.Errorf("discover 期望调用 1 次，实际 %d", dir.discoverCalls)
	}
}

// ════════════════════════════════════════════════════════════
// Confirm
// ════════════════════════════════════════════════════════════

func TestConfirm_PartialCommitSyncsOnlyCommitted(t *testing.T) {
	dir := &fakeDirectory{
		discover: threeFree(),
		commitFn: func(ids []string) (*classroom.CommitResult, error) {
			return &classroom.CommitResult{
				CommittedIDs: []string{"B", "C"},
				FailedIDs:    map[string]string{"A": "课程已归档"},
			}, nil
		},
	}
	o := startedOrchestrator(t, dir)

	out, err := o.Confirm(context.Background(), orchIdentity)
	if err != nil {
		t.Fatalf("Confirm 失败: %v", err)
	}
	if len(dir.lastCommitIDs) != 3 {
		t.Errorf("commit 期望提交 3 门，实际 %v", dir.lastCommitIDs)
	}
	if len(dir.lastSchedules["A"]) != 1 {
		t.Error("commit 应附带课表")
	}
	if len(dir.lastSyncIDs) != 2 || dir.lastSyncIDs[0] != "B" || dir.lastSyncIDs[1] != "C" {
		t.Errorf("sync 期望 [B C]，实际 %v", dir.lastSyncIDs)
	}
	if !out.Successful || out.FailedIDs["A"] != "课程已归档" {
		t.Errorf("结果错误: %+v", out)
	}
	if out.CourseNames["B"] != "英语" || out.SlotCounts["C"] != 1 {
		t.Errorf("结果应记录课程名称与时段数: %+v", out)
	}
	if st := o.Snapshot(); st.Phase != PhaseDone || st.Candidates != nil {
		t.Errorf("完成后期望 Done 且丢弃候选，实际 %s/%d", st.Phase, len(st.Candidates))
	}
}

func TestConfirm_SyncFailureStillDone(t *testing.T) {
	dir := &fakeDirectory{
		discover: threeFree(),
		syncErr:  apperrors.NewRemoteError(classroom.OpSync, apperrors.ErrRemoteUnavailable, 503, "", nil),
	}
	o := startedOrchestrator(t, dir)

	out, err := o.Confirm(context.Background(), orchIdentity)
	if err != nil {
		t.Fatalf("sync 失败不应使 Confirm 失败: %v", err)
	}
	if !out.Successful || !out.SyncWarning || out.SyncError == "" {
		t.Errorf("期望成功且带同步告警，实际 %+v", out)
	}
	if o.Phase() != PhaseDone {
		t.Errorf("期望 Done，实际 %s", o.Phase())
	}
}

func TestConfirm_SyncItemErrorsRaiseWarning(t *testing.T) {
	dir := &fakeDirectory{
		discover: threeFree(),
		syncRes:  &classroom.SyncResult{SyncedCount: 4, Errors: map[string]string{"C": "权限不足"}},
	}
	o := startedOrchestrator(t, dir)

	out, err := o.Confirm(context.Background(), orchIdentity)
	if err != nil {
		t.Fatalf("Confirm 失败: %v", err)
	}
	if out.SyncedCount != 4 || !out.SyncWarning || out.SyncErrors["C"] != "权限不足" {
		t.Errorf("结果错误: %+v", out)
	}
}

func TestConfirm_NothingSelected(t *testing.T) {
	dir := &fakeDirectory{discover: threeFree()}
	o := startedOrchestrator(t, dir)
	o.SelectNone()

	if _, err := o.Confirm(context.Background(), orchIdentity); !errors.Is(err, ErrNothingSelected) {
		t.Errorf("期望 ErrNothingSelected，实际 %v", err)
	}
	if o.Phase() != PhaseSelecting {
		t.Errorf("阶段应保持 Selecting，实际 %s", o.Phase())
	}
	if dir.commitCalls != 0 {
		t.Error("不应调用 commit")
	}
}

func TestConfirm_InvalidScheduleBlocksCommit(t *testing.T) {
	dir := &fakeDirectory{discover: threeFree()}
	o := startedOrchestrator(t, dir)
	if err := o.EditField("A", 0, SlotFieldEndTime, "08:00"); err != nil {
		t.Fatalf("EditField 失败: %v", err)
	}

	if _, err := o.Confirm(context.Background(), orchIdentity); !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("期望 ErrInvalidSchedule，实际 %v", err)
	}
	if dir.commitCalls != 0 {
		t.Error("本地校验失败不应调用 commit")
	}
}

func TestConfirm_ConcurrentTriggerIsBusy(t *testing.T) {
	dir := &fakeDirectory{
		discover:      threeFree(),
		commitGate:    make(chan struct{}),
		commitEntered: make(chan struct{}),
	}
	o := startedOrchestrator(t, dir)

	done := make(chan error, 1)
	go func() {
		_, err := o.Confirm(context.Background(), orchIdentity)
		done <- err
	}()

	select {
	case <-dir.commitEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("commit 未被调用")
	}

	if o.Phase() != PhaseCommitting {
		t.Errorf("期望 Committing，实际 %s", o.Phase())
	}
	if _, err := o.Confirm(context.Background(), orchIdentity); !errors.Is(err, apperrors.ErrBusy) {
		t.Errorf("提交中再次 Confirm 期望 ErrBusy，实际 %v", err)
	}
	if err := o.Cancel(); !errors.Is(err, apperrors.ErrBusy) {
		t.Errorf("提交中 Cancel 期望 ErrBusy，实际 %v", err)
	}
	if err := o.ToggleSelect("A"); !errors.Is(err, apperrors.ErrBusy) {
		t.Errorf("提交中编辑期望 ErrBusy，实际 %v", err)
	}
	if err := o.Start(context.Background(), orchIdentity); !errors.Is(err, apperrors.ErrBusy) {
		t.Errorf("提交中 Start 期望 ErrBusy，实际 %v", err)
	}
	if o.Expired(time.Now().Add(time.Hour), time.Minute) {
		t.Error("远程调用进行中不应视为过期")
	}

	close(dir.commitGate)
	if err := <-done; err != nil {
		t.Fatalf("Confirm 失败: %v", err)
	}
	if n := atomic.LoadInt32(&dir.commitCalls); n != 1 {
		t.Errorf("commit 期望调用 1 次，实际 %d", n)
	}
	if n := atomic.LoadInt32(&dir.syncCalls); n != 1 {
		t.Errorf("sync 期望调用 1 次，实际 %d", n)
	}
}

func TestConfirm_RequestCancellationDoesNotAbortCommit(t *testing.T) {
	dir := &fakeDirectory{
		discover:      threeFree(),
		commitGate:    make(chan struct{}),
		commitEntered: make(chan struct{}),
	}
	o := startedOrchestrator(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Confirm(ctx, orchIdentity)
		done <- err
	}()

	<-dir.commitEntered
	cancel()
	close(dir.commitGate)

	if err := <-done; err != nil {
		t.Fatalf("请求取消不应中断提交: %v", err)
	}
	if o.Phase() != PhaseDone {
		t.Errorf("期望 Done，实际 %s", o.Phase())
	}
}

func TestConfirm_CommitFailureKeepsSelectionForRetry(t *testing.T) {
	fail := true
	dir := &fakeDirectory{
		discover: threeFree(),
		commitFn: func(ids []string) (*classroom.CommitResult, error) {
			if fail {
				return nil, apperrors.NewRemoteError(classroom.OpCommit, apperrors.ErrRemoteUnavailable, 502, "", nil)
			}
			return &classroom.CommitResult{CommittedIDs: ids, FailedIDs: map[string]string{}}, nil
		},
	}
	o := startedOrchestrator(t, dir)
	o.ToggleSelect("C")

	_, err := o.Confirm(context.Background(), orchIdentity)
	if !errors.Is(err, apperrors.ErrRemoteUnavailable) {
		t.Fatalf("期望 ErrRemoteUnavailable，实际 %v", err)
	}
	st := o.Snapshot()
	if st.Phase != PhaseFailed || st.FailedFrom != PhaseCommitting {
		t.Fatalf("期望从 Committing 失败，实际 %s/%s", st.Phase, st.FailedFrom)
	}
	if len(st.Candidates) != 3 || st.Selected != 2 {
		t.Fatalf("选择数据应保留，实际 %d 门候选、%d 门勾选", len(st.Candidates), st.Selected)
	}
	if dir.syncCalls != 0 {
		t.Error("commit 失败不应调用 sync")
	}

	// 原样重试
	fail = false
	out, err := o.Confirm(context.Background(), orchIdentity)
	if err != nil {
		t.Fatalf("重试失败: %v", err)
	}
	if len(out.CommittedIDs) != 2 {
		t.Errorf("重试应提交原有的 2 门，实际 %v", out.CommittedIDs)
	}
}

func TestConfirm_EditAfterCommitFailureReturnsToSelecting(t *testing.T) {
	dir := &fakeDirectory{
		discover: threeFree(),
		commitFn: func(ids []string) (*classroom.CommitResult, error) {
			return nil, apperrors.NewRemoteError(classroom.OpCommit, apperrors.ErrValidationRejected, 422, "时段非法", nil)
		},
	}
	o := startedOrchestrator(t, dir)
	o.Confirm(context.Background(), orchIdentity)

	if err := o.EditField("A", 0, SlotFieldStartTime, "08:00"); err != nil {
		t.Fatalf("失败后编辑应允许: %v", err)
	}
	st := o.Snapshot()
	if st.Phase != PhaseSelecting || st.LastError != nil {
		t.Errorf("编辑后期望回到 Selecting 并清除错误，实际 %s/%v", st.Phase, st.LastError)
	}
}

func TestConfirm_AllRejectedIsFailure(t *testing.T) {
	dir := &fakeDirectory{
		discover: threeFree(),
		commitFn: func(ids []string) (*classroom.CommitResult, error) {
			failed := make(map[string]string)
			for _, id := range ids {
				failed[id] = "重复导入"
			}
			return &classroom.CommitResult{CommittedIDs: []string{}, FailedIDs: failed}, nil
		},
	}
	o := startedOrchestrator(t, dir)

	_, err := o.Confirm(context.Background(), orchIdentity)
	if !errors.Is(err, apperrors.ErrValidationRejected) || !errors.Is(err, ErrCommitRejected) {
		t.Fatalf("期望 ErrValidationRejected/ErrCommitRejected，实际 %v", err)
	}
	st := o.Snapshot()
	if st.Phase != PhaseFailed || st.Outcome == nil || len(st.Outcome.FailedIDs) != 3 {
		t.Errorf("期望 Failed 并保留失败原因，实际 %s/%+v", st.Phase, st.Outcome)
	}
	if dir.syncCalls != 0 {
		t.Error("无成功导入时不应调用 sync")
	}
}

func TestConfirm_NotAuthenticatedDiscardsSelection(t *testing.T) {
	dir := &fakeDirectory{
		discover: threeFree(),
		commitFn: func(ids []string) (*classroom.CommitResult, error) {
			return nil, apperrors.NewRemoteError(classroom.OpCommit, apperrors.ErrNotAuthenticated, 401, "", nil)
		},
	}
	o := startedOrchestrator(t, dir)

	if _, err := o.Confirm(context.Background(), orchIdentity); !errors.Is(err, apperrors.ErrNotAuthenticated) {
		t.Fatalf("期望 ErrNotAuthenticated，实际 %v", err)
	}
	st := o.Snapshot()
	if st.Phase != PhaseFailed || st.Candidates != nil {
		t.Errorf("身份失效应丢弃选择，实际 %s/%d", st.Phase, len(st.Candidates))
	}
	if _, err := o.Confirm(context.Background(), orchIdentity); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("丢弃后 Confirm 期望 ErrInvalidTransition，实际 %v", err)
	}
	if o.Holding() {
		t.Error("丢弃选择后不应再占用导入名额")
	}
}

// ════════════════════════════════════════════════════════════
// Cancel / Expired
// ════════════════════════════════════════════════════════════

func TestCancel(t *testing.T) {
	dir := &fakeDirectory{discover: threeFree()}
	o := startedOrchestrator(t, dir)

	if err := o.Cancel(); err != nil {
		t.Fatalf("Cancel 失败: %v", err)
	}
	if o.Phase() != PhaseCancelled {
		t.Errorf("期望 Cancelled，实际 %s", o.Phase())
	}
	if err := o.Cancel(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("重复 Cancel 期望 ErrInvalidTransition，实际 %v", err)
	}
	if err := o.ToggleSelect("A"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("取消后编辑期望 ErrInvalidTransition，实际 %v", err)
	}

	// 取消后可以重新开始
	if err := o.Start(context.Background(), orchIdentity); err != nil {
		t.Fatalf("重新 Start 失败: %v", err)
	}
}

func TestCancel_NotAllowedAfterDone(t *testing.T) {
	dir := &fakeDirectory{discover: threeFree()}
	o := startedOrchestrator(t, dir)
	if _, err := o.Confirm(context.Background(), orchIdentity); err != nil {
		t.Fatalf("Confirm 失败: %v", err)
	}
	if err := o.Cancel(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("完成后 Cancel 期望 ErrInvalidTransition，实际 %v", err)
	}
}

func TestExpired(t *testing.T) {
	dir := &fakeDirectory{discover: threeFree()}
	o := startedOrchestrator(t, dir)

	now := time.Now()
	if o.Expired(now, time.Hour) {
		t.Error("刚开始的会话不应过期")
	}
	if !o.Expired(now.Add(2*time.Hour), time.Hour) {
		t.Error("闲置超过 ttl 应过期")
	}
}
