package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"class-bridge/backend/config"
	"class-bridge/backend/internal/dto"
	"class-bridge/backend/internal/model"
	"class-bridge/backend/pkg/classroom"
	apperrors "class-bridge/backend/pkg/errors"
)

// ── 测试辅助 ──

func setupTestImportService(dir *fakeDirectory, locker ImportLocker) (*importService, *mockImportRunRepo) {
	runs := newMockImportRunRepo()
	cfg := &config.ImportConfig{SessionTTL: 30 * time.Minute, JanitorInterval: time.Minute, Timezone: ""}
	svc := NewImportService(cfg, dir, newMockRepository(runs), locker, zap.NewNop()).(*importService)
	return svc, runs
}

var svcIdentity = classroom.Identity{UserID: "user-1", Token: "tok"}

func intPtr(v int) *int { return &v }

// ════════════════════════════════════════════════════════════
// 完整流程
// ════════════════════════════════════════════════════════════

func TestImportService_FullFlowPersistsRun(t *testing.T) {
	dir := &fakeDirectory{
		discover: threeFree(),
		commitFn: func(ids []string) (*classroom.CommitResult, error) {
			return &classroom.CommitResult{
				CommittedIDs: []string{"B", "C"},
				FailedIDs:    map[string]string{"A": "课程已归档"},
			}, nil
		},
	}
	svc, runs := setupTestImportService(dir, nil)
	ctx := context.Background()

	resp, err := svc.Start(ctx, svcIdentity)
	if err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	if resp.Phase != string(PhaseSelecting) || len(resp.Candidates) != 3 || resp.SelectedCount != 3 {
		t.Fatalf("Start 响应错误: %+v", resp)
	}

	resp, err = svc.Confirm(ctx, svcIdentity)
	if err != nil {
		t.Fatalf("Confirm 失败: %v", err)
	}
	if resp.Phase != string(PhaseDone) || resp.Outcome == nil || !resp.Outcome.Successful {
		t.Fatalf("Confirm 响应错误: %+v", resp)
	}
	if len(resp.Outcome.Failed) != 1 || resp.Outcome.Failed[0].Name != "数学" {
		t.Errorf("失败明细应带课程名称: %+v", resp.Outcome.Failed)
	}

	if runs.count() != 1 {
		t.Fatalf("期望写入 1 条导入记录，实际 %d", runs.count())
	}
	list, total, err := svc.ListHistory(ctx, "user-1", &dto.ImportHistoryRequest{})
	if err != nil || total != 1 || len(list) != 1 {
		t.Fatalf("ListHistory 错误: %v total=%d", err, total)
	}
	if list[0].CommittedCount != 2 || list[0].FailedCount != 1 || list[0].SyncedCount != 2 {
		t.Errorf("导入记录统计错误: %+v", list[0])
	}
}

func TestImportService_PersistFailureDoesNotFailConfirm(t *testing.T) {
	dir := &fakeDirectory{discover: threeFree()}
	svc, runs := setupTestImportService(dir, nil)
	runs.failErr = errors.New("db down")

	svc.Start(context.Background(), svcIdentity)
	if _, err := svc.Confirm(context.Background(), svcIdentity); err != nil {
		t.Fatalf("记录写入失败不应影响导入结果: %v", err)
	}
}

func TestImportService_NoSession(t *testing.T) {
	svc, _ := setupTestImportService(&fakeDirectory{}, nil)
	ctx := context.Background()

	if _, err := svc.Current(ctx, "nobody"); !errors.Is(err, ErrImportSessionNotFound) {
		t.Errorf("Current 期望 ErrImportSessionNotFound，实际 %v", err)
	}
	if _, err := svc.ToggleSelect(ctx, "nobody", "A"); !errors.Is(err, ErrImportSessionNotFound) {
		t.Errorf("ToggleSelect 期望 ErrImportSessionNotFound，实际 %v", err)
	}
	if _, err := svc.Confirm(ctx, classroom.Identity{UserID: "nobody"}); !errors.Is(err, ErrImportSessionNotFound) {
		t.Errorf("Confirm 期望 ErrImportSessionNotFound，实际 %v", err)
	}
}

func TestImportService_NoCandidatesReportedInSnapshot(t *testing.T) {
	dir := &fakeDirectory{discover: &classroom.DiscoveryResult{}}
	svc, _ := setupTestImportService(dir, nil)

	if _, err := svc.Start(context.Background(), svcIdentity); !errors.Is(err, apperrors.ErrNoCandidates) {
		t.Fatalf("期望 ErrNoCandidates，实际 %v", err)
	}
	resp, err := svc.Current(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Current 失败: %v", err)
	}
	if resp.Phase != string(PhaseFailed) || resp.LastError == nil || resp.LastError.Kind != "no_candidates" || resp.Notice == "" {
		t.Errorf("快照错误: %+v", resp)
	}
}

// ════════════════════════════════════════════════════════════
// 编辑
// ════════════════════════════════════════════════════════════

func TestImportService_Edits(t *testing.T) {
	dir := &fakeDirectory{discover: threeFree()}
	svc, _ := setupTestImportService(dir, nil)
	ctx := context.Background()
	svc.Start(ctx, svcIdentity)

	resp, err := svc.SetSchedule(ctx, "user-1", "A", &dto.SetScheduleRequest{Slots: []dto.SlotRequest{
		{DayOfWeek: intPtr(1), StartTime: "09:30", EndTime: "10:30", Location: "B201"},
	}})
	if err != nil {
		t.Fatalf("SetSchedule 失败: %v", err)
	}
	// A 改到周二 09:30 与 B 周二 09:00-10:00 冲突
	if !resp.Candidates[0].HasConflict || !resp.Candidates[1].HasConflict {
		t.Error("A、B 应标记冲突")
	}
	if len(resp.Candidates[0].ConflictsWith) != 1 || resp.Candidates[0].ConflictsWith[0] != "B" {
		t.Errorf("A 的冲突对象错误: %v", resp.Candidates[0].ConflictsWith)
	}

	resp, err = svc.EditSlot(ctx, "user-1", "A", 0, &dto.EditSlotRequest{Field: "day_of_week", Value: "4"})
	if err != nil {
		t.Fatalf("EditSlot 失败: %v", err)
	}
	if resp.Candidates[0].HasConflict {
		t.Error("改到周五后冲突应解除")
	}

	if _, err := svc.AddSlot(ctx, "user-1", "C"); err != nil {
		t.Fatalf("AddSlot 失败: %v", err)
	}
	resp, err = svc.RemoveSlot(ctx, "user-1", "C", 1)
	if err != nil {
		t.Fatalf("RemoveSlot 失败: %v", err)
	}
	if len(resp.Candidates[2].Slots) != 1 {
		t.Errorf("C 期望 1 个时段，实际 %d", len(resp.Candidates[2].Slots))
	}

	resp, _ = svc.SelectNone(ctx, "user-1")
	if resp.SelectedCount != 0 {
		t.Errorf("SelectNone 后期望 0，实际 %d", resp.SelectedCount)
	}
	resp, _ = svc.SelectAll(ctx, "user-1")
	if resp.SelectedCount != 3 {
		t.Errorf("SelectAll 后期望 3，实际 %d", resp.SelectedCount)
	}
	resp, _ = svc.ToggleExpand(ctx, "user-1", "C")
	if !resp.Candidates[2].Expanded {
		t.Error("ToggleExpand 后 C 应展开")
	}

	if _, err := svc.ToggleSelect(ctx, "user-1", "Z"); !errors.Is(err, ErrCandidateNotFound) {
		t.Errorf("期望 ErrCandidateNotFound，实际 %v", err)
	}
}

func TestImportService_ApplyCalendar(t *testing.T) {
	dir := &fakeDirectory{discover: &classroom.DiscoveryResult{
		Candidates: []model.CandidateCourse{{ExternalID: "A", Name: "数学", Room: "A101"}},
	}}
	svc, _ := setupTestImportService(dir, nil)
	svc.loc = testZone
	svc.Start(context.Background(), svcIdentity)

	ics := strings.Replace(sampleICS, "LOCATION:A101\n", "", 1)
	resp, err := svc.ApplyCalendar(context.Background(), "user-1", "A", strings.NewReader(ics))
	if err != nil {
		t.Fatalf("ApplyCalendar 失败: %v", err)
	}
	slots := resp.Candidates[0].Slots
	if len(slots) != 2 {
		t.Fatalf("期望 2 个时段，实际 %d", len(slots))
	}
	if slots[0].Location != "A101" {
		t.Errorf("未写地点的事件应沿用课程教室，实际 %q", slots[0].Location)
	}

	if _, err := svc.ApplyCalendar(context.Background(), "user-1", "Z", strings.NewReader(ics)); !errors.Is(err, ErrCandidateNotFound) {
		t.Errorf("期望 ErrCandidateNotFound，实际 %v", err)
	}
}

func TestImportService_ExportCalendar(t *testing.T) {
	dir := &fakeDirectory{discover: threeFree()}
	svc, _ := setupTestImportService(dir, nil)
	svc.Start(context.Background(), svcIdentity)

	content, filename, err := svc.ExportCalendar(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ExportCalendar 失败: %v", err)
	}
	if !strings.HasSuffix(filename, ".ics") {
		t.Errorf("文件名错误: %s", filename)
	}
	if strings.Count(string(content), "BEGIN:VEVENT") != 3 {
		t.Error("期望导出 3 个事件")
	}

	svc.SelectNone(context.Background(), "user-1")
	if _, _, err := svc.ExportCalendar(context.Background(), "user-1"); !errors.Is(err, ErrNothingSelected) {
		t.Errorf("无勾选期望 ErrNothingSelected，实际 %v", err)
	}
}

// ════════════════════════════════════════════════════════════
// 锁与清理
// ════════════════════════════════════════════════════════════

func TestImportService_LockHeldElsewhere(t *testing.T) {
	locker := newMockLocker()
	locker.holders["user-1"] = "other-instance"
	dir := &fakeDirectory{discover: threeFree()}
	svc, _ := setupTestImportService(dir, locker)

	if _, err := svc.Start(context.Background(), svcIdentity); !errors.Is(err, ErrImportSessionActive) {
		t.Fatalf("期望 ErrImportSessionActive，实际 %v", err)
	}
	if dir.discoverCalls != 0 {
		t.Error("未拿到锁不应调用 discover")
	}
}

func TestImportService_LockLifecycle(t *testing.T) {
	locker := newMockLocker()
	dir := &fakeDirectory{discover: threeFree()}
	svc, _ := setupTestImportService(dir, locker)
	ctx := context.Background()

	if _, err := svc.Start(ctx, svcIdentity); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	if !locker.held("user-1") {
		t.Fatal("选择阶段应持有锁")
	}
	if _, err := svc.Confirm(ctx, svcIdentity); err != nil {
		t.Fatalf("Confirm 失败: %v", err)
	}
	if locker.held("user-1") {
		t.Error("完成后应释放锁")
	}

	// 再次开始并取消
	if _, err := svc.Start(ctx, svcIdentity); err != nil {
		t.Fatalf("再次 Start 失败: %v", err)
	}
	if _, err := svc.Cancel(ctx, "user-1"); err != nil {
		t.Fatalf("Cancel 失败: %v", err)
	}
	if locker.held("user-1") {
		t.Error("取消后应释放锁")
	}
}

func TestImportService_LockReleasedWhenDiscoverFails(t *testing.T) {
	locker := newMockLocker()
	dir := &fakeDirectory{discoverErr: apperrors.NewRemoteError(classroom.OpDiscover, apperrors.ErrRemoteUnavailable, 503, "", nil)}
	svc, _ := setupTestImportService(dir, locker)

	if _, err := svc.Start(context.Background(), svcIdentity); !errors.Is(err, apperrors.ErrRemoteUnavailable) {
		t.Fatalf("期望 ErrRemoteUnavailable，实际 %v", err)
	}
	if locker.held("user-1") {
		t.Error("预览失败后不应继续持有锁")
	}
}

func TestImportService_LockerDownDegrades(t *testing.T) {
	locker := newMockLocker()
	locker.down = true
	dir := &fakeDirectory{discover: threeFree()}
	svc, _ := setupTestImportService(dir, locker)

	if _, err := svc.Start(context.Background(), svcIdentity); err != nil {
		t.Fatalf("Redis 不可用时应降级放行: %v", err)
	}
}

func TestImportService_Sweep(t *testing.T) {
	locker := newMockLocker()
	dir := &fakeDirectory{discover: threeFree()}
	svc, _ := setupTestImportService(dir, locker)
	svc.Start(context.Background(), svcIdentity)

	if n := svc.sweep(time.Now()); n != 0 {
		t.Errorf("未过期不应清理，实际清理 %d", n)
	}
	if n := svc.sweep(time.Now().Add(time.Hour)); n != 1 {
		t.Errorf("期望清理 1 个会话，实际 %d", n)
	}
	if _, err := svc.Current(context.Background(), "user-1"); !errors.Is(err, ErrImportSessionNotFound) {
		t.Errorf("清理后期望 ErrImportSessionNotFound，实际 %v", err)
	}
	if locker.held("user-1") {
		t.Error("清理后应释放锁")
	}
}

func TestImportService_RestartNotSweptWhileAcquiring(t *testing.T) {
	locker := newMockLocker()
	dir := &fakeDirectory{discover: threeFree()}
	svc, _ := setupTestImportService(dir, locker)
	ctx := context.Background()

	if _, err := svc.Start(ctx, svcIdentity); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	if _, err := svc.Cancel(ctx, "user-1"); err != nil {
		t.Fatalf("Cancel 失败: %v", err)
	}

	// 已取消的会话闲置超过 TTL
	sess := svc.session("user-1", false)
	sess.orch.mu.Lock()
	sess.orch.touchedAt = time.Now().Add(-2 * svc.ttl)
	sess.orch.mu.Unlock()

	// 重新开始取到会话后、调用远程之前，清理任务恰好执行
	if got := svc.session("user-1", true); got != sess {
		t.Fatal("应复用已有会话")
	}
	if n := svc.sweep(time.Now()); n != 0 {
		t.Fatalf("即将重新开始的会话不应被清理，实际清理 %d", n)
	}

	if _, err := svc.Start(ctx, svcIdentity); err != nil {
		t.Fatalf("再次 Start 失败: %v", err)
	}
	cur, err := svc.Current(ctx, "user-1")
	if err != nil {
		t.Fatalf("Current 失败: %v", err)
	}
	if cur.Phase != string(PhaseSelecting) {
		t.Errorf("期望 selecting，实际 %s", cur.Phase)
	}
	if !locker.held("user-1") {
		t.Error("重新开始后应持有锁")
	}
}

func TestImportService_RunJanitorStopsOnCancel(t *testing.T) {
	svc, _ := setupTestImportService(&fakeDirectory{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunJanitor(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunJanitor 未在 ctx 取消后退出")
	}
}
