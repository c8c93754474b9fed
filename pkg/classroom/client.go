package classroom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"class-bridge/backend/config"
	"class-bridge/backend/internal/model"
	apperrors "class-bridge/backend/pkg/errors"
	"class-bridge/backend/pkg/requestid"
)

// ── 远程课程后端客户端 ──────────────────────────────────────
//
// 职责：封装 preview / import / sync 三个远程调用，
// 并把 HTTP 状态与传输错误翻译为 pkg/errors 的分类。
//
// 约定：
//   - 调用者身份通过 Identity 显式传入，客户端本身无状态
//   - 响应只接受一种结构，由 normalize* 函数在边界处校验
//   - 响应体上限 5MB
// ─────────────────────────────────────────────────────────────

const maxResponseBytes = 5 * 1024 * 1024

const (
	OpDiscover = "discover"
	OpCommit   = "commit"
	OpSync     = "sync"
)

// Identity 调用者身份，随每次调用传入
type Identity struct {
	UserID string
	Token  string
}

// DiscoveryResult 预览结果
type DiscoveryResult struct {
	Candidates         []model.CandidateCourse
	SuggestedSlots     map[string][]model.ScheduleSlot
	AlreadyImportedIDs []string
}

// CommitResult 导入结果，可能部分成功
type CommitResult struct {
	CommittedIDs []string
	FailedIDs    map[string]string
}

// SyncResult 作业同步结果
type SyncResult struct {
	SyncedCount int
	Errors      map[string]string
}

// Client 远程课程后端 HTTP 客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient 创建客户端
func NewClient(cfg *config.DirectoryConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Discover 拉取可导入课程列表
func (c *Client) Discover(ctx context.Context, id Identity) (*DiscoveryResult, error) {
	var payload discoveryPayload
	if err := c.do(ctx, OpDiscover, http.MethodGet, "/classroom/courses/preview", id, nil, &payload); err != nil {
		return nil, err
	}
	return normalizeDiscovery(&payload)
}

// Commit 导入选中课程并附带课表
func (c *Client) Commit(ctx context.Context, id Identity, selectedIDs []string, schedules map[string][]model.ScheduleSlot) (*CommitResult, error) {
	req := commitRequest{
		CourseIDs: selectedIDs,
		Schedules: make(map[string][]slotPayload, len(schedules)),
	}
	for courseID, slots := range schedules {
		out := make([]slotPayload, 0, len(slots))
		for _, s := range slots {
			out = append(out, toSlotPayload(s))
		}
		req.Schedules[courseID] = out
	}

	var payload commitPayload
	if err := c.do(ctx, OpCommit, http.MethodPost, "/classroom/courses/import", id, req, &payload); err != nil {
		return nil, err
	}
	return normalizeCommit(&payload, selectedIDs)
}

// SyncAssignments 同步已导入课程的作业
func (c *Client) SyncAssignments(ctx context.Context, id Identity, committedIDs []string) (*SyncResult, error) {
	var payload syncPayload
	req := syncRequest{CourseIDs: committedIDs}
	if err := c.do(ctx, OpSync, http.MethodPost, "/classroom/assignments/sync", id, req, &payload); err != nil {
		return nil, err
	}
	return normalizeSync(&payload)
}

// do 发送请求并按状态码分类错误
func (c *Client) do(ctx context.Context, op, method, path string, id Identity, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: 序列化请求失败: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: 构造请求失败: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id.Token != "" {
		req.Header.Set("Authorization", "Bearer "+id.Token)
	}
	if id.UserID != "" {
		req.Header.Set("X-User-ID", id.UserID)
	}
	if rid := requestid.From(ctx); rid != "" {
		req.Header.Set(requestid.Header, rid)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("课程后端请求失败",
			zap.String("op", op),
			zap.String("user_id", id.UserID),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
		// 超时与网络错误一律视为暂不可用
		return apperrors.NewRemoteError(op, apperrors.ErrRemoteUnavailable, 0, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.NewRemoteError(op, apperrors.ErrRemoteUnavailable, resp.StatusCode, "读取响应失败", err)
	}

	c.logger.Debug("课程后端请求完成",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if kind := classifyStatus(resp.StatusCode); kind != nil {
		return apperrors.NewRemoteError(op, kind, resp.StatusCode, extractReason(raw), nil)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.NewRemoteError(op, apperrors.ErrValidationRejected, resp.StatusCode, "响应不是合法 JSON", err)
	}
	return nil
}

// classifyStatus 2xx 返回 nil，其余映射到错误分类
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.ErrNotAuthenticated
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return apperrors.ErrRemoteUnavailable
	case status >= 500:
		return apperrors.ErrRemoteUnavailable
	default:
		return apperrors.ErrValidationRejected
	}
}

// extractReason 尽量从错误响应中取出 message/error 字段
func extractReason(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Error
}

// ErrMalformed 响应结构不合法
var ErrMalformed = errors.New("课程后端响应结构不合法")
