package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"

	"class-bridge/backend/internal/dto"
	"class-bridge/backend/internal/service"
	"class-bridge/backend/internal/validator"
	apperrors "class-bridge/backend/pkg/errors"
	"class-bridge/backend/pkg/response"
)

// ImportHandler 课程导入模块 HTTP 处理器
type ImportHandler struct {
	svc service.ImportService
}

// NewImportHandler 创建 ImportHandler
func NewImportHandler(svc service.ImportService) *ImportHandler {
	return &ImportHandler{svc: svc}
}

// ═══════════════════════════════════════════════════════════
// 会话生命周期
// ═══════════════════════════════════════════════════════════

// Start 开始导入（拉取候选课程）
// POST /api/v1/imports
func (h *ImportHandler) Start(c *gin.Context) {
	id, ok := MustGetIdentity(c)
	if !ok {
		return
	}

	resp, err := h.svc.Start(c.Request.Context(), id)
	if err != nil {
		handleImportError(c, err)
		return
	}
	response.Created(c, resp)
}

// Current 查询当前导入会话
// GET /api/v1/imports/current
func (h *ImportHandler) Current(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	resp, err := h.svc.Current(c.Request.Context(), userID)
	if err != nil {
		handleImportError(c, err)
		return
	}
	response.OK(c, resp)
}

// Confirm 提交所选课程并同步作业
// POST /api/v1/imports/current/confirm
//
// 部分失败仍返回 200，由 outcome.failed 描述；全部失败返回 422
func (h *ImportHandler) Confirm(c *gin.Context) {
	id, ok := MustGetIdentity(c)
	if !ok {
		return
	}

	resp, err := h.svc.Confirm(c.Request.Context(), id)
	if err != nil {
		handleImportError(c, err)
		return
	}
	response.OK(c, resp)
}

// Cancel 放弃当前导入
// POST /api/v1/imports/current/cancel
func (h *ImportHandler) Cancel(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	resp, err := h.svc.Cancel(c.Request.Context(), userID)
	if err != nil {
		handleImportError(c, err)
		return
	}
	response.OK(c, resp)
}

// ═══════════════════════════════════════════════════════════
// 选择编辑
// ═══════════════════════════════════════════════════════════

// SelectAll 全选无冲突课程
// POST /api/v1/imports/current/select-all
func (h *ImportHandler) SelectAll(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	resp, err := h.svc.SelectAll(c.Request.Context(), userID)
	if err != nil {
		handleImportError(c, err)
		return
	}
	response.OK(c, resp)
}

// SelectNone 取消全部无冲突课程
// POST /api/v1/imports/current/select-none
func (h *ImportHandler) SelectNone(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	resp, err := h.svc.SelectNone(c.Request.Context(), userID)
	if err != nil {
		handleImportError(c, err)
		return
	}
	response.OK(c, resp)
}

// ToggleSelect 切换课程选中
// POST /api/v1/imports/current/candidates/:id/toggle
func (h *ImportHandler) ToggleSelect(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	resp, err := h.svc.ToggleSelect(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		handleImportError(c, err)
		return
	}
	response.OK(c, resp)
}

// ToggleExpand 展开/收起课表编辑
// POST /api/v1/imports/current/candidates/:id/expand
func (h *ImportHandler) ToggleExpand(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	resp, err := h.svc.ToggleExpand(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		handleImportError(c, err)
		return
	}
	response.OK(c, resp)
}

// SetSchedule 整体替换课程课表
// PUT /api/v1/imports/current/candidates/:id/schedule
func (h *ImportHandler) SetSchedule(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	var req dto.SetScheduleRequest
	if msg, ok := validator.BindJSON(c, &req); !ok {
		response.BadRequest(c, 10001, msg)
		return
	}

	resp, err := h.svc.SetSchedule(c.Request.Context(), userID, c.Param("id"), &req)
	if err != nil {
		handleImportError(c, err)
		return
	}
	response.OK(c, resp)
}

// AddSlot 追加一个默认时段
// POST /api/v1/imports/current/candidates/:id/slots
func (h *ImportHandler) AddSlot(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	resp, err := h.svc.AddSlot(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		handleImportError(c, err)
		return
	}
	response.OK(c, resp)
}

// EditSlot 修改时段的单个字段
// PATCH /api/v1/imports/current/candidates/:id/slots/:index
func (h *ImportHandler) EditSlot(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	index, ok := slotIndex(c)
	if !ok {
		return
	}

	var req dto.EditSlotRequest
	if msg, ok := validator.BindJSON(c, &req); !ok {
		response.BadRequest(c, 10001, msg)
		return
	}

	resp, err := h.svc.EditSlot(c.Request.Context(), userID, c.Param("id"), index, &req)
	if err != nil {
		handleImportError(c, err)
		return
	}
	response.OK(c, resp)
}

// RemoveSlot 删除时段
// DELETE /api/v1/imports/current/candidates/:id/slots/:index
func (h *ImportHandler) RemoveSlot(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	index, ok := slotIndex(c)
	if !ok {
		return
	}

	resp, err := h.svc.RemoveSlot(c.Request.Context(), userID, c.Param("id"), index)
	if err != nil {
		handleImportError(c, err)
		return
	}
	response.OK(c, resp)
}

// ═══════════════════════════════════════════════════════════
// 日历导入导出
// ═══════════════════════════════════════════════════════════

// ApplyCalendar 从 ICS 文件读取课程时段
// POST /api/v1/imports/current/candidates/:id/calendar
// multipart/form-data, field="file"
func (h *ImportHandler) ApplyCalendar(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	file, _, err := c.Request.FormFile("file")
	if err != nil {
		response.BadRequest(c, 10001, "请上传 ICS 文件")
		return
	}
	defer file.Close()

	resp, err := h.svc.ApplyCalendar(c.Request.Context(), userID, c.Param("id"), file)
	if err != nil {
		handleImportError(c, err)
		return
	}
	response.OK(c, resp)
}

// ExportCalendar 把已选课程导出为 ICS
// GET /api/v1/imports/current/calendar.ics
func (h *ImportHandler) ExportCalendar(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	data, filename, err := h.svc.ExportCalendar(c.Request.Context(), userID)
	if err != nil {
		handleImportError(c, err)
		return
	}

	c.Header("Content-Disposition", "attachment; filename*=UTF-8''"+url.QueryEscape(filename))
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", data)
}

// ═══════════════════════════════════════════════════════════
// 历史
// ═══════════════════════════════════════════════════════════

// ListHistory 分页查询导入历史
// GET /api/v1/imports/history?page=1&page_size=20
func (h *ImportHandler) ListHistory(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	var req dto.ImportHistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, 10001, validator.Message(err))
		return
	}

	list, total, err := h.svc.ListHistory(c.Request.Context(), userID, &req)
	if err != nil {
		handleImportError(c, err)
		return
	}
	response.OKPage(c, list, total, req.GetPage(), req.GetPageSize())
}

// ── 辅助函数 ──

func slotIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		response.BadRequest(c, 10001, "时段序号无效")
		return 0, false
	}
	return index, true
}

// handleImportError 将导入业务错误映射为 HTTP 响应
func handleImportError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperrors.ErrBusy):
		response.Conflict(c, 16001, "上一步操作仍在进行中")
	case errors.Is(err, apperrors.ErrRemoteUnavailable):
		response.ServiceUnavailable(c, 16002, "课程服务暂不可用，请稍后重试")
	case errors.Is(err, apperrors.ErrNotAuthenticated):
		response.Unauthorized(c, 16003, "课程服务登录状态已失效，请重新登录")
	case errors.Is(err, service.ErrCommitRejected):
		response.UnprocessableEntity(c, 16004, "所选课程全部导入失败", err.Error())
	case errors.Is(err, apperrors.ErrValidationRejected):
		response.UnprocessableEntity(c, 16004, "提交的数据未通过校验", err.Error())
	case errors.Is(err, apperrors.ErrNoCandidates):
		response.NotFound(c, 16005, "没有可导入的课程")
	case errors.Is(err, service.ErrNothingSelected):
		response.BadRequest(c, 16006, "请至少选择一门课程")
	case errors.Is(err, service.ErrInvalidTransition):
		response.Conflict(c, 16007, "当前阶段不允许该操作")
	case errors.Is(err, service.ErrImportSessionNotFound):
		response.NotFound(c, 16008, "当前没有进行中的导入")
	case errors.Is(err, service.ErrCandidateNotFound):
		response.NotFound(c, 16009, "候选课程不存在")
	case errors.Is(err, service.ErrInvalidSchedule),
		errors.Is(err, service.ErrSlotIndexOutOfRange),
		errors.Is(err, service.ErrUnknownSlotField):
		response.ErrorWithDetails(c, http.StatusBadRequest, 16010, "课表数据不合法", err.Error())
	case errors.Is(err, service.ErrImportSessionActive):
		response.Conflict(c, 16011, "该账号正在其他终端导入课程")
	case errors.Is(err, service.ErrCalendarParseFailed),
		errors.Is(err, service.ErrCalendarNoEvents):
		response.ErrorWithDetails(c, http.StatusBadRequest, 16012, "日历文件无法使用", err.Error())
	default:
		response.InternalError(c)
	}
}
