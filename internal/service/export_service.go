package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"class-bridge/backend/internal/model"
	"class-bridge/backend/internal/repository"
)

// ── 导出模块业务错误 ──

var (
	ErrExportNoHistory    = errors.New("暂无导入记录")
	ErrExportGenerateFail = errors.New("生成 Excel 文件失败")
)

// ExportService 导出业务接口
//
// 导出以 bytes.Buffer 返回，由 Handler 层设置 HTTP 响应头后写入 Response
type ExportService interface {
	// ExportHistory 导出用户的导入历史为 Excel
	ExportHistory(ctx context.Context, userID string) (*bytes.Buffer, string, error)
}

type exportService struct {
	repo   *repository.Repository
	logger *zap.Logger
}

// NewExportService 创建 ExportService 实例
func NewExportService(repo *repository.Repository, logger *zap.Logger) ExportService {
	return &exportService{repo: repo, logger: logger}
}

// ═══════════════════════════════════════════════════════════
// ExportHistory 导出导入历史
// ═══════════════════════════════════════════════════════════
//
// 输出格式：
//   - Sheet "导入记录"：每次导入一行，含成功/失败/同步数量
//   - Sheet "课程明细"：每门课程一行，含所属导入、状态、失败原因
//
// 返回值：buf（Excel 内容）, filename（建议文件名）, error

const (
	sheetRuns  = "导入记录"
	sheetItems = "课程明细"
)

func (s *exportService) ExportHistory(ctx context.Context, userID string) (*bytes.Buffer, string, error) {
	runs, err := s.repo.ImportRun.ListAllByUser(ctx, userID)
	if err != nil {
		s.logger.Error("查询导入历史失败", zap.String("user_id", userID), zap.Error(err))
		return nil, "", err
	}
	if len(runs) == 0 {
		return nil, "", ErrExportNoHistory
	}

	f := excelize.NewFile()
	defer f.Close()

	idx, _ := f.NewSheet(sheetRuns)
	f.SetActiveSheet(idx)
	f.NewSheet(sheetItems)
	// 删除默认 Sheet1
	f.DeleteSheet("Sheet1")

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	warnStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Color: "#C00000"},
	})

	// ── 导入记录 ──
	runHeaders := []string{"导入编号", "开始时间", "完成时间", "成功", "失败", "同步作业数", "同步告警", "同步错误"}
	writeHeader(f, sheetRuns, runHeaders, headerStyle)
	f.SetColWidth(sheetRuns, "A", "A", 38)
	f.SetColWidth(sheetRuns, "B", "C", 20)
	f.SetColWidth(sheetRuns, "H", "H", 40)

	for i, r := range runs {
		row := i + 2
		warning := "否"
		if r.SyncWarning {
			warning = "是"
		}
		values := []interface{}{
			r.ImportRunID,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.FinishedAt.Format("2006-01-02 15:04:05"),
			r.CommittedCount,
			r.FailedCount,
			r.SyncedCount,
			warning,
			r.SyncError,
		}
		f.SetSheetRow(sheetRuns, cell("A", row), &values)
		if r.SyncWarning {
			f.SetCellStyle(sheetRuns, cell("G", row), cell("H", row), warnStyle)
		}
	}

	// ── 课程明细 ──
	itemHeaders := []string{"导入编号", "课程编号", "课程名称", "状态", "时段数", "失败原因"}
	writeHeader(f, sheetItems, itemHeaders, headerStyle)
	f.SetColWidth(sheetItems, "A", "A", 38)
	f.SetColWidth(sheetItems, "B", "C", 22)
	f.SetColWidth(sheetItems, "F", "F", 40)

	row := 2
	for _, r := range runs {
		for _, it := range r.Items {
			values := []interface{}{
				r.ImportRunID,
				it.ExternalID,
				it.CourseName,
				itemStatusLabel(it.Status),
				it.SlotCount,
				it.Reason,
			}
			f.SetSheetRow(sheetItems, cell("A", row), &values)
			if it.Status == model.ImportItemFailed {
				f.SetCellStyle(sheetItems, cell("D", row), cell("D", row), warnStyle)
			}
			row++
		}
	}

	buf := new(bytes.Buffer)
	if err := f.Write(buf); err != nil {
		s.logger.Error("写入 Excel 失败", zap.Error(err))
		return nil, "", ErrExportGenerateFail
	}

	filename := fmt.Sprintf("导入历史_%s.xlsx", runs[0].FinishedAt.Format("20060102"))
	return buf, filename, nil
}

// ── 辅助函数 ──

func writeHeader(f *excelize.File, sheet string, headers []string, style int) {
	for i, h := range headers {
		f.SetCellValue(sheet, cell(colName(i), 1), h)
	}
	f.SetCellStyle(sheet, "A1", cell(colName(len(headers)-1), 1), style)
}

func itemStatusLabel(status string) string {
	switch status {
	case model.ImportItemCommitted:
		return "已导入"
	case model.ImportItemFailed:
		return "失败"
	default:
		return status
	}
}

func colName(idx int) string {
	name, _ := excelize.ColumnNumberToName(idx + 1)
	return name
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}
