package report

import (
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/garyjia/requisition-portal/internal/application/port"
	"github.com/garyjia/requisition-portal/internal/domain/entity"
)

const (
	summarySheet = "Summary"
	historySheet = "History"

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var historyHeader = []interface{}{
	"Seq", "Timestamp (UTC)", "Actor", "Role", "Action", "Level",
	"From", "To", "To Level", "Assigned Approver", "Comment",
}

// HistoryExporter renders a requisition and its ledger as an xlsx workbook
type HistoryExporter struct {
	logger *zap.Logger
}

// NewHistoryExporter creates a new xlsx exporter
func NewHistoryExporter(logger *zap.Logger) *HistoryExporter {
	return &HistoryExporter{logger: logger}
}

func (e *HistoryExporter) ContentType() string { return xlsxContentType }

// Export builds the workbook in memory
func (e *HistoryExporter) Export(ctx context.Context, req *entity.Requisition, entries []*entity.AuditEntry) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), summarySheet); err != nil {
		return nil, fmt.Errorf("failed to name summary sheet: %w", err)
	}
	if _, err := f.NewSheet(historySheet); err != nil {
		return nil, fmt.Errorf("failed to create history sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("failed to create style: %w", err)
	}

	if err := e.writeSummary(f, req, bold); err != nil {
		return nil, err
	}
	if err := e.writeHistory(f, entries, bold); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}

	e.logger.Debug("History exported",
		zap.Int64("requisition_id", req.ID),
		zap.Int("entries", len(entries)),
		zap.Int("bytes", buf.Len()))

	return buf.Bytes(), nil
}

func (e *HistoryExporter) writeSummary(f *excelize.File, req *entity.Requisition, bold int) error {
	fields := [][]interface{}{
		{"Number", req.Number},
		{"Title", req.Title},
		{"Requester", req.RequesterID},
		{"Department", req.Department},
		{"Location", req.Location},
		{"Justification", req.JustificationCode},
		{"Status", req.Status},
		{"Current Level", req.CurrentLevel},
		{"Current Approver", req.ApproverOrEmpty()},
		{"Total Estimated Cost", req.TotalEstimatedCost.StringFixed(2)},
		{"Submitted", formatTime(req.SubmittedAt)},
		{"Completed", formatTime(req.CompletedAt)},
	}

	row := 1
	for _, field := range fields {
		if err := setRow(f, summarySheet, row, field); err != nil {
			return err
		}
		row++
	}
	if err := f.SetCellStyle(summarySheet, "A1", fmt.Sprintf("A%d", row-1), bold); err != nil {
		return fmt.Errorf("failed to style summary: %w", err)
	}

	row++
	itemsHeader := row
	if err := setRow(f, summarySheet, row, []interface{}{"#", "Description", "Quantity", "Unit", "Unit Cost", "Estimated Cost"}); err != nil {
		return err
	}
	for _, item := range req.LineItems {
		row++
		if err := setRow(f, summarySheet, row, []interface{}{
			item.Position,
			item.Description,
			item.Quantity.String(),
			item.Unit,
			item.UnitCost.StringFixed(2),
			item.EstimatedCost.StringFixed(2),
		}); err != nil {
			return err
		}
	}

	if err := f.SetCellStyle(summarySheet, fmt.Sprintf("A%d", itemsHeader), fmt.Sprintf("F%d", itemsHeader), bold); err != nil {
		return fmt.Errorf("failed to style line items: %w", err)
	}
	return f.SetColWidth(summarySheet, "A", "B", 24)
}

func (e *HistoryExporter) writeHistory(f *excelize.File, entries []*entity.AuditEntry, bold int) error {
	if err := setRow(f, historySheet, 1, historyHeader); err != nil {
		return err
	}
	if err := f.SetCellStyle(historySheet, "A1", "K1", bold); err != nil {
		return fmt.Errorf("failed to style history header: %w", err)
	}

	for i, entry := range entries {
		assigned := ""
		if entry.AssignedApproverID != nil {
			assigned = *entry.AssignedApproverID
		}
		if err := setRow(f, historySheet, i+2, []interface{}{
			entry.Seq,
			entry.Timestamp.UTC().Format(time.RFC3339),
			entry.ActorID,
			entry.ActorRole,
			entry.Action,
			entry.Level,
			entry.FromStatus,
			entry.ToStatus,
			entry.ToLevel,
			assigned,
			entry.Comment,
		}); err != nil {
			return err
		}
	}

	return f.SetColWidth(historySheet, "B", "B", 22)
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Verify interface compliance
var _ port.HistoryExporter = (*HistoryExporter)(nil)
