package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"presence/internal/session"
)

const sheetName = "Attendance"

// WriteXLSX renders a session's records as an Excel workbook: one row per
// record plus a summary sheet, matching the portal's downloadable report.
func WriteXLSX(w io.Writer, sess session.Session, records []session.Record) error {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName("Sheet1", sheetName)

	headers := []string{"Name", "Email", "Status", "Timestamp"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for i, rec := range records {
		values := []interface{}{
			rec.Name,
			rec.Email,
			string(rec.Status),
			rec.CapturedAt.Format("2006-01-02 15:04:05"),
		}
		for j, v := range values {
			cell, _ := excelize.CoordinatesToCellName(j+1, i+2)
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return fmt.Errorf("write record row: %w", err)
			}
		}
	}

	summarySheet := "Summary"
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}
	summaryHeaders := []string{"Name", "Email", "Status", "Records", "First Seen"}
	for i, h := range summaryHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(summarySheet, cell, h); err != nil {
			return fmt.Errorf("write summary header: %w", err)
		}
	}
	for i, s := range Summarize(records) {
		values := []interface{}{s.Name, s.Email, string(s.Status), s.Records, s.FirstSeen}
		for j, v := range values {
			cell, _ := excelize.CoordinatesToCellName(j+1, i+2)
			if err := f.SetCellValue(summarySheet, cell, v); err != nil {
				return fmt.Errorf("write summary row: %w", err)
			}
		}
	}

	return f.Write(w)
}

// Filename builds the download name for a session export.
func Filename(sess session.Session) string {
	return fmt.Sprintf("Attendance_%s_%s.xlsx", sess.Room, sess.ID)
}
