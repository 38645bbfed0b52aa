package export

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"

	"callpipe/internal/models"
)

// CallArtifacts bundles everything the workbook renders for one call.
type CallArtifacts struct {
	Call        models.Call
	Summary     *models.Summary
	ActionItems []models.ActionItem
	Segments    []models.Segment
	Score       *models.FrameworkScore
}

// Workbook renders a call's analysis artifacts as an xlsx file: one sheet for
// the summary, one for action items, one for the transcript, and one for the
// framework score when present.
func Workbook(a CallArtifacts) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const summarySheet = "Summary"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	rows := [][]any{
		{"Call", a.Call.Title},
		{"Status", a.Call.Status},
		{"Created", a.Call.CreatedAt.Format("2006-01-02 15:04")},
		{},
	}
	if a.Summary != nil {
		rows = append(rows, []any{"Overview", a.Summary.Overview})
		for _, m := range a.Summary.KeyMoments {
			rows = append(rows, []any{"Key moment", m})
		}
		for _, o := range a.Summary.Objections {
			rows = append(rows, []any{"Objection", o})
		}
		for _, s := range a.Summary.NextSteps {
			rows = append(rows, []any{"Next step", s})
		}
	}
	if err := writeRows(f, summarySheet, rows); err != nil {
		return nil, err
	}

	if err := actionItemSheet(f, a.ActionItems); err != nil {
		return nil, err
	}
	if err := transcriptSheet(f, a.Segments); err != nil {
		return nil, err
	}
	if a.Score != nil {
		if err := scoreSheet(f, *a.Score); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func actionItemSheet(f *excelize.File, items []models.ActionItem) error {
	const sheet = "Action Items"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("new sheet %s: %w", sheet, err)
	}
	rows := [][]any{{"Text", "Owner", "Due"}}
	for _, item := range items {
		owner, due := "", ""
		if item.Owner != nil {
			owner = *item.Owner
		}
		if item.DueDate != nil {
			due = *item.DueDate
		}
		rows = append(rows, []any{item.Text, owner, due})
	}
	return writeRows(f, sheet, rows)
}

func transcriptSheet(f *excelize.File, segments []models.Segment) error {
	const sheet = "Transcript"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("new sheet %s: %w", sheet, err)
	}
	rows := [][]any{{"Time", "Speaker", "Text"}}
	for _, seg := range segments {
		total := seg.StartMS / 1000
		rows = append(rows, []any{fmt.Sprintf("%02d:%02d", total/60, total%60), seg.Speaker, seg.Text})
	}
	return writeRows(f, sheet, rows)
}

func scoreSheet(f *excelize.File, score models.FrameworkScore) error {
	const sheet = "Score"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("new sheet %s: %w", sheet, err)
	}
	rows := [][]any{
		{"Overall", score.Overall},
		{},
		{"Phase", "Covered", "Total"},
	}
	for _, p := range score.Phases {
		rows = append(rows, []any{p.Phase, p.Covered, p.Total})
	}
	rows = append(rows, []any{})
	for _, q := range score.MissedQuestions {
		rows = append(rows, []any{"Missed", q})
	}
	for _, item := range score.CoachingPlan.NextCallAgenda {
		rows = append(rows, []any{"Agenda", item})
	}
	for _, q := range score.CoachingPlan.QuestionsToAsk {
		rows = append(rows, []any{"Ask", q})
	}
	return writeRows(f, sheet, rows)
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("set row %d on %s: %w", i+1, sheet, err)
		}
	}
	return nil
}
