package connector

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/xuri/excelize/v2"
)

// SpreadsheetConnector reads the first sheet of an XLSX workbook.
type SpreadsheetConnector struct {
	MaxBytes int64
}

// NewSpreadsheetConnector returns a spreadsheet connector.
func NewSpreadsheetConnector(maxBytes int64) *SpreadsheetConnector {
	return &SpreadsheetConnector{MaxBytes: maxBytes}
}

func (c *SpreadsheetConnector) Kind() domain.SourceKind { return domain.KindSpreadsheetUpload }

// Parse streams rows of the first sheet. Other sheets are ignored.
//
// XLSX is a zip archive, so the workbook itself is read whole; MaxBytes
// caps that read. Rows are then iterated one at a time.
func (c *SpreadsheetConnector) Parse(ctx context.Context, in Input, emit EmitFunc) (Result, error) {
	if in.Body == nil {
		return Result{}, domain.ErrUnsupportedFormat.WithMessage("no file content")
	}

	book, err := excelize.OpenReader(NewCountingReader(in.Body, c.MaxBytes))
	if err != nil {
		return Result{}, unsupported(err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return Result{}, domain.ErrUnsupportedFormat.WithMessage("workbook %q has no sheets", in.FileName)
	}
	sheet := sheets[0]
	if in.Config != nil && in.Config.Spreadsheet != nil {
		in.Config.Spreadsheet.Sheet = sheet
	}

	rows, err := book.Rows(sheet)
	if err != nil {
		return Result{}, unsupported(err)
	}
	defer rows.Close()

	var header []string
	count := 0
	for line := 0; rows.Next(); line++ {
		if line%ContextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, fmt.Errorf("parse cancelled at row %d: %w", line+1, err)
			}
		}

		cells, err := rows.Columns()
		if err != nil {
			return Result{}, unsupported(err)
		}
		if hasNUL(cells) {
			return Result{}, domain.ErrUnsupportedFormat.WithMessage("sheet %q of %q contains a NUL character at row %d", sheet, in.FileName, line+1)
		}
		if isEmptyRow(cells) {
			continue
		}
		if header == nil {
			header = normalizeHeader(cells)
			continue
		}

		if err := emit(rowFromCells(header, cells)); err != nil {
			return Result{}, err
		}
		count++
	}
	if err := rows.Error(); err != nil {
		return Result{}, unsupported(err)
	}

	if header == nil {
		return Result{}, domain.ErrUnsupportedFormat.WithMessage("sheet %q of %q has no header row", sheet, in.FileName)
	}

	return Result{Columns: header, RowCount: count}, nil
}
