// Package export renders the recognition results table.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/dunamismax/cardscan/internal/domain"
	"github.com/xuri/excelize/v2"
)

const sheetName = "Cards"

var headers = []string{"File", "Country", "Name", "Position", "Company", "Phone", "State", "Error"}

type Row struct {
	FileName string
	Record   domain.CardRecord
	State    domain.JobState
	Error    string
}

func (r Row) values() []string {
	return []string{
		r.FileName,
		r.Record.Country,
		r.Record.Name,
		r.Record.Position,
		r.Record.Company,
		r.Record.Phone,
		string(r.State),
		r.Error,
	}
}

// RowsFromJobs keeps the given order.
func RowsFromJobs(jobs []domain.Job) []Row {
	rows := make([]Row, 0, len(jobs))
	for _, job := range jobs {
		row := Row{FileName: job.Name, State: job.State, Error: job.Error}
		if job.Result != nil {
			row.Record = *job.Result
		}
		rows = append(rows, row)
	}
	return rows
}

func RowsFromArchive(archived []domain.ArchiveRow) []Row {
	rows := make([]Row, 0, len(archived))
	for _, a := range archived {
		rows = append(rows, Row{FileName: a.FileName, Record: a.Record, State: a.State, Error: a.Error})
	}
	return rows
}

// XLSX returns a workbook with one header row and one row per result.
func XLSX(rows []Row) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	if err := writeRow(f, 1, headers); err != nil {
		return nil, err
	}
	for i, row := range rows {
		if err := writeRow(f, i+2, row.values()); err != nil {
			return nil, err
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 28)
	_ = f.SetColWidth(sheetName, "B", "C", 14)
	_ = f.SetColWidth(sheetName, "D", "E", 28)
	_ = f.SetColWidth(sheetName, "F", "F", 22)
	_ = f.SetColWidth(sheetName, "G", "G", 12)
	_ = f.SetColWidth(sheetName, "H", "H", 60)
	_ = f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, rowNum int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return fmt.Errorf("cell name: %w", err)
	}
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = v
	}
	if err := f.SetSheetRow(sheetName, cell, &cells); err != nil {
		return fmt.Errorf("write row %d: %w", rowNum, err)
	}
	return nil
}

func CSV(w io.Writer, rows []Row) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(headers); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		if err := writer.Write(row.values()); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// CSVBytes is CSV into memory with a UTF-8 BOM so spreadsheet tools pick
// the right encoding for CJK text.
func CSVBytes(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("\ufeff")
	if err := CSV(&buf, rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
