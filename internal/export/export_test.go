package export

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/dunamismax/cardscan/internal/domain"
	"github.com/xuri/excelize/v2"
)

func sampleJobs() []domain.Job {
	return []domain.Job{
		{Name: "a.png", State: domain.JobStateSucceeded, Result: &domain.CardRecord{Country: "中国", Name: "张三", Phone: "(+86)-13812345678"}},
		{Name: "b.png", State: domain.JobStateFailed, Error: "Doubao API Error: {\"code\":\"RateLimitExceeded\"}"},
		{Name: "c.png", State: domain.JobStatePending},
	}
}

func TestXLSX(t *testing.T) {
	data, err := XLSX(RowsFromJobs(sampleJobs()))
	if err != nil {
		t.Fatalf("xlsx: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "File" || rows[1][2] != "张三" || rows[1][5] != "(+86)-13812345678" {
		t.Fatalf("unexpected rows: %v", rows[:2])
	}
	if rows[2][6] != "failed" || !strings.Contains(rows[2][7], "RateLimitExceeded") {
		t.Fatalf("unexpected failed row: %v", rows[2])
	}
}

func TestCSVBytes(t *testing.T) {
	data, err := CSVBytes(RowsFromJobs(sampleJobs()))
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\ufeff")) {
		t.Fatal("expected UTF-8 BOM")
	}

	records, err := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\ufeff")))).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 4 || records[3][0] != "c.png" || records[3][6] != "pending" {
		t.Fatalf("unexpected csv records: %v", records)
	}
}

func TestRowsFromArchive(t *testing.T) {
	rows := RowsFromArchive([]domain.ArchiveRow{{FileName: "a.png", State: domain.JobStateSucceeded, Record: domain.CardRecord{Company: "ABC"}}})
	if len(rows) != 1 || rows[0].Record.Company != "ABC" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}
