package roster

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
)

func TestReadTable_CSV(t *testing.T) {
	in := "\xEF\xBB\xBFMRN, First Name ,Last Name,DOB\nA1,John,Doe,1980-05-15\n\n,,,\nA2,Jane,\"Roe, Jr\",1990-01-01\n"
	tbl, err := ReadTable("patients.csv", strings.NewReader(in), ReaderOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantHeaders := []string{"MRN", "First Name", "Last Name", "DOB"}
	for i, h := range wantHeaders {
		if tbl.Headers[i] != h {
			t.Errorf("header %d: expected %q, got %q", i, h, tbl.Headers[i])
		}
	}
	if len(tbl.Rows) != 2 {
		t.Fatalf("expected 2 rows (blank rows skipped), got %d", len(tbl.Rows))
	}
	if tbl.Rows[1]["Last Name"] != "Roe, Jr" {
		t.Errorf("expected quoted cell, got %q", tbl.Rows[1]["Last Name"])
	}
}

func TestReadTable_TSVAndShortRows(t *testing.T) {
	in := "MRN\tName\t\nA1\tJohn\nA2\tJane\textra\tmore\n"
	tbl, err := ReadTable("patients.tsv", strings.NewReader(in), ReaderOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tbl.Headers[2] != "column_3" {
		t.Errorf("expected blank header to be named column_3, got %q", tbl.Headers[2])
	}
	if v, ok := tbl.Rows[0]["column_3"]; !ok || v != "" {
		t.Errorf("expected padded empty cell, got %q ok=%v", v, ok)
	}
	if len(tbl.Rows[1]) != 3 {
		t.Errorf("extra cells must be dropped, got %v", tbl.Rows[1])
	}
}

func TestReadTable_DuplicateHeaders(t *testing.T) {
	tbl, err := ReadTable("p.csv", strings.NewReader("Name,Name,Name\na,b,c\n"), ReaderOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"Name", "Name_2", "Name_3"}
	for i := range want {
		if tbl.Headers[i] != want[i] {
			t.Errorf("expected %v, got %v", want, tbl.Headers)
		}
	}
	if tbl.Rows[0]["Name_3"] != "c" {
		t.Errorf("unexpected row %v", tbl.Rows[0])
	}
}

func TestReadTable_DuplicateHeadersNeverCollide(t *testing.T) {
	tbl, err := ReadTable("p.csv", strings.NewReader("A_2,A,A,,column_4\nx,y,z,w,v\n"), ReaderOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"A_2", "A", "A_3", "column_4", "column_4_2"}
	for i := range want {
		if tbl.Headers[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, tbl.Headers)
		}
	}
	row := tbl.Rows[0]
	if len(row) != 5 || row["A_2"] != "x" || row["A_3"] != "z" || row["column_4_2"] != "v" {
		t.Errorf("unexpected row %v", row)
	}
}

func TestReadTable_HeaderOnly(t *testing.T) {
	tbl, err := ReadTable("p.csv", strings.NewReader("MRN,Last Name\n"), ReaderOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tbl.Rows) != 0 {
		t.Errorf("expected zero rows, got %d", len(tbl.Rows))
	}
}

func TestReadTable_Charset(t *testing.T) {
	latin1 := []byte("MRN,Last Name\nA1,M\xFCller\n")

	tbl, err := ReadTable("p.csv", bytes.NewReader(latin1), ReaderOptions{Charset: "ISO-8859-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tbl.Rows[0]["Last Name"] != "Müller" {
		t.Errorf("expected decoded name, got %q", tbl.Rows[0]["Last Name"])
	}

	tbl, err = ReadTable("p.csv", bytes.NewReader(latin1), ReaderOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tbl.Rows[0]["Last Name"] != "Müller" {
		t.Errorf("expected Windows-1252 fallback, got %q", tbl.Rows[0]["Last Name"])
	}
}

func TestReadTable_XLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	f.SetSheetRow(sheet, "A1", &[]interface{}{"MRN", "Last Name", "DOB"})
	f.SetSheetRow(sheet, "A2", &[]interface{}{"A1", "Doe", "1980-05-15"})
	f.SetSheetRow(sheet, "A3", &[]interface{}{"A2", "Roe", "1990-01-01"})
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	tbl, err := ReadTable("patients.xlsx", buf, ReaderOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tbl.Headers) != 3 || tbl.Headers[1] != "Last Name" {
		t.Errorf("unexpected headers %v", tbl.Headers)
	}
	if len(tbl.Rows) != 2 || tbl.Rows[1]["Last Name"] != "Roe" {
		t.Errorf("unexpected rows %v", tbl.Rows)
	}
}

func TestReadTable_XLSXDateCells(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	f.SetSheetRow(sheet, "A1", &[]interface{}{"MRN", "Last Name", "Admitted", "DOB", "Weight"})
	f.SetSheetRow(sheet, "A2", &[]interface{}{"A1", "Doe"})
	f.SetCellValue(sheet, "C2", time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC))
	f.SetCellValue(sheet, "D2", time.Date(1980, 5, 15, 0, 0, 0, 0, time.UTC))
	f.SetCellValue(sheet, "E2", 12)

	shortDate, err := f.NewStyle(&excelize.Style{NumFmt: 14})
	if err != nil {
		t.Fatalf("new style: %v", err)
	}
	stamp := "yyyy/mm/dd hh:mm"
	custom, err := f.NewStyle(&excelize.Style{CustomNumFmt: &stamp})
	if err != nil {
		t.Fatalf("new style: %v", err)
	}
	decimal, err := f.NewStyle(&excelize.Style{NumFmt: 2})
	if err != nil {
		t.Fatalf("new style: %v", err)
	}
	f.SetCellStyle(sheet, "D2", "D2", shortDate)
	f.SetCellStyle(sheet, "C2", "C2", custom)
	f.SetCellStyle(sheet, "E2", "E2", decimal)
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	tbl, err := ReadTable("patients.xlsx", buf, ReaderOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	row := tbl.Rows[0]
	if row["DOB"] != "1980-05-15" {
		t.Errorf("expected ISO date of birth, got %q", row["DOB"])
	}
	if row["Admitted"] != "2024-03-09 14:30:00" {
		t.Errorf("expected ISO timestamp, got %q", row["Admitted"])
	}
	if row["Weight"] != "12.00" {
		t.Errorf("expected formatted number, got %q", row["Weight"])
	}

	mapping, err := NewKeywordMapper().Map(context.Background(), tbl.Headers)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	recs := BuildRecords(tbl.Rows, mapping, NewValidator())
	if !recs[0].Valid() || recs[0].DateOfBirth != "1980-05-15" {
		t.Errorf("expected valid record with DOB 1980-05-15, got %+v", recs[0])
	}
}

func TestDateFormatCode(t *testing.T) {
	cases := map[string]bool{
		"yyyy-mm-dd":        true,
		"d-mmm":             true,
		"h:mm:ss":           false,
		"0.00":              false,
		`"day "0`:           false,
		"[$-409]mm:ss":      false,
		`[Red]\d0`:          false,
		"[$-F800]dddd":      true,
		"#,##0;[Red]-#,##0": false,
	}
	for code, want := range cases {
		if got := dateFormatCode(code); got != want {
			t.Errorf("dateFormatCode(%q) = %v, want %v", code, got, want)
		}
	}
}

func TestReadTable_Errors(t *testing.T) {
	cases := []struct {
		name string
		file string
		body string
		opts ReaderOptions
	}{
		{"empty", "p.csv", "", ReaderOptions{}},
		{"whitespace", "p.csv", "  \n\n", ReaderOptions{}},
		{"unsupported", "p.pdf", "MRN\nA1\n", ReaderOptions{}},
		{"too many rows", "p.csv", "MRN\nA1\nA2\nA3\n", ReaderOptions{MaxRows: 2}},
		{"bad workbook", "p.xlsx", "not a zip", ReaderOptions{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadTable(tc.file, strings.NewReader(tc.body), tc.opts)
			if !errors.Is(err, ErrInputInvalid) {
				t.Errorf("expected ErrInputInvalid, got %v", err)
			}
		})
	}
}

func TestSupportedExtension(t *testing.T) {
	for _, n := range []string{"a.csv", "a.TSV", "a.xlsx", "a.txt"} {
		if !SupportedExtension(n) {
			t.Errorf("expected %s supported", n)
		}
	}
	if SupportedExtension("a.json") {
		t.Error("expected .json unsupported")
	}
}
