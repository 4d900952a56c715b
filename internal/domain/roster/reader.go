package roster

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/ehr/intake/internal/platform/hl7v2"
)

// ErrInputInvalid marks upload problems the caller can fix.
var ErrInputInvalid = errors.New("invalid input")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Table is a parsed upload.
type Table struct {
	Headers []string
	Rows    []RawRow
}

// ReaderOptions bounds and decodes uploads.
type ReaderOptions struct {
	// Charset of delimited files. Empty means UTF-8, with a Windows-1252
	// fallback when the bytes are not valid UTF-8.
	Charset string
	MaxRows int
}

// SupportedExtension reports whether name has an extension ReadTable accepts.
func SupportedExtension(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt", ".tsv", ".xlsx", ".xlsm":
		return true
	}
	return false
}

// ReadTable parses a CSV, TSV or XLSX upload. The format is chosen by the
// file extension.
func ReadTable(name string, r io.Reader, opts ReaderOptions) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrInputInvalid)
	}

	var records [][]string
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".csv", ".txt":
		records, err = readDelimited(data, ',', opts.Charset)
	case ".tsv":
		records, err = readDelimited(data, '\t', opts.Charset)
	case ".xlsx", ".xlsm":
		records, err = readWorkbook(data)
	default:
		return nil, fmt.Errorf("%w: unsupported file type %q", ErrInputInvalid, ext)
	}
	if err != nil {
		return nil, err
	}
	return buildTable(records, opts.MaxRows)
}

func decodeUpload(data []byte, charset string) ([]byte, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if charset == "" {
		if utf8.Valid(data) {
			return data, nil
		}
		out, err := charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("%w: file is not valid UTF-8", ErrInputInvalid)
		}
		return out, nil
	}
	enc, err := hl7v2.LookupCharset(charset)
	if err != nil {
		return nil, err
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot decode file as %s", ErrInputInvalid, charset)
	}
	return bytes.TrimPrefix(out, utf8BOM), nil
}

func readDelimited(data []byte, comma rune, charset string) ([][]string, error) {
	text, err := decodeUpload(data, charset)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(bytes.NewReader(text))
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = comma != '\t'

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputInvalid, err)
	}
	return records, nil
}

func readWorkbook(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open spreadsheet: %v", ErrInputInvalid, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: spreadsheet has no sheets", ErrInputInvalid)
	}
	sheet := sheets[0]
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read sheet %q: %v", ErrInputInvalid, sheet, err)
	}
	raw, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read sheet %q: %v", ErrInputInvalid, sheet, err)
	}

	dates := workbookDates{f: f, sheet: sheet, styles: make(map[int]bool)}
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		dates.date1904 = *props.Date1904
	}
	for i, row := range rows {
		if i >= len(raw) {
			break
		}
		for j, cell := range row {
			if j >= len(raw[i]) || raw[i][j] == cell {
				continue
			}
			if iso, ok := dates.iso(i, j, raw[i][j]); ok {
				row[j] = iso
			}
		}
	}
	return rows, nil
}

// workbookDates renders date-styled numeric cells as ISO dates instead of
// their locale display text.
type workbookDates struct {
	f        *excelize.File
	sheet    string
	date1904 bool
	styles   map[int]bool
}

func (d workbookDates) iso(row, col int, raw string) (string, bool) {
	serial, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return "", false
	}
	cell, err := excelize.CoordinatesToCellName(col+1, row+1)
	if err != nil {
		return "", false
	}
	idx, err := d.f.GetCellStyle(d.sheet, cell)
	if err != nil || !d.isDateStyle(idx) {
		return "", false
	}
	t, err := excelize.ExcelDateToTime(serial, d.date1904)
	if err != nil {
		return "", false
	}
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		return t.Format("2006-01-02"), true
	}
	return t.Format("2006-01-02 15:04:05"), true
}

func (d workbookDates) isDateStyle(idx int) bool {
	if known, ok := d.styles[idx]; ok {
		return known
	}
	isDate := false
	if style, err := d.f.GetStyle(idx); err == nil && style != nil {
		if style.CustomNumFmt != nil {
			isDate = dateFormatCode(*style.CustomNumFmt)
		} else {
			isDate = builtinDateFormat(style.NumFmt)
		}
	}
	d.styles[idx] = isDate
	return isDate
}

// builtinDateFormat reports whether a built-in number format id shows a
// calendar date.
func builtinDateFormat(id int) bool {
	switch {
	case id >= 14 && id <= 17, id == 22:
		return true
	case id >= 27 && id <= 36, id >= 50 && id <= 58:
		return true
	}
	return false
}

// dateFormatCode reports whether a custom format code has a day or year
// token outside quoted text and bracketed sections.
func dateFormatCode(code string) bool {
	var quoted, bracket, escaped bool
	for _, r := range strings.ToLower(code) {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
		case quoted:
		case r == '[':
			bracket = true
		case r == ']':
			bracket = false
		case bracket:
		case r == 'd' || r == 'y':
			return true
		}
	}
	return false
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func buildTable(records [][]string, maxRows int) (*Table, error) {
	start := 0
	for start < len(records) && blankRow(records[start]) {
		start++
	}
	if start == len(records) {
		return nil, fmt.Errorf("%w: no header row found", ErrInputInvalid)
	}

	headerCells := records[start]
	headers := make([]string, len(headerCells))
	used := make(map[string]bool, len(headerCells))
	for i, h := range headerCells {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		name := h
		for n := 2; used[name]; n++ {
			name = fmt.Sprintf("%s_%d", h, n)
		}
		used[name] = true
		headers[i] = name
	}

	t := &Table{Headers: headers, Rows: []RawRow{}}
	for _, cells := range records[start+1:] {
		if blankRow(cells) {
			continue
		}
		if maxRows > 0 && len(t.Rows) >= maxRows {
			return nil, fmt.Errorf("%w: file has more than %d data rows", ErrInputInvalid, maxRows)
		}
		row := make(RawRow, len(headers))
		for i, h := range headers {
			if i < len(cells) {
				row[h] = cells[i]
			} else {
				row[h] = ""
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
