package enroll

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/prospect-cli/internal/model"
)

// FileOptions configures LoadFile.
type FileOptions struct {
	CampaignID string
	Source     model.EnrollmentSource
	SheetName  string // xlsx only; overrides SheetIndex
	SheetIndex int    // xlsx only
}

// LoadFile reads an enrollment list from a .xlsx or .csv file.
func LoadFile(path string, opts FileOptions) (*Batch, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		rows, err = ReadXLSX(path, opts.SheetName, opts.SheetIndex)
	case ".csv":
		rows, err = ReadCSV(path)
	default:
		return nil, eris.Errorf("enroll: unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	return FromRows(opts.CampaignID, opts.Source, rows), nil
}

// ReadXLSX returns all rows of one sheet as strings.
func ReadXLSX(path, sheetName string, sheetIndex int) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "enroll: open xlsx %s", path)
	}

	var sheet *xlsx.Sheet
	if sheetName != "" {
		s, ok := f.Sheet[sheetName]
		if !ok {
			return nil, eris.Errorf("enroll: sheet %q not found", sheetName)
		}
		sheet = s
	} else {
		if sheetIndex < 0 || sheetIndex >= len(f.Sheets) {
			return nil, eris.Errorf("enroll: sheet index %d out of range (file has %d sheets)", sheetIndex, len(f.Sheets))
		}
		sheet = f.Sheets[sheetIndex]
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// ReadCSV returns all records of a CSV file. Ragged rows are allowed.
func ReadCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "enroll: open csv %s", path)
	}
	defer f.Close() //nolint:errcheck

	return readCSV(f)
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "enroll: read csv")
	}
	return records, nil
}
