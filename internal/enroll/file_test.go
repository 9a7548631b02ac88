package enroll

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				row.AddCell().SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "leads.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leads.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile_XLSX(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Leads": {
			{"Lead ID", "Name", "Phone"},
			{"L1", "Ana", "+55 11 90000-0001"},
			{"L2", "Bo", ""},
		},
	})

	b, err := LoadFile(path, FileOptions{CampaignID: "camp-1"})
	require.NoError(t, err)
	require.Len(t, b.Enrollments, 1)
	assert.Equal(t, "+5511900000001", b.Enrollments[0].Phone)
	require.Len(t, b.Rejected, 1)
	assert.Equal(t, 3, b.Rejected[0].Line)
}

func TestReadXLSX_SheetSelection(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Other": {{"x"}},
	})

	rows, err := ReadXLSX(path, "Other", 0)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"x"}}, rows)

	_, err = ReadXLSX(path, "Missing", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sheet "Missing" not found`)

	_, err = ReadXLSX(path, "", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")

	_, err = ReadXLSX(filepath.Join(t.TempDir(), "nope.xlsx"), "", 0)
	require.Error(t, err)
}

func TestLoadFile_CSV(t *testing.T) {
	path := writeTempCSV(t, "lead_id,name,email,stage\nL1,Ana,ana@example.com,new\nL2,Bo,bo@example.com\n")

	b, err := LoadFile(path, FileOptions{CampaignID: "camp-1"})
	require.NoError(t, err)
	require.Len(t, b.Enrollments, 2)
	assert.Equal(t, "new", b.Enrollments[0].Stage)
	assert.Equal(t, "", b.Enrollments[1].Stage)
	assert.Empty(t, b.Rejected)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile("leads.json", FileOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.csv"), FileOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enroll: open csv")
}

func TestReadCSV_Malformed(t *testing.T) {
	_, err := readCSV(strings.NewReader("a,b\n\"unterminated,1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enroll: read csv")
}
